package wsutil

import "testing"

func TestReadLimitDefaults(t *testing.T) {
	if got := ReadLimit(0); got != defaultMaxFrameBytes+envelopeOverheadBytes {
		t.Fatalf("ReadLimit(0)=%d", got)
	}
	if got := ReadLimit(-5); got != defaultMaxFrameBytes+envelopeOverheadBytes {
		t.Fatalf("ReadLimit(-5)=%d", got)
	}
}

func TestReadLimitAboveBudget(t *testing.T) {
	if got := ReadLimit(1000); got <= 1000 {
		t.Fatalf("ReadLimit(1000)=%d, want > budget", got)
	}
}
