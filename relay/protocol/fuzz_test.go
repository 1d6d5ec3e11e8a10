package protocol

import "testing"

func FuzzParseInboundWithConstraints(f *testing.F) {
	f.Add([]byte(`{"type":"handshake","username":"zoe","deviceId":"pixel-8a"}`))
	f.Add([]byte(`{"type":"data","timestamp":"2026-08-24T10:00:00.000Z","orientation":{"alpha":45,"beta":15,"gamma":-5}}`))
	f.Add([]byte(`{"type":"data","timestamp":"2026-08-24T10:00:00.000Z","gps":{"lat":47.6,"lon":-122.3,"accuracy":5}}`))
	f.Add([]byte(`{"type":"getStats"}`))
	f.Add([]byte(`{"type":99}`))
	f.Add([]byte(`not json`))

	c := FrameConstraints{
		MaxFrameBytes: 1 << 20,
		MaxLabelLen:   128,
	}

	f.Fuzz(func(t *testing.T, b []byte) {
		_, _ = ParseInboundWithConstraints(b, c)
	})
}
