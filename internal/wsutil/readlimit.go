package wsutil

const (
	defaultMaxFrameBytes = 1 << 20

	// envelopeOverheadBytes leaves headroom above the configured frame
	// budget for the JSON envelope around base64 payloads: the type and
	// timestamp fields plus label fields at their capped lengths.
	envelopeOverheadBytes = 4 * 1024
)

// ReadLimit returns the per-message websocket read limit (in bytes) for a
// configured maximum frame size (zero or negative means "use the default").
// The limit sits slightly above the frame budget so validation, not the
// transport, rejects oversized frames with a reason the client can see.
func ReadLimit(maxFrameBytes int) int64 {
	fb := int64(maxFrameBytes)
	if fb <= 0 {
		fb = defaultMaxFrameBytes
	}
	return fb + envelopeOverheadBytes
}
