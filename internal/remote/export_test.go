package remote

// ProcessFrameForTest exposes the frame dispatcher to external tests.
func ProcessFrameForTest(c *Conn, raw []byte) Envelope {
	return processFrame(c, raw)
}
