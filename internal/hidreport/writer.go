package hidreport

// MaxPacketSize is the USB interrupt-in endpoint's max packet size that
// reports are fragmented into.
const MaxPacketSize = 64

// PacketWriter is the USB driver boundary: write one wire packet of at
// most MaxPacketSize bytes. Implementations come from a real interrupt-in
// endpoint or, in tests/the bench harness, an in-memory capture.
type PacketWriter interface {
	WritePacket(p []byte) error
}

// FragmentWriter splits a logical HID report into MaxPacketSize chunks and
// appends the USB zero-length-packet terminator when required: whenever
// the report's length is both less than the logical maximum for that
// report type and an exact multiple of MaxPacketSize, per spec.md §4.5.
// None of this firmware's fixed-size reports are long enough to actually
// need fragmentation in practice, but the rule is implemented generally —
// key_reporter.rs applies the same general path uniformly rather than
// special-casing short reports.
type FragmentWriter struct {
	w PacketWriter
}

// NewFragmentWriter wraps w.
func NewFragmentWriter(w PacketWriter) *FragmentWriter {
	return &FragmentWriter{w: w}
}

// Write sends report, fragmenting it into MaxPacketSize chunks and
// appending a zero-length packet whenever report's length is less than
// logicalMax and an exact multiple of MaxPacketSize.
func (f *FragmentWriter) Write(report []byte, logicalMax int) error {
	total := len(report)
	for len(report) > 0 {
		n := len(report)
		if n > MaxPacketSize {
			n = MaxPacketSize
		}
		if err := f.w.WritePacket(report[:n]); err != nil {
			return err
		}
		report = report[n:]
	}
	if total < logicalMax && total%MaxPacketSize == 0 {
		return f.w.WritePacket(nil)
	}
	return nil
}
