package radio

import "encoding/binary"

// Deframer reassembles a stream of transport chunks into complete frames.
// BLE notifications and TCP reads may deliver a frame split across several
// chunks, or several frames packed into one chunk; Push buffers bytes until
// at least one complete length-delimited frame is available.
//
// Deframer is not safe for concurrent use; the link manager funnels all
// inbound chunks through a single ordered processing point.
type Deframer struct {
	buf []byte
}

// NewDeframer returns an empty Deframer.
func NewDeframer() *Deframer {
	return &Deframer{}
}

// Push appends a chunk and returns every complete frame now available, each
// including its 4-byte length prefix. An implausible length prefix returns
// ErrMalformed and discards buffered bytes: the stream cannot be resynced
// past a corrupt header, but the link itself stays up.
func (d *Deframer) Push(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for {
		if len(d.buf) < FramePrefixLen {
			return frames, nil
		}
		length := binary.BigEndian.Uint32(d.buf[:FramePrefixLen])
		if length == 0 || length > MaxFrameBytes {
			d.buf = nil
			return frames, malformed("frame header length %d", length)
		}
		total := FramePrefixLen + int(length)
		if len(d.buf) < total {
			return frames, nil
		}
		fr := make([]byte, total)
		copy(fr, d.buf[:total])
		frames = append(frames, fr)
		d.buf = d.buf[total:]
	}
}

// Reset drops any partially buffered frame. Called when a link is
// re-established so stale bytes never prefix the new stream.
func (d *Deframer) Reset() {
	d.buf = nil
}

// Pending reports how many bytes are buffered awaiting a complete frame.
func (d *Deframer) Pending() int {
	return len(d.buf)
}
