package quic

// A streamBuffer is a sliding window over a byte stream, backing
// CryptoStream's send and receive buffers. It retains the bytes in
// [start, end) as one flat slice: a crypto handshake buffer is small and
// bounded (sendBufferCap on the send side, the receive flow-control limit
// on the other), so a contiguous slice that grows on demand beats chunked
// storage here.
//
// The window only ever moves forward: writes at or past end extend it,
// and discardBefore drops an acknowledged or consumed prefix. It is never
// rewound.
type streamBuffer struct {
	start int64 // absolute offset of data[0]
	end   int64 // start + len(data)
	data  []byte
}

// writeAt writes b at absolute offset off. Bytes that fall below the
// window start have already been discarded and are dropped; writing past
// the current end extends the window, zero-filling any gap.
func (sb *streamBuffer) writeAt(b []byte, off int64) {
	if off+int64(len(b)) <= sb.start {
		return
	}
	if off < sb.start {
		b = b[sb.start-off:]
		off = sb.start
	}
	if need := off + int64(len(b)) - sb.start; need > int64(len(sb.data)) {
		if need > int64(cap(sb.data)) {
			grown := make([]byte, need, need+512)
			copy(grown, sb.data)
			sb.data = grown
		} else {
			old := len(sb.data)
			sb.data = sb.data[:need]
			clear(sb.data[old:])
		}
		sb.end = sb.start + need
	}
	copy(sb.data[off-sb.start:], b)
}

// copy fills b with the window's bytes starting at absolute offset off.
// The window must contain [off, off+len(b)).
func (sb *streamBuffer) copy(off int64, b []byte) {
	if off < sb.start || off+int64(len(b)) > sb.end {
		panic("quic: stream buffer read outside the window")
	}
	copy(b, sb.data[off-sb.start:])
}

// discardBefore drops every byte below absolute offset off, advancing the
// window start. Discarding past the end leaves an empty window at off.
func (sb *streamBuffer) discardBefore(off int64) {
	switch {
	case off >= sb.end:
		sb.data = sb.data[:0]
		sb.end = off
	case off > sb.start:
		n := copy(sb.data, sb.data[off-sb.start:])
		sb.data = sb.data[:n]
	default:
		return
	}
	sb.start = off
}

// length returns the number of bytes currently retained in the window.
func (sb *streamBuffer) length() int64 {
	return sb.end - sb.start
}
