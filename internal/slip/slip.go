// Package slip implements the SLIP framing (RFC 1055) used by the ESP ROM
// bootloader serial protocol.
package slip

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// Encode wraps data in SLIP framing: an END byte on both sides and the
// special bytes escaped.
func Encode(data []byte) []byte {
	result := make([]byte, 0, len(data)+10)
	result = append(result, End)
	for _, b := range data {
		switch b {
		case End:
			result = append(result, Esc, EscEnd)
		case Esc:
			result = append(result, Esc, EscEsc)
		default:
			result = append(result, b)
		}
	}
	return append(result, End)
}

// Decode extracts data from a single SLIP frame, with or without its END
// delimiters.
func Decode(frame []byte) []byte {
	var d Decoder
	frames := d.Feed(append(append([]byte{End}, frame...), End))
	if len(frames) == 0 {
		return nil
	}
	return frames[0]
}

// Decoder reassembles frames from a byte stream that may split them at
// arbitrary points. Bytes before the first END are discarded.
type Decoder struct {
	buf     []byte
	inFrame bool
	escaped bool
}

// Feed consumes p and returns every frame completed by it, unescaped.
func (d *Decoder) Feed(p []byte) [][]byte {
	var frames [][]byte
	for _, b := range p {
		if b == End {
			if d.inFrame && len(d.buf) > 0 {
				frames = append(frames, d.buf)
			}
			d.buf, d.inFrame, d.escaped = nil, true, false
			continue
		}
		if !d.inFrame {
			continue
		}
		if d.escaped {
			switch b {
			case EscEnd:
				b = End
			case EscEsc:
				b = Esc
			}
			d.escaped = false
		} else if b == Esc {
			d.escaped = true
			continue
		}
		d.buf = append(d.buf, b)
	}
	return frames
}

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.buf, d.inFrame, d.escaped = nil, false, false
}
