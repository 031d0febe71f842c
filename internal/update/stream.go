package update

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// StreamPolicy bounds how long WriteStream waits on a stalled reader.
type StreamPolicy struct {
	// MaxStalls is the number of consecutive empty reads that end the
	// session with ErrStream.
	MaxStalls int
	// Interval is the pause after an empty read.
	Interval time.Duration
}

// DefaultStreamPolicy gives up after 300 empty reads 100ms apart.
func DefaultStreamPolicy() StreamPolicy {
	return StreamPolicy{MaxStalls: 300, Interval: 100 * time.Millisecond}
}

// WriteStream reads the rest of the image from r sector by sector. A read
// returning no data and no error counts as a stall. io.EOF stops reading
// without ending the session, leaving End(true) to accept a short image.
// Any other read error ends the session with ErrStream.
func (u *Updater) WriteStream(r io.Reader) (int64, error) {
	if u.err != nil {
		return 0, u.err
	}
	if !u.IsRunning() {
		return 0, ErrNotRunning
	}

	var written int64
	stalls := 0
	for u.Remaining() > 0 {
		want := len(u.buffer) - u.bufferLen
		if left := int(u.Remaining()) - u.bufferLen; want > left {
			want = left
		}

		u.setIndicator(true)
		n, err := r.Read(u.buffer[u.bufferLen : u.bufferLen+want])
		u.setIndicator(false)

		u.bufferLen += n
		written += int64(n)
		if n == 0 && err == nil {
			stalls++
			if stalls >= u.stream.MaxStalls {
				return written, u.fail(ErrStream, fmt.Errorf("no data after %d reads", stalls))
			}
			time.Sleep(u.stream.Interval)
			continue
		}
		stalls = 0

		if u.bufferLen == len(u.buffer) || uint32(u.bufferLen) == u.Remaining() {
			if werr := u.writeBuffer(); werr != nil {
				return written, werr
			}
		}
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, u.fail(ErrStream, err)
		}
	}
	return written, nil
}
