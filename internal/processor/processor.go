// Package processor validates an upload before and after it reaches the
// Updater. Processors form a chain of decorators ending in Legacy: each
// one checks the stream and hands it on to the processor it wraps.
package processor

import (
	"errors"
	"fmt"

	"github.com/bigbag/esp-updater/internal/update"
)

// ErrNeedMore is returned by ProcessHeader until enough bytes arrived to
// judge the header.
var ErrNeedMore = errors.New("processor: need more data")

var (
	ErrBadMagic   = errors.New("processor: wrong magic byte")
	ErrIncomplete = errors.New("processor: upload ended inside the header")
)

// Processor is one link of a validation chain.
type Processor interface {
	// ProcessHeader inspects the bytes received and not yet consumed. It
	// returns how many leading bytes belong to the processor's own header
	// and are removed from the stream, and nil once the header is
	// accepted, ErrNeedMore to wait for more bytes or another error to
	// reject the upload. The consumed count applies with ErrNeedMore too.
	ProcessHeader(cmd update.Command, buf []byte) (int, error)
	// ProcessPayload sees every payload byte in order.
	ProcessPayload(buf []byte) error
	// ProcessEnd is called after the last payload byte.
	ProcessEnd() error
	// Reset clears state so the chain can validate another upload.
	Reset()
}

// Legacy accepts raw images and checks only the magic byte of application
// images. It terminates every chain.
type Legacy struct{}

// NewLegacy returns a Legacy processor.
func NewLegacy() *Legacy { return &Legacy{} }

func (*Legacy) ProcessHeader(cmd update.Command, buf []byte) (int, error) {
	if cmd != update.CommandFlash {
		return 0, nil
	}
	if len(buf) == 0 {
		return 0, ErrNeedMore
	}
	if buf[0] != update.ImageMagic {
		return 0, fmt.Errorf("%w: 0x%02X", ErrBadMagic, buf[0])
	}
	return 0, nil
}

func (*Legacy) ProcessPayload([]byte) error { return nil }

func (*Legacy) ProcessEnd() error { return nil }

func (*Legacy) Reset() {}

func orLegacy(next Processor) Processor {
	if next == nil {
		return NewLegacy()
	}
	return next
}
