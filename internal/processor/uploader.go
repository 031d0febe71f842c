package processor

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/bigbag/esp-updater/internal/update"
)

// MaxPendingHeader bounds the bytes buffered while a chain waits for more
// header data.
const MaxPendingHeader = 32 * 1024

// Sink receives the payload accepted by a chain. *update.Updater is a Sink.
type Sink interface {
	Write(p []byte) (int, error)
	End(evenIfRemaining bool) error
	Abort()
}

// Uploader feeds an upload through a processor chain into a Sink. Header
// bytes claimed by the chain are stripped; everything after the accepted
// header is payload. Any rejection aborts the sink so the boot partition
// is never switched. The sink's session must already be started.
type Uploader struct {
	chain Processor
	sink  Sink
	cmd   update.Command

	pending    []byte
	headerDone bool
	err        error
}

// NewUploader returns an Uploader for an image of kind cmd.
func NewUploader(chain Processor, sink Sink, cmd update.Command) *Uploader {
	return &Uploader{chain: chain, sink: sink, cmd: cmd}
}

// Write implements io.Writer.
func (up *Uploader) Write(p []byte) (int, error) {
	if up.err != nil {
		return 0, up.err
	}

	payload := p
	if !up.headerDone {
		up.pending = append(up.pending, p...)
		n, err := up.chain.ProcessHeader(up.cmd, up.pending)
		up.pending = up.pending[n:]
		switch {
		case errors.Is(err, ErrNeedMore):
			if len(up.pending) > MaxPendingHeader {
				return 0, up.reject(fmt.Errorf("processor: header exceeds %d bytes", MaxPendingHeader))
			}
			return len(p), nil
		case err != nil:
			return 0, up.reject(err)
		}
		up.headerDone = true
		payload, up.pending = up.pending, nil
		klog.V(2).Infof("processor: header accepted, %d payload bytes buffered", len(payload))
	}

	if len(payload) == 0 {
		return len(p), nil
	}
	if err := up.chain.ProcessPayload(payload); err != nil {
		return 0, up.reject(err)
	}
	if _, err := up.sink.Write(payload); err != nil {
		up.err = err
		return 0, err
	}
	return len(p), nil
}

// Finish runs the chain's end checks and then completes the sink session.
func (up *Uploader) Finish(evenIfRemaining bool) error {
	if up.err != nil {
		return up.err
	}
	if !up.headerDone {
		return up.reject(fmt.Errorf("%w (%d bytes)", ErrIncomplete, len(up.pending)))
	}
	if err := up.chain.ProcessEnd(); err != nil {
		return up.reject(err)
	}
	return up.sink.End(evenIfRemaining)
}

// Reset prepares the Uploader and its chain for another upload.
func (up *Uploader) Reset() {
	up.pending = nil
	up.headerDone = false
	up.err = nil
	up.chain.Reset()
}

func (up *Uploader) reject(err error) error {
	klog.Errorf("processor: upload rejected: %v", err)
	up.sink.Abort()
	up.err = err
	return err
}
