package processor

import (
	"errors"
	"testing"

	"github.com/bigbag/esp-updater/internal/update"
)

// recorder accepts everything and records what it saw.
type recorder struct {
	headers [][]byte
	payload []byte
	ended   int
	resets  int
}

func (r *recorder) ProcessHeader(_ update.Command, buf []byte) (int, error) {
	r.headers = append(r.headers, append([]byte(nil), buf...))
	return 0, nil
}

func (r *recorder) ProcessPayload(buf []byte) error {
	r.payload = append(r.payload, buf...)
	return nil
}

func (r *recorder) ProcessEnd() error {
	r.ended++
	return nil
}

func (r *recorder) Reset() { r.resets++ }

func TestLegacy_ProcessHeader(t *testing.T) {
	tests := []struct {
		name string
		cmd  update.Command
		buf  []byte
		want error
	}{
		{"flash magic", update.CommandFlash, []byte{update.ImageMagic, 0x03}, nil},
		{"flash bad magic", update.CommandFlash, []byte{0x00}, ErrBadMagic},
		{"flash empty", update.CommandFlash, nil, ErrNeedMore},
		{"spiffs", update.CommandSPIFFS, []byte{0x00}, nil},
		{"spiffs empty", update.CommandSPIFFS, nil, nil},
	}
	for _, tc := range tests {
		n, err := NewLegacy().ProcessHeader(tc.cmd, tc.buf)
		if !errors.Is(err, tc.want) || (tc.want == nil && err != nil) {
			t.Errorf("%s: ProcessHeader() error = %v, want %v", tc.name, err, tc.want)
		}
		if n != 0 {
			t.Errorf("%s: ProcessHeader() consumed %d, want 0", tc.name, n)
		}
	}
}

func TestLegacy_PayloadAndEnd(t *testing.T) {
	l := NewLegacy()
	if err := l.ProcessPayload([]byte{1, 2, 3}); err != nil {
		t.Errorf("ProcessPayload() error = %v", err)
	}
	if err := l.ProcessEnd(); err != nil {
		t.Errorf("ProcessEnd() error = %v", err)
	}
	l.Reset()
}
