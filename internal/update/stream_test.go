package update

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/bigbag/esp-updater/internal/flash"
)

// scriptedReader returns the scripted chunk sizes in order; zero means an
// empty read. It returns io.EOF once data is exhausted.
type scriptedReader struct {
	data   []byte
	script []int
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	n := len(p)
	if len(r.script) > 0 {
		n, r.script = r.script[0], r.script[1:]
	}
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestWriteStream_Complete(t *testing.T) {
	img := testImage(3*flash.DefaultSectorSize+123, 20)
	readers := map[string]func() io.Reader{
		"bytes": func() io.Reader { return bytes.NewReader(img) },
		"half":  func() io.Reader { return iotest.HalfReader(bytes.NewReader(img)) },
		"stalling": func() io.Reader {
			return &scriptedReader{data: img, script: []int{0, 0, 100, 0, 0, 5000, 0, 0}}
		},
	}
	for name, mk := range readers {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, testCSV)
			if err := e.u.Begin(uint32(len(img)), CommandFlash); err != nil {
				t.Fatalf("Begin() error = %v", err)
			}
			n, err := e.u.WriteStream(mk())
			if err != nil || n != int64(len(img)) {
				t.Fatalf("WriteStream() = %d, %v, want %d, nil", n, err, len(img))
			}
			if err := e.u.End(false); err != nil {
				t.Fatalf("End() error = %v", err)
			}
			if !bytes.Equal(e.at(e.app1, 0, uint32(len(img))), img) {
				t.Error("partition contents differ from image")
			}
		})
	}
}

func TestWriteStream_AfterWrite(t *testing.T) {
	e := newEnv(t, testCSV)
	img := testImage(2*flash.DefaultSectorSize+9, 21)

	if err := e.u.Begin(uint32(len(img)), CommandFlash); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	// Programs the first sector before the stream starts.
	if _, err := e.u.Write(img[:flash.DefaultSectorSize]); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := e.u.WriteStream(bytes.NewReader(img[flash.DefaultSectorSize:])); err != nil {
		t.Fatalf("WriteStream() error = %v", err)
	}
	if err := e.u.End(false); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if !bytes.Equal(e.at(e.app1, 0, uint32(len(img))), img) {
		t.Error("partition contents differ from image")
	}
}

func TestWriteStream_Stall(t *testing.T) {
	e := newEnv(t, testCSV)
	if err := e.u.Begin(1024, CommandFlash); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	r := &scriptedReader{data: testImage(1024, 22), script: []int{100, 0, 0, 0}}
	n, err := e.u.WriteStream(r)
	if !errors.Is(err, ErrStream) {
		t.Fatalf("WriteStream() error = %v, want ErrStream", err)
	}
	if n != 100 {
		t.Errorf("WriteStream() = %d, want 100", n)
	}
	if e.u.IsRunning() {
		t.Error("IsRunning() = true after stream timeout")
	}
}

func TestWriteStream_ReadError(t *testing.T) {
	e := newEnv(t, testCSV)
	boom := errors.New("connection reset")
	if err := e.u.Begin(1024, CommandFlash); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	_, err := e.u.WriteStream(iotest.ErrReader(boom))
	if !errors.Is(err, ErrStream) || !errors.Is(err, boom) {
		t.Errorf("WriteStream() error = %v, want ErrStream wrapping cause", err)
	}
}

func TestWriteStream_ShortThenEndEvenIfRemaining(t *testing.T) {
	e := newEnv(t, testCSV)
	img := testImage(1000, 23)

	if err := e.u.Begin(1024, CommandFlash); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	n, err := e.u.WriteStream(bytes.NewReader(img))
	if err != nil || n != 1000 {
		t.Fatalf("WriteStream() = %d, %v, want 1000, nil", n, err)
	}
	if !e.u.IsRunning() {
		t.Fatal("IsRunning() = false after short stream")
	}
	if err := e.u.End(true); err != nil {
		t.Fatalf("End(true) error = %v", err)
	}
	if !bytes.Equal(e.at(e.app1, 0, 1000), img) {
		t.Error("partition contents differ from image")
	}
}

func TestWriteStream_Indicator(t *testing.T) {
	e := newEnv(t, testCSV)
	var on, off int
	lit := false
	indicator := func(v bool) {
		if v {
			on++
		} else {
			off++
		}
		lit = v
	}

	if err := e.u.Begin(2*flash.DefaultSectorSize, CommandFlash, WithIndicator(indicator)); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if _, err := e.u.WriteStream(bytes.NewReader(testImage(2*flash.DefaultSectorSize, 24))); err != nil {
		t.Fatalf("WriteStream() error = %v", err)
	}
	if on != 2 {
		t.Errorf("indicator switched on %d times, want 2", on)
	}
	if off <= on || lit {
		t.Errorf("indicator off=%d on=%d lit=%v, want off after every read", off, on, lit)
	}
}

func TestWriteStream_NotRunning(t *testing.T) {
	e := newEnv(t, testCSV)
	if _, err := e.u.WriteStream(bytes.NewReader([]byte{ImageMagic})); !errors.Is(err, ErrNotRunning) {
		t.Errorf("WriteStream() error = %v, want ErrNotRunning", err)
	}
}
