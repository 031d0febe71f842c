package flash

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGeometry_Validate(t *testing.T) {
	tests := []struct {
		name    string
		geo     Geometry
		wantErr bool
	}{
		{"default", DefaultGeometry(), false},
		{"sector equals block", Geometry{SectorSize: 0x1000, BlockSize: 0x1000}, false},
		{"zero sector", Geometry{SectorSize: 0, BlockSize: 0x10000}, true},
		{"sector not power of two", Geometry{SectorSize: 0x1800, BlockSize: 0x3000}, true},
		{"block smaller than sector", Geometry{SectorSize: 0x1000, BlockSize: 0x800}, true},
		{"block not multiple", Geometry{SectorSize: 0x1000, BlockSize: 0x1800}, true},
	}

	for _, tc := range tests {
		err := tc.geo.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestMemDevice_NORSemantics(t *testing.T) {
	d := NewMemDevice(0x2000, DefaultGeometry())

	if err := d.Write(0, []byte{0x0F, 0xF0}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	// Programming over programmed bytes can only clear bits.
	if err := d.Write(0, []byte{0xF0, 0xF0}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !bytes.Equal(d.Data[:2], []byte{0x00, 0xF0}) {
		t.Errorf("Data = %X, want 00F0", d.Data[:2])
	}

	if err := d.Erase(0, 0x1000); err != nil {
		t.Fatalf("Erase() error = %v", err)
	}
	if !IsErased(d.Data[:0x1000]) {
		t.Error("sector not erased")
	}

	want := []Op{
		{Kind: OpWrite, Addr: 0, Size: 2},
		{Kind: OpWrite, Addr: 0, Size: 2},
		{Kind: OpErase, Addr: 0, Size: 0x1000},
	}
	if diff := cmp.Diff(want, d.Ops); diff != "" {
		t.Errorf("Ops mismatch (-want +got):\n%s", diff)
	}
}

func TestMemDevice_Bounds(t *testing.T) {
	d := NewMemDevice(0x1000, DefaultGeometry())

	if err := d.Write(0xFFF, []byte{1, 2}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Write() past end error = %v, want ErrOutOfRange", err)
	}
	if err := d.Read(0x1000, make([]byte, 1)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Read() past end error = %v, want ErrOutOfRange", err)
	}
	if err := d.Erase(0x10, 0x1000); err == nil {
		t.Error("Erase() unaligned expected error, got nil")
	}
}

func TestMemDevice_Fault(t *testing.T) {
	d := NewMemDevice(0x1000, DefaultGeometry())
	boom := errors.New("boom")
	d.Fault = func(op Op) error {
		if op.Kind == OpWrite {
			return boom
		}
		return nil
	}

	if err := d.Write(0, []byte{0}); !errors.Is(err, boom) {
		t.Errorf("Write() error = %v, want %v", err, boom)
	}
	if d.Data[0] != Erased {
		t.Errorf("faulted write modified data: 0x%02X", d.Data[0])
	}
}

func TestFileDevice_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	geo := DefaultGeometry()

	d, err := CreateFile(path, 0x4000, geo)
	if err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	if err := d.Write(0x1004, []byte{0xDE, 0xAD}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	d, err = OpenFile(path, geo)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer d.Close()

	if d.Size() != 0x4000 {
		t.Errorf("Size() = 0x%X, want 0x4000", d.Size())
	}
	buf := make([]byte, 4)
	if err := d.Read(0x1003, buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(buf, []byte{0xFF, 0xDE, 0xAD, 0xFF}) {
		t.Errorf("Read() = %X, want FFDEADFF", buf)
	}

	if err := d.Erase(0x1000, 0x1000); err != nil {
		t.Fatalf("Erase() error = %v", err)
	}
	if err := d.Read(0x1003, buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !IsErased(buf) {
		t.Errorf("Read() after erase = %X, want erased", buf)
	}
}

func TestCreateFile_BadSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	if _, err := CreateFile(path, 0x1001, DefaultGeometry()); err == nil {
		t.Error("CreateFile() with partial sector expected error, got nil")
	}
}
