package target

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bigbag/esp-updater/internal/crypt"
	"github.com/bigbag/esp-updater/internal/flash"
	"github.com/bigbag/esp-updater/internal/partition"
)

const testCSV = `# Name,   Type, SubType, Offset,  Size, Flags
nvs,      data, nvs,     0x9000,  0x5000,
otadata,  data, ota,     0xe000,  0x2000,
app0,     app,  ota_0,   0x10000, 0x40000,
app1,     app,  ota_1,   0x50000, 0x40000,
spiffs,   data, spiffs,  0x90000, 0x60000,
`

const testFlashSize = 0x100000

func newTarget(t *testing.T, csv string, opts ...Option) (*Target, *flash.MemDevice) {
	t.Helper()
	table, err := partition.ParseCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	dev := flash.NewMemDevice(testFlashSize, flash.DefaultGeometry())
	tgt, err := Format(dev, table, opts...)
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	return tgt, dev
}

func TestOpen_ReadsTable(t *testing.T) {
	_, dev := newTarget(t, testCSV)
	tgt, err := Open(dev)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := len(tgt.Table().Partitions); got != 5 {
		t.Errorf("Open() partitions = %d, want 5", got)
	}
	if tgt.OTAData() == nil {
		t.Error("Open() OTAData() = nil")
	}
}

func TestOpen_BlankFlash(t *testing.T) {
	dev := flash.NewMemDevice(testFlashSize, flash.DefaultGeometry())
	if _, err := Open(dev); err == nil {
		t.Error("Open(blank) expected error, got nil")
	}
}

func TestTarget_Bounds(t *testing.T) {
	tgt, _ := newTarget(t, testCSV)
	app0 := tgt.FindPartition(partition.TypeApp, partition.SubtypeOTA0, "")

	if err := tgt.Write(app0, 0x40000-4, make([]byte, 8)); !errors.Is(err, flash.ErrOutOfRange) {
		t.Errorf("Write past end error = %v, want ErrOutOfRange", err)
	}
	if err := tgt.EraseRange(app0, 0x40000, 0x1000); !errors.Is(err, flash.ErrOutOfRange) {
		t.Errorf("EraseRange past end error = %v, want ErrOutOfRange", err)
	}
	if err := tgt.Read(app0, 0, make([]byte, 0x40001)); !errors.Is(err, flash.ErrOutOfRange) {
		t.Errorf("Read past end error = %v, want ErrOutOfRange", err)
	}
}

func TestTarget_PartitionRelative(t *testing.T) {
	tgt, dev := newTarget(t, testCSV)
	app1 := tgt.FindPartition(partition.TypeApp, partition.SubtypeAny, "app1")

	if err := tgt.EraseRange(app1, 0x1000, 0x1000); err != nil {
		t.Fatalf("EraseRange() error = %v", err)
	}
	if err := tgt.Write(app1, 0x1000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := dev.Data[0x51000:0x51004]; !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("flash at 0x51000 = %x, want 01020304", got)
	}
	buf := make([]byte, 4)
	if err := tgt.Read(app1, 0x1000, buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(buf, []byte{1, 2, 3, 4}) {
		t.Errorf("Read() = %x, want 01020304", buf)
	}
}

func TestTarget_ReadOnly(t *testing.T) {
	csv := testCSV + "ro,       data, nvs,     0xf0000, 0x1000, readonly\n"
	tgt, _ := newTarget(t, csv)
	ro := tgt.FindPartition(partition.TypeData, partition.SubtypeAny, "ro")
	if err := tgt.EraseRange(ro, 0, 0x1000); !errors.Is(err, ErrReadOnly) {
		t.Errorf("EraseRange(readonly) error = %v, want ErrReadOnly", err)
	}
}

func TestTarget_BootSelection(t *testing.T) {
	tgt, _ := newTarget(t, testCSV)
	app0 := tgt.FindPartition(partition.TypeApp, partition.SubtypeOTA0, "")
	app1 := tgt.FindPartition(partition.TypeApp, partition.SubtypeOTA0+1, "")

	if got := tgt.RunningPartition(); got != app0 {
		t.Fatalf("RunningPartition() on fresh otadata = %v, want app0", got)
	}
	if got := tgt.NextUpdatePartition(); got != app1 {
		t.Fatalf("NextUpdatePartition() = %v, want app1", got)
	}

	if err := tgt.SetBootPartition(app1); err != nil {
		t.Fatalf("SetBootPartition(app1) error = %v", err)
	}
	if got := tgt.BootPartition(); got != app1 {
		t.Errorf("BootPartition() = %v, want app1", got)
	}
	if got := tgt.NextUpdatePartition(); got != app0 {
		t.Errorf("NextUpdatePartition() after switch = %v, want app0", got)
	}

	// The selection must survive reopening the device.
	reopened, err := Open(tgt.Device())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := reopened.BootPartition(); got == nil || got.Label != "app1" {
		t.Errorf("reopened BootPartition() = %v, want app1", got)
	}
}

func TestTarget_FactoryFallback(t *testing.T) {
	csv := `nvs,      data, nvs,     0x9000,  0x5000,
otadata,  data, ota,     0xe000,  0x2000,
factory,  app,  factory, 0x10000, 0x40000,
app0,     app,  ota_0,   0x50000, 0x40000,
`
	tgt, _ := newTarget(t, csv)
	factory := tgt.FindPartition(partition.TypeApp, partition.SubtypeFactory, "")
	app0 := tgt.FindPartition(partition.TypeApp, partition.SubtypeOTA0, "")

	if got := tgt.RunningPartition(); got != factory {
		t.Fatalf("RunningPartition() = %v, want factory", got)
	}
	if got := tgt.NextUpdatePartition(); got != app0 {
		t.Fatalf("NextUpdatePartition() = %v, want app0", got)
	}
	if err := tgt.SetBootPartition(app0); err != nil {
		t.Fatalf("SetBootPartition(app0) error = %v", err)
	}
	if got := tgt.NextUpdatePartition(); got != nil {
		t.Errorf("NextUpdatePartition() with single slot running = %v, want nil", got)
	}
	if err := tgt.SetBootPartition(factory); err != nil {
		t.Fatalf("SetBootPartition(factory) error = %v", err)
	}
	if got := tgt.BootPartition(); got != factory {
		t.Errorf("BootPartition() = %v, want factory", got)
	}
}

func TestTarget_SetBootPartition_NotApp(t *testing.T) {
	tgt, _ := newTarget(t, testCSV)
	nvs := tgt.FindPartition(partition.TypeData, partition.SubtypeNVS, "")
	if err := tgt.SetBootPartition(nvs); !errors.Is(err, ErrNotApp) {
		t.Errorf("SetBootPartition(nvs) error = %v, want ErrNotApp", err)
	}
}

func TestTarget_FlashEncryption(t *testing.T) {
	csv := strings.Replace(testCSV, "app1,     app,  ota_1,   0x50000, 0x40000,", "app1,     app,  ota_1,   0x50000, 0x40000, encrypted", 1)
	key := bytes.Repeat([]byte{0x5A}, crypt.KeySize)
	tgt, dev := newTarget(t, csv, WithFlashEncryption(key, crypt.ConfigAll))
	app1 := tgt.FindPartition(partition.TypeApp, partition.SubtypeAny, "app1")

	plain := bytes.Repeat([]byte("0123456789abcdef"), 4)
	if err := tgt.EraseRange(app1, 0, 0x1000); err != nil {
		t.Fatalf("EraseRange() error = %v", err)
	}
	if err := tgt.Write(app1, 0x20, plain); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if bytes.Equal(dev.Data[0x50020:0x50060], plain) {
		t.Error("encrypted partition stored plaintext")
	}

	got := make([]byte, 10)
	if err := tgt.Read(app1, 0x25, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, plain[5:15]) {
		t.Errorf("Read() = %q, want %q", got, plain[5:15])
	}

	if err := tgt.Write(app1, 0x108, plain[:16]); !errors.Is(err, crypt.ErrAlign) {
		t.Errorf("unaligned encrypted Write() error = %v, want ErrAlign", err)
	}
}
