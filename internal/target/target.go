// Package target binds a flash device to its partition table and otadata,
// giving partition-relative access and boot selection for the updater.
package target

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/bigbag/esp-updater/internal/crypt"
	"github.com/bigbag/esp-updater/internal/flash"
	"github.com/bigbag/esp-updater/internal/otadata"
	"github.com/bigbag/esp-updater/internal/partition"
)

var (
	ErrNoOTAData = errors.New("target: no otadata partition")
	ErrReadOnly  = errors.New("target: partition is read-only")
	ErrNotApp    = errors.New("target: not an application partition")
)

// Target is a flash device with a parsed partition table.
type Target struct {
	dev   flash.Device
	table *partition.Table

	otaPart *partition.Partition
	ota     *otadata.Data

	cryptKey []byte
	cryptCfg uint8
}

// Option configures a Target.
type Option func(*Target)

// WithFlashEncryption makes the target encrypt writes to and decrypt reads
// from partitions flagged as encrypted, the way the flash controller does on
// a device with flash encryption enabled.
func WithFlashEncryption(key []byte, cfg uint8) Option {
	return func(t *Target) {
		t.cryptKey = key
		t.cryptCfg = cfg
	}
}

// Open reads the partition table at partition.TableOffset from dev.
func Open(dev flash.Device, opts ...Option) (*Target, error) {
	buf := make([]byte, partition.MaxTableLength)
	if err := dev.Read(partition.TableOffset, buf); err != nil {
		return nil, fmt.Errorf("read partition table: %w", err)
	}
	table, err := partition.ParseBinary(buf)
	if err != nil {
		return nil, fmt.Errorf("parse partition table: %w", err)
	}
	return New(dev, table, opts...)
}

// New returns a Target for dev laid out according to table.
func New(dev flash.Device, table *partition.Table, opts ...Option) (*Target, error) {
	if err := table.Validate(dev.Size()); err != nil {
		return nil, err
	}
	t := &Target{dev: dev, table: table}
	for _, opt := range opts {
		opt(t)
	}
	if t.cryptKey != nil && len(t.cryptKey) != crypt.KeySize {
		return nil, crypt.ErrKeySize
	}

	t.otaPart = table.Find(partition.TypeData, partition.SubtypeOTAData, "")
	if t.otaPart != nil {
		d, err := otadata.Load(dev, t.otaPart)
		if err != nil {
			return nil, err
		}
		t.ota = d
	}
	return t, nil
}

// Device returns the underlying flash device.
func (t *Target) Device() flash.Device { return t.dev }

// Table returns the partition table.
func (t *Target) Table() *partition.Table { return t.table }

// Geometry returns the erase geometry of the flash.
func (t *Target) Geometry() flash.Geometry { return t.dev.Geometry() }

// OTAData returns the loaded otadata entries, or nil when the table has no
// otadata partition.
func (t *Target) OTAData() *otadata.Data { return t.ota }

func (t *Target) check(p *partition.Partition, off, n uint32, write bool) error {
	if p == nil {
		return errors.New("target: nil partition")
	}
	if uint64(off)+uint64(n) > uint64(p.Size) {
		return fmt.Errorf("%w: %s offset 0x%X+0x%X exceeds size 0x%X", flash.ErrOutOfRange, p.Label, off, n, p.Size)
	}
	if write && p.ReadOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, p.Label)
	}
	return nil
}

func (t *Target) encrypted(p *partition.Partition) bool {
	return p.Encrypted && t.cryptKey != nil
}

// EraseRange erases n bytes at offset off of p.
func (t *Target) EraseRange(p *partition.Partition, off, n uint32) error {
	if err := t.check(p, off, n, true); err != nil {
		return err
	}
	klog.V(3).Infof("erase %s +0x%X len 0x%X", p.Label, off, n)
	return t.dev.Erase(p.Offset+off, n)
}

// Write programs data at offset off of p.
func (t *Target) Write(p *partition.Partition, off uint32, data []byte) error {
	if err := t.check(p, off, uint32(len(data)), true); err != nil {
		return err
	}
	if t.encrypted(p) {
		if off%crypt.BlockSize != 0 {
			return fmt.Errorf("%w: encrypted write at +0x%X", crypt.ErrAlign, off)
		}
		enc := append([]byte(nil), data...)
		if err := crypt.Encrypt(t.cryptKey, t.cryptCfg, p.Offset+off, enc); err != nil {
			return err
		}
		data = enc
	}
	return t.dev.Write(p.Offset+off, data)
}

// Read fills data from offset off of p.
func (t *Target) Read(p *partition.Partition, off uint32, data []byte) error {
	if err := t.check(p, off, uint32(len(data)), false); err != nil {
		return err
	}
	if !t.encrypted(p) {
		return t.dev.Read(p.Offset+off, data)
	}

	// Decrypt whole blocks around the requested range.
	start := off &^ (crypt.BlockSize - 1)
	end := (off + uint32(len(data)) + crypt.BlockSize - 1) &^ (crypt.BlockSize - 1)
	if end > p.Size {
		end = p.Size
	}
	buf := make([]byte, end-start)
	if err := t.dev.Read(p.Offset+start, buf); err != nil {
		return err
	}
	if err := crypt.Decrypt(t.cryptKey, t.cryptCfg, p.Offset+start, buf); err != nil {
		return err
	}
	copy(data, buf[off-start:])
	return nil
}

// FindPartition returns the first partition matching type, subtype and
// label, or nil.
func (t *Target) FindPartition(typ partition.Type, st partition.Subtype, label string) *partition.Partition {
	return t.table.Find(typ, st, label)
}

// BootPartition returns the application partition the bootloader starts on
// next reset: the OTA slot selected in otadata, falling back to the factory
// partition and then to the first OTA slot.
func (t *Target) BootPartition() *partition.Partition {
	slots := t.table.OTASlots()
	if t.ota != nil {
		if i := t.ota.BootSlot(len(slots)); i >= 0 && i < len(slots) {
			return slots[i]
		}
	}
	if p := t.table.Find(partition.TypeApp, partition.SubtypeFactory, ""); p != nil {
		return p
	}
	if len(slots) > 0 {
		return slots[0]
	}
	return nil
}

// RunningPartition returns the application partition the device runs. Seen
// from the host this is the current boot selection.
func (t *Target) RunningPartition() *partition.Partition {
	return t.BootPartition()
}

// NextUpdatePartition returns the OTA slot following the running partition,
// or nil when there is no other slot to update.
func (t *Target) NextUpdatePartition() *partition.Partition {
	slots := t.table.OTASlots()
	if len(slots) == 0 {
		return nil
	}
	running := t.RunningPartition()
	next := slots[0]
	for i, s := range slots {
		if s == running {
			next = slots[(i+1)%len(slots)]
			break
		}
	}
	if next == running {
		return nil
	}
	return next
}

// SetBootPartition makes p the application started on next reset. Selecting
// the factory partition erases otadata.
func (t *Target) SetBootPartition(p *partition.Partition) error {
	if p == nil || p.Type != partition.TypeApp {
		return fmt.Errorf("%w: %v", ErrNotApp, p)
	}
	if t.ota == nil {
		if p.IsOTA() {
			return ErrNoOTAData
		}
		return nil
	}
	if p.Subtype == partition.SubtypeFactory {
		klog.V(1).Infof("boot partition set to factory %s", p.Label)
		return otadata.Erase(t.dev, t.otaPart, t.ota)
	}
	if !p.IsOTA() {
		return fmt.Errorf("%w: %s cannot be selected", ErrNotApp, p.Label)
	}
	slots := t.table.OTASlots()
	slot := -1
	for i, s := range slots {
		if s == p {
			slot = i
		}
	}
	if slot < 0 {
		return fmt.Errorf("%w: %s is not in the partition table", ErrNotApp, p.Label)
	}
	if err := otadata.Select(t.dev, t.otaPart, t.ota, slot, len(slots), otadata.StateUndefined); err != nil {
		return err
	}
	klog.V(1).Infof("boot partition set to %s", p.Label)
	return nil
}

// Format writes table to dev at partition.TableOffset, clears otadata and
// returns the resulting Target.
func Format(dev flash.Device, table *partition.Table, opts ...Option) (*Target, error) {
	if err := table.Validate(dev.Size()); err != nil {
		return nil, err
	}
	bin, err := table.MarshalBinary()
	if err != nil {
		return nil, err
	}
	sector := dev.Geometry().SectorSize
	if err := dev.Erase(partition.TableOffset, sector); err != nil {
		return nil, fmt.Errorf("erase partition table: %w", err)
	}
	if err := dev.Write(partition.TableOffset, bin); err != nil {
		return nil, fmt.Errorf("write partition table: %w", err)
	}
	if p := table.Find(partition.TypeData, partition.SubtypeOTAData, ""); p != nil {
		if err := otadata.Erase(dev, p, nil); err != nil {
			return nil, err
		}
	}
	return New(dev, table, opts...)
}
