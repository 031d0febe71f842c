// Package otadata reads and writes the ESP-IDF "otadata" partition, which
// records the OTA application slot the bootloader starts. The partition
// holds two copies of a select entry in consecutive sectors; the valid copy
// with the highest sequence number wins.
package otadata

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/bigbag/esp-updater/internal/flash"
	"github.com/bigbag/esp-updater/internal/partition"
)

// EntrySize is the encoded size of a select entry.
const EntrySize = 32

const seqLabelLength = 20

// State is the image state recorded alongside a select entry.
type State uint32

const (
	StateNew           State = 0x0
	StatePendingVerify State = 0x1
	StateValid         State = 0x2
	StateInvalid       State = 0x3
	StateAborted       State = 0x4
	StateUndefined     State = 0xFFFFFFFF
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StatePendingVerify:
		return "pending-verify"
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	case StateAborted:
		return "aborted"
	case StateUndefined:
		return "undefined"
	}
	return fmt.Sprintf("state(0x%X)", uint32(s))
}

// Entry is one esp_ota_select_entry_t.
type Entry struct {
	Seq   uint32
	Label [seqLabelLength]byte
	State State
	CRC   uint32
}

// Checksum returns the CRC the bootloader expects for a sequence number.
func Checksum(seq uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], seq)
	return crc32.Update(0xFFFFFFFF, crc32.IEEETable, b[:])
}

// NewEntry returns a select entry for seq with a matching CRC.
func NewEntry(seq uint32, state State) Entry {
	e := Entry{Seq: seq, State: state, CRC: Checksum(seq)}
	for i := range e.Label {
		e.Label[i] = 0xFF
	}
	return e
}

// Valid reports whether the bootloader would consider the entry.
func (e Entry) Valid() bool {
	if e.Seq == 0xFFFFFFFF || e.CRC != Checksum(e.Seq) {
		return false
	}
	return e.State != StateInvalid && e.State != StateAborted
}

// Decode parses an entry from its on-flash form.
func Decode(b []byte) Entry {
	var e Entry
	e.Seq = binary.LittleEndian.Uint32(b[0:4])
	copy(e.Label[:], b[4:24])
	e.State = State(binary.LittleEndian.Uint32(b[24:28]))
	e.CRC = binary.LittleEndian.Uint32(b[28:32])
	return e
}

// Encode returns the on-flash form of the entry.
func (e Entry) Encode() []byte {
	b := make([]byte, EntrySize)
	binary.LittleEndian.PutUint32(b[0:4], e.Seq)
	copy(b[4:24], e.Label[:])
	binary.LittleEndian.PutUint32(b[24:28], uint32(e.State))
	binary.LittleEndian.PutUint32(b[28:32], e.CRC)
	return b
}

// Data is the pair of select entries stored in the otadata partition.
type Data struct {
	Entries [2]Entry
}

// Active returns the index of the entry the bootloader uses, or -1 when no
// entry is valid.
func (d *Data) Active() int {
	a, b := d.Entries[0].Valid(), d.Entries[1].Valid()
	switch {
	case a && b:
		if d.Entries[1].Seq > d.Entries[0].Seq {
			return 1
		}
		return 0
	case a:
		return 0
	case b:
		return 1
	}
	return -1
}

// BootSlot returns the OTA slot selected by the active entry for a table
// with numSlots OTA partitions, or -1 when the bootloader falls back to the
// factory image.
func (d *Data) BootSlot(numSlots int) int {
	i := d.Active()
	if i < 0 || numSlots <= 0 {
		return -1
	}
	return int((d.Entries[i].Seq - 1) % uint32(numSlots))
}

// nextSeq returns the smallest sequence number not below the active one that
// selects slot.
func (d *Data) nextSeq(slot, numSlots int) (uint32, int) {
	base := uint32((slot + 1) % numSlots)
	active := d.Active()
	if active < 0 {
		return uint32(slot + 1), 0
	}
	seq := d.Entries[active].Seq
	i := uint32(0)
	for seq > base+i*uint32(numSlots) {
		i++
	}
	return base + i*uint32(numSlots), active ^ 1
}

// Load reads both select entries from the otadata partition.
func Load(dev flash.Device, p *partition.Partition) (*Data, error) {
	if err := checkPartition(dev, p); err != nil {
		return nil, err
	}
	d := &Data{}
	sector := dev.Geometry().SectorSize
	buf := make([]byte, EntrySize)
	for i := range d.Entries {
		if err := dev.Read(p.Offset+uint32(i)*sector, buf); err != nil {
			return nil, fmt.Errorf("read otadata entry %d: %w", i, err)
		}
		d.Entries[i] = Decode(buf)
	}
	return d, nil
}

// Select rewrites the inactive entry so the bootloader starts OTA slot
// `slot` of numSlots on next reset. The active entry is left untouched, so
// an interrupted update of the otadata keeps the previous selection.
func Select(dev flash.Device, p *partition.Partition, d *Data, slot, numSlots int, state State) error {
	if slot < 0 || slot >= numSlots {
		return fmt.Errorf("invalid OTA slot %d (table has %d slots)", slot, numSlots)
	}
	if err := checkPartition(dev, p); err != nil {
		return err
	}
	seq, idx := d.nextSeq(slot, numSlots)
	e := NewEntry(seq, state)

	sector := dev.Geometry().SectorSize
	addr := p.Offset + uint32(idx)*sector
	if err := dev.Erase(addr, sector); err != nil {
		return fmt.Errorf("erase otadata sector %d: %w", idx, err)
	}
	if err := dev.Write(addr, e.Encode()); err != nil {
		return fmt.Errorf("write otadata sector %d: %w", idx, err)
	}
	d.Entries[idx] = e
	return nil
}

// Erase clears both entries, which makes the bootloader start the factory
// application.
func Erase(dev flash.Device, p *partition.Partition, d *Data) error {
	if err := checkPartition(dev, p); err != nil {
		return err
	}
	if err := dev.Erase(p.Offset, 2*dev.Geometry().SectorSize); err != nil {
		return fmt.Errorf("erase otadata: %w", err)
	}
	if d != nil {
		d.Entries[0] = Decode(erasedEntry())
		d.Entries[1] = Decode(erasedEntry())
	}
	return nil
}

func erasedEntry() []byte {
	b := make([]byte, EntrySize)
	for i := range b {
		b[i] = flash.Erased
	}
	return b
}

func checkPartition(dev flash.Device, p *partition.Partition) error {
	if p == nil || p.Type != partition.TypeData || p.Subtype != partition.SubtypeOTAData {
		return fmt.Errorf("not an otadata partition: %v", p)
	}
	if p.Size < 2*dev.Geometry().SectorSize {
		return fmt.Errorf("otadata partition %q too small (0x%X bytes)", p.Label, p.Size)
	}
	return nil
}
