// Package partition implements the ESP-IDF partition table: the binary
// layout the bootloader reads at TableOffset and the CSV source format.
package partition

import (
	"fmt"
	"sort"
	"strings"
)

// TableOffset is the default flash address of the partition table.
const TableOffset = 0x8000

// Type is the partition type field.
type Type uint8

const (
	TypeApp  Type = 0x00
	TypeData Type = 0x01
	TypeAny  Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case TypeApp:
		return "app"
	case TypeData:
		return "data"
	case TypeAny:
		return "any"
	}
	return fmt.Sprintf("0x%02x", uint8(t))
}

// Subtype is the partition subtype field; its meaning depends on the Type.
type Subtype uint8

// App subtypes.
const (
	SubtypeFactory Subtype = 0x00
	SubtypeOTA0    Subtype = 0x10
	SubtypeOTAMax  Subtype = 0x1F
	SubtypeTest    Subtype = 0x20
)

// Data subtypes.
const (
	SubtypeOTAData   Subtype = 0x00
	SubtypePHY       Subtype = 0x01
	SubtypeNVS       Subtype = 0x02
	SubtypeCoredump  Subtype = 0x03
	SubtypeNVSKeys   Subtype = 0x04
	SubtypeEFuse     Subtype = 0x05
	SubtypeUndefined Subtype = 0x06
	SubtypeESPHTTPD  Subtype = 0x80
	SubtypeFAT       Subtype = 0x81
	SubtypeSPIFFS    Subtype = 0x82
	SubtypeLittleFS  Subtype = 0x83
)

// SubtypeAny matches every subtype in lookups.
const SubtypeAny Subtype = 0xFF

var appSubtypeNames = map[string]Subtype{
	"factory": SubtypeFactory,
	"test":    SubtypeTest,
}

var dataSubtypeNames = map[string]Subtype{
	"ota":       SubtypeOTAData,
	"phy":       SubtypePHY,
	"nvs":       SubtypeNVS,
	"coredump":  SubtypeCoredump,
	"nvs_keys":  SubtypeNVSKeys,
	"efuse":     SubtypeEFuse,
	"undefined": SubtypeUndefined,
	"esphttpd":  SubtypeESPHTTPD,
	"fat":       SubtypeFAT,
	"spiffs":    SubtypeSPIFFS,
	"littlefs":  SubtypeLittleFS,
}

// SubtypeName returns the CSV name of a subtype of the given type.
func SubtypeName(t Type, st Subtype) string {
	if t == TypeApp && st >= SubtypeOTA0 && st <= SubtypeOTAMax {
		return fmt.Sprintf("ota_%d", st-SubtypeOTA0)
	}
	names := dataSubtypeNames
	if t == TypeApp {
		names = appSubtypeNames
	}
	for n, v := range names {
		if v == st {
			return n
		}
	}
	return fmt.Sprintf("0x%02x", uint8(st))
}

// Partition is a single entry of the partition table.
type Partition struct {
	Label     string
	Type      Type
	Subtype   Subtype
	Offset    uint32
	Size      uint32
	Encrypted bool
	ReadOnly  bool
}

// IsOTA reports whether p is an OTA application slot.
func (p *Partition) IsOTA() bool {
	return p.Type == TypeApp && p.Subtype >= SubtypeOTA0 && p.Subtype <= SubtypeOTAMax
}

// OTAIndex returns the slot number of an OTA application partition, or -1.
func (p *Partition) OTAIndex() int {
	if !p.IsOTA() {
		return -1
	}
	return int(p.Subtype - SubtypeOTA0)
}

// End returns the first address after the partition.
func (p *Partition) End() uint32 {
	return p.Offset + p.Size
}

func (p *Partition) String() string {
	return fmt.Sprintf("%s (%s/%s @ 0x%X, 0x%X bytes)", p.Label, p.Type, SubtypeName(p.Type, p.Subtype), p.Offset, p.Size)
}

// Table is an ordered partition table.
type Table struct {
	Partitions []Partition
}

// Find returns the first partition matching type, subtype and label. TypeAny,
// SubtypeAny and an empty label match everything. The returned pointer
// refers into the table.
func (t *Table) Find(typ Type, st Subtype, label string) *Partition {
	for i := range t.Partitions {
		p := &t.Partitions[i]
		if typ != TypeAny && p.Type != typ {
			continue
		}
		if st != SubtypeAny && p.Subtype != st {
			continue
		}
		if label != "" && p.Label != label {
			continue
		}
		return p
	}
	return nil
}

// Contains returns the partition covering the flash address, or nil.
func (t *Table) Contains(addr uint32) *Partition {
	for i := range t.Partitions {
		p := &t.Partitions[i]
		if addr >= p.Offset && addr < p.End() {
			return p
		}
	}
	return nil
}

// OTASlots returns the OTA application partitions ordered by slot number.
func (t *Table) OTASlots() []*Partition {
	var slots []*Partition
	for i := range t.Partitions {
		if t.Partitions[i].IsOTA() {
			slots = append(slots, &t.Partitions[i])
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Subtype < slots[j].Subtype })
	return slots
}

// Validate checks the table against a flash of the given size: labels are
// unique, app partitions are 64 KiB aligned, everything fits after the table
// and nothing overlaps.
func (t *Table) Validate(flashSize uint32) error {
	labels := make(map[string]bool)
	sorted := make([]Partition, len(t.Partitions))
	copy(sorted, t.Partitions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	prevEnd := uint32(TableOffset + dataAlignment)
	prev := "partition table"
	for _, p := range sorted {
		if p.Label == "" || len(p.Label) >= labelLength {
			return fmt.Errorf("partition %q: label must be 1-%d characters", p.Label, labelLength-1)
		}
		if labels[p.Label] {
			return fmt.Errorf("partition %q: duplicate label", p.Label)
		}
		labels[p.Label] = true
		if p.Size == 0 {
			return fmt.Errorf("partition %q: zero size", p.Label)
		}
		if p.Type == TypeApp && p.Offset%appAlignment != 0 {
			return fmt.Errorf("partition %q: app offset 0x%X not aligned to 0x%X", p.Label, p.Offset, appAlignment)
		}
		if p.Offset%dataAlignment != 0 {
			return fmt.Errorf("partition %q: offset 0x%X not aligned to 0x%X", p.Label, p.Offset, dataAlignment)
		}
		if p.Offset < prevEnd {
			return fmt.Errorf("partition %q at 0x%X overlaps %s ending at 0x%X", p.Label, p.Offset, prev, prevEnd)
		}
		if uint64(p.Offset)+uint64(p.Size) > uint64(flashSize) {
			return fmt.Errorf("partition %q ends at 0x%X past flash size 0x%X", p.Label, p.End(), flashSize)
		}
		prevEnd, prev = p.End(), fmt.Sprintf("%q", p.Label)
	}
	return nil
}

func (t *Table) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-5s %-9s %-10s %-10s %s\n", "Label", "Type", "SubType", "Offset", "Size", "Flags")
	for _, p := range t.Partitions {
		var flags []string
		if p.Encrypted {
			flags = append(flags, "encrypted")
		}
		if p.ReadOnly {
			flags = append(flags, "readonly")
		}
		fmt.Fprintf(&b, "%-16s %-5s %-9s 0x%-8X 0x%-8X %s\n", p.Label, p.Type, SubtypeName(p.Type, p.Subtype), p.Offset, p.Size, strings.Join(flags, ":"))
	}
	return b.String()
}
