package partition

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxTableLength is the size reserved for the table on flash.
	MaxTableLength = 0xC00

	entrySize     = 32
	labelLength   = 16
	appAlignment  = 0x10000
	dataAlignment = 0x1000
	flagEncrypted = 1 << 0
	flagReadOnly  = 1 << 1
)

var (
	entryMagic = []byte{0xAA, 0x50}
	md5Magic   = []byte{0xEB, 0xEB}
)

// ErrChecksum is returned when the MD5 trailer does not match the entries.
var ErrChecksum = errors.New("partition table checksum mismatch")

// ParseBinary decodes a partition table as stored on flash. Parsing stops at
// the first erased entry. An MD5 trailer, when present, is verified.
func ParseBinary(data []byte) (*Table, error) {
	t := &Table{}
	for off := 0; off+entrySize <= len(data) && off < MaxTableLength; off += entrySize {
		e := data[off : off+entrySize]
		switch {
		case bytes.Equal(e[:2], entryMagic):
			t.Partitions = append(t.Partitions, decodeEntry(e))
		case bytes.Equal(e[:2], md5Magic):
			sum := md5.Sum(data[:off])
			if !bytes.Equal(sum[:], e[16:]) {
				return nil, ErrChecksum
			}
		case bytes.Equal(e, bytes.Repeat([]byte{0xFF}, entrySize)):
			if len(t.Partitions) == 0 {
				return nil, errors.New("partition table is empty")
			}
			return t, nil
		default:
			return nil, fmt.Errorf("invalid partition table entry magic 0x%02X%02X at offset 0x%X", e[0], e[1], off)
		}
	}
	if len(t.Partitions) == 0 {
		return nil, errors.New("partition table is empty")
	}
	return t, nil
}

func decodeEntry(e []byte) Partition {
	label := e[12:28]
	if i := bytes.IndexByte(label, 0); i >= 0 {
		label = label[:i]
	}
	flags := binary.LittleEndian.Uint32(e[28:32])
	return Partition{
		Type:      Type(e[2]),
		Subtype:   Subtype(e[3]),
		Offset:    binary.LittleEndian.Uint32(e[4:8]),
		Size:      binary.LittleEndian.Uint32(e[8:12]),
		Label:     string(label),
		Encrypted: flags&flagEncrypted != 0,
		ReadOnly:  flags&flagReadOnly != 0,
	}
}

// MarshalBinary encodes the table with an MD5 trailer, padded with 0xFF to
// MaxTableLength.
func (t *Table) MarshalBinary() ([]byte, error) {
	if (len(t.Partitions)+1)*entrySize > MaxTableLength {
		return nil, fmt.Errorf("partition table has too many entries (%d)", len(t.Partitions))
	}
	buf := make([]byte, 0, MaxTableLength)
	for _, p := range t.Partitions {
		if len(p.Label) >= labelLength {
			return nil, fmt.Errorf("partition %q: label too long", p.Label)
		}
		e := make([]byte, entrySize)
		copy(e, entryMagic)
		e[2] = byte(p.Type)
		e[3] = byte(p.Subtype)
		binary.LittleEndian.PutUint32(e[4:8], p.Offset)
		binary.LittleEndian.PutUint32(e[8:12], p.Size)
		copy(e[12:28], p.Label)
		var flags uint32
		if p.Encrypted {
			flags |= flagEncrypted
		}
		if p.ReadOnly {
			flags |= flagReadOnly
		}
		binary.LittleEndian.PutUint32(e[28:32], flags)
		buf = append(buf, e...)
	}

	sum := md5.Sum(buf)
	trailer := bytes.Repeat([]byte{0xFF}, entrySize)
	copy(trailer, md5Magic)
	copy(trailer[16:], sum[:])
	buf = append(buf, trailer...)

	for len(buf) < MaxTableLength {
		buf = append(buf, 0xFF)
	}
	return buf, nil
}
