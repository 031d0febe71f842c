// Package image parses ESP application images: the esp_image_header_t,
// the segment table, the trailing checksum and optional SHA-256, and the
// esp_app_desc_t embedded at the start of the first segment.
package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	Magic         = 0xE9
	AppDescMagic  = 0xABCD5432
	HeaderSize    = 24
	SegmentHeader = 8
	AppDescSize   = 256
	MaxSegments   = 16

	checksumSeed = 0xEF
)

var ErrMagic = errors.New("image: bad magic byte")

// Header is esp_image_header_t.
type Header struct {
	Magic          uint8
	SegmentCount   uint8
	SPIMode        uint8
	SPISpeedSize   uint8
	EntryAddr      uint32
	WPPin          uint8
	SPIPinDrv      [3]uint8
	ChipID         uint16
	MinChipRev     uint8
	MinChipRevFull uint16
	MaxChipRevFull uint16
	Reserved       [4]uint8
	HashAppended   uint8
}

// AppDesc is esp_app_desc_t.
type AppDesc struct {
	MagicWord          uint32
	SecureVersion      uint32
	Reserv1            [2]uint32
	Version            [32]byte
	ProjectName        [32]byte
	Time               [16]byte
	Date               [16]byte
	IDFVer             [32]byte
	AppELFSHA256       [32]byte
	MinEfuseBlkRevFull uint16
	MaxEfuseBlkRevFull uint16
	MMUPageSize        uint8
	Reserv3            [3]uint8
	Reserv2            [18]uint32
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// VersionString returns the application version.
func (d *AppDesc) VersionString() string { return cstring(d.Version[:]) }

// Project returns the project name.
func (d *AppDesc) Project() string { return cstring(d.ProjectName[:]) }

// BuildTime returns the compile date and time.
func (d *AppDesc) BuildTime() string {
	return strings.TrimSpace(cstring(d.Date[:]) + " " + cstring(d.Time[:]))
}

// IDFVersion returns the ESP-IDF version the application was built with.
func (d *AppDesc) IDFVersion() string { return cstring(d.IDFVer[:]) }

// Segment is one loadable segment of an image.
type Segment struct {
	LoadAddr uint32
	Offset   int
	Length   uint32
}

// Image is a parsed application image.
type Image struct {
	Header   Header
	Segments []Segment
	AppDesc  *AppDesc

	// Size is the image length including checksum and appended hash.
	Size int

	Checksum     uint8
	WantChecksum uint8
	SHA256       []byte
	WantSHA256   []byte
}

var chipNames = map[uint16]string{
	0x0000: "ESP32",
	0x0002: "ESP32-S2",
	0x0005: "ESP32-C3",
	0x0009: "ESP32-S3",
	0x000C: "ESP32-C2",
	0x000D: "ESP32-C6",
	0x0010: "ESP32-H2",
	0x0012: "ESP32-P4",
}

// ChipName returns the chip an image targets.
func (h *Header) ChipName() string {
	if n, ok := chipNames[h.ChipID]; ok {
		return n
	}
	return fmt.Sprintf("chip(0x%04X)", h.ChipID)
}

// Parse decodes an image from its first bytes. data may extend past the
// end of the image.
func Parse(data []byte) (*Image, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("image: %d bytes is shorter than the header", len(data))
	}
	img := &Image{}
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.LittleEndian, &img.Header); err != nil {
		return nil, err
	}
	if img.Header.Magic != Magic {
		return nil, fmt.Errorf("%w: 0x%02X", ErrMagic, img.Header.Magic)
	}
	if img.Header.SegmentCount == 0 || img.Header.SegmentCount > MaxSegments {
		return nil, fmt.Errorf("image: invalid segment count %d", img.Header.SegmentCount)
	}

	off := HeaderSize
	sum := uint8(checksumSeed)
	for i := 0; i < int(img.Header.SegmentCount); i++ {
		if off+SegmentHeader > len(data) {
			return nil, fmt.Errorf("image: segment %d header truncated", i)
		}
		seg := Segment{
			LoadAddr: binary.LittleEndian.Uint32(data[off:]),
			Length:   binary.LittleEndian.Uint32(data[off+4:]),
			Offset:   off + SegmentHeader,
		}
		end := uint64(seg.Offset) + uint64(seg.Length)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("image: segment %d (0x%X bytes at 0x%X) truncated", i, seg.Length, seg.Offset)
		}
		for _, b := range data[seg.Offset:end] {
			sum ^= b
		}
		img.Segments = append(img.Segments, seg)
		off = int(end)
	}

	// The checksum sits in the last byte of padding to 16 bytes.
	off = (off + 16) &^ 15
	if off > len(data) {
		return nil, errors.New("image: checksum truncated")
	}
	img.Checksum = sum
	img.WantChecksum = data[off-1]

	if img.Header.HashAppended == 1 {
		if off+sha256.Size > len(data) {
			return nil, errors.New("image: appended SHA-256 truncated")
		}
		h := sha256.Sum256(data[:off])
		img.SHA256 = h[:]
		img.WantSHA256 = append([]byte(nil), data[off:off+sha256.Size]...)
		off += sha256.Size
	}
	img.Size = off

	first := img.Segments[0]
	if first.Length >= AppDescSize && binary.LittleEndian.Uint32(data[first.Offset:]) == AppDescMagic {
		d := &AppDesc{}
		if err := binary.Read(bytes.NewReader(data[first.Offset:first.Offset+AppDescSize]), binary.LittleEndian, d); err != nil {
			return nil, err
		}
		img.AppDesc = d
	}
	return img, nil
}

// Verify checks the segment checksum and, when present, the appended hash.
func (img *Image) Verify() error {
	if img.Checksum != img.WantChecksum {
		return fmt.Errorf("image: checksum 0x%02X, header says 0x%02X", img.Checksum, img.WantChecksum)
	}
	if img.WantSHA256 != nil && !bytes.Equal(img.SHA256, img.WantSHA256) {
		return fmt.Errorf("image: SHA-256 %x, appended %x", img.SHA256, img.WantSHA256)
	}
	return nil
}

func (img *Image) String() string {
	var b strings.Builder
	h := &img.Header
	fmt.Fprintf(&b, "Chip:       %s (rev %d.%d-%d.%d)\n", h.ChipName(),
		h.MinChipRevFull/100, h.MinChipRevFull%100, h.MaxChipRevFull/100, h.MaxChipRevFull%100)
	fmt.Fprintf(&b, "Entry:      0x%08X\n", h.EntryAddr)
	fmt.Fprintf(&b, "Size:       %d bytes\n", img.Size)
	fmt.Fprintf(&b, "Segments:   %d\n", len(img.Segments))
	for i, s := range img.Segments {
		fmt.Fprintf(&b, "  %2d: load 0x%08X len 0x%06X file 0x%06X\n", i, s.LoadAddr, s.Length, s.Offset)
	}
	if d := img.AppDesc; d != nil {
		fmt.Fprintf(&b, "Project:    %s\n", d.Project())
		fmt.Fprintf(&b, "Version:    %s\n", d.VersionString())
		fmt.Fprintf(&b, "Built:      %s\n", d.BuildTime())
		fmt.Fprintf(&b, "ESP-IDF:    %s\n", d.IDFVersion())
		fmt.Fprintf(&b, "Secure ver: %d\n", d.SecureVersion)
	}
	return b.String()
}
