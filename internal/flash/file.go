package flash

import (
	"bytes"
	"fmt"
	"os"
)

// FileDevice is a flash dump on disk, as produced by `esptool.py read_flash`
// or consumed by QEMU. It applies the same NOR semantics as MemDevice.
type FileDevice struct {
	f    *os.File
	size uint32
	geo  Geometry
}

// OpenFile opens an existing flash dump for reading and writing.
func OpenFile(path string, geo Geometry) (*FileDevice, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat flash image %s: %w", path, err)
	}
	if st.Size()%int64(geo.SectorSize) != 0 || st.Size() > 1<<32-1 {
		f.Close()
		return nil, fmt.Errorf("flash image %s: size %d is not a whole number of sectors", path, st.Size())
	}
	return &FileDevice{f: f, size: uint32(st.Size()), geo: geo}, nil
}

// CreateFile creates an erased flash dump of the given size.
func CreateFile(path string, size uint32, geo Geometry) (*FileDevice, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	if size == 0 || size%geo.SectorSize != 0 {
		return nil, fmt.Errorf("flash size 0x%X is not a whole number of sectors", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create flash image %s: %w", path, err)
	}
	d := &FileDevice{f: f, size: size, geo: geo}
	if err := d.Erase(0, size); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying file.
func (d *FileDevice) Close() error {
	if d.f != nil {
		return d.f.Close()
	}
	return nil
}

// Size implements Device.
func (d *FileDevice) Size() uint32 { return d.size }

// Geometry implements Device.
func (d *FileDevice) Geometry() Geometry { return d.geo }

// Erase implements Device.
func (d *FileDevice) Erase(addr, size uint32) error {
	if err := CheckErase(d.geo, addr, size, d.size); err != nil {
		return err
	}
	sector := bytes.Repeat([]byte{Erased}, int(d.geo.SectorSize))
	for off := addr; off < addr+size; off += d.geo.SectorSize {
		if _, err := d.f.WriteAt(sector, int64(off)); err != nil {
			return fmt.Errorf("erase at 0x%X: %w", off, err)
		}
	}
	return nil
}

// Write implements Device.
func (d *FileDevice) Write(addr uint32, data []byte) error {
	if err := CheckRange(addr, uint32(len(data)), d.size); err != nil {
		return err
	}
	cur := make([]byte, len(data))
	if _, err := d.f.ReadAt(cur, int64(addr)); err != nil {
		return fmt.Errorf("write at 0x%X: %w", addr, err)
	}
	for i, b := range data {
		cur[i] &= b
	}
	if _, err := d.f.WriteAt(cur, int64(addr)); err != nil {
		return fmt.Errorf("write at 0x%X: %w", addr, err)
	}
	return nil
}

// Read implements Device.
func (d *FileDevice) Read(addr uint32, data []byte) error {
	if err := CheckRange(addr, uint32(len(data)), d.size); err != nil {
		return err
	}
	if _, err := d.f.ReadAt(data, int64(addr)); err != nil {
		return fmt.Errorf("read at 0x%X: %w", addr, err)
	}
	return nil
}
