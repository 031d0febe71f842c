// Package flash describes NOR flash storage as seen by the updater: a flat
// address space with sector and block erase granularity.
package flash

import (
	"errors"
	"fmt"
)

// ESP32 SPI flash geometry.
const (
	DefaultSectorSize = 0x1000  // SPI_FLASH_SEC_SIZE
	DefaultBlockSize  = 0x10000 // SPI_FLASH_BLOCK_SIZE
)

// Erased is the value of every byte of an erased NOR flash sector.
const Erased = 0xFF

// ErrOutOfRange is returned for accesses beyond the end of a device.
var ErrOutOfRange = errors.New("flash: access out of range")

// Geometry describes the erase granularity of a flash chip.
type Geometry struct {
	// SectorSize is the smallest erasable unit.
	SectorSize uint32 `yaml:"sector_size"`
	// BlockSize is the larger, aligned erase unit used to reduce erase cycles.
	BlockSize uint32 `yaml:"block_size"`
}

// DefaultGeometry returns the geometry of the ESP32 family SPI flash parts.
func DefaultGeometry() Geometry {
	return Geometry{SectorSize: DefaultSectorSize, BlockSize: DefaultBlockSize}
}

// Validate checks that the geometry is self-consistent.
func (g Geometry) Validate() error {
	if g.SectorSize == 0 || g.SectorSize&(g.SectorSize-1) != 0 {
		return fmt.Errorf("invalid geometry: sector size 0x%X is not a power of two", g.SectorSize)
	}
	if g.BlockSize < g.SectorSize || g.BlockSize%g.SectorSize != 0 {
		return fmt.Errorf("invalid geometry: block size 0x%X is not a multiple of sector size 0x%X", g.BlockSize, g.SectorSize)
	}
	return nil
}

// Device provides raw access to flash at absolute addresses.
type Device interface {
	// Size returns the capacity of the device in bytes.
	Size() uint32
	// Geometry returns the erase granularity of the device.
	Geometry() Geometry
	// Erase sets size bytes starting at addr to Erased. Both must be
	// sector aligned.
	Erase(addr, size uint32) error
	// Write programs data at addr. Programming can only clear bits, so the
	// target range is expected to be erased.
	Write(addr uint32, data []byte) error
	// Read fills data from addr.
	Read(addr uint32, data []byte) error
}

// CheckRange validates an access of n bytes at addr against a device of the
// given size.
func CheckRange(addr, n, size uint32) error {
	if uint64(addr)+uint64(n) > uint64(size) {
		return fmt.Errorf("%w: 0x%X+0x%X > 0x%X", ErrOutOfRange, addr, n, size)
	}
	return nil
}

// CheckErase validates an erase request against the device geometry.
func CheckErase(g Geometry, addr, n, size uint32) error {
	if addr%g.SectorSize != 0 || n%g.SectorSize != 0 {
		return fmt.Errorf("flash: erase 0x%X+0x%X not aligned to sector size 0x%X", addr, n, g.SectorSize)
	}
	return CheckRange(addr, n, size)
}

// IsErased reports whether every byte of data reads as erased flash.
func IsErased(data []byte) bool {
	for _, b := range data {
		if b != Erased {
			return false
		}
	}
	return true
}
