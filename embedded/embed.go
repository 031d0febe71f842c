// Package embedded carries the default partition layout used when no table
// is given on the command line or in a profile.
package embedded

import (
	"bytes"
	_ "embed"

	"github.com/bigbag/esp-updater/internal/partition"
)

// DefaultFlashSize is the flash size the default layout is laid out for.
const DefaultFlashSize = 0x400000

//go:embed partitions.csv
var partitions []byte

// PartitionsCSV returns the embedded partitions.csv source: the Arduino
// "default" layout with two OTA slots and SPIFFS on 4 MB flash.
func PartitionsCSV() []byte {
	return partitions
}

// Partitions parses the embedded layout.
func Partitions() (*partition.Table, error) {
	return partition.ParseCSV(bytes.NewReader(partitions))
}
