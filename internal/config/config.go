// Package config loads device profiles: YAML files describing the flash
// chip, its partition layout, the flash encryption key and the roots
// trusted for signed uploads.
//
//	flash_size: 4M
//	geometry:
//	  sector_size: 0x1000
//	  block_size: 0x10000
//	partitions: partitions.csv
//	port: /dev/ttyUSB0
//	baud: 460800
//	crypt:
//	  key_file: flash_key.bin
//	  mode: auto
//	  address: 0x10000
//	  config: 0xF
//	trusted_certs:
//	  - tsa-root.pem
//	allow_legacy: false
//
// Relative paths are resolved against the directory of the profile.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/bigbag/esp-updater/internal/crypt"
	"github.com/bigbag/esp-updater/internal/flash"
	"github.com/bigbag/esp-updater/internal/partition"
	"github.com/bigbag/esp-updater/internal/processor"
	"github.com/bigbag/esp-updater/internal/update"
)

// Profile describes a target device.
type Profile struct {
	FlashSize    string         `yaml:"flash_size"`
	Geometry     flash.Geometry `yaml:"geometry"`
	Partitions   string         `yaml:"partitions"`
	Port         string         `yaml:"port"`
	Baud         int            `yaml:"baud"`
	Crypt        Crypt          `yaml:"crypt"`
	TrustedCerts []string       `yaml:"trusted_certs"`
	AllowLegacy  bool           `yaml:"allow_legacy"`
}

// Crypt holds flash encryption settings.
type Crypt struct {
	KeyFile string `yaml:"key_file"`
	Mode    string `yaml:"mode"`
	Address uint32 `yaml:"address"`
	// Config is the FLASH_CRYPT_CONFIG efuse value; nil means all bits set.
	Config *uint8 `yaml:"config"`
}

// Default returns the profile used when no file is given.
func Default() *Profile {
	return &Profile{
		FlashSize: "4M",
		Geometry:  flash.DefaultGeometry(),
	}
}

// Load reads and validates a profile. Unknown keys are rejected.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.resolve(filepath.Dir(path))
	klog.V(1).Infof("config: loaded profile %s", path)
	return p, nil
}

// Parse decodes a profile from YAML. Fields absent from data keep their
// Default values.
func Parse(data []byte) (*Profile, error) {
	p := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	if p.Geometry == (flash.Geometry{}) {
		p.Geometry = flash.DefaultGeometry()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Profile) resolve(dir string) {
	abs := func(s string) string {
		if s == "" || filepath.IsAbs(s) {
			return s
		}
		return filepath.Join(dir, s)
	}
	p.Partitions = abs(p.Partitions)
	p.Crypt.KeyFile = abs(p.Crypt.KeyFile)
	for i, c := range p.TrustedCerts {
		p.TrustedCerts[i] = abs(c)
	}
}

// Validate checks the profile for values that cannot work.
func (p *Profile) Validate() error {
	if err := p.Geometry.Validate(); err != nil {
		return err
	}
	size, err := p.Size()
	if err != nil {
		return err
	}
	if size%p.Geometry.BlockSize != 0 {
		return fmt.Errorf("flash size 0x%X is not a multiple of block size 0x%X", size, p.Geometry.BlockSize)
	}
	if p.Baud < 0 {
		return fmt.Errorf("invalid baud rate %d", p.Baud)
	}
	if _, err := p.CryptMode(); err != nil {
		return err
	}
	return nil
}

// Size returns the flash size in bytes.
func (p *Profile) Size() (uint32, error) {
	size, err := partition.ParseSize(p.FlashSize)
	if err != nil || size == 0 {
		return 0, fmt.Errorf("invalid flash size %q", p.FlashSize)
	}
	return size, nil
}

// CryptMode returns the configured decryption mode, auto when unset.
func (p *Profile) CryptMode() (update.CryptMode, error) {
	if p.Crypt.Mode == "" {
		return update.CryptAuto, nil
	}
	return update.ParseCryptMode(p.Crypt.Mode)
}

// CryptConfig returns the efuse crypt config value.
func (p *Profile) CryptConfig() uint8 {
	if p.Crypt.Config == nil {
		return crypt.ConfigAll
	}
	return *p.Crypt.Config & crypt.ConfigAll
}

// CryptKey loads the flash encryption key, or returns nil when no key file
// is configured. The file holds the 32 raw key bytes as written by
// espsecure.py, or their hex encoding.
func (p *Profile) CryptKey() ([]byte, error) {
	if p.Crypt.KeyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(p.Crypt.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read crypt key: %w", err)
	}
	if len(data) == crypt.KeySize {
		return data, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(key) != crypt.KeySize {
		return nil, fmt.Errorf("%s: %w", p.Crypt.KeyFile, crypt.ErrKeySize)
	}
	return key, nil
}

// LoadPartitions reads the partition table named by the profile. Files
// ending in .csv are parsed as partitions.csv, anything else as a binary
// table. It returns nil when no table is configured.
func (p *Profile) LoadPartitions() (*partition.Table, error) {
	if p.Partitions == "" {
		return nil, nil
	}
	data, err := os.ReadFile(p.Partitions)
	if err != nil {
		return nil, fmt.Errorf("failed to read partition table: %w", err)
	}
	var table *partition.Table
	if strings.EqualFold(filepath.Ext(p.Partitions), ".csv") {
		table, err = partition.ParseCSV(bytes.NewReader(data))
	} else {
		table, err = partition.ParseBinary(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Partitions, err)
	}
	size, err := p.Size()
	if err != nil {
		return nil, err
	}
	if err := table.Validate(size); err != nil {
		return nil, fmt.Errorf("%s: %w", p.Partitions, err)
	}
	return table, nil
}

// ConfigureRFC3161 loads the trusted roots into r and applies the legacy
// upload policy.
func (p *Profile) ConfigureRFC3161(r *processor.RFC3161) error {
	for _, path := range p.TrustedCerts {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read trusted certificate: %w", err)
		}
		if err := r.AddTrustedCertsPEM(data); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		klog.V(1).Infof("config: trusting roots from %s", path)
	}
	r.SetAllowLegacyUploads(p.AllowLegacy)
	return nil
}
