package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bigbag/esp-updater/internal/crypt"
	"github.com/bigbag/esp-updater/internal/flash"
	"github.com/bigbag/esp-updater/internal/partition"
	"github.com/bigbag/esp-updater/internal/processor"
	"github.com/bigbag/esp-updater/internal/update"
)

const testCSV = `nvs,     data, nvs,    0x9000,  0x5000,
otadata, data, ota,    0xe000,  0x2000,
app0,    app,  ota_0,  0x10000, 0x70000,
app1,    app,  ota_1,  0x80000, 0x70000,
`

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad_Full(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "parts.csv", []byte(testCSV))
	writeFile(t, dir, "key.bin", make([]byte, crypt.KeySize))
	path := writeFile(t, dir, "device.yaml", []byte(`
flash_size: 1M
geometry:
  sector_size: 0x1000
  block_size: 0x10000
partitions: parts.csv
port: /dev/ttyUSB0
baud: 921600
crypt:
  key_file: key.bin
  mode: on
  address: 0x10000
  config: 0x3
trusted_certs:
  - /etc/esp/root.pem
  - certs/tsa.pem
allow_legacy: true
`))

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg := uint8(3)
	want := &Profile{
		FlashSize:  "1M",
		Geometry:   flash.DefaultGeometry(),
		Partitions: filepath.Join(dir, "parts.csv"),
		Port:       "/dev/ttyUSB0",
		Baud:       921600,
		Crypt: Crypt{
			KeyFile: filepath.Join(dir, "key.bin"),
			Mode:    "on",
			Address: 0x10000,
			Config:  &cfg,
		},
		TrustedCerts: []string{"/etc/esp/root.pem", filepath.Join(dir, "certs/tsa.pem")},
		AllowLegacy:  true,
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}

	if mode, err := p.CryptMode(); err != nil || mode != update.CryptOn {
		t.Errorf("CryptMode() = %v, %v, want on", mode, err)
	}
	if got := p.CryptConfig(); got != 3 {
		t.Errorf("CryptConfig() = %d, want 3", got)
	}
	if key, err := p.CryptKey(); err != nil || len(key) != crypt.KeySize {
		t.Errorf("CryptKey() = %d bytes, %v", len(key), err)
	}
	table, err := p.LoadPartitions()
	if err != nil {
		t.Fatalf("LoadPartitions() error = %v", err)
	}
	if n := len(table.OTASlots()); n != 2 {
		t.Errorf("LoadPartitions() has %d OTA slots, want 2", n)
	}
}

func TestParse_Defaults(t *testing.T) {
	for _, data := range []string{"", "port: COM3\n"} {
		p, err := Parse([]byte(data))
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", data, err)
		}
		if p.Geometry != flash.DefaultGeometry() {
			t.Errorf("Geometry = %+v, want default", p.Geometry)
		}
		if size, _ := p.Size(); size != 0x400000 {
			t.Errorf("Size() = 0x%X, want 0x400000", size)
		}
		if mode, _ := p.CryptMode(); mode != update.CryptAuto {
			t.Errorf("CryptMode() = %v, want auto", mode)
		}
		if p.CryptConfig() != crypt.ConfigAll {
			t.Errorf("CryptConfig() = 0x%X, want 0xF", p.CryptConfig())
		}
		if key, err := p.CryptKey(); key != nil || err != nil {
			t.Errorf("CryptKey() = %x, %v, want nil", key, err)
		}
		if table, err := p.LoadPartitions(); table != nil || err != nil {
			t.Errorf("LoadPartitions() = %v, %v, want nil", table, err)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown key", "flash: 4M\n"},
		{"bad yaml", "geometry: [\n"},
		{"bad geometry", "geometry:\n  sector_size: 3000\n  block_size: 0x10000\n"},
		{"bad flash size", "flash_size: lots\n"},
		{"unaligned flash size", "flash_size: 0x1800\n"},
		{"negative baud", "baud: -1\n"},
		{"bad crypt mode", "crypt:\n  mode: maybe\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Errorf("Parse(%q) expected error, got nil", tt.data)
			}
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want ErrNotExist", err)
	}
}

func TestProfile_CryptKey(t *testing.T) {
	dir := t.TempDir()
	raw := make([]byte, crypt.KeySize)
	for i := range raw {
		raw[i] = byte(i)
	}
	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{"raw", raw, false},
		{"hex", []byte(hex.EncodeToString(raw) + "\n"), false},
		{"short", raw[:16], true},
		{"bad hex", []byte("zz"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			p.Crypt.KeyFile = writeFile(t, dir, tt.name, tt.data)
			key, err := p.CryptKey()
			if (err != nil) != tt.wantErr {
				t.Fatalf("CryptKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, crypt.ErrKeySize) {
					t.Errorf("CryptKey() error = %v, want ErrKeySize", err)
				}
				return
			}
			if diff := cmp.Diff(raw, key); diff != "" {
				t.Errorf("CryptKey() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProfile_LoadPartitionsBinary(t *testing.T) {
	dir := t.TempDir()
	table, err := partition.ParseCSV(strings.NewReader(testCSV))
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	bin, err := table.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}

	p := Default()
	p.Partitions = writeFile(t, dir, "partitions.bin", bin)
	got, err := p.LoadPartitions()
	if err != nil {
		t.Fatalf("LoadPartitions() error = %v", err)
	}
	if diff := cmp.Diff(table, got); diff != "" {
		t.Errorf("LoadPartitions() mismatch (-want +got):\n%s", diff)
	}

	// The layout does not fit a 256 KiB chip.
	p.FlashSize = "256K"
	if _, err := p.LoadPartitions(); err == nil {
		t.Error("LoadPartitions() on small flash expected error, got nil")
	}
}

func testCertPEM(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestProfile_ConfigureRFC3161(t *testing.T) {
	dir := t.TempDir()
	p := Default()
	p.TrustedCerts = []string{writeFile(t, dir, "root.pem", testCertPEM(t))}
	if err := p.ConfigureRFC3161(processor.NewRFC3161(processor.NewLegacy())); err != nil {
		t.Errorf("ConfigureRFC3161() error = %v", err)
	}

	p.TrustedCerts = []string{writeFile(t, dir, "empty.pem", []byte("not a certificate\n"))}
	if err := p.ConfigureRFC3161(processor.NewRFC3161(nil)); err == nil {
		t.Error("ConfigureRFC3161() with no certificates expected error, got nil")
	}

	p.TrustedCerts = []string{filepath.Join(dir, "missing.pem")}
	if err := p.ConfigureRFC3161(processor.NewRFC3161(nil)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ConfigureRFC3161() error = %v, want ErrNotExist", err)
	}
}
