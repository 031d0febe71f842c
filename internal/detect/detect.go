// Package detect scans serial ports for chips in ROM download mode.
package detect

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/bigbag/esp-updater/internal/flasher"
	"github.com/bigbag/esp-updater/internal/protocol"
	"github.com/bigbag/esp-updater/internal/serial"
)

// Result represents a detected device.
type Result struct {
	Port           string
	Bridge         string
	ChipID         uint32
	ChipName       string
	FlashEncrypted bool
}

// ErrNotFound is returned when no port answers as a ROM bootloader.
var ErrNotFound = errors.New("no ESP32 device found")

// Opener opens a port for probing. serial.Open is used by default.
type Opener func(name string, baudRate int) (flasher.Port, func() error, error)

func openSerial(name string, baudRate int) (flasher.Port, func() error, error) {
	p, err := serial.Open(name, baudRate)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

// Scanner probes ports.
type Scanner struct {
	BaudRate int
	Open     Opener
	List     func() ([]serial.PortInfo, error)
}

// NewScanner returns a Scanner over the system serial ports.
func NewScanner(baudRate int) *Scanner {
	return &Scanner{BaudRate: baudRate, Open: openSerial, List: serial.ListPorts}
}

// Probe resets the chip on one port into the bootloader and identifies it.
func (s *Scanner) Probe(name string) (*Result, error) {
	port, closeFn, err := s.Open(name, s.BaudRate)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	if err := port.ResetToBootloader(); err != nil {
		return nil, fmt.Errorf("failed to reset: %w", err)
	}
	f := flasher.New(port, 0)
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync: %w", err)
	}

	res := &Result{Port: name, ChipName: "ESP32"}
	info, err := f.Identify()
	if errors.Is(err, flasher.ErrUnsupportedChip) {
		return nil, err
	}
	if err != nil {
		// Sync worked, so this is an ESP32 with an unhelpful ROM.
		klog.V(1).Infof("detect: %s: %v", name, err)
		return res, nil
	}
	res.ChipID = info.ChipID
	res.ChipName = protocol.ChipName(info.ChipID)
	res.FlashEncrypted = info.FlashEncrypted()
	return res, nil
}

// First returns the first port with a responding bootloader.
func (s *Scanner) First() (*Result, error) {
	ports, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("%w: no serial ports", ErrNotFound)
	}
	var lastErr error
	for _, p := range ports {
		res, err := s.Probe(p.Name)
		if err != nil {
			lastErr = err
			continue
		}
		res.Bridge = p.Bridge()
		return res, nil
	}
	return nil, fmt.Errorf("%w (last error: %v)", ErrNotFound, lastErr)
}

// All probes every port and returns the devices that answered.
func (s *Scanner) All() ([]Result, error) {
	ports, err := s.List()
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, p := range ports {
		res, err := s.Probe(p.Name)
		if err != nil {
			klog.V(2).Infof("detect: %s: %v", p.Name, err)
			continue
		}
		res.Bridge = p.Bridge()
		results = append(results, *res)
	}
	return results, nil
}
