package main

import (
	"fmt"

	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/bigbag/esp-updater/internal/config"
	"github.com/bigbag/esp-updater/internal/detect"
	"github.com/bigbag/esp-updater/internal/flash"
	"github.com/bigbag/esp-updater/internal/flasher"
	"github.com/bigbag/esp-updater/internal/protocol"
	"github.com/bigbag/esp-updater/internal/serial"
	"github.com/bigbag/esp-updater/internal/target"
)

// session is an opened target together with what is needed to release it.
type session struct {
	profile *config.Profile
	target  *target.Target
	flasher *flasher.Flasher
	close   func() error
}

func (s *session) Close() {
	if s.close == nil {
		return
	}
	if err := s.close(); err != nil {
		klog.Warningf("close: %v", err)
	}
}

// reboot restarts a serial device into the selected application unless
// --no-reboot was given.
func (s *session) reboot() {
	if s.flasher == nil || noRebootFlag {
		return
	}
	fmt.Println("Rebooting device...")
	if err := s.flasher.Reboot(); err != nil {
		fmt.Printf("Warning: reboot failed: %v\n", err)
	}
}

// loadProfile reads --config, or the defaults, and applies the flags the
// user set on top of it.
func loadProfile(flags *pflag.FlagSet) (*config.Profile, error) {
	p := config.Default()
	if configFlag != "" {
		var err error
		if p, err = config.Load(configFlag); err != nil {
			return nil, err
		}
	}
	if flags.Changed("port") {
		p.Port = portFlag
	}
	if flags.Changed("baud") || p.Baud == 0 {
		p.Baud = baudFlag
	}
	if flags.Changed("flash-size") {
		p.FlashSize = flashSizeFlag
	}
	if flags.Changed("partitions") {
		p.Partitions = partitionsFlag
	}
	if flags.Changed("crypt-key") {
		p.Crypt.KeyFile = cryptKeyFlag
	}
	if flags.Changed("crypt-mode") {
		p.Crypt.Mode = cryptModeFlag
	}
	if flags.Changed("crypt-address") {
		p.Crypt.Address = cryptAddressFlag
	}
	if flags.Changed("crypt-config") {
		cfg := cryptConfigFlag
		p.Crypt.Config = &cfg
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// openDevice opens the flash dump named by --flash or connects to the ROM
// bootloader of a serial device.
func openDevice(p *config.Profile) (flash.Device, *flasher.Flasher, func() error, error) {
	size, err := p.Size()
	if err != nil {
		return nil, nil, nil, err
	}

	if flashFlag != "" {
		dev, err := flash.OpenFile(flashFlag, p.Geometry)
		if err != nil {
			return nil, nil, nil, err
		}
		fmt.Printf("Flash: %s (%d bytes)\n", flashFlag, dev.Size())
		return dev, nil, dev.Close, nil
	}

	portName := p.Port
	if portName == "" {
		fmt.Println("Detecting device...")
		result, err := detect.NewScanner(protocol.ROMBaudRate).First()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("device detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found %s on %s\n", result.ChipName, result.Port)
	}

	port, err := serial.Open(portName, protocol.ROMBaudRate)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open port: %w", err)
	}

	f := flasher.New(port, size, flasher.WithCompression(true))
	fmt.Println("Connecting to bootloader...")
	if err := f.Connect(); err != nil {
		port.Close()
		return nil, nil, nil, err
	}
	fmt.Printf("Connected to %s\n", f.ChipName())

	if p.Baud != protocol.ROMBaudRate {
		if err := f.ChangeBaudRate(p.Baud); err != nil {
			port.Close()
			return nil, nil, nil, err
		}
	}
	fmt.Printf("Port: %s @ %d baud\n", portName, p.Baud)
	return f, f, port.Close, nil
}

// targetOptions returns the flash encryption emulation for flash dumps. A
// real device encrypts in its flash controller.
func targetOptions(p *config.Profile) ([]target.Option, error) {
	if flashFlag == "" {
		return nil, nil
	}
	key, err := p.CryptKey()
	if err != nil || key == nil {
		return nil, err
	}
	return []target.Option{target.WithFlashEncryption(key, p.CryptConfig())}, nil
}

// openSession resolves the profile and opens the target it describes. The
// partition table comes from --partitions or the profile when given and is
// read from flash otherwise.
func openSession(flags *pflag.FlagSet) (*session, error) {
	p, err := loadProfile(flags)
	if err != nil {
		return nil, err
	}
	opts, err := targetOptions(p)
	if err != nil {
		return nil, err
	}
	table, err := p.LoadPartitions()
	if err != nil {
		return nil, err
	}

	dev, f, closeFn, err := openDevice(p)
	if err != nil {
		return nil, err
	}
	s := &session{profile: p, flasher: f, close: closeFn}

	if table != nil {
		s.target, err = target.New(dev, table, opts...)
	} else {
		s.target, err = target.Open(dev, opts...)
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
