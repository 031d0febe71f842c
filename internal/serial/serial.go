// Package serial opens the UART link to an ESP ROM bootloader and drives
// the auto-reset circuit found on development boards.
package serial

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const defaultReadTimeout = 100 * time.Millisecond

// Port wraps a serial port with ESP32-specific functionality.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
}

// Open opens a serial port with the specified baud rate.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return &Port{port: port, portName: portName, baudRate: baudRate}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read reads data from the serial port.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// ReadWithTimeout reads whatever arrives within timeout. It returns 0 and
// no error when nothing did.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.port.SetReadTimeout(defaultReadTimeout)
	return p.port.Read(buf)
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// SetBaudRate switches the local side of the link, after CHANGE_BAUDRATE
// has been acknowledged by the chip.
func (p *Port) SetBaudRate(baudRate int) error {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := p.port.SetMode(mode); err != nil {
		return fmt.Errorf("failed to set baud rate %d: %w", baudRate, err)
	}
	p.baudRate = baudRate
	return nil
}

// setLines drives RTS and DTR. Both are inverted by the transistor pair on
// dev boards: RTS asserted pulls EN low, DTR asserted pulls GPIO0 low.
func (p *Port) setLines(rts, dtr bool) error {
	if err := p.port.SetRTS(rts); err != nil {
		return err
	}
	return p.port.SetDTR(dtr)
}

// ResetToBootloader resets the chip with GPIO0 held low so it starts the
// ROM download mode.
func (p *Port) ResetToBootloader() error {
	steps := []struct {
		rts, dtr bool
		wait     time.Duration
	}{
		{true, false, 100 * time.Millisecond}, // reset
		{false, true, 50 * time.Millisecond},  // run with GPIO0 low
		{true, false, 50 * time.Millisecond},
		{false, false, 0},
	}
	for _, s := range steps {
		if err := p.setLines(s.rts, s.dtr); err != nil {
			return err
		}
		time.Sleep(s.wait)
	}

	// Discard the boot banner.
	p.Flush()
	time.Sleep(100 * time.Millisecond)
	return nil
}

// HardReset pulses EN so the chip boots the selected application.
func (p *Port) HardReset() error {
	if err := p.port.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return p.port.SetRTS(false)
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// PortInfo describes an available serial port.
type PortInfo struct {
	Name    string
	IsUSB   bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// Bridge names the USB-UART bridge or native USB controller for known
// VID/PID pairs.
func (p PortInfo) Bridge() string {
	switch strings.ToUpper(p.VID + ":" + p.PID) {
	case "303A:1001":
		return "Espressif USB-Serial/JTAG"
	case "10C4:EA60":
		return "CP210x"
	case "1A86:7523", "1A86:55D4":
		return "CH340/CH9102"
	case "0403:6001", "0403:6010", "0403:6015":
		return "FTDI"
	}
	return ""
}

// ListPorts returns the available serial ports with USB details where the
// platform reports them.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:    d.Name,
			IsUSB:   d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	return ports, nil
}
