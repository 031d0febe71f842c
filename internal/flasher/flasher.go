// Package flasher exposes the SPI flash of a chip in ROM download mode as a
// flash.Device, so the updater can run against real hardware from the host.
package flasher

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/bigbag/esp-updater/internal/flash"
	"github.com/bigbag/esp-updater/internal/protocol"
	"github.com/bigbag/esp-updater/internal/slip"
)

const (
	defaultTimeout    = 3 * time.Second
	eraseTimeoutPerMB = 30 * time.Second
	md5TimeoutPerMB   = 8 * time.Second
	syncAttempts      = 10
)

// ErrUnsupportedChip is returned by Identify for a ROM outside the ESP32
// family.
var ErrUnsupportedChip = errors.New("unsupported chip")

// Port is the serial link to the ROM bootloader. *serial.Port implements it.
type Port interface {
	Write(data []byte) (int, error)
	// ReadWithTimeout returns 0 and no error when nothing arrives in time.
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
	ResetToBootloader() error
	HardReset() error
	SetBaudRate(baudRate int) error
}

// Flasher talks to the ROM bootloader.
type Flasher struct {
	port     Port
	dec      slip.Decoder
	pending  [][]byte
	size     uint32
	compress bool

	info *protocol.SecurityInfo
	// Every ROM after the ESP32 takes an extra word in FLASH_BEGIN.
	encryptedWord bool
}

// Option configures a Flasher.
type Option func(*Flasher)

// WithCompression sends writes as zlib streams with FLASH_DEFL_*.
func WithCompression(on bool) Option {
	return func(f *Flasher) { f.compress = on }
}

// New creates a Flasher for a chip with size bytes of flash.
func New(port Port, size uint32, opts ...Option) *Flasher {
	f := &Flasher{port: port, size: size}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Connect resets the chip into the bootloader, syncs and attaches the SPI
// flash.
func (f *Flasher) Connect() error {
	if err := f.port.ResetToBootloader(); err != nil {
		return fmt.Errorf("failed to reset into bootloader: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync with bootloader: %w", err)
	}

	if _, err := f.Identify(); err != nil {
		if errors.Is(err, ErrUnsupportedChip) {
			return err
		}
		klog.V(1).Infof("flasher: %v, assuming ESP32", err)
		f.info = &protocol.SecurityInfo{ChipID: protocol.ChipIDESP32}
	}

	if _, err := f.command(protocol.CmdSpiAttach, protocol.SpiAttachData(), defaultTimeout); err != nil {
		return fmt.Errorf("failed to attach SPI flash: %w", err)
	}
	if _, err := f.command(protocol.CmdSpiSetParams, protocol.SpiSetParamsData(f.size), defaultTimeout); err != nil {
		return fmt.Errorf("failed to set SPI flash parameters: %w", err)
	}
	klog.V(1).Infof("flasher: connected to %s", f.ChipName())
	return nil
}

// Sync sends SYNC until the ROM answers.
func (f *Flasher) Sync() error {
	frame := slip.Encode(protocol.NewRequest(protocol.CmdSync, protocol.SyncData()).Encode())
	for attempt := 0; attempt < syncAttempts; attempt++ {
		f.port.Flush()
		f.dec.Reset()
		f.pending = nil
		if _, err := f.port.Write(frame); err != nil {
			continue
		}
		resp, err := f.readResponse(protocol.CmdSync, 500*time.Millisecond)
		if err != nil || !resp.IsSuccess() {
			continue
		}
		// The ROM answers every SYNC eight times.
		for i := 0; i < 7; i++ {
			if _, err := f.readResponse(protocol.CmdSync, 100*time.Millisecond); err != nil {
				break
			}
		}
		return nil
	}
	return fmt.Errorf("sync failed after %d attempts", syncAttempts)
}

// SecurityInfo queries GET_SECURITY_INFO.
func (f *Flasher) SecurityInfo() (*protocol.SecurityInfo, error) {
	resp, err := f.command(protocol.CmdGetSecurityInfo, nil, defaultTimeout)
	if err != nil {
		return nil, err
	}
	return protocol.ParseSecurityInfo(resp.Data)
}

// Identify records which chip is attached. ROMs without GET_SECURITY_INFO
// are told apart by the word at protocol.ChipMagicAddr.
func (f *Flasher) Identify() (*protocol.SecurityInfo, error) {
	info, err := f.SecurityInfo()
	if err == nil {
		f.info = info
		f.encryptedWord = true
		return info, nil
	}
	klog.V(1).Infof("flasher: security info unavailable: %v", err)

	magic, err := f.ReadReg(protocol.ChipMagicAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to identify chip: %w", err)
	}
	id, ok := protocol.ChipIDFromMagic(magic)
	if !ok {
		return nil, fmt.Errorf("%w: magic 0x%08X", ErrUnsupportedChip, magic)
	}
	f.info = &protocol.SecurityInfo{ChipID: id}
	return f.info, nil
}

// ReadReg reads a 32-bit register.
func (f *Flasher) ReadReg(addr uint32) (uint32, error) {
	resp, err := f.command(protocol.CmdReadReg, protocol.ReadRegData(addr), defaultTimeout)
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// ChipName names the connected chip.
func (f *Flasher) ChipName() string {
	if f.info == nil {
		return "unknown"
	}
	return protocol.ChipName(f.info.ChipID)
}

// Info returns the security info read by Connect.
func (f *Flasher) Info() *protocol.SecurityInfo { return f.info }

// ChangeBaudRate switches both ends of the link.
func (f *Flasher) ChangeBaudRate(baud int) error {
	if _, err := f.command(protocol.CmdChangeBaudRate, protocol.ChangeBaudData(baud), defaultTimeout); err != nil {
		return fmt.Errorf("failed to change baud rate: %w", err)
	}
	time.Sleep(50 * time.Millisecond)
	return f.port.SetBaudRate(baud)
}

// Size implements flash.Device.
func (f *Flasher) Size() uint32 { return f.size }

// Geometry implements flash.Device.
func (f *Flasher) Geometry() flash.Geometry { return flash.DefaultGeometry() }

// Erase implements flash.Device with a FLASH_BEGIN that announces no data.
func (f *Flasher) Erase(addr, size uint32) error {
	if err := flash.CheckErase(f.Geometry(), addr, size, f.size); err != nil {
		return err
	}
	klog.V(2).Infof("flasher: erase 0x%X+0x%X", addr, size)
	data := protocol.FlashBeginData(size, 0, protocol.FlashBlockSize, addr, f.encryptedWord)
	if _, err := f.command(protocol.CmdFlashBegin, data, scaled(eraseTimeoutPerMB, size)); err != nil {
		return fmt.Errorf("erase 0x%X+0x%X failed: %w", addr, size, err)
	}
	return nil
}

// Write implements flash.Device. The ROM can only erase and program whole
// sectors, so partially covered sectors are read back and merged first.
func (f *Flasher) Write(addr uint32, data []byte) error {
	n := uint32(len(data))
	if err := flash.CheckRange(addr, n, f.size); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	sec := uint32(protocol.FlashSectorSize)
	start := addr &^ (sec - 1)
	end := (addr + n + sec - 1) &^ (sec - 1)
	region := make([]byte, end-start)

	if addr != start {
		if err := f.Read(start, region[:sec]); err != nil {
			return err
		}
	}
	if tail := end - sec; (addr+n)%sec != 0 && (tail != start || addr == start) {
		if err := f.Read(tail, region[tail-start:]); err != nil {
			return err
		}
	}
	copy(region[addr-start:], data)

	klog.V(2).Infof("flasher: write 0x%X+0x%X as 0x%X+0x%X", addr, n, start, end-start)
	if f.compress {
		return f.writeDeflated(start, region)
	}
	return f.writeRegion(start, region)
}

func (f *Flasher) writeRegion(addr uint32, region []byte) error {
	blocks := protocol.CalculateFlashBlocks(len(region))
	begin := protocol.FlashBeginData(uint32(len(region)), blocks, protocol.FlashBlockSize, addr, f.encryptedWord)
	if _, err := f.command(protocol.CmdFlashBegin, begin, scaled(eraseTimeoutPerMB, uint32(len(region)))); err != nil {
		return fmt.Errorf("flash begin at 0x%X failed: %w", addr, err)
	}
	for seq := uint32(0); seq < blocks; seq++ {
		lo := seq * protocol.FlashBlockSize
		hi := min(lo+protocol.FlashBlockSize, uint32(len(region)))
		if _, err := f.command(protocol.CmdFlashData, protocol.FlashDataData(region[lo:hi], seq), defaultTimeout); err != nil {
			return fmt.Errorf("flash data block %d at 0x%X failed: %w", seq, addr, err)
		}
	}
	return nil
}

func (f *Flasher) writeDeflated(addr uint32, region []byte) error {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return err
	}
	if _, err := zw.Write(region); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	comp := buf.Bytes()

	blocks := protocol.CalculateDeflBlocks(len(comp), protocol.FlashBlockSize)
	eraseSize := protocol.CalculateFlashBlocks(len(region)) * protocol.FlashBlockSize
	begin := protocol.FlashDeflBeginData(eraseSize, blocks, protocol.FlashBlockSize, addr, f.encryptedWord)
	if _, err := f.command(protocol.CmdFlashDeflBegin, begin, scaled(eraseTimeoutPerMB, eraseSize)); err != nil {
		return fmt.Errorf("flash defl begin at 0x%X failed: %w", addr, err)
	}
	for seq := uint32(0); seq < blocks; seq++ {
		lo := seq * protocol.FlashBlockSize
		hi := min(lo+protocol.FlashBlockSize, uint32(len(comp)))
		if _, err := f.command(protocol.CmdFlashDeflData, protocol.FlashDeflDataData(comp[lo:hi], seq), defaultTimeout); err != nil {
			return fmt.Errorf("flash defl block %d at 0x%X failed: %w", seq, addr, err)
		}
	}
	klog.V(2).Infof("flasher: 0x%X bytes compressed to 0x%X", len(region), len(comp))
	return nil
}

// Read implements flash.Device with READ_FLASH_SLOW.
func (f *Flasher) Read(addr uint32, data []byte) error {
	if err := flash.CheckRange(addr, uint32(len(data)), f.size); err != nil {
		return err
	}
	for off := 0; off < len(data); off += protocol.ReadFlashBlockSize {
		n := min(protocol.ReadFlashBlockSize, len(data)-off)
		a := addr + uint32(off)
		resp, err := f.command(protocol.CmdReadFlashSlow, protocol.ReadFlashSlowData(a, uint32(n)), defaultTimeout)
		if err != nil {
			return fmt.Errorf("read 0x%X failed: %w", a, err)
		}
		if len(resp.Data) < n {
			return fmt.Errorf("read 0x%X: short response of %d bytes", a, len(resp.Data))
		}
		copy(data[off:], resp.Data[:n])
	}
	return nil
}

// MD5 asks the ROM to hash a flash region.
func (f *Flasher) MD5(addr, size uint32) ([md5.Size]byte, error) {
	resp, err := f.command(protocol.CmdSpiFlashMD5, protocol.FlashMD5Data(addr, size), scaled(md5TimeoutPerMB, size))
	if err != nil {
		return [md5.Size]byte{}, fmt.Errorf("MD5 command failed: %w", err)
	}
	return protocol.ParseMD5(resp.Data)
}

// Verify compares a flash region against data with SPI_FLASH_MD5.
func (f *Flasher) Verify(addr uint32, data []byte) error {
	got, err := f.MD5(addr, uint32(len(data)))
	if err != nil {
		return err
	}
	if want := md5.Sum(data); got != want {
		return fmt.Errorf("MD5 mismatch at 0x%X: expected %x, got %x", addr, want, got)
	}
	return nil
}

// Reboot leaves the bootloader and boots the selected application.
func (f *Flasher) Reboot() error {
	frame := slip.Encode(protocol.NewRequest(protocol.CmdFlashEnd, protocol.FlashEndData(true)).Encode())
	if _, err := f.port.Write(frame); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return f.port.HardReset()
}

// command sends a request and waits for its successful response.
func (f *Flasher) command(cmd byte, data []byte, timeout time.Duration) (*protocol.Response, error) {
	frame := slip.Encode(protocol.NewRequest(cmd, data).Encode())
	if _, err := f.port.Write(frame); err != nil {
		return nil, err
	}
	resp, err := f.readResponse(cmd, timeout)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("command 0x%02X failed: %s", cmd, resp.ErrorString())
	}
	return resp, nil
}

// readResponse returns the next response to cmd, dropping stale responses
// to earlier commands.
func (f *Flasher) readResponse(cmd byte, timeout time.Duration) (*protocol.Response, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 256)
	for {
		for len(f.pending) > 0 {
			data := f.pending[0]
			f.pending = f.pending[1:]
			resp, err := protocol.DecodeResponse(data)
			if err != nil || resp.Command != cmd {
				continue
			}
			return resp, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("timeout waiting for response to 0x%02X", cmd)
		}
		n, err := f.port.ReadWithTimeout(chunk, 100*time.Millisecond)
		if n > 0 {
			f.pending = append(f.pending, f.dec.Feed(chunk[:n])...)
		}
		if err != nil && n == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// scaled grows a timeout with the amount of flash an operation touches.
func scaled(perMB time.Duration, size uint32) time.Duration {
	t := time.Duration(uint64(perMB) * uint64(size) / 0x100000)
	return max(t, defaultTimeout)
}

var _ flash.Device = (*Flasher)(nil)
