// Package update writes firmware and filesystem images into a flash
// partition and switches the boot partition once the image is complete.
//
// An Updater runs one session at a time: Begin selects the target
// partition, Write and WriteStream stage data in sector sized chunks and
// program it, and End verifies the digest and activates the image. The
// first 16 bytes of an application image, which carry the magic byte, are
// held back and only written by End, so an interrupted session never
// leaves a bootable looking image behind.
//
// An Updater is not safe for concurrent use.
package update

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"k8s.io/klog/v2"

	"github.com/bigbag/esp-updater/internal/flash"
	"github.com/bigbag/esp-updater/internal/partition"
)

const (
	// SizeUnknown asks Begin to use the size of the target partition.
	SizeUnknown = 0xFFFFFFFF

	// ImageMagic is the first byte of an ESP application image.
	ImageMagic = 0xE9

	// EncryptedBlockSize is the size of the deferred first block.
	EncryptedBlockSize = 16

	// fatOffset skips the wear-levelling sector of a FAT partition.
	fatOffset = 0x1000
)

// Command selects the kind of image being written.
type Command int

const (
	CommandFlash  Command = 0
	CommandSPIFFS Command = 100
)

func (c Command) String() string {
	switch c {
	case CommandFlash:
		return "flash"
	case CommandSPIFFS:
		return "spiffs"
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// Backend is the flash and partition access an Updater needs. Offsets are
// relative to the start of the partition.
type Backend interface {
	Geometry() flash.Geometry
	EraseRange(p *partition.Partition, off, n uint32) error
	Write(p *partition.Partition, off uint32, data []byte) error
	Read(p *partition.Partition, off uint32, data []byte) error

	NextUpdatePartition() *partition.Partition
	FindPartition(typ partition.Type, st partition.Subtype, label string) *partition.Partition
	RunningPartition() *partition.Partition
	SetBootPartition(p *partition.Partition) error
}

// ProgressFunc receives the number of bytes written so far and the image size.
type ProgressFunc func(current, total uint32)

// Updater is an update session state machine.
type Updater struct {
	backend Backend
	geo     flash.Geometry
	stream  StreamPolicy

	onProgress ProgressFunc
	indicator  func(on bool)

	command   Command
	part      *partition.Partition
	parOffset uint32
	size      uint32
	progress  uint32

	buffer    []byte
	bufferLen int
	deferred  []byte

	md5       hash.Hash
	sum       []byte
	targetMD5 string

	crypt cryptState

	err *Error
}

// Option configures an Updater.
type Option func(*Updater)

// WithStreamPolicy sets the stall handling of WriteStream.
func WithStreamPolicy(p StreamPolicy) Option {
	return func(u *Updater) { u.stream = p }
}

// New returns an idle Updater writing through b.
func New(b Backend, opts ...Option) *Updater {
	u := &Updater{
		backend: b,
		geo:     b.Geometry(),
		stream:  DefaultStreamPolicy(),
		crypt:   cryptState{mode: CryptAuto, cfg: defaultCryptConfig},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// OnProgress registers a callback invoked after every programmed sector and
// once with zero progress before the first one.
func (u *Updater) OnProgress(fn ProgressFunc) { u.onProgress = fn }

type beginConfig struct {
	label     string
	indicator func(on bool)
}

// BeginOption configures a session.
type BeginOption func(*beginConfig)

// WithLabel selects the data partition by label for CommandSPIFFS.
func WithLabel(label string) BeginOption {
	return func(c *beginConfig) { c.label = label }
}

// WithIndicator registers a function switched on while WriteStream waits
// for data and off otherwise, typically driving a status LED.
func WithIndicator(fn func(on bool)) BeginOption {
	return func(c *beginConfig) { c.indicator = fn }
}

// Begin starts a session writing size bytes. size may be SizeUnknown to
// accept up to the size of the target partition.
func (u *Updater) Begin(size uint32, cmd Command, opts ...BeginOption) error {
	if u.size > 0 {
		klog.Warningf("update: already running")
		return ErrRunning
	}
	var cfg beginConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	u.reset()
	u.err = nil
	u.targetMD5 = ""
	u.sum = nil
	u.indicator = cfg.indicator
	u.setIndicator(false)

	if size == 0 {
		return u.fail(ErrSize, fmt.Errorf("empty image"))
	}

	var p *partition.Partition
	parOffset := uint32(0)
	switch cmd {
	case CommandFlash:
		p = u.backend.NextUpdatePartition()
		if p == nil {
			return u.fail(ErrNoPartition, fmt.Errorf("no OTA partition to update"))
		}
		if p == u.backend.RunningPartition() {
			return u.fail(ErrNoPartition, fmt.Errorf("next update partition %s is running", p.Label))
		}
	case CommandSPIFFS:
		p = u.backend.FindPartition(partition.TypeData, partition.SubtypeSPIFFS, cfg.label)
		if p == nil {
			p = u.backend.FindPartition(partition.TypeData, partition.SubtypeFAT, "")
			parOffset = fatOffset
		}
		if p == nil {
			return u.fail(ErrNoPartition, fmt.Errorf("no spiffs or fat partition %q", cfg.label))
		}
	default:
		return u.fail(ErrBadArgument, fmt.Errorf("unknown command %d", int(cmd)))
	}

	avail := p.Size - parOffset
	if size == SizeUnknown {
		size = avail
	} else if size > avail {
		return u.fail(ErrSize, fmt.Errorf("image size 0x%X exceeds partition %s (0x%X)", size, p.Label, avail))
	}
	klog.V(1).Infof("update: %s image of %d bytes into %s", cmd, size, p)

	u.buffer = make([]byte, u.geo.SectorSize)
	u.part = p
	u.parOffset = parOffset
	u.command = cmd
	u.size = size
	u.md5 = md5.New()
	return nil
}

// Write stages data and programs every completed sector. It returns the
// number of bytes consumed, which is short of len(data) when programming
// failed.
func (u *Updater) Write(data []byte) (int, error) {
	if u.err != nil {
		return 0, u.err
	}
	if !u.IsRunning() {
		return 0, ErrNotRunning
	}
	if uint64(len(data)) > uint64(u.Remaining())-uint64(u.bufferLen) {
		return 0, u.fail(ErrSpace, fmt.Errorf("write of %d bytes with %d buffered exceeds remaining %d", len(data), u.bufferLen, u.Remaining()))
	}

	sector := len(u.buffer)
	n := 0
	for u.bufferLen+len(data)-n >= sector {
		chunk := sector - u.bufferLen
		copy(u.buffer[u.bufferLen:], data[n:n+chunk])
		u.bufferLen += chunk
		if err := u.writeBuffer(); err != nil {
			return n, err
		}
		n += chunk
	}
	copy(u.buffer[u.bufferLen:], data[n:])
	u.bufferLen += len(data) - n
	if u.bufferLen > 0 && uint32(u.bufferLen) == u.Remaining() {
		if err := u.writeBuffer(); err != nil {
			return n, err
		}
	}
	return len(data), nil
}

// writeBuffer decrypts, erases and programs the staged sector.
func (u *Updater) writeBuffer() error {
	buf := u.buffer[:u.bufferLen]
	first := u.progress == 0

	if first {
		u.crypt.decrypting = u.crypt.mode == CryptOn ||
			(u.command == CommandFlash && u.crypt.mode == CryptAuto && buf[0] != ImageMagic)
		if u.crypt.decrypting {
			klog.V(1).Infof("update: decrypting image")
		}
	}
	if u.crypt.decrypting {
		if err := u.decryptBuffer(buf); err != nil {
			return u.fail(ErrDecrypt, err)
		}
	}

	skip := 0
	if first && u.command == CommandFlash {
		if buf[0] != ImageMagic {
			return u.fail(ErrMagicByte, fmt.Errorf("got 0x%02X, want 0x%02X", buf[0], ImageMagic))
		}
		if len(buf) < EncryptedBlockSize {
			return u.fail(ErrSize, fmt.Errorf("image shorter than %d bytes", EncryptedBlockSize))
		}
		skip = EncryptedBlockSize
		u.deferred = append([]byte(nil), buf[:skip]...)
	}
	if first && u.onProgress != nil {
		u.onProgress(0, u.size)
	}

	if err := u.eraseFor(); err != nil {
		return u.fail(ErrErase, err)
	}

	off := u.parOffset + u.progress
	if u.part.Encrypted || hasData(buf[skip:]) {
		if err := u.backend.Write(u.part, off+uint32(skip), buf[skip:]); err != nil {
			return u.fail(ErrWrite, err)
		}
	}

	if first && u.command == CommandFlash {
		buf[0] = ImageMagic
	}
	u.md5.Write(buf)
	u.progress += uint32(len(buf))
	u.bufferLen = 0
	if u.onProgress != nil {
		u.onProgress(u.progress, u.size)
	}
	return nil
}

// eraseFor erases ahead of the staged sector. A whole block is erased when
// the write starts on a block boundary with at least a block left to write;
// otherwise only sectors in a partially covered head or tail block are
// erased individually.
func (u *Updater) eraseFor() error {
	block, sector := u.geo.BlockSize, u.geo.SectorSize
	base := u.part.Offset + u.parOffset
	addr := base + u.progress

	blockErase := u.size-u.progress >= block && addr%block == 0
	headSectors := base%block != 0 && addr < (base/block+1)*block
	tailSectors := addr >= (base+u.size)/block*block
	if !blockErase && !headSectors && !tailSectors {
		return nil
	}
	n := sector
	if blockErase {
		n = block
	}
	klog.V(2).Infof("update: erase 0x%X bytes at +0x%X", n, u.progress)
	return u.backend.EraseRange(u.part, u.parOffset+u.progress, n)
}

// hasData reports whether buf must be programmed. Lengths that are not a
// whole number of 32-bit words are always programmed.
func hasData(buf []byte) bool {
	if len(buf)%4 != 0 {
		return true
	}
	return !flash.IsErased(buf)
}

// End completes the session. Unless evenIfRemaining is set every byte
// announced to Begin must have been written; with it the image is
// truncated to what was received. The digest given to SetMD5 is checked
// and, for application images, the deferred first block is written and the
// partition is selected for boot.
func (u *Updater) End(evenIfRemaining bool) error {
	if u.err != nil {
		return u.err
	}
	if u.size == 0 {
		return ErrNotRunning
	}
	if !u.IsFinished() && !evenIfRemaining {
		return u.fail(ErrAbort, fmt.Errorf("premature end: %d of %d bytes, %d buffered", u.progress, u.size, u.bufferLen))
	}

	if evenIfRemaining {
		if u.bufferLen > 0 {
			if err := u.writeBuffer(); err != nil {
				return err
			}
		}
		if u.progress == 0 {
			return u.fail(ErrSize, fmt.Errorf("no data written"))
		}
		u.size = u.progress
	}

	u.sum = u.md5.Sum(nil)
	if u.targetMD5 != "" && u.targetMD5 != hex.EncodeToString(u.sum) {
		return u.fail(ErrMD5, fmt.Errorf("expected %s, calculated %x", u.targetMD5, u.sum))
	}
	return u.verifyEnd()
}

func (u *Updater) verifyEnd() error {
	if u.command != CommandFlash {
		u.reset()
		return nil
	}
	if err := u.backend.Write(u.part, 0, u.deferred); err != nil {
		return u.fail(ErrRead, fmt.Errorf("write first block: %w", err))
	}
	if err := u.bootable(u.part); err != nil {
		return u.fail(ErrRead, err)
	}
	if err := u.backend.SetBootPartition(u.part); err != nil {
		return u.fail(ErrActivate, err)
	}
	klog.V(1).Infof("update: %s activated", u.part.Label)
	u.reset()
	return nil
}

// bootable checks that p starts with the image magic byte.
func (u *Updater) bootable(p *partition.Partition) error {
	if p == nil {
		return fmt.Errorf("no partition")
	}
	var head [EncryptedBlockSize]byte
	if err := u.backend.Read(p, 0, head[:]); err != nil {
		return fmt.Errorf("read %s: %w", p.Label, err)
	}
	if head[0] != ImageMagic {
		return fmt.Errorf("%s is not bootable: first byte 0x%02X", p.Label, head[0])
	}
	return nil
}

// Abort cancels the running session. The target partition is left without
// a valid image and the boot selection is unchanged.
func (u *Updater) Abort() {
	u.fail(ErrAbort, nil)
}

// fail ends the session with kind. The first error of a session is kept.
func (u *Updater) fail(kind ErrorKind, cause error) error {
	u.reset()
	if u.err == nil {
		u.err = &Error{Kind: kind, Err: cause}
		if kind != ErrAbort || cause != nil {
			klog.Errorf("%v", u.err)
		}
	}
	return u.err
}

// reset releases session buffers and returns to idle.
func (u *Updater) reset() {
	u.buffer = nil
	u.bufferLen = 0
	u.deferred = nil
	u.progress = 0
	u.size = 0
	u.command = CommandFlash
	u.parOffset = 0
	u.crypt.decrypting = false
	u.setIndicator(false)
}

func (u *Updater) setIndicator(on bool) {
	if u.indicator != nil {
		u.indicator(on)
	}
}

// SetMD5 sets the expected MD5 of the image as 32 hex digits.
func (u *Updater) SetMD5(sum string) error {
	if len(sum) != 2*md5.Size {
		return fmt.Errorf("update: md5 must be %d hex digits, got %d", 2*md5.Size, len(sum))
	}
	if _, err := hex.DecodeString(sum); err != nil {
		return fmt.Errorf("update: md5: %w", err)
	}
	u.targetMD5 = strings.ToLower(sum)
	return nil
}

// CanRollBack reports whether the other application partition holds an
// image that could be booted instead.
func (u *Updater) CanRollBack() bool {
	if u.buffer != nil {
		return false
	}
	return u.bootable(u.backend.NextUpdatePartition()) == nil
}

// RollBack selects the other application partition for boot.
func (u *Updater) RollBack() error {
	if u.buffer != nil {
		return ErrRunning
	}
	p := u.backend.NextUpdatePartition()
	if err := u.bootable(p); err != nil {
		return fmt.Errorf("update: rollback: %w", err)
	}
	if err := u.backend.SetBootPartition(p); err != nil {
		return fmt.Errorf("update: rollback: %w", err)
	}
	return nil
}

// Size returns the size of the running session's image.
func (u *Updater) Size() uint32 { return u.size }

// Progress returns the number of bytes programmed.
func (u *Updater) Progress() uint32 { return u.progress }

// Remaining returns the number of bytes not yet programmed.
func (u *Updater) Remaining() uint32 { return u.size - u.progress }

// IsRunning reports whether a session is open.
func (u *Updater) IsRunning() bool { return u.size > 0 }

// IsFinished reports whether every byte of the image was programmed.
func (u *Updater) IsFinished() bool { return u.size > 0 && u.progress == u.size }

// Partition returns the partition selected by the last Begin.
func (u *Updater) Partition() *partition.Partition { return u.part }

// MD5Sum returns the digest of the last completed image.
func (u *Updater) MD5Sum() []byte { return u.sum }

// MD5String returns MD5Sum as lowercase hex.
func (u *Updater) MD5String() string { return hex.EncodeToString(u.sum) }
