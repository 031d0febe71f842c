package flasher

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"io"
	"time"

	"github.com/bigbag/esp-updater/internal/flash"
	"github.com/bigbag/esp-updater/internal/protocol"
	"github.com/bigbag/esp-updater/internal/slip"
)

// fakeROM answers ROM bootloader commands against an in-memory flash.
type fakeROM struct {
	dev    *flash.MemDevice
	chipID uint32
	legacy bool // ESP32 ROM: no security info, four word FLASH_BEGIN
	regs   map[uint32]uint32

	dec slip.Decoder
	out bytes.Buffer

	cmds     []byte
	fail     map[byte]byte
	baud     int
	resets   int
	rebooted bool

	offset, blocks, blockSize, seq uint32
	comp                           []byte
}

func newFakeROM(size uint32) *fakeROM {
	return &fakeROM{
		dev:    flash.NewMemDevice(size, flash.DefaultGeometry()),
		chipID: protocol.ChipIDESP32C3,
		regs:   map[uint32]uint32{protocol.ChipMagicAddr: protocol.ChipMagicESP32},
		fail:   map[byte]byte{},
	}
}

func (r *fakeROM) Write(p []byte) (int, error) {
	for _, frame := range r.dec.Feed(p) {
		r.handle(frame)
	}
	return len(p), nil
}

func (r *fakeROM) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	n, err := r.out.Read(buf)
	if err == io.EOF {
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	return n, err
}

func (r *fakeROM) Flush() error {
	r.out.Reset()
	return nil
}

func (r *fakeROM) ResetToBootloader() error {
	r.resets++
	return nil
}

func (r *fakeROM) HardReset() error { return nil }

func (r *fakeROM) SetBaudRate(baud int) error {
	r.baud = baud
	return nil
}

func (r *fakeROM) reply(cmd byte, data []byte, code byte) {
	r.replyValue(cmd, 0, data, code)
}

func (r *fakeROM) replyValue(cmd byte, value uint32, data []byte, code byte) {
	status := byte(0)
	if code != 0 {
		status = 1
	}
	body := append(append([]byte(nil), data...), status, code)
	pkt := make([]byte, 8, 8+len(body))
	pkt[0] = protocol.DirResponse
	pkt[1] = cmd
	binary.LittleEndian.PutUint16(pkt[2:], uint16(len(body)))
	binary.LittleEndian.PutUint32(pkt[4:], value)
	r.out.Write(slip.Encode(append(pkt, body...)))
}

func word(data []byte, i int) uint32 { return binary.LittleEndian.Uint32(data[4*i:]) }

func (r *fakeROM) handle(frame []byte) {
	cmd := frame[1]
	chk := binary.LittleEndian.Uint32(frame[4:8])
	data := frame[8:]
	r.cmds = append(r.cmds, cmd)
	if code, ok := r.fail[cmd]; ok {
		r.reply(cmd, nil, code)
		return
	}

	beginLen := 20
	if r.legacy {
		beginLen = 16
	}
	switch cmd {
	case protocol.CmdSync:
		for i := 0; i < 8; i++ {
			r.reply(cmd, nil, 0)
		}
	case protocol.CmdGetSecurityInfo:
		if r.legacy {
			r.reply(cmd, nil, protocol.ErrInvalidMessage)
			return
		}
		info := make([]byte, 20)
		binary.LittleEndian.PutUint32(info[12:], r.chipID)
		r.reply(cmd, info, 0)
	case protocol.CmdReadReg:
		v, ok := r.regs[word(data, 0)]
		if !ok {
			r.reply(cmd, nil, protocol.ErrInvalidMessage)
			return
		}
		r.replyValue(cmd, v, nil, 0)
	case protocol.CmdSpiAttach, protocol.CmdSpiSetParams, protocol.CmdFlashEnd:
		if cmd == protocol.CmdFlashEnd && word(data, 0) == 0 {
			r.rebooted = true
		}
		r.reply(cmd, nil, 0)
	case protocol.CmdChangeBaudRate:
		r.reply(cmd, nil, 0)
	case protocol.CmdFlashBegin, protocol.CmdFlashDeflBegin:
		if len(data) != beginLen {
			r.reply(cmd, nil, protocol.ErrInvalidMessage)
			return
		}
		size, offset := word(data, 0), word(data, 3)
		erase := (size + flash.DefaultSectorSize - 1) &^ (flash.DefaultSectorSize - 1)
		if err := r.dev.Erase(offset, erase); err != nil {
			r.reply(cmd, nil, protocol.ErrFailedToAct)
			return
		}
		r.offset, r.blocks, r.blockSize, r.seq, r.comp = offset, word(data, 1), word(data, 2), 0, nil
		r.reply(cmd, nil, 0)
	case protocol.CmdFlashData, protocol.CmdFlashDeflData:
		n, seq := word(data, 0), word(data, 1)
		block := data[16:]
		if seq != r.seq || int(n) != len(block) {
			r.reply(cmd, nil, protocol.ErrInvalidMessage)
			return
		}
		if protocol.Checksum(block) != chk {
			r.reply(cmd, nil, protocol.ErrInvalidCRC)
			return
		}
		r.seq++
		if cmd == protocol.CmdFlashData {
			if err := r.dev.Write(r.offset+seq*r.blockSize, block); err != nil {
				r.reply(cmd, nil, protocol.ErrFlashWriteErr)
				return
			}
			r.reply(cmd, nil, 0)
			return
		}
		r.comp = append(r.comp, block...)
		if r.seq == r.blocks {
			zr, err := zlib.NewReader(bytes.NewReader(r.comp))
			if err != nil {
				r.reply(cmd, nil, protocol.ErrDeflateError)
				return
			}
			plain, err := io.ReadAll(zr)
			if err != nil || r.dev.Write(r.offset, plain) != nil {
				r.reply(cmd, nil, protocol.ErrDeflateError)
				return
			}
		}
		r.reply(cmd, nil, 0)
	case protocol.CmdReadFlashSlow:
		buf := make([]byte, word(data, 1))
		if len(buf) > protocol.ReadFlashBlockSize || r.dev.Read(word(data, 0), buf) != nil {
			r.reply(cmd, nil, protocol.ErrFlashReadErr)
			return
		}
		r.reply(cmd, buf, 0)
	case protocol.CmdSpiFlashMD5:
		buf := make([]byte, word(data, 1))
		if r.dev.Read(word(data, 0), buf) != nil {
			r.reply(cmd, nil, protocol.ErrFlashReadErr)
			return
		}
		sum := md5.Sum(buf)
		r.reply(cmd, []byte(hex.EncodeToString(sum[:])), 0)
	default:
		r.reply(cmd, nil, protocol.ErrInvalidMessage)
	}
}
