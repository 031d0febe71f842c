package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Request represents an ESP32 bootloader request packet.
type Request struct {
	Command  byte
	Data     []byte
	Checksum uint32
}

// Response represents an ESP32 bootloader response packet.
type Response struct {
	Command byte
	Data    []byte
	Value   uint32
	Status  byte
	Error   byte
}

// NewRequest creates a request. Only the data commands carry a checksum,
// computed over the block that follows the 16 byte data header.
func NewRequest(cmd byte, data []byte) *Request {
	r := &Request{Command: cmd, Data: data}
	switch cmd {
	case CmdFlashData, CmdFlashDeflData:
		if len(data) >= 16 {
			r.Checksum = Checksum(data[16:])
		}
	default:
		r.Checksum = Checksum(data)
	}
	return r
}

// Checksum is the ROM packet checksum: 0xEF XORed with every byte.
func Checksum(data []byte) uint32 {
	var checksum byte = 0xEF
	for _, b := range data {
		checksum ^= b
	}
	return uint32(checksum)
}

// Encode serializes the request to bytes (before SLIP encoding).
//
//	0: direction (0x00 = request)
//	1: command
//	2-3: data size (little-endian)
//	4-7: checksum (little-endian, only checked for data commands)
//	8+: data
func (r *Request) Encode() []byte {
	packet := make([]byte, 8+len(r.Data))
	packet[0] = DirRequest
	packet[1] = r.Command
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(r.Data)))
	binary.LittleEndian.PutUint32(packet[4:8], r.Checksum)
	copy(packet[8:], r.Data)
	return packet
}

// DecodeResponse parses a response from raw bytes (after SLIP decoding).
func DecodeResponse(data []byte) (*Response, error) {
	// Minimum response is 8 bytes header + 2 bytes status
	if len(data) < 10 {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}
	if data[0] != DirResponse {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", data[0])
	}

	resp := &Response{
		Command: data[1],
		Value:   binary.LittleEndian.Uint32(data[4:8]),
	}
	dataSize := binary.LittleEndian.Uint16(data[2:4])
	if int(dataSize) > len(data)-8 {
		return nil, fmt.Errorf("data size mismatch: expected %d, have %d", dataSize, len(data)-8)
	}

	if dataSize >= 2 {
		// Last two bytes are status and error
		resp.Data = data[8 : 8+dataSize-2]
		resp.Status = data[8+dataSize-2]
		resp.Error = data[8+dataSize-1]
	} else if dataSize > 0 {
		resp.Data = data[8 : 8+dataSize]
	}
	return resp, nil
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status == 0 && r.Error == 0
}

// ErrorString returns a human-readable error message.
func (r *Response) ErrorString() string {
	if r.IsSuccess() {
		return ""
	}
	return fmt.Sprintf("status=0x%02X error=0x%02X (%s)", r.Status, r.Error, ErrorMessage(r.Error))
}

// SyncData returns the data payload for a SYNC command.
func SyncData() []byte {
	// SYNC payload: 0x07 0x07 0x12 0x20 followed by 32 bytes of 0x55
	data := make([]byte, 36)
	copy(data, []byte{0x07, 0x07, 0x12, 0x20})
	for i := 4; i < 36; i++ {
		data[i] = 0x55
	}
	return data
}

func words(v ...uint32) []byte {
	data := make([]byte, 4*len(v))
	for i, w := range v {
		binary.LittleEndian.PutUint32(data[4*i:], w)
	}
	return data
}

// FlashBeginData creates the data payload for FLASH_BEGIN. The ROM erases
// eraseSize bytes at offset before accepting numBlocks FLASH_DATA packets.
// ROMs newer than the ESP32 expect a fifth word selecting encrypted writes.
func FlashBeginData(eraseSize, numBlocks, blockSize, offset uint32, encryptedWord bool) []byte {
	if encryptedWord {
		return words(eraseSize, numBlocks, blockSize, offset, 0)
	}
	return words(eraseSize, numBlocks, blockSize, offset)
}

// FlashDataData creates the FLASH_DATA payload for one block. Short blocks
// are padded with 0xFF.
func FlashDataData(data []byte, seq uint32) []byte {
	if len(data) < FlashBlockSize {
		padded := make([]byte, FlashBlockSize)
		copy(padded, data)
		for i := len(data); i < FlashBlockSize; i++ {
			padded[i] = 0xFF
		}
		data = padded
	}
	return append(words(uint32(len(data)), seq, 0, 0), data...)
}

// FlashEndData creates the data payload for FLASH_END command.
func FlashEndData(reboot bool) []byte {
	if reboot {
		return words(0)
	}
	return words(1)
}

// FlashDeflBeginData creates the data payload for FLASH_DEFL_BEGIN. For the
// ROM loader eraseSize is the uncompressed size rounded up to whole blocks.
func FlashDeflBeginData(eraseSize, numBlocks, blockSize, offset uint32, encryptedWord bool) []byte {
	return FlashBeginData(eraseSize, numBlocks, blockSize, offset, encryptedWord)
}

// FlashDeflDataData creates the FLASH_DEFL_DATA payload for one block of
// compressed data. Compressed blocks are never padded.
func FlashDeflDataData(compressed []byte, seq uint32) []byte {
	return append(words(uint32(len(compressed)), seq, 0, 0), compressed...)
}

// FlashDeflEndData creates the data payload for FLASH_DEFL_END.
func FlashDeflEndData(reboot bool) []byte {
	return FlashEndData(reboot)
}

// FlashMD5Data creates the data payload for SPI_FLASH_MD5 command.
func FlashMD5Data(address, size uint32) []byte {
	return words(address, size, 0, 0)
}

// ReadFlashSlowData creates the READ_FLASH_SLOW payload.
func ReadFlashSlowData(address, size uint32) []byte {
	return words(address, size)
}

// ReadRegData creates the READ_REG payload. The register value comes back
// in the response header.
func ReadRegData(address uint32) []byte {
	return words(address)
}

// SpiAttachData creates the data payload for SPI_ATTACH command.
func SpiAttachData() []byte {
	// All zeros selects the default SPI pins
	return make([]byte, 8)
}

// SpiSetParamsData describes the attached flash chip to the ROM.
func SpiSetParamsData(totalSize uint32) []byte {
	return words(0, totalSize, FlashEraseBlock, FlashSectorSize, FlashPageSize, 0xFFFF)
}

// ChangeBaudData creates the CHANGE_BAUDRATE payload. The ROM takes the old
// rate as zero.
func ChangeBaudData(baud int) []byte {
	return words(uint32(baud), 0)
}

// SecurityInfo is the decoded GET_SECURITY_INFO response.
type SecurityInfo struct {
	Flags         uint32
	FlashCryptCnt uint8
	KeyPurposes   [7]uint8
	ChipID        uint32
	APIVersion    uint32
}

// FlashEncrypted reports whether the SPI_BOOT_CRYPT_CNT efuse has an odd
// number of bits set.
func (s *SecurityInfo) FlashEncrypted() bool {
	n := 0
	for c := s.FlashCryptCnt; c != 0; c &= c - 1 {
		n++
	}
	return n%2 == 1
}

// ParseSecurityInfo decodes GET_SECURITY_INFO. The short form sent by
// older ROMs carries only the chip ID.
func ParseSecurityInfo(data []byte) (*SecurityInfo, error) {
	switch {
	case len(data) >= 20:
		info := &SecurityInfo{
			Flags:         binary.LittleEndian.Uint32(data[0:4]),
			FlashCryptCnt: data[4],
			ChipID:        binary.LittleEndian.Uint32(data[12:16]),
			APIVersion:    binary.LittleEndian.Uint32(data[16:20]),
		}
		copy(info.KeyPurposes[:], data[5:12])
		return info, nil
	case len(data) >= 4:
		return &SecurityInfo{ChipID: binary.LittleEndian.Uint32(data[0:4])}, nil
	}
	return nil, fmt.Errorf("security info too short: %d bytes", len(data))
}

// ParseMD5 decodes an SPI_FLASH_MD5 result: 32 hex characters from the ROM
// or 16 raw bytes from a stub loader.
func ParseMD5(data []byte) ([16]byte, error) {
	var sum [16]byte
	switch {
	case len(data) >= 32:
		if _, err := hex.Decode(sum[:], data[:32]); err != nil {
			return sum, fmt.Errorf("invalid MD5 response: %w", err)
		}
	case len(data) >= 16:
		copy(sum[:], data[:16])
	default:
		return sum, fmt.Errorf("MD5 response too short: %d bytes", len(data))
	}
	return sum, nil
}

// CalculateFlashBlocks returns the number of FLASH_DATA blocks for n bytes.
func CalculateFlashBlocks(n int) uint32 {
	return uint32((n + FlashBlockSize - 1) / FlashBlockSize)
}

// CalculateDeflBlocks returns the number of FLASH_DEFL_DATA blocks for a
// compressed payload.
func CalculateDeflBlocks(compressedLen, blockSize int) uint32 {
	return uint32((compressedLen + blockSize - 1) / blockSize)
}

// CalculateEraseSize rounds n up to whole sectors.
func CalculateEraseSize(n int) uint32 {
	return uint32((n + FlashSectorSize - 1) / FlashSectorSize * FlashSectorSize)
}
