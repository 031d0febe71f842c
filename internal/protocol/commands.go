package protocol

// ESP32 ROM bootloader commands
const (
	CmdFlashBegin      = 0x02
	CmdFlashData       = 0x03
	CmdFlashEnd        = 0x04
	CmdSync            = 0x08
	CmdReadReg         = 0x0A
	CmdSpiSetParams    = 0x0B
	CmdSpiAttach       = 0x0D
	CmdReadFlashSlow   = 0x0E
	CmdChangeBaudRate  = 0x0F
	CmdFlashDeflBegin  = 0x10
	CmdFlashDeflData   = 0x11
	CmdFlashDeflEnd    = 0x12
	CmdSpiFlashMD5     = 0x13
	CmdGetSecurityInfo = 0x14
)

// Direction byte values
const (
	DirRequest  = 0x00
	DirResponse = 0x01
)

// Flash parameters
const (
	FlashBlockSize     = 0x400  // FLASH_DATA payload size accepted by the ROM
	FlashSectorSize    = 0x1000 // 4KB sectors
	FlashEraseBlock    = 0x10000
	FlashPageSize      = 0x100
	ReadFlashBlockSize = 0x40 // READ_FLASH_SLOW returns at most 64 bytes
)

// Baud rates
const (
	ROMBaudRate     = 115200
	DefaultBaudRate = 921600
)

// Chip IDs as reported by GET_SECURITY_INFO and stored in image headers.
const (
	ChipIDESP32   = 0x00
	ChipIDESP32S2 = 0x02
	ChipIDESP32C3 = 0x05
	ChipIDESP32S3 = 0x09
	ChipIDESP32C2 = 0x0C
	ChipIDESP32C6 = 0x0D
	ChipIDESP32H2 = 0x10
)

// ChipMagicAddr holds a per-family constant on every ROM, including those
// that predate GET_SECURITY_INFO.
const ChipMagicAddr = 0x40001000

// Values read from ChipMagicAddr.
const (
	ChipMagicESP32   = 0x00F01D83
	ChipMagicESP32S2 = 0x000007C6
	ChipMagicESP8266 = 0xFFF0C101
)

// ChipIDFromMagic maps a ChipMagicAddr value to a chip ID. The ESP8266 has
// no OTA partition scheme of this kind and is not recognized.
func ChipIDFromMagic(magic uint32) (uint32, bool) {
	switch magic {
	case ChipMagicESP32:
		return ChipIDESP32, true
	case ChipMagicESP32S2:
		return ChipIDESP32S2, true
	}
	return 0, false
}

// ChipName returns human-readable name for chip ID
func ChipName(id uint32) string {
	switch id {
	case ChipIDESP32S2:
		return "ESP32-S2"
	case ChipIDESP32C3:
		return "ESP32-C3"
	case ChipIDESP32S3:
		return "ESP32-S3"
	case ChipIDESP32C2:
		return "ESP32-C2"
	case ChipIDESP32C6:
		return "ESP32-C6"
	case ChipIDESP32H2:
		return "ESP32-H2"
	default:
		return "ESP32"
	}
}

// Error codes from ROM bootloader
const (
	ErrInvalidMessage  = 0x05
	ErrFailedToAct     = 0x06
	ErrInvalidCRC      = 0x07
	ErrFlashWriteErr   = 0x08
	ErrFlashReadErr    = 0x09
	ErrFlashReadLenErr = 0x0A
	ErrDeflateError    = 0x0B
)

// ErrorMessage returns human-readable error message
func ErrorMessage(code byte) string {
	switch code {
	case ErrInvalidMessage:
		return "invalid message"
	case ErrFailedToAct:
		return "failed to act"
	case ErrInvalidCRC:
		return "invalid CRC"
	case ErrFlashWriteErr:
		return "flash write error"
	case ErrFlashReadErr:
		return "flash read error"
	case ErrFlashReadLenErr:
		return "flash read length error"
	case ErrDeflateError:
		return "deflate error"
	default:
		return "unknown error"
	}
}
