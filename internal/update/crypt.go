package update

import (
	"errors"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/bigbag/esp-updater/internal/crypt"
)

// CryptMode selects when an incoming image is decrypted with the flash
// encryption key before it is written.
type CryptMode int

const (
	// CryptNone never decrypts.
	CryptNone CryptMode = iota
	// CryptAuto decrypts application images that do not start with the
	// image magic byte.
	CryptAuto
	// CryptOn always decrypts.
	CryptOn
)

func (m CryptMode) String() string {
	switch m {
	case CryptNone:
		return "none"
	case CryptAuto:
		return "auto"
	case CryptOn:
		return "on"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseCryptMode parses "none", "auto" or "on".
func ParseCryptMode(s string) (CryptMode, error) {
	for m := CryptNone; m <= CryptOn; m++ {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("update: unknown crypt mode %q", s)
}

const (
	defaultCryptConfig = crypt.ConfigAll
	cryptAddressMask   = 0x00FFFFF0
)

// ErrNoCryptKey is returned when decryption is requested without a key.
var ErrNoCryptKey = errors.New("update: no decryption key set")

type cryptState struct {
	key        []byte
	mode       CryptMode
	address    uint32
	cfg        uint8
	decrypting bool
}

// SetupCrypt sets all decryption parameters at once. address is the flash
// address the image was encrypted for and cfg the FLASH_CRYPT_CONFIG eFuse
// value.
func (u *Updater) SetupCrypt(key []byte, address uint32, cfg uint8, mode CryptMode) error {
	if err := u.SetCryptKey(key); err != nil {
		return err
	}
	if key == nil {
		return ErrNoCryptKey
	}
	if err := u.SetCryptMode(mode); err != nil {
		return err
	}
	u.SetCryptAddress(address)
	u.SetCryptConfig(cfg)
	return nil
}

// SetCryptKey sets the 32 byte flash encryption key. A nil key clears it.
func (u *Updater) SetCryptKey(key []byte) error {
	if key == nil {
		if u.crypt.key != nil {
			klog.V(1).Infof("update: decryption key cleared")
		}
		u.crypt.key = nil
		return nil
	}
	if len(key) != crypt.KeySize {
		return crypt.ErrKeySize
	}
	u.crypt.key = append([]byte(nil), key...)
	return nil
}

// SetCryptMode sets the decryption mode.
func (u *Updater) SetCryptMode(mode CryptMode) error {
	if mode < CryptNone || mode > CryptOn {
		klog.Warningf("update: bad crypt mode %d", int(mode))
		return fmt.Errorf("update: invalid crypt mode %d", int(mode))
	}
	u.crypt.mode = mode
	return nil
}

// SetCryptAddress sets the flash address the image was encrypted for.
func (u *Updater) SetCryptAddress(address uint32) {
	u.crypt.address = address & cryptAddressMask
}

// SetCryptConfig sets the key tweak configuration. Only the low four bits
// are used.
func (u *Updater) SetCryptConfig(cfg uint8) {
	u.crypt.cfg = cfg & crypt.ConfigAll
}

// CryptMode returns the configured decryption mode.
func (u *Updater) CryptMode() CryptMode { return u.crypt.mode }

func (u *Updater) decryptBuffer(buf []byte) error {
	if u.crypt.key == nil {
		return ErrNoCryptKey
	}
	return crypt.Decrypt(u.crypt.key, u.crypt.cfg, u.crypt.address+u.progress, buf)
}
