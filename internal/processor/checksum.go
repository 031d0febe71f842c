package processor

import (
	"bytes"
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	// Register the digests selectable by DigestType.
	_ "crypto/md5"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/bigbag/esp-updater/internal/update"
)

// DigestType selects the hash of a Checksum processor.
type DigestType int

const (
	// DigestAuto infers the hash from the length of the hex checksum.
	DigestAuto DigestType = iota
	DigestMD5
	DigestSHA1
	DigestSHA224
	DigestSHA256
	DigestSHA384
	DigestSHA512
)

var digestHashes = map[DigestType]crypto.Hash{
	DigestMD5:    crypto.MD5,
	DigestSHA1:   crypto.SHA1,
	DigestSHA224: crypto.SHA224,
	DigestSHA256: crypto.SHA256,
	DigestSHA384: crypto.SHA384,
	DigestSHA512: crypto.SHA512,
}

// autoDigests maps hex checksum lengths to the digest they imply.
var autoDigests = map[int]DigestType{
	32:  DigestMD5,
	40:  DigestSHA1,
	56:  DigestSHA224,
	64:  DigestSHA256,
	128: DigestSHA512,
}

func (d DigestType) String() string {
	if d == DigestAuto {
		return "auto"
	}
	if h, ok := digestHashes[d]; ok {
		return h.String()
	}
	return fmt.Sprintf("digest(%d)", int(d))
}

// ParseDigestType parses a digest name as printed by DigestType.String.
func ParseDigestType(s string) (DigestType, error) {
	for d := DigestAuto; d <= DigestSHA512; d++ {
		if strings.EqualFold(d.String(), s) {
			return d, nil
		}
	}
	return DigestAuto, fmt.Errorf("processor: unknown digest %q", s)
}

var (
	ErrNoChecksum       = errors.New("processor: no checksum set")
	ErrChecksumMismatch = errors.New("processor: checksum mismatch")
)

// Checksum verifies the payload against a digest supplied out of band, for
// example in an HTTP header. It decides only at ProcessEnd and never lets a
// mismatching payload reach the wrapped processor's ProcessEnd.
type Checksum struct {
	next Processor

	hash crypto.Hash
	want []byte
	h    hash.Hash
}

// NewChecksum wraps next, or a Legacy processor when next is nil.
func NewChecksum(next Processor) *Checksum {
	return &Checksum{next: orLegacy(next)}
}

// SetChecksum sets the expected digest as hex. With DigestAuto the hash is
// chosen by the length of sum.
func (c *Checksum) SetChecksum(sum string, typ DigestType) error {
	if typ == DigestAuto {
		t, ok := autoDigests[len(sum)]
		if !ok {
			return fmt.Errorf("processor: no digest with %d hex digits", len(sum))
		}
		typ = t
	}
	h, ok := digestHashes[typ]
	if !ok {
		return fmt.Errorf("processor: unsupported digest type %d", int(typ))
	}
	if len(sum) != 2*h.Size() {
		return fmt.Errorf("processor: %s checksum needs %d hex digits, got %d", h, 2*h.Size(), len(sum))
	}
	want, err := hex.DecodeString(sum)
	if err != nil {
		return fmt.Errorf("processor: checksum: %w", err)
	}
	c.hash, c.want, c.h = h, want, h.New()
	return nil
}

// ProcessHeader has no header of its own and defers to the wrapped processor.
func (c *Checksum) ProcessHeader(cmd update.Command, buf []byte) (int, error) {
	return c.next.ProcessHeader(cmd, buf)
}

// ProcessPayload hashes buf before passing it on, whether or not the
// wrapped processor accepts it.
func (c *Checksum) ProcessPayload(buf []byte) error {
	if c.h == nil {
		return ErrNoChecksum
	}
	c.h.Write(buf)
	return c.next.ProcessPayload(buf)
}

func (c *Checksum) ProcessEnd() error {
	if c.h == nil {
		return ErrNoChecksum
	}
	if got := c.h.Sum(nil); !bytes.Equal(got, c.want) {
		return fmt.Errorf("%w: %s got %x, want %x", ErrChecksumMismatch, c.hash, got, c.want)
	}
	return c.next.ProcessEnd()
}

// Reset restarts the digest and resets the wrapped processor. The expected
// checksum is kept.
func (c *Checksum) Reset() {
	if c.h != nil {
		c.h.Reset()
	}
	c.next.Reset()
}
