package processor

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"hash"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
	"k8s.io/klog/v2"

	"github.com/bigbag/esp-updater/internal/update"
)

const (
	// RedWaxPrefix starts the header line of a signed upload.
	RedWaxPrefix = "RedWax/1."

	// MinHeaderLength is buffered before an upload is classified.
	MinHeaderLength = 128

	// MaxTokenLength bounds the DER encoded timestamp response.
	MaxTokenLength = 16 * 1024

	maxHeaderLine = 1024
)

var (
	ErrLegacyNotAllowed  = errors.New("processor: unsigned upload rejected")
	ErrNoTrustedCerts    = errors.New("processor: no trusted certificates configured")
	ErrBadToken          = errors.New("processor: malformed timestamp token")
	ErrTokenTooLarge     = errors.New("processor: timestamp token too large")
	ErrUnsupportedDigest = errors.New("processor: timestamp digest not accepted")
	ErrDigestMismatch    = errors.New("processor: payload does not match timestamp")
)

// acceptedHashes are the token digests strong enough to bind a payload.
var acceptedHashes = map[crypto.Hash]bool{
	crypto.SHA256: true,
	crypto.SHA384: true,
	crypto.SHA512: true,
}

type rfcState int

const (
	stateInit rfcState = iota
	stateToken
	statePost
)

// RFC3161 verifies uploads prefixed with a RedWax header: a line starting
// with "RedWax/1." followed by a DER RFC 3161 TimeStampResp whose token
// signs the digest of the payload. The token's signer must chain to one of
// the trusted certificates and the payload digest is checked at
// ProcessEnd with the hash named inside the token.
type RFC3161 struct {
	next Processor

	trusted     *x509.CertPool
	allowLegacy bool

	state    rfcState
	legacy   bool
	token    []byte
	tokenLen int
	ts       *timestamp.Timestamp
	h        hash.Hash
}

// NewRFC3161 wraps next, or a Legacy processor when next is nil.
func NewRFC3161(next Processor) *RFC3161 {
	return &RFC3161{next: orLegacy(next)}
}

// SetTrustedCerts replaces the trusted roots.
func (r *RFC3161) SetTrustedCerts(pool *x509.CertPool) {
	r.trusted = pool
}

// AddTrustedCertAsDER adds a DER encoded root certificate.
func (r *RFC3161) AddTrustedCertAsDER(der []byte) error {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("processor: trusted certificate: %w", err)
	}
	r.addTrusted(cert)
	return nil
}

// AddTrustedCertsPEM adds every certificate in a PEM bundle.
func (r *RFC3161) AddTrustedCertsPEM(data []byte) error {
	n := 0
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if err := r.AddTrustedCertAsDER(block.Bytes); err != nil {
			return err
		}
		n++
	}
	if n == 0 {
		return errors.New("processor: no certificates in PEM data")
	}
	return nil
}

func (r *RFC3161) addTrusted(cert *x509.Certificate) {
	if r.trusted == nil {
		r.trusted = x509.NewCertPool()
	}
	r.trusted.AddCert(cert)
}

// SetAllowLegacyUploads lets uploads without a RedWax header through to the
// wrapped processor.
func (r *RFC3161) SetAllowLegacyUploads(allow bool) {
	r.allowLegacy = allow
}

// Timestamp returns the verified token of the current upload, or nil.
func (r *RFC3161) Timestamp() *timestamp.Timestamp {
	return r.ts
}

func (r *RFC3161) ProcessHeader(cmd update.Command, buf []byte) (int, error) {
	consumed := 0
	switch r.state {
	case stateInit:
		if len(buf) < MinHeaderLength {
			return 0, ErrNeedMore
		}
		if !bytes.HasPrefix(buf, []byte(RedWaxPrefix)) {
			if !r.allowLegacy {
				return 0, ErrLegacyNotAllowed
			}
			klog.V(1).Infof("processor: unsigned upload, legacy mode")
			r.legacy = true
			r.state = statePost
			return r.next.ProcessHeader(cmd, buf)
		}
		if r.trusted == nil {
			return 0, ErrNoTrustedCerts
		}
		n, err := r.parseRedWax(buf)
		if err != nil {
			return 0, err
		}
		consumed = n
		buf = buf[n:]
		fallthrough

	case stateToken:
		take := r.tokenLen - len(r.token)
		if take > len(buf) {
			take = len(buf)
		}
		r.token = append(r.token, buf[:take]...)
		consumed += take
		buf = buf[take:]
		if len(r.token) < r.tokenLen {
			return consumed, ErrNeedMore
		}
		if err := r.verifyToken(); err != nil {
			return consumed, err
		}
		r.state = statePost
	}

	n, err := r.next.ProcessHeader(cmd, buf)
	return consumed + n, err
}

// parseRedWax checks the header line and the DER length of the token that
// follows it. It returns the length of the header line.
func (r *RFC3161) parseRedWax(buf []byte) (int, error) {
	nl := bytes.IndexByte(buf, '\n')
	if nl < 0 {
		if len(buf) > maxHeaderLine {
			return 0, fmt.Errorf("%w: header line exceeds %d bytes", ErrBadToken, maxHeaderLine)
		}
		return 0, ErrNeedMore
	}
	klog.V(1).Infof("processor: signed upload %q", buf[:nl])

	der := buf[nl+1:]
	if len(der) < 4 {
		return 0, ErrNeedMore
	}
	if der[0] != 0x30 || der[1] != 0x82 {
		return 0, fmt.Errorf("%w: expected DER SEQUENCE with two byte length, got % x", ErrBadToken, der[:2])
	}
	n := 4 + (int(der[2])<<8 | int(der[3]))
	if n > MaxTokenLength {
		return 0, fmt.Errorf("%w: %d bytes", ErrTokenTooLarge, n)
	}
	r.tokenLen = n
	r.token = make([]byte, 0, n)
	r.state = stateToken
	return nl + 1, nil
}

// timeStampResp is the RFC 3161 TimeStampResp.
type timeStampResp struct {
	Status         asn1.RawValue
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

func (r *RFC3161) verifyToken() error {
	if r.trusted == nil {
		return ErrNoTrustedCerts
	}

	ts, err := timestamp.ParseResponse(r.token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if !acceptedHashes[ts.HashAlgorithm] {
		return fmt.Errorf("%w: %v", ErrUnsupportedDigest, ts.HashAlgorithm)
	}

	var resp timeStampResp
	if _, err := asn1.Unmarshal(r.token, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	p7, err := pkcs7.Parse(resp.TimeStampToken.FullBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if err := p7.VerifyWithChain(r.trusted); err != nil {
		return fmt.Errorf("processor: timestamp signature: %w", err)
	}

	klog.V(1).Infof("processor: timestamp %s, %v digest %x", ts.Time, ts.HashAlgorithm, ts.HashedMessage)
	r.ts = ts
	r.h = ts.HashAlgorithm.New()
	r.token = nil
	return nil
}

func (r *RFC3161) ProcessPayload(buf []byte) error {
	if r.legacy {
		return r.next.ProcessPayload(buf)
	}
	if r.state != statePost || r.h == nil {
		return fmt.Errorf("%w: payload before verified token", ErrBadToken)
	}
	r.h.Write(buf)
	return r.next.ProcessPayload(buf)
}

func (r *RFC3161) ProcessEnd() error {
	if r.legacy {
		return r.next.ProcessEnd()
	}
	if r.state != statePost || r.h == nil {
		return ErrIncomplete
	}
	if got := r.h.Sum(nil); !bytes.Equal(got, r.ts.HashedMessage) {
		return fmt.Errorf("%w: %v got %x, token has %x", ErrDigestMismatch, r.ts.HashAlgorithm, got, r.ts.HashedMessage)
	}
	return r.next.ProcessEnd()
}

// Reset forgets the current upload. Trusted certificates and the legacy
// setting are kept.
func (r *RFC3161) Reset() {
	r.state = stateInit
	r.legacy = false
	r.token = nil
	r.tokenLen = 0
	r.ts = nil
	r.h = nil
	r.next.Reset()
}
