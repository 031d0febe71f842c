package update

import (
	"errors"
	"fmt"
	"io"
)

// ErrorKind classifies why an update session failed. The numeric values
// match the error codes reported by the Arduino Update library.
type ErrorKind uint8

const (
	NoError ErrorKind = iota
	ErrWrite
	ErrErase
	ErrRead
	ErrSpace
	ErrSize
	ErrStream
	ErrMD5
	ErrMagicByte
	ErrActivate
	ErrNoPartition
	ErrBadArgument
	ErrAbort
	ErrDecrypt
)

var kindStrings = [...]string{
	NoError:        "No Error",
	ErrWrite:       "Flash Write Failed",
	ErrErase:       "Flash Erase Failed",
	ErrRead:        "Flash Read Failed",
	ErrSpace:       "Not Enough Space",
	ErrSize:        "Bad Size Given",
	ErrStream:      "Stream Read Timeout",
	ErrMD5:         "MD5 Check Failed",
	ErrMagicByte:   "Wrong Magic Byte",
	ErrActivate:    "Could Not Activate The Firmware",
	ErrNoPartition: "Partition Could Not be Found",
	ErrBadArgument: "Bad Argument",
	ErrAbort:       "Aborted",
	ErrDecrypt:     "Decryption error",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindStrings) {
		return kindStrings[k]
	}
	return "UNKNOWN"
}

// Error makes a kind usable as an errors.Is target.
func (k ErrorKind) Error() string { return k.String() }

// Error is a failure that ended an update session.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("update: %s: %v", e.Kind, e.Err)
	}
	return "update: " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the ErrorKind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// KindOf returns the kind of an update error, NoError for nil and
// ErrorKind(0xFF) for errors that did not come from an Updater.
func KindOf(err error) ErrorKind {
	if err == nil {
		return NoError
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorKind(0xFF)
}

// Errors that do not end a session and are not recorded as the last error.
var (
	ErrRunning    = errors.New("update: session already running")
	ErrNotRunning = errors.New("update: no session running")
)

// HasError reports whether the last session ended with an error.
func (u *Updater) HasError() bool { return u.err != nil }

// Err returns the error that ended the last session, or nil.
func (u *Updater) Err() error {
	if u.err == nil {
		return nil
	}
	return u.err
}

// LastError returns the kind of the error that ended the last session.
func (u *Updater) LastError() ErrorKind {
	if u.err == nil {
		return NoError
	}
	return u.err.Kind
}

// ErrorString describes the last error.
func (u *Updater) ErrorString() string {
	return u.LastError().String()
}

// PrintError writes the last error to w as "Error[N]: description".
func (u *Updater) PrintError(w io.Writer) {
	fmt.Fprintf(w, "Error[%d]: %s\n", u.LastError(), u.ErrorString())
}

// ClearError resets the last error without starting a session.
func (u *Updater) ClearError() { u.err = nil }
