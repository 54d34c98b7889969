package transport

import (
	"errors"
	"fmt"
)

var ErrTransportClosed = errors.New("transport closed")

// ErrorKind classifies transport request failures.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindCrashed        ErrorKind = "crashed"
	KindBrokenPipe     ErrorKind = "broken_pipe"
	KindBufferOverflow ErrorKind = "buffer_overflow"
)

// TransportError describes a failed request against a running transport.
type TransportError struct {
	TransportID string
	Kind        ErrorKind
	Err         error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.TransportID, e.Kind, e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.TransportID, e.Kind)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SpawnError describes a subprocess that could not be started.
type SpawnError struct {
	TransportID string
	Command     string
	Err         error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.TransportID, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr) && terr.Kind == KindTimeout
}

// IsCrashed reports whether err indicates the subprocess died mid-request.
func IsCrashed(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr) && terr.Kind == KindCrashed
}
