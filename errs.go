package torrent

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrorKind is one of the error categories this module distinguishes,
// each with its own recovery policy in EngineLoop and ConnectionManager.
type ErrorKind int

const (
	ProtocolError ErrorKind = iota
	HashFailure
	Timeout
	IOError
	Banned
	MetadataInvalid
	TrackerError
	ConfigError
)

func (k ErrorKind) String() string {
	switch k {
	case ProtocolError:
		return "ProtocolError"
	case HashFailure:
		return "HashFailure"
	case Timeout:
		return "Timeout"
	case IOError:
		return "IOError"
	case Banned:
		return "Banned"
	case MetadataInvalid:
		return "MetadataInvalid"
	case TrackerError:
		return "TrackerError"
	case ConfigError:
		return "ConfigError"
	default:
		return "UnknownError"
	}
}

// KindedError tags an error with one of the recovery-relevant kinds above,
// without discarding the underlying cause or its stack (via pkg/errors).
type KindedError struct {
	Kind  ErrorKind
	cause error
}

func (e *KindedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *KindedError) Unwrap() error { return e.cause }

// wrapErr tags err with kind, wrapping it via pkg/errors with the
// formatted message and a stack trace; every call attaches a new trace,
// even if one is already present on the chain.
func wrapErr(kind ErrorKind, err error, msgf string, args ...any) error {
	if err == nil {
		return nil
	}
	return &KindedError{Kind: kind, cause: pkgerrors.Wrapf(err, msgf, args...)}
}

// ErrKind reports a chained error's KindedError tag, if any.
func ErrKind(err error) (ErrorKind, bool) {
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	return 0, false
}

// CloseReason is why a PeerSession was torn down.
type CloseReason string

const (
	CloseProtocolError CloseReason = "ProtocolError"
	CloseBanned        CloseReason = "Banned"
	CloseIdleTimeout   CloseReason = "IdleTimeout"
	CloseGraceful      CloseReason = "Graceful"
	CloseIOError       CloseReason = "IOError"
)
