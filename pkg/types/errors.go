package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the LiveCoach error taxonomy. Every error that crosses a
// package boundary wraps exactly one of these, so callers classify failures
// with [errors.Is] or [KindOf] instead of string matching.
var (
	// ErrDevice reports a missing, denied, or lost audio device. Fatal to a
	// session.
	ErrDevice = errors.New("device error")

	// ErrConnection reports a handshake or mid-session channel failure. Fatal
	// to a session; never retried automatically.
	ErrConnection = errors.New("connection error")

	// ErrCodec reports malformed audio bytes. Recovered locally by dropping the
	// offending chunk.
	ErrCodec = errors.New("codec error")

	// ErrValidation reports malformed input or a malformed collaborator
	// response. Scoped to the single request that produced it.
	ErrValidation = errors.New("validation error")

	// ErrNetwork reports a failed request to a request/response collaborator.
	ErrNetwork = errors.New("network error")

	// ErrInvalidState reports an operation that is illegal in the current
	// session state.
	ErrInvalidState = errors.New("invalid state")
)

// Kind is a stable, printable name for an error class.
type Kind string

const (
	KindNone         Kind = ""
	KindDevice       Kind = "device"
	KindConnection   Kind = "connection"
	KindCodec        Kind = "codec"
	KindValidation   Kind = "validation"
	KindNetwork      Kind = "network"
	KindInvalidState Kind = "invalid_state"
	KindCanceled     Kind = "canceled"
	KindUnknown      Kind = "unknown"
)

var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrDevice, KindDevice},
	{ErrConnection, KindConnection},
	{ErrCodec, KindCodec},
	{ErrValidation, KindValidation},
	{ErrNetwork, KindNetwork},
	{ErrInvalidState, KindInvalidState},
}

// KindOf classifies err. It returns [KindNone] for nil and [KindUnknown] for
// errors outside the taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	if errors.Is(err, errCanceled) {
		return KindCanceled
	}
	return KindUnknown
}

// DeviceError wraps err as an [ErrDevice] raised by op.
func DeviceError(op string, err error) error { return wrap(op, ErrDevice, err) }

// ConnectionError wraps err as an [ErrConnection] raised by op.
func ConnectionError(op string, err error) error { return wrap(op, ErrConnection, err) }

// CodecError wraps err as an [ErrCodec] raised by op.
func CodecError(op string, err error) error { return wrap(op, ErrCodec, err) }

// ValidationError wraps err as an [ErrValidation] raised by op.
func ValidationError(op string, err error) error { return wrap(op, ErrValidation, err) }

// NetworkError wraps err as an [ErrNetwork] raised by op.
func NetworkError(op string, err error) error { return wrap(op, ErrNetwork, err) }

// InvalidStateError reports that op is not allowed in state.
func InvalidStateError(op string, state fmt.Stringer) error {
	return fmt.Errorf("%s: %w: not allowed in state %s", op, ErrInvalidState, state)
}

// errCanceled marks an operation abandoned because a concurrent shutdown
// overtook it.
var errCanceled = errors.New("canceled")

// CanceledError reports that op was abandoned by a concurrent shutdown. The
// cause (usually [context.Canceled]) stays reachable through [errors.Is].
func CanceledError(op string, cause error) error { return wrap(op, errCanceled, cause) }

func wrap(op string, kind, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, kind)
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}
