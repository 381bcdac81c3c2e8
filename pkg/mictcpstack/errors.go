package mictcpstack

import "github.com/pkg/errors"

var (
	ErrInvalidSocket       = errors.New("invalid socket")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrAddressInUse        = errors.New("port already bound")
	ErrCapacityExceeded    = errors.New("socket table full")
	ErrNotConnected        = errors.New("socket not established")
	ErrAlreadyConnected    = errors.New("socket already established")
	ErrSocketClosed        = errors.New("socket closed")
	ErrStackClosed         = errors.New("stack closed")
	ErrTransmissionFailure = errors.New("transmission failure")
	// ErrTimeout drives the retry loops. Callers only see it when a retry
	// limit is configured.
	ErrTimeout = errors.New("timed out waiting for peer")
)

func transmissionFailure(err error) error {
	return errors.Wrap(ErrTransmissionFailure, err.Error())
}
