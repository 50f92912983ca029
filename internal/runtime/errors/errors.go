package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired          = sterrors.New("busflow: service is required")
	ErrConfigRequired           = sterrors.New("busflow: configuration is required")
	ErrLoggerRequired           = sterrors.New("busflow: logger is required")
	ErrTransportRequired        = sterrors.New("busflow: at least one transport is required")
	ErrPublisherRequired        = sterrors.New("busflow: publisher is required")
	ErrTopicRequired            = sterrors.New("busflow: topic is required")
	ErrMessageRequired          = sterrors.New("busflow: message is required")
	ErrChannelNameRequired      = sterrors.New("busflow: channel name is required")
	ErrChannelExists            = sterrors.New("busflow: channel already registered")
	ErrMessageTypeRequired      = sterrors.New("busflow: channel message type is required")
	ErrProcessorRequired        = sterrors.New("busflow: processor is required")
	ErrNoCapabilities           = sterrors.New("busflow: processor declares no capabilities")
	ErrInvalidDeclaration       = sterrors.New("busflow: invalid processor declaration")
	ErrProcessorNotFound        = sterrors.New("busflow: no processor registered")
	ErrUnexpectedMessageType    = sterrors.New("busflow: unexpected message type")
	ErrMiddlewareRequired       = sterrors.New("busflow: middleware is required")
	ErrLockerRequired           = sterrors.New("busflow: singleton channel requires a locker")
	ErrServiceAlreadyStarted    = sterrors.New("busflow: service already started")
	ErrDeliveryCountUnavailable = sterrors.New("busflow: delivery count unavailable")
	ErrProcessorPanic           = sterrors.New("busflow: processor panicked")
	ErrDLQNotSupported          = sterrors.New("busflow: transport does not manage a dead-letter store")
)

// ConfigValidationError reports a single invalid configuration field.
type ConfigValidationError struct {
	Field string
	Err   error
}

func (e ConfigValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("busflow: invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("busflow: invalid configuration %s: %v", e.Field, e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}
