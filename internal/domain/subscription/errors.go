package subscription

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a subscription does not exist.
	ErrNotFound = errors.New("subscription not found")
	// ErrInvalidSubscription wraps every create-time validation failure.
	ErrInvalidSubscription = errors.New("invalid subscription")
	// ErrUnsupportedChannel is returned when no channel implementation is
	// registered for a subscription's channel type.
	ErrUnsupportedChannel = errors.New("unsupported channel type")
	// ErrEndpointUnreachable is returned when the activation handshake fails.
	ErrEndpointUnreachable = errors.New("endpoint unreachable")
)

// DeliveryError describes a failed notification delivery.
type DeliveryError struct {
	Channel    ChannelType
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s delivery failed with status %d: %v", e.Channel, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s delivery failed with status %d", e.Channel, e.StatusCode)
	default:
		return fmt.Sprintf("%s delivery failed: %v", e.Channel, e.Err)
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }
