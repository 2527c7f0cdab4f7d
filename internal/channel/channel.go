// Package channel defines the dispatch capability contract and its four
// adapters. Every adapter classifies provider failures as transient or
// permanent; that classification alone decides retry eligibility.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/naebak/notifications-service/internal/model"
	"github.com/naebak/notifications-service/internal/template"
)

// Result reports a dispatch accepted by the provider. Delivered is set
// when the provider confirms receipt synchronously; otherwise the record
// stays sent until a status callback arrives.
type Result struct {
	ProviderMessageID string
	Delivered         bool
}

// Dispatcher sends one rendered notification over one channel.
type Dispatcher interface {
	Channel() model.Channel
	Send(ctx context.Context, n model.Notification, content template.Rendered) (Result, error)
}

// TransientError wraps a failure expected to succeed on retry: network
// timeouts, provider 5xx, throttling.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure retrying cannot fix: invalid
// destination, rejected content, auth failure.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// FatalError wraps an infrastructure failure in the service's own
// backing store. The record is not at fault: the worker leaves its
// retry budget alone and lets the broker redeliver the queue entry.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as a transient failure.
func Transient(err error) error { return &TransientError{Err: err} }

// Permanent wraps err as a permanent failure.
func Permanent(err error) error { return &PermanentError{Err: err} }

// Fatal wraps err as a service-level infrastructure failure.
func Fatal(err error) error { return &FatalError{Err: err} }

// IsFatal reports whether err is a service-level infrastructure
// failure rather than a record-level one.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsPermanent reports whether err is classified permanent. Unclassified
// errors default to transient, which is the safe side under
// at-least-once delivery.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classifyStatus maps a provider HTTP status to a failure class:
// 5xx and 429 are transient, any other 4xx is permanent.
func classifyStatus(code int, err error) error {
	if code >= 500 || code == 429 {
		return Transient(err)
	}
	return Permanent(err)
}
