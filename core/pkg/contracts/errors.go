package contracts

import "errors"

// ErrSubscriptionClosed dikembalikan oleh Next setelah subscription ditutup.
var ErrSubscriptionClosed = errors.New("subscription closed")

// ValidationError menandakan input yang tidak valid (envelope, request, data).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Field + ": " + e.Reason
}

// AuthError menandakan publish/consume yang ditolak oleh authorizer.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "unauthorized: " + e.Reason
}

// NotFoundError menandakan resource yang tidak ada.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found"
}

// ConflictError menandakan resource yang sudah ada (duplicate create).
type ConflictError struct {
	Resource string
}

func (e *ConflictError) Error() string {
	return e.Resource + " already exists"
}

// IntegrityError menandakan stored state yang tidak konsisten.
type IntegrityError struct {
	Resource string
	Reason   string
}

func (e *IntegrityError) Error() string {
	return "integrity violation: " + e.Resource + ": " + e.Reason
}

// TimeoutError menandakan operasi yang melewati deadline.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return e.Op + " timed out"
}

// TransportError membungkus kegagalan infrastruktur broker/storage.
type TransportError struct {
	Broker string
	Err    error
}

func (e *TransportError) Error() string {
	return e.Broker + " transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
