package reconcile

import "errors"

var (
	ErrBadSignature       = errors.New("webhook signature verification failed")
	ErrBookingNotFound    = errors.New("booking not found")
	ErrPaymentNotVerified = errors.New("payment not verified by the provider")
)
