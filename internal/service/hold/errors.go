package hold

import "errors"

var (
	ErrDatesUnavailable   = errors.New("dates no longer available")
	ErrInvalidDateRange   = errors.New("invalid date range")
	ErrBelowMinimumDays   = errors.New("rental shorter than minimum")
	ErrLeadTime           = errors.New("start date inside lead time")
	ErrOutsideServiceArea = errors.New("address outside service area")
	ErrMissingAddress     = errors.New("delivery requested without a geocoded address")
	ErrInvalidCustomer    = errors.New("invalid customer details")
	ErrInvalidDiscount    = errors.New("invalid discount percent")
	ErrUnknownAddon       = errors.New("unknown add-on code")
	ErrRateLimited        = errors.New("too many hold requests")
	ErrMachineNotFound    = errors.New("machine not found")
)
