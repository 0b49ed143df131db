package domain

import (
	"time"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
)

type RefundStatus string

const (
	RefundNone    RefundStatus = "none"
	RefundPartial RefundStatus = "partial"
	RefundFull    RefundStatus = "full"
)

type ChargeModel string

const (
	ChargeFlat    ChargeModel = "flat"
	ChargePerUnit ChargeModel = "per_unit"
	ChargePerDay  ChargeModel = "per_day"
)

type Addon struct {
	Code        string
	Name        string
	ChargeModel ChargeModel
	AmountCents int64
}

type Machine struct {
	ID                int64
	Name              string
	Slug              string
	DailyRateCents    int64
	DepositCents      int64
	MinRentalDays     int
	LeadTimeDays      int
	SameDayCutoffHour int
	Addons            []Addon
	CreatedAt         time.Time
}

type Customer struct {
	Name  string
	Email string
	Phone string
	TaxID string
}

type Address struct {
	Line1      string
	Line2      string
	City       string
	PostalCode string
	Lat        float64
	Lng        float64
}

type InvoiceRef struct {
	Provider   string
	ProviderID string
	Number     string
	PDFURL     string
	ATCUD      string
}

// Booking is the central ledger entity. Start and end dates are inclusive
// calendar days stored as UTC midnight; day math happens in the business
// timezone at the call sites.
type Booking struct {
	ID            int64
	MachineID     int64
	StartDate     time.Time
	EndDate       time.Time
	Status        BookingStatus
	HoldExpiresAt *time.Time

	PaymentIntentID *string
	DepositOnly     bool
	DepositPaid     bool
	TotalPaid       bool
	PaidCents       int64

	DiscountPercent       int
	OriginalSubtotalCents int64
	SubtotalCents         int64
	TotalCents            int64

	Customer Customer

	Delivery        bool
	SiteAddress     *Address
	BillingAddress  *Address
	BusinessBilling bool

	Invoice             *InvoiceRef
	CustomerEmailSentAt *time.Time
	InternalEmailSentAt *time.Time

	RefundedCents int64
	RefundStatus  RefundStatus
	RefundIDs     []string
	LastChargeID  *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DateRange is an inclusive booked interval, used by availability reads.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type JobType string

const (
	JobIssueInvoice  JobType = "issue_invoice"
	JobCustomerEmail JobType = "send_customer_confirmation"
	JobInternalEmail JobType = "send_internal_confirmation"
	JobSyncCalendar  JobType = "sync_calendar"
)

// ConfirmationJobs is the set enqueued on the first PENDING->CONFIRMED
// transition, in processing order.
var ConfirmationJobs = []JobType{
	JobIssueInvoice,
	JobCustomerEmail,
	JobInternalEmail,
	JobSyncCalendar,
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

type BookingJob struct {
	ID        int64
	BookingID int64
	Type      JobType
	Payload   []byte
	Status    JobStatus
	Attempts  int
	LastError *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProviderEvent is one row per externally delivered payment event id,
// kept purely for deduplication.
type ProviderEvent struct {
	EventID    string
	Type       string
	BookingID  *int64
	ReceivedAt time.Time
}

// PaymentTotals carries the final amounts attached while a booking is
// promoted. Nil fields leave the stored values untouched. PaidCents is
// the amount the provider actually captured, which for a deposit-only
// booking is less than the rental total.
type PaymentTotals struct {
	PaidCents             *int64
	TotalCents            *int64
	SubtotalCents         *int64
	OriginalSubtotalCents *int64
	DiscountPercent       *int
	DepositOnly           *bool
}

// HoldSpec is a validated, fully priced request for a PENDING hold.
type HoldSpec struct {
	MachineID int64
	StartDate time.Time
	EndDate   time.Time

	Customer        Customer
	Delivery        bool
	SiteAddress     *Address
	BillingAddress  *Address
	BusinessBilling bool

	DiscountPercent       int
	OriginalSubtotalCents int64
	SubtotalCents         int64
	TotalCents            int64
	DepositOnly           bool

	HoldExpiresAt time.Time
}

type HoldResult struct {
	BookingID     int64
	Reused        bool
	HoldExpiresAt time.Time
}

// PromoteOutcome reports whether this call performed the
// PENDING/CANCELLED -> CONFIRMED transition or found it already done.
type PromoteOutcome struct {
	Transitioned bool
	Booking      *Booking
}

// OpsSpec is a trusted-staff request for a zero-cost CONFIRMED booking.
type OpsSpec struct {
	MachineID int64
	StartDate time.Time
	EndDate   time.Time
	Customer  Customer
	Note      string
}

// EventFacts is the provider-neutral view of a verified webhook event.
type EventFacts struct {
	EventID         string
	Type            string
	BookingID       int64
	PaymentIntentID string
	ChargeID        string
	Paid            bool
	AmountTotal     int64
}

// ChargeFacts is the authoritative refund state of a charge, re-fetched
// from the provider rather than read off the event payload. AmountCents
// is the charge's own captured amount; refunds are classified against
// it, not against the rental total.
type ChargeFacts struct {
	ChargeID        string
	PaymentIntentID string
	AmountCents     int64
	AmountRefunded  int64
	RefundIDs       []string
}

// PaymentIntentFacts is the provider's current view of a payment intent,
// fetched when a promotion is requested without a verified webhook event.
type PaymentIntentFacts struct {
	PaymentIntentID     string
	Paid                bool
	AmountReceivedCents int64
	ChargeID            string
}
