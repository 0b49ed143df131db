package httpgin

import (
	"time"

	"github.com/lusomaq/rentgo/internal/domain"
)

const dayLayout = "2006-01-02"

type CustomerInput struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required,email"`
	Phone string `json:"phone"`
	TaxID string `json:"tax_id"`
}

type AddressInput struct {
	Line1      string  `json:"line1"`
	Line2      string  `json:"line2"`
	City       string  `json:"city"`
	PostalCode string  `json:"postal_code"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
}

type AddonSelectionInput struct {
	Code  string `json:"code" binding:"required"`
	Units int    `json:"units"`
}

type CreateHoldRequest struct {
	MachineID       int64                 `json:"machine_id" binding:"required,gt=0"`
	StartDate       string                `json:"start_date" binding:"required"`
	EndDate         string                `json:"end_date" binding:"required"`
	Customer        CustomerInput         `json:"customer" binding:"required"`
	Delivery        bool                  `json:"delivery"`
	SiteAddress     *AddressInput         `json:"site_address"`
	BillingAddress  *AddressInput         `json:"billing_address"`
	BusinessBilling bool                  `json:"business_billing"`
	Addons          []AddonSelectionInput `json:"addons" binding:"dive"`
	DiscountPercent int                   `json:"discount_percent"`
	DepositOnly     bool                  `json:"deposit_only"`
}

type CreateHoldResponse struct {
	BookingID     int64     `json:"booking_id"`
	Reused        bool      `json:"reused"`
	HoldExpiresAt time.Time `json:"hold_expires_at"`
	SubtotalCents int64     `json:"subtotal_cents"`
	DiscountCents int64     `json:"discount_cents"`
	TotalCents    int64     `json:"total_cents"`
	DueNowCents   int64     `json:"due_now_cents"`
	CheckoutURL   string    `json:"checkout_url,omitempty"`
}

type EnsureConfirmedRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

type BookingResponse struct {
	ID            int64               `json:"id"`
	MachineID     int64               `json:"machine_id"`
	StartDate     string              `json:"start_date"`
	EndDate       string              `json:"end_date"`
	Status        string              `json:"status"`
	DepositOnly   bool                `json:"deposit_only"`
	DepositPaid   bool                `json:"deposit_paid"`
	TotalPaid     bool                `json:"total_paid"`
	PaidCents     int64               `json:"paid_cents"`
	TotalCents    int64               `json:"total_cents"`
	InvoiceNumber string              `json:"invoice_number,omitempty"`
	InvoicePDFURL string              `json:"invoice_pdf_url,omitempty"`
	RefundStatus  domain.RefundStatus `json:"refund_status"`
	RefundedCents int64               `json:"refunded_cents"`
}

type OpsBookingRequest struct {
	MachineID int64         `json:"machine_id" binding:"required,gt=0"`
	StartDate string        `json:"start_date" binding:"required"`
	EndDate   string        `json:"end_date" binding:"required"`
	Customer  CustomerInput `json:"customer" binding:"required"`
	Note      string        `json:"note"`
}

type OpsBookingResponse struct {
	BookingID int64 `json:"booking_id"`
}

type AddonInput struct {
	Code        string `json:"code" binding:"required"`
	Name        string `json:"name" binding:"required"`
	ChargeModel string `json:"charge_model" binding:"required,oneof=flat per_unit per_day"`
	AmountCents int64  `json:"amount_cents" binding:"required,gt=0"`
}

type CreateMachineRequest struct {
	Name              string       `json:"name" binding:"required"`
	Slug              string       `json:"slug" binding:"required"`
	DailyRateCents    int64        `json:"daily_rate_cents" binding:"required,gt=0"`
	DepositCents      int64        `json:"deposit_cents"`
	MinRentalDays     int          `json:"min_rental_days"`
	LeadTimeDays      int          `json:"lead_time_days"`
	SameDayCutoffHour int          `json:"same_day_cutoff_hour"`
	Addons            []AddonInput `json:"addons" binding:"dive"`
}

type CreateMachineResponse struct {
	MachineID int64 `json:"machine_id"`
}

type SweepResponse struct {
	Count int64 `json:"count"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (a *AddressInput) toDomain() *domain.Address {
	if a == nil {
		return nil
	}
	return &domain.Address{
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		PostalCode: a.PostalCode,
		Lat:        a.Lat,
		Lng:        a.Lng,
	}
}

func (c CustomerInput) toDomain() domain.Customer {
	return domain.Customer{
		Name:  c.Name,
		Email: c.Email,
		Phone: c.Phone,
		TaxID: c.TaxID,
	}
}

func toBookingResponse(b *domain.Booking) BookingResponse {
	resp := BookingResponse{
		ID:            b.ID,
		MachineID:     b.MachineID,
		StartDate:     b.StartDate.Format(dayLayout),
		EndDate:       b.EndDate.Format(dayLayout),
		Status:        string(b.Status),
		DepositOnly:   b.DepositOnly,
		DepositPaid:   b.DepositPaid,
		TotalPaid:     b.TotalPaid,
		PaidCents:     b.PaidCents,
		TotalCents:    b.TotalCents,
		RefundStatus:  b.RefundStatus,
		RefundedCents: b.RefundedCents,
	}
	if b.Invoice != nil {
		resp.InvoiceNumber = b.Invoice.Number
		resp.InvoicePDFURL = b.Invoice.PDFURL
	}
	return resp
}

func parseDay(s string) (time.Time, error) {
	return time.Parse(dayLayout, s)
}
