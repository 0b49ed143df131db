// Package invoicing talks to the external invoicing provider that issues
// the fiscal invoice (number, PDF, ATCUD) for a confirmed booking.
package invoicing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lusomaq/rentgo/internal/domain"
)

// ErrDisabled is a deliberate skip, not a failure: invoicing is switched
// off by configuration (e.g. staging environments).
var ErrDisabled = errors.New("invoicing disabled by configuration")

// ErrRejected marks a permanent provider rejection (invalid fiscal data).
// Jobs carrying it are failed immediately instead of retried.
var ErrRejected = errors.New("invoice rejected by provider")

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Request describes one invoice. The whole rental is billed as a single
// line whose net amount is derived from the captured gross; the rental
// dates travel in the description.
type Request struct {
	BookingID        int64
	MachineName      string
	StartDate        time.Time
	EndDate          time.Time
	NetCents         int64
	VATPercent       int
	Customer         domain.Customer
	BusinessBilling  bool
	BillingAddress   *domain.Address
	PaymentReference string
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Enabled reports whether a provider is configured at all.
func (c *Client) Enabled() bool {
	return c.cfg.BaseURL != "" && c.cfg.APIKey != ""
}

type issuePayload struct {
	ExternalRef     string          `json:"external_ref"`
	Description     string          `json:"description"`
	UnitCents       int64           `json:"unit_cents"`
	Quantity        int             `json:"quantity"`
	VATPercent      int             `json:"vat_percent"`
	CustomerName    string          `json:"customer_name"`
	CustomerEmail   string          `json:"customer_email"`
	CustomerTaxID   string          `json:"customer_tax_id,omitempty"`
	BusinessBilling bool            `json:"business_billing"`
	BillingAddress  *domain.Address `json:"billing_address,omitempty"`
	PaymentRef      string          `json:"payment_ref"`
}

type issueResponse struct {
	ID     string `json:"id"`
	Number string `json:"number"`
	PDFURL string `json:"pdf_url"`
	ATCUD  string `json:"atcud"`
}

// Issue creates the invoice. Transient provider trouble (5xx, 429,
// network) comes back as a plain error for the job queue to retry;
// a 4xx rejection wraps ErrRejected and is final.
func (c *Client) Issue(ctx context.Context, req Request) (*domain.InvoiceRef, error) {
	const op = "invoicing.Client.Issue"

	if !c.Enabled() {
		return nil, fmt.Errorf("%s:%w", op, ErrDisabled)
	}

	payload := issuePayload{
		ExternalRef: fmt.Sprintf("booking-%d", req.BookingID),
		Description: fmt.Sprintf("%s rental %s to %s",
			req.MachineName,
			req.StartDate.Format("2006-01-02"),
			req.EndDate.Format("2006-01-02"),
		),
		UnitCents:       req.NetCents,
		Quantity:        1,
		VATPercent:      req.VATPercent,
		CustomerName:    req.Customer.Name,
		CustomerEmail:   req.Customer.Email,
		CustomerTaxID:   req.Customer.TaxID,
		BusinessBilling: req.BusinessBilling,
		BillingAddress:  req.BillingAddress,
		PaymentRef:      req.PaymentReference,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/invoices", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out issueResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", op, err)
		}
		return &domain.InvoiceRef{
			Provider:   "external",
			ProviderID: out.ID,
			Number:     out.Number,
			PDFURL:     out.PDFURL,
			ATCUD:      out.ATCUD,
		}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s: provider status %d", op, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%s:%w: status %d", op, ErrRejected, resp.StatusCode)
	}
}
