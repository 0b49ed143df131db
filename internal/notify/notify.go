// Package notify sends the customer and internal confirmation emails.
// At-most-once per booking per audience is enforced by the job queue's
// sent-timestamp claim, not here.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/lusomaq/rentgo/internal/domain"
)

type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	InternalTo string
}

// Facts is the rendered view of a confirmed booking that emails need.
type Facts struct {
	BookingID     int64
	MachineName   string
	StartDate     time.Time
	EndDate       time.Time
	TotalCents    int64
	DepositOnly   bool
	Customer      domain.Customer
	Delivery      bool
	SiteAddress   *domain.Address
	InvoiceNumber string
}

type Mailer struct {
	cfg Config
}

func NewMailer(cfg Config) *Mailer {
	return &Mailer{cfg: cfg}
}

func (m *Mailer) SendCustomerConfirmation(ctx context.Context, f Facts) error {
	const op = "notify.Mailer.SendCustomerConfirmation"

	subject, body := customerMessage(f)
	if err := m.send(ctx, f.Customer.Email, subject, body); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (m *Mailer) SendInternalConfirmation(ctx context.Context, f Facts) error {
	const op = "notify.Mailer.SendInternalConfirmation"

	subject, body := internalMessage(f)
	if err := m.send(ctx, m.cfg.InternalTo, subject, body); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func customerMessage(f Facts) (subject, body string) {
	subject = fmt.Sprintf("Booking #%d confirmed - %s", f.BookingID, f.MachineName)

	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", f.Customer.Name)
	fmt.Fprintf(&b, "Your rental of %s from %s to %s is confirmed.\n",
		f.MachineName, f.StartDate.Format("2006-01-02"), f.EndDate.Format("2006-01-02"))
	if f.DepositOnly {
		fmt.Fprintf(&b, "Deposit received: %.2f EUR. The balance is due on delivery.\n", float64(f.TotalCents)/100)
	} else {
		fmt.Fprintf(&b, "Amount received: %.2f EUR.\n", float64(f.TotalCents)/100)
	}
	if f.Delivery && f.SiteAddress != nil {
		fmt.Fprintf(&b, "Delivery to: %s, %s %s\n", f.SiteAddress.Line1, f.SiteAddress.PostalCode, f.SiteAddress.City)
	}
	if f.InvoiceNumber != "" {
		fmt.Fprintf(&b, "Invoice: %s\n", f.InvoiceNumber)
	}
	b.WriteString("\nThank you.\n")

	return subject, b.String()
}

func internalMessage(f Facts) (subject, body string) {
	subject = fmt.Sprintf("[rentgo] booking #%d confirmed (%s)", f.BookingID, f.MachineName)

	var b strings.Builder
	fmt.Fprintf(&b, "Booking #%d\n", f.BookingID)
	fmt.Fprintf(&b, "Machine: %s\n", f.MachineName)
	fmt.Fprintf(&b, "Dates: %s to %s\n", f.StartDate.Format("2006-01-02"), f.EndDate.Format("2006-01-02"))
	fmt.Fprintf(&b, "Customer: %s <%s> %s\n", f.Customer.Name, f.Customer.Email, f.Customer.Phone)
	fmt.Fprintf(&b, "Paid: %.2f EUR (deposit only: %v)\n", float64(f.TotalCents)/100, f.DepositOnly)
	if f.Delivery && f.SiteAddress != nil {
		fmt.Fprintf(&b, "Delivery: %s, %s %s\n", f.SiteAddress.Line1, f.SiteAddress.PostalCode, f.SiteAddress.City)
	}

	return subject, b.String()
}

func (m *Mailer) send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := strings.Join([]string{
		"From: " + m.cfg.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)

	return smtp.SendMail(addr, auth, m.cfg.From, []string{to}, []byte(msg))
}
