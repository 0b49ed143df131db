// Package calendar mirrors confirmed bookings into the operations
// calendar. Best effort: failures never touch booking state.
package calendar

import (
	"context"
	"fmt"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/lusomaq/rentgo/internal/domain"
)

type Config struct {
	CredentialsFile string
	CalendarID      string
}

type Facts struct {
	BookingID   int64
	MachineID   int64
	MachineName string
	StartDate   time.Time
	EndDate     time.Time
	Customer    domain.Customer
	Delivery    bool
	SiteAddress *domain.Address
}

type Client struct {
	svc        *gcal.Service
	calendarID string
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	const op = "calendar.New"

	svc, err := gcal.NewService(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &Client{svc: svc, calendarID: cfg.CalendarID}, nil
}

func eventSummary(f Facts) string {
	return fmt.Sprintf("#%d %s - %s", f.BookingID, f.MachineName, f.Customer.Name)
}

// CreateBookingEvent inserts an all-day event spanning the rental. The
// end date is exclusive on the calendar side, hence the extra day.
func (c *Client) CreateBookingEvent(ctx context.Context, f Facts) error {
	const op = "calendar.Client.CreateBookingEvent"

	location := ""
	if f.Delivery && f.SiteAddress != nil {
		location = fmt.Sprintf("%s, %s %s", f.SiteAddress.Line1, f.SiteAddress.PostalCode, f.SiteAddress.City)
	}

	ev := &gcal.Event{
		Summary: eventSummary(f),
		Description: fmt.Sprintf("Booking #%d\nCustomer: %s <%s> %s",
			f.BookingID, f.Customer.Name, f.Customer.Email, f.Customer.Phone),
		Location: location,
		Start:    &gcal.EventDateTime{Date: f.StartDate.Format("2006-01-02")},
		End:      &gcal.EventDateTime{Date: f.EndDate.AddDate(0, 0, 1).Format("2006-01-02")},
	}

	if _, err := c.svc.Events.Insert(c.calendarID, ev).Context(ctx).Do(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}
