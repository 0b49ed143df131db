package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lusomaq/rentgo/internal/domain"
)

func testFacts() Facts {
	return Facts{
		BookingID:   42,
		MachineName: "Mini excavator",
		StartDate:   time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
		EndDate:     time.Date(2026, 9, 12, 0, 0, 0, 0, time.UTC),
		TotalCents:  27800,
		Customer:    domain.Customer{Name: "Ana", Email: "ana@example.com", Phone: "+351910000000"},
		Delivery:    true,
		SiteAddress: &domain.Address{Line1: "Rua A 1", PostalCode: "4710-057", City: "Braga"},
	}
}

func TestCustomerMessage(t *testing.T) {
	f := testFacts()
	f.InvoiceNumber = "FT 2026/42"

	subject, body := customerMessage(f)

	assert.Equal(t, "Booking #42 confirmed - Mini excavator", subject)
	assert.Contains(t, body, "Hello Ana,")
	assert.Contains(t, body, "2026-09-10")
	assert.Contains(t, body, "278.00 EUR")
	assert.Contains(t, body, "Delivery to: Rua A 1, 4710-057 Braga")
	assert.Contains(t, body, "FT 2026/42")
}

func TestCustomerMessageDepositOnly(t *testing.T) {
	f := testFacts()
	f.DepositOnly = true
	f.TotalCents = 5000

	_, body := customerMessage(f)

	assert.Contains(t, body, "Deposit received: 50.00 EUR")
	assert.Contains(t, body, "balance is due on delivery")
}

func TestInternalMessage(t *testing.T) {
	subject, body := internalMessage(testFacts())

	assert.Equal(t, "[rentgo] booking #42 confirmed (Mini excavator)", subject)
	assert.Contains(t, body, "Customer: Ana <ana@example.com> +351910000000")
	assert.Contains(t, body, "Dates: 2026-09-10 to 2026-09-12")
}

// Subjects must survive plain-ASCII mail clients and header folding, so
// they stick to ASCII punctuation.
func TestSubjectsAreASCII(t *testing.T) {
	for _, f := range []func(Facts) (string, string){customerMessage, internalMessage} {
		subject, _ := f(testFacts())
		for _, r := range subject {
			assert.Less(t, r, rune(128), "non-ASCII rune in subject %q", subject)
		}
		assert.False(t, strings.ContainsRune(subject, '—'), "subject %q", subject)
	}
}
