// Package pricing maps a priced cart to a subtotal/discount/total
// breakdown. Pure and deterministic so the same code can produce the
// client-side estimate and the server-side authoritative figures.
package pricing

import (
	"github.com/lusomaq/rentgo/internal/domain"
)

// Selection is one chosen add-on and, for per-unit charges, how many units.
type Selection struct {
	Addon domain.Addon
	Units int
}

type Quote struct {
	SubtotalCents int64
	DiscountCents int64
	TotalCents    int64
}

// ComputeQuote prices a rental of the given inclusive day count. Add-on
// lines are time-multiplied only when their charge model says so. The
// discount is subtotal-relative, rounded half up in cents.
func ComputeQuote(days int, dailyRateCents int64, selections []Selection, discountPercent int) Quote {
	if days < 0 {
		days = 0
	}

	subtotal := dailyRateCents * int64(days)

	for _, sel := range selections {
		switch sel.Addon.ChargeModel {
		case domain.ChargePerDay:
			subtotal += sel.Addon.AmountCents * int64(days)
		case domain.ChargePerUnit:
			units := sel.Units
			if units < 1 {
				units = 1
			}
			subtotal += sel.Addon.AmountCents * int64(units)
		default:
			subtotal += sel.Addon.AmountCents
		}
	}

	var discount int64
	if discountPercent > 0 {
		discount = roundedPercent(subtotal, discountPercent)
	}

	return Quote{
		SubtotalCents: subtotal,
		DiscountCents: discount,
		TotalCents:    subtotal - discount,
	}
}

// VATCents computes tax on a net amount in minor currency units, rounding
// half up. Operating in cents end to end keeps the figures in lockstep
// with the payment provider's own tax math.
func VATCents(netCents int64, ratePercent int) int64 {
	return roundedPercent(netCents, ratePercent)
}

// GrossCents is the net amount plus VAT at the given rate.
func GrossCents(netCents int64, ratePercent int) int64 {
	return netCents + VATCents(netCents, ratePercent)
}

// NetCents extracts the net amount from a VAT-inclusive gross, rounding
// half up. Invoicing works net-first while checkout charges gross.
func NetCents(grossCents int64, ratePercent int) int64 {
	div := int64(100 + ratePercent)
	return (grossCents*100 + div/2) / div
}

func roundedPercent(cents int64, percent int) int64 {
	return (cents*int64(percent) + 50) / 100
}
