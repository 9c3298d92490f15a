package domain

import "strings"

// Totals captures the aggregated monetary results of pricing a cart. It is
// the value placed on the order's immutable financial snapshot.
type Totals struct {
	Currency     string
	Subtotal     int64
	Discount     int64
	Tax          int64
	TaxBreakdown []TaxComponent
	ShippingFee  int64
	GrandTotal   int64
	Items        []LineTotals
}

// LineTotals stores the per-line pricing outputs.
type LineTotals struct {
	SKU       string
	Subtotal  int64
	Tax       int64
	Breakdown []TaxComponent
	Total     int64
}

// PricedLine is one cart line with its resolved unit price.
type PricedLine struct {
	SKU       string
	Quantity  int
	UnitPrice int64
}

const (
	defaultTaxRate       = 0.10
	reducedTaxRate       = 0.08
	freeShippingSubtotal = 10_000
	standardShippingFee  = 500
	codSurcharge         = 330
)

// taxRateFor resolves the consumption-tax rate for a destination. Domestic
// destinations use the standard rate; exports are zero-rated.
func taxRateFor(addr Address) (string, float64) {
	country := strings.ToUpper(strings.TrimSpace(addr.Country))
	switch country {
	case "", "JP":
		return "consumption_tax", defaultTaxRate
	default:
		return "export_zero_rated", 0
	}
}

// CalculateTotals prices a set of lines for a destination, payment method
// and optional coupon. The function is pure: it owns no state and performs
// no I/O, so the orchestrator may call it inside a storage transaction.
//
// The discount applies to the goods subtotal before tax; tax is computed on
// the discounted amount. Shipping is flat with a free threshold, plus a
// surcharge for cash-on-delivery.
func CalculateTotals(lines []PricedLine, addr Address, paymentMethod string, coupon *Coupon) Totals {
	taxName, rate := taxRateFor(addr)

	var subtotal int64
	items := make([]LineTotals, 0, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 || line.UnitPrice < 0 {
			continue
		}
		lineSubtotal := line.UnitPrice * int64(line.Quantity)
		subtotal += lineSubtotal
		items = append(items, LineTotals{
			SKU:      line.SKU,
			Subtotal: lineSubtotal,
		})
	}

	discount := couponDiscount(coupon, subtotal)
	taxable := subtotal - discount
	if taxable < 0 {
		taxable = 0
	}

	var tax int64
	var breakdown []TaxComponent
	if rate > 0 && taxable > 0 {
		tax = int64(float64(taxable) * rate)
		breakdown = []TaxComponent{{Name: taxName, Rate: rate, Amount: tax}}
	}

	// Per-line tax is apportioned from the line share of the taxable total so
	// the line components sum to the order tax.
	var allocated int64
	for i := range items {
		if tax == 0 || subtotal == 0 {
			break
		}
		lineTax := tax * items[i].Subtotal / subtotal
		if i == len(items)-1 {
			lineTax = tax - allocated
		}
		allocated += lineTax
		items[i].Tax = lineTax
		items[i].Breakdown = []TaxComponent{{Name: taxName, Rate: rate, Amount: lineTax}}
		items[i].Total = items[i].Subtotal + lineTax
	}

	shipping := shippingFee(subtotal, paymentMethod)
	grand := taxable + tax + shipping

	return Totals{
		Subtotal:     subtotal,
		Discount:     discount,
		Tax:          tax,
		TaxBreakdown: breakdown,
		ShippingFee:  shipping,
		GrandTotal:   grand,
		Items:        items,
	}
}

func couponDiscount(coupon *Coupon, subtotal int64) int64 {
	if coupon == nil || subtotal <= 0 {
		return 0
	}
	if coupon.MinSubtotal > 0 && subtotal < coupon.MinSubtotal {
		return 0
	}
	var discount int64
	switch coupon.Type {
	case CouponTypePercent:
		discount = subtotal * coupon.Value / 100
	case CouponTypeFixed:
		discount = coupon.Value
	}
	if discount > subtotal {
		discount = subtotal
	}
	if discount < 0 {
		discount = 0
	}
	return discount
}

func shippingFee(subtotal int64, paymentMethod string) int64 {
	var fee int64
	if subtotal > 0 && subtotal < freeShippingSubtotal {
		fee = standardShippingFee
	}
	if strings.EqualFold(strings.TrimSpace(paymentMethod), "cod") {
		fee += codSurcharge
	}
	return fee
}
