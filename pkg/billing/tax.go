package billing

import "context"

// TaxFunc computes the tax owed on a subtotal for an account. Tax policy is
// supplied from outside the billing core.
type TaxFunc func(ctx context.Context, accountID string, subtotalCents int64) (int64, error)

// FlatTax returns a TaxFunc charging a fixed rate expressed in basis points.
// Amounts are rounded half away from zero so that a negative correction
// mirrors the tax of the equivalent charge.
func FlatTax(basisPoints int64) TaxFunc {
	return func(_ context.Context, _ string, subtotalCents int64) (int64, error) {
		if subtotalCents < 0 {
			return -((-subtotalCents*basisPoints + 5000) / 10000), nil
		}
		return (subtotalCents*basisPoints + 5000) / 10000, nil
	}
}
