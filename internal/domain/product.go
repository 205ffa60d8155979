package domain

import "time"

type Product struct {
	ID          int64
	Name        string
	Category    string
	Subcategory string
	Price       float64
	Currency    string
	Description string
	Quantity    int
	CreatedAt   time.Time
}

// InStock reports whether the product can be purchased at all.
func (p *Product) InStock() bool {
	return p.Quantity > 0
}

// MaxPerOrder caps a single order at 5 units or the remaining stock,
// whichever is smaller.
func (p *Product) MaxPerOrder() int {
	if p.Quantity < 5 {
		return p.Quantity
	}
	return 5
}
