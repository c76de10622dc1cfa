package domain

import (
	"fmt"
	"strings"
)

const ProductStatusActive = "active"

// Product is one catalog record parsed from an uploaded file. SKU is the
// business key and is compared case-insensitively by the store.
type Product struct {
	SKU         string
	Name        string
	Description string
	Status      string
}

// NewProductFromRecord trims the raw fields, upper-cases the SKU and
// rejects records missing a SKU or name.
func NewProductFromRecord(sku string, name string, description string) (Product, error) {
	p := Product{
		SKU:         strings.ToUpper(strings.TrimSpace(sku)),
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
		Status:      ProductStatusActive,
	}
	if err := p.Validate(); err != nil {
		return Product{}, err
	}
	return p, nil
}

func (p *Product) Validate() error {
	if p.SKU == "" {
		return fmt.Errorf("%w: sku is required", ErrValidation)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	return nil
}
