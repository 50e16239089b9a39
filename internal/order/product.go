package order

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"finitefield.org/market-web/internal/money"
)

var (
	// ErrProductNotFound indicates the catalog could not resolve the requested product.
	ErrProductNotFound = errors.New("order: product not found")
	// ErrProductRequired indicates a draft was initialised without a product.
	ErrProductRequired = errors.New("order: product is required")
)

// Product is the read-only catalog entity the checkout reads from.
type Product struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Price       money.Amount `json:"price"`
	Images      []string     `json:"images,omitempty"`
	Sizes       []string     `json:"sizes,omitempty"`
	Description string       `json:"description,omitempty"`
}

// ProductFetcher loads a product by identifier.
type ProductFetcher interface {
	FetchProduct(ctx context.Context, id string) (Product, error)
}

// ProductFetcherFunc adapts a function to ProductFetcher.
type ProductFetcherFunc func(ctx context.Context, id string) (Product, error)

// FetchProduct implements ProductFetcher.
func (f ProductFetcherFunc) FetchProduct(ctx context.Context, id string) (Product, error) {
	return f(ctx, id)
}

// UnmarshalJSON accepts both "id" and the backend's "_id" key.
func (p *Product) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID          string       `json:"id"`
		MongoID     string       `json:"_id"`
		Name        string       `json:"name"`
		Price       money.Amount `json:"price"`
		Images      []string     `json:"images"`
		Image       string       `json:"image"`
		Sizes       []string     `json:"sizes"`
		Description string       `json:"description"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Product{
		ID:          strings.TrimSpace(firstNonEmpty(raw.ID, raw.MongoID)),
		Name:        strings.TrimSpace(raw.Name),
		Price:       raw.Price,
		Images:      cleanStrings(raw.Images),
		Sizes:       cleanStrings(raw.Sizes),
		Description: raw.Description,
	}
	if len(p.Images) == 0 && strings.TrimSpace(raw.Image) != "" {
		p.Images = []string{strings.TrimSpace(raw.Image)}
	}
	return nil
}

// PrimaryImage returns the first image or an empty string.
func (p Product) PrimaryImage() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0]
}

// HasSizes reports whether a size must be chosen for this product.
func (p Product) HasSizes() bool {
	return len(p.Sizes) > 0
}

func (p Product) offersSize(size string) bool {
	for _, s := range p.Sizes {
		if strings.EqualFold(s, size) {
			return true
		}
	}
	return false
}

func cleanStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
