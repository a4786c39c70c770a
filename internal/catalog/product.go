package catalog

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SizeStock is the per-size stock entry of a colour.
type SizeStock struct {
	Quantity int    `json:"quantity"`
	SKU      string `json:"sku,omitempty"`
}

// Color is one colourway of a product with its own gallery and size table.
type Color struct {
	Name   string               `json:"name"`
	Hex    string               `json:"hex,omitempty"`
	Images []string             `json:"images,omitempty"`
	Sizes  map[string]SizeStock `json:"sizes,omitempty"`
}

// Review is a shopper's rating of a product.
type Review struct {
	Name      string     `json:"name,omitempty"`
	Rating    int        `json:"rating"`
	Comment   string     `json:"comment"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// Product mirrors the backend product document.
type Product struct {
	ID            string              `json:"_id"`
	Name          string              `json:"name"`
	Slug          string              `json:"slug"`
	Description   string              `json:"description,omitempty"`
	Category      string              `json:"category,omitempty"`
	Fabric        string              `json:"fabric,omitempty"`
	Tags          []string            `json:"tags,omitempty"`
	Price         decimal.Decimal     `json:"price"`
	DiscountPrice decimal.NullDecimal `json:"discountPrice"`
	CountInStock  int                 `json:"countInStock"`
	Images        []string            `json:"images,omitempty"`
	Colors        []Color             `json:"colors,omitempty"`
	NewArrival    bool                `json:"NewArrival,omitempty"`
	Rating        float64             `json:"rating,omitempty"`
	NumReviews    int                 `json:"numReviews,omitempty"`
	Reviews       []Review            `json:"reviews,omitempty"`
}

// Color returns the colourway matching name case-insensitively.
func (p Product) Color(name string) (Color, bool) {
	for _, c := range p.Colors {
		if strings.EqualFold(strings.TrimSpace(c.Name), strings.TrimSpace(name)) {
			return c, true
		}
	}
	return Color{}, false
}

// SKU resolves the stock keeping unit of a colour/size variant, or "".
func (p Product) SKU(color, size string) string {
	c, ok := p.Color(color)
	if !ok {
		return ""
	}
	return c.Sizes[size].SKU
}

// Stock returns the stock of a variant, falling back to the product-level count when
// the colour has no size table.
func (p Product) Stock(color, size string) int {
	c, ok := p.Color(color)
	if !ok || len(c.Sizes) == 0 {
		return p.CountInStock
	}
	return c.Sizes[size].Quantity
}

// Image picks the gallery of the selected colour, then the first colour, then the
// product images.
func (p Product) Image(color string) string {
	if c, ok := p.Color(color); ok && len(c.Images) > 0 {
		return c.Images[0]
	}
	if len(p.Colors) > 0 && len(p.Colors[0].Images) > 0 {
		return p.Colors[0].Images[0]
	}
	if len(p.Images) > 0 {
		return p.Images[0]
	}
	return ""
}

// ListParams are the search and collection filters.
type ListParams struct {
	Query    string
	Category string
	Colors   []string
	Sizes    []string
	Fabrics  []string
	Sort     string
	Page     int
	Limit    int
}

// Page is one page of a product listing.
type Page struct {
	Products   []Product `json:"products"`
	Page       int       `json:"page"`
	TotalPages int       `json:"totalPages"`
}

// UnmarshalJSON accepts both totalPages and the older pages field.
func (p *Page) UnmarshalJSON(data []byte) error {
	var raw struct {
		Products   []Product `json:"products"`
		Page       int       `json:"page"`
		TotalPages int       `json:"totalPages"`
		Pages      int       `json:"pages"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Products = raw.Products
	p.Page = raw.Page
	p.TotalPages = raw.TotalPages
	if p.TotalPages == 0 {
		p.TotalPages = raw.Pages
	}
	return nil
}

// HasMore reports whether another page can be requested.
func (p Page) HasMore() bool {
	if len(p.Products) == 0 {
		return false
	}
	if p.TotalPages == 0 {
		return true
	}
	return p.Page < p.TotalPages
}

// Filters lists the facets offered by the search page.
type Filters struct {
	Categories []string `json:"categories"`
	Colors     []string `json:"colors"`
	Sizes      []string `json:"sizes"`
	Fabrics    []string `json:"fabrics"`
}

// Suggestions is the combined typeahead answer.
type Suggestions struct {
	Products []Product `json:"products"`
	Tags     []string  `json:"tags"`
}
