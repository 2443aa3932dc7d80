package scraper

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// VendorRecord is one product listing extracted from a vendor page. Records
// are handed to the import pipeline as they are parsed and are never stored
// in this form.
type VendorRecord struct {
	Vendor     string            `json:"vendor"`
	SourceURL  string            `json:"source_url"`
	Name       string            `json:"name"`
	Brand      string            `json:"brand"`
	Category   string            `json:"category"`
	Price      float64           `json:"price"`
	ImageURLs  []string          `json:"image_urls,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ScrapedAt  time.Time         `json:"scraped_at"`
}

// Page is a handle to one fetched listing page.
type Page struct {
	Vendor string
	Number int
	URL    string

	doc *goquery.Document
}

// ErrNoMorePages signals the end of a vendor's page walk.
var ErrNoMorePages = errors.New("no more pages")

// Adapter is the capability every vendor site implements. ListPages walks
// the listing pagination lazily; ParsePage extracts the records of a single
// fetched page.
type Adapter interface {
	// Vendor returns the vendor identifier this adapter scrapes.
	Vendor() string

	// ListPages starts a page walk. The returned iterator fetches pages on
	// demand and terminates on an empty listing, a repeated page, or the
	// configured page cap.
	ListPages(ctx context.Context) *Pages

	// ParsePage extracts the vendor records from a fetched page. Malformed
	// tiles are skipped with a warning rather than failing the page.
	ParsePage(page *Page) ([]VendorRecord, error)
}

// FetchFunc retrieves the body of a listing page as UTF-8 HTML.
type FetchFunc func(ctx context.Context, url string) (io.Reader, error)

// Selectors defines the CSS selectors used to extract products from a
// vendor's listing markup.
type Selectors struct {
	// ProductList matches one element per product tile.
	ProductList string

	// Title matches the product name inside a tile.
	Title string

	// Link matches the anchor leading to the product page.
	Link string

	// Thumbnail matches the tile image.
	Thumbnail string

	// Price matches the price element inside a tile.
	Price string

	// PriceRegex extracts a price from the title when no price element
	// exists; the first capture group is used.
	PriceRegex string

	// ClassFilter skips tiles carrying this class (sold out, ads).
	ClassFilter string
}

// VendorConfig drives one site adapter.
type VendorConfig struct {
	Vendor     string
	URL        string
	BaseURL    string
	Brand      string
	Category   string
	PageParam  string
	MaxPages   int
	UseBrowser bool
	Selectors  Selectors
}
