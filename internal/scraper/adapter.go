package scraper

import (
	"context"
	"errors"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"dvermarket/catalogworker/internal/normalize"
	"dvermarket/catalogworker/logger"
	cerrors "dvermarket/catalogworker/pkg/errors"
)

// SiteAdapter is a selector-driven Adapter implementation. All supported
// vendors share this walk-and-parse logic; only the VendorConfig differs.
type SiteAdapter struct {
	cfg     VendorConfig
	fetch   FetchFunc
	browser *BrowserClient
	priceRe *regexp.Regexp
}

// NewSiteAdapter creates an adapter for one vendor. fetch retrieves plain
// listing pages; browser is only used when the config asks for JavaScript
// rendering.
func NewSiteAdapter(cfg VendorConfig, fetch FetchFunc, browser *BrowserClient) *SiteAdapter {
	if cfg.PageParam == "" {
		cfg.PageParam = "page"
	}

	a := &SiteAdapter{
		cfg:     cfg,
		fetch:   fetch,
		browser: browser,
	}

	if cfg.Selectors.PriceRegex != "" {
		re, err := regexp.Compile(cfg.Selectors.PriceRegex)
		if err != nil {
			logger.Error("[%s] invalid price regex %q: %v", cfg.Vendor, cfg.Selectors.PriceRegex, err)
		} else {
			a.priceRe = re
		}
	}

	return a
}

// Vendor returns the vendor identifier this adapter scrapes.
func (a *SiteAdapter) Vendor() string {
	return a.cfg.Vendor
}

// ListPages starts a lazy walk over the vendor's listing pagination.
func (a *SiteAdapter) ListPages(ctx context.Context) *Pages {
	return &Pages{a: a, next: 1}
}

// Pages iterates a vendor's listing pages. Next fetches one page at a time;
// the walk ends on an empty listing, a repeated page, or the page cap.
type Pages struct {
	a       *SiteAdapter
	next    int
	lastKey string
	done    bool
	session *Session
}

// Next fetches the next listing page. It returns ErrNoMorePages when the
// walk is complete. A non-nil error alongside a non-nil page means that
// page failed; the caller may keep calling Next to continue with the
// following pages.
func (p *Pages) Next(ctx context.Context) (*Page, error) {
	if p.done {
		return nil, ErrNoMorePages
	}
	if err := ctx.Err(); err != nil {
		p.done = true
		return nil, err
	}

	cfg := p.a.cfg
	if cfg.MaxPages > 0 && p.next > cfg.MaxPages {
		logger.Debug("[%s] page cap %d reached", cfg.Vendor, cfg.MaxPages)
		p.done = true
		return nil, ErrNoMorePages
	}

	num := p.next
	p.next++
	page := &Page{
		Vendor: cfg.Vendor,
		Number: num,
		URL:    pageURL(cfg.URL, cfg.PageParam, num),
	}

	body, err := p.fetchBody(ctx, page.URL)
	if err != nil {
		if ctx.Err() != nil {
			p.done = true
			return nil, ctx.Err()
		}
		var ie *cerrors.IngestError
		if errors.As(err, &ie) && (ie.Type == cerrors.ErrorTypeSession || ie.Type == cerrors.ErrorTypeRateLimit) {
			// Pointless to walk further once the vendor blocks us or the
			// browser session is gone.
			p.done = true
		}
		return page, err
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return page, cerrors.NewParse(cfg.Vendor, "failed to parse listing HTML", err)
	}
	page.doc = doc

	tiles := doc.Find(cfg.Selectors.ProductList)
	if tiles.Length() == 0 {
		logger.Debug("[%s] empty listing on page %d, stopping", cfg.Vendor, num)
		p.done = true
		return nil, ErrNoMorePages
	}

	key := p.a.tileKey(tiles.First())
	if key != "" && key == p.lastKey {
		logger.Debug("[%s] page %d repeats the previous page, stopping", cfg.Vendor, num)
		p.done = true
		return nil, ErrNoMorePages
	}
	p.lastKey = key

	return page, nil
}

// Close releases any browser session held by the walk.
func (p *Pages) Close() {
	p.done = true
	if p.session != nil && p.a.browser != nil {
		p.a.browser.Release(p.session)
		p.session = nil
	}
}

func (p *Pages) fetchBody(ctx context.Context, pageURL string) (io.Reader, error) {
	a := p.a
	if a.cfg.UseBrowser && a.browser != nil {
		if p.session == nil {
			s, err := a.browser.Acquire(ctx)
			if err != nil {
				return nil, cerrors.NewSession(a.cfg.Vendor, "failed to acquire browser session", err)
			}
			p.session = s
		}
		body, err := p.session.Navigate(ctx, pageURL)
		if err != nil {
			return nil, cerrors.NewSession(a.cfg.Vendor, "browser navigation failed", err)
		}
		return body, nil
	}

	if a.fetch == nil {
		return nil, cerrors.NewConfiguration("no fetch function configured for "+a.cfg.Vendor, nil)
	}
	return a.fetch(ctx, pageURL)
}

// ParsePage extracts all product records from a fetched page. Tiles that
// cannot be parsed are skipped with a warning.
func (a *SiteAdapter) ParsePage(page *Page) ([]VendorRecord, error) {
	if page == nil || page.doc == nil {
		return nil, cerrors.NewParse(a.cfg.Vendor, "page has no document", nil)
	}

	var records []VendorRecord
	page.doc.Find(a.cfg.Selectors.ProductList).Each(func(i int, s *goquery.Selection) {
		rec, err := a.parseTile(page, s)
		if err != nil {
			logger.Warn("[%s] skipping tile %d on page %d: %v", a.cfg.Vendor, i, page.Number, err)
			return
		}
		if rec != nil {
			records = append(records, *rec)
		}
	})

	logger.Debug("[%s] parsed %d records from page %d", a.cfg.Vendor, len(records), page.Number)
	return records, nil
}

// parseTile builds one record from a product tile. A nil record with a nil
// error means the tile was filtered out rather than malformed.
func (a *SiteAdapter) parseTile(page *Page, s *goquery.Selection) (*VendorRecord, error) {
	sel := a.cfg.Selectors

	if sel.ClassFilter != "" && s.HasClass(sel.ClassFilter) {
		return nil, nil
	}

	title := normalize.Clean(s.Find(sel.Title).First().Text())
	if title == "" {
		return nil, cerrors.NewParse(a.cfg.Vendor, "tile has no title", nil)
	}

	sourceURL := page.URL
	if href, ok := s.Find(sel.Link).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
		sourceURL = a.resolveURL(strings.TrimSpace(href))
	}

	var price float64
	if sel.Price != "" {
		price = ExtractPrice(s.Find(sel.Price).First().Text())
	}
	if price == 0 && a.priceRe != nil {
		if m := a.priceRe.FindStringSubmatch(title); len(m) > 1 {
			price = ExtractPrice(m[1])
			title = normalize.Clean(strings.Replace(title, m[0], "", 1))
		}
	}

	var images []string
	if sel.Thumbnail != "" {
		s.Find(sel.Thumbnail).Each(func(_ int, img *goquery.Selection) {
			if src := tileImageURL(img); src != "" {
				images = append(images, a.resolveURL(src))
			}
		})
	}

	attrs := make(map[string]string)
	if slug := catalogSlug(page.URL); slug != "" {
		attrs["catalog"] = slug
	}

	return &VendorRecord{
		Vendor:     a.cfg.Vendor,
		SourceURL:  sourceURL,
		Name:       title,
		Brand:      a.cfg.Brand,
		Category:   a.cfg.Category,
		Price:      price,
		ImageURLs:  images,
		Attributes: attrs,
		ScrapedAt:  time.Now(),
	}, nil
}

// tileKey fingerprints a tile for repeated-page detection. The product link
// is preferred; tiles without links fall back to the title text.
func (a *SiteAdapter) tileKey(s *goquery.Selection) string {
	if href, ok := s.Find(a.cfg.Selectors.Link).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
		return strings.TrimSpace(href)
	}
	return normalize.Clean(s.Find(a.cfg.Selectors.Title).First().Text())
}

// resolveURL makes a tile href absolute against the vendor's base URL.
func (a *SiteAdapter) resolveURL(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	base := strings.TrimSuffix(a.cfg.BaseURL, "/")
	if strings.HasPrefix(href, "/") {
		return base + href
	}
	return base + "/" + href
}

// tileImageURL picks the best image source attribute from an img or anchor.
func tileImageURL(s *goquery.Selection) string {
	for _, attr := range []string{"data-bc-lazy-path", "data-src", "src", "href"} {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// pageURL builds the URL for page n of a listing. Page one is the bare
// listing URL.
func pageURL(base, param string, n int) string {
	if n <= 1 {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set(param, strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String()
}

// catalogSlug derives the catalog context from a listing URL path.
func catalogSlug(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return ""
	}
	parts := strings.Split(path, "/")
	return parts[len(parts)-1]
}

var priceRunRe = regexp.MustCompile(`\d[\d\s]*`)

// ExtractPrice pulls the largest run of digits out of price text, tolerating
// thousands separators. "от 54 990 ₽" yields 54990; text without digits
// yields 0.
func ExtractPrice(text string) float64 {
	best := 0
	for _, run := range priceRunRe.FindAllString(text, -1) {
		var digits strings.Builder
		for _, r := range run {
			if r >= '0' && r <= '9' {
				digits.WriteRune(r)
			}
		}
		if digits.Len() == 0 {
			continue
		}
		v, err := strconv.Atoi(digits.String())
		if err != nil {
			continue
		}
		if v > best {
			best = v
		}
	}
	return float64(best)
}
