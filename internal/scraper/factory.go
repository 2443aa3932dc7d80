package scraper

import (
	"dvermarket/catalogworker/config"
	"dvermarket/catalogworker/logger"
)

// NewAdapters creates the adapters for every vendor with a configured
// listing URL. The vendor set is closed; adding a vendor means adding a
// configuration here, not changing the orchestration.
func NewAdapters(cfg *config.Config, fetcher *Fetcher, browser *BrowserClient) []Adapter {
	configurations := []VendorConfig{
		{
			Vendor:   "labirint",
			URL:      cfg.LabirintURL,
			BaseURL:  "https://labirintdoors.ru",
			Brand:    "Labirint",
			Category: "entry",
			MaxPages: cfg.MaxPagesPerRun,
			Selectors: Selectors{
				ProductList: "ul.products-list-01-list li.products-list-01-item",
				Title:       ".products-list-01-item__header a",
				Link:        ".products-list-01-item__header a",
				Thumbnail:   ".products-list-01-item__img img",
				Price:       ".products-list-01-item__price, .product-01__price",
			},
		},
		{
			Vendor:   "bunker",
			URL:      cfg.BunkerURL,
			BaseURL:  "https://bunkerdoors.ru",
			Brand:    "Bunker",
			Category: "entry",
			MaxPages: cfg.MaxPagesPerRun,
			Selectors: Selectors{
				ProductList: "li.products-list-01-item",
				Title:       ".products-list-01-item__header a",
				Link:        ".products-list-01-item__img a, .products-list-01-item__header a",
				Thumbnail:   ".products-list-01-item__img img",
				Price:       ".products-list-01-item__price, .product-01__price",
			},
		},
		{
			// Bitrix storefront, hence the PAGEN pagination parameter.
			Vendor:    "intecron",
			URL:       cfg.IntecronURL,
			BaseURL:   "https://intecron-msk.ru",
			Brand:     "Intecron",
			Category:  "entry",
			PageParam: "PAGEN_1",
			MaxPages:  cfg.MaxPagesPerRun,
			Selectors: Selectors{
				ProductList: "div.product-item",
				Title:       ".product-item-title a, .product-item-title",
				Link:        ".product-item-title a",
				Thumbnail:   ".product-item-image-wrapper img, img",
				Price:       ".product-item-price-current, .price",
			},
		},
		{
			// Listing tiles are rendered client side.
			Vendor:     "asdoors",
			URL:        cfg.AsDoorsURL,
			BaseURL:    "https://as-doors.ru",
			Brand:      "AS-Doors",
			Category:   "entry",
			MaxPages:   cfg.MaxPagesPerRun,
			UseBrowser: true,
			Selectors: Selectors{
				ProductList: "div.item4",
				Title:       "a.title, div.title",
				Link:        "a.title, a[href]",
				Thumbnail:   "div.thumb img",
				Price:       "div.price",
			},
		},
	}

	var adapters []Adapter
	for _, vc := range configurations {
		if vc.URL == "" {
			continue
		}
		adapters = append(adapters, NewSiteAdapter(vc, fetcher.FetchFunc(vc.Vendor), browser))
	}

	logger.Info("created %d vendor adapters", len(adapters))
	return adapters
}
