package worker

import (
	"strings"

	"github.com/JakeFAU/catalog-harvester/internal/extract"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// ComposerPath is the JSON page endpoint relative to the site base URL.
const ComposerPath = "/api/composer-api.bx/page/json/v2"

// ComposerURL builds the composer request for a site-relative page path. The page path
// is passed through verbatim, including its own query string.
func ComposerURL(baseURL, pagePath string) string {
	return strings.TrimRight(baseURL, "/") + ComposerPath + "?url=" + pagePath
}

// ProductRequestURL returns the composer request for one article.
func ProductRequestURL(baseURL, article string) string {
	return ComposerURL(baseURL, "/product/"+article+"/") + "&__rr=1"
}

// SellerRequestURL returns the composer request for one seller's shop modal.
func SellerRequestURL(baseURL, sellerID string) string {
	return ComposerURL(baseURL, "/modal/shop-in-shop-info?seller_id="+sellerID+"&page_changed=true")
}

// ProductProcessor fetches and parses product pages.
type ProductProcessor struct {
	BaseURL string
}

// Stage implements Processor.
func (ProductProcessor) Stage() harvest.Stage { return harvest.StageProducts }

// Request implements Processor.
func (p ProductProcessor) Request(item harvest.WorkItem) harvest.FetchRequest {
	return harvest.FetchRequest{
		URL:    ProductRequestURL(p.BaseURL, item.ID),
		Stage:  harvest.StageProducts,
		ItemID: item.ID,
	}
}

// Parse implements Processor.
func (ProductProcessor) Parse(item harvest.WorkItem, payload string) (harvest.ProductRecord, error) {
	return extract.ParseProduct(item, payload)
}

// Failed implements Processor.
func (ProductProcessor) Failed(item harvest.WorkItem, err error) harvest.ProductRecord {
	return harvest.ProductRecord{
		Article:    item.ID,
		ProductURL: item.URL,
		ImageURL:   item.ImageURL,
		Error:      err.Error(),
	}
}

// SellerProcessor fetches and parses seller shop modals.
type SellerProcessor struct {
	BaseURL string
}

// Stage implements Processor.
func (SellerProcessor) Stage() harvest.Stage { return harvest.StageSellers }

// Request implements Processor.
func (p SellerProcessor) Request(item harvest.WorkItem) harvest.FetchRequest {
	return harvest.FetchRequest{
		URL:    SellerRequestURL(p.BaseURL, item.ID),
		Stage:  harvest.StageSellers,
		ItemID: item.ID,
	}
}

// Parse implements Processor.
func (SellerProcessor) Parse(item harvest.WorkItem, payload string) (harvest.SellerRecord, error) {
	return extract.ParseSeller(item.ID, payload)
}

// Failed implements Processor.
func (SellerProcessor) Failed(item harvest.WorkItem, err error) harvest.SellerRecord {
	return harvest.SellerRecord{SellerID: item.ID, Error: err.Error()}
}
