package extract

import (
	"fmt"
	"regexp"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// SellerLinkBase is the canonical prefix for seller profile links.
const SellerLinkBase = "https://ozon.ru/seller/"

var (
	articlePattern  = regexp.MustCompile(`/product/[^/?#]+-(\d+)/?`)
	articleBare     = regexp.MustCompile(`/product/(\d+)/?`)
	sellerIDPattern = regexp.MustCompile(`/seller/(?:[^/?#]*-)?(\d+)/?`)
)

type stickyProduct struct {
	Name          string `json:"name"`
	CoverImageURL string `json:"coverImageUrl"`
	Seller        struct {
		Name string `json:"name"`
		Link string `json:"link"`
	} `json:"seller"`
}

type priceWidget struct {
	CardPrice     string `json:"cardPrice"`
	Price         string `json:"price"`
	OriginalPrice string `json:"originalPrice"`
}

type productHeading struct {
	Title string `json:"title"`
}

// ArticleFromURL returns the numeric article id embedded in a product URL.
func ArticleFromURL(raw string) (string, bool) {
	if m := articlePattern.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}
	if m := articleBare.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}
	return "", false
}

// SellerIDFromLink returns the numeric seller id embedded in a seller link.
func SellerIDFromLink(link string) (string, bool) {
	m := sellerIDPattern.FindStringSubmatch(link)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ParseProduct turns a product payload into a record. The record is successful when a
// name or any price was found.
func ParseProduct(item harvest.WorkItem, raw string) (harvest.ProductRecord, error) {
	rec := harvest.ProductRecord{
		Article:    item.ID,
		ProductURL: item.URL,
		ImageURL:   item.ImageURL,
	}
	p, err := ParsePayload(raw)
	if err != nil {
		return rec, err
	}

	var sticky stickyProduct
	if p.Locate("webStickyProducts-", &sticky) {
		rec.Name = cleanText(sticky.Name)
		rec.CompanyName = CleanCompanyName(sticky.Seller.Name)
		if rec.ImageURL == "" {
			rec.ImageURL = sticky.CoverImageURL
		}
		if id, ok := SellerIDFromLink(sticky.Seller.Link); ok {
			rec.SellerID = id
			rec.SellerLink = SellerLinkBase + id
		}
	}
	if rec.Name == "" {
		var heading productHeading
		if p.Locate("webProductHeading-", &heading) {
			rec.Name = cleanText(heading.Title)
		}
	}

	var price priceWidget
	if p.Locate("webPrice-", &price) {
		rec.CardPrice = ParsePrice(price.CardPrice)
		rec.Price = ParsePrice(price.Price)
		rec.OriginalPrice = ParsePrice(price.OriginalPrice)
	}

	if rec.Name == "" && rec.CardPrice == 0 && rec.Price == 0 && rec.OriginalPrice == 0 {
		return rec, fmt.Errorf("%w: product %s has no name or price", harvest.ErrParseFailure, item.ID)
	}
	rec.Success = true
	return rec, nil
}
