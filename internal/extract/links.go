package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Link is a product discovered on a category page.
type Link struct {
	Article  string
	URL      string
	ImageURL string
}

var tileWidgetPrefixes = []string{"searchResultsV2-", "tileGridDesktop-"}

type tileGrid struct {
	Items []struct {
		Action struct {
			Link string `json:"link"`
		} `json:"action"`
		TileImage struct {
			Items []struct {
				Image struct {
					Link string `json:"link"`
				} `json:"image"`
			} `json:"items"`
		} `json:"tileImage"`
	} `json:"items"`
}

// LinksFromPayload collects product tiles from the search result widgets of a category
// payload. Relative links are resolved against base.
func LinksFromPayload(p Payload, base string) []Link {
	var out []Link
	for _, prefix := range tileWidgetPrefixes {
		for _, w := range p.WithPrefix(prefix) {
			var grid tileGrid
			if err := w.Decode(&grid); err != nil {
				continue
			}
			for _, item := range grid.Items {
				link, ok := newLink(base, item.Action.Link)
				if !ok {
					continue
				}
				for _, img := range item.TileImage.Items {
					if img.Image.Link != "" {
						link.ImageURL = img.Image.Link
						break
					}
				}
				out = append(out, link)
			}
		}
	}
	return out
}

// LinksFromHTML scans a rendered category page for product anchors.
func LinksFromHTML(page, base string) []Link {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil
	}
	var out []Link
	doc.Find(`a[href*="/product/"]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link, ok := newLink(base, href)
		if !ok {
			return
		}
		if src, ok := s.Find("img").First().Attr("src"); ok {
			link.ImageURL = src
		}
		out = append(out, link)
	})
	return out
}

func newLink(base, href string) (Link, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return Link{}, false
	}
	article, ok := ArticleFromURL(href)
	if !ok {
		return Link{}, false
	}
	abs := href
	if baseURL, err := url.Parse(base); err == nil {
		if ref, err := url.Parse(href); err == nil {
			resolved := baseURL.ResolveReference(ref)
			resolved.RawQuery = ""
			resolved.Fragment = ""
			abs = resolved.String()
		}
	}
	return Link{Article: article, URL: abs}, true
}
