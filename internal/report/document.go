package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Document is the persisted JSON form of a completed job.
type Document struct {
	Timestamp          time.Time         `json:"timestamp"`
	UserID             string            `json:"user_id"`
	RunID              string            `json:"run_id"`
	TargetURL          string            `json:"target_url"`
	Category           string            `json:"category"`
	SelectedFields     []string          `json:"selected_fields"`
	TotalLinks         int               `json:"total_links"`
	TotalProducts      int               `json:"total_products"`
	SuccessfulProducts int               `json:"successful_products"`
	FailedProducts     int               `json:"failed_products"`
	TotalSellers       int               `json:"total_sellers"`
	SuccessfulSellers  int               `json:"successful_sellers"`
	ElapsedSeconds     float64           `json:"elapsed_seconds"`
	SecondsPerProduct  float64           `json:"seconds_per_product"`
	Products           []DocumentProduct `json:"products"`
}

// DocumentProduct is a product with its joined seller.
type DocumentProduct struct {
	harvest.ProductRecord
	Seller *harvest.SellerRecord `json:"seller,omitempty"`
}

// NewDocument builds the JSON document for a bundle.
func NewDocument(b harvest.ResultBundle) Document {
	doc := Document{
		Timestamp:          b.Stats.FinishedAt,
		UserID:             b.UserID,
		RunID:              b.RunID,
		TargetURL:          b.TargetURL,
		Category:           b.Category,
		SelectedFields:     b.SelectedFields,
		TotalLinks:         b.Stats.TotalLinks,
		TotalProducts:      b.Stats.TotalProducts,
		SuccessfulProducts: b.Stats.SuccessfulProducts,
		FailedProducts:     b.Stats.FailedProducts,
		TotalSellers:       b.Stats.TotalSellers,
		SuccessfulSellers:  b.Stats.SuccessfulSellers,
		ElapsedSeconds:     b.Stats.Elapsed.Seconds(),
		SecondsPerProduct:  b.Stats.MeanPerProduct.Seconds(),
		Products:           make([]DocumentProduct, 0, len(b.Products)),
	}
	for _, row := range Rows(b) {
		dp := DocumentProduct{ProductRecord: row.Product}
		if row.Seller.SellerID != "" {
			seller := row.Seller
			dp.Seller = &seller
		}
		doc.Products = append(doc.Products, dp)
	}
	return doc
}

// JSONWriter stores the bundle document through a BlobStore.
type JSONWriter struct {
	store harvest.BlobStore
}

// NewJSONWriter builds a writer on store.
func NewJSONWriter(store harvest.BlobStore) *JSONWriter {
	return &JSONWriter{store: store}
}

// Write marshals the document and stores it at <dir>/category_<category>.json.
func (w *JSONWriter) Write(ctx context.Context, b harvest.ResultBundle) (string, error) {
	if w.store == nil {
		return "", errors.New("json writer has no blob store")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(NewDocument(b)); err != nil {
		return "", fmt.Errorf("encode report document: %w", err)
	}
	uri, err := w.store.PutObject(ctx, ArtifactPath(b, "json"), "application/json", &buf)
	if err != nil {
		return "", fmt.Errorf("store report document: %w", err)
	}
	return uri, nil
}
