package harvest

import (
	"net/http"
	"time"
)

// Stage names one phase of a harvest pipeline.
type Stage string

// Pipeline stages in execution order, plus the idle marker.
const (
	StageLinks    Stage = "links"
	StageProducts Stage = "products"
	StageSellers  Stage = "sellers"
	StageIdle     Stage = "idle"
)

// WorkItem references one unit of work routed to a stage worker. ID is the article or
// seller identifier; URL and ImageURL carry link-stage context when known.
type WorkItem struct {
	ID       string
	URL      string
	ImageURL string
}

// ProductRecord is the outcome of processing one product WorkItem.
type ProductRecord struct {
	Article       string `json:"article"`
	Name          string `json:"name"`
	CompanyName   string `json:"company_name"`
	INN           string `json:"inn"`
	ImageURL      string `json:"image_url"`
	ProductURL    string `json:"product_url"`
	CardPrice     int    `json:"card_price"`
	Price         int    `json:"price"`
	OriginalPrice int    `json:"original_price"`
	SellerID      string `json:"seller_id"`
	SellerLink    string `json:"seller_link"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

// SellerRecord is the outcome of processing one seller WorkItem.
type SellerRecord struct {
	SellerID      string `json:"seller_id"`
	CompanyName   string `json:"company_name"`
	INN           string `json:"inn"`
	OrdersCount   string `json:"orders_count"`
	ReviewsCount  string `json:"reviews_count"`
	WorkingTime   string `json:"working_time"`
	AverageRating string `json:"average_rating"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

// Stats summarises one completed job.
type Stats struct {
	TotalLinks         int           `json:"total_links"`
	TotalProducts      int           `json:"total_products"`
	SuccessfulProducts int           `json:"successful_products"`
	FailedProducts     int           `json:"failed_products"`
	TotalSellers       int           `json:"total_sellers"`
	SuccessfulSellers  int           `json:"successful_sellers"`
	StartedAt          time.Time     `json:"started_at"`
	FinishedAt         time.Time     `json:"finished_at"`
	Elapsed            time.Duration `json:"elapsed"`
	MeanPerProduct     time.Duration `json:"mean_per_product"`
}

// ResultBundle is the aggregated output of one user's completed job. Sellers is keyed by
// seller identifier.
type ResultBundle struct {
	UserID         string                  `json:"user_id"`
	RunID          string                  `json:"run_id"`
	TargetURL      string                  `json:"target_url"`
	Category       string                  `json:"category"`
	Links          map[string]string       `json:"links"`
	Products       []ProductRecord         `json:"products"`
	Sellers        map[string]SellerRecord `json:"sellers"`
	SelectedFields []string                `json:"selected_fields"`
	Stats          Stats                   `json:"stats"`
}

// FetchRequest describes one navigation issued by a fetch session.
type FetchRequest struct {
	URL     string
	Stage   Stage
	ItemID  string
	Headers http.Header
}
