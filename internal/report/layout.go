package report

import (
	"context"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// TimestampLayout formats report directory timestamps.
const TimestampLayout = "20060102_150405"

// Writer persists one rendering of a bundle and returns its URI.
type Writer interface {
	Write(ctx context.Context, bundle harvest.ResultBundle) (string, error)
}

// CategoryName returns the last non-empty path segment of a category URL, or
// "category" when there is none.
func CategoryName(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "category"
	}
	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(segments) == 0 {
		return "category"
	}
	return segments[len(segments)-1]
}

// Dir returns the artifact directory for a bundle: <category>_<timestamp>.
func Dir(b harvest.ResultBundle) string {
	category := b.Category
	if category == "" {
		category = CategoryName(b.TargetURL)
	}
	ts := b.Stats.FinishedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return category + "_" + ts.UTC().Format(TimestampLayout)
}

// ArtifactPath returns <dir>/category_<category>.<ext>.
func ArtifactPath(b harvest.ResultBundle, ext string) string {
	category := b.Category
	if category == "" {
		category = CategoryName(b.TargetURL)
	}
	return path.Join(Dir(b), "category_"+category+"."+ext)
}
