package extract

import (
	"strings"
	"time"

	"github.com/receiptio/receiptd/internal/entity"
)

// Word is a single recognized token with its bounding box and a 0-100
// confidence, as emitted by the recognition engine.
type Word struct {
	Text       string  `json:"text"`
	Left       float64 `json:"left"`
	Top        float64 `json:"top"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
}

// ExtractedData holds the structured fields derived from raw OCR output.
// A nil field means no strategy produced a confident value; fields are
// never guessed.
type ExtractedData struct {
	StoreName    *string           `json:"store_name,omitempty"`
	PurchaseDate *time.Time        `json:"purchase_date,omitempty"`
	TotalAmount  *float64          `json:"total_amount,omitempty"`
	Items        []entity.LineItem `json:"items"`
}

// Config holds the tunable constants of the extraction heuristics. The
// geometric values are empirically tuned for common receipt layouts.
type Config struct {
	// TopRegionFraction is the fraction of the page height, measured from
	// the top, considered when reconstructing header lines from word geometry.
	TopRegionFraction float64
	// LineClusterTolerance is the maximum vertical distance (in engine
	// units) between words grouped onto the same reconstructed line.
	LineClusterTolerance float64
	// HighConfidence is the mean word confidence above which a
	// reconstructed line is preferred as a store name candidate.
	HighConfidence float64
}

// Engine derives structured receipt fields from raw OCR text plus optional
// word geometry. Each field is resolved independently by an ordered list of
// strategies; the first strategy producing a value wins for that field.
// Extract is a pure function of its inputs and never fails: the worst case
// is all-nil fields and an empty item list.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.TopRegionFraction <= 0 || cfg.TopRegionFraction > 1 {
		cfg.TopRegionFraction = 0.20
	}
	if cfg.LineClusterTolerance <= 0 {
		cfg.LineClusterTolerance = 10
	}
	if cfg.HighConfidence <= 0 {
		cfg.HighConfidence = 80
	}
	return &Engine{cfg: cfg}
}

// Extract resolves every field over the same pre-split lines.
func (e *Engine) Extract(text string, words []Word) ExtractedData {
	lines := splitLines(text)

	return ExtractedData{
		StoreName:    e.extractStoreName(lines, words),
		PurchaseDate: extractPurchaseDate(lines),
		TotalAmount:  extractTotalAmount(lines),
		Items:        extractItems(lines),
	}
}

// splitLines breaks raw OCR text into trimmed, non-empty lines.
func splitLines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, ln := range raw {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			lines = append(lines, ln)
		}
	}
	return lines
}
