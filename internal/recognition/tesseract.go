package recognition

import (
	"fmt"

	"github.com/otiai10/gosseract/v2"

	"github.com/receiptio/receiptd/internal/extract"
)

// tesseractClient adapts a gosseract client to the EngineClient surface.
type tesseractClient struct {
	client *gosseract.Client
}

// NewTesseractFactory returns a factory producing configured gosseract
// clients, for use with NewAdapter.
func NewTesseractFactory(cfg Config) func() (EngineClient, error) {
	return func() (EngineClient, error) {
		client := gosseract.NewClient()
		if cfg.TessdataDir != "" {
			if err := client.SetTessdataPrefix(cfg.TessdataDir); err != nil {
				client.Close()
				return nil, fmt.Errorf("set tessdata dir: %w", err)
			}
		}
		lang := cfg.Language
		if lang == "" {
			lang = "eng"
		}
		if err := client.SetLanguage(lang); err != nil {
			client.Close()
			return nil, fmt.Errorf("set language: %w", err)
		}
		return &tesseractClient{client: client}, nil
	}
}

func (t *tesseractClient) SetImage(path string) error {
	return t.client.SetImage(path)
}

func (t *tesseractClient) Text() (string, error) {
	return t.client.Text()
}

// Words maps gosseract word boxes onto the extraction engine's geometry
// model. Confidence stays on the engine's native 0-100 scale.
func (t *tesseractClient) Words() ([]extract.Word, error) {
	boxes, err := t.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, err
	}
	words := make([]extract.Word, 0, len(boxes))
	for _, b := range boxes {
		words = append(words, extract.Word{
			Text:       b.Word,
			Left:       float64(b.Box.Min.X),
			Top:        float64(b.Box.Min.Y),
			Width:      float64(b.Box.Dx()),
			Height:     float64(b.Box.Dy()),
			Confidence: b.Confidence,
		})
	}
	return words, nil
}

func (t *tesseractClient) Close() error {
	return t.client.Close()
}
