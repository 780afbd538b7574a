package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// TesseractEngine recognizes text locally via gosseract. It never returns
// Overloaded; a local engine has no load-shedding tier.
type TesseractEngine struct {
	clientFactory func() *gosseract.Client
	languages     []string
}

// NewTesseractEngine constructs a Tesseract-backed engine. languages are
// trained-data hints (e.g. "eng"); empty means the installation default.
func NewTesseractEngine(languages ...string) *TesseractEngine {
	return &TesseractEngine{
		clientFactory: gosseract.NewClient,
		languages:     languages,
	}
}

func (e *TesseractEngine) Recognize(ctx context.Context, image []byte) Result {
	if err := ctx.Err(); err != nil {
		return Failed(err.Error())
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(image); err != nil {
		return Failed(fmt.Sprintf("set image: %v", err))
	}
	if len(e.languages) > 0 {
		if err := c.SetLanguage(e.languages...); err != nil {
			return Failed(fmt.Sprintf("set languages: %v", err))
		}
	}
	text, err := c.Text()
	if err != nil {
		return Failed(fmt.Sprintf("recognize text: %v", err))
	}
	return Parsed(normalize(text))
}

// normalize reshapes raw engine output into the flattened form the pipeline
// stores: single-spaced words, one newline-terminated line per source line,
// empty lines dropped.
func normalize(text string) string {
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		words := strings.Fields(line)
		if len(words) == 0 {
			continue
		}
		b.WriteString(strings.Join(words, " "))
		b.WriteByte('\n')
	}
	return b.String()
}
