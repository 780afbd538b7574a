// Package ocr performs text recognition on receipt images. Outcomes are data,
// not control flow: an Engine always returns a tagged Result, never panics or
// signals expected upstream conditions through errors.
package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ResultKind tags the outcome of one recognition attempt.
type ResultKind int

const (
	// KindParsed means recognition succeeded and Text holds the flattened output.
	KindParsed ResultKind = iota
	// KindOverloaded means the upstream rejected the call under load; the
	// caller decides between transport redelivery and escalation.
	KindOverloaded
	// KindFailed means a terminal failure; Reason holds the diagnostic.
	KindFailed
)

// Result is the outcome of one recognition attempt.
type Result struct {
	Kind   ResultKind
	Text   string
	Reason string
}

func Parsed(text string) Result   { return Result{Kind: KindParsed, Text: text} }
func Overloaded() Result          { return Result{Kind: KindOverloaded} }
func Failed(reason string) Result { return Result{Kind: KindFailed, Reason: reason} }

// Engine recognizes the text in one encoded image.
type Engine interface {
	Recognize(ctx context.Context, image []byte) Result
}

// ReadResponse is the structured OCR endpoint response. Geometry and
// orientation metadata is accepted on the wire but not modeled; only the
// region/line/word text hierarchy matters here.
type ReadResponse struct {
	Language string   `json:"language"`
	Regions  []Region `json:"regions"`
}

type Region struct {
	Lines []Line `json:"lines"`
}

type Line struct {
	Words []Word `json:"words"`
}

type Word struct {
	Text string `json:"text"`
}

// ParseReadResponse decodes the endpoint response, failing loudly on shape
// mismatch rather than at first field access.
func ParseReadResponse(data []byte) (ReadResponse, error) {
	var r ReadResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return ReadResponse{}, fmt.Errorf("decode ocr response: %w", err)
	}
	if r.Regions == nil {
		return ReadResponse{}, fmt.Errorf("decode ocr response: missing regions")
	}
	return r, nil
}

// Flatten concatenates word texts with single spaces within a line and emits
// one newline-terminated line per source line, preserving region and line
// order and discarding all layout metadata.
func Flatten(r ReadResponse) string {
	var b strings.Builder
	for _, region := range r.Regions {
		for _, line := range region.Lines {
			for i, w := range line.Words {
				if i > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(w.Text)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}
