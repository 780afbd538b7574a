package models

import (
	"time"
)

// Receipt processing statuses persisted to the record store.
const (
	StatusProcessing = "Processing"
	StatusRetrying   = "Retrying"
	StatusComplete   = "Complete"
	StatusError      = "Error"
)

// Stage message steps. The coordinator acts only on these; anything else is
// ignored for forward compatibility.
const (
	StepStart    = 0
	StepFinalize = 1
	StepRetry    = 99
)

// Outcome status codes carried on the OCR callback.
const (
	OutcomeSuccess = "Success"
	OutcomeError   = "Error"
	OutcomeRetry   = "Retry"
)

// StageMessage drives the coordinator's state machine. It is flat and
// self-describing so the coordinator needs no other context to act.
type StageMessage struct {
	ItemID string `json:"item_id"`
	Owner  string `json:"owner,omitempty"`
	Status string `json:"status,omitempty"`
	Step   int    `json:"step"`
}

// DispatchRequest instructs the dispatcher to perform one OCR call and report
// the result to CallbackURL. ImageURL is a time-bounded read link minted at
// dispatch time.
type DispatchRequest struct {
	ItemID      string `json:"item_id"`
	Kind        string `json:"kind"`
	ImageURL    string `json:"image_url"`
	CallbackURL string `json:"callback_url"`
}

// Outcome is the callback payload reporting one OCR call's result. Field
// names are fixed by the callback contract.
type Outcome struct {
	ItemID     string `json:"ItemId"`
	StatusCode string `json:"StatusCode"`
	Text       string `json:"Text,omitempty"`
	ErrorText  string `json:"ErrorText,omitempty"`
}

// Record is the durable view of one job, keyed by id.
type Record struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	Status        string    `json:"status"`
	ExtractedText string    `json:"extracted_text,omitempty"`
	ErrorText     string    `json:"error_text,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RecordFields is a partial record for merge upserts; nil fields are left
// untouched on an existing row.
type RecordFields struct {
	Owner         *string
	Status        *string
	ExtractedText *string
	ErrorText     *string
}

// String returns a pointer to s, for building RecordFields literals.
func String(s string) *string {
	return &s
}
