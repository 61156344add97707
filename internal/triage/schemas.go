package triage

import (
	"fmt"
	"strings"

	"github.com/linnemanlabs/sift/internal/llm"
)

// alignmentPayload is the expected response shape of the product-alignment
// call.
type alignmentPayload struct {
	Verdict          string  `json:"verdict"`
	Confidence       float64 `json:"confidence"`
	SuggestedProduct string  `json:"suggested_product"`
	Reason           string  `json:"reason"`
}

func (p alignmentPayload) Validate() []llm.FieldError {
	var errs []llm.FieldError
	if strings.TrimSpace(p.Verdict) == "" {
		errs = append(errs, llm.FieldError{Path: "verdict", Message: "must be a non-empty string"})
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		errs = append(errs, llm.FieldError{Path: "confidence", Message: fmt.Sprintf("must be between 0 and 1, got %v", p.Confidence)})
	}
	if strings.TrimSpace(p.Reason) == "" {
		errs = append(errs, llm.FieldError{Path: "reason", Message: "must be a non-empty string"})
	}
	return errs
}

// matchPayload is one proposed match inside a matchListPayload.
type matchPayload struct {
	ID         string  `json:"id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// matchListPayload is the expected response shape of the Pulse-matching and
// Idea-matching calls. An empty matches list is valid: it means no candidates
// fit.
type matchListPayload struct {
	Matches []matchPayload `json:"matches"`
}

func (p matchListPayload) Validate() []llm.FieldError {
	var errs []llm.FieldError
	for i, m := range p.Matches {
		if strings.TrimSpace(m.ID) == "" {
			errs = append(errs, llm.FieldError{Path: fmt.Sprintf("matches[%d].id", i), Message: "must be a non-empty string"})
		}
		if m.Confidence < 0 || m.Confidence > 1 {
			errs = append(errs, llm.FieldError{Path: fmt.Sprintf("matches[%d].confidence", i), Message: fmt.Sprintf("must be between 0 and 1, got %v", m.Confidence)})
		}
	}
	return errs
}

// shortlistPayload is the expected response shape of the Idea-shortlist call:
// candidate ids only, no confidence. An empty list is valid.
type shortlistPayload struct {
	IDs []string `json:"ids"`
}

func (p shortlistPayload) Validate() []llm.FieldError {
	var errs []llm.FieldError
	for i, id := range p.IDs {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, llm.FieldError{Path: fmt.Sprintf("ids[%d]", i), Message: "must be a non-empty string"})
		}
	}
	return errs
}

// summaryPayload is the free-text run-summary response.
type summaryPayload struct {
	Summary string `json:"summary"`
}

func (p summaryPayload) Validate() []llm.FieldError {
	if strings.TrimSpace(p.Summary) == "" {
		return []llm.FieldError{{Path: "summary", Message: "must be a non-empty string"}}
	}
	return nil
}
