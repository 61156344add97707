package triage

import (
	"fmt"
	"strings"

	"github.com/linnemanlabs/sift/internal/product"
	"github.com/linnemanlabs/sift/internal/store"
)

// Built-in stage system prompts. A product may override any of them via its
// prompts config block.

const defaultAlignmentPrompt = `You are a product triage assistant. You decide whether a user-submitted feature request belongs to the product described below.

Respond with only a JSON object of this shape:
{"verdict": "...", "confidence": 0.0, "suggested_product": "...", "reason": "..."}

Rules:
- "verdict" is the product name if the request belongs to it, "other" if it clearly belongs elsewhere, or "uncertain" if you cannot decide.
- "confidence" is your confidence in the verdict, between 0 and 1.
- "suggested_product" names the product you think the request belongs to when the verdict is "other"; otherwise leave it empty.
- "reason" is one or two sentences of rationale.`

const defaultPulsesPrompt = `You are a product triage assistant. You link a feature request to the strategic themes ("Pulses") it supports.

Respond with only a JSON object of this shape:
{"matches": [{"id": "...", "confidence": 0.0, "reason": "..."}]}

Rules:
- Only use ids that appear in the candidate list. Never invent an id.
- Include a candidate only if the request genuinely supports that theme.
- "confidence" is between 0 and 1. An empty "matches" list is a valid answer.`

const defaultShortlistPrompt = `You are a product triage assistant. From the backlog item titles below, shortlist the ones that might describe the same need as the feature request. This is a broad first pass; a second pass with full content follows.

Respond with only a JSON object of this shape:
{"ids": ["..."]}

Rules:
- Only use ids that appear in the candidate list. Never invent an id.
- An empty "ids" list is a valid answer.`

const defaultIdeasPrompt = `You are a product triage assistant. You decide which of the shortlisted backlog items ("Ideas") below describe the same need as the feature request, now with their full content.

Respond with only a JSON object of this shape:
{"matches": [{"id": "...", "confidence": 0.0, "reason": "..."}]}

Rules:
- Only use ids that appear in the candidate list. Never invent an id.
- "confidence" is between 0 and 1. An empty "matches" list is a valid answer.`

const defaultSummaryPrompt = `You are a product triage assistant. Summarize the triage run below for a product manager's channel: how many requests were processed, what was linked where, and anything that needs human review.

Respond with only a JSON object of this shape:
{"summary": "..."}

Be concise and operational. A few short paragraphs at most.`

// stagePrompt returns the product's override for a stage prompt, or the
// built-in default when unset.
func stagePrompt(override, fallback string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return fallback
}

// buildAlignmentMessage constructs the user message for the alignment call.
func buildAlignmentMessage(cfg *product.Config, description string, fr store.FeatureRequest) string {
	return fmt.Sprintf(`Product: %s

Product description:
%s

Feature request %s: %s

%s

Does this feature request belong to %s?`,
		cfg.Name, description, fr.ID, fr.Title, fr.Content, cfg.Name)
}

// buildPulsesMessage constructs the user message for the Pulse-matching call,
// listing the full candidate set with content.
func buildPulsesMessage(fr store.FeatureRequest, pulses []store.PulseItem) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Feature request %s: %s\n\n%s\n\nCandidate themes:\n", fr.ID, fr.Title, fr.Content)
	for _, p := range pulses {
		fmt.Fprintf(&sb, "- id: %s\n  title: %s\n  content: %s\n", p.ID, p.Title, p.Content)
	}
	sb.WriteString("\nWhich candidate themes does this feature request support?")
	return sb.String()
}

// buildShortlistMessage constructs the user message for the Idea-shortlist
// call, titles only.
func buildShortlistMessage(fr store.FeatureRequest, ideas []store.IdeaTitle) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Feature request %s: %s\n\n%s\n\nCandidate backlog items:\n", fr.ID, fr.Title, fr.Content)
	for _, it := range ideas {
		fmt.Fprintf(&sb, "- id: %s\n  title: %s\n", it.ID, it.Title)
	}
	sb.WriteString("\nShortlist the candidates that might describe the same need.")
	return sb.String()
}

// buildIdeasMessage constructs the user message for the Idea-matching call
// with the enriched shortlisted candidates.
func buildIdeasMessage(fr store.FeatureRequest, ideas []store.IdeaWithContent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Feature request %s: %s\n\n%s\n\nShortlisted backlog items:\n", fr.ID, fr.Title, fr.Content)
	for _, it := range ideas {
		fmt.Fprintf(&sb, "- id: %s\n  title: %s\n  content: %s\n", it.ID, it.Title, it.Content)
	}
	sb.WriteString("\nWhich shortlisted items describe the same need as this feature request?")
	return sb.String()
}

// buildSummaryMessage constructs the user message for the run summary.
func buildSummaryMessage(cfg *product.Config, auditContent string) string {
	return fmt.Sprintf(`Product: %s

Triage run audit trail:

%s

Summarize this run.`, cfg.Name, auditContent)
}
