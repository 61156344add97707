// Package triage provides the business boundary for Sift's feature-request
// triage pipeline. It defines the Service (run registry, dedup, batching,
// async dispatch), Engine (per-FR alignment and matching against the
// completion client), the preparation and finalize phases, and domain models.
package triage
