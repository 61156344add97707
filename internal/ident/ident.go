// Package ident canonicalizes and validates store record identifiers.
//
// LLM responses echo record ids back to us, sometimes with altered casing or
// format, and sometimes fabricated outright. Every id that enters the pipeline
// from a model response goes through Normalize or Validate before it is
// trusted; validation is a set-membership test against a snapshot of the
// candidate ids taken before the model call.
package ident

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// The two shapes we accept: a bare 32-char hex string, or a hyphenated UUID.
// uuid.Parse is more permissive (urn: prefixes, braces), so shape is checked
// first and Parse only does the canonicalization.
var (
	hex32Re      = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
	hyphenUUIDRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// Normalize returns the lowercase hyphenated canonical form of an id, or
// ("", false) if the input is neither a 32-hex string nor a hyphenated UUID.
// Surrounding whitespace is trimmed; matching is case-insensitive.
func Normalize(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if !hex32Re.MatchString(s) && !hyphenUUIDRe.MatchString(s) {
		return "", false
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", false
	}
	return u.String(), true
}

// Validation is the outcome of checking proposed ids against a known set.
type Validation struct {
	// Valid holds canonical ids confirmed to be members of the known set,
	// in first-occurrence order.
	Valid []string
	// Invalid holds proposed ids that failed normalization or were not in
	// the known set, verbatim as supplied.
	Invalid []string
}

// Validate checks each proposed id against the known set. Ids that normalize
// to a member of the known set land in Valid (canonical form, deduplicated,
// first occurrence wins); everything else lands in Invalid as the original
// raw string.
func Validate(proposed, known []string) Validation {
	knownSet := make(map[string]struct{}, len(known))
	for _, k := range known {
		if c, ok := Normalize(k); ok {
			knownSet[c] = struct{}{}
		}
	}

	var v Validation
	seen := make(map[string]struct{}, len(proposed))
	for _, raw := range proposed {
		c, ok := Normalize(raw)
		if !ok {
			v.Invalid = append(v.Invalid, raw)
			continue
		}
		if _, member := knownSet[c]; !member {
			v.Invalid = append(v.Invalid, raw)
			continue
		}
		if _, dup := seen[c]; dup {
			// Duplicate of an already-accepted id: drop silently.
			continue
		}
		seen[c] = struct{}{}
		v.Valid = append(v.Valid, c)
	}
	return v
}

// Merge concatenates existing then new ids, normalizes each, drops entries
// that fail normalization, and deduplicates keeping the first occurrence.
// Existing-before-new ordering is preserved so relation updates always extend
// the prior set rather than replacing it.
func Merge(existing, newIDs []string) []string {
	out := make([]string, 0, len(existing)+len(newIDs))
	seen := make(map[string]struct{}, len(existing)+len(newIDs))
	for _, raw := range append(append([]string{}, existing...), newIDs...) {
		c, ok := Normalize(raw)
		if !ok {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
