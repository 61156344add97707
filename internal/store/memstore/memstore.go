// Package memstore provides an in-memory implementation of store.Client.
// Suitable for dev/testing.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sift/internal/store"
)

// maxPulseContentLen caps pulse content returned by QueryPulses so a large
// pulse document cannot blow up prompt size.
const maxPulseContentLen = 2000

// Store holds triage source records in memory.
type Store struct {
	mu       sync.RWMutex
	frs      map[string][]store.FeatureRequest // product -> FRs
	pulses   map[string][]store.PulseItem      // product -> pulses
	ideas    map[string][]store.IdeaTitle      // product -> idea titles
	contents map[string]string                 // content id -> body
	audits   map[string]*auditDoc              // audit id -> document
}

type auditDoc struct {
	product string
	title   string
	entries []string
	status  store.AuditStatus
	notes   string
	created time.Time
}

// New initializes an empty in-memory Store.
func New() *Store {
	return &Store{
		frs:      make(map[string][]store.FeatureRequest),
		pulses:   make(map[string][]store.PulseItem),
		ideas:    make(map[string][]store.IdeaTitle),
		contents: make(map[string]string),
		audits:   make(map[string]*auditDoc),
	}
}

// AddFR seeds a feature request for a product.
func (s *Store) AddFR(product string, fr store.FeatureRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frs[product] = append(s.frs[product], fr)
}

// AddPulse seeds a pulse candidate for a product.
func (s *Store) AddPulse(product string, p store.PulseItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulses[product] = append(s.pulses[product], p)
}

// AddIdea seeds an idea candidate and its content for a product.
func (s *Store) AddIdea(product string, id, title, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ideas[product] = append(s.ideas[product], store.IdeaTitle{ID: id, Title: title})
	s.contents[id] = content
}

// SetContent seeds arbitrary content (product descriptions, idea bodies).
func (s *Store) SetContent(id, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents[id] = body
}

// QueryEligibleFRs returns the FRs for a product matching the filter.
func (s *Store) QueryEligibleFRs(_ context.Context, product string, f store.FRFilter) ([]store.FeatureRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.FeatureRequest
	for _, fr := range s.frs[product] {
		switch {
		case f.Unprocessed:
			if fr.Processed {
				continue
			}
		case !f.Since.IsZero():
			if fr.CreatedAt.Before(f.Since) {
				continue
			}
		}
		out = append(out, copyFR(fr))
	}
	return out, nil
}

// QueryPulses returns the pulse candidates for a product, content capped.
func (s *Store) QueryPulses(_ context.Context, product string) ([]store.PulseItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.PulseItem, 0, len(s.pulses[product]))
	for _, p := range s.pulses[product] {
		if len(p.Content) > maxPulseContentLen {
			p.Content = p.Content[:maxPulseContentLen]
		}
		out = append(out, p)
	}
	return out, nil
}

// QueryIdeaTitles returns the idea candidates for a product, titles only.
func (s *Store) QueryIdeaTitles(_ context.Context, product string) ([]store.IdeaTitle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.IdeaTitle(nil), s.ideas[product]...), nil
}

// GetContent returns the body for a content id.
func (s *Store) GetContent(_ context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.contents[id]
	if !ok {
		return "", fmt.Errorf("memstore: no content for id %s", id)
	}
	return body, nil
}

// CreateAuditRecord creates a fresh audit document.
func (s *Store) CreateAuditRecord(_ context.Context, product, title string) (*store.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ulid.Make().String()
	s.audits[id] = &auditDoc{product: product, title: title, created: time.Now()}
	return &store.AuditRecord{ID: id, URL: "memstore://audit/" + id}, nil
}

// AppendAuditContent appends a content block to an audit document.
func (s *Store) AppendAuditContent(_ context.Context, auditID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.audits[auditID]
	if !ok {
		return fmt.Errorf("memstore: no audit record %s", auditID)
	}
	doc.entries = append(doc.entries, content)
	return nil
}

// SetAuditStatus sets the closing status of an audit document.
func (s *Store) SetAuditStatus(_ context.Context, auditID string, status store.AuditStatus, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.audits[auditID]
	if !ok {
		return fmt.Errorf("memstore: no audit record %s", auditID)
	}
	doc.status = status
	doc.notes = notes
	return nil
}

// UpdateRelations replaces the named relation set of a feature request.
// Callers merge before calling; the store applies what it is given.
func (s *Store) UpdateRelations(_ context.Context, frID string, kind store.RelationKind, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for product, frs := range s.frs {
		for i := range frs {
			if frs[i].ID != frID {
				continue
			}
			switch kind {
			case store.RelationPulse:
				s.frs[product][i].PulseRelations = append([]string(nil), ids...)
			case store.RelationIdea:
				s.frs[product][i].IdeaRelations = append([]string(nil), ids...)
			default:
				return fmt.Errorf("memstore: unknown relation kind %q", kind)
			}
			return nil
		}
	}
	return fmt.Errorf("memstore: no feature request %s", frID)
}

// MarkProcessed flags a feature request as handled.
func (s *Store) MarkProcessed(_ context.Context, frID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for product, frs := range s.frs {
		for i := range frs {
			if frs[i].ID == frID {
				s.frs[product][i].Processed = true
				return nil
			}
		}
	}
	return fmt.Errorf("memstore: no feature request %s", frID)
}

// AuditEntries returns a copy of an audit document's entries, for tests.
func (s *Store) AuditEntries(auditID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.audits[auditID]
	if !ok {
		return nil
	}
	return append([]string(nil), doc.entries...)
}

// AuditStatus returns the closing status and notes of an audit document.
func (s *Store) AuditStatus(auditID string) (store.AuditStatus, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.audits[auditID]
	if !ok {
		return "", ""
	}
	return doc.status, doc.notes
}

// FR returns a copy of a seeded feature request, for tests.
func (s *Store) FR(frID string) (store.FeatureRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, frs := range s.frs {
		for _, fr := range frs {
			if fr.ID == frID {
				return copyFR(fr), true
			}
		}
	}
	return store.FeatureRequest{}, false
}

func copyFR(fr store.FeatureRequest) store.FeatureRequest {
	fr.PulseRelations = append([]string(nil), fr.PulseRelations...)
	fr.IdeaRelations = append([]string(nil), fr.IdeaRelations...)
	return fr
}
