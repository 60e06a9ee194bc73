// Package protocol maintains stain/region protocol associations and
// suggests protocols for records that have none.
package protocol

import (
	"strings"

	"dsawrangler/internal/core/record"
	"dsawrangler/internal/infra/logx"
)

const (
	// IgnoreProtocol marks a local type id the operator chose not to map.
	// It never counts towards suggestion statistics.
	IgnoreProtocol = "IGNORE"
	// FuzzyPenalty scales confidence when the suggestion comes from a
	// similar, not identical, local type id.
	FuzzyPenalty = 0.8
)

// Engine applies mapping mutations to a Store.
type Engine struct {
	store   *record.Store
	ignore  string
	penalty float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithIgnoreName overrides IgnoreProtocol.
func WithIgnoreName(name string) Option {
	return func(e *Engine) {
		if name = strings.TrimSpace(name); name != "" {
			e.ignore = name
		}
	}
}

// WithFuzzyPenalty overrides FuzzyPenalty; values outside (0,1] are ignored.
func WithFuzzyPenalty(p float64) Option {
	return func(e *Engine) {
		if p > 0 && p <= 1 {
			e.penalty = p
		}
	}
}

// New creates an Engine bound to store.
func New(store *record.Store, opts ...Option) *Engine {
	e := &Engine{store: store, ignore: IgnoreProtocol, penalty: FuzzyPenalty}
	for _, o := range opts {
		o(e)
	}
	return e
}

// AddMapping appends protocolName to the record's kind sequence. Adding a
// protocol that is already present changes nothing and does not mark dirty.
func (e *Engine) AddMapping(recordID, protocolName string, kind record.ProtocolKind) (bool, error) {
	protocolName = strings.TrimSpace(protocolName)
	added, err := e.store.AddProtocol(recordID, kind, protocolName)
	if err != nil {
		return false, err
	}
	if added {
		logx.Debug("protocol mapped", logx.F{"record": recordID, "protocol": protocolName, "kind": string(kind)})
	}
	return added, nil
}

// RemoveMapping removes the first occurrence of protocolName. A missing
// protocol is logged and reported as false.
func (e *Engine) RemoveMapping(recordID, protocolName string, kind record.ProtocolKind) (bool, error) {
	protocolName = strings.TrimSpace(protocolName)
	removed, err := e.store.RemoveProtocol(recordID, kind, protocolName)
	if err != nil {
		return false, err
	}
	if !removed {
		logx.Warn("protocol not mapped on record", logx.F{"record": recordID, "protocol": protocolName, "kind": string(kind)})
	}
	return removed, nil
}

// Candidate groups unmapped records sharing one local type id together with
// the suggestion for them.
type Candidate struct {
	LocalTypeID string
	Kind        record.ProtocolKind
	RecordIDs   []string
	Suggestion  Suggestion
}

// SuggestUnmapped proposes protocols for every local type id that has at
// least one record without a kind protocol. Only suggestions with confidence
// >= minConfidence are returned. It does not mutate the store.
func (e *Engine) SuggestUnmapped(kind record.ProtocolKind, minConfidence float64) []Candidate {
	recs := e.store.Records()
	byLocal := make(map[string]*Candidate)
	var order []string
	for _, r := range recs {
		local := strings.TrimSpace(r.LocalTypeID(kind))
		if local == "" || len(r.Protocols(kind)) > 0 {
			continue
		}
		c, ok := byLocal[local]
		if !ok {
			c = &Candidate{LocalTypeID: local, Kind: kind}
			byLocal[local] = c
			order = append(order, local)
		}
		c.RecordIDs = append(c.RecordIDs, r.ID)
	}
	out := make([]Candidate, 0, len(order))
	for _, local := range order {
		c := byLocal[local]
		c.Suggestion = e.Suggest(local, kind, recs)
		if c.Suggestion.Kind == NoMatch || c.Suggestion.Confidence < minConfidence {
			continue
		}
		out = append(out, *c)
	}
	return out
}

// ApplySuggestions maps each candidate's suggested protocol onto its records
// in one store transaction and returns the number of records changed.
func (e *Engine) ApplySuggestions(cands []Candidate) (int, error) {
	changed := 0
	err := e.store.Mutate(func(tx *record.Tx) error {
		for _, c := range cands {
			if c.Suggestion.Protocol == "" {
				continue
			}
			for _, id := range c.RecordIDs {
				ok, err := tx.AddProtocol(id, c.Kind, c.Suggestion.Protocol)
				if err != nil {
					return err
				}
				if ok {
					changed++
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	logx.Info("protocol suggestions applied", logx.F{"candidates": len(cands), "records": changed})
	return changed, nil
}
