package protocol

import (
	"strings"

	"github.com/sahilm/fuzzy"

	"dsawrangler/internal/core/record"
)

// MatchKind classifies how a suggestion was derived.
type MatchKind int

const (
	NoMatch MatchKind = iota
	ExactMatch
	MajorityMatch
	FuzzyMatch
)

func (k MatchKind) String() string {
	switch k {
	case ExactMatch:
		return "exact"
	case MajorityMatch:
		return "majority"
	case FuzzyMatch:
		return "fuzzy"
	default:
		return "none"
	}
}

// Suggestion is the result of Suggest.
type Suggestion struct {
	Protocol   string
	Confidence float64
	Kind       MatchKind
	// Count is how often Protocol was seen; Total is all counted associations.
	Count int
	Total int
	// MatchedLocalID is the local type id the statistics came from. It differs
	// from the query only for fuzzy matches.
	MatchedLocalID string
}

type tally struct {
	order  []string
	counts map[string]int
	total  int
}

func (e *Engine) tally(localTypeID string, kind record.ProtocolKind, records []record.Record) tally {
	t := tally{counts: make(map[string]int)}
	for _, r := range records {
		if strings.TrimSpace(r.LocalTypeID(kind)) != localTypeID {
			continue
		}
		for _, p := range r.Protocols(kind) {
			if p == e.ignore {
				continue
			}
			if _, ok := t.counts[p]; !ok {
				t.order = append(t.order, p)
			}
			t.counts[p]++
			t.total++
		}
	}
	return t
}

func (t tally) best(localTypeID string) Suggestion {
	if t.total == 0 {
		return Suggestion{}
	}
	if len(t.order) == 1 {
		p := t.order[0]
		return Suggestion{Protocol: p, Confidence: 1, Kind: ExactMatch, Count: t.counts[p], Total: t.total, MatchedLocalID: localTypeID}
	}
	winner := t.order[0]
	for _, p := range t.order[1:] {
		if t.counts[p] > t.counts[winner] {
			winner = p
		}
	}
	return Suggestion{
		Protocol:       winner,
		Confidence:     float64(t.counts[winner]) / float64(t.total),
		Kind:           MajorityMatch,
		Count:          t.counts[winner],
		Total:          t.total,
		MatchedLocalID: localTypeID,
	}
}

// Suggest derives a protocol for localTypeID from the associations already
// present in records. It is read-only.
func (e *Engine) Suggest(localTypeID string, kind record.ProtocolKind, records []record.Record) Suggestion {
	localTypeID = strings.TrimSpace(localTypeID)
	if localTypeID == "" || !kind.Valid() {
		return Suggestion{}
	}
	if s := e.tally(localTypeID, kind, records).best(localTypeID); s.Kind != NoMatch {
		return s
	}

	similar, ok := e.similarLocalID(localTypeID, kind, records)
	if !ok {
		return Suggestion{}
	}
	s := e.tally(similar, kind, records).best(similar)
	s.Kind = FuzzyMatch
	s.Confidence *= e.penalty
	return s
}

// similarLocalID picks another local type id that has protocol statistics:
// a case-insensitive substring match first, then the best fuzzy match.
func (e *Engine) similarLocalID(query string, kind record.ProtocolKind, records []record.Record) (string, bool) {
	var candidates []string
	totals := make(map[string]int)
	for _, r := range records {
		local := strings.TrimSpace(r.LocalTypeID(kind))
		if local == "" || local == query {
			continue
		}
		if _, ok := totals[local]; !ok {
			candidates = append(candidates, local)
			totals[local] = 0
		}
		for _, p := range r.Protocols(kind) {
			if p != e.ignore {
				totals[local]++
			}
		}
	}
	usable := candidates[:0]
	for _, c := range candidates {
		if totals[c] > 0 {
			usable = append(usable, c)
		}
	}
	candidates = usable
	if len(candidates) == 0 {
		return "", false
	}

	q := strings.ToLower(query)
	for _, c := range candidates {
		lc := strings.ToLower(c)
		if strings.Contains(lc, q) || strings.Contains(q, lc) {
			return c, true
		}
	}

	if len([]rune(query)) < 2 {
		return "", false
	}
	matches := fuzzy.Find(query, candidates)
	if len(matches) == 0 {
		return "", false
	}
	return matches[0].Str, true
}
