// Package caseid assigns sequential standardized case identifiers.
package caseid

import (
	"context"
	"strings"
	"sync"

	"dsawrangler/internal/core/record"
	"dsawrangler/internal/infra/logx"
)

const defaultChunkSize = 50

// Progress is reported after each assignment of a bulk run.
type Progress struct {
	Current        int
	Total          int
	LocalCaseID    string
	ExternalCaseID string
	// Skipped is set when LocalCaseID was mapped by someone else mid-run.
	Skipped bool
}

// Assignment is one local case id that received an external id.
type Assignment struct {
	LocalCaseID string
	ExternalID  record.ExternalID
	Records     int
}

// Summary describes a bulk run.
type Summary struct {
	Total       int
	Assignments []Assignment
	// Skipped counts local ids that were mapped by someone else mid-run.
	Skipped int
}

// Assigner generates PREFIX-III-NNNN identifiers. Calls are serialized so two
// callers can never pick the same sequence number.
type Assigner struct {
	mu        sync.Mutex
	store     *record.Store
	prefix    string
	chunkSize int
}

// Option configures an Assigner.
type Option func(*Assigner)

// WithPrefix overrides record.DefaultPrefix.
func WithPrefix(p string) Option {
	return func(a *Assigner) {
		if p = strings.TrimSpace(p); p != "" {
			a.prefix = p
		}
	}
}

// WithChunkSize sets how many assignments a bulk run commits per store transaction.
func WithChunkSize(n int) Option {
	return func(a *Assigner) {
		if n > 0 {
			a.chunkSize = n
		}
	}
}

// New creates an Assigner for store.
func New(store *record.Store, opts ...Option) *Assigner {
	a := &Assigner{store: store, prefix: record.DefaultPrefix, chunkSize: defaultChunkSize}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Assigner) institution(op, institutionID string) (string, error) {
	if strings.TrimSpace(institutionID) == "" {
		return "", record.Precondition(op, "institution id is empty")
	}
	inst, err := record.NormalizeInstitution(institutionID)
	if err != nil {
		return "", record.Precondition(op, "%v", err)
	}
	return inst, nil
}

// NextSequence returns max+1 over the ids in records that share series.
// Ids that do not parse are ignored.
func NextSequence(records []record.Record, series record.ExternalID) int {
	maxSeq := 0
	for _, r := range records {
		if r.ExternalCaseID == "" {
			continue
		}
		id, err := record.ParseExternalID(r.ExternalCaseID)
		if err != nil || !id.SameSeries(series) {
			continue
		}
		if id.Sequence > maxSeq {
			maxSeq = id.Sequence
		}
	}
	return maxSeq + 1
}

// AssignNext gives every record with localCaseID the next free identifier of
// institutionID. It refuses to overwrite an existing external id.
func (a *Assigner) AssignNext(localCaseID, institutionID string) (record.ExternalID, error) {
	const op = "assign case id"
	inst, err := a.institution(op, institutionID)
	if err != nil {
		return record.ExternalID{}, err
	}
	localCaseID = strings.TrimSpace(localCaseID)
	if localCaseID == "" {
		return record.ExternalID{}, record.Precondition(op, "local case id is empty")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	series := record.ExternalID{Prefix: a.prefix, Institution: inst}
	var assigned record.ExternalID
	err = a.store.Mutate(func(tx *record.Tx) error {
		recs := tx.Records()
		var ids []string
		for _, r := range recs {
			if r.LocalCaseID != localCaseID {
				continue
			}
			if r.ExternalCaseID != "" {
				return record.Precondition(op, "local case id %q already mapped to %q", localCaseID, r.ExternalCaseID)
			}
			ids = append(ids, r.ID)
		}
		if len(ids) == 0 {
			return record.Precondition(op, "no record has local case id %q", localCaseID)
		}
		assigned = series
		assigned.Sequence = NextSequence(recs, series)
		for _, id := range ids {
			if _, err := tx.SetExternalCaseID(id, assigned.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return record.ExternalID{}, err
	}
	logx.Info("case id assigned", logx.F{"local": localCaseID, "external": assigned.String()})
	return assigned, nil
}

// AssignAllUnmapped assigns identifiers to every local case id that has none,
// in load order. Work is committed in chunks; each chunk recomputes the next
// sequence from store state, so ctx may stop the run between chunks without
// leaving a gap or a duplicate. progress runs outside the store lock.
func (a *Assigner) AssignAllUnmapped(ctx context.Context, institutionID string, progress func(Progress)) (Summary, error) {
	const op = "assign all case ids"
	inst, err := a.institution(op, institutionID)
	if err != nil {
		return Summary{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	targets := Unmapped(a.store.Records())
	sum := Summary{Total: len(targets)}
	series := record.ExternalID{Prefix: a.prefix, Institution: inst}

	for start := 0; start < len(targets); start += a.chunkSize {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		end := min(start+a.chunkSize, len(targets))
		// batch holds one entry per target; skipped targets have no Records.
		var batch []Assignment
		err := a.store.Mutate(func(tx *record.Tx) error {
			recs := tx.Records()
			mapped := record.CaseMapping(recs)
			next := NextSequence(recs, series)
			for _, local := range targets[start:end] {
				if _, ok := mapped[local]; ok {
					batch = append(batch, Assignment{LocalCaseID: local})
					continue
				}
				id := series
				id.Sequence = next
				next++
				n := 0
				for _, r := range recs {
					if r.LocalCaseID != local {
						continue
					}
					if _, err := tx.SetExternalCaseID(r.ID, id.String()); err != nil {
						return err
					}
					n++
				}
				batch = append(batch, Assignment{LocalCaseID: local, ExternalID: id, Records: n})
			}
			return nil
		})
		if err != nil {
			return sum, err
		}
		for _, as := range batch {
			p := Progress{Total: sum.Total, LocalCaseID: as.LocalCaseID}
			if as.Records == 0 {
				sum.Skipped++
				p.Skipped = true
			} else {
				sum.Assignments = append(sum.Assignments, as)
				p.ExternalCaseID = as.ExternalID.String()
			}
			p.Current = len(sum.Assignments) + sum.Skipped
			if progress != nil {
				progress(p)
			}
		}
	}
	logx.Info("bulk case id assignment finished", logx.F{"institution": inst, "assigned": len(sum.Assignments), "skipped": sum.Skipped})
	return sum, nil
}

// Unmapped lists local case ids without any external id, in first-seen order.
func Unmapped(records []record.Record) []string {
	mapped := record.CaseMapping(records)
	seen := make(map[string]struct{})
	var out []string
	for _, r := range records {
		if r.LocalCaseID == "" {
			continue
		}
		if _, ok := mapped[r.LocalCaseID]; ok {
			continue
		}
		if _, ok := seen[r.LocalCaseID]; ok {
			continue
		}
		seen[r.LocalCaseID] = struct{}{}
		out = append(out, r.LocalCaseID)
	}
	return out
}
