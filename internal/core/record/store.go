package record

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"dsawrangler/internal/infra/logx"
)

// Store owns the in-memory record collection and the Dirty Set.
// All access is serialized; reads return copies.
type Store struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*Record
	dirty map[string]struct{}
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for LastModifiedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		byID:  make(map[string]*Record),
		dirty: make(map[string]struct{}),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load replaces the whole collection and clears the Dirty Set. It is a reset
// boundary, not a merge.
func (s *Store) Load(records []Record) error {
	order, byID, err := prepare(records)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.order = order
	s.byID = byID
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()
	logx.Info("store loaded", logx.F{"records": len(order)})
	return nil
}

// Restore loads records and re-marks the given ids dirty. Ids that no longer
// exist are purged with a warning.
func (s *Store) Restore(records []Record, dirtyIDs []string) error {
	order, byID, err := prepare(records)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.order = order
	s.byID = byID
	s.dirty = make(map[string]struct{}, len(dirtyIDs))
	for _, id := range dirtyIDs {
		s.dirty[id] = struct{}{}
	}
	s.mu.Unlock()
	s.PurgeStaleDirtyIDs()
	return nil
}

func prepare(records []Record) ([]string, map[string]*Record, error) {
	order := make([]string, 0, len(records))
	byID := make(map[string]*Record, len(records))
	for i, r := range records {
		if r.ID == "" {
			return nil, nil, fmt.Errorf("record %d: empty id", i)
		}
		if _, dup := byID[r.ID]; dup {
			return nil, nil, fmt.Errorf("record %d: duplicate id %q", i, r.ID)
		}
		if r.ExternalCaseID != "" && r.LocalCaseID == "" {
			return nil, nil, fmt.Errorf("record %q: external case id %q without local case id", r.ID, r.ExternalCaseID)
		}
		c := r.Clone()
		c.StainProtocols = NormalizeProtocols(c.StainProtocols)
		c.RegionProtocols = NormalizeProtocols(c.RegionProtocols)
		byID[c.ID] = &c
		order = append(order, c.ID)
	}
	return order, byID, nil
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Records returns copies of all records in load order.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// Snapshot returns copies of all records with their dirty flags, taken under
// one lock.
func (s *Store) Snapshot() ([]Record, []bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]Record, 0, len(s.order))
	dirty := make([]bool, 0, len(s.order))
	for _, id := range s.order {
		recs = append(recs, s.byID[id].Clone())
		_, d := s.dirty[id]
		dirty = append(dirty, d)
	}
	return recs, dirty
}

// Get returns a copy of the record with id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// MarkDirty adds id to the Dirty Set. Unknown ids are logged and ignored.
func (s *Store) MarkDirty(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		logx.Warn("mark dirty ignored", logx.F{"err": StaleReferenceWarning{ID: id}})
		return false
	}
	s.dirty[id] = struct{}{}
	return true
}

// ClearDirty removes id from the Dirty Set.
func (s *Store) ClearDirty(id string) {
	s.mu.Lock()
	delete(s.dirty, id)
	s.mu.Unlock()
}

// ClearAllDirty empties the Dirty Set.
func (s *Store) ClearAllDirty() {
	s.mu.Lock()
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()
}

// ConfirmSynced clears the dirty flag for id only when the record is still at
// version, so a mutation made while the push was in flight stays dirty.
func (s *Store) ConfirmSynced(id string, version uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		delete(s.dirty, id)
		return false
	}
	if r.Version != version {
		return false
	}
	delete(s.dirty, id)
	return true
}

// IsDirty reports whether id has unsynced local changes.
func (s *Store) IsDirty(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dirty[id]
	return ok
}

// DirtyCount returns the Dirty Set size.
func (s *Store) DirtyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty)
}

// DirtyIDs returns dirty ids, known records first in load order, then any
// stale ids sorted.
func (s *Store) DirtyIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.dirty))
	for _, id := range s.order {
		if _, ok := s.dirty[id]; ok {
			out = append(out, id)
		}
	}
	var stale []string
	for id := range s.dirty {
		if _, ok := s.byID[id]; !ok {
			stale = append(stale, id)
		}
	}
	slices.Sort(stale)
	return append(out, stale...)
}

// DirtyRecords returns copies of dirty records in load order.
func (s *Store) DirtyRecords() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.dirty))
	for _, id := range s.order {
		if _, ok := s.dirty[id]; ok {
			out = append(out, s.byID[id].Clone())
		}
	}
	return out
}

// PurgeStaleDirtyIDs drops dirty ids without a record and returns them.
func (s *Store) PurgeStaleDirtyIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged []string
	for id := range s.dirty {
		if _, ok := s.byID[id]; !ok {
			delete(s.dirty, id)
			purged = append(purged, id)
		}
	}
	slices.Sort(purged)
	for _, id := range purged {
		logx.Warn("purged stale dirty id", logx.F{"err": StaleReferenceWarning{ID: id}})
	}
	return purged
}

// Mutate runs fn with exclusive access. Every record changed through tx is
// stamped and marked dirty. If fn returns an error all changes are rolled back.
func (s *Store) Mutate(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Tx{s: s, backup: make(map[string]Record), wasDirty: make(map[string]bool)}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// SetExternalCaseID sets or blanks the external case id of one record.
func (s *Store) SetExternalCaseID(id, ext string) (bool, error) {
	var changed bool
	err := s.Mutate(func(tx *Tx) error {
		var err error
		changed, err = tx.SetExternalCaseID(id, ext)
		return err
	})
	return changed, err
}

// AddProtocol appends name to the kind sequence of record id unless present.
func (s *Store) AddProtocol(id string, kind ProtocolKind, name string) (bool, error) {
	var changed bool
	err := s.Mutate(func(tx *Tx) error {
		var err error
		changed, err = tx.AddProtocol(id, kind, name)
		return err
	})
	return changed, err
}

// RemoveProtocol removes the first occurrence of name from the kind sequence.
func (s *Store) RemoveProtocol(id string, kind ProtocolKind, name string) (bool, error) {
	var changed bool
	err := s.Mutate(func(tx *Tx) error {
		var err error
		changed, err = tx.RemoveProtocol(id, kind, name)
		return err
	})
	return changed, err
}

// Tx is the mutation handle passed to Store.Mutate. It must not escape fn.
type Tx struct {
	s        *Store
	backup   map[string]Record
	wasDirty map[string]bool
}

// Records returns copies of all records in load order.
func (tx *Tx) Records() []Record {
	out := make([]Record, 0, len(tx.s.order))
	for _, id := range tx.s.order {
		out = append(out, tx.s.byID[id].Clone())
	}
	return out
}

// Get returns a copy of record id.
func (tx *Tx) Get(id string) (Record, bool) {
	r, ok := tx.s.byID[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// SetExternalCaseID sets ext on record id. Setting a non-empty value on a
// record without a local case id is refused.
func (tx *Tx) SetExternalCaseID(id, ext string) (bool, error) {
	r, ok := tx.s.byID[id]
	if !ok {
		return false, fmt.Errorf("set external case id %q: %w", id, ErrUnknownRecord)
	}
	if ext != "" && r.LocalCaseID == "" {
		return false, Precondition("set external case id", "record %q has no local case id", id)
	}
	if r.ExternalCaseID == ext {
		return false, nil
	}
	tx.touch(r)
	r.ExternalCaseID = ext
	return true, nil
}

// AddProtocol appends name to the kind sequence of record id unless present.
func (tx *Tx) AddProtocol(id string, kind ProtocolKind, name string) (bool, error) {
	r, err := tx.protocolTarget("add protocol", id, kind, name)
	if err != nil {
		return false, err
	}
	list := r.Protocols(kind)
	if slices.Contains(list, name) {
		return false, nil
	}
	tx.touch(r)
	r.setProtocols(kind, append(slices.Clone(list), name))
	return true, nil
}

// RemoveProtocol removes the first occurrence of name from the kind sequence.
func (tx *Tx) RemoveProtocol(id string, kind ProtocolKind, name string) (bool, error) {
	r, err := tx.protocolTarget("remove protocol", id, kind, name)
	if err != nil {
		return false, err
	}
	list := r.Protocols(kind)
	i := slices.Index(list, name)
	if i < 0 {
		return false, nil
	}
	tx.touch(r)
	r.setProtocols(kind, NormalizeProtocols(slices.Delete(slices.Clone(list), i, i+1)))
	return true, nil
}

func (tx *Tx) protocolTarget(op, id string, kind ProtocolKind, name string) (*Record, error) {
	if !kind.Valid() {
		return nil, Precondition(op, "unknown protocol kind %q", kind)
	}
	if name == "" {
		return nil, Precondition(op, "protocol name is empty")
	}
	r, ok := tx.s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", op, id, ErrUnknownRecord)
	}
	return r, nil
}

func (tx *Tx) touch(r *Record) {
	if _, ok := tx.backup[r.ID]; !ok {
		tx.backup[r.ID] = r.Clone()
		_, d := tx.s.dirty[r.ID]
		tx.wasDirty[r.ID] = d
	}
	r.LastModifiedAt = tx.s.now()
	r.Version++
	tx.s.dirty[r.ID] = struct{}{}
}

func (tx *Tx) rollback() {
	for id, prev := range tx.backup {
		c := prev
		tx.s.byID[id] = &c
		if !tx.wasDirty[id] {
			delete(tx.s.dirty, id)
		}
	}
}
