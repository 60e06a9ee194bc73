package record

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	ts := time.Date(2025, 10, 20, 16, 12, 48, 0, time.UTC)
	return func() time.Time { return ts }
}

func sample() []Record {
	return []Record{
		{ID: "a", RemoteID: "ia", LocalCaseID: "L1", LocalStainID: "HE"},
		{ID: "b", RemoteID: "ib", LocalCaseID: "L1", LocalStainID: "Tau", StainProtocols: []string{"Tau", " Tau ", ""}},
		{ID: "c", RemoteID: "ic", LocalCaseID: "L2", ExternalCaseID: "BDSA-001-0001"},
	}
}

func newLoaded(t *testing.T) *Store {
	t.Helper()
	s := NewStore(WithClock(fixedClock()))
	if err := s.Load(sample()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func TestLoadNormalizesAndKeepsOrder(t *testing.T) {
	s := newLoaded(t)
	recs := s.Records()
	if len(recs) != 3 || recs[0].ID != "a" || recs[2].ID != "c" {
		t.Fatalf("unexpected order: %+v", recs)
	}
	if !reflect.DeepEqual(recs[1].StainProtocols, []string{"Tau", "Tau"}) {
		t.Fatalf("protocols not normalized: %q", recs[1].StainProtocols)
	}
	if s.DirtyCount() != 0 {
		t.Fatalf("fresh load must have empty dirty set")
	}
}

func TestLoadRejectsInvalidInput(t *testing.T) {
	cases := map[string][]Record{
		"empty id":          {{ID: ""}},
		"duplicate":         {{ID: "x"}, {ID: "x"}},
		"external no local": {{ID: "x", ExternalCaseID: "BDSA-001-0001"}},
	}
	for name, recs := range cases {
		t.Run(name, func(t *testing.T) {
			if err := NewStore().Load(recs); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadClearsDirtySet(t *testing.T) {
	s := newLoaded(t)
	s.MarkDirty("a")
	if err := s.Load(sample()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if s.DirtyCount() != 0 {
		t.Fatalf("dirty set survived reload: %v", s.DirtyIDs())
	}
}

func TestMarkDirtyIsIdempotentAndIgnoresUnknown(t *testing.T) {
	s := newLoaded(t)
	if !s.MarkDirty("a") || !s.MarkDirty("a") {
		t.Fatal("MarkDirty on known id should succeed")
	}
	if s.MarkDirty("nope") {
		t.Fatal("MarkDirty on unknown id should be a no-op")
	}
	if got := s.DirtyIDs(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("dirty ids = %v", got)
	}
	s.ClearDirty("a")
	s.ClearDirty("a")
	if s.IsDirty("a") {
		t.Fatal("ClearDirty did not remove id")
	}
}

func TestRestorePurgesStaleIDs(t *testing.T) {
	s := NewStore()
	if err := s.Restore(sample(), []string{"c", "gone", "a"}); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := s.DirtyIDs(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("dirty ids after restore = %v", got)
	}
	if purged := s.PurgeStaleDirtyIDs(); len(purged) != 0 {
		t.Fatalf("second purge should be empty, got %v", purged)
	}
}

func TestSetExternalCaseIDMarksDirtyAndStamps(t *testing.T) {
	s := newLoaded(t)
	changed, err := s.SetExternalCaseID("a", "BDSA-001-0002")
	if err != nil || !changed {
		t.Fatalf("SetExternalCaseID = %v, %v", changed, err)
	}
	r, _ := s.Get("a")
	if r.ExternalCaseID != "BDSA-001-0002" || r.Version != 1 || !r.LastModifiedAt.Equal(fixedClock()()) {
		t.Fatalf("record not updated: %+v", r)
	}
	if !s.IsDirty("a") {
		t.Fatal("record not dirty")
	}

	changed, err = s.SetExternalCaseID("a", "BDSA-001-0002")
	if err != nil || changed {
		t.Fatalf("same value should be a no-op, got %v, %v", changed, err)
	}
}

func TestSetExternalCaseIDRequiresLocalCaseID(t *testing.T) {
	s := NewStore()
	_ = s.Load([]Record{{ID: "x"}})
	_, err := s.SetExternalCaseID("x", "BDSA-001-0001")
	if !IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if s.IsDirty("x") {
		t.Fatal("failed mutation must not mark dirty")
	}
	if _, err := s.SetExternalCaseID("missing", "v"); !errors.Is(err, ErrUnknownRecord) {
		t.Fatalf("expected ErrUnknownRecord, got %v", err)
	}
}

func TestRepeatedProtocolsSurviveLoad(t *testing.T) {
	s := NewStore(WithClock(fixedClock()))
	if err := s.Load([]Record{{ID: "a", LocalStainID: "HE", StainProtocols: []string{"H&E", "LFB", "H&E"}}}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	r, _ := s.Get("a")
	if !reflect.DeepEqual(r.StainProtocols, []string{"H&E", "LFB", "H&E"}) {
		t.Fatalf("protocols = %q", r.StainProtocols)
	}
	if ok, _ := s.AddProtocol("a", Stain, "H&E"); ok {
		t.Fatal("adding a present protocol should be a no-op")
	}
	if ok, _ := s.RemoveProtocol("a", Stain, "H&E"); !ok {
		t.Fatal("remove failed")
	}
	r, _ = s.Get("a")
	if !reflect.DeepEqual(r.StainProtocols, []string{"LFB", "H&E"}) {
		t.Fatalf("after remove = %q", r.StainProtocols)
	}
}

func TestProtocolAddRemove(t *testing.T) {
	s := newLoaded(t)
	if ok, err := s.AddProtocol("a", Stain, "H&E"); err != nil || !ok {
		t.Fatalf("AddProtocol = %v, %v", ok, err)
	}
	if ok, _ := s.AddProtocol("a", Stain, "H&E"); ok {
		t.Fatal("duplicate add should be a no-op")
	}
	if ok, _ := s.AddProtocol("a", Region, "Pons"); !ok {
		t.Fatal("region add failed")
	}
	r, _ := s.Get("a")
	if !reflect.DeepEqual(r.StainProtocols, []string{"H&E"}) || !reflect.DeepEqual(r.RegionProtocols, []string{"Pons"}) {
		t.Fatalf("unexpected protocols: %+v", r)
	}
	if ok, _ := s.RemoveProtocol("a", Stain, "Tau"); ok {
		t.Fatal("removing absent protocol should report false")
	}
	if ok, _ := s.RemoveProtocol("a", Stain, "H&E"); !ok {
		t.Fatal("remove failed")
	}
	if _, err := s.AddProtocol("a", ProtocolKind("bogus"), "x"); !IsPrecondition(err) {
		t.Fatalf("expected precondition error for bad kind, got %v", err)
	}
}

func TestMutateRollsBackOnError(t *testing.T) {
	s := newLoaded(t)
	boom := errors.New("boom")
	err := s.Mutate(func(tx *Tx) error {
		if _, err := tx.SetExternalCaseID("a", "BDSA-001-0009"); err != nil {
			return err
		}
		if _, err := tx.AddProtocol("b", Stain, "LFB"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	a, _ := s.Get("a")
	b, _ := s.Get("b")
	if a.ExternalCaseID != "" || a.Version != 0 || len(b.StainProtocols) != 2 {
		t.Fatalf("changes not rolled back: %+v %+v", a, b)
	}
	if s.DirtyCount() != 0 {
		t.Fatalf("dirty set not rolled back: %v", s.DirtyIDs())
	}
}

func TestConfirmSyncedRespectsVersion(t *testing.T) {
	s := newLoaded(t)
	_, _ = s.SetExternalCaseID("a", "BDSA-001-0003")
	snap, _ := s.Get("a")
	_, _ = s.AddProtocol("a", Stain, "Tau")
	if s.ConfirmSynced("a", snap.Version) {
		t.Fatal("confirm with stale version must keep record dirty")
	}
	cur, _ := s.Get("a")
	if !s.ConfirmSynced("a", cur.Version) || s.IsDirty("a") {
		t.Fatal("confirm with current version must clear dirty flag")
	}
}

func TestCaseMappingFirstSeen(t *testing.T) {
	recs := []Record{
		{ID: "1", LocalCaseID: "L1", ExternalCaseID: "E1"},
		{ID: "2", LocalCaseID: "L1", ExternalCaseID: "E2"},
		{ID: "3", LocalCaseID: "L2"},
	}
	want := map[string]string{"L1": "E1"}
	if got := CaseMapping(recs); !reflect.DeepEqual(got, want) {
		t.Fatalf("CaseMapping = %v, want %v", got, want)
	}
}
