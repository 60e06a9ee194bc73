package protocol

import (
	"fmt"
	"math"
	"reflect"
	"testing"

	"dsawrangler/internal/core/record"
)

func stainRecords(local string, protocols ...string) []record.Record {
	var out []record.Record
	for i, p := range protocols {
		out = append(out, record.Record{
			ID:             fmt.Sprintf("%s-%d", local, i),
			LocalCaseID:    "C1",
			LocalStainID:   local,
			StainProtocols: []string{p},
		})
	}
	return out
}

func newEngine(t *testing.T, recs []record.Record) (*Engine, *record.Store) {
	t.Helper()
	s := record.NewStore()
	if err := s.Load(recs); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return New(s), s
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSuggestMajority(t *testing.T) {
	recs := stainRecords("AT8", "TauPHF1", "TauPHF1", "TauCP13", "TauPHF1", "TauPHF1", "TauPHF1", "TauCP13", "TauPHF1", "TauPHF1", "TauPHF1")
	e, s := newEngine(t, recs)
	got := e.Suggest("AT8", record.Stain, s.Records())
	if got.Protocol != "TauPHF1" || !approx(got.Confidence, 0.8) || got.Kind != MajorityMatch {
		t.Fatalf("Suggest = %+v", got)
	}
	if got.Count != 8 || got.Total != 10 {
		t.Fatalf("counts = %d/%d", got.Count, got.Total)
	}
	if s.DirtyCount() != 0 {
		t.Fatal("Suggest must not mark records dirty")
	}
}

func TestSuggestExactIgnoresSentinel(t *testing.T) {
	recs := stainRecords("HE", "H&E", "IGNORE", "H&E", "IGNORE", "IGNORE")
	e, _ := newEngine(t, recs)
	got := e.Suggest("HE", record.Stain, recs)
	if got.Protocol != "H&E" || got.Confidence != 1 || got.Kind != ExactMatch || got.Total != 2 {
		t.Fatalf("Suggest = %+v", got)
	}
}

func TestSuggestTieBreaksFirstSeen(t *testing.T) {
	recs := stainRecords("Syn", "Synuclein", "aSyn", "aSyn", "Synuclein")
	e, _ := newEngine(t, recs)
	got := e.Suggest("Syn", record.Stain, recs)
	if got.Protocol != "Synuclein" || !approx(got.Confidence, 0.5) {
		t.Fatalf("Suggest = %+v", got)
	}
}

func TestSuggestFuzzySubstring(t *testing.T) {
	recs := append(stainRecords("AT8-x", "TauPHF1", "TauPHF1"), record.Record{ID: "q", LocalStainID: "at8"})
	e, _ := newEngine(t, recs)
	got := e.Suggest("at8", record.Stain, recs)
	if got.Kind != FuzzyMatch || got.Protocol != "TauPHF1" || !approx(got.Confidence, 0.8) || got.MatchedLocalID != "AT8-x" {
		t.Fatalf("Suggest = %+v", got)
	}
}

func TestSuggestFuzzySubsequence(t *testing.T) {
	recs := append(stainRecords("Sil", "Modified Bielchowski"), stainRecords("LFB", "LFB", "LFB", "LFB-PAS")...)
	e, _ := newEngine(t, recs)
	got := e.Suggest("LB", record.Stain, recs)
	if got.Kind != FuzzyMatch || got.Protocol != "LFB" || !approx(got.Confidence, 0.75*0.8) {
		t.Fatalf("Suggest = %+v", got)
	}
}

func TestSuggestNone(t *testing.T) {
	recs := stainRecords("HE", "IGNORE")
	e, _ := newEngine(t, recs)
	if got := e.Suggest("HE", record.Stain, recs); got.Kind != NoMatch || got.Protocol != "" {
		t.Fatalf("Suggest = %+v", got)
	}
	if got := e.Suggest("zzz", record.Region, recs); got.Kind != NoMatch {
		t.Fatalf("Suggest = %+v", got)
	}
	if got := e.Suggest("", record.Stain, recs); got.Kind != NoMatch {
		t.Fatalf("Suggest = %+v", got)
	}
}

func TestAddRemoveMappingDirtyTracking(t *testing.T) {
	e, s := newEngine(t, []record.Record{{ID: "r1", LocalStainID: "HE"}})
	if ok, err := e.AddMapping("r1", " H&E ", record.Stain); err != nil || !ok {
		t.Fatalf("AddMapping = %v, %v", ok, err)
	}
	if !s.IsDirty("r1") {
		t.Fatal("AddMapping must mark dirty")
	}
	s.ClearDirty("r1")
	if ok, _ := e.AddMapping("r1", "H&E", record.Stain); ok || s.IsDirty("r1") {
		t.Fatal("duplicate AddMapping must be a no-op without dirty marking")
	}
	if ok, _ := e.RemoveMapping("r1", "Tau", record.Stain); ok || s.IsDirty("r1") {
		t.Fatal("removing an absent protocol must not mark dirty")
	}
	if ok, _ := e.RemoveMapping("r1", "H&E", record.Stain); !ok || !s.IsDirty("r1") {
		t.Fatal("RemoveMapping must mark dirty")
	}
	if _, err := e.AddMapping("nope", "H&E", record.Stain); err == nil {
		t.Fatal("expected error for unknown record")
	}
}

func TestSuggestAndApplyUnmapped(t *testing.T) {
	recs := append(stainRecords("AT8", "TauPHF1", "TauPHF1", "TauCP13"),
		record.Record{ID: "u1", LocalStainID: "AT8"},
		record.Record{ID: "u2", LocalStainID: "AT8"},
		record.Record{ID: "u3", LocalStainID: "XYZ"},
	)
	e, s := newEngine(t, recs)
	cands := e.SuggestUnmapped(record.Stain, 0.5)
	if len(cands) != 1 {
		t.Fatalf("candidates = %+v", cands)
	}
	if c := cands[0]; c.LocalTypeID != "AT8" || !reflect.DeepEqual(c.RecordIDs, []string{"u1", "u2"}) || c.Suggestion.Protocol != "TauPHF1" {
		t.Fatalf("candidate = %+v", c)
	}
	if len(e.SuggestUnmapped(record.Stain, 0.9)) != 0 {
		t.Fatal("confidence filter not applied")
	}
	n, err := e.ApplySuggestions(cands)
	if err != nil || n != 2 {
		t.Fatalf("ApplySuggestions = %d, %v", n, err)
	}
	if got := s.DirtyIDs(); !reflect.DeepEqual(got, []string{"u1", "u2"}) {
		t.Fatalf("dirty ids = %v", got)
	}
}
