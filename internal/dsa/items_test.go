package dsa

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestProtocolListAcceptsStringOrArray(t *testing.T) {
	cases := map[string]ProtocolList{
		`"H&E"`:          {"H&E"},
		`"  "`:           nil,
		`null`:           nil,
		`["Tau","aSyn"]`: {"Tau", "aSyn"},
	}
	for in, want := range cases {
		var got ProtocolList
		if err := json.Unmarshal([]byte(in), &got); err != nil {
			t.Fatalf("Unmarshal(%s): %v", in, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("Unmarshal(%s) = %#v, want %#v", in, got, want)
		}
	}
	var bad ProtocolList
	if err := json.Unmarshal([]byte(`{"x":1}`), &bad); err == nil {
		t.Fatal("expected error for object")
	}
}

func TestItemBDSALocal(t *testing.T) {
	var it Item
	raw := `{"_id":"1","name":"s.svs","meta":{"BDSA":{"bdsaLocal":{"bdsaCaseId":"BDSA-001-0002","bdsaStainProtocol":"H&E","localCaseId":"C9"}}}}`
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		t.Fatal(err)
	}
	local, ok, err := it.BDSALocal()
	if err != nil || !ok {
		t.Fatalf("BDSALocal = %v, %v", ok, err)
	}
	if local.BDSACaseID != "BDSA-001-0002" || local.LocalCaseID != "C9" || !reflect.DeepEqual(local.BDSAStainProtocol, ProtocolList{"H&E"}) {
		t.Fatalf("local = %+v", local)
	}
}

func TestItemBDSALocalLegacyAndMissing(t *testing.T) {
	legacy := Item{ID: "2", Meta: map[string]json.RawMessage{"bdsaLocal": json.RawMessage(`{"localCaseId":"L"}`)}}
	if local, ok, err := legacy.BDSALocal(); err != nil || !ok || local.LocalCaseID != "L" {
		t.Fatalf("legacy = %+v %v %v", local, ok, err)
	}
	if _, ok, err := (Item{ID: "3"}).BDSALocal(); ok || err != nil {
		t.Fatalf("missing = %v %v", ok, err)
	}
}

func TestResetMetadataShape(t *testing.T) {
	b, err := json.Marshal(ResetMetadata())
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"BDSA":{"bdsaLocal":{}}}` {
		t.Fatalf("reset body = %s", b)
	}
}
