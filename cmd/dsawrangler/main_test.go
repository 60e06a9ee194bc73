package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"dsawrangler/internal/core/record"
	"dsawrangler/internal/dsa"
	"dsawrangler/internal/workspace"
)

type fakeDSA struct {
	mu     sync.Mutex
	bodies map[string]dsa.Metadata
	tokens []string
}

func (f *fakeDSA) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut || !strings.HasSuffix(r.URL.Path, "/metadata") {
		http.NotFound(w, r)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/item/"), "/metadata")
	b, _ := io.ReadAll(r.Body)
	var m struct {
		BDSA struct {
			Local dsa.BDSALocal `json:"bdsaLocal"`
		} `json:"BDSA"`
	}
	if err := json.Unmarshal(b, &m); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.bodies[id] = dsa.NewMetadata(m.BDSA.Local)
	f.tokens = append(f.tokens, r.Header.Get("Girder-Token"))
	f.mu.Unlock()
	_, _ = w.Write([]byte(`{}`))
}

func execute(t *testing.T, args ...string) {
	t.Helper()
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("%v: %v", args, err)
	}
}

func TestLoadAssignMapAndSync(t *testing.T) {
	fake := &fakeDSA{bodies: map[string]dsa.Metadata{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	dir := t.TempDir()
	t.Setenv("DEBUG", "")
	t.Setenv("DSA_API_URL", srv.URL+"/api/v1")
	t.Setenv("DSA_TOKEN", "tok-1")
	t.Setenv("BDSA_INSTITUTION_ID", "")
	dbPath := filepath.Join(dir, "ws.db")
	settingsFile := filepath.Join(dir, "settings.toml")
	toml := fmt.Sprintf("[sync]\nretry_delay = \"1ms\"\nbatch_delay = \"1ms\"\n\n[workspace]\npath = '%s'\n", dbPath)
	csvFile := filepath.Join(dir, "slides.csv")
	csv := "id,dsa_id,localCaseId,localStainID\nr1,i1,C1,HE\nr2,i2,C1,HE\nr3,i3,C2,AT8\n"
	for path, body := range map[string]string{settingsFile: toml, csvFile: csv} {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	global := []string{"--config", filepath.Join(dir, "rc"), "--settings", settingsFile}

	execute(t, append([]string{"load", "csv", csvFile}, global...)...)
	execute(t, append([]string{"assign", "--all", "--plain", "--institution", "7"}, global...)...)
	execute(t, append([]string{"protocol", "add", "H&E", "--local-type", "he"}, global...)...)
	execute(t, append([]string{"sync", "--plain"}, global...)...)
	execute(t, append([]string{"status"}, global...)...)

	if len(fake.bodies) != 3 {
		t.Fatalf("pushed %d items", len(fake.bodies))
	}
	got := fake.bodies["i1"].BDSA.Local.(dsa.BDSALocal)
	if got.BDSACaseID != "BDSA-007-0001" || !reflect.DeepEqual([]string(got.BDSAStainProtocol), []string{"H&E"}) || got.Source != dsa.SourceTag {
		t.Fatalf("i1 = %+v", got)
	}
	if c := fake.bodies["i3"].BDSA.Local.(dsa.BDSALocal).BDSACaseID; c != "BDSA-007-0002" {
		t.Fatalf("i3 case id = %s", c)
	}
	for _, tok := range fake.tokens {
		if tok != "tok-1" {
			t.Fatalf("token header = %q", tok)
		}
	}

	ws, err := workspace.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	s := record.NewStore()
	if ok, err := ws.Restore(context.Background(), s); !ok || err != nil {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
	if s.DirtyCount() != 0 || s.Len() != 3 {
		t.Fatalf("dirty = %v", s.DirtyIDs())
	}
	jobs, err := ws.Jobs(context.Background(), 5)
	if err != nil || len(jobs) != 1 || jobs[0].Success != 3 {
		t.Fatalf("jobs = %+v, %v", jobs, err)
	}
}

func TestSelectRecords(t *testing.T) {
	recs := []record.Record{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	if got := selectRecords(recs, nil); len(got) != 3 {
		t.Fatalf("got %v", got)
	}
	got := selectRecords([]record.Record{{ID: "a"}, {ID: "b"}, {ID: "c"}}, []string{"c", "a"})
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("got %v", got)
	}
}
