package dsa

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func jsonResponse(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Status:     http.StatusText(code),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestAuthenticate(t *testing.T) {
	c := New("https://dsa.example.org/api/v1/", "")
	c.http = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.String() != "https://dsa.example.org/api/v1/user/authentication" {
			t.Fatalf("unexpected url %s", req.URL)
		}
		user, pass, ok := req.BasicAuth()
		if !ok || user != "alice" || pass != "s3cret" {
			t.Fatalf("basic auth = %q %q %v", user, pass, ok)
		}
		return jsonResponse(200, `{"authToken":{"token":"tok-1","expires":"2030-01-01"}}`), nil
	})}
	tok, err := c.Authenticate(context.Background(), "alice", "s3cret")
	if err != nil || tok != "tok-1" || c.Token() != "tok-1" {
		t.Fatalf("Authenticate = %q, %v", tok, err)
	}
}

func TestAuthenticateRejected(t *testing.T) {
	c := New("https://dsa.example.org/api/v1", "")
	c.http = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return jsonResponse(401, `{"message":"Login failed."}`), nil
	})}
	_, err := c.Authenticate(context.Background(), "alice", "wrong")
	if !IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestMeNullIsAuthError(t *testing.T) {
	c := New("https://dsa.example.org/api/v1", "tok")
	c.http = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("Girder-Token") != "tok" {
			t.Fatalf("missing Girder-Token header")
		}
		return jsonResponse(200, `null`), nil
	})}
	if _, err := c.Me(context.Background()); !IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestListItemsPagination(t *testing.T) {
	c := New("https://dsa.example.org/api/v1", "tok")
	calls := 0
	c.http = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		q := req.URL.Query()
		if req.URL.Path != "/api/v1/resource/abc/items" || q.Get("type") != "collection" || q.Get("limit") != "2" {
			t.Fatalf("unexpected request %s", req.URL)
		}
		switch q.Get("offset") {
		case "0":
			return jsonResponse(200, `[{"_id":"1","name":"a.svs"},{"_id":"2","name":"b.svs"}]`), nil
		case "2":
			return jsonResponse(200, `[{"_id":"3","name":"c.svs"}]`), nil
		}
		t.Fatalf("unexpected offset %s", q.Get("offset"))
		return nil, nil
	})}
	items, err := c.ListItems(context.Background(), ListItemsOpts{ResourceID: "abc", ResourceType: "Collection", Limit: 2})
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 3 || calls != 2 || items[2].ID != "3" {
		t.Fatalf("items=%+v calls=%d", items, calls)
	}
}

func TestListItemsValidation(t *testing.T) {
	if _, err := New("https://x/api/v1", "").ListItems(context.Background(), ListItemsOpts{ResourceID: "a"}); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if _, err := New("https://x/api/v1", "t").ListItems(context.Background(), ListItemsOpts{ResourceID: "a", ResourceType: "user"}); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestUpdateItemMetadata(t *testing.T) {
	c := New("https://dsa.example.org/api/v1", "tok")
	var got map[string]any
	c.http = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodPut || req.URL.Path != "/api/v1/item/it1/metadata" {
			t.Fatalf("unexpected request %s %s", req.Method, req.URL)
		}
		if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return jsonResponse(200, `{"_id":"it1"}`), nil
	})}
	meta := NewMetadata(BDSALocal{
		BDSACaseID:        "BDSA-007-0001",
		BDSAStainProtocol: ProtocolList{"H&E"},
		LocalCaseID:       "C1",
		Source:            SourceTag,
	})
	if err := c.UpdateItemMetadata(context.Background(), "it1", meta); err != nil {
		t.Fatalf("UpdateItemMetadata: %v", err)
	}
	local := got["BDSA"].(map[string]any)["bdsaLocal"].(map[string]any)
	if local["bdsaCaseId"] != "BDSA-007-0001" || local["source"] != SourceTag {
		t.Fatalf("body = %v", got)
	}
	if region, ok := local["bdsaRegionProtocol"].([]any); !ok || len(region) != 0 {
		t.Fatalf("empty region list must encode as [], got %#v", local["bdsaRegionProtocol"])
	}
}

func TestUpdateItemMetadataServerError(t *testing.T) {
	c := New("https://dsa.example.org/api/v1", "tok")
	c.http = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return jsonResponse(404, `{"message":"not found"}`), nil
	})}
	err := c.UpdateItemMetadata(context.Background(), "gone", ResetMetadata())
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || !strings.Contains(se.Error(), "not found") {
		t.Fatalf("status error = %v", err)
	}
}
