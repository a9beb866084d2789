package kgraph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreateEntity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/entities" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("auth header = %q", got)
		}
		var e Entity
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			t.Fatalf("decode: %v", err)
		}
		e.ID = "ent-1"
		json.NewEncoder(w).Encode(e)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	out, err := c.CreateEntity(context.Background(), Entity{CaseID: "case-1", Name: "Dana Reyes", Kind: "person"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out.ID != "ent-1" || out.Name != "Dana Reyes" {
		t.Errorf("unexpected entity: %+v", out)
	}
}

func TestFindShortestPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/paths/shortest" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("from") != "a" || q.Get("to") != "b" || q.Get("case_id") != "case-1" {
			t.Errorf("query = %v", q)
		}
		json.NewEncoder(w).Encode(Path{EntityIDs: []string{"a", "x", "b"}, Length: 2})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	p, err := c.FindShortestPath(context.Background(), "case-1", "a", "b")
	if err != nil {
		t.Fatalf("shortest path: %v", err)
	}
	if p.Length != 2 || len(p.EntityIDs) != 3 {
		t.Errorf("unexpected path: %+v", p)
	}
}

func TestFindShortestPath_NotConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no path", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	p, err := c.FindShortestPath(context.Background(), "case-1", "a", "b")
	if err != nil {
		t.Fatalf("disconnected nodes must not error: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil path, got %+v", p)
	}
}

func TestGetTimeline(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]TimelineEvent{
			{EventID: "e1", Description: "lease signed", OccurredAt: when},
			{EventID: "e2", Description: "first payment missed", OccurredAt: when.AddDate(0, 1, 0)},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	tl, err := c.GetTimeline(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(tl) != 2 || !tl[0].OccurredAt.Equal(when) {
		t.Errorf("unexpected timeline: %+v", tl)
	}
}

func TestGetConnectedEntities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/entities/connected" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("entity_id") != "ent-1" || q.Get("max_hops") != "2" {
			t.Errorf("query = %v", q)
		}
		json.NewEncoder(w).Encode([]Entity{
			{ID: "ent-2", Name: "Acme Property LLC", Kind: "organization"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	out, err := c.GetConnectedEntities(context.Background(), "case-1", "ent-1", 2)
	if err != nil {
		t.Fatalf("connected entities: %v", err)
	}
	if len(out) != 1 || out[0].ID != "ent-2" {
		t.Errorf("unexpected entities: %+v", out)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if _, err := c.GetTimeline(context.Background(), "case-1"); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestAvailable(t *testing.T) {
	if NewClient("", "").Available() {
		t.Error("client without endpoint must not be available")
	}
	if !NewClient("http://graph:8080", "").Available() {
		t.Error("configured client must be available")
	}
}
