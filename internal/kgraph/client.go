// Package kgraph is the HTTP client for the case knowledge graph service.
// The correlator pushes entities, events, and relationships into the graph
// and reads timelines and connection paths back out.
package kgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Entity is a graph node for a person, organization, or thing.
type Entity struct {
	ID      string   `json:"id,omitempty"`
	CaseID  string   `json:"case_id"`
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Aliases []string `json:"aliases,omitempty"`
}

// Event is a dated graph node linking entities to an occurrence.
type Event struct {
	ID          string    `json:"id,omitempty"`
	CaseID      string    `json:"case_id"`
	Description string    `json:"description"`
	OccurredAt  time.Time `json:"occurred_at"`
	EntityIDs   []string  `json:"entity_ids,omitempty"`
}

// Relationship is a typed edge between two entities.
type Relationship struct {
	ID           string `json:"id,omitempty"`
	CaseID       string `json:"case_id"`
	FromEntityID string `json:"from_entity_id"`
	ToEntityID   string `json:"to_entity_id"`
	Kind         string `json:"kind"`
	Basis        string `json:"basis,omitempty"`
}

// Path is an ordered entity chain connecting two graph nodes.
type Path struct {
	EntityIDs []string `json:"entity_ids"`
	Length    int      `json:"length"`
}

// TimelineEvent is one entry of a case timeline query.
type TimelineEvent struct {
	EventID     string    `json:"event_id"`
	Description string    `json:"description"`
	OccurredAt  time.Time `json:"occurred_at"`
	EntityIDs   []string  `json:"entity_ids,omitempty"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Available reports whether a graph endpoint is configured. The correlator
// degrades to local correlation when it is not.
func (c *Client) Available() bool {
	return c != nil && c.baseURL != ""
}

func (c *Client) CreateEntity(ctx context.Context, e Entity) (*Entity, error) {
	var out Entity
	if err := c.post(ctx, "/v1/entities", e, &out); err != nil {
		return nil, fmt.Errorf("create entity %q: %w", e.Name, err)
	}
	return &out, nil
}

func (c *Client) CreateEvent(ctx context.Context, ev Event) (*Event, error) {
	var out Event
	if err := c.post(ctx, "/v1/events", ev, &out); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return &out, nil
}

func (c *Client) CreateRelationship(ctx context.Context, r Relationship) (*Relationship, error) {
	var out Relationship
	if err := c.post(ctx, "/v1/relationships", r, &out); err != nil {
		return nil, fmt.Errorf("create relationship: %w", err)
	}
	return &out, nil
}

// FindShortestPath returns the shortest entity chain between two nodes, or
// nil when they are not connected.
func (c *Client) FindShortestPath(ctx context.Context, caseID, fromEntityID, toEntityID string) (*Path, error) {
	q := url.Values{}
	q.Set("case_id", caseID)
	q.Set("from", fromEntityID)
	q.Set("to", toEntityID)
	var out Path
	err := c.get(ctx, "/v1/paths/shortest?"+q.Encode(), &out)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("shortest path: %w", err)
	}
	return &out, nil
}

// GetTimeline returns the case's events in chronological order.
func (c *Client) GetTimeline(ctx context.Context, caseID string) ([]TimelineEvent, error) {
	q := url.Values{}
	q.Set("case_id", caseID)
	var out []TimelineEvent
	if err := c.get(ctx, "/v1/timeline?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	return out, nil
}

// GetConnectedEntities returns entities reachable from the given entity
// within maxHops edges.
func (c *Client) GetConnectedEntities(ctx context.Context, caseID, entityID string, maxHops int) ([]Entity, error) {
	q := url.Values{}
	q.Set("case_id", caseID)
	q.Set("entity_id", entityID)
	q.Set("max_hops", fmt.Sprintf("%d", maxHops))
	var out []Entity
	if err := c.get(ctx, "/v1/entities/connected?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("connected entities: %w", err)
	}
	return out, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("graph service returned %d: %s", e.code, e.body)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.code == http.StatusNotFound
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{code: resp.StatusCode, body: string(body)}
	}
	if out == nil {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
