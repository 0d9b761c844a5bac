// Package jobs is the HTTP client for the job/cargo API: registering a job,
// updating it while underway, and submitting the travelled route on
// completion. Presence stays on the realtime channel; everything here is
// plain request/response.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/c-pro/geche"

	"renat/internal/geo"
)

var (
	ErrNotFound = errors.New("not found")
)

const destCacheKey = "destinations"

// Status of a job on the server.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusDone      Status = "DONE"
	StatusCancelled Status = "CANCELLED"
)

// Destination is a named drop-off point in the facility.
type Destination struct {
	ID    string  `json:"id"`
	Label string  `json:"label"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
}

// Job is one transport task: move an item to a destination.
type Job struct {
	ID            string  `json:"id,omitempty"`
	UserCode      string  `json:"userCode"`
	DestinationID string  `json:"destinationId"`
	Item          string  `json:"item"`
	Quantity      int     `json:"quantity"`
	DistanceKm    float64 `json:"distanceKm,omitempty"`
	ETAMinutes    int     `json:"etaMinutes,omitempty"`
	Status        Status  `json:"status,omitempty"`
	// Paths is the serialized travelled route, submitted on completion.
	Paths     string `json:"paths,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	// DestinationTTL bounds how long the destination list is served from
	// cache; the list changes rarely but not never.
	DestinationTTL time.Duration
}

type Client struct {
	baseURL string
	http    *http.Client
	dests   geche.Geche[string, []Destination]
}

func NewClient(ctx context.Context, cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.DestinationTTL <= 0 {
		cfg.DestinationTTL = 5 * time.Minute
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    cfg.HTTPClient,
		dests:   geche.NewMapTTLCache[string, []Destination](ctx, cfg.DestinationTTL, time.Minute),
	}
}

// Register creates a job. When the caller's position is known, distance and a
// coarse forklift ETA are filled in before submission so the server and other
// clients see them without recomputing.
func (c *Client) Register(ctx context.Context, job Job, from *geo.Point) (Job, error) {
	if from != nil {
		dest, err := c.destination(ctx, job.DestinationID)
		if err != nil {
			return Job{}, err
		}
		job.DistanceKm = geo.DistanceKm(from.Lat, from.Lng, dest.Lat, dest.Lng)
		job.ETAMinutes = geo.ETAMinutes(job.DistanceKm, geo.DefaultSpeedKmph)
	}

	var created Job
	if err := c.do(ctx, http.MethodPost, "/api/jobs", job, &created); err != nil {
		return Job{}, err
	}
	return created, nil
}

// Update patches mutable fields of an active job.
func (c *Client) Update(ctx context.Context, id string, fields map[string]any) error {
	return c.do(ctx, http.MethodPatch, "/api/jobs/"+id, fields, nil)
}

// Cancel abandons the job; any recorded route is discarded by the caller.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/jobs/"+id+"/cancel", nil, nil)
}

// Complete finishes the job, submitting the serialized route (either the
// JSON-array or the "lat,lng;lat,lng" encoding of the path recorder).
func (c *Client) Complete(ctx context.Context, id string, route string) error {
	payload := map[string]any{"paths": route}
	return c.do(ctx, http.MethodPost, "/api/jobs/"+id+"/complete", payload, nil)
}

// History lists past jobs for one user, newest first.
func (c *Client) History(ctx context.Context, userCode string) ([]Job, error) {
	var out []Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs?userCode="+userCode, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Destinations returns the facility's drop-off points, cached for the
// configured TTL.
func (c *Client) Destinations(ctx context.Context) ([]Destination, error) {
	if cached, err := c.dests.Get(destCacheKey); err == nil {
		return cached, nil
	}

	var out []Destination
	if err := c.do(ctx, http.MethodGet, "/api/destinations", nil, &out); err != nil {
		return nil, err
	}
	c.dests.Set(destCacheKey, out)
	return out, nil
}

func (c *Client) destination(ctx context.Context, id string) (Destination, error) {
	dests, err := c.Destinations(ctx)
	if err != nil {
		return Destination{}, err
	}
	for _, d := range dests {
		if d.ID == id {
			return d, nil
		}
	}
	return Destination{}, fmt.Errorf("destination %q: %w", id, ErrNotFound)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
