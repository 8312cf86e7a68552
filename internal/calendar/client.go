// Package calendar provides the client for the user's calendar backend.
// The agent consults it from tool calls to find free slots and existing
// events while negotiating an appointment on the phone.
package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Slot is one bookable free interval.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Event is one existing calendar entry.
type Event struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Service is the calendar contract consumed by the tool surface.
type Service interface {
	// Availability returns free slots between start and end, each at least
	// minDuration long. A zero minDuration means any length.
	Availability(ctx context.Context, start, end time.Time, minDuration time.Duration) ([]Slot, error)

	// Events returns the events between start and end.
	Events(ctx context.Context, start, end time.Time) ([]Event, error)
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// Client is an HTTP [Service] implementation.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ Service = (*Client)(nil)

// New creates a Client for the calendar backend at baseURL.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("calendar: baseURL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Availability returns free slots between start and end.
func (c *Client) Availability(ctx context.Context, start, end time.Time, minDuration time.Duration) ([]Slot, error) {
	q := url.Values{}
	q.Set("start", start.Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))
	if minDuration > 0 {
		q.Set("min_duration_minutes", strconv.Itoa(int(minDuration.Minutes())))
	}

	var out struct {
		Slots []Slot `json:"slots"`
	}
	if err := c.get(ctx, "/v1/availability", q, &out); err != nil {
		return nil, err
	}
	return out.Slots, nil
}

// Events returns the events between start and end.
func (c *Client) Events(ctx context.Context, start, end time.Time) ([]Event, error) {
	q := url.Values{}
	q.Set("start", start.Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))

	var out struct {
		Events []Event `json:"events"`
	}
	if err := c.get(ctx, "/v1/events", q, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("calendar: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calendar: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("calendar: %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("calendar: decode %s: %w", path, err)
	}
	return nil
}
