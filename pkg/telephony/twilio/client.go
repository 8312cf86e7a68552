// Package twilio provides the REST control plane for the carrier: placing
// outbound calls, redirecting live calls into new TwiML, and ending calls.
// The media plane (audio over WebSocket) lives in the parent telephony
// package; this client only drives call state.
package twilio

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.twilio.com"

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL. Used by tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// Client is a minimal Twilio REST API client covering the call-control
// operations the runtime needs.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	http       *http.Client
}

// New creates a Client. accountSID and authToken must be non-empty.
func New(accountSID, authToken string, opts ...Option) (*Client, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("twilio: accountSID and authToken must not be empty")
	}
	c := &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    defaultBaseURL,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Call is the subset of the Twilio call resource the runtime cares about.
type Call struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
	From   string `json:"from"`
}

// PlaceCallParams describes an outbound call.
type PlaceCallParams struct {
	// To is the E.164 number to dial.
	To string

	// From is the E.164 caller id. Must be a number owned by the account.
	From string

	// TwiML is the instruction document executed when the callee answers.
	TwiML string

	// StatusCallback, when set, receives call lifecycle webhooks.
	StatusCallback string
}

// PlaceCall creates an outbound call.
func (c *Client) PlaceCall(ctx context.Context, p PlaceCallParams) (*Call, error) {
	if p.To == "" || p.From == "" {
		return nil, errors.New("twilio: To and From must not be empty")
	}
	form := url.Values{}
	form.Set("To", p.To)
	form.Set("From", p.From)
	form.Set("Twiml", p.TwiML)
	if p.StatusCallback != "" {
		form.Set("StatusCallback", p.StatusCallback)
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	}
	return c.postCall(ctx, c.callsURL(""), form)
}

// RedirectCall replaces a live call's TwiML, moving it to new instructions
// (e.g., into a conference) without dropping the leg.
func (c *Client) RedirectCall(ctx context.Context, callSID, twiml string) (*Call, error) {
	if callSID == "" {
		return nil, errors.New("twilio: callSID must not be empty")
	}
	form := url.Values{}
	form.Set("Twiml", twiml)
	return c.postCall(ctx, c.callsURL(callSID), form)
}

// EndCall completes a live call, hanging up the leg.
func (c *Client) EndCall(ctx context.Context, callSID string) error {
	if callSID == "" {
		return errors.New("twilio: callSID must not be empty")
	}
	form := url.Values{}
	form.Set("Status", "completed")
	_, err := c.postCall(ctx, c.callsURL(callSID), form)
	return err
}

func (c *Client) callsURL(callSID string) string {
	if callSID == "" {
		return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	}
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSID)
}

func (c *Client) postCall(ctx context.Context, endpoint string, form url.Values) (*Call, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("twilio: build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("twilio: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("twilio: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var call Call
	if err := json.Unmarshal(body, &call); err != nil {
		return nil, fmt.Errorf("twilio: decode response: %w", err)
	}
	return &call, nil
}

// ---- TwiML builders ----

// StreamTwiML builds a TwiML document that connects the call to a
// bidirectional media stream at wsURL, forwarding params as custom
// parameters on the start event.
func StreamTwiML(wsURL string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="`)
	xmlEscape(&b, wsURL)
	b.WriteString(`">`)
	for _, k := range sortedKeys(params) {
		b.WriteString(`<Parameter name="`)
		xmlEscape(&b, k)
		b.WriteString(`" value="`)
		xmlEscape(&b, params[k])
		b.WriteString(`"/>`)
	}
	b.WriteString(`</Stream></Connect></Response>`)
	return b.String()
}

// ConferenceStreamTwiML builds a TwiML document that forks the call's media
// to a stream endpoint and then joins the named conference. Used on transfer:
// the media stream reconnects while the carrier bridges the human legs.
func ConferenceStreamTwiML(wsURL string, params map[string]string, name, statusCallback string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Start><Stream url="`)
	xmlEscape(&b, wsURL)
	b.WriteString(`">`)
	for _, k := range sortedKeys(params) {
		b.WriteString(`<Parameter name="`)
		xmlEscape(&b, k)
		b.WriteString(`" value="`)
		xmlEscape(&b, params[k])
		b.WriteString(`"/>`)
	}
	b.WriteString(`</Stream></Start><Dial><Conference`)
	if statusCallback != "" {
		b.WriteString(` statusCallback="`)
		xmlEscape(&b, statusCallback)
		b.WriteString(`" statusCallbackEvent="join leave end"`)
	}
	b.WriteString(` endConferenceOnExit="true">`)
	xmlEscape(&b, name)
	b.WriteString(`</Conference></Dial></Response>`)
	return b.String()
}

func xmlEscape(b *strings.Builder, s string) {
	_ = xml.EscapeText(b, []byte(s))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
