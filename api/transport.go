// ABOUTME: HTTP transport for the calendar server API
// ABOUTME: Builds requests, stamps headers and the bearer token, unwraps the response envelope
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/calclient/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 10 << 20
)

// TransportConfig configures a Transport.
type TransportConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	DeviceID   string
	Version    string
	Logger     zerolog.Logger
	Metrics    metrics.Recorder
}

// Transport performs single HTTP exchanges with the server. It knows nothing about
// sessions; the caller supplies the token.
type Transport struct {
	baseURL   *url.URL
	http      *http.Client
	userAgent string
	log       zerolog.Logger
	metrics   metrics.Recorder
}

// Call describes one API request.
type Call struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Token  string
}

func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("failed to create transport: server URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse server URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("failed to parse server URL: unsupported scheme %q", base.Scheme)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	ua := "calclient/" + version
	if cfg.DeviceID != "" {
		ua += " (device " + cfg.DeviceID + ")"
	}

	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Nop{}
	}

	return &Transport{
		baseURL:   base,
		http:      client,
		userAgent: ua,
		log:       cfg.Logger.With().Str("component", "transport").Logger(),
		metrics:   rec,
	}, nil
}

// BaseURL returns the server root the transport talks to.
func (t *Transport) BaseURL() string {
	return t.baseURL.String()
}

// Do sends the call and decodes the response into out, which may be nil.
// A {"status":"ok","data":...} envelope is unwrapped; any other body is decoded as is.
func (t *Transport) Do(ctx context.Context, call Call, out any) error {
	req, err := t.newRequest(ctx, call)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := t.http.Do(req)
	if err != nil {
		t.metrics.RecordResponse(call.Method, 0)
		t.log.Debug().Err(err).Str("method", call.Method).Str("path", call.Path).Msg("request failed")
		return &Error{Kind: KindNetwork, Method: call.Method, Path: call.Path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	t.metrics.RecordResponse(call.Method, resp.StatusCode)
	t.log.Debug().
		Str("method", call.Method).
		Str("path", call.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Str("request_id", req.Header.Get("X-Request-ID")).
		Msg("request completed")

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Kind: KindNetwork, Method: call.Method, Path: call.Path, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newResponseError(call.Method, call.Path, resp.StatusCode, body)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	if err := json.Unmarshal(unwrapEnvelope(body), out); err != nil {
		return fmt.Errorf("failed to decode response from %s %s: %w", call.Method, call.Path, err)
	}
	return nil
}

func (t *Transport) newRequest(ctx context.Context, call Call) (*http.Request, error) {
	u := *t.baseURL
	u.Path = t.baseURL.Path + call.Path
	if len(call.Query) > 0 {
		u.RawQuery = call.Query.Encode()
	}

	var body io.Reader
	if call.Body != nil {
		data, err := json.Marshal(call.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if call.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("X-Request-ID", uuid.New().String())

	if call.Token != "" {
		tok := &oauth2.Token{AccessToken: call.Token, TokenType: "Bearer"}
		tok.SetAuthHeader(req)
	}

	return req, nil
}

// unwrapEnvelope returns the data member of a success envelope, or body unchanged.
func unwrapEnvelope(body []byte) []byte {
	var env struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	if env.Status != "ok" {
		return body
	}
	if len(env.Data) == 0 {
		return []byte("null")
	}
	return env.Data
}
