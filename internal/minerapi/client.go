// Package minerapi is the HTTP client for the miners' native device APIs.
//
// A probe is one bounded-time query against a single IP. The client tries
// the known API shapes in a fixed priority order (Bitaxe/AxeOS first, then
// NerdMiner); the first shape that parses with an identity marker decides
// the device type. Config pushes go to the AxeOS settings endpoint with
// both stratum targets in a single request.
//
// The client never retries: retry policy belongs to the scanner and
// dispatcher, which must bound total wall-clock time across hundreds of
// hosts regardless of individual flakiness.
package minerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashwatch/hashwatch-core/internal/device"
)

// Default timeouts, matching the sweep budget: a /24 scan at concurrency
// 50 stays under ~11s worst case with a 2s probe timeout.
const (
	DefaultProbeTimeout = 2 * time.Second
	DefaultPushTimeout  = 5 * time.Second

	// maxResponseBytes caps status payload reads; miner status payloads
	// are well under 16KB.
	maxResponseBytes = 1 << 16
)

// Endpoint paths per device API shape.
const (
	bitaxeInfoPath    = "/api/system/info"
	bitaxeSystemPath  = "/api/system"
	nerdminerInfoPath = "/api/status"
)

// Client probes devices and pushes configuration over their native HTTP
// APIs. Safe for concurrent use; the underlying http.Client pools
// connections across probe workers.
type Client struct {
	http         *http.Client
	probeTimeout time.Duration
	pushTimeout  time.Duration
	// scheme is overridable for tests against httptest servers.
	scheme string
}

// Option configures a Client.
type Option func(*Client)

// WithProbeTimeout overrides the per-probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Client) { c.probeTimeout = d }
}

// WithPushTimeout overrides the per-push timeout.
func WithPushTimeout(d time.Duration) Option {
	return func(c *Client) { c.pushTimeout = d }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a device API client with the given options.
func New(opts ...Option) *Client {
	c := &Client{
		http:         &http.Client{},
		probeTimeout: DefaultProbeTimeout,
		pushTimeout:  DefaultPushTimeout,
		scheme:       "http",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Probe performs one liveness and telemetry query against ip.
//
// Returns a snapshot on the first API shape that yields a well-formed
// response, or one of ErrTimeout, ErrConnectionRefused, ErrBadResponse.
// Cancelling ctx surfaces the context error itself, never ErrTimeout.
// A transport failure on the first shape aborts the probe (the host is
// down, not a different model); only an HTTP- or parse-level mismatch
// falls through to the next shape.
func (c *Client) Probe(ctx context.Context, ip string) (*device.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	body, err := c.get(ctx, ip, bitaxeInfoPath)
	if err == nil {
		var info bitaxeSystemInfo
		if json.Unmarshal(body, &info) == nil {
			if snap, ok := info.snapshot(ip); ok {
				return snap, nil
			}
		}
		// Answered on the AxeOS path but with the wrong shape; try the
		// next shape before giving up.
	} else if !isShapeMiss(err) {
		return nil, err
	}

	body, err = c.get(ctx, ip, nerdminerInfoPath)
	if err != nil {
		if isShapeMiss(err) {
			return nil, fmt.Errorf("%w: no known API shape at %s", ErrBadResponse, ip)
		}
		return nil, err
	}

	var status nerdminerStatus
	if json.Unmarshal(body, &status) == nil {
		if snap, ok := status.snapshot(ip); ok {
			return snap, nil
		}
	}

	return nil, fmt.Errorf("%w: no known API shape at %s", ErrBadResponse, ip)
}

// PushConfig applies a stratum settings pair to the device at ip.
//
// The pair travels in one PATCH request; the device accepts or rejects it
// atomically. Returns ErrConfigRejected when the device answers non-2xx,
// or a transport-classified error otherwise.
func (c *Client) PushConfig(ctx context.Context, ip string, settings device.Settings) error {
	ctx, cancel := context.WithTimeout(ctx, c.pushTimeout)
	defer cancel()

	payload, err := json.Marshal(newConfigPayload(settings))
	if err != nil {
		return fmt.Errorf("marshalling config payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.url(ip, bitaxeSystemPath), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building config request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes)) //nolint:errcheck // best-effort detail for the outcome record
		return fmt.Errorf("%w: %s: %s", ErrConfigRejected, resp.Status, bytes.TrimSpace(detail))
	}

	return nil
}

// get fetches one status endpoint and returns the raw body.
// Non-200 statuses surface as ErrBadResponse so the caller can fall
// through to the next API shape.
func (c *Client) get(ctx context.Context, ip, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(ip, path), nil)
	if err != nil {
		return nil, fmt.Errorf("building probe request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s %s returned %s", ErrBadResponse, http.MethodGet, path, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return body, nil
}

func (c *Client) url(ip, path string) string {
	return c.scheme + "://" + ip + path
}

// isShapeMiss reports whether an error means "this host answered but not
// with this shape" (keep trying) rather than "this host is unreachable"
// (stop probing).
func isShapeMiss(err error) bool {
	return errors.Is(err, ErrBadResponse)
}
