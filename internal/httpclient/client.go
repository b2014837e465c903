// Package httpclient holds the outbound HTTP plumbing shared by the engine
// and downstream CRM clients (internal/engine, internal/bitrix): base-URL
// normalization, timeout/TLS defaults, rate limiting, and bounded body
// reads. Neither client talks to a generic "service mesh" peer, so this
// package only carries what those two HTTP integrations actually need.
package httpclient

import (
	"fmt"
	"net/http"
	"time"
)

// =============================================================================
// HTTP Client Configuration
// =============================================================================

// ClientConfig holds standard client configuration used across the engine
// and downstream CRM clients. This eliminates duplication of client creation
// logic between internal/engine and internal/bitrix.
type ClientConfig struct {
	// BaseURL is the base URL for the service (will be normalized)
	BaseURL string

	// Timeout is the request timeout. Zero means use default.
	Timeout time.Duration

	// HTTPClient is the base HTTP client to use. If nil, a default client
	// with a TLS 1.2+ transport will be created.
	HTTPClient *http.Client

	// MaxBodyBytes caps response body size to prevent memory exhaustion.
	// Zero means use default.
	MaxBodyBytes int64
}

// ClientDefaults holds default values for client configuration.
type ClientDefaults struct {
	Timeout         time.Duration
	MaxBodyBytes    int64
	NormalizeBaseURL bool
	RequireHTTPS    bool
}

// DefaultClientDefaults returns standard default values.
func DefaultClientDefaults() ClientDefaults {
	return ClientDefaults{
		Timeout:         30 * time.Second,
		MaxBodyBytes:    1 << 20, // 1MiB
		NormalizeBaseURL: true,
		RequireHTTPS:    false,
	}
}

// =============================================================================
// Client Creation Helper
// =============================================================================

// NewClient creates an HTTP client with standardized configuration. It
// handles base URL normalization (by the caller), timeout defaults, and
// enforces a TLS 1.2+ transport on any client it creates itself.
//
// Example:
//
//	client, err := NewClient(ClientConfig{
//	    BaseURL: cfg.EngineBaseURL,
//	}, ClientDefaults{
//	    Timeout: 15 * time.Second,
//	})
func NewClient(cfg ClientConfig, defaults ClientDefaults) (*http.Client, error) {
	// Apply timeout defaults
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	forceTimeout := cfg.Timeout != 0

	// Copy or create HTTP client with timeout
	client := CopyHTTPClientWithTimeout(cfg.HTTPClient, timeout, forceTimeout)
	if client.Transport == nil {
		client.Transport = DefaultTransportWithMinTLS12()
	}

	return client, nil
}

// NewClientWithBaseURL creates a client with base URL normalization.
// This is the pattern both the engine and downstream CRM clients use.
// Returns the HTTP client, the normalized base URL, and the effective
// max-response-body-bytes limit for decoding that client's responses.
func NewClientWithBaseURL(cfg ClientConfig, defaults ClientDefaults) (*http.Client, string, int64, error) {
	// Normalize base URL
	var normalizedURL string
	var err error

	if defaults.NormalizeBaseURL {
		if defaults.RequireHTTPS {
			normalizedURL, _, err = NormalizeServiceBaseURL(cfg.BaseURL)
		} else {
			normalizedURL, _, err = NormalizeBaseURL(cfg.BaseURL, BaseURLOptions{})
		}
		if err != nil {
			return nil, "", 0, fmt.Errorf("normalize base URL: %w", err)
		}
	} else {
		normalizedURL = cfg.BaseURL
	}

	// Create client
	client, err := NewClient(ClientConfig{
		BaseURL:    normalizedURL,
		Timeout:    cfg.Timeout,
		HTTPClient: cfg.HTTPClient,
	}, defaults)
	if err != nil {
		return nil, "", 0, err
	}

	maxBodyBytes := ResolveMaxBodyBytes(cfg.MaxBodyBytes, defaults.MaxBodyBytes)

	return client, normalizedURL, maxBodyBytes, nil
}

// =============================================================================
// Max Body Size Helper
// =============================================================================

// ResolveMaxBodyBytes returns the effective max body size from config and defaults.
func ResolveMaxBodyBytes(cfg int64, defaultBytes int64) int64 {
	if cfg <= 0 {
		return defaultBytes
	}
	return cfg
}
