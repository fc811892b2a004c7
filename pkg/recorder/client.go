package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sequent/sequent/internal/errors"
	"github.com/sequent/sequent/pkg/types"
)

// HTTPAppender delivers records to a remote ingest service. It satisfies
// Appender and maps HTTP failures onto the same error taxonomy the
// in-process store uses, so the spool fallback treats local and remote
// targets alike.
type HTTPAppender struct {
	baseURL string
	http    *http.Client
	headers http.Header
}

// HTTPOption configures the HTTPAppender.
type HTTPOption func(*HTTPAppender)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAppender) { a.http = c }
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) HTTPOption {
	return func(a *HTTPAppender) {
		if a.headers == nil {
			a.headers = make(http.Header)
		}
		a.headers.Add(name, value)
	}
}

// WithBearerToken sends an Authorization bearer token. Required when the
// service runs with authorization enabled; the token needs the writer role.
func WithBearerToken(token string) HTTPOption {
	return WithHeader("Authorization", "Bearer "+token)
}

// NewHTTPAppender creates a client for the ingest service at baseURL, for
// example "http://localhost:8080".
func NewHTTPAppender(baseURL string, opts ...HTTPOption) (*HTTPAppender, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("recorder: base URL is required")
	}
	a := &HTTPAppender{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.http == nil {
		a.http = &http.Client{Timeout: 30 * time.Second}
	}
	return a, nil
}

var _ Appender = (*HTTPAppender)(nil)

// Append POSTs the record to /v1/records and returns the stored form.
func (a *HTTPAppender) Append(ctx context.Context, rec *types.Record) (*types.Record, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.NewValidationError(errors.CodeMalformedInput,
			fmt.Sprintf("failed to marshal record: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/records", bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewInternalError("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range a.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeUnavailable, "event log unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated {
		var stored types.Record
		if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
			return nil, errors.NewInternalError("failed to decode stored record", err)
		}
		return &stored, nil
	}

	return nil, responseError(resp)
}

// responseError maps an HTTP error response back onto the domain taxonomy.
// Server-side trouble is retryable; rejected input and refused credentials
// are not.
func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	code := ""
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Error != "" {
		msg = body.Error
		code = body.Code
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		if code == "" {
			code = errors.CodeMalformedInput
		}
		return errors.NewValidationError(code, msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if code == "" {
			code = errors.CodeForbidden
		}
		return errors.NewAuthError(code, msg)
	case resp.StatusCode >= 500:
		return errors.NewStorageError(errors.CodeUnavailable, msg, nil)
	default:
		return errors.NewInternalError(msg, nil)
	}
}
