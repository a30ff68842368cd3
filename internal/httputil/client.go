// Package httputil holds the HTTP client seam used by polling feeds and the
// JSON response helpers used by the API.
package httputil

import (
	"io"
	"net/http"
	"strings"
	"sync"
)

// HTTPClient is the part of *http.Client that feeds depend on.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StandardClient wraps *http.Client to implement HTTPClient.
type StandardClient struct {
	*http.Client
}

// NewStandardClient wraps c, or http.DefaultClient when c is nil.
func NewStandardClient(c *http.Client) *StandardClient {
	if c == nil {
		c = http.DefaultClient
	}
	return &StandardClient{Client: c}
}

// MockResponse is a canned reply for MockHTTPClient.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    http.Header
	Error      error
}

// MockHTTPClient replays queued responses and records every request. Once
// the queue is drained it answers 200 with an empty body. DoFunc, when set,
// takes precedence over the queue and is called without holding the lock,
// so it may block on the request context.
type MockHTTPClient struct {
	DoFunc       func(req *http.Request) (*http.Response, error)
	DefaultError error

	mu        sync.Mutex
	requests  []*http.Request
	responses []MockResponse
	next      int
}

// NewMockHTTPClient creates an empty mock.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

// AddResponse queues a status and body.
func (m *MockHTTPClient) AddResponse(statusCode int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, MockResponse{StatusCode: statusCode, Body: body})
	return m
}

// AddErrorResponse queues a transport error.
func (m *MockHTTPClient) AddErrorResponse(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, MockResponse{Error: err})
	return m
}

// Do records req and returns the next reply.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	doFunc, defaultErr := m.DoFunc, m.DefaultError
	resp := MockResponse{StatusCode: http.StatusOK}
	if doFunc == nil && defaultErr == nil && m.next < len(m.responses) {
		resp = m.responses[m.next]
		m.next++
	}
	m.mu.Unlock()

	switch {
	case doFunc != nil:
		return doFunc(req)
	case defaultErr != nil:
		return nil, defaultErr
	case resp.Error != nil:
		return nil, resp.Error
	}
	headers := resp.Headers
	if headers == nil {
		headers = make(http.Header)
	}
	return &http.Response{
		StatusCode: resp.StatusCode,
		Body:       io.NopCloser(strings.NewReader(resp.Body)),
		Header:     headers,
		Request:    req,
	}, nil
}

// GetRequest returns the nth recorded request, or nil.
func (m *MockHTTPClient) GetRequest(n int) *http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.requests) {
		return nil
	}
	return m.requests[n]
}

// RequestCount returns the number of recorded requests.
func (m *MockHTTPClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
