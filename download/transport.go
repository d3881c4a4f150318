package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Response is a successful GET.
type Response struct {
	StatusCode int

	// Body is the response content. The caller must close it.
	Body io.ReadCloser

	// Offset is the position of Body's first byte within the resource. It is
	// 0 when the server ignored a range request.
	Offset int64

	// Total is the full resource length, or -1 if unknown.
	Total int64
}

// Transport performs GET requests with optional open-ended ranges.
type Transport struct {
	client    *http.Client
	headers   http.Header
	userAgent string
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithClient sets the HTTP client used for requests.
func WithClient(client *http.Client) TransportOption {
	return func(t *Transport) {
		t.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers http.Header) TransportOption {
	return func(t *Transport) {
		if headers == nil {
			return
		}
		t.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) TransportOption {
	return func(t *Transport) {
		if t.headers == nil {
			t.headers = make(http.Header)
		}
		t.headers.Set(key, value)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) TransportOption {
	return func(t *Transport) {
		t.userAgent = ua
	}
}

// NewTransport creates a Transport. It uses http.DefaultClient unless
// WithClient is given.
func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{client: http.DefaultClient}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		t.client = http.DefaultClient
	}
	return t
}

// Get fetches url starting at offset. A positive offset sends
// "Range: bytes=<offset>-"; servers without range support answer 200 and the
// returned Offset is 0. Non-2xx responses are returned as *StatusError.
func (t *Transport) Get(ctx context.Context, url string, offset int64) (*Response, error) {
	req, err := t.newRequest(ctx, url)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &Response{
			StatusCode: resp.StatusCode,
			Body:       resp.Body,
			Offset:     0,
			Total:      resp.ContentLength,
		}, nil
	case http.StatusPartialContent:
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			drain(resp.Body)
			return nil, err
		}
		return &Response{
			StatusCode: resp.StatusCode,
			Body:       resp.Body,
			Offset:     start,
			Total:      total,
		}, nil
	default:
		drain(resp.Body)
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}
}

func (t *Transport) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range t.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	return req, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body) //nolint:errcheck // best-effort drain for connection reuse
	_ = body.Close()
}

// parseContentRange parses "bytes start-end/size". A size of "*" yields -1.
func parseContentRange(value string) (start, total int64, err error) {
	invalid := fmt.Errorf("invalid Content-Range %q", value)
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, 0, invalid
	}
	span, size, ok := strings.Cut(strings.TrimPrefix(value, "bytes "), "/")
	if !ok {
		return 0, 0, invalid
	}
	first, _, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, invalid
	}
	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, invalid
	}
	if size == "*" {
		return start, -1, nil
	}
	total, err = strconv.ParseInt(size, 10, 64)
	if err != nil || total < 0 {
		return 0, 0, invalid
	}
	return start, total, nil
}
