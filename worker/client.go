package worker

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/itskum47/hqm/store"
)

// maxSummaryBody bounds how much of a response body is retained in the
// durable response summary.
const maxSummaryBody = 64 * 1024

// Response is the outcome of one executed HTTP request.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Duration   time.Duration
}

// Executor issues a request and returns its response, or an error when no
// response was received. Implementations must honour the request timeout.
type Executor interface {
	Execute(ctx context.Context, r *store.Request) (*Response, error)
}

// HTTPExecutor executes requests with a shared net/http client.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor builds an executor. A nil client selects a default with
// sane transport limits; per-request deadlines come from the request itself.
func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxIdleConnsPerHost = 32
		client = &http.Client{Transport: transport}
	}
	return &HTTPExecutor{client: client}
}

func (e *HTTPExecutor) Execute(ctx context.Context, r *store.Request) (*Response, error) {
	if timeout := r.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, err
	}
	for name, value := range r.Headers {
		req.Header.Set(name, value)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	summary, _ := io.ReadAll(io.LimitReader(resp.Body, maxSummaryBody))
	// drain the rest so the connection can be reused
	io.Copy(io.Discard, resp.Body)

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       summary,
		Duration:   time.Since(start),
	}, nil
}
