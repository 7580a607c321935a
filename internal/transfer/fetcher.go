package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// Fetcher retrieves an inclusive byte range of a remote artifact.
type Fetcher interface {
	FetchRange(ctx context.Context, uri string, start, end int64) (io.ReadCloser, error)
}

// HTTPFetcher fetches ranges with HTTP Range requests.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds a fetcher whose transport is traced with otelhttp.
// A non-empty token is sent as a bearer credential.
func NewHTTPFetcher(timeout time.Duration, token string) *HTTPFetcher {
	client := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	if token != "" {
		tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		oauthClient := oauth2.NewClient(context.WithValue(context.Background(), oauth2.HTTPClient, client), tokenSource)
		oauthClient.Timeout = timeout
		client = oauthClient
	}

	return &HTTPFetcher{client: client}
}

// Client exposes the configured HTTP client so manifest fetches share it.
func (f *HTTPFetcher) Client() *http.Client {
	return f.client
}

// FetchRange requests bytes [start, end]. Servers must answer 206; a 200 is
// accepted only when the requested range is the whole resource.
func (f *HTTPFetcher) FetchRange(ctx context.Context, uri string, start, end int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &NetworkError{Operation: "fetch_range", Message: "invalid request", Err: err}
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}

		return nil, &NetworkError{Operation: "fetch_range", Message: err.Error(), Transient: true, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		return resp.Body, nil
	case resp.StatusCode == http.StatusOK && start == 0 && resp.ContentLength == end+1:
		return resp.Body, nil
	}

	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil, &NetworkError{
			Operation:  "fetch_range",
			StatusCode: resp.StatusCode,
			Message:    "server ignored the range request",
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthenticationError{
			Operation: "fetch_range",
			Err:       fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return nil, &NetworkError{
			Operation:  "fetch_range",
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Transient:  true,
		}
	default:
		return nil, &NetworkError{
			Operation:  "fetch_range",
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		}
	}
}
