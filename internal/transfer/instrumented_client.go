package transfer

import (
	"context"
	"io"

	"github.com/prepperapp/prepper/internal/telemetry"
)

// InstrumentedFetcher wraps Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher   Fetcher
	telemetry *telemetry.Telemetry
}

// NewInstrumentedFetcher creates a new instrumented fetcher.
func NewInstrumentedFetcher(fetcher Fetcher, tel *telemetry.Telemetry) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		fetcher:   fetcher,
		telemetry: tel,
	}
}

// FetchRange opens a range with telemetry. Only the request is measured;
// the body is streamed by the caller.
func (f *InstrumentedFetcher) FetchRange(ctx context.Context, uri string, start, end int64) (io.ReadCloser, error) {
	var result io.ReadCloser

	err := f.telemetry.InstrumentOperation(ctx, "fetch_range", "transfer", func(ctx context.Context) error {
		var err error

		result, err = f.fetcher.FetchRange(ctx, uri, start, end)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
