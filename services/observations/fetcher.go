package observations

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"swatwps/pkg/metrics"
)

const maxResponseBytes = 64 << 20

// Status summarises a fetched series.
type Status struct {
	Sensor string
	Latest *Record
	Count  int
}

// Missing reports whether the series was empty.
func (s Status) Missing() bool { return s.Latest == nil }

func (s Status) String() string {
	if s.Latest == nil {
		return "MISSING"
	}
	return fmt.Sprintf("OK - [%s] last: %s", s.Sensor, s.Latest.Time.Format(time.RFC3339))
}

// Fetcher issues GetObservation requests.
type Fetcher struct {
	Client *http.Client
	Logger zerolog.Logger
}

func NewFetcher(logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
		Logger: logger,
	}
}

// Fetch retrieves and parses the series for q, sorted ascending by time.
func (f *Fetcher) Fetch(ctx context.Context, q Query) (Series, error) {
	if q.BaseURL == "" {
		return nil, fmt.Errorf("%w: service url is required", ErrTransport)
	}
	target := q.URL()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		metrics.ObservationFetchTotal.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	req.Header.Set("Accept", "application/xml, text/xml")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	f.Logger.Debug().Str("url", target).Msg("fetching observations")

	resp, err := client.Do(req)
	if err != nil {
		metrics.ObservationFetchTotal.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.ObservationFetchTotal.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("%w: read response: %w", ErrTransport, err)
	}
	if resp.StatusCode/100 != 2 {
		metrics.ObservationFetchTotal.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("%w: %s returned %s", ErrTransport, q.BaseURL, resp.Status)
	}

	series, err := Parse(body)
	if err != nil {
		metrics.ObservationFetchTotal.WithLabelValues("parse_error").Inc()
		return nil, err
	}
	return series, nil
}

// Latest fetches q and reports its most recent reading.
func (f *Fetcher) Latest(ctx context.Context, q Query) (Status, error) {
	series, err := f.Fetch(ctx, q)
	if err != nil {
		return Status{Sensor: q.Procedure}, err
	}

	status := Status{Sensor: q.Procedure, Count: len(series)}
	if latest, ok := series.Latest(); ok {
		status.Latest = &latest
		metrics.ObservationFetchTotal.WithLabelValues("ok").Inc()
	} else {
		metrics.ObservationFetchTotal.WithLabelValues("missing").Inc()
	}
	f.Logger.Info().Str("sensor", q.Procedure).Int("observations", status.Count).
		Str("status", status.String()).Msg("observation status")
	return status, nil
}
