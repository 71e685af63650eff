package observations

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const responseTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<sos:GetObservationResponse xmlns:sos="http://www.opengis.net/sos/2.0"
    xmlns:om="http://www.opengis.net/om/2.0"
    xmlns:gml="http://www.opengis.net/gml/3.2"
    xmlns:xlink="http://www.w3.org/1999/xlink">
%s
</sos:GetObservationResponse>`

func observation(id, when, value string) string {
	return `<sos:observationData>
  <om:OM_Observation gml:id="` + id + `">
    <om:procedure xlink:href="urn:gsod:station:1"/>
    <om:observedProperty xlink:href="urn:phenomenon:temperature"/>
    <om:phenomenonTime>
      <gml:TimeInstant gml:id="t` + id + `"><gml:timePosition>` + when + `</gml:timePosition></gml:TimeInstant>
    </om:phenomenonTime>
    <om:result uom="degC">` + value + `</om:result>
  </om:OM_Observation>
</sos:observationData>`
}

func response(observations ...string) string {
	return strings.Replace(responseTemplate, "%s", strings.Join(observations, "\n"), 1)
}

func TestQueryURL(t *testing.T) {
	q := Query{
		BaseURL:          "http://sos.example.com/service",
		Procedure:        DefaultProcedure,
		ObservedProperty: "urn:phenomenon:temperature",
		Years:            3,
	}

	want := "http://sos.example.com/service?service=SOS&version=2.0.0&request=GetObservation" +
		"&procedure=" + url.QueryEscape(DefaultProcedure) +
		"&observedProperty=" + url.QueryEscape("urn:phenomenon:temperature") +
		"&responseFormat=" + url.QueryEscape(ResponseFormatOM2) +
		"&temporalFilter=" + url.QueryEscape("om:phenomenonTime,2013-01-01T00:00:00.000Z/2016-01-01T00:00:00.000Z")
	if got := q.URL(); got != want {
		t.Fatalf("URL() =\n%s\nwant\n%s", got, want)
	}

	bare := Query{BaseURL: "http://sos.example.com/kvp?x=1"}.URL()
	if strings.Contains(bare, "procedure=") || strings.Contains(bare, "observedProperty=") {
		t.Fatalf("URL() included empty optional parameters: %s", bare)
	}
	if !strings.HasPrefix(bare, "http://sos.example.com/kvp?x=1&service=SOS") {
		t.Fatalf("URL() = %s, want parameters appended to existing query", bare)
	}
}

func TestQueryWindow(t *testing.T) {
	ref := time.Date(2020, time.March, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		q         Query
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"defaults", Query{}, time.Date(2013, time.January, 1, 0, 0, 0, 0, time.UTC), DefaultReference},
		{"custom", Query{Years: 1, Reference: ref}, time.Date(2019, time.March, 1, 12, 0, 0, 0, time.UTC), ref},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := tt.q.Window()
			if !start.Equal(tt.wantStart) || !end.Equal(tt.wantEnd) {
				t.Fatalf("Window() = %s, %s; want %s, %s", start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestParseSortsAscending(t *testing.T) {
	body := response(
		observation("2", "2015-06-02T00:00:00.000Z", "14.5"),
		observation("1", "2015-06-01T00:00:00.000Z", "12"),
		observation("3", "2015-06-03T00:00:00+02:00", "-1.25"),
	)
	series, err := Parse([]byte(body))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(series) != 3 {
		t.Fatalf("Parse() returned %d records, want 3", len(series))
	}
	for i := 1; i < len(series); i++ {
		if series[i].Time.Before(series[i-1].Time) {
			t.Fatalf("series not ascending at %d: %v", i, series)
		}
	}
	latest, ok := series.Latest()
	if !ok || latest.Value != -1.25 || latest.Sensor != "urn:gsod:station:1" || latest.UOM != "degC" {
		t.Fatalf("Latest() = %+v, %v", latest, ok)
	}
}

func TestParsePeriodUsesEnd(t *testing.T) {
	body := strings.Replace(response(observation("1", "x", "1")),
		`<gml:TimeInstant gml:id="t1"><gml:timePosition>x</gml:timePosition></gml:TimeInstant>`,
		`<gml:TimePeriod gml:id="p1"><gml:beginPosition>2015-01-01T00:00:00Z</gml:beginPosition><gml:endPosition>2015-01-02T00:00:00Z</gml:endPosition></gml:TimePeriod>`, 1)
	series, err := Parse([]byte(body))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if want := time.Date(2015, time.January, 2, 0, 0, 0, 0, time.UTC); !series[0].Time.Equal(want) {
		t.Fatalf("record time = %s, want %s", series[0].Time, want)
	}
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"not xml":        "this is not xml",
		"wrong root":     `<html><body>maintenance</body></html>`,
		"bad value":      response(observation("1", "2015-01-01T00:00:00Z", "n/a")),
		"bad time":       response(observation("1", "yesterday", "1")),
		"exception":      `<ows:ExceptionReport xmlns:ows="http://www.opengis.net/ows/1.1"><ows:Exception exceptionCode="InvalidParameterValue" locator="procedure"><ows:ExceptionText>unknown procedure</ows:ExceptionText></ows:Exception></ows:ExceptionReport>`,
		"truncated body": response(observation("1", "2015-01-01T00:00:00Z", "1"))[:120],
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(body)); !errors.Is(err, ErrParse) {
				t.Fatalf("Parse() error = %v, want ErrParse", err)
			}
		})
	}
}

func TestSeriesLatestEmpty(t *testing.T) {
	if _, ok := (Series{}).Latest(); ok {
		t.Fatal("Latest() on empty series reported a record")
	}
	if got := (Status{Sensor: "s"}).String(); got != "MISSING" {
		t.Fatalf("Status.String() = %q, want MISSING", got)
	}
}

func TestFetcherLatest(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/xml")
		if r.URL.Query().Get("procedure") == "empty" {
			_, _ = w.Write([]byte(response()))
			return
		}
		_, _ = w.Write([]byte(response(
			observation("1", "2015-12-30T00:00:00Z", "1"),
			observation("2", "2015-12-31T00:00:00Z", "2"),
		)))
	}))
	defer srv.Close()

	f := NewFetcher(zerolog.Nop())
	status, err := f.Latest(context.Background(), Query{BaseURL: srv.URL, Procedure: "station-1"})
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if got, want := status.String(), "OK - [station-1] last: 2015-12-31T00:00:00Z"; got != want {
		t.Fatalf("Latest() = %q, want %q", got, want)
	}
	if gotQuery.Get("request") != "GetObservation" || gotQuery.Get("temporalFilter") == "" {
		t.Fatalf("server saw query %v", gotQuery)
	}

	status, err = f.Latest(context.Background(), Query{BaseURL: srv.URL, Procedure: "empty"})
	if err != nil {
		t.Fatalf("Latest(empty) error = %v", err)
	}
	if !status.Missing() || status.String() != "MISSING" {
		t.Fatalf("Latest(empty) = %q", status.String())
	}
}

func TestFetcherFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/garbage":
			_, _ = w.Write([]byte("<unterminated"))
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	defer srv.Close()

	tests := []struct {
		name    string
		base    string
		wantErr error
	}{
		{"malformed body", srv.URL + "/garbage", ErrParse},
		{"server error", srv.URL + "/down", ErrTransport},
		{"connection refused", closed.URL, ErrTransport},
		{"no url", "", ErrTransport},
	}

	f := NewFetcher(zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), Query{BaseURL: tt.base})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Fetch() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
