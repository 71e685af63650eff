package observations

import (
	"net/url"
	"strings"
	"time"
)

const (
	ResponseFormatOM2 = "http://www.opengis.net/om/2.0"
	DefaultProcedure  = "http://vocab.example.com/sensorweb/procedure/gsod"
	DefaultYears      = 3

	// isoMillis matches the ISO-8601 form SOS servers expect in temporal
	// filters, millisecond precision with explicit offset.
	isoMillis = "2006-01-02T15:04:05.000Z07:00"
)

// DefaultReference is the fixed end of the query window used unless a Query
// sets its own.
var DefaultReference = time.Date(2016, time.January, 1, 0, 0, 0, 0, time.UTC)

// Query describes one SOS 2.0 GetObservation request.
type Query struct {
	BaseURL          string
	Procedure        string
	ObservedProperty string
	ResponseFormat   string
	// Years is the window length counted back from Reference.
	Years     int
	Reference time.Time
}

func (q Query) withDefaults() Query {
	if q.ResponseFormat == "" {
		q.ResponseFormat = ResponseFormatOM2
	}
	if q.Years <= 0 {
		q.Years = DefaultYears
	}
	if q.Reference.IsZero() {
		q.Reference = DefaultReference
	}
	return q
}

// Window returns [Reference - Years, Reference].
func (q Query) Window() (start, end time.Time) {
	q = q.withDefaults()
	return q.Reference.AddDate(-q.Years, 0, 0), q.Reference
}

// TemporalFilter renders the window as an om:phenomenonTime filter value.
func (q Query) TemporalFilter() string {
	start, end := q.Window()
	return "om:phenomenonTime," + start.Format(isoMillis) + "/" + end.Format(isoMillis)
}

// URL builds the KVP request. Parameters keep a fixed order; optional ones are
// omitted when empty.
func (q Query) URL() string {
	q = q.withDefaults()

	params := [][2]string{
		{"service", "SOS"},
		{"version", "2.0.0"},
		{"request", "GetObservation"},
		{"procedure", q.Procedure},
		{"observedProperty", q.ObservedProperty},
		{"responseFormat", q.ResponseFormat},
		{"temporalFilter", q.TemporalFilter()},
	}

	var b strings.Builder
	b.WriteString(q.BaseURL)
	sep := "?"
	if strings.Contains(q.BaseURL, "?") {
		sep = "&"
	}
	for _, p := range params {
		if p[1] == "" {
			continue
		}
		b.WriteString(sep)
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p[1]))
		sep = "&"
	}
	return b.String()
}
