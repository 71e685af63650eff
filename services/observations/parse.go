package observations

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTransport = errors.New("observation transport failure")
	ErrParse     = errors.New("observation parse failure")
)

// Record is one sensor reading.
type Record struct {
	Time             time.Time `json:"time"`
	Value            float64   `json:"value"`
	UOM              string    `json:"uom,omitempty"`
	Sensor           string    `json:"sensor,omitempty"`
	ObservedProperty string    `json:"observed_property,omitempty"`
}

// Series is a sequence of readings. Sorted series are ascending by Time.
type Series []Record

// Sort orders the series chronologically, keeping response order for ties.
func (s Series) Sort() {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Time.Before(s[j].Time) })
}

// Latest returns the reading with the greatest timestamp.
func (s Series) Latest() (Record, bool) {
	if len(s) == 0 {
		return Record{}, false
	}
	latest := s[0]
	for _, r := range s[1:] {
		if !r.Time.Before(latest.Time) {
			latest = r
		}
	}
	return latest, true
}

type document struct {
	XMLName      xml.Name
	Observations []omObservation `xml:"observationData>OM_Observation"`
	Exceptions   []owsException  `xml:"Exception"`
}

type reference struct {
	Href  string `xml:"href,attr"`
	Title string `xml:"title,attr"`
}

type omObservation struct {
	ID               string    `xml:"id,attr"`
	Procedure        reference `xml:"procedure"`
	ObservedProperty reference `xml:"observedProperty"`
	PhenomenonTime   struct {
		Instant *struct {
			Position string `xml:"timePosition"`
		} `xml:"TimeInstant"`
		Period *struct {
			Begin string `xml:"beginPosition"`
			End   string `xml:"endPosition"`
		} `xml:"TimePeriod"`
	} `xml:"phenomenonTime"`
	Result struct {
		UOM   string `xml:"uom,attr"`
		Value string `xml:",chardata"`
	} `xml:"result"`
}

type owsException struct {
	Code    string   `xml:"exceptionCode,attr"`
	Locator string   `xml:"locator,attr"`
	Text    []string `xml:"ExceptionText"`
}

// Parse decodes an O&M 2.0 GetObservationResponse. Period phenomenon times are
// reported at their end position. The returned series is sorted.
func Parse(body []byte) (Series, error) {
	var doc document
	dec := xml.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	switch doc.XMLName.Local {
	case "GetObservationResponse":
	case "ExceptionReport":
		return nil, fmt.Errorf("%w: service exception: %s", ErrParse, describeExceptions(doc.Exceptions))
	default:
		return nil, fmt.Errorf("%w: unexpected root element %q", ErrParse, doc.XMLName.Local)
	}

	series := make(Series, 0, len(doc.Observations))
	for i, obs := range doc.Observations {
		rec, err := obs.record()
		if err != nil {
			return nil, fmt.Errorf("%w: observation %d: %w", ErrParse, i, err)
		}
		series = append(series, rec)
	}
	series.Sort()
	return series, nil
}

func (o omObservation) record() (Record, error) {
	var raw string
	switch {
	case o.PhenomenonTime.Instant != nil:
		raw = o.PhenomenonTime.Instant.Position
	case o.PhenomenonTime.Period != nil:
		raw = o.PhenomenonTime.Period.End
	}
	ts, err := parseTime(raw)
	if err != nil {
		return Record{}, err
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(o.Result.Value), 64)
	if err != nil {
		return Record{}, fmt.Errorf("result value: %w", err)
	}

	return Record{
		Time:             ts,
		Value:            value,
		UOM:              o.Result.UOM,
		Sensor:           o.Procedure.Href,
		ObservedProperty: o.ObservedProperty.Href,
	}, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z0700",
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("missing phenomenon time")
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("phenomenon time %q is not ISO-8601", raw)
}

func describeExceptions(excs []owsException) string {
	if len(excs) == 0 {
		return "empty exception report"
	}
	parts := make([]string, 0, len(excs))
	for _, e := range excs {
		msg := e.Code
		if e.Locator != "" {
			msg += " (" + e.Locator + ")"
		}
		if len(e.Text) > 0 {
			msg += ": " + strings.Join(e.Text, "; ")
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, ", ")
}
