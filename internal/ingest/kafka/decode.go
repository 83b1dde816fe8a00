package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"carbonbot/internal/domain"
)

type payload struct {
	Plant     string   `json:"plant"`
	CO2e      *float64 `json:"co2e"`
	Timestamp string   `json:"timestamp"`
}

var timestampLayouts = []string{time.RFC3339Nano, domain.TimestampLayout, "2006-01-02T15:04:05"}

// Decode parses a JSON record. A missing timestamp means now; a timestamp
// without a zone is read in loc.
func Decode(b []byte, loc *time.Location) (domain.Record, error) {
	var p payload
	if err := json.Unmarshal(b, &p); err != nil {
		return domain.Record{}, fmt.Errorf("decode record: %w", err)
	}
	plant := strings.TrimSpace(p.Plant)
	if plant == "" {
		return domain.Record{}, errors.New("plant required")
	}
	if p.CO2e == nil {
		return domain.Record{}, errors.New("co2e required")
	}
	if v := *p.CO2e; math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return domain.Record{}, fmt.Errorf("invalid co2e %v", v)
	}
	if loc == nil {
		loc = time.UTC
	}

	ts := time.Now().In(loc)
	if raw := strings.TrimSpace(p.Timestamp); raw != "" {
		var err error
		ts, err = parseTimestamp(raw, loc)
		if err != nil {
			return domain.Record{}, err
		}
	}
	return domain.Record{Plant: plant, CO2e: *p.CO2e, Timestamp: ts}, nil
}

func parseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}
