// Package domain holds the value types shared by stores, services and the dispatcher.
package domain

import (
	"strconv"
	"strings"
	"time"
)

// SubscriberID identifies a chat that can receive notifications.
// Telegram chat ids are stored in their decimal string form.
type SubscriberID string

func SubscriberFromChat(chatID int64) SubscriberID {
	return SubscriberID(strconv.FormatInt(chatID, 10))
}

// ChatID parses the identity back into a numeric chat id.
func (id SubscriberID) ChatID() (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(string(id)), 10, 64)
}

func (id SubscriberID) String() string { return string(id) }

// TimestampLayout is the wall-clock layout used in announcements and stored records.
const TimestampLayout = "2006-01-02 15:04:05"

// Record is one carbon-emission measurement.
type Record struct {
	ID        string    `json:"id"`
	Plant     string    `json:"plant"`
	CO2e      float64   `json:"co2e"`
	Timestamp time.Time `json:"timestamp"`
}

// FormattedTime renders the timestamp in its own location.
func (r Record) FormattedTime() string {
	if r.Timestamp.IsZero() {
		return ""
	}
	return r.Timestamp.Format(TimestampLayout)
}

// FormattedCO2e renders the quantity with two decimals.
func (r Record) FormattedCO2e() string {
	return strconv.FormatFloat(r.CO2e, 'f', 2, 64)
}
