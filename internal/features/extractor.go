// Package features normalizes raw transaction records into the
// canonical feature set shared by every scorer.
package features

import (
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Unknown is the sentinel for absent categorical values.
const Unknown = "UNKNOWN"

// Names is the canonical feature ordering. The learned scorer's encoders,
// scaler, and weights are all indexed by this order.
var Names = []string{
	"amount", "country", "merchant", "channel",
	"device", "card_type", "hour", "day_of_week",
}

// Set is a canonical feature record extracted from a transaction.
type Set struct {
	Amount    float64
	Country   string
	Merchant  string
	Channel   string
	Device    string
	CardType  string
	Hour      int
	DayOfWeek int
}

// FromRecord extracts features from a raw transaction-like mapping.
// It never fails: missing or malformed values fall back to defaults
// (0 for amount, the UNKNOWN sentinel for categoricals, now for the
// timestamp). Where the wire format spells a key differently
// (cardType, createdAt) both spellings are accepted.
func FromRecord(record map[string]any, now time.Time) Set {
	ts := timestampField(record, "ts", "created_at", "createdAt")
	if ts.IsZero() {
		ts = now
	}

	hour := ts.Hour()
	if h, ok := intField(record, "hour"); ok {
		hour = h
	}

	return Set{
		Amount:    floatField(record, "amount"),
		Country:   stringField(record, "country"),
		Merchant:  stringField(record, "merchant"),
		Channel:   stringField(record, "channel"),
		Device:    stringField(record, "device"),
		CardType:  stringField(record, "card_type", "cardType"),
		Hour:      hour,
		DayOfWeek: int(ts.Weekday()),
	}
}

// FromTransaction extracts features from a persisted transaction.
func FromTransaction(tx *domain.Transaction, now time.Time) Set {
	ts := tx.Timestamp
	if ts.IsZero() {
		ts = tx.CreatedAt
	}
	if ts.IsZero() {
		ts = now
	}

	return Set{
		Amount:    tx.Amount,
		Country:   orUnknown(tx.Country),
		Merchant:  orUnknown(tx.Merchant),
		Channel:   orUnknown(tx.Channel),
		Device:    orUnknown(tx.Device),
		CardType:  orUnknown(tx.CardType),
		Hour:      tx.Hour,
		DayOfWeek: int(ts.Weekday()),
	}
}

// Categorical returns the categorical feature values keyed by name.
func (s Set) Categorical() map[string]string {
	return map[string]string{
		"country":   s.Country,
		"merchant":  s.Merchant,
		"channel":   s.Channel,
		"device":    s.Device,
		"card_type": s.CardType,
	}
}

func orUnknown(v string) string {
	if v == "" {
		return Unknown
	}
	return v
}

func stringField(record map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := record[key].(string); ok && s != "" {
			return s
		}
	}
	return Unknown
}

func floatField(record map[string]any, key string) float64 {
	switch v := record[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func intField(record map[string]any, key string) (int, bool) {
	switch v := record[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func timestampField(record map[string]any, keys ...string) time.Time {
	for _, key := range keys {
		switch v := record[key].(type) {
		case time.Time:
			if !v.IsZero() {
				return v
			}
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}
