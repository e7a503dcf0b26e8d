package plans

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Unlimited is the feature limit that disables metering
const Unlimited int64 = -1

// Plan is a subscription tier
type Plan struct {
	ID        int64           `json:"id"`
	Slug      string          `json:"slug"`
	Name      string          `json:"name"`
	Rank      int             `json:"rank"`
	Features  FeatureSet      `json:"features"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency"`
	Interval  BillingInterval `json:"interval"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Feature is one numeric limit of a plan
type Feature struct {
	Key   string `json:"key"`
	Limit int64  `json:"limit"`
}

// FeatureSet is the ordered feature map of a plan
type FeatureSet []Feature

// GetFeature returns the limit stored under key, or def when the plan
// doesn't define it.
func (fs FeatureSet) GetFeature(key string, def int64) int64 {
	for _, f := range fs {
		if f.Key == key {
			return f.Limit
		}
	}
	return def
}

// Value implements driver.Valuer for the JSONB features column
func (fs FeatureSet) Value() (driver.Value, error) {
	if fs == nil {
		return []byte("[]"), nil
	}
	b, err := json.Marshal([]Feature(fs))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal features: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner for the JSONB features column
func (fs *FeatureSet) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*fs = FeatureSet{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported features column type %T", src)
	}

	var features []Feature
	if err := json.Unmarshal(data, &features); err != nil {
		return fmt.Errorf("failed to unmarshal features: %w", err)
	}
	*fs = features
	return nil
}

// UnmarshalYAML reads features either as a mapping (key: limit), keeping
// document order, or as a list of {key, limit} objects.
func (fs *FeatureSet) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		out := make(FeatureSet, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var limit int64
			if err := node.Content[i+1].Decode(&limit); err != nil {
				return fmt.Errorf("feature %q: %w", node.Content[i].Value, err)
			}
			out = append(out, Feature{Key: node.Content[i].Value, Limit: limit})
		}
		*fs = out
		return nil
	case yaml.SequenceNode:
		var items []struct {
			Key   string `yaml:"key"`
			Limit int64  `yaml:"limit"`
		}
		if err := node.Decode(&items); err != nil {
			return err
		}
		out := make(FeatureSet, 0, len(items))
		for _, it := range items {
			out = append(out, Feature{Key: it.Key, Limit: it.Limit})
		}
		*fs = out
		return nil
	default:
		return fmt.Errorf("features must be a mapping or a list (line %d)", node.Line)
	}
}

// BillingInterval is how far a successful payment extends a subscription
type BillingInterval string

const (
	IntervalMonthly  BillingInterval = "monthly"
	IntervalAnnual   BillingInterval = "annual"
	IntervalLifetime BillingInterval = "lifetime"
)

// ParseBillingInterval rejects anything outside the closed set
func ParseBillingInterval(s string) (BillingInterval, error) {
	switch BillingInterval(strings.ToLower(strings.TrimSpace(s))) {
	case IntervalMonthly:
		return IntervalMonthly, nil
	case IntervalAnnual:
		return IntervalAnnual, nil
	case IntervalLifetime:
		return IntervalLifetime, nil
	}
	return "", fmt.Errorf("unknown billing interval %q", s)
}

// Extend returns the expiry one interval after from. Lifetime plans never
// expire and return nil. Month arithmetic clamps to the last day of the
// target month, so Jan 31 + 1 month is the end of February.
func (i BillingInterval) Extend(from time.Time) *time.Time {
	var next time.Time
	switch i {
	case IntervalLifetime:
		return nil
	case IntervalAnnual:
		next = addMonths(from, 12)
	default:
		next = addMonths(from, 1)
	}
	return &next
}

func addMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return first.AddDate(0, 0, d-1)
}
