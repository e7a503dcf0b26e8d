package plans

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestFeatureSet_GetFeature(t *testing.T) {
	fs := FeatureSet{
		{Key: "max_transactions_per_month", Limit: 50},
		{Key: "storage_mb", Limit: Unlimited},
	}

	assert.Equal(t, int64(50), fs.GetFeature("max_transactions_per_month", 0))
	assert.Equal(t, Unlimited, fs.GetFeature("storage_mb", 0))
	assert.Equal(t, int64(0), fs.GetFeature("max_ai_scans_per_month", 0))
	assert.Equal(t, int64(7), fs.GetFeature("missing", 7))
}

func TestFeatureSet_ScanAndValue(t *testing.T) {
	fs := FeatureSet{{Key: "a", Limit: 1}, {Key: "b", Limit: -1}}

	v, err := fs.Value()
	require.NoError(t, err)

	var out FeatureSet
	require.NoError(t, out.Scan(v))
	assert.Equal(t, fs, out)

	require.NoError(t, out.Scan(`[{"key":"c","limit":3}]`))
	assert.Equal(t, FeatureSet{{Key: "c", Limit: 3}}, out)

	require.NoError(t, out.Scan(nil))
	assert.Empty(t, out)

	assert.Error(t, out.Scan(42))
}

func TestFeatureSet_UnmarshalYAML(t *testing.T) {
	t.Run("mapping keeps document order", func(t *testing.T) {
		var doc struct {
			Features FeatureSet `yaml:"features"`
		}
		src := "features:\n  zeta: 1\n  alpha: -1\n  mid: 20\n"
		require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
		assert.Equal(t, FeatureSet{{"zeta", 1}, {"alpha", -1}, {"mid", 20}}, doc.Features)
	})

	t.Run("list form", func(t *testing.T) {
		var doc struct {
			Features FeatureSet `yaml:"features"`
		}
		src := "features:\n  - key: storage_mb\n    limit: 100\n"
		require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
		assert.Equal(t, FeatureSet{{"storage_mb", 100}}, doc.Features)
	})

	t.Run("scalar rejected", func(t *testing.T) {
		var doc struct {
			Features FeatureSet `yaml:"features"`
		}
		assert.Error(t, yaml.Unmarshal([]byte("features: 3\n"), &doc))
	})
}

func TestBillingInterval_Extend(t *testing.T) {
	base := time.Date(2026, time.January, 31, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		interval BillingInterval
		from     time.Time
		want     *time.Time
	}{
		{"monthly clamps to end of february", IntervalMonthly, base, ptrTime(time.Date(2026, time.February, 28, 10, 0, 0, 0, time.UTC))},
		{"monthly mid month", IntervalMonthly, time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC), ptrTime(time.Date(2026, time.April, 15, 0, 0, 0, 0, time.UTC))},
		{"monthly across year", IntervalMonthly, time.Date(2026, time.December, 5, 0, 0, 0, 0, time.UTC), ptrTime(time.Date(2027, time.January, 5, 0, 0, 0, 0, time.UTC))},
		{"annual leap day", IntervalAnnual, time.Date(2028, time.February, 29, 0, 0, 0, 0, time.UTC), ptrTime(time.Date(2029, time.February, 28, 0, 0, 0, 0, time.UTC))},
		{"lifetime never expires", IntervalLifetime, base, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.interval.Extend(tt.from)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "want %s got %s", tt.want, got)
		})
	}
}

func TestParseBillingInterval(t *testing.T) {
	i, err := ParseBillingInterval(" Annual ")
	require.NoError(t, err)
	assert.Equal(t, IntervalAnnual, i)

	_, err = ParseBillingInterval("weekly")
	assert.Error(t, err)
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
