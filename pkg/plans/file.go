package plans

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// File is a parsed plan catalog document
type File struct {
	Plans            []*Plan
	Modules          map[string][]string
	FeatureLimitKeys map[string]string
}

type fileDoc struct {
	Plans            []planDoc           `yaml:"plans"`
	Modules          map[string][]string `yaml:"modules"`
	FeatureLimitKeys map[string]string   `yaml:"feature_limit_keys"`
}

type planDoc struct {
	Slug     string     `yaml:"slug"`
	Name     string     `yaml:"name"`
	Rank     int        `yaml:"rank"`
	Price    string     `yaml:"price"`
	Currency string     `yaml:"currency"`
	Interval string     `yaml:"interval"`
	Features FeatureSet `yaml:"features"`
}

// LoadFile reads and validates a plan catalog YAML file
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a plan catalog document
func Parse(data []byte) (*File, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}
	if len(doc.Plans) == 0 {
		return nil, fmt.Errorf("plan file defines no plans")
	}

	f := &File{
		Modules:          make(map[string][]string, len(doc.Modules)),
		FeatureLimitKeys: make(map[string]string, len(doc.FeatureLimitKeys)),
	}

	slugs := make(map[string]bool, len(doc.Plans))
	ranks := make(map[int]string, len(doc.Plans))
	for _, pd := range doc.Plans {
		p, err := pd.toPlan()
		if err != nil {
			return nil, err
		}
		if slugs[p.Slug] {
			return nil, fmt.Errorf("duplicate plan slug %q", p.Slug)
		}
		if other, ok := ranks[p.Rank]; ok {
			return nil, fmt.Errorf("plans %q and %q share rank %d", other, p.Slug, p.Rank)
		}
		slugs[p.Slug] = true
		ranks[p.Rank] = p.Slug
		f.Plans = append(f.Plans, p)
	}

	for module, planSlugs := range doc.Modules {
		for _, slug := range planSlugs {
			if !slugs[slug] {
				return nil, fmt.Errorf("module %q references unknown plan %q", module, slug)
			}
		}
		f.Modules[module] = planSlugs
	}

	for feature, key := range doc.FeatureLimitKeys {
		if strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("feature %q has an empty limit key", feature)
		}
		f.FeatureLimitKeys[feature] = key
	}

	return f, nil
}

func (pd planDoc) toPlan() (*Plan, error) {
	if !slugPattern.MatchString(pd.Slug) {
		return nil, fmt.Errorf("invalid plan slug %q", pd.Slug)
	}
	if pd.Name == "" {
		return nil, fmt.Errorf("plan %q has no name", pd.Slug)
	}
	if pd.Rank < 1 {
		return nil, fmt.Errorf("plan %q must have a positive rank", pd.Slug)
	}

	price := decimal.Zero
	if pd.Price != "" {
		var err error
		price, err = decimal.NewFromString(pd.Price)
		if err != nil {
			return nil, fmt.Errorf("plan %q: invalid price: %w", pd.Slug, err)
		}
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("plan %q: price must not be negative", pd.Slug)
	}

	interval := IntervalMonthly
	if pd.Interval != "" {
		var err error
		interval, err = ParseBillingInterval(pd.Interval)
		if err != nil {
			return nil, fmt.Errorf("plan %q: %w", pd.Slug, err)
		}
	}

	currency := strings.ToUpper(pd.Currency)
	if currency == "" {
		currency = "IDR"
	}

	for _, feat := range pd.Features {
		if feat.Limit < Unlimited {
			return nil, fmt.Errorf("plan %q: feature %q limit must be -1 or more", pd.Slug, feat.Key)
		}
	}

	return &Plan{
		Slug:     pd.Slug,
		Name:     pd.Name,
		Rank:     pd.Rank,
		Features: pd.Features,
		Price:    price,
		Currency: currency,
		Interval: interval,
	}, nil
}

// Rules builds the lookup tables declared in the file on top of the
// default feature limit keys.
func (f *File) Rules() Rules {
	keys := DefaultFeatureLimitKeys()
	for feature, key := range f.FeatureLimitKeys {
		keys[feature] = key
	}
	return NewRules(keys, f.Modules)
}
