package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var ErrEmptySelection = errors.New("enabled categories and enabled products must both be configured")

const DefaultRefreshInterval = 12 * time.Hour

// IDList accepts either:
//  1. list form:
//     enabled_products:
//     - 6407468e-edc7-4ecd-8c32-521f64cee65e
//  2. mapping form, where the value is a human-readable label:
//     enabled_products:
//     6407468e-edc7-4ecd-8c32-521f64cee65e: Windows 11
type IDList struct {
	IDs []string
}

func (l *IDList) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		ids := make([]string, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k := strings.TrimSpace(value.Content[i].Value)
			if k == "" {
				continue
			}
			ids = append(ids, k)
		}
		l.IDs = ids
		return nil
	case yaml.SequenceNode:
		var ids []string
		if err := value.Decode(&ids); err != nil {
			return err
		}
		l.IDs = ids
		return nil
	case yaml.ScalarNode:
		// comma separated, as accepted on the command line
		l.IDs = SplitCSV(value.Value)
		return nil
	default:
		return nil
	}
}

type RefreshIntervalConfig struct {
	Hours   int `yaml:"hours"`
	Minutes int `yaml:"minutes"`
}

// Duration returns the configured interval, or DefaultRefreshInterval when
// none is set.
func (r RefreshIntervalConfig) Duration() time.Duration {
	d := time.Duration(r.Hours)*time.Hour + time.Duration(r.Minutes)*time.Minute
	if d <= 0 {
		return DefaultRefreshInterval
	}
	return d
}

type UpstreamConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

type APIConfig struct {
	RateLimitPerHour int `yaml:"rate_limit_per_hour"`
	RateLimitBurst   int `yaml:"rate_limit_burst"`
}

type FileConfig struct {
	DB         string `yaml:"db"`
	Debug      bool   `yaml:"debug"`
	ListenAddr string `yaml:"listen_addr"`

	RefreshInterval RefreshIntervalConfig `yaml:"refresh_interval"`

	EnabledCategories IDList `yaml:"enabled_categories"`
	EnabledProducts   IDList `yaml:"enabled_products"`

	Upstream UpstreamConfig `yaml:"upstream"`
	API      APIConfig      `yaml:"api"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return &cfg, nil
}

// Selection is the configured set of enabled classifications and products.
type Selection struct {
	Categories map[uuid.UUID]struct{}
	Products   map[uuid.UUID]struct{}
}

// NewSelection parses the configured id lists.
func NewSelection(categories []string, products []string) (Selection, error) {
	cats, err := parseIDSet(categories)
	if err != nil {
		return Selection{}, fmt.Errorf("enabled categories: %w", err)
	}
	prods, err := parseIDSet(products)
	if err != nil {
		return Selection{}, fmt.Errorf("enabled products: %w", err)
	}
	return Selection{Categories: cats, Products: prods}, nil
}

func (s Selection) Validate() error {
	if len(s.Categories) == 0 || len(s.Products) == 0 {
		return ErrEmptySelection
	}
	return nil
}

func (s Selection) CategoryEnabled(id uuid.UUID) bool {
	_, ok := s.Categories[id]
	return ok
}

func (s Selection) ProductEnabled(id uuid.UUID) bool {
	_, ok := s.Products[id]
	return ok
}

// CategoryIDs returns the enabled category ids in a stable order.
func (s Selection) CategoryIDs() []uuid.UUID {
	return sortedIDs(s.Categories)
}

func (s Selection) ProductIDs() []uuid.UUID {
	return sortedIDs(s.Products)
}

func parseIDSet(raw []string) (map[uuid.UUID]struct{}, error) {
	out := make(map[uuid.UUID]struct{}, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", r, err)
		}
		out[id] = struct{}{}
	}
	return out, nil
}

func sortedIDs(set map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// SplitCSV splits a comma separated value, dropping empty entries.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
