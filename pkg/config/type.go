package config

import (
	"github.com/esgraph/energy_graph_server/pkg/aggregation"
	"github.com/esgraph/energy_graph_server/pkg/chart"
	"github.com/esgraph/energy_graph_server/pkg/hastats"
	"github.com/esgraph/energy_graph_server/pkg/series"
	"github.com/esgraph/energy_graph_server/pkg/timespan"
)

// GraphServerConfig is the server-level TOML configuration.
type GraphServerConfig struct {
	ListenAddress string `toml:"listen_address"`
	ListenPort    int    `toml:"listen_port"`

	HomeAssistant hastats.Config `toml:"home_assistant"`

	// Theme maps CSS custom property names to colors, as reported by
	// the dashboard frontend or maintained by hand.
	Theme map[string]string `toml:"theme"`

	// CacheRetentionDays bounds the statistics cache on disk.
	CacheRetentionDays int `toml:"cache_retention_days"`
}

// CardConfig is one YAML card definition from the cards directory.
type CardConfig struct {
	ID          string             `yaml:"id,omitempty" json:"id"`
	Title       string             `yaml:"title,omitempty" json:"title,omitempty"`
	Timespan    timespan.Config    `yaml:"timespan" json:"timespan"`
	Series      []series.Config    `yaml:"series" json:"series"`
	Aggregation aggregation.Config `yaml:"aggregation,omitempty" json:"aggregation,omitempty"`
	Chart       chart.Options      `yaml:"chart,omitempty" json:"chart,omitempty"`

	// CollectionKey selects a non-default energy collection when the
	// timespan follows the dashboard's energy date picker.
	CollectionKey string `yaml:"collection_key,omitempty" json:"collection_key,omitempty"`
	AllowCompare  bool   `yaml:"allow_compare,omitempty" json:"allow_compare,omitempty"`
}
