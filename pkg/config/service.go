package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"github.com/esgraph/energy_graph_server/pkg/pathing"
)

var ActiveGraphServerConfig *GraphServerConfig

// LoadGraphServerConfig reads the server TOML, creating a default
// file on first run.
func LoadGraphServerConfig() error {
	configPath := filepath.Join(pathing.GetConfigDir(), "graph_server.toml")

	// Create default if not exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := &GraphServerConfig{
			ListenAddress:      "0.0.0.0",
			ListenPort:         9041,
			CacheRetentionDays: 400,
		}
		cfg.HomeAssistant.Host = "homeassistant.local:8123"
		cfg.HomeAssistant.AccessToken = "" // Long-lived token from the HA profile page
		// Create file
		cfgFile, err := os.Create(configPath)
		if err != nil {
			return err
		}
		defer cfgFile.Close()
		toml.NewEncoder(cfgFile).Encode(cfg)
		ActiveGraphServerConfig = cfg
		return nil
	}

	// Load existing config
	var config GraphServerConfig
	_, err := toml.DecodeFile(configPath, &config)
	if err != nil {
		return err
	}
	ActiveGraphServerConfig = &config
	return nil
}

// LoadCardConfigs reads every YAML card definition from the cards
// directory, sorted by filename. A card file that fails validation is
// skipped with a log line rather than taking the server down.
func LoadCardConfigs() ([]*CardConfig, error) {
	cardsDir := pathing.GetCardsDir()
	entries, err := os.ReadDir(cardsDir)
	if err != nil {
		return nil, fmt.Errorf("reading cards directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	cards := make([]*CardConfig, 0, len(names))
	seen := make(map[string]bool)
	for _, name := range names {
		card, err := loadCardFile(filepath.Join(cardsDir, name))
		if err != nil {
			log.Printf("Skipping card %s: %v", name, err)
			continue
		}
		if seen[card.ID] {
			fresh := NewCardID()
			log.Printf("WARNING: card id %s from %s already in use, assigning %s", card.ID, name, fresh)
			card.ID = fresh
		}
		seen[card.ID] = true
		cards = append(cards, card)
	}
	return cards, nil
}

func loadCardFile(path string) (*CardConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var card CardConfig
	if err := yaml.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	if card.ID == "" {
		// Stable enough across restarts as long as the file keeps
		// its name.
		card.ID = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
	}
	if err := ValidateCard(&card); err != nil {
		return nil, err
	}
	return &card, nil
}

// ValidateCard enforces the rules a card must satisfy before an
// engine is built for it. Suspicious but workable configurations get
// warnings, unusable ones get errors.
func ValidateCard(card *CardConfig) error {
	if len(card.Series) == 0 {
		return fmt.Errorf("card %s defines no series", card.ID)
	}
	for i := range card.Series {
		s := &card.Series[i]
		if s.StatisticID != "" && s.Calculation != nil {
			log.Printf("WARNING: card %s series %d sets both statistic_id and calculation, calculation wins", card.ID, i+1)
		}
		if s.StatType != "" && !s.StatType.IsValid() {
			return fmt.Errorf("card %s series %d: unknown stat_type %q", card.ID, i+1, s.StatType)
		}
		if s.Calculation != nil {
			for j, term := range s.Calculation.Terms {
				if term.StatisticID == "" && term.Constant == nil {
					log.Printf("WARNING: card %s series %d term %d has neither statistic_id nor constant", card.ID, i+1, j+1)
				}
			}
		}
	}
	if card.Aggregation.Manual != "" && !card.Aggregation.Manual.IsValid() {
		return fmt.Errorf("card %s: unknown aggregation %q", card.ID, card.Aggregation.Manual)
	}
	if card.Aggregation.Fallback != "" && !card.Aggregation.Fallback.IsValid() {
		return fmt.Errorf("card %s: unknown fallback aggregation %q", card.ID, card.Aggregation.Fallback)
	}
	return nil
}

// NewCardID generates a fresh card id when a file-derived one is
// unusable.
func NewCardID() string {
	return uuid.NewString()
}
