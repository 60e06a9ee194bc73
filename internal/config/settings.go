package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultSettingsPath is looked up in the working directory.
const DefaultSettingsPath = "dsawrangler.toml"

// Settings is the tool configuration.
type Settings struct {
	Sync        SyncSettings       `toml:"sync"`
	Identifiers IdentifierSettings `toml:"identifiers"`
	Protocols   ProtocolSettings   `toml:"protocols"`
	CSV         CSVSettings        `toml:"csv"`
	Workspace   WorkspaceSettings  `toml:"workspace"`
	Logging     LoggingSettings    `toml:"logging"`
	Metrics     MetricsSettings    `toml:"metrics"`
}

type SyncSettings struct {
	BatchSize   int           `toml:"batch_size"`
	MaxAttempts int           `toml:"max_attempts"`
	RetryDelay  time.Duration `toml:"retry_delay"`
	BatchDelay  time.Duration `toml:"batch_delay"`
	// Timeout of 0 disables the job deadline.
	Timeout time.Duration `toml:"timeout"`
}

type IdentifierSettings struct {
	Prefix    string `toml:"prefix"`
	ChunkSize int    `toml:"chunk_size"`
}

type ProtocolSettings struct {
	IgnoreName    string  `toml:"ignore_name"`
	FuzzyPenalty  float64 `toml:"fuzzy_penalty"`
	MinConfidence float64 `toml:"min_confidence"`
}

// CSVSettings maps record fields to CSV header names.
type CSVSettings struct {
	ID                string `toml:"id"`
	RemoteID          string `toml:"remote_id"`
	Name              string `toml:"name"`
	LocalCaseID       string `toml:"local_case_id"`
	LocalStainID      string `toml:"local_stain_id"`
	LocalRegionID     string `toml:"local_region_id"`
	ExternalCaseID    string `toml:"external_case_id"`
	StainProtocols    string `toml:"stain_protocols"`
	RegionProtocols   string `toml:"region_protocols"`
	ProtocolSeparator string `toml:"protocol_separator"`
}

type WorkspaceSettings struct {
	Path string `toml:"path"`
}

type LoggingSettings struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Verbose bool   `toml:"verbose"`
}

type MetricsSettings struct {
	Address string `toml:"address"`
}

// DefaultSettings returns the built-in settings.
func DefaultSettings() *Settings {
	return &Settings{
		Sync: SyncSettings{
			BatchSize:   5,
			MaxAttempts: 3,
			RetryDelay:  2 * time.Second,
			BatchDelay:  time.Second,
		},
		Identifiers: IdentifierSettings{Prefix: "BDSA", ChunkSize: 50},
		Protocols:   ProtocolSettings{IgnoreName: "IGNORE", FuzzyPenalty: 0.8, MinConfidence: 0.5},
		CSV: CSVSettings{
			ID:                "id",
			RemoteID:          "dsa_id",
			Name:              "name",
			LocalCaseID:       "localCaseId",
			LocalStainID:      "localStainID",
			LocalRegionID:     "localRegionId",
			ExternalCaseID:    "bdsaCaseId",
			StainProtocols:    "bdsaStainProtocol",
			RegionProtocols:   "bdsaRegionProtocol",
			ProtocolSeparator: ";",
		},
		Workspace: WorkspaceSettings{Path: ".dsawrangler.db"},
		Logging:   LoggingSettings{Level: "info"},
	}
}

// LoadSettings decodes path over the defaults. An empty path yields the
// defaults; unknown keys are rejected.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("settings file: %w", err)
	}
	md, err := toml.DecodeFile(path, s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown settings: %s", strings.Join(keys, ", "))
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks value ranges.
func (s *Settings) Validate() error {
	if s.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch_size must be positive")
	}
	if s.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync max_attempts must be positive")
	}
	if s.Sync.RetryDelay < 0 || s.Sync.BatchDelay < 0 || s.Sync.Timeout < 0 {
		return fmt.Errorf("sync delays and timeout must not be negative")
	}
	if strings.TrimSpace(s.Identifiers.Prefix) == "" {
		return fmt.Errorf("identifiers prefix must be set")
	}
	if s.Identifiers.ChunkSize <= 0 {
		return fmt.Errorf("identifiers chunk_size must be positive")
	}
	if s.Protocols.FuzzyPenalty <= 0 || s.Protocols.FuzzyPenalty > 1 {
		return fmt.Errorf("protocols fuzzy_penalty must be in (0,1]")
	}
	if s.Protocols.MinConfidence < 0 || s.Protocols.MinConfidence > 1 {
		return fmt.Errorf("protocols min_confidence must be in [0,1]")
	}
	if s.CSV.ID == "" && s.CSV.RemoteID == "" {
		return fmt.Errorf("csv needs an id or remote_id column")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(s.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s.Logging.Level)
	}
	return nil
}
