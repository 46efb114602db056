package memory

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Settings is the persisted configuration record of the memory pipeline.
type Settings struct {
	Enabled                bool    `json:"enabled"`
	AutoExtract            bool    `json:"autoExtract"`
	FlushThreshold         float64 `json:"flushThreshold"`
	ExtractIntervalSeconds int     `json:"extractIntervalSeconds"`
	MinNewMessages         int     `json:"minNewMessages"`
}

// SettingsPatch carries a partial update; nil fields are left untouched.
type SettingsPatch struct {
	Enabled                *bool    `json:"enabled,omitempty"`
	AutoExtract            *bool    `json:"autoExtract,omitempty"`
	FlushThreshold         *float64 `json:"flushThreshold,omitempty"`
	ExtractIntervalSeconds *int     `json:"extractIntervalSeconds,omitempty"`
	MinNewMessages         *int     `json:"minNewMessages,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:                true,
		AutoExtract:            true,
		FlushThreshold:         DefaultFlushThreshold,
		ExtractIntervalSeconds: 300,
		MinNewMessages:         6,
	}
}

// Validate rejects values the pipeline cannot run with.
func (s Settings) Validate() error {
	if s.FlushThreshold <= 0 || s.FlushThreshold > 1 {
		return fmt.Errorf("flushThreshold must be in (0, 1], got %v", s.FlushThreshold)
	}
	if s.ExtractIntervalSeconds <= 0 {
		return fmt.Errorf("extractIntervalSeconds must be positive, got %d", s.ExtractIntervalSeconds)
	}
	if s.MinNewMessages < 1 {
		return fmt.Errorf("minNewMessages must be at least 1, got %d", s.MinNewMessages)
	}
	return nil
}

// Apply returns s with the non-nil fields of p applied.
func (s Settings) Apply(p SettingsPatch) Settings {
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.AutoExtract != nil {
		s.AutoExtract = *p.AutoExtract
	}
	if p.FlushThreshold != nil {
		s.FlushThreshold = *p.FlushThreshold
	}
	if p.ExtractIntervalSeconds != nil {
		s.ExtractIntervalSeconds = *p.ExtractIntervalSeconds
	}
	if p.MinNewMessages != nil {
		s.MinNewMessages = *p.MinNewMessages
	}
	return s
}

// LoadSettings reads the settings record merged over the defaults. A missing,
// unreadable, corrupt or invalid record yields the defaults.
func LoadSettings(s *Store) Settings {
	defaults := DefaultSettings()
	raw, err := s.readSettings()
	if err != nil || strings.TrimSpace(raw) == "" {
		return defaults
	}
	var patch SettingsPatch
	if err := json.Unmarshal([]byte(raw), &patch); err != nil {
		return defaults
	}
	merged := defaults.Apply(patch)
	if merged.Validate() != nil {
		return defaults
	}
	return merged
}

// SaveSettings validates and persists the full record.
func SaveSettings(s *Store, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := s.writeSettings(append(data, '\n')); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
