// Package config manages two persisted configuration surfaces: engine
// defaults (config.yaml, read once at startup) and UI settings
// (app_settings.json, read/write, atomic).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Engine holds engine defaults applied to every transcription/batch job
// unless overridden per-request. Read from confDir/config.yaml at startup;
// unlike Settings, there is no runtime Set/persist path.
type Engine struct {
	ModelSize            string  `yaml:"model_size" json:"model_size"`
	Device               string  `yaml:"device" json:"device"`
	Language             string  `yaml:"language" json:"language"`
	BufferDuration       float64 `yaml:"buffer_duration" json:"buffer_duration"`
	VADThreshold         float64 `yaml:"vad_threshold" json:"vad_threshold"`
	CheckInterval        string  `yaml:"check_interval" json:"check_interval"`
	EngineAcquireTimeout string  `yaml:"engine_acquire_timeout" json:"engine_acquire_timeout"`
	RemoveFillers        bool    `yaml:"remove_fillers" json:"remove_fillers"`
	AddPunctuation       bool    `yaml:"add_punctuation" json:"add_punctuation"`
	FormatParagraphs     bool    `yaml:"format_paragraphs" json:"format_paragraphs"`
}

func defaultEngine() Engine {
	return Engine{
		ModelSize:            "base",
		Device:               "auto",
		Language:             "ja",
		BufferDuration:       3.0,
		VADThreshold:         0.5,
		CheckInterval:        "10s",
		EngineAcquireTimeout: "1s",
		RemoveFillers:        true,
		AddPunctuation:       true,
		FormatParagraphs:     true,
	}
}

// LoadEngine reads confDir/config.yaml, filling in defaults for any missing
// field. Returns the defaults verbatim if the file does not exist.
func LoadEngine(confDir string) (Engine, error) {
	e := defaultEngine()
	raw, err := os.ReadFile(filepath.Join(confDir, "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return e, nil
		}
		return Engine{}, fmt.Errorf("read config.yaml: %w", err)
	}
	if err := yaml.Unmarshal(raw, &e); err != nil {
		return Engine{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return e, nil
}
