// Package service implements the transcription service event loop
// (spec.md §4.H): the single long-lived task that multiplexes config
// changes, PCM arrival, and a realtime tick into runtime reloads and
// emitted captions.
package service

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/realtime-ai/transpose-engine/pkg/runtime"
	"github.com/realtime-ai/transpose-engine/pkg/vad"
)

// TransposeConfig is the configuration unit carried by the config-sync
// primitive (spec.md §3, "TransposeConfig").
type TransposeConfig struct {
	Enable         bool        `json:"enable"`
	InputHost      string      `json:"input_host"`
	InputDevice    string      `json:"input_device"`
	Realtime       bool        `json:"realtime"`
	RealtimeRateMs uint64      `json:"realtime_rate_ms"`
	Model          ModelConfig `json:"model"`
}

type ModelConfig struct {
	ModelDir string          `json:"model_dir"`
	VADCfg   vad.Config      `json:"vad_cfg"`
	Resample *ResampleConfig `json:"resample,omitempty"`
	UseGPU   bool            `json:"use_gpu"`
}

type ResampleConfig struct {
	FromHz int `json:"from_hz"`
	ToHz   int `json:"to_hz"`
}

// Validate reports whether cfg is a well-formed configuration. It does not
// check filesystem state (spec.md §4.H leaves "required files exist" to
// apply()).
func (c TransposeConfig) Validate() error {
	if c.Enable {
		if c.Model.ModelDir == "" {
			return fmt.Errorf("service: enable requires model.model_dir")
		}
		if c.Realtime && c.RealtimeRateMs == 0 {
			return fmt.Errorf("service: realtime requires a non-zero realtime_rate_ms")
		}
	}
	return nil
}

// ApplyMergePatch applies an RFC 7396 JSON merge patch to cur and returns
// the resulting, validated configuration. cur is never mutated.
func ApplyMergePatch(cur TransposeConfig, patch []byte) (TransposeConfig, error) {
	curJSON, err := json.Marshal(cur)
	if err != nil {
		return TransposeConfig{}, fmt.Errorf("service: marshal current config: %w", err)
	}

	mergedJSON, err := jsonpatch.MergePatch(curJSON, patch)
	if err != nil {
		return TransposeConfig{}, fmt.Errorf("service: apply merge patch: %w", err)
	}

	var merged TransposeConfig
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return TransposeConfig{}, fmt.Errorf("service: unmarshal merged config: %w", err)
	}
	if err := merged.Validate(); err != nil {
		return TransposeConfig{}, err
	}
	return merged, nil
}

func (m ModelConfig) toRuntimeConfig(vadEnabled bool) runtime.Config {
	cfg := runtime.Config{
		ModelDir:   m.ModelDir,
		UseGPU:     m.UseGPU,
		VADEnabled: vadEnabled,
		VAD:        m.VADCfg,
	}
	if m.Resample != nil {
		cfg.Resample = &runtime.ResampleConfig{FromHz: m.Resample.FromHz, ToHz: m.Resample.ToHz}
	}
	return cfg
}
