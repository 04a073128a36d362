package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every RunConfig validation failure.
var ErrInvalidConfig = errors.New("invalid run config")

// Delegation threshold modes used by population generation.
const (
	ThresholdModeJitter = "jitter"
	ThresholdModeFixed  = "fixed"
)

// RunConfig holds the parameters of one simulation run. It is immutable once a
// run has been created. Field names follow the exported run document.
type RunConfig struct {
	N                          int     `json:"N" yaml:"N"`
	K                          int     `json:"K" yaml:"K"`
	DiffuseThreshold           float64 `json:"diffuse_threshold" yaml:"diffuse_threshold"`
	DirectK                    int     `json:"direct_k" yaml:"direct_k"`
	LevelSigma                 float64 `json:"level_sigma" yaml:"level_sigma"`
	ReinterpretAlpha           float64 `json:"reinterpret_alpha" yaml:"reinterpret_alpha"`
	AIDelegateThresholdMode    string  `json:"ai_delegate_threshold_mode" yaml:"ai_delegate_threshold_mode"`
	AIDelegateThresholdDefault int     `json:"ai_delegate_threshold_default" yaml:"ai_delegate_threshold_default"`
	AIReplyBeta                float64 `json:"ai_reply_beta" yaml:"ai_reply_beta"`
	DeltaReplyHuman            float64 `json:"delta_reply_human" yaml:"delta_reply_human"`
	DeltaReplyAI               float64 `json:"delta_reply_ai" yaml:"delta_reply_ai"`
	DeltaIgnoreHuman           float64 `json:"delta_ignore_human" yaml:"delta_ignore_human"`
	DeltaSpam                  float64 `json:"delta_spam" yaml:"delta_spam"`
	Steps                      int     `json:"steps" yaml:"steps"`
	MessagesPerStepMean        float64 `json:"messages_per_step_mean" yaml:"messages_per_step_mean"`
	WeakTieThreshold           float64 `json:"weak_tie_threshold" yaml:"weak_tie_threshold"`
	PruneIgnoreCountThreshold  int     `json:"prune_ignore_count_threshold" yaml:"prune_ignore_count_threshold"`
	PruneWindowSteps           int     `json:"prune_window_steps" yaml:"prune_window_steps"`
	BondDecay                  float64 `json:"bond_decay" yaml:"bond_decay"`
	WPerceivedReply            float64 `json:"w_perceived_reply" yaml:"w_perceived_reply"`
	WRealReplyHuman            float64 `json:"w_real_reply_human" yaml:"w_real_reply_human"`
	WRealReplyAI               float64 `json:"w_real_reply_ai" yaml:"w_real_reply_ai"`
	WBondHuman                 float64 `json:"w_bond_human" yaml:"w_bond_human"`
	WBondAI                    float64 `json:"w_bond_ai" yaml:"w_bond_ai"`
	WIgnore                    float64 `json:"w_ignore" yaml:"w_ignore"`
	WDelegateDirect            float64 `json:"w_delegate_direct" yaml:"w_delegate_direct"`
	WDelegateBroadcast         float64 `json:"w_delegate_broadcast" yaml:"w_delegate_broadcast"`
	WDelegatePrune             float64 `json:"w_delegate_prune" yaml:"w_delegate_prune"`
	WDelegatePerceived         float64 `json:"w_delegate_perceived" yaml:"w_delegate_perceived"`
}

// DefaultRunConfig returns the parameters used when nothing is overridden.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		N:                          30,
		K:                          4,
		DiffuseThreshold:           0.6,
		DirectK:                    3,
		LevelSigma:                 0.8,
		ReinterpretAlpha:           1.0,
		AIDelegateThresholdMode:    ThresholdModeJitter,
		AIDelegateThresholdDefault: 2,
		AIReplyBeta:                0.5,
		DeltaReplyHuman:            0.03,
		DeltaReplyAI:               0.01,
		DeltaIgnoreHuman:           0.04,
		DeltaSpam:                  0.01,
		Steps:                      300,
		MessagesPerStepMean:        1.2,
		WeakTieThreshold:           0.2,
		PruneIgnoreCountThreshold:  3,
		PruneWindowSteps:           20,
		BondDecay:                  0.995,
		WPerceivedReply:            0.01,
		WRealReplyHuman:            0.02,
		WRealReplyAI:               0.005,
		WBondHuman:                 0.05,
		WBondAI:                    0.01,
		WIgnore:                    0.02,
		WDelegateDirect:            -0.005,
		WDelegateBroadcast:         0.005,
		WDelegatePrune:             0.005,
		WDelegatePerceived:         0.003,
	}
}

// Validate reports the first parameter that would make the engine degenerate
// into NaN state or index out of range.
func (c RunConfig) Validate() error {
	switch {
	case c.N < 1:
		return fmt.Errorf("%w: N must be >= 1, got %d", ErrInvalidConfig, c.N)
	case c.K < 1:
		return fmt.Errorf("%w: K must be >= 1, got %d", ErrInvalidConfig, c.K)
	case c.DirectK < 0:
		return fmt.Errorf("%w: direct_k must be >= 0, got %d", ErrInvalidConfig, c.DirectK)
	case c.Steps < 0:
		return fmt.Errorf("%w: steps must be >= 0, got %d", ErrInvalidConfig, c.Steps)
	case c.PruneWindowSteps < 0:
		return fmt.Errorf("%w: prune_window_steps must be >= 0, got %d", ErrInvalidConfig, c.PruneWindowSteps)
	case c.PruneIgnoreCountThreshold < 0:
		return fmt.Errorf("%w: prune_ignore_count_threshold must be >= 0, got %d", ErrInvalidConfig, c.PruneIgnoreCountThreshold)
	case c.AIDelegateThresholdDefault < 0 || c.AIDelegateThresholdDefault > 5:
		return fmt.Errorf("%w: ai_delegate_threshold_default must be in [0,5], got %d", ErrInvalidConfig, c.AIDelegateThresholdDefault)
	}

	switch c.AIDelegateThresholdMode {
	case "", ThresholdModeJitter, ThresholdModeFixed:
	default:
		return fmt.Errorf("%w: unknown ai_delegate_threshold_mode %q", ErrInvalidConfig, c.AIDelegateThresholdMode)
	}

	for name, v := range c.floatFields() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidConfig, name)
		}
	}
	if c.LevelSigma < 0 {
		return fmt.Errorf("%w: level_sigma must be >= 0, got %v", ErrInvalidConfig, c.LevelSigma)
	}
	if c.MessagesPerStepMean < 0 {
		return fmt.Errorf("%w: messages_per_step_mean must be >= 0, got %v", ErrInvalidConfig, c.MessagesPerStepMean)
	}
	if c.BondDecay < 0 || c.BondDecay > 1 {
		return fmt.Errorf("%w: bond_decay must be in [0,1], got %v", ErrInvalidConfig, c.BondDecay)
	}
	if c.AIReplyBeta < 0 || c.AIReplyBeta > 1 {
		return fmt.Errorf("%w: ai_reply_beta must be in [0,1], got %v", ErrInvalidConfig, c.AIReplyBeta)
	}
	return nil
}

func (c RunConfig) floatFields() map[string]float64 {
	return map[string]float64{
		"diffuse_threshold":      c.DiffuseThreshold,
		"level_sigma":            c.LevelSigma,
		"reinterpret_alpha":      c.ReinterpretAlpha,
		"ai_reply_beta":          c.AIReplyBeta,
		"delta_reply_human":      c.DeltaReplyHuman,
		"delta_reply_ai":         c.DeltaReplyAI,
		"delta_ignore_human":     c.DeltaIgnoreHuman,
		"delta_spam":             c.DeltaSpam,
		"messages_per_step_mean": c.MessagesPerStepMean,
		"weak_tie_threshold":     c.WeakTieThreshold,
		"bond_decay":             c.BondDecay,
		"w_perceived_reply":      c.WPerceivedReply,
		"w_real_reply_human":     c.WRealReplyHuman,
		"w_real_reply_ai":        c.WRealReplyAI,
		"w_bond_human":           c.WBondHuman,
		"w_bond_ai":              c.WBondAI,
		"w_ignore":               c.WIgnore,
		"w_delegate_direct":      c.WDelegateDirect,
		"w_delegate_broadcast":   c.WDelegateBroadcast,
		"w_delegate_prune":       c.WDelegatePrune,
		"w_delegate_perceived":   c.WDelegatePerceived,
	}
}

// LoadRunConfig reads a JSON or YAML overlay and applies it on top of
// DefaultRunConfig. Keys absent from the file keep their defaults.
func LoadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read run config %s: %w", path, err)
	}
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse run config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("load run config %s: %w", path, err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
