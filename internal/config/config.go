// Package config loads the on-disk YAML configuration for cbengine,
// grounded on the pack's YAML config-file patterns (mantle's
// cmd/mantle/config.go, inference-sim's cmd/default_config.go): strict
// field checking via yaml.Decoder.KnownFields(true) so a typo'd key fails
// loudly instead of silently no-opping, and pkg/errors.Wrap at the file-IO
// boundary per §7's "pkg/errors at collaborator/IO boundaries only" rule.
package config

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nanocb/cbengine/engine"
)

// File is the top-level shape of cbengine.yaml.
type File struct {
	Model     ModelConfig     `yaml:"model"`
	Draft     *ModelConfig    `yaml:"draft"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

type ModelConfig struct {
	ModelPath     string `yaml:"model_path"`
	TokenizerPath string `yaml:"tokenizer_path"`
	EOSTokenID    int    `yaml:"eos_token_id"`
}

// SchedulerConfig mirrors engine.SchedulerConfig's fields as YAML-friendly
// snake_case names; Resolve() converts it.
type SchedulerConfig struct {
	MaxNumBatchedTokens int     `yaml:"max_num_batched_tokens"`
	MaxNumSeqs          int     `yaml:"max_num_seqs"`
	NumKVBlocks         int     `yaml:"num_kv_blocks"`
	BlockSize           int     `yaml:"block_size"`
	DynamicSplitFuse    bool    `yaml:"dynamic_split_fuse"`
	EnablePrefixCaching bool    `yaml:"enable_prefix_caching"`
	UseCacheEviction    bool    `yaml:"use_cache_eviction"`
	EvictionThreshold   float64 `yaml:"eviction_threshold"`
	PreemptionMode      string  `yaml:"preemption_mode"` // "recompute" | "swap"
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" | "json"
}

// Load reads and strictly decodes path into a File, defaulting the numeric
// scheduler fields the file left at zero, and an empty preemption_mode, to
// engine.DefaultSchedulerConfig's values. The bool fields
// dynamic_split_fuse and enable_prefix_caching keep the file's value
// (false when omitted).
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	f := &File{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}

	f.applyDefaults()
	return f, nil
}

func (f *File) applyDefaults() {
	d := engine.DefaultSchedulerConfig()
	if f.Scheduler.MaxNumBatchedTokens == 0 {
		f.Scheduler.MaxNumBatchedTokens = d.MaxNumBatchedTokens
	}
	if f.Scheduler.MaxNumSeqs == 0 {
		f.Scheduler.MaxNumSeqs = d.MaxNumSeqs
	}
	if f.Scheduler.NumKVBlocks == 0 {
		f.Scheduler.NumKVBlocks = d.NumKVBlocks
	}
	if f.Scheduler.BlockSize == 0 {
		f.Scheduler.BlockSize = d.BlockSize
	}
	if f.Scheduler.EvictionThreshold == 0 {
		f.Scheduler.EvictionThreshold = d.EvictionThreshold
	}
	if f.Scheduler.PreemptionMode == "" {
		f.Scheduler.PreemptionMode = "recompute"
	}
	if f.Log.Level == "" {
		f.Log.Level = "info"
	}
	if f.Log.Format == "" {
		f.Log.Format = "text"
	}
}

// Resolve converts the YAML-shaped SchedulerConfig into engine.SchedulerConfig.
func (sc SchedulerConfig) Resolve() *engine.SchedulerConfig {
	mode := engine.PreemptRecompute
	if sc.PreemptionMode == "swap" {
		mode = engine.PreemptSwap
	}
	return &engine.SchedulerConfig{
		MaxNumBatchedTokens: sc.MaxNumBatchedTokens,
		MaxNumSeqs:          sc.MaxNumSeqs,
		NumKVBlocks:         sc.NumKVBlocks,
		BlockSize:           sc.BlockSize,
		DynamicSplitFuse:    sc.DynamicSplitFuse,
		EnablePrefixCaching: sc.EnablePrefixCaching,
		UseCacheEviction:    sc.UseCacheEviction,
		EvictionThreshold:   sc.EvictionThreshold,
		PreemptionMode:      mode,
	}
}
