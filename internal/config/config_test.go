package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nanocb/cbengine/engine"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cbengine.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
model:
  model_path: ./model.onnx
  tokenizer_path: ./tokenizer.json
scheduler:
  num_kv_blocks: 512
`)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if f.Scheduler.NumKVBlocks != 512 {
		t.Errorf("expected explicit num_kv_blocks to survive, got %d", f.Scheduler.NumKVBlocks)
	}
	if f.Scheduler.BlockSize == 0 {
		t.Errorf("expected BlockSize to be defaulted, got 0")
	}
	if f.Scheduler.PreemptionMode != "recompute" {
		t.Errorf("expected default preemption mode 'recompute', got %q", f.Scheduler.PreemptionMode)
	}
	if f.Log.Level != "info" {
		t.Errorf("expected default log level 'info', got %q", f.Log.Level)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeTempConfig(t, `
model:
  model_path: ./model.onnx
  tokenizer_path: ./tokenizer.json
typo_field: oops
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected strict decoding to reject an unknown top-level field")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestResolveConvertsPreemptionMode(t *testing.T) {
	sc := SchedulerConfig{PreemptionMode: "swap", BlockSize: 16, NumKVBlocks: 128, MaxNumSeqs: 8, MaxNumBatchedTokens: 2048}
	resolved := sc.Resolve()
	if resolved.BlockSize != 16 || resolved.NumKVBlocks != 128 {
		t.Errorf("expected scalar fields to pass through unchanged")
	}
	if resolved.PreemptionMode != engine.PreemptSwap {
		t.Errorf("expected \"swap\" to resolve to engine.PreemptSwap")
	}
}
