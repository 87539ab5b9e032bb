package onnxexecutor

import (
	"testing"

	"github.com/nanocb/cbengine/engine"
)

func TestFlattenBatchConcatenatesInOrder(t *testing.T) {
	batch := &engine.ExecutorBatch{
		Requests: []engine.ExecutorRequest{
			{SeqID: 1, TokenIDs: []int{10, 11}, PositionIDs: []int{0, 1}, SlotMapping: []int{0, 1}, IsPrompt: true},
			{SeqID: 2, TokenIDs: []int{20}, PositionIDs: []int{5}, SlotMapping: []int{20}, IsPrompt: false},
		},
	}

	inputIDs, positionIDs, isPrompt, slotMapping, rowOffsets := flattenBatch(batch)

	if len(inputIDs) != 3 {
		t.Fatalf("expected 3 flattened rows, got %d", len(inputIDs))
	}
	want := []int64{10, 11, 20}
	for i, v := range want {
		if inputIDs[i] != v {
			t.Errorf("inputIDs[%d] = %d, want %d", i, inputIDs[i], v)
		}
	}
	if positionIDs[2] != 5 {
		t.Errorf("expected request 2's position to carry through, got %d", positionIDs[2])
	}
	if slotMapping[2] != 20 {
		t.Errorf("expected request 2's slot mapping to carry through, got %d", slotMapping[2])
	}
	if !isPrompt[0] || isPrompt[2] {
		t.Errorf("expected per-row is_prompt flags to match their owning request")
	}
	if len(rowOffsets) != 3 || rowOffsets[0] != 0 || rowOffsets[1] != 2 || rowOffsets[2] != 3 {
		t.Errorf("unexpected row offsets: %v", rowOffsets)
	}
}

func TestFlattenBatchEmpty(t *testing.T) {
	inputIDs, _, _, _, rowOffsets := flattenBatch(&engine.ExecutorBatch{})
	if len(inputIDs) != 0 {
		t.Errorf("expected no rows for an empty batch")
	}
	if len(rowOffsets) != 1 || rowOffsets[0] != 0 {
		t.Errorf("expected a single zero row offset for an empty batch, got %v", rowOffsets)
	}
}
