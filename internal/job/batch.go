package job

import (
	"fmt"

	"jobline/internal/domain"
)

// BatchKey is the reserved input key holding batch progress.
const BatchKey = "_batch"

// BatchState is the progress of a continuation job. It travels in the task
// input between attempts.
type BatchState struct {
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cursor    string `json:"cursor,omitempty"`
	PageSize  int    `json:"page_size"`
	Done      bool   `json:"done"`
}

// Remaining is the number of items not yet processed.
func (s BatchState) Remaining() int {
	n := s.Total - s.Completed - s.Failed
	if n < 0 {
		return 0
	}
	return n
}

// Slice returns how many items the next attempt should process.
func (s BatchState) Slice() int {
	n := s.Remaining()
	if s.PageSize > 0 && n > s.PageSize {
		return s.PageSize
	}
	return n
}

// LoadBatch reads the batch state from in, applying pageSize when the state
// does not carry its own.
func LoadBatch(in domain.Input, pageSize int) (BatchState, error) {
	var s BatchState
	if in.Has(BatchKey) {
		if err := in.Decode(BatchKey, &s); err != nil {
			return s, fmt.Errorf("decode batch state: %w", err)
		}
	}
	if s.PageSize <= 0 {
		s.PageSize = pageSize
	}
	return s, nil
}

// StoreBatch writes s into in.
func StoreBatch(in domain.Input, s BatchState) error {
	return in.Set(BatchKey, s)
}
