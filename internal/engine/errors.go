package engine

import (
	"errors"

	"github.com/23skdu/longbow-minimind/internal/metrics"
)

// Precondition violations returned by Forward and the generation loop. They
// are deterministic for a given input and never retried.
var (
	ErrPositionWindow  = errors.New("position window does not match tensor")
	ErrCacheShape      = errors.New("kv cache shape mismatch")
	ErrSequenceTooLong = errors.New("sequence exceeds max_seq_len")
	ErrTokenRange      = errors.New("token id out of vocabulary range")
	ErrRaggedBatch     = errors.New("batch rows have different lengths")
	ErrEmptyPrompt     = errors.New("empty prompt")
	ErrSessionDone     = errors.New("generation session already finished")
)

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrPositionWindow):
		return "position_window"
	case errors.Is(err, ErrCacheShape):
		return "cache_shape"
	case errors.Is(err, ErrSequenceTooLong):
		return "sequence_too_long"
	case errors.Is(err, ErrTokenRange):
		return "token_range"
	case errors.Is(err, ErrRaggedBatch):
		return "ragged_batch"
	case errors.Is(err, ErrEmptyPrompt):
		return "empty_prompt"
	case errors.Is(err, ErrSessionDone):
		return "session_done"
	default:
		return "other"
	}
}

// reject counts err against operation and hands it back unchanged.
func reject(operation string, err error) error {
	if err != nil {
		metrics.RecordValidationError(operation, errorType(err))
	}
	return err
}
