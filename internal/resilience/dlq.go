package resilience

import (
	"time"

	"github.com/sells-group/detection-orchestrator/internal/model"
)

// DLQEntry represents a failed detection request that can be retried later.
type DLQEntry struct {
	ID          string                 `json:"id"`
	RequestID   string                 `json:"request_id"`
	Request     model.DetectionRequest `json:"request"`
	Error       string                 `json:"error"`
	ErrorType   string                 `json:"error_type"` // "transient" or "permanent"
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
	NextRetryAt time.Time              `json:"next_retry_at"`
	CreatedAt   time.Time              `json:"created_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry is transient and hasn't exceeded its
// max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.ErrorType == "transient" && e.RetryCount < e.MaxRetries
}
