// Package pipeline turns a detection request into a persisted record: it runs
// the orchestrator, aggregates the outcome, saves it, and parks failed
// requests in the dead letter queue.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/detection-orchestrator/internal/aggregate"
	"github.com/sells-group/detection-orchestrator/internal/model"
	"github.com/sells-group/detection-orchestrator/internal/orchestrator"
	"github.com/sells-group/detection-orchestrator/internal/resilience"
	"github.com/sells-group/detection-orchestrator/internal/store"
)

// Detector runs a multi-capability detection request.
type Detector interface {
	ProcessDetectionRequest(ctx context.Context, req model.DetectionRequest, correlationID string) (*model.DetectionResponse, error)
}

// Config controls dead letter handling.
type Config struct {
	DLQMaxRetries int
	DLQBackoff    resilience.RetryPolicy
}

// DefaultConfig returns the dead letter defaults.
func DefaultConfig() Config {
	return Config{
		DLQMaxRetries: 3,
		DLQBackoff:    resilience.DefaultRetryPolicy(),
	}
}

// Result is what a pipeline run produced.
type Result struct {
	Response *model.DetectionResponse `json:"response"`
	Record   *model.DetectionRecord   `json:"record"`
	Queued   bool                     `json:"queued"`
}

// Pipeline wires detection, aggregation and persistence together.
type Pipeline struct {
	detector Detector
	store    store.Store
	cfg      Config
	nowFunc  func() time.Time
}

// New creates a Pipeline.
func New(detector Detector, st store.Store, cfg Config) *Pipeline {
	if cfg.DLQMaxRetries <= 0 {
		cfg.DLQMaxRetries = DefaultConfig().DLQMaxRetries
	}
	return &Pipeline{
		detector: detector,
		store:    st,
		cfg:      cfg,
		nowFunc:  time.Now,
	}
}

// Run processes one request end to end. Invalid input and persistence
// failures are returned as errors; detection failures are not.
func (p *Pipeline) Run(ctx context.Context, req model.DetectionRequest, correlationID string) (*Result, error) {
	return p.run(ctx, req, correlationID, true)
}

func (p *Pipeline) run(ctx context.Context, req model.DetectionRequest, correlationID string, deadLetter bool) (*Result, error) {
	resp, err := p.detector.ProcessDetectionRequest(ctx, req, correlationID)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("request_id", resp.RequestID),
		zap.String("correlation_id", resp.CorrelationID),
		zap.String("detection_id", resp.DetectionID),
	)

	now := p.nowFunc()
	rec := aggregate.Aggregate(resp, now)
	if err := p.store.SaveDetection(ctx, &rec); err != nil {
		return nil, eris.Wrapf(err, "pipeline: save detection %s", rec.ID)
	}

	result := &Result{Response: resp, Record: &rec}

	if deadLetter && resp.Status == model.DetectionStatusFailed {
		entry := p.deadLetter(req, resp, now)
		if err := p.store.EnqueueDLQ(ctx, entry); err != nil {
			log.Warn("pipeline: failed to enqueue dead letter", zap.Error(err))
		} else {
			result.Queued = true
			log.Info("pipeline: request dead-lettered",
				zap.String("error_type", entry.ErrorType),
				zap.Time("next_retry_at", entry.NextRetryAt),
			)
		}
	}

	log.Info("pipeline: detection stored",
		zap.String("status", string(rec.Status)),
		zap.Strings("tags", rec.TagNames()),
	)
	return result, nil
}

// RetryStats summarizes one pass over the dead letter queue.
type RetryStats struct {
	Attempted   int `json:"attempted"`
	Recovered   int `json:"recovered"`
	Rescheduled int `json:"rescheduled"`
	Exhausted   int `json:"exhausted"`
	Skipped     int `json:"skipped"`
}

// RetryDLQ re-runs up to limit due transient entries. A run that no longer
// fails removes its entry; a failed run bumps the retry count and pushes the
// next attempt out along the backoff schedule.
func (p *Pipeline) RetryDLQ(ctx context.Context, limit int) (RetryStats, error) {
	var stats RetryStats
	entries, err := p.store.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: "transient", Limit: limit})
	if err != nil {
		return stats, eris.Wrap(err, "pipeline: dequeue dlq")
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return stats, eris.Wrap(err, "pipeline: retry dlq")
		}
		if !entry.CanRetry() {
			stats.Skipped++
			continue
		}
		stats.Attempted++

		log := zap.L().With(
			zap.String("dlq_id", entry.ID),
			zap.String("request_id", entry.RequestID),
			zap.Int("retry_count", entry.RetryCount),
		)

		res, err := p.run(ctx, entry.Request, entry.RequestID, false)
		if err == nil && res.Response.Status != model.DetectionStatusFailed {
			if err := p.store.RemoveDLQ(ctx, entry.ID); err != nil {
				return stats, eris.Wrapf(err, "pipeline: remove dlq %s", entry.ID)
			}
			stats.Recovered++
			log.Info("pipeline: dead letter recovered",
				zap.String("detection_id", res.Record.ID),
				zap.String("status", string(res.Record.Status)),
			)
			continue
		}

		lastErr := "retry failed"
		switch {
		case err != nil:
			lastErr = err.Error()
		case res.Response.Error != "":
			lastErr = res.Response.Error
		}
		next := p.nowFunc().Add(p.cfg.DLQBackoff.DelayFor(entry.RetryCount + 2)).UTC()
		if err := p.store.IncrementDLQRetry(ctx, entry.ID, next, lastErr); err != nil {
			return stats, eris.Wrapf(err, "pipeline: increment dlq retry %s", entry.ID)
		}
		if entry.RetryCount+1 >= entry.MaxRetries {
			stats.Exhausted++
			log.Warn("pipeline: dead letter retries exhausted", zap.String("error", lastErr))
		} else {
			stats.Rescheduled++
			log.Info("pipeline: dead letter rescheduled",
				zap.String("error", lastErr),
				zap.Time("next_retry_at", next),
			)
		}
	}
	return stats, nil
}

func (p *Pipeline) deadLetter(req model.DetectionRequest, resp *model.DetectionResponse, now time.Time) resilience.DLQEntry {
	return resilience.DLQEntry{
		ID:          uuid.NewString(),
		RequestID:   resp.RequestID,
		Request:     req,
		Error:       resp.Error,
		ErrorType:   classifyFailure(resp),
		MaxRetries:  p.cfg.DLQMaxRetries,
		NextRetryAt: now.Add(p.cfg.DLQBackoff.DelayFor(2)).UTC(),
		CreatedAt:   now.UTC(),
	}
}

// classifyFailure marks a failed response transient when any capability
// failed for a retryable reason. Missing models or clients are configuration
// problems and never clear up on retry.
func classifyFailure(resp *model.DetectionResponse) string {
	if len(resp.Results) == 0 {
		return resilience.ClassifyError(eris.New(resp.Error))
	}
	for _, res := range resp.Results {
		if res.Error == "" || isConfigError(res.Error) {
			continue
		}
		if res.ErrorType != "" {
			if res.ErrorType == "transient" {
				return "transient"
			}
			continue
		}
		if resilience.IsTransient(eris.New(res.Error)) {
			return "transient"
		}
	}
	return "permanent"
}

func isConfigError(msg string) bool {
	return strings.Contains(msg, orchestrator.ErrNoModel.Error()) ||
		strings.Contains(msg, orchestrator.ErrNoClient.Error())
}
