// Package orchestrator fans a detection request out to the engines serving
// each requested capability and assembles the per-capability outcomes into
// one response.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/detection-orchestrator/internal/engine"
	"github.com/sells-group/detection-orchestrator/internal/model"
)

var (
	// ErrInvalidRequest is the only error ProcessDetectionRequest returns.
	ErrInvalidRequest = eris.New("orchestrator: invalid request")
	// ErrNoModel marks a capability with no enabled model version.
	ErrNoModel = eris.New("no enabled model")
	// ErrNoClient marks a capability with no configured engine endpoints.
	ErrNoClient = eris.New("no client configured")
)

// DefaultHistorySize is the number of responses kept for metrics.
const DefaultHistorySize = 1000

// ModelResolver picks the model version that serves a request.
type ModelResolver interface {
	GetModelForRequest(capability model.CapabilityType, requestID string) (model.ModelVersion, bool)
}

// Config controls orchestrator behavior.
type Config struct {
	HistorySize int
}

// Orchestrator coordinates multi-capability detection requests. A single
// instance is shared by all concurrent callers.
type Orchestrator struct {
	models    ModelResolver
	balancers map[model.CapabilityType]*engine.Balancer
	cfg       Config
	nowFunc   func() time.Time

	mu      sync.Mutex
	history []*model.DetectionResponse
}

// New creates an orchestrator. Balancers are keyed by their capability; a
// later balancer for the same capability replaces an earlier one.
func New(models ModelResolver, balancers []*engine.Balancer, cfg Config) *Orchestrator {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	byCap := make(map[model.CapabilityType]*engine.Balancer, len(balancers))
	for _, b := range balancers {
		byCap[b.Capability()] = b
	}
	return &Orchestrator{
		models:    models,
		balancers: byCap,
		cfg:       cfg,
		nowFunc:   time.Now,
		history:   make([]*model.DetectionResponse, 0, cfg.HistorySize),
	}
}

// Capabilities returns the capabilities with a configured balancer, in
// canonical order.
func (o *Orchestrator) Capabilities() []model.CapabilityType {
	var out []model.CapabilityType
	for _, c := range model.Capabilities {
		if _, ok := o.balancers[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Validate checks a request for malformed input.
func Validate(req model.DetectionRequest) error {
	if req.PhotoID == "" {
		return eris.Wrap(ErrInvalidRequest, "photo_id is required")
	}
	if req.PhotoURL == "" {
		return eris.Wrap(ErrInvalidRequest, "photo_url is required")
	}
	if len(req.Capabilities) == 0 {
		return eris.Wrap(ErrInvalidRequest, "at least one capability is required")
	}
	for _, c := range req.Capabilities {
		if !c.Valid() {
			return eris.Wrapf(ErrInvalidRequest, "unknown capability %q", c)
		}
	}
	if !req.Priority.Valid() {
		return eris.Wrapf(ErrInvalidRequest, "unknown priority %q", req.Priority)
	}
	return nil
}

// ProcessDetectionRequest runs every requested capability concurrently and
// returns the assembled response. Only malformed input yields an error; every
// other failure is reported through the response status and per-capability
// results.
func (o *Orchestrator) ProcessDetectionRequest(ctx context.Context, req model.DetectionRequest, correlationID string) (*model.DetectionResponse, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	start := o.nowFunc()
	requestID := uuid.NewString()
	if correlationID == "" {
		correlationID = "corr-" + requestID
	}

	resp := &model.DetectionResponse{
		RequestID:     requestID,
		DetectionID:   uuid.NewString(),
		PhotoID:       req.PhotoID,
		Status:        model.DetectionStatusProcessing,
		Results:       make(map[model.CapabilityType]model.EngineResult),
		ModelVersions: make(map[model.CapabilityType]string),
		CorrelationID: correlationID,
		Timestamp:     start.UTC(),
	}

	log := zap.L().With(
		zap.String("request_id", requestID),
		zap.String("correlation_id", correlationID),
		zap.String("photo_id", req.PhotoID),
	)

	if err := o.fanOut(ctx, req, resp); err != nil {
		resp.Status = model.DetectionStatusFailed
		resp.Error = err.Error()
		log.Error("orchestrator: fan-out aborted", zap.Error(err))
	} else {
		resp.Status, resp.Error = classify(resp.Results)
	}

	resp.ProcessingTimeMS = o.nowFunc().Sub(start).Milliseconds()
	o.record(resp)

	log.Info("orchestrator: request complete",
		zap.String("status", string(resp.Status)),
		zap.Int("capabilities", len(resp.Results)),
		zap.Int64("duration_ms", resp.ProcessingTimeMS),
	)
	return resp, nil
}

// fanOut issues one call per distinct capability and waits for all of them.
// A panic in the scaffolding surfaces as an error; a panic inside a
// capability call is contained in that capability's result.
func (o *Orchestrator) fanOut(ctx context.Context, req model.DetectionRequest, resp *model.DetectionResponse) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("orchestrator: unexpected error: %v", r)
		}
	}()

	caps := dedupe(req.Capabilities)
	results := make([]model.EngineResult, len(caps))

	var g errgroup.Group
	for i, c := range caps {
		g.Go(func() error {
			results[i] = o.runCapability(ctx, resp.RequestID, req, c)
			return nil
		})
	}
	_ = g.Wait() // capability failures live in their results

	for i, c := range caps {
		resp.Results[c] = results[i]
		resp.ModelVersions[c] = results[i].ModelVersion
	}
	return nil
}

func (o *Orchestrator) runCapability(ctx context.Context, requestID string, req model.DetectionRequest, capability model.CapabilityType) (res model.EngineResult) {
	start := time.Now()
	var version string

	defer func() {
		if r := recover(); r != nil {
			res = model.FailedResult(capability, version, fmt.Sprintf("orchestrator: %s call panicked: %v", capability, r), time.Since(start))
		}
		logCapability(requestID, res)
	}()

	mv, ok := o.models.GetModelForRequest(capability, requestID)
	if !ok {
		return model.FailedResult(capability, "", eris.Wrapf(ErrNoModel, "orchestrator: %s", capability).Error(), time.Since(start))
	}
	version = mv.Key()

	b, ok := o.balancers[capability]
	if !ok {
		return model.FailedResult(capability, version, eris.Wrapf(ErrNoClient, "orchestrator: %s", capability).Error(), time.Since(start))
	}

	res = b.PredictFor(ctx, mv, req.PhotoURL, req.Metadata)
	res.Capability = capability
	if res.ModelVersion == "" {
		res.ModelVersion = version
	}
	if res.Error == "" && res.Confidence < mv.ConfidenceThreshold {
		res.BelowThreshold = true
	}
	return res
}

func logCapability(requestID string, res model.EngineResult) {
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("capability", string(res.Capability)),
		zap.String("model_version", res.ModelVersion),
		zap.String("endpoint", res.Endpoint),
		zap.Float64("confidence", res.Confidence),
		zap.Int64("duration_ms", res.ProcessingTimeMS),
	}
	if res.Error != "" {
		zap.L().Warn("orchestrator: capability failed", append(fields, zap.String("error", res.Error))...)
		return
	}
	zap.L().Debug("orchestrator: capability complete", append(fields, zap.Bool("below_threshold", res.BelowThreshold))...)
}

// classify derives the overall status from per-capability results.
func classify(results map[model.CapabilityType]model.EngineResult) (model.DetectionStatus, string) {
	var ok, failed int
	for _, r := range results {
		if r.Error == "" {
			ok++
		} else {
			failed++
		}
	}
	switch {
	case ok > 0 && failed == 0:
		return model.DetectionStatusCompleted, ""
	case ok > 0:
		return model.DetectionStatusPartial, ""
	default:
		return model.DetectionStatusFailed, fmt.Sprintf("all %d requested capabilities failed", failed)
	}
}

func dedupe(caps []model.CapabilityType) []model.CapabilityType {
	seen := make(map[model.CapabilityType]bool, len(caps))
	out := make([]model.CapabilityType, 0, len(caps))
	for _, c := range caps {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// record appends resp to the history, evicting the oldest entry at capacity.
func (o *Orchestrator) record(resp *model.DetectionResponse) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.history) >= o.cfg.HistorySize {
		n := copy(o.history, o.history[len(o.history)-o.cfg.HistorySize+1:])
		clear(o.history[n:])
		o.history = o.history[:n]
	}
	o.history = append(o.history, resp)
}

// History returns the retained responses, oldest first.
func (o *Orchestrator) History() []*model.DetectionResponse {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*model.DetectionResponse, len(o.history))
	copy(out, o.history)
	return out
}

// GetHealthStatus probes every endpoint of every capability concurrently.
// The status is healthy only when at least one endpoint exists and all of
// them answered.
func (o *Orchestrator) GetHealthStatus(ctx context.Context) model.HealthStatus {
	caps := o.Capabilities()
	probes := make([][]model.EngineHealth, len(caps))

	var g errgroup.Group
	for i, c := range caps {
		b := o.balancers[c]
		g.Go(func() error {
			probes[i] = b.HealthCheckAll(ctx)
			return nil
		})
	}
	_ = g.Wait()

	status := model.HealthStatus{
		Engines:   make(map[model.CapabilityType][]model.EngineHealth, len(caps)),
		CheckedAt: o.nowFunc().UTC(),
	}
	for i, c := range caps {
		status.Engines[c] = probes[i]
		for _, h := range probes[i] {
			status.TotalEndpoints++
			if h.Healthy {
				status.HealthyEndpoints++
			}
		}
	}

	status.Status = model.HealthStatusHealthy
	if status.TotalEndpoints == 0 || status.HealthyEndpoints < status.TotalEndpoints {
		status.Status = model.HealthStatusDegraded
	}
	return status
}

// BreakerState is a point-in-time view of one endpoint's circuit breaker.
type BreakerState struct {
	Capability          model.CapabilityType `json:"capability"`
	Endpoint            string               `json:"endpoint"`
	State               string               `json:"state"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	HalfOpenAttempts    int                  `json:"half_open_attempts"`
}

// BreakerStates snapshots every endpoint's breaker without probing, in
// capability then rotation order.
func (o *Orchestrator) BreakerStates() []BreakerState {
	var out []BreakerState
	for _, c := range o.Capabilities() {
		for _, client := range o.balancers[c].Clients() {
			failures, halfOpen, state := client.Breaker().Counters()
			out = append(out, BreakerState{
				Capability:          c,
				Endpoint:            client.Endpoint(),
				State:               state.String(),
				ConsecutiveFailures: failures,
				HalfOpenAttempts:    halfOpen,
			})
		}
	}
	return out
}
