package orchestrator

import (
	"math"
	"sort"
	"time"

	"github.com/sells-group/detection-orchestrator/internal/model"
)

// GetMetrics computes aggregate statistics over the retained history.
func (o *Orchestrator) GetMetrics() model.OrchestratorMetrics {
	return ComputeMetrics(o.History(), o.nowFunc().UTC())
}

// ComputeMetrics derives OrchestratorMetrics from a set of responses.
// Completed responses count as successful, Failed ones as failed; Partial
// responses are counted separately. ErrorRate is failed / total.
func ComputeMetrics(history []*model.DetectionResponse, now time.Time) model.OrchestratorMetrics {
	m := model.OrchestratorMetrics{
		TotalRequests: len(history),
		Capabilities:  make(map[model.CapabilityType]model.CapabilityMetrics),
		ComputedAt:    now,
	}
	if len(history) == 0 {
		return m
	}

	type capAcc struct {
		requests, errors, succeeded int
		confidence                  float64
		latency                     int64
	}
	accs := make(map[model.CapabilityType]*capAcc)

	durations := make([]float64, 0, len(history))
	var total float64
	for _, resp := range history {
		switch resp.Status {
		case model.DetectionStatusCompleted:
			m.SuccessfulRequests++
		case model.DetectionStatusPartial:
			m.PartialRequests++
		case model.DetectionStatusFailed:
			m.FailedRequests++
		}

		d := float64(resp.ProcessingTimeMS)
		durations = append(durations, d)
		total += d

		for c, r := range resp.Results {
			acc, ok := accs[c]
			if !ok {
				acc = &capAcc{}
				accs[c] = acc
			}
			acc.requests++
			acc.latency += r.ProcessingTimeMS
			if r.Error != "" {
				acc.errors++
				continue
			}
			acc.succeeded++
			acc.confidence += r.Confidence
		}
	}

	sort.Float64s(durations)
	m.AvgProcessingMS = total / float64(len(history))
	m.P50LatencyMS = Percentile(durations, 50)
	m.P90LatencyMS = Percentile(durations, 90)
	m.P95LatencyMS = Percentile(durations, 95)
	m.ErrorRate = float64(m.FailedRequests) / float64(m.TotalRequests)

	for c, acc := range accs {
		cm := model.CapabilityMetrics{
			Requests:     acc.requests,
			Errors:       acc.errors,
			AvgLatencyMS: float64(acc.latency) / float64(acc.requests),
		}
		if acc.succeeded > 0 {
			cm.AvgConfidence = acc.confidence / float64(acc.succeeded)
		}
		m.Capabilities[c] = cm
	}
	return m
}

// Percentile returns the p-th percentile of sorted using linear
// interpolation between the closest ranks (rank = p/100 * (n-1)).
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case n == 1 || p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[n-1]
	}

	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
