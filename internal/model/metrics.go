package model

import "time"

// OrchestratorMetrics summarizes the bounded request history.
type OrchestratorMetrics struct {
	TotalRequests      int                                  `json:"total_requests"`
	SuccessfulRequests int                                  `json:"successful_requests"`
	PartialRequests    int                                  `json:"partial_requests"`
	FailedRequests     int                                  `json:"failed_requests"`
	AvgProcessingMS    float64                              `json:"avg_processing_time_ms"`
	P50LatencyMS       float64                              `json:"p50_latency_ms"`
	P90LatencyMS       float64                              `json:"p90_latency_ms"`
	P95LatencyMS       float64                              `json:"p95_latency_ms"`
	ErrorRate          float64                              `json:"error_rate"`
	Capabilities       map[CapabilityType]CapabilityMetrics `json:"capabilities"`
	ComputedAt         time.Time                            `json:"computed_at"`
}

// CapabilityMetrics is the per-capability slice of OrchestratorMetrics.
type CapabilityMetrics struct {
	Requests      int     `json:"requests"`
	Errors        int     `json:"errors"`
	AvgConfidence float64 `json:"avg_confidence"`
	AvgLatencyMS  float64 `json:"avg_latency_ms"`
}

// HealthStatus aggregates endpoint probes across all capabilities.
type HealthStatus struct {
	Status           string                            `json:"status"`
	HealthyEndpoints int                               `json:"healthy_endpoints"`
	TotalEndpoints   int                               `json:"total_endpoints"`
	Engines          map[CapabilityType][]EngineHealth `json:"engines"`
	CheckedAt        time.Time                         `json:"checked_at"`
}

const (
	HealthStatusHealthy  = "healthy"
	HealthStatusDegraded = "degraded"
)
