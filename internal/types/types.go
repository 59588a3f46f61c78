package types

import (
	"net"
	"strconv"
	"time"
)

// Protocol is a verified proxy capability.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// Status is the lifecycle state of a proxy record.
type Status string

const (
	StatusUntested    Status = "untested"
	StatusValid       Status = "valid"
	StatusDead        Status = "dead"
	StatusQuarantined Status = "quarantined"
)

// FailReason classifies a failed probe.
type FailReason string

const (
	ReasonTimeout           FailReason = "timeout"
	ReasonConnectionRefused FailReason = "connection_refused"
	ReasonSSLHandshake      FailReason = "ssl_handshake_failed"
	ReasonProtocolMismatch  FailReason = "protocol_mismatch"
	ReasonUnknown           FailReason = "unknown_error"
)

// ProxyRecord is one pool entry per unique host:port. Host, Port and
// Source are fixed at first sighting; everything else is owned by the
// validation lifecycle.
type ProxyRecord struct {
	Host                string     `json:"host"`
	Port                int        `json:"port"`
	Source              string     `json:"source"`
	Protocols           []Protocol `json:"protocols,omitempty"`
	Status              Status     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	DeadCycles          int        `json:"dead_cycles"`
	LastCheckedAt       time.Time  `json:"last_checked_at"`
	LastSuccessAt       time.Time  `json:"last_success_at"`
	LatencyMs           int64      `json:"latency_ms"`
}

// Address returns the canonical host:port form.
func (r *ProxyRecord) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// HasProtocol reports whether the capability has been verified.
func (r *ProxyRecord) HasProtocol(p Protocol) bool {
	for _, have := range r.Protocols {
		if have == p {
			return true
		}
	}
	return false
}

// Outcome is the result of a single probe against one record.
type Outcome struct {
	Success   bool
	Protocols []Protocol
	LatencyMs int64
	Reason    FailReason
	Detail    string
}

// Snapshot is the persisted form of the registry.
type Snapshot struct {
	Records []ProxyRecord `json:"records"`
	SavedAt time.Time     `json:"saved_at"`
}

// InitStatus summarizes whether an ingestion cycle met its quota.
type InitStatus string

const (
	InitReady   InitStatus = "ready"
	InitPartial InitStatus = "partial"
	InitFailed  InitStatus = "failed"
)

// InitResult is what initialization and refresh report to callers.
type InitResult struct {
	Status       InitStatus `json:"status"`
	ValidCount   int        `json:"valid_count"`
	TriedSources int        `json:"tried_sources"`
}

// SourceStats records one provider fetch within a cycle.
type SourceStats struct {
	Name       string `json:"name"`
	Candidates int    `json:"candidates"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// PoolStats is the externally visible pool composition.
type PoolStats struct {
	Total       int            `json:"total"`
	Valid       int            `json:"valid"`
	Untested    int            `json:"untested"`
	Dead        int            `json:"dead"`
	Quarantined int            `json:"quarantined"`
	BySource    map[string]int `json:"by_source,omitempty"`
	LastCycleAt time.Time      `json:"last_cycle_at"`
	LastResult  InitResult     `json:"last_result"`
	Sources     []SourceStats  `json:"sources,omitempty"`
}
