package registry

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/proxy-pool-manager/internal/types"
)

// Registry owns every ProxyRecord. All access goes through its methods;
// other components hold addresses, never record pointers, so a record
// can never be observed half-updated.
type Registry struct {
	mu         sync.RWMutex
	records    map[string]*types.ProxyRecord
	order      []string
	threshold  int
	evictAfter int
}

func New(failureThreshold, evictAfterCycles int) *Registry {
	if failureThreshold < 1 {
		failureThreshold = 3
	}
	if evictAfterCycles < 1 {
		evictAfterCycles = 3
	}
	return &Registry{
		records:    make(map[string]*types.ProxyRecord),
		threshold:  failureThreshold,
		evictAfter: evictAfterCycles,
	}
}

// Addr returns the canonical host:port key for a record.
func Addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Upsert creates a record on first sighting. An existing record is left
// untouched: verified fields and the original source tag are never
// overwritten by a later sighting of the same address.
func (r *Registry) Upsert(host string, port int, source string) (string, bool) {
	addr := Addr(host, port)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[addr]; ok {
		return addr, false
	}

	r.records[addr] = &types.ProxyRecord{
		Host:   host,
		Port:   port,
		Source: source,
		Status: types.StatusUntested,
	}
	r.order = append(r.order, addr)
	return addr, true
}

// MarkResult applies one probe outcome atomically. The last full outcome
// wins. A record that is already dead stays dead until the next cycle,
// even if a late probe reports success.
func (r *Registry) MarkResult(addr string, oc types.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[addr]
	if !ok || rec.Status == types.StatusDead {
		return
	}

	now := time.Now()
	rec.LastCheckedAt = now

	if oc.Success {
		rec.Status = types.StatusValid
		rec.ConsecutiveFailures = 0
		rec.DeadCycles = 0
		rec.LastSuccessAt = now
		if oc.LatencyMs > 0 {
			rec.LatencyMs = oc.LatencyMs
		}
		for _, p := range oc.Protocols {
			if !rec.HasProtocol(p) {
				rec.Protocols = append(rec.Protocols, p)
			}
		}
		return
	}

	rec.ConsecutiveFailures++
	switch rec.Status {
	case types.StatusQuarantined:
		// Quarantine grants a single retest; a second failure retires it.
		retire(rec)
	case types.StatusValid:
		if rec.ConsecutiveFailures >= r.threshold {
			rec.Status = types.StatusQuarantined
		}
	default:
		// Never-validated candidates get no grace.
		retire(rec)
	}
}

func retire(rec *types.ProxyRecord) {
	rec.Status = types.StatusDead
	rec.Protocols = nil
}

// MarkDead is the caller-feedback path for a proxy that failed in actual
// use. No threshold: the caller already paid for the failure.
func (r *Registry) MarkDead(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[addr]
	if !ok {
		return
	}
	retire(rec)
	rec.LastCheckedAt = time.Now()
}

// CandidatesForValidation returns records due for probing: untested and
// quarantined ones, plus valid records not checked within staleness.
// Oldest check first, capped at maxN (non-positive means no cap).
func (r *Registry) CandidatesForValidation(maxN int, staleness time.Duration) []string {
	type due struct {
		addr string
		at   time.Time
	}

	r.mu.RLock()
	cutoff := time.Now().Add(-staleness)
	pending := make([]due, 0, len(r.order))
	for _, addr := range r.order {
		rec := r.records[addr]
		switch rec.Status {
		case types.StatusUntested, types.StatusQuarantined:
			pending = append(pending, due{addr, rec.LastCheckedAt})
		case types.StatusValid:
			if rec.LastCheckedAt.Before(cutoff) {
				pending = append(pending, due{addr, rec.LastCheckedAt})
			}
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].at.Before(pending[j].at)
	})
	if maxN > 0 && len(pending) > maxN {
		pending = pending[:maxN]
	}

	addrs := make([]string, len(pending))
	for i, d := range pending {
		addrs[i] = d.addr
	}
	return addrs
}

// Snapshot returns copies of the valid records in insertion order.
func (r *Registry) Snapshot() []types.ProxyRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ProxyRecord, 0, len(r.order))
	for _, addr := range r.order {
		rec := r.records[addr]
		if rec.Status == types.StatusValid {
			out = append(out, clone(rec))
		}
	}
	return out
}

// Eligible reports whether addr is currently valid with the capability.
// The rotation selector calls this on every pick to skip records that
// died since its last rebuild.
func (r *Registry) Eligible(addr string, p types.Protocol) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[addr]
	return ok && rec.Status == types.StatusValid && rec.HasProtocol(p)
}

// BeginCycle starts a full ingestion cycle. Dead records from earlier
// cycles re-enter as untested so they get another probe; their DeadCycles
// age keeps growing until a success clears it, which lets Evict retire
// repeat offenders for good.
func (r *Registry) BeginCycle() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.Status == types.StatusDead {
			rec.DeadCycles++
			rec.Status = types.StatusUntested
			rec.ConsecutiveFailures = 0
		}
	}
}

// Seed loads persisted records, preserving their order and status.
// Addresses already present are not overwritten.
func (r *Registry) Seed(records []types.ProxyRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range records {
		rec := records[i]
		addr := Addr(rec.Host, rec.Port)
		if _, ok := r.records[addr]; ok {
			continue
		}
		if rec.Status == "" {
			rec.Status = types.StatusUntested
		}
		cp := clone(&rec)
		r.records[addr] = &cp
		r.order = append(r.order, addr)
	}
}

// Export returns every record in insertion order for persistence.
func (r *Registry) Export() []types.ProxyRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ProxyRecord, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, clone(r.records[addr]))
	}
	return out
}

// Evict removes records that have gone more than evictAfter cycles
// without a success. Only the save path calls this, so destruction and
// snapshot rewrite stay coupled.
func (r *Registry) Evict() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.order[:0]
	removed := 0
	for _, addr := range r.order {
		rec := r.records[addr]
		if rec.DeadCycles > r.evictAfter {
			delete(r.records, addr)
			removed++
			continue
		}
		kept = append(kept, addr)
	}
	r.order = kept
	return removed
}

// Get returns a copy of one record.
func (r *Registry) Get(addr string) (types.ProxyRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[addr]
	if !ok {
		return types.ProxyRecord{}, false
	}
	return clone(rec), true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) ValidCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.records {
		if rec.Status == types.StatusValid {
			n++
		}
	}
	return n
}

func (r *Registry) CountsByStatus() map[types.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[types.Status]int, 4)
	for _, rec := range r.records {
		counts[rec.Status]++
	}
	return counts
}

func (r *Registry) SourceCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, rec := range r.records {
		counts[rec.Source]++
	}
	return counts
}

func clone(rec *types.ProxyRecord) types.ProxyRecord {
	cp := *rec
	cp.Protocols = append([]types.Protocol(nil), rec.Protocols...)
	return cp
}
