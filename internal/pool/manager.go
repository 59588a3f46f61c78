package pool

import (
	"context"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/proxy-pool-manager/internal/config"
	"github.com/proxy-pool-manager/internal/metrics"
	"github.com/proxy-pool-manager/internal/registry"
	"github.com/proxy-pool-manager/internal/rotation"
	"github.com/proxy-pool-manager/internal/sources"
	"github.com/proxy-pool-manager/internal/storage"
	"github.com/proxy-pool-manager/internal/types"
	"github.com/proxy-pool-manager/internal/validator"
)

// Manager wires the registry, validator pool, rotation selector and
// persistence into the ingestion pipeline and is the only entry point
// the outside world talks to.
type Manager struct {
	cfg       *config.Config
	reg       *registry.Registry
	validator *validator.Pool
	selector  *rotation.Selector
	store     storage.Storage
	metrics   *metrics.Collector
	sources   []sources.Source

	loadOnce  sync.Once
	cycleMu   sync.Mutex
	persistMu sync.Mutex

	statsMu    sync.RWMutex
	lastResult types.InitResult
	lastCycle  time.Time
	lastStats  []types.SourceStats
}

func NewManager(cfg *config.Config, store storage.Storage, srcs []sources.Source, prober validator.Prober, collector *metrics.Collector) *Manager {
	reg := registry.New(cfg.Validator.FailureThreshold, cfg.Pool.EvictAfterCycles)
	return &Manager{
		cfg:       cfg,
		reg:       reg,
		validator: validator.NewPool(cfg.Validator, reg, prober, collector),
		selector:  rotation.NewSelector(reg, cfg.Rotation.SiteProfiles),
		store:     store,
		metrics:   collector,
		sources:   srcs,
	}
}

// Initialize seeds the registry from the persisted snapshot once, then
// runs a full ingestion cycle. The ctx deadline is the time budget for
// the whole cycle; the result is always a structured status.
func (m *Manager) Initialize(ctx context.Context) types.InitResult {
	m.loadOnce.Do(m.loadPersisted)
	return m.runCycle(ctx)
}

// Refresh runs another ingestion cycle over the existing pool.
func (m *Manager) Refresh(ctx context.Context) types.InitResult {
	m.loadOnce.Do(m.loadPersisted)
	return m.runCycle(ctx)
}

// GetNextProxy returns the next healthy proxy for the given site, or
// false when none is currently eligible.
func (m *Manager) GetNextProxy(site string) (string, bool) {
	addr, ok := m.selector.Next(site)
	if m.metrics != nil {
		m.metrics.RecordSelection(profileLabel(site), ok)
	}
	return addr, ok
}

// MarkProxyDead retires a proxy a caller found broken in actual use.
func (m *Manager) MarkProxyDead(addr string) bool {
	if _, ok := m.reg.Get(addr); !ok {
		return false
	}
	m.reg.MarkDead(addr)
	log.Infof("Proxy %s reported dead by caller", addr)
	go m.persist()
	return true
}

// Stats reports the current pool composition and the last cycle result.
func (m *Manager) Stats() types.PoolStats {
	counts := m.reg.CountsByStatus()

	m.statsMu.RLock()
	lastResult := m.lastResult
	lastCycle := m.lastCycle
	srcStats := append([]types.SourceStats(nil), m.lastStats...)
	m.statsMu.RUnlock()

	return types.PoolStats{
		Total:       m.reg.Len(),
		Valid:       counts[types.StatusValid],
		Untested:    counts[types.StatusUntested],
		Dead:        counts[types.StatusDead],
		Quarantined: counts[types.StatusQuarantined],
		BySource:    m.reg.SourceCounts(),
		LastCycleAt: lastCycle,
		LastResult:  lastResult,
		Sources:     srcStats,
	}
}

// Close persists the final pool state and releases the storage backend.
func (m *Manager) Close() error {
	m.persist()
	return m.store.Close()
}

func (m *Manager) loadPersisted() {
	snap, err := m.store.Load()
	if err != nil {
		log.Warnf("Failed to load persisted pool: %v", err)
		return
	}
	if snap == nil || len(snap.Records) == 0 {
		log.Info("No persisted pool found, starting empty")
		return
	}
	m.reg.Seed(snap.Records)
	m.selector.Rebuild()
	log.Infof("Loaded %d persisted proxies (%d valid)", len(snap.Records), m.reg.ValidCount())
}

// runCycle is the full pipeline pass: age out the previous cycle's dead
// records, revalidate what the pool already knows, then walk sources
// until the quota is met, and finally persist and rebuild rotation.
func (m *Manager) runCycle(ctx context.Context) types.InitResult {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	start := time.Now()
	m.reg.BeginCycle()

	// A warm snapshot often covers the quota without touching any
	// provider, so known records are probed before scraping starts.
	m.revalidateKnown(ctx)

	tried := m.ingest(ctx)

	m.persist()
	m.selector.Rebuild()

	valid := m.reg.ValidCount()
	status := types.InitReady
	switch {
	case valid == 0:
		status = types.InitFailed
	case valid < m.cfg.Pool.MinProxies:
		status = types.InitPartial
	}

	result := types.InitResult{Status: status, ValidCount: valid, TriedSources: len(tried)}

	if m.metrics != nil {
		m.metrics.SetPoolCounts(m.statusCounts())
		m.metrics.RecordCycle(string(status))
	}

	m.statsMu.Lock()
	m.lastResult = result
	m.lastCycle = time.Now()
	m.lastStats = tried
	m.statsMu.Unlock()

	log.WithFields(log.Fields{
		"status":   status,
		"valid":    valid,
		"sources":  len(tried),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Ingestion cycle finished")

	return result
}

// revalidateKnown drains every record currently due for probing.
func (m *Manager) revalidateKnown(ctx context.Context) {
	staleness := m.staleness()
	for ctx.Err() == nil {
		addrs := m.reg.CandidatesForValidation(m.cfg.Validator.BatchSize, staleness)
		if len(addrs) == 0 {
			return
		}
		log.Infof("Revalidating %d known proxies", len(addrs))
		m.validator.Run(ctx, addrs)
	}
}

// ingest walks the configured sources in order, stopping as soon as the
// quota is met or the time budget runs out. A failing source is logged
// and skipped, never fatal.
func (m *Manager) ingest(ctx context.Context) []types.SourceStats {
	var tried []types.SourceStats
	for _, src := range m.sources {
		if m.reg.ValidCount() >= m.cfg.Pool.MinProxies {
			log.Infof("Pool quota met (%d valid), skipping remaining sources", m.reg.ValidCount())
			break
		}
		if ctx.Err() != nil {
			log.Warnf("Time budget exhausted, stopping ingestion: %v", ctx.Err())
			break
		}

		tried = append(tried, m.ingestSource(ctx, src))
		m.validateUntilQuota(ctx)
	}
	return tried
}

func (m *Manager) ingestSource(ctx context.Context, src sources.Source) types.SourceStats {
	start := time.Now()
	st := types.SourceStats{Name: src.Name()}

	cands, err := src.Fetch(ctx, m.cfg.Pool.MaxPages)
	if err != nil {
		// Paginated sources may return pages fetched before the error.
		st.Error = err.Error()
		log.Warnf("Source %s failed: %v", src.Name(), err)
	}
	cands = sources.FilterRoutable(cands)

	added := 0
	for _, c := range cands {
		if _, created := m.reg.Upsert(c.Host, c.Port, src.Name()); created {
			added++
		}
	}

	st.Candidates = len(cands)
	st.DurationMs = time.Since(start).Milliseconds()
	if m.metrics != nil {
		m.metrics.RecordCandidates(src.Name(), len(cands))
	}
	log.Infof("Source %s: %d candidates, %d new", src.Name(), len(cands), added)
	return st
}

// validateUntilQuota probes pending candidates batch by batch until the
// quota is met or no candidates remain.
func (m *Manager) validateUntilQuota(ctx context.Context) {
	staleness := m.staleness()
	for ctx.Err() == nil && m.reg.ValidCount() < m.cfg.Pool.MinProxies {
		addrs := m.reg.CandidatesForValidation(m.cfg.Validator.BatchSize, staleness)
		if len(addrs) == 0 {
			return
		}
		m.validator.Run(ctx, addrs)
	}
}

// persist evicts long-dead records and writes the snapshot. Persistence
// failure is logged and swallowed; the in-memory pool keeps serving.
func (m *Manager) persist() {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if evicted := m.reg.Evict(); evicted > 0 {
		log.Infof("Evicted %d long-dead proxies", evicted)
	}

	snap := &types.Snapshot{Records: m.reg.Export(), SavedAt: time.Now()}
	if err := m.store.Save(snap); err != nil {
		log.Errorf("Failed to persist pool snapshot: %v", err)
		return
	}
	log.Debugf("Persisted %d records", len(snap.Records))
}

func (m *Manager) staleness() time.Duration {
	return time.Duration(m.cfg.Pool.StalenessMinutes) * time.Minute
}

func (m *Manager) statusCounts() map[string]int {
	counts := m.reg.CountsByStatus()
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	return out
}

func profileLabel(site string) string {
	if site == "" {
		return "default"
	}
	return strings.ToLower(site)
}
