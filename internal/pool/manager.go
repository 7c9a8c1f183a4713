package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/freshbench/internal/backend"
)

// Streaming session isolation levels. The closed set keeps the SET
// statement safe to interpolate.
const (
	IsolationSerializable       = "serializable"
	IsolationStrictSerializable = "strict serializable"
)

// Settings configure the Manager.
type Settings struct {
	PrimaryDSN   string
	StreamingDSN string
	// DriverName selects the database/sql driver; tests inject a fake.
	DriverName string
	// AppName is stamped into each DSN as application_name, suffixed with
	// the family and RunID, when the DSN does not set one itself.
	AppName string
	RunID   string

	AcquireTimeout   time.Duration // per-attempt slot wait
	AcquireRetries   int           // retries after the first attempt
	AcquireBackoff   time.Duration // backoff base, doubled per retry
	RotationInterval time.Duration // streaming pool rotation cadence
	DrainTimeout     time.Duration // bounded wait for in-flight conns

	Isolation string // initial streaming isolation level

	// OnRotation, when set, observes every rotation attempt.
	OnRotation func(took time.Duration, err error)
}

func (s *Settings) normalize() {
	if s.DriverName == "" {
		s.DriverName = "postgres"
	}
	if s.AcquireTimeout <= 0 {
		s.AcquireTimeout = 120 * time.Second
	}
	if s.AcquireRetries < 0 {
		s.AcquireRetries = 0
	} else if s.AcquireRetries == 0 {
		s.AcquireRetries = 3
	}
	if s.AcquireBackoff <= 0 {
		s.AcquireBackoff = 100 * time.Millisecond
	}
	if s.RotationInterval <= 0 {
		s.RotationInterval = 60 * time.Second
	}
	if s.DrainTimeout <= 0 {
		s.DrainTimeout = 30 * time.Second
	}
	if s.Isolation == "" {
		s.Isolation = IsolationSerializable
	}
}

// Manager owns both pools. Only the Manager creates, replaces, or closes
// pool objects; everything else just acquires and releases through it.
type Manager struct {
	settings Settings
	log      zerolog.Logger
	counters *Counters

	mu        sync.Mutex // guards initialize, rotate, close
	primary   *Pool
	streaming atomic.Pointer[Pool]
	isolation atomic.Value // string
	closed    bool

	cancelRotation context.CancelFunc
	rotationDone   chan struct{}
	drainWG        sync.WaitGroup
}

func NewManager(settings Settings, log zerolog.Logger) *Manager {
	settings.normalize()
	m := &Manager{
		settings: settings,
		log:      log,
		counters: &Counters{},
	}
	m.isolation.Store(settings.Isolation)
	return m
}

// Initialize builds the primary pool (failure is fatal) and the streaming
// pool (failure degrades: the service runs without it until a rotation
// succeeds).
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	primary, err := newPool(ctx, backend.FamilyPrimary, m.settings.DriverName, withAppName(m.settings.PrimaryDSN, m.appName(backend.FamilyPrimary)), m.counters, m.log)
	if err != nil {
		return err
	}
	m.primary = primary
	m.log.Info().Msg("primary pool ready")

	if m.settings.StreamingDSN == "" {
		m.log.Warn().Msg("no streaming dsn configured, streaming backend disabled")
		return nil
	}
	streaming, err := newPool(ctx, backend.FamilyStreaming, m.settings.DriverName, withAppName(m.settings.StreamingDSN, m.appName(backend.FamilyStreaming)), m.counters, m.log)
	if err != nil {
		m.log.Warn().Err(err).Msg("streaming pool initialization failed, continuing degraded")
		return nil
	}
	m.streaming.Store(streaming)
	m.log.Info().Msg("streaming pool ready")
	return nil
}

func (m *Manager) appName(f backend.Family) string {
	if m.settings.AppName == "" {
		return ""
	}
	name := m.settings.AppName + "_" + f.String()
	if m.settings.RunID != "" {
		name += "_" + m.settings.RunID
	}
	return name
}

func (m *Manager) poolFor(b backend.Backend) *Pool {
	if b.Family() == backend.FamilyStreaming {
		return m.streaming.Load()
	}
	return m.primary
}

// StreamingAvailable reports whether a streaming pool is installed.
func (m *Manager) StreamingAvailable() bool { return m.streaming.Load() != nil }

// Acquire returns a connection for the backend's family, retrying pool
// exhaustion with exponential backoff before propagating it.
func (m *Manager) Acquire(ctx context.Context, b backend.Backend) (*Conn, error) {
	p := m.poolFor(b)
	if p == nil {
		return nil, wrapErr(KindInitialization, b.Family(), "acquire", ErrStreamingUnavailable)
	}

	var lastErr error
	for attempt := 0; attempt <= m.settings.AcquireRetries; attempt++ {
		if attempt > 0 {
			m.counters.AcquireRetry()
			delay := m.settings.AcquireBackoff << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		conn, err := p.acquire(ctx, m.settings.AcquireTimeout)
		if err == nil {
			if conn.caps.IsolationSwap {
				m.applyIsolation(ctx, conn)
			}
			return conn, nil
		}
		lastErr = err
		if !IsExhausted(err) || ctx.Err() != nil {
			m.counters.AcquireFailure()
			return nil, err
		}
	}
	m.counters.AcquireFailure()
	return nil, lastErr
}

// applyIsolation pins the session isolation level on a fresh streaming
// checkout. Failure only logs: the probe will surface real errors itself.
func (m *Manager) applyIsolation(ctx context.Context, c *Conn) {
	level := m.IsolationLevel()
	setCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.Exec(setCtx, fmt.Sprintf("SET transaction_isolation = '%s'", level)); err != nil {
		m.log.Debug().Err(err).Str("level", level).Msg("isolation set ignored")
	}
}

func (m *Manager) IsolationLevel() string {
	return m.isolation.Load().(string)
}

// ToggleIsolation flips the streaming isolation level between serializable
// and strict serializable, returning the new level. It applies to future
// acquisitions; checked-out sessions keep their level.
func (m *Manager) ToggleIsolation() string {
	next := IsolationStrictSerializable
	if m.IsolationLevel() == IsolationStrictSerializable {
		next = IsolationSerializable
	}
	m.isolation.Store(next)
	return next
}

// StartRotation launches the periodic wholesale rotation of the streaming
// pool. Rotation doubles as degraded-mode recovery: when no streaming pool
// is installed, a successful build installs one.
func (m *Manager) StartRotation() {
	if m.settings.StreamingDSN == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelRotation = cancel
	m.rotationDone = make(chan struct{})
	go m.rotateLoop(ctx)
}

// StopRotation halts the rotation loop and waits for it to exit.
func (m *Manager) StopRotation() {
	if m.cancelRotation == nil {
		return
	}
	m.cancelRotation()
	<-m.rotationDone
	m.cancelRotation = nil
}

func (m *Manager) rotateLoop(ctx context.Context) {
	defer close(m.rotationDone)
	ticker := time.NewTicker(m.settings.RotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RotateStreaming(ctx); err != nil {
				m.log.Warn().Err(err).Msg("streaming pool rotation failed")
			}
		}
	}
}

// RotateStreaming builds a fresh streaming pool, swaps it in for new
// acquisitions, and drains the old one in the background with a bounded
// wait. On build failure the installed pool stays in service.
func (m *Manager) RotateStreaming(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	start := time.Now()
	buildCtx, cancel := context.WithTimeout(ctx, 2*connectTimeout)
	defer cancel()
	fresh, err := newPool(buildCtx, backend.FamilyStreaming, m.settings.DriverName, withAppName(m.settings.StreamingDSN, m.appName(backend.FamilyStreaming)), m.counters, m.log)
	if err != nil {
		m.counters.RotationFailure()
		if m.settings.OnRotation != nil {
			m.settings.OnRotation(time.Since(start), err)
		}
		return err
	}

	old := m.streaming.Swap(fresh)
	m.counters.Rotation()
	took := time.Since(start)
	if old == nil {
		m.log.Info().Dur("took", took).Msg("streaming pool installed")
	} else {
		m.log.Info().Dur("took", took).Msg("streaming pool rotated")
		m.drainWG.Add(1)
		go func() {
			defer m.drainWG.Done()
			old.Close(m.settings.DrainTimeout)
		}()
	}
	if m.settings.OnRotation != nil {
		m.settings.OnRotation(took, nil)
	}
	return nil
}

// Counters returns a snapshot of the lifecycle totals.
func (m *Manager) Counters() CounterSnapshot { return m.counters.Snapshot() }

// Stats describes the installed pools.
func (m *Manager) Stats() []Stat {
	var stats []Stat
	if m.primary != nil {
		stats = append(stats, m.primary.stat())
	}
	if s := m.streaming.Load(); s != nil {
		stats = append(stats, s.stat())
	}
	return stats
}

// Close stops rotation, closes both pools with a bounded drain, and waits
// for background drains to finish. Safe to call once after Initialize.
func (m *Manager) Close() {
	m.StopRotation()

	m.mu.Lock()
	m.closed = true
	streaming := m.streaming.Swap(nil)
	primary := m.primary
	m.primary = nil
	m.mu.Unlock()

	if streaming != nil {
		streaming.Close(m.settings.DrainTimeout)
	}
	if primary != nil {
		primary.Close(m.settings.DrainTimeout)
	}
	m.drainWG.Wait()
}
