package modkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultHealthInterval is how often a running engine snapshots module
// health into its bounded history.
const DefaultHealthInterval = 30 * time.Second

// EngineConfig describes an engine container and the ambient handles it
// passes down to its modules.
type EngineConfig struct {
	ID      string
	Name    string
	Version string

	Bus            *EventBus
	Logger         Logger
	HealthInterval time.Duration

	// External maps dependency ids to handles supplied by the host for
	// collaborators that are not modules (drivers, clients, ...).
	External map[string]any

	Database any
	Storage  any

	// Resolver is the loader's cross-engine module lookup.
	Resolver func(id string) (any, bool)

	// ModuleConfigs supplies raw config values per module id, validated
	// against each module's schema at initialize.
	ModuleConfigs map[string]map[string]any
}

// EngineHealth is the aggregated health snapshot exposed to monitoring
// surfaces.
type EngineHealth struct {
	Engine        string                  `json:"engine"`
	Name          string                  `json:"name"`
	State         State                   `json:"state"`
	Uptime        time.Duration           `json:"uptime"`
	ModulesHealth map[string]HealthStatus `json:"modulesHealth"`
	Overall       Status                  `json:"overall"`
	Timestamp     time.Time               `json:"lastHealthCheck"`
}

// EngineStats is a read-only projection of the engine's runtime state.
type EngineStats struct {
	Engine       string           `json:"engine"`
	Name         string           `json:"name"`
	Version      string           `json:"version"`
	State        State            `json:"state"`
	ModuleCount  int              `json:"moduleCount"`
	ModuleStates map[string]State `json:"moduleStates"`
	StartTime    time.Time        `json:"startTime,omitempty"`
	StopTime     time.Time        `json:"stopTime,omitempty"`
	Uptime       time.Duration    `json:"uptime"`
}

// Engine is a long-lived container that owns a set of modules, runs its
// own lifecycle state machine, aggregates module health, and exposes
// dependency lookup to its modules. Exactly one engine instance per id
// exists for the process lifetime.
type Engine struct {
	id      string
	name    string
	version string

	mu        sync.RWMutex
	state     State
	modules   map[string]*Module
	order     []string // insertion order
	contexts  map[string]*ModuleContext
	external  map[string]any
	startTime time.Time
	stopTime  time.Time

	bus            *EventBus
	logger         Logger
	resolver       func(id string) (any, bool)
	database       any
	storage        any
	moduleConfigs  map[string]map[string]any
	healthInterval time.Duration
	healthHistory  *ring[EngineHealth]
	healthCron     *cron.Cron
}

// NewEngine creates an engine in state uninitialized.
func NewEngine(cfg EngineConfig) *Engine {
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	external := make(map[string]any, len(cfg.External))
	for k, v := range cfg.External {
		external[k] = v
	}
	return &Engine{
		id:             cfg.ID,
		name:           name,
		version:        cfg.Version,
		state:          StateUninitialized,
		modules:        make(map[string]*Module),
		contexts:       make(map[string]*ModuleContext),
		external:       external,
		bus:            cfg.Bus,
		logger:         logger,
		resolver:       cfg.Resolver,
		database:       cfg.Database,
		storage:        cfg.Storage,
		moduleConfigs:  cfg.ModuleConfigs,
		healthInterval: interval,
		healthHistory:  newRing[EngineHealth](HealthHistorySize),
	}
}

// ID returns the engine's unique identifier.
func (e *Engine) ID() string { return e.id }

// Name returns the engine's human-readable name.
func (e *Engine) Name() string { return e.name }

// Version returns the engine's version string.
func (e *Engine) Version() string { return e.version }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Module looks up a registered module by id.
func (e *Engine) Module(id string) (*Module, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.modules[id]
	return m, ok
}

// Modules returns the registered modules in insertion order.
func (e *Engine) Modules() []*Module {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Module, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.modules[id])
	}
	return out
}

// ExternalDependency looks up an externally-supplied collaborator handle.
func (e *Engine) ExternalDependency(id string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	dep, ok := e.external[id]
	return dep, ok
}

// AddExternalDependency supplies a collaborator handle under id.
func (e *Engine) AddExternalDependency(id string, handle any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.external[id] = handle
}

// ContextFor returns the context built for a module at registration time.
func (e *Engine) ContextFor(id string) (*ModuleContext, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mc, ok := e.contexts[id]
	return mc, ok
}

// RegisterModule adds a module while the engine is quiescent. The
// module's declared dependencies must resolve among already-registered
// modules, the loader's registry, or the engine's external dependency
// list. The module's context is built here, at registration time.
func (e *Engine) RegisterModule(m *Module) error {
	e.mu.Lock()
	if !e.state.Quiescent() {
		state := e.state
		e.mu.Unlock()
		return &InvalidStateError{Component: e.id, Op: "register module", State: state}
	}
	if _, exists := e.modules[m.ID()]; exists {
		e.mu.Unlock()
		return &DuplicateError{Kind: "module", ID: m.ID()}
	}
	for _, dep := range m.Dependencies() {
		if _, ok := e.modules[dep]; ok {
			continue
		}
		if _, ok := e.external[dep]; ok {
			continue
		}
		if e.resolver != nil {
			if _, ok := e.resolver(dep); ok {
				continue
			}
		}
		e.mu.Unlock()
		return &DependencyError{Component: m.ID(), Missing: dep}
	}

	mc := NewModuleContext(ModuleContextConfig{
		Engine:   e,
		Bus:      e.bus,
		Logger:   e.logger,
		Config:   e.moduleConfigs[m.ID()],
		Database: e.database,
		Storage:  e.storage,
		Resolver: e.resolver,
	})
	mc.bind(m)
	e.modules[m.ID()] = m
	e.order = append(e.order, m.ID())
	e.contexts[m.ID()] = mc
	e.mu.Unlock()

	e.logger.Debug("Module registered", "engine", e.id, "module", m.ID())
	e.emit(context.Background(), EventTypeModuleRegistered, ModuleLifecyclePayload{
		Module: m.ID(),
		Name:   m.Name(),
		Engine: e.id,
	})
	return nil
}

// Initialize drives module initialization in insertion order. Modules the
// loader already initialized in global dependency order are skipped. Any
// module failure aborts the engine initialization and surfaces the
// module's error.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if !e.state.canInitialize() {
		state := e.state
		e.mu.Unlock()
		return &InvalidStateError{Component: e.id, Op: "initialize", State: state}
	}
	order := append([]string(nil), e.order...)
	e.mu.Unlock()

	for _, id := range order {
		m, _ := e.Module(id)
		if m.State() != StateUninitialized {
			continue
		}
		mc, _ := e.ContextFor(id)
		if err := m.Initialize(ctx, mc); err != nil {
			e.fail()
			return fmt.Errorf("engine %s: %w", e.id, err)
		}
	}

	e.mu.Lock()
	e.state = StateInitialized
	e.mu.Unlock()
	e.logger.Debug("Engine initialized", "engine", e.id, "modules", len(order))
	return nil
}

// Start transitions the engine to running, begins periodic health
// snapshots, then starts every module sequentially in insertion order. A
// module start failure aborts the start and leaves the engine in error.
// The engine leaves starting before any module starts so a module can
// only reach running under a running engine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if !e.state.canStart() {
		state := e.state
		e.mu.Unlock()
		return &InvalidStateError{Component: e.id, Op: "start", State: state}
	}
	e.state = StateStarting
	e.startTime = time.Now()
	order := append([]string(nil), e.order...)
	e.state = StateRunning
	e.mu.Unlock()

	e.startHealthTimer()

	for _, id := range order {
		m, _ := e.Module(id)
		if !m.State().canStart() {
			e.logger.Debug("Skipping module not ready to start", "engine", e.id, "module", id, "state", m.State())
			continue
		}
		if err := m.Start(ctx); err != nil {
			e.stopHealthTimer()
			e.fail()
			return fmt.Errorf("engine %s: %w", e.id, err)
		}
	}

	e.logger.Info("Engine started", "engine", e.id, "modules", len(order))
	e.emit(ctx, EventTypeEngineStarted, EngineLifecyclePayload{
		Engine:  e.id,
		Name:    e.name,
		Modules: len(order),
	})
	return nil
}

// Stop stops all modules concurrently, best-effort (errors logged, not
// thrown), waits for them to settle, cancels the health timer, and
// declares the engine stopped. Stop order between sibling modules is
// deliberately unspecified; start order is the one that matters for
// dependency availability.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopping
	modules := make([]*Module, 0, len(e.order))
	for _, id := range e.order {
		modules = append(modules, e.modules[id])
	}
	e.mu.Unlock()

	e.stopHealthTimer()

	var wg sync.WaitGroup
	for _, m := range modules {
		wg.Add(1)
		go func(m *Module) {
			defer wg.Done()
			if err := m.Stop(ctx); err != nil {
				e.logger.Error("Module stop failed", "engine", e.id, "module", m.ID(), "error", err)
			}
		}(m)
	}
	wg.Wait()

	e.mu.Lock()
	e.state = StateStopped
	e.stopTime = time.Now()
	uptime := e.stopTime.Sub(e.startTime)
	e.mu.Unlock()

	e.logger.Info("Engine stopped", "engine", e.id, "uptime", uptime)
	e.emit(ctx, EventTypeEngineStopped, EngineLifecyclePayload{
		Engine:  e.id,
		Name:    e.name,
		Modules: len(modules),
		Uptime:  uptime,
	})
	return nil
}

// Health computes per-module health, tolerating individual module
// failures with an unhealthy placeholder, reduces to an engine-level
// overall status, and appends the snapshot to the bounded history.
func (e *Engine) Health(ctx context.Context) EngineHealth {
	e.mu.RLock()
	state := e.state
	start := e.startTime
	order := append([]string(nil), e.order...)
	modules := make(map[string]*Module, len(e.modules))
	for id, m := range e.modules {
		modules[id] = m
	}
	e.mu.RUnlock()

	snapshot := EngineHealth{
		Engine:        e.id,
		Name:          e.name,
		State:         state,
		ModulesHealth: make(map[string]HealthStatus, len(order)),
		Overall:       StatusHealthy,
		Timestamp:     time.Now(),
	}
	if state == StateRunning && !start.IsZero() {
		snapshot.Uptime = time.Since(start)
	}

	for _, id := range order {
		hs := e.moduleHealth(ctx, modules[id])
		snapshot.ModulesHealth[id] = hs
		snapshot.Overall = Worse(snapshot.Overall, hs.Status)
	}

	e.healthHistory.push(snapshot)
	return snapshot
}

// moduleHealth never lets one broken module break the aggregate.
func (e *Engine) moduleHealth(ctx context.Context, m *Module) (hs HealthStatus) {
	defer func() {
		if r := recover(); r != nil {
			hs = unhealthyStatus(fmt.Sprintf("health check panic: %v", r))
		}
	}()
	return m.HealthCheck(ctx)
}

// HealthHistory returns up to limit snapshots, newest first.
func (e *Engine) HealthHistory(limit int) []EngineHealth {
	return e.healthHistory.snapshot(limit)
}

// Stats is a read-only projection with no side effects.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stats := EngineStats{
		Engine:       e.id,
		Name:         e.name,
		Version:      e.version,
		State:        e.state,
		ModuleCount:  len(e.order),
		ModuleStates: make(map[string]State, len(e.order)),
		StartTime:    e.startTime,
		StopTime:     e.stopTime,
	}
	for _, id := range e.order {
		stats.ModuleStates[id] = e.modules[id].State()
	}
	if e.state == StateRunning && !e.startTime.IsZero() {
		stats.Uptime = time.Since(e.startTime)
	}
	return stats
}

func (e *Engine) startHealthTimer() {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", e.healthInterval)
	if _, err := c.AddFunc(spec, func() {
		e.Health(context.Background())
	}); err != nil {
		e.logger.Error("Failed to schedule health checks", "engine", e.id, "error", err)
		return
	}
	c.Start()
	e.mu.Lock()
	e.healthCron = c
	e.mu.Unlock()
}

func (e *Engine) stopHealthTimer() {
	e.mu.Lock()
	c := e.healthCron
	e.healthCron = nil
	e.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

func (e *Engine) fail() {
	e.mu.Lock()
	e.state = StateError
	e.mu.Unlock()
}

func (e *Engine) emit(ctx context.Context, eventType string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, eventType, data, map[string]any{MetaSource: e.id})
}
