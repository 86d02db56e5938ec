// Package modkit is a plugin lifecycle and orchestration runtime. It
// discovers module manifests, resolves the inter-module dependency graph,
// instantiates modules inside long-lived engine containers, drives
// dependency-ordered startup and shutdown, aggregates health status, and
// carries loosely-coupled communication over a process-wide event bus.
//
// Feature code implements Runner (plus the optional Startable, Stoppable
// and HealthReporter capabilities) and is handed a ModuleContext with
// everything it may collaborate with: the owning engine, the event bus,
// validated configuration, a logger, and a dependency resolver.
//
// Basic usage:
//
//	loader := modkit.NewLoader(modkit.LoaderConfig{SearchPaths: []string{"./plugins"}})
//	loader.RegisterRunnerFactory("cache", func() modkit.Runner { return &CacheRunner{} })
//	if err := loader.LoadAll(ctx); err != nil {
//		log.Fatal(err)
//	}
//	if err := loader.StartAll(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer loader.StopAll(context.Background())
package modkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HealthHistorySize bounds the per-module and per-engine health rings.
const HealthHistorySize = 100

// Runner is the contract feature code implements to be managed as a
// module. Initialize is called once, in dependency order, with the
// module's context.
type Runner interface {
	Initialize(ctx context.Context, mc *ModuleContext) error
}

// Startable is implemented by runners that perform startup work.
type Startable interface {
	Start(ctx context.Context) error
}

// Stoppable is implemented by runners that perform cleanup on shutdown.
type Stoppable interface {
	Stop(ctx context.Context) error
}

// HealthReporter is implemented by runners that expose service-specific
// health checks. An error (or panic) is captured as an unhealthy status
// rather than propagated.
type HealthReporter interface {
	HealthCheck(ctx context.Context) ([]Check, error)
}

// ModuleConfig describes a module's identity and declared contract.
type ModuleConfig struct {
	ID           string
	Name         string
	Version      string
	Dependencies []string
	Schema       ConfigSchema
	Logger       Logger
}

// Module is a runtime-managed feature unit. It owns its lifecycle state
// machine, its service and resource registries, its event subscriptions,
// and a bounded ring of health snapshots. State mutates only through the
// lifecycle methods below.
type Module struct {
	id      string
	name    string
	version string
	deps    []string
	schema  ConfigSchema
	runner  Runner

	mu        sync.RWMutex
	state     State
	mctx      *ModuleContext
	startTime time.Time
	stopTime  time.Time

	svcMu    sync.RWMutex
	services map[string]any

	resMu     sync.RWMutex
	resources map[string]any

	subMu  sync.Mutex
	subIDs []string

	healthHistory *ring[HealthStatus]
	logger        Logger
}

// NewModule creates a module in state uninitialized. A nil runner is
// legal for modules that are pure service holders.
func NewModule(cfg ModuleConfig, runner Runner) *Module {
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &Module{
		id:            cfg.ID,
		name:          name,
		version:       cfg.Version,
		deps:          append([]string(nil), cfg.Dependencies...),
		schema:        cfg.Schema,
		runner:        runner,
		state:         StateUninitialized,
		services:      make(map[string]any),
		resources:     make(map[string]any),
		healthHistory: newRing[HealthStatus](HealthHistorySize),
		logger:        logger,
	}
}

// ID returns the module's unique stable identifier.
func (m *Module) ID() string { return m.id }

// Name returns the module's human-readable name.
func (m *Module) Name() string { return m.name }

// Version returns the module's semantic version string.
func (m *Module) Version() string { return m.version }

// Dependencies returns the declared dependency ids.
func (m *Module) Dependencies() []string {
	return append([]string(nil), m.deps...)
}

// State returns the current lifecycle state.
func (m *Module) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Context returns the context stored at initialize time, or nil.
func (m *Module) Context() *ModuleContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mctx
}

// StartTime returns when the module last entered running.
func (m *Module) StartTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.startTime
}

// StopTime returns when the module last entered stopped.
func (m *Module) StopTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopTime
}

// Initialize validates configuration against the declared schema
// (aggregating every offending field), verifies that every declared
// dependency resolves through the context, stores the context, invokes
// the runner, and transitions to initialized. Illegal from any state but
// uninitialized; that failure leaves the state untouched.
func (m *Module) Initialize(ctx context.Context, mc *ModuleContext) error {
	m.mu.Lock()
	if !m.state.canInitialize() {
		state := m.state
		m.mu.Unlock()
		return &InvalidStateError{Component: m.id, Op: "initialize", State: state}
	}
	m.mu.Unlock()

	if mc == nil {
		mc = NewModuleContext(ModuleContextConfig{})
	}
	mc.bind(m)

	merged, err := m.schema.Apply(m.id, mc.raw)
	if err != nil {
		m.fail()
		return err
	}
	mc.config = NewConfig(merged)

	for _, dep := range m.deps {
		if _, ok := mc.GetDependency(dep); !ok {
			m.fail()
			return &DependencyError{Component: m.id, Missing: dep}
		}
	}

	if m.runner != nil {
		if err := m.runner.Initialize(ctx, mc); err != nil {
			m.fail()
			return fmt.Errorf("module %s: initialize: %w", m.id, err)
		}
	}

	m.mu.Lock()
	m.mctx = mc
	m.state = StateInitialized
	m.mu.Unlock()

	m.logger.Debug("Module initialized", "module", m.id)
	m.emit(ctx, EventTypeModuleInitialized, ModuleLifecyclePayload{
		Module: m.id,
		Name:   m.name,
		Engine: mc.EngineID(),
	})
	return nil
}

// Start transitions initialized|stopped -> starting -> running and emits
// module:started. Illegal from any other state; that failure leaves the
// state untouched.
func (m *Module) Start(ctx context.Context) error {
	m.mu.Lock()
	if !m.state.canStart() {
		state := m.state
		m.mu.Unlock()
		return &InvalidStateError{Component: m.id, Op: "start", State: state}
	}
	m.state = StateStarting
	m.mu.Unlock()

	if startable, ok := m.runner.(Startable); ok {
		if err := startable.Start(ctx); err != nil {
			m.fail()
			return fmt.Errorf("module %s: start: %w", m.id, err)
		}
	}

	m.mu.Lock()
	m.state = StateRunning
	m.startTime = time.Now()
	m.mu.Unlock()

	m.logger.Info("Module started", "module", m.id)
	m.emit(ctx, EventTypeModuleStarted, ModuleLifecyclePayload{
		Module: m.id,
		Name:   m.name,
		Engine: m.engineID(),
	})
	return nil
}

// Stop is a no-op unless the module is running. It transitions through
// stopping to stopped, releases every owned event subscription, and emits
// module:stopped with the computed uptime. A runner stop error is
// recovered: the module still reaches stopped and the error is returned
// for the caller to log.
func (m *Module) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopping
	m.mu.Unlock()

	var stopErr error
	if stoppable, ok := m.runner.(Stoppable); ok {
		if err := stoppable.Stop(ctx); err != nil {
			stopErr = fmt.Errorf("module %s: stop: %w", m.id, err)
			m.logger.Error("Module stop failed", "module", m.id, "error", err)
		}
	}

	m.releaseSubscriptions()

	m.mu.Lock()
	m.state = StateStopped
	m.stopTime = time.Now()
	uptime := m.stopTime.Sub(m.startTime)
	m.mu.Unlock()

	m.logger.Info("Module stopped", "module", m.id, "uptime", uptime)
	m.emit(ctx, EventTypeModuleStopped, ModuleLifecyclePayload{
		Module: m.id,
		Name:   m.name,
		Engine: m.engineID(),
		Uptime: uptime,
	})
	return stopErr
}

// HealthCheck runs the runner's checks, reduces them to a composite
// status, and appends the snapshot to the bounded history. Errors and
// panics while checking are captured as unhealthy rather than propagated.
func (m *Module) HealthCheck(ctx context.Context) HealthStatus {
	var hs HealthStatus
	switch m.State() {
	case StateError:
		hs = unhealthyStatus("module is in error state")
	default:
		checks, err := m.runChecks(ctx)
		if err != nil {
			hs = unhealthyStatus(err.Error())
		} else {
			hs = HealthStatus{
				Status:    ReduceChecks(checks),
				Timestamp: time.Now(),
				Checks:    checks,
			}
		}
	}
	m.healthHistory.push(hs)
	return hs
}

func (m *Module) runChecks(ctx context.Context) (checks []Check, err error) {
	reporter, ok := m.runner.(HealthReporter)
	if !ok {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panic: %v", r)
		}
	}()
	return reporter.HealthCheck(ctx)
}

// HealthHistory returns up to limit snapshots, newest first. limit <= 0
// returns everything retained.
func (m *Module) HealthHistory(limit int) []HealthStatus {
	return m.healthHistory.snapshot(limit)
}

// AddService registers a service handle under name. The module holds
// exclusive write access to its own map.
func (m *Module) AddService(name string, service any) {
	m.svcMu.Lock()
	defer m.svcMu.Unlock()
	m.services[name] = service
}

// GetService looks up a service handle by name.
func (m *Module) GetService(name string) (any, bool) {
	m.svcMu.RLock()
	defer m.svcMu.RUnlock()
	svc, ok := m.services[name]
	return svc, ok
}

// RemoveService deletes a service handle by name.
func (m *Module) RemoveService(name string) {
	m.svcMu.Lock()
	defer m.svcMu.Unlock()
	delete(m.services, name)
}

// ServiceNames returns the registered service names, sorted.
func (m *Module) ServiceNames() []string {
	m.svcMu.RLock()
	defer m.svcMu.RUnlock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddResource registers an opaque resource handle under name.
func (m *Module) AddResource(name string, resource any) {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	m.resources[name] = resource
}

// GetResource looks up a resource handle by name.
func (m *Module) GetResource(name string) (any, bool) {
	m.resMu.RLock()
	defer m.resMu.RUnlock()
	res, ok := m.resources[name]
	return res, ok
}

// RemoveResource deletes a resource handle by name.
func (m *Module) RemoveResource(name string) {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	delete(m.resources, name)
}

// trackSubscription records a bus subscription owned by this module so
// Stop can release it.
func (m *Module) trackSubscription(id string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subIDs = append(m.subIDs, id)
}

func (m *Module) releaseSubscriptions() {
	m.subMu.Lock()
	ids := m.subIDs
	m.subIDs = nil
	m.subMu.Unlock()

	bus := m.bus()
	if bus == nil {
		return
	}
	for _, id := range ids {
		if err := bus.Unsubscribe(id); err != nil {
			m.logger.Debug("Failed to release subscription", "module", m.id, "subscription", id, "error", err)
		}
	}
}

func (m *Module) fail() {
	m.mu.Lock()
	m.state = StateError
	m.mu.Unlock()
}

func (m *Module) bus() *EventBus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mctx == nil {
		return nil
	}
	return m.mctx.EventBus()
}

func (m *Module) engineID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mctx == nil {
		return ""
	}
	return m.mctx.EngineID()
}

func (m *Module) emit(ctx context.Context, eventType string, data any) {
	bus := m.bus()
	if bus == nil {
		return
	}
	bus.Publish(ctx, eventType, data, map[string]any{MetaSource: m.id})
}
