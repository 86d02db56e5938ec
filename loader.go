package modkit

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"
)

// RunnerFactory constructs the feature code for a manifest id. Factories
// are registered at compile time; the loader never loads code from disk.
type RunnerFactory func() Runner

// EngineFactory constructs a custom engine for an engine id. The loader
// supplies the fully wired config.
type EngineFactory func(cfg EngineConfig) *Engine

// LoaderConfig wires the loader and everything it hands down to engines
// and modules.
type LoaderConfig struct {
	SearchPaths []string
	Logger      Logger
	Bus         *EventBus

	// System overrides the collected host info, mainly for tests.
	System *SystemInfo

	// ModuleConfigs supplies raw config values per module id.
	ModuleConfigs map[string]map[string]any

	// External maps dependency ids to host-supplied collaborator handles
	// shared by every engine.
	External map[string]any

	Database       any
	Storage        any
	HealthInterval time.Duration
}

// Loader discovers module manifests on a search path, resolves the
// inter-module dependency graph, instantiates engines and modules, and
// drives system-wide start and stop. It owns all process-scoped
// registries; construct exactly one per process.
type Loader struct {
	mu sync.Mutex // serializes LoadAll / StartAll / StopAll

	searchPaths    []string
	logger         Logger
	bus            *EventBus
	system         SystemInfo
	registry       *ManifestRegistry
	moduleConfigs  map[string]map[string]any
	external       map[string]any
	database       any
	storage        any
	healthInterval time.Duration

	factoryMu       sync.RWMutex
	runnerFactories map[string]RunnerFactory
	engineFactories map[string]EngineFactory

	stateMu       sync.RWMutex
	engines       map[string]*Engine
	engineOrder   []string
	modules       map[string]*Module
	moduleOrder   []string // global topological order
	moduleEngines map[string]string
	loaded        bool
}

// NewLoader creates a loader from cfg.
func NewLoader(cfg LoaderConfig) *Loader {
	logger := cfg.Logger
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	bus := cfg.Bus
	if bus == nil {
		bus = NewEventBus(&EventBusConfig{Logger: logger})
	}
	var system SystemInfo
	if cfg.System != nil {
		system = *cfg.System
	} else {
		system = CollectSystemInfo()
	}
	return &Loader{
		searchPaths:     append([]string(nil), cfg.SearchPaths...),
		logger:          logger,
		bus:             bus,
		system:          system,
		registry:        NewManifestRegistry(),
		moduleConfigs:   cfg.ModuleConfigs,
		external:        cfg.External,
		database:        cfg.Database,
		storage:         cfg.Storage,
		healthInterval:  cfg.HealthInterval,
		runnerFactories: make(map[string]RunnerFactory),
		engineFactories: make(map[string]EngineFactory),
		engines:         make(map[string]*Engine),
		modules:         make(map[string]*Module),
		moduleEngines:   make(map[string]string),
	}
}

// RegisterRunnerFactory binds a manifest id to its module constructor.
func (l *Loader) RegisterRunnerFactory(id string, factory RunnerFactory) {
	l.factoryMu.Lock()
	defer l.factoryMu.Unlock()
	l.runnerFactories[id] = factory
}

// RegisterEngineFactory binds an engine id to a custom engine
// constructor; engines without one get a default Engine.
func (l *Loader) RegisterEngineFactory(id string, factory EngineFactory) {
	l.factoryMu.Lock()
	defer l.factoryMu.Unlock()
	l.engineFactories[id] = factory
}

// Registry exposes the global manifest registry for introspection.
func (l *Loader) Registry() *ManifestRegistry { return l.registry }

// Bus returns the process-wide event bus.
func (l *Loader) Bus() *EventBus { return l.bus }

// System returns the host info used for compatibility gating.
func (l *Loader) System() SystemInfo { return l.system }

// Engine looks up an instantiated engine by id.
func (l *Loader) Engine(id string) (*Engine, bool) {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	e, ok := l.engines[id]
	return e, ok
}

// Engines returns instantiated engines in registration order.
func (l *Loader) Engines() []*Engine {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	out := make([]*Engine, 0, len(l.engineOrder))
	for _, id := range l.engineOrder {
		out = append(out, l.engines[id])
	}
	return out
}

// Module looks up an instantiated module by id.
func (l *Loader) Module(id string) (*Module, bool) {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	m, ok := l.modules[id]
	return m, ok
}

// Modules returns instantiated modules in load order.
func (l *Loader) Modules() []*Module {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	out := make([]*Module, 0, len(l.moduleOrder))
	for _, id := range l.moduleOrder {
		out = append(out, l.modules[id])
	}
	return out
}

// Lookup is the cross-engine dependency resolver handed to every engine:
// it answers any instantiated module by id.
func (l *Loader) Lookup(id string) (any, bool) {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	m, ok := l.modules[id]
	if !ok {
		return nil, false
	}
	return m, true
}

// Discover walks the search paths for manifest files and registers every
// valid one. A parse or validation failure is fatal for that manifest
// only: it is logged and discovery continues.
func (l *Loader) Discover() error {
	for _, root := range l.searchPaths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !IsManifestFile(path) {
				return nil
			}
			l.discoverFile(path)
			return nil
		})
		if err != nil {
			return fmt.Errorf("discovery failed for %s: %w", root, err)
		}
	}
	return nil
}

func (l *Loader) discoverFile(path string) {
	m, err := LoadManifest(path)
	if err != nil {
		l.logger.Error("Skipping unreadable manifest", "path", path, "error", err)
		return
	}
	if err := m.Validate(); err != nil {
		l.logger.Error("Skipping invalid manifest", "path", path, "error", err)
		return
	}
	if err := l.registry.Register(m); err != nil {
		l.logger.Error("Skipping duplicate manifest", "path", path, "id", m.ID, "error", err)
		return
	}
	l.logger.Debug("Discovered manifest", "id", m.ID, "engine", m.Engine, "path", path)
	l.bus.Publish(context.Background(), EventTypeManifestFound, ManifestPayload{ID: m.ID, Path: path}, nil)
}

// ResolveLoadOrder computes the global initialization order by
// depth-first topological sort over the registered manifests, visiting
// nodes in registration order. A cycle fails immediately with a
// *CircularDependencyError naming a node in the cycle.
func (l *Loader) ResolveLoadOrder() ([]string, error) {
	manifests := l.registry.All()
	edges := make(map[string][]string, len(manifests))
	for _, m := range manifests {
		var deps []string
		for _, dep := range m.DependencyIDs() {
			// Edges only to other manifests; anything else is an
			// external collaborator checked at registration time.
			if l.registry.Has(dep) {
				deps = append(deps, dep)
			}
		}
		edges[m.ID] = deps
	}

	var order []string
	visiting := make(map[string]bool, len(manifests))
	visited := make(map[string]bool, len(manifests))

	var visit func(id string) error
	visit = func(id string) error {
		if visiting[id] {
			return &CircularDependencyError{Node: id}
		}
		if visited[id] {
			return nil
		}
		visiting[id] = true
		for _, dep := range edges[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[id] = false
		visited[id] = true
		order = append(order, id)
		return nil
	}

	for _, m := range manifests {
		if err := visit(m.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// LoadAll performs discovery, dependency ordering, instantiation and
// initialization across the whole module graph. Incompatible manifests
// (and anything depending on them) are skipped with a warning; an
// initialization failure is fatal and aborts the sequence.
func (l *Loader) LoadAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stateMu.RLock()
	loaded := l.loaded
	l.stateMu.RUnlock()
	if loaded {
		return ErrAlreadyLoaded
	}

	if err := l.Discover(); err != nil {
		return err
	}
	order, err := l.ResolveLoadOrder()
	if err != nil {
		return err
	}

	skipped := make(map[string]bool)
	for _, id := range order {
		manifest, _ := l.registry.Get(id)

		if dep, ok := anySkippedDependency(manifest, skipped); ok {
			l.logger.Warn("Skipping module: dependency was skipped", "module", id, "dependency", dep)
			skipped[id] = true
			continue
		}
		if ok, reason := manifest.IsCompatible(l.system); !ok {
			l.logger.Warn("Skipping incompatible module", "module", id, "reason", reason)
			skipped[id] = true
			continue
		}

		l.factoryMu.RLock()
		factory := l.runnerFactories[id]
		l.factoryMu.RUnlock()
		if factory == nil {
			if manifest.Critical {
				return fmt.Errorf("%w: critical module %q", ErrFactoryNotFound, id)
			}
			l.logger.Warn("Skipping module without a registered factory", "module", id)
			skipped[id] = true
			continue
		}

		engine := l.ensureEngine(manifest.Engine)
		module := NewModule(ModuleConfig{
			ID:           manifest.ID,
			Name:         manifest.Name,
			Version:      manifest.Version,
			Dependencies: manifest.DependencyIDs(),
			Schema:       manifest.Config,
			Logger:       l.logger,
		}, factory())
		if err := engine.RegisterModule(module); err != nil {
			return fmt.Errorf("failed to register module %q: %w", id, err)
		}

		l.stateMu.Lock()
		l.modules[id] = module
		l.moduleOrder = append(l.moduleOrder, id)
		l.moduleEngines[id] = engine.ID()
		l.stateMu.Unlock()
	}

	// Initialize strictly in dependency order, cutting across engine
	// boundaries.
	for _, id := range l.snapshotModuleOrder() {
		module, _ := l.Module(id)
		engine, _ := l.Engine(l.engineOf(id))
		mc, _ := engine.ContextFor(id)
		if err := module.Initialize(ctx, mc); err != nil {
			return fmt.Errorf("load aborted: %w", err)
		}
	}

	// Settle engine states; their modules are already initialized.
	for _, engine := range l.Engines() {
		if err := engine.Initialize(ctx); err != nil {
			return fmt.Errorf("load aborted: %w", err)
		}
	}

	l.stateMu.Lock()
	l.loaded = true
	l.stateMu.Unlock()
	l.logger.Info("Module graph loaded", "engines", len(l.engineOrder), "modules", len(l.moduleOrder), "skipped", len(skipped))
	return nil
}

// StartAll starts every engine in registration order (each engine starts
// its own modules serially), then sweeps up any remaining module still
// in state initialized. A start failure aborts the sequence.
func (l *Loader) StartAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, engine := range l.Engines() {
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("start aborted: %w", err)
		}
	}
	for _, module := range l.Modules() {
		if module.State() != StateInitialized {
			continue
		}
		if err := module.Start(ctx); err != nil {
			return fmt.Errorf("start aborted: %w", err)
		}
	}
	return nil
}

// StopAll stops every module first (reverse load order), then every
// engine (reverse registration order). Both passes are best-effort:
// failures are logged, never re-thrown, so a single broken module cannot
// prevent the rest of the system from shutting down.
func (l *Loader) StopAll(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	modules := l.Modules()
	for i := len(modules) - 1; i >= 0; i-- {
		if err := modules[i].Stop(ctx); err != nil {
			l.logger.Error("Module stop failed", "module", modules[i].ID(), "error", err)
		}
	}
	engines := l.Engines()
	for i := len(engines) - 1; i >= 0; i-- {
		if err := engines[i].Stop(ctx); err != nil {
			l.logger.Error("Engine stop failed", "engine", engines[i].ID(), "error", err)
		}
	}
}

func (l *Loader) ensureEngine(id string) *Engine {
	l.stateMu.RLock()
	engine, ok := l.engines[id]
	l.stateMu.RUnlock()
	if ok {
		return engine
	}

	cfg := EngineConfig{
		ID:             id,
		Bus:            l.bus,
		Logger:         l.logger,
		HealthInterval: l.healthInterval,
		External:       l.external,
		Database:       l.database,
		Storage:        l.storage,
		Resolver:       l.Lookup,
		ModuleConfigs:  l.moduleConfigs,
	}
	l.factoryMu.RLock()
	factory := l.engineFactories[id]
	l.factoryMu.RUnlock()
	if factory != nil {
		engine = factory(cfg)
	} else {
		engine = NewEngine(cfg)
	}

	l.stateMu.Lock()
	l.engines[id] = engine
	l.engineOrder = append(l.engineOrder, id)
	l.stateMu.Unlock()
	return engine
}

func (l *Loader) snapshotModuleOrder() []string {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return append([]string(nil), l.moduleOrder...)
}

func (l *Loader) engineOf(moduleID string) string {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.moduleEngines[moduleID]
}

func anySkippedDependency(m *Manifest, skipped map[string]bool) (string, bool) {
	for _, dep := range m.DependencyIDs() {
		if skipped[dep] {
			return dep, true
		}
	}
	return "", false
}
