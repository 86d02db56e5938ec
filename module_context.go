package modkit

import "context"

// ModuleContextConfig carries everything a module may collaborate with.
type ModuleContextConfig struct {
	Engine   *Engine
	Bus      *EventBus
	Logger   Logger
	Config   map[string]any // raw values; validated against the schema at initialize
	Database any
	Storage  any
	// Resolver is the loader's global registry lookup, consulted after
	// sibling modules and before the engine's external dependencies.
	Resolver func(id string) (any, bool)
}

// ModuleContext is the value object handed to every module at
// registration time. Modules must not reach outside it for
// collaborators.
type ModuleContext struct {
	engine   *Engine
	module   *Module
	bus      *EventBus
	logger   Logger
	raw      map[string]any
	config   *Config
	database any
	storage  any
	resolver func(id string) (any, bool)
}

// NewModuleContext builds a context from cfg. The config accessor is
// populated during module initialization once the schema has been
// applied.
func NewModuleContext(cfg ModuleContextConfig) *ModuleContext {
	logger := cfg.Logger
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &ModuleContext{
		engine:   cfg.Engine,
		bus:      cfg.Bus,
		logger:   logger,
		raw:      cfg.Config,
		config:   NewConfig(cfg.Config),
		database: cfg.Database,
		storage:  cfg.Storage,
		resolver: cfg.Resolver,
	}
}

// bind attaches the owning module so subscriptions made through this
// context are released when the module stops.
func (mc *ModuleContext) bind(m *Module) { mc.module = m }

// Engine returns the owning engine, or nil for standalone modules.
func (mc *ModuleContext) Engine() *Engine { return mc.engine }

// EngineID returns the owning engine's id, or empty.
func (mc *ModuleContext) EngineID() string {
	if mc.engine == nil {
		return ""
	}
	return mc.engine.ID()
}

// EventBus returns the process-wide bus.
func (mc *ModuleContext) EventBus() *EventBus { return mc.bus }

// Logger returns the module's logger.
func (mc *ModuleContext) Logger() Logger { return mc.logger }

// Config returns the validated configuration accessor.
func (mc *ModuleContext) Config() *Config { return mc.config }

// Database returns the database handle supplied by the host, or nil.
func (mc *ModuleContext) Database() any { return mc.database }

// Storage returns the storage handle supplied by the host, or nil.
func (mc *ModuleContext) Storage() any { return mc.storage }

// GetDependency resolves a collaborator id: sibling modules in the same
// engine first, then the loader's global registry, then the engine's own
// externally-supplied dependency list.
func (mc *ModuleContext) GetDependency(id string) (any, bool) {
	if mc.engine != nil {
		if sibling, ok := mc.engine.Module(id); ok {
			return sibling, true
		}
	}
	if mc.resolver != nil {
		if dep, ok := mc.resolver(id); ok {
			return dep, true
		}
	}
	if mc.engine != nil {
		if dep, ok := mc.engine.ExternalDependency(id); ok {
			return dep, true
		}
	}
	return nil, false
}

// Subscribe registers a bus handler owned by this context's module; the
// subscription is released automatically when the module stops.
func (mc *ModuleContext) Subscribe(eventType string, handler EventHandler, opts *SubscribeOptions) (string, error) {
	if mc.bus == nil {
		return "", ErrEventBusNil
	}
	id, err := mc.bus.Subscribe(eventType, handler, opts)
	if err != nil {
		return "", err
	}
	if mc.module != nil {
		mc.module.trackSubscription(id)
	}
	return id, nil
}

// Publish emits an event on the bus with this module as source.
func (mc *ModuleContext) Publish(ctx context.Context, eventType string, data any, metadata map[string]any) bool {
	if mc.bus == nil {
		return false
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	if _, ok := metadata[MetaSource]; !ok && mc.module != nil {
		metadata[MetaSource] = mc.module.ID()
	}
	return mc.bus.Publish(ctx, eventType, data, metadata)
}
