package modkit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cucumber/godog"
)

// Static error variables for BDD assertions
var (
	errEngineNotCreated        = errors.New("engine was not created in background")
	errExpectedInvalidState    = errors.New("expected an invalid state error")
	errUnexpectedModuleState   = errors.New("module is in an unexpected state")
	errUnexpectedEngineState   = errors.New("engine is in an unexpected state")
	errUnexpectedModuleCount   = errors.New("unexpected module count")
	errUnexpectedEventCount    = errors.New("unexpected event count")
	errExpectedStartToFail     = errors.New("expected engine start to fail")
	errUnexpectedStartOrdering = errors.New("modules started in the wrong order")
)

// lifecycleTestContext holds the state threaded through BDD steps.
type lifecycleTestContext struct {
	bus        *EventBus
	engine     *Engine
	module     *Module
	runner     *fakeRunner
	lastErr    error
	startOrder []string
}

func (c *lifecycleTestContext) reset() {
	c.bus = NewEventBus(nil)
	c.engine = NewEngine(EngineConfig{ID: "bdd-engine", Bus: c.bus, HealthInterval: time.Hour})
	c.module = nil
	c.runner = nil
	c.lastErr = nil
	c.startOrder = nil
}

func (c *lifecycleTestContext) iHaveANewEngine() error {
	c.reset()
	if c.engine == nil {
		return errEngineNotCreated
	}
	return nil
}

func (c *lifecycleTestContext) iHaveARegisteredTestModule() error {
	c.runner = &fakeRunner{}
	c.module = NewModule(ModuleConfig{ID: "test-module"}, c.runner)
	return c.engine.RegisterModule(c.module)
}

func (c *lifecycleTestContext) iHaveAModuleWithNoDependencies(id string) error {
	return c.engine.RegisterModule(NewModule(ModuleConfig{ID: id}, c.orderedRunner(id)))
}

func (c *lifecycleTestContext) iHaveAModuleDependingOn(id, dep string) error {
	return c.engine.RegisterModule(NewModule(ModuleConfig{ID: id, Dependencies: []string{dep}}, c.orderedRunner(id)))
}

func (c *lifecycleTestContext) orderedRunner(id string) Runner {
	return &orderedStartRunner{id: id, ctx: c}
}

type orderedStartRunner struct {
	id  string
	ctx *lifecycleTestContext
}

func (r *orderedStartRunner) Initialize(context.Context, *ModuleContext) error { return nil }
func (r *orderedStartRunner) Start(context.Context) error {
	r.ctx.startOrder = append(r.ctx.startOrder, r.id)
	return nil
}

func (c *lifecycleTestContext) iHaveAModuleThatFailsToStart() error {
	return c.engine.RegisterModule(NewModule(ModuleConfig{ID: "failing-module"},
		&fakeRunner{startErr: errors.New("refusing to start")}))
}

func (c *lifecycleTestContext) iInitializeTheEngine() error {
	return c.engine.Initialize(context.Background())
}

func (c *lifecycleTestContext) iStartTheEngine() error {
	return c.engine.Start(context.Background())
}

func (c *lifecycleTestContext) theEngineIsInitializedAndStarted() error {
	if err := c.engine.Initialize(context.Background()); err != nil {
		return err
	}
	return c.engine.Start(context.Background())
}

func (c *lifecycleTestContext) iStartTheModuleWithoutInitializingIt() error {
	c.lastErr = c.module.Start(context.Background())
	return nil
}

func (c *lifecycleTestContext) iRegisterAnotherModule() error {
	c.lastErr = c.engine.RegisterModule(NewModule(ModuleConfig{ID: "late-module"}, nil))
	return nil
}

func (c *lifecycleTestContext) iStopTheEngine() error {
	return c.engine.Stop(context.Background())
}

func (c *lifecycleTestContext) iTryToStartTheEngine() error {
	c.lastErr = c.engine.Start(context.Background())
	return nil
}

func (c *lifecycleTestContext) theOperationShouldFailWithAnInvalidStateError() error {
	if c.lastErr == nil || !errors.Is(c.lastErr, ErrInvalidState) {
		return fmt.Errorf("%w, got %v", errExpectedInvalidState, c.lastErr)
	}
	return nil
}

func (c *lifecycleTestContext) theModuleShouldBeRunning() error {
	if c.module.State() != StateRunning {
		return fmt.Errorf("%w: %s", errUnexpectedModuleState, c.module.State())
	}
	return nil
}

func (c *lifecycleTestContext) theModuleShouldRemainUninitialized() error {
	if c.module.State() != StateUninitialized {
		return fmt.Errorf("%w: %s", errUnexpectedModuleState, c.module.State())
	}
	return nil
}

func (c *lifecycleTestContext) theEngineShouldBeRunning() error {
	if c.engine.State() != StateRunning {
		return fmt.Errorf("%w: %s", errUnexpectedEngineState, c.engine.State())
	}
	return nil
}

func (c *lifecycleTestContext) theEngineShouldBeInErrorState() error {
	if c.engine.State() != StateError {
		return fmt.Errorf("%w: %s", errUnexpectedEngineState, c.engine.State())
	}
	return nil
}

func (c *lifecycleTestContext) theEngineShouldHaveExactlyModules(count int) error {
	if got := len(c.engine.Modules()); got != count {
		return fmt.Errorf("%w: want %d, got %d", errUnexpectedModuleCount, count, got)
	}
	return nil
}

func (c *lifecycleTestContext) exactlyModuleStoppedEventsShouldHaveBeenPublished(count int) error {
	events := c.bus.History(HistoryFilter{Type: EventTypeModuleStopped})
	if len(events) != count {
		return fmt.Errorf("%w: want %d module stopped events, got %d", errUnexpectedEventCount, count, len(events))
	}
	return nil
}

func (c *lifecycleTestContext) moduleShouldStartBeforeModule(first, second string) error {
	firstIdx, secondIdx := -1, -1
	for i, id := range c.startOrder {
		switch id {
		case first:
			firstIdx = i
		case second:
			secondIdx = i
		}
	}
	if firstIdx == -1 || secondIdx == -1 || firstIdx >= secondIdx {
		return fmt.Errorf("%w: %v", errUnexpectedStartOrdering, c.startOrder)
	}
	return nil
}

func (c *lifecycleTestContext) theStartShouldFail() error {
	if c.lastErr == nil {
		return errExpectedStartToFail
	}
	return nil
}

// InitializeLifecycleScenario wires the lifecycle BDD steps.
func InitializeLifecycleScenario(ctx *godog.ScenarioContext) {
	testCtx := &lifecycleTestContext{}

	ctx.Step(`^I have a new engine$`, testCtx.iHaveANewEngine)
	ctx.Step(`^I have a registered test module$`, testCtx.iHaveARegisteredTestModule)
	ctx.Step(`^I have a module "([^"]*)" with no dependencies$`, testCtx.iHaveAModuleWithNoDependencies)
	ctx.Step(`^I have a module "([^"]*)" depending on "([^"]*)"$`, testCtx.iHaveAModuleDependingOn)
	ctx.Step(`^I have a module that fails to start$`, testCtx.iHaveAModuleThatFailsToStart)
	ctx.Step(`^the engine is initialized and started$`, testCtx.theEngineIsInitializedAndStarted)

	ctx.Step(`^I initialize the engine$`, testCtx.iInitializeTheEngine)
	ctx.Step(`^I start the engine$`, testCtx.iStartTheEngine)
	ctx.Step(`^I try to start the engine$`, testCtx.iTryToStartTheEngine)
	ctx.Step(`^I start the module without initializing it$`, testCtx.iStartTheModuleWithoutInitializingIt)
	ctx.Step(`^I register another module$`, testCtx.iRegisterAnotherModule)
	ctx.Step(`^I stop the engine$`, testCtx.iStopTheEngine)

	ctx.Step(`^the operation should fail with an invalid state error$`, testCtx.theOperationShouldFailWithAnInvalidStateError)
	ctx.Step(`^the module should be running$`, testCtx.theModuleShouldBeRunning)
	ctx.Step(`^the module should remain uninitialized$`, testCtx.theModuleShouldRemainUninitialized)
	ctx.Step(`^the engine should be running$`, testCtx.theEngineShouldBeRunning)
	ctx.Step(`^the engine should be in error state$`, testCtx.theEngineShouldBeInErrorState)
	ctx.Step(`^the engine should have exactly (\d+) module$`, testCtx.theEngineShouldHaveExactlyModules)
	ctx.Step(`^exactly (\d+) module stopped event should have been published$`, testCtx.exactlyModuleStoppedEventsShouldHaveBeenPublished)
	ctx.Step(`^module "([^"]*)" should start before module "([^"]*)"$`, testCtx.moduleShouldStartBeforeModule)
	ctx.Step(`^the start should fail$`, testCtx.theStartShouldFail)
}

// TestModuleLifecycle runs the BDD tests for the module lifecycle
func TestModuleLifecycle(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeLifecycleScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/module_lifecycle.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
