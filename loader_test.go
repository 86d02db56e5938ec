package modkit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeModuleDir lays out dir/<id>/module.json the way a plugin tree
// looks on disk.
func writeModuleDir(t *testing.T, root, id, content string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "module.json"), []byte(content), 0o644))
}

func newTestLoader(t *testing.T, root string) *Loader {
	t.Helper()
	return NewLoader(LoaderConfig{
		SearchPaths: []string{root},
		System: &SystemInfo{
			Platform: "linux",
			Arch:     "amd64",
			Versions: map[string]string{"modkit": Version},
		},
	})
}

// orderRecorder tracks cross-module initialize and start order.
type orderRecorder struct {
	inits  []string
	starts []string
}

func (o *orderRecorder) factory(id string) RunnerFactory {
	return func() Runner {
		return &recordingRunner{id: id, rec: o}
	}
}

type recordingRunner struct {
	id  string
	rec *orderRecorder
}

func (r *recordingRunner) Initialize(context.Context, *ModuleContext) error {
	r.rec.inits = append(r.rec.inits, r.id)
	return nil
}

func (r *recordingRunner) Start(context.Context) error {
	r.rec.starts = append(r.rec.starts, r.id)
	return nil
}

func indexOf(t *testing.T, list []string, want string) int {
	t.Helper()
	for i, v := range list {
		if v == want {
			return i
		}
	}
	t.Fatalf("%q not found in %v", want, list)
	return -1
}

func TestLoaderDiscover(t *testing.T) {
	root := t.TempDir()
	writeModuleDir(t, root, "db", `{"id": "db", "engine": "core", "version": "1.0.0"}`)
	writeModuleDir(t, root, "cache", `{"id": "cache", "engine": "core", "version": "1.0.0"}`)
	// Broken manifests are logged and skipped, never fatal for the rest.
	writeModuleDir(t, root, "broken", `{"id": `)
	writeModuleDir(t, root, "invalid", `{"id": "invalid", "version": "1.0.0"}`)

	l := newTestLoader(t, root)
	require.NoError(t, l.Discover())

	assert.Equal(t, 2, l.Registry().Count())
	assert.True(t, l.Registry().Has("db"))
	assert.True(t, l.Registry().Has("cache"))

	found := l.Bus().History(HistoryFilter{Type: EventTypeManifestFound})
	assert.Len(t, found, 2)
}

func TestLoaderResolveLoadOrder(t *testing.T) {
	root := t.TempDir()
	writeModuleDir(t, root, "api", `{"id": "api", "engine": "web", "version": "1.0.0", "dependencies": ["db", "cache"]}`)
	writeModuleDir(t, root, "cache", `{"id": "cache", "engine": "core", "version": "1.0.0", "dependencies": ["db"]}`)
	writeModuleDir(t, root, "db", `{"id": "db", "engine": "core", "version": "1.0.0"}`)

	l := newTestLoader(t, root)
	require.NoError(t, l.Discover())

	order, err := l.ResolveLoadOrder()
	require.NoError(t, err)
	require.Len(t, order, 3)

	// Every dependency precedes its dependent.
	assert.Less(t, indexOf(t, order, "db"), indexOf(t, order, "cache"))
	assert.Less(t, indexOf(t, order, "cache"), indexOf(t, order, "api"))
}

func TestLoaderResolveLoadOrderCycle(t *testing.T) {
	root := t.TempDir()
	writeModuleDir(t, root, "a", `{"id": "a", "engine": "core", "version": "1.0.0", "dependencies": ["b"]}`)
	writeModuleDir(t, root, "b", `{"id": "b", "engine": "core", "version": "1.0.0", "dependencies": ["a"]}`)

	l := newTestLoader(t, root)
	err := l.LoadAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircularDependency)

	var cerr *CircularDependencyError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, []string{"a", "b"}, cerr.Node)

	// Nothing was instantiated.
	assert.Empty(t, l.Modules())
	assert.Empty(t, l.Engines())
}

func TestLoaderLoadAllWiresEverything(t *testing.T) {
	root := t.TempDir()
	writeModuleDir(t, root, "api", `{"id": "api", "engine": "web", "version": "1.0.0", "dependencies": ["db", "cache"]}`)
	writeModuleDir(t, root, "cache", `{"id": "cache", "engine": "core", "version": "1.0.0", "dependencies": ["db"]}`)
	writeModuleDir(t, root, "db", `{"id": "db", "engine": "core", "version": "1.0.0"}`)

	rec := &orderRecorder{}
	l := newTestLoader(t, root)
	for _, id := range []string{"db", "cache", "api"} {
		l.RegisterRunnerFactory(id, rec.factory(id))
	}

	ctx := context.Background()
	require.NoError(t, l.LoadAll(ctx))

	// Initialization respected the dependency order across engines.
	assert.Less(t, indexOf(t, rec.inits, "db"), indexOf(t, rec.inits, "cache"))
	assert.Less(t, indexOf(t, rec.inits, "cache"), indexOf(t, rec.inits, "api"))

	require.Len(t, l.Engines(), 2)
	core, ok := l.Engine("core")
	require.True(t, ok)
	assert.Equal(t, StateInitialized, core.State())
	assert.Len(t, core.Modules(), 2)

	web, ok := l.Engine("web")
	require.True(t, ok)
	assert.Len(t, web.Modules(), 1)

	// The api module resolves its cross-engine dependency through the
	// loader.
	api, ok := l.Module("api")
	require.True(t, ok)
	dep, ok := api.Context().GetDependency("db")
	require.True(t, ok)
	db, _ := l.Module("db")
	assert.Same(t, db, dep)

	// Loading twice is rejected.
	assert.ErrorIs(t, l.LoadAll(ctx), ErrAlreadyLoaded)
}

func TestLoaderStartAndStopAll(t *testing.T) {
	root := t.TempDir()
	writeModuleDir(t, root, "db", `{"id": "db", "engine": "core", "version": "1.0.0"}`)
	writeModuleDir(t, root, "cache", `{"id": "cache", "engine": "core", "version": "1.0.0", "dependencies": ["db"]}`)

	rec := &orderRecorder{}
	l := newTestLoader(t, root)
	l.RegisterRunnerFactory("db", rec.factory("db"))
	l.RegisterRunnerFactory("cache", rec.factory("cache"))

	ctx := context.Background()
	require.NoError(t, l.LoadAll(ctx))
	require.NoError(t, l.StartAll(ctx))

	for _, m := range l.Modules() {
		assert.Equal(t, StateRunning, m.State())
	}
	for _, e := range l.Engines() {
		assert.Equal(t, StateRunning, e.State())
	}
	assert.Less(t, indexOf(t, rec.starts, "db"), indexOf(t, rec.starts, "cache"))

	l.StopAll(ctx)
	for _, m := range l.Modules() {
		assert.Equal(t, StateStopped, m.State())
	}
	for _, e := range l.Engines() {
		assert.Equal(t, StateStopped, e.State())
	}
}

func TestLoaderSkipsIncompatibleModules(t *testing.T) {
	root := t.TempDir()
	writeModuleDir(t, root, "posix", `{"id": "posix", "engine": "core", "version": "1.0.0", "engines": {"platform": "plan9"}}`)
	writeModuleDir(t, root, "dependent", `{"id": "dependent", "engine": "core", "version": "1.0.0", "dependencies": ["posix"]}`)
	writeModuleDir(t, root, "fine", `{"id": "fine", "engine": "core", "version": "1.0.0"}`)

	l := newTestLoader(t, root)
	l.RegisterRunnerFactory("posix", func() Runner { return &fakeRunner{} })
	l.RegisterRunnerFactory("dependent", func() Runner { return &fakeRunner{} })
	l.RegisterRunnerFactory("fine", func() Runner { return &fakeRunner{} })

	require.NoError(t, l.LoadAll(context.Background()))

	// The incompatible module and its dependent were skipped, the rest
	// loaded normally.
	_, ok := l.Module("posix")
	assert.False(t, ok)
	_, ok = l.Module("dependent")
	assert.False(t, ok)
	_, ok = l.Module("fine")
	assert.True(t, ok)
}

func TestLoaderMissingFactory(t *testing.T) {
	t.Run("optional module is skipped", func(t *testing.T) {
		root := t.TempDir()
		writeModuleDir(t, root, "orphan", `{"id": "orphan", "engine": "core", "version": "1.0.0"}`)
		writeModuleDir(t, root, "fine", `{"id": "fine", "engine": "core", "version": "1.0.0"}`)

		l := newTestLoader(t, root)
		l.RegisterRunnerFactory("fine", func() Runner { return &fakeRunner{} })

		require.NoError(t, l.LoadAll(context.Background()))
		_, ok := l.Module("orphan")
		assert.False(t, ok)
		_, ok = l.Module("fine")
		assert.True(t, ok)
	})

	t.Run("critical module is fatal", func(t *testing.T) {
		root := t.TempDir()
		writeModuleDir(t, root, "vital", `{"id": "vital", "engine": "core", "version": "1.0.0", "critical": true}`)

		l := newTestLoader(t, root)
		err := l.LoadAll(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrFactoryNotFound)
	})
}

func TestLoaderInitializeFailureAborts(t *testing.T) {
	root := t.TempDir()
	writeModuleDir(t, root, "bad", `{"id": "bad", "engine": "core", "version": "1.0.0"}`)

	l := newTestLoader(t, root)
	l.RegisterRunnerFactory("bad", func() Runner {
		return &fakeRunner{initErr: fmt.Errorf("refusing to come up")}
	})

	err := l.LoadAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to come up")

	bad, ok := l.Module("bad")
	require.True(t, ok)
	assert.Equal(t, StateError, bad.State())
}

func TestLoaderStopAllToleratesFailures(t *testing.T) {
	root := t.TempDir()
	writeModuleDir(t, root, "flaky", `{"id": "flaky", "engine": "core", "version": "1.0.0"}`)
	writeModuleDir(t, root, "solid", `{"id": "solid", "engine": "core", "version": "1.0.0"}`)

	l := newTestLoader(t, root)
	l.RegisterRunnerFactory("flaky", func() Runner {
		return &fakeRunner{stopErr: fmt.Errorf("will not flush")}
	})
	l.RegisterRunnerFactory("solid", func() Runner { return &fakeRunner{} })

	ctx := context.Background()
	require.NoError(t, l.LoadAll(ctx))
	require.NoError(t, l.StartAll(ctx))

	l.StopAll(ctx)
	for _, m := range l.Modules() {
		assert.Equal(t, StateStopped, m.State())
	}
}

func TestLoaderEngineFactory(t *testing.T) {
	root := t.TempDir()
	writeModuleDir(t, root, "cache", `{"id": "cache", "engine": "custom", "version": "1.0.0"}`)

	l := newTestLoader(t, root)
	l.RegisterRunnerFactory("cache", func() Runner { return &fakeRunner{} })
	l.RegisterEngineFactory("custom", func(cfg EngineConfig) *Engine {
		cfg.Name = "Custom Engine"
		return NewEngine(cfg)
	})

	require.NoError(t, l.LoadAll(context.Background()))

	e, ok := l.Engine("custom")
	require.True(t, ok)
	assert.Equal(t, "Custom Engine", e.Name())
}

func TestLoaderExternalDependencies(t *testing.T) {
	root := t.TempDir()
	writeModuleDir(t, root, "api", `{"id": "api", "engine": "core", "version": "1.0.0", "dependencies": ["redis"]}`)

	l := NewLoader(LoaderConfig{
		SearchPaths: []string{root},
		External:    map[string]any{"redis": "a-redis-client"},
		System:      &SystemInfo{Platform: "linux", Arch: "amd64", Versions: map[string]string{"modkit": Version}},
	})
	l.RegisterRunnerFactory("api", func() Runner { return &fakeRunner{} })

	require.NoError(t, l.LoadAll(context.Background()))

	api, _ := l.Module("api")
	dep, ok := api.Context().GetDependency("redis")
	require.True(t, ok)
	assert.Equal(t, "a-redis-client", dep)
}
