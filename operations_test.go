//go:build linux || darwin

package appz

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// renameTestApp rewrites the manifest name of the app in dir
func renameTestApp(t *testing.T, dir, name string) {
	t.Helper()
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, yaml.Unmarshal(data, &m))
	m["name"] = name

	data, err = yaml.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestStartBasicScenario(t *testing.T) {
	sup := newTestSupervisor(t)
	ports := freePorts(t, 2)
	dir := writeTestApp(t, testApp{Name: "basic", Mode: modeListen, Ports: ports, Workers: 2})

	res, err := sup.Start(context.Background(), dir, nil, AppOptions{}, nil, Streams{})
	require.NoError(t, err)

	assert.Equal(t, "basic", res.App)
	assert.Equal(t, 2, res.Started)
	assert.Equal(t, ports, res.Ports)

	entry, ok := sup.Registry().Get("basic")
	require.True(t, ok)
	assert.Equal(t, dir, entry.Dir)
	assert.Equal(t, 2, entry.Workers)
}

func TestStartDuplicateName(t *testing.T) {
	sup := newTestSupervisor(t)
	dir := writeTestApp(t, testApp{Name: "twice", Workers: 1})

	_, err := sup.Start(context.Background(), dir, nil, AppOptions{}, nil, Streams{})
	require.NoError(t, err)

	_, err = sup.Start(context.Background(), dir, nil, AppOptions{}, nil, Streams{})
	require.ErrorIs(t, err, ErrDuplicateName)
	assert.Len(t, sup.Workers("twice"), 1, "a rejected start must not spawn workers")
}

func TestStartFailureLeavesNoEntry(t *testing.T) {
	sup := newTestSupervisor(t)
	dir := writeTestApp(t, testApp{
		Name:    "broken",
		Workers: 2,
		Env:     map[string]string{testSeqDirEnv: seqDir(t), testExitOnEnv: "2"},
	})

	_, err := sup.Start(context.Background(), dir, nil, AppOptions{}, nil, Streams{})
	require.Error(t, err)

	_, ok := sup.Registry().Get("broken")
	assert.False(t, ok)
	assert.Empty(t, sup.Workers("broken"))
}

func TestStartInvalidPorts(t *testing.T) {
	sup := newTestSupervisor(t)
	dir := writeTestApp(t, testApp{Name: "ports", Workers: 1})

	_, err := sup.Start(context.Background(), dir, nil, AppOptions{Ports: []int{80, 80}}, nil, Streams{})
	require.ErrorIs(t, err, ErrInvalidPorts)
	assert.Empty(t, sup.Registry().Apps())
	assert.Empty(t, sup.Workers(""))
}

func TestStopForceKillsAfterTimeout(t *testing.T) {
	sup := newTestSupervisor(t)
	dir := writeTestApp(t, testApp{
		Name:    "basic",
		Workers: 2,
		Env:     map[string]string{testLingerEnv: "1"},
	})
	_, err := sup.Start(context.Background(), dir, nil, AppOptions{}, nil, Streams{})
	require.NoError(t, err)

	start := time.Now()
	res, err := sup.Stop(context.Background(), "basic", KillOptions{Timeout: GraceTimeout(500 * time.Millisecond)}, Streams{})
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, &StopResult{App: "basic", Killed: 2}, res)
	assert.GreaterOrEqual(t, elapsed, 450*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
	assert.Empty(t, sup.Workers("basic"))

	_, ok := sup.Registry().Get("basic")
	assert.False(t, ok)
}

func TestStopUnknownApp(t *testing.T) {
	sup := newTestSupervisor(t)

	res, err := sup.Stop(context.Background(), "ghost", KillOptions{}, Streams{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Killed)

	_, err = sup.Stop(context.Background(), ReservedName, KillOptions{}, Streams{})
	require.ErrorIs(t, err, ErrInvalidName)

	_, err = sup.Stop(context.Background(), "ghost", KillOptions{Signal: "SIGNOPE"}, Streams{})
	require.ErrorIs(t, err, ErrMalformedCommand)
}

func TestStopRacingRestartLeavesNoTask(t *testing.T) {
	sup := newTestSupervisor(t)
	dir := writeTestApp(t, testApp{Name: "racy", Workers: 1})
	ctx := context.Background()
	opts := KillOptions{Timeout: GraceTimeout(time.Second)}

	for i := 0; i < 5; i++ {
		_, err := sup.Start(ctx, dir, nil, AppOptions{}, nil, Streams{})
		require.NoError(t, err)

		restarted := make(chan struct{})
		go func() {
			defer close(restarted)
			// Either order is valid; a restart after the stop finds no app
			_, _ = sup.Restart(ctx, "racy", opts, Streams{})
		}()
		_, err = sup.Stop(ctx, "racy", opts, Streams{})
		require.NoError(t, err)
		<-restarted

		_, registered := sup.Registry().Get("racy")
		assert.False(t, registered)

		sup.mu.Lock()
		_, hasTask := sup.tasks["racy"]
		sup.mu.Unlock()
		assert.False(t, hasTask, "round %d left a revival task behind", i)
		assert.Empty(t, sup.Workers("racy"))
	}
}

func TestRestartReplacesWorkers(t *testing.T) {
	sup := newTestSupervisor(t)
	dir := writeTestApp(t, testApp{Name: "again", Workers: 2})
	_, err := sup.Start(context.Background(), dir, nil, AppOptions{}, nil, Streams{})
	require.NoError(t, err)
	old := sup.Workers("again")

	res, err := sup.Restart(context.Background(), "again", KillOptions{}, Streams{})
	require.NoError(t, err)
	assert.Equal(t, "again", res.App)
	assert.Equal(t, 2, res.Started)
	assert.Equal(t, 2, res.Killed)

	waitExited(t, old, 5*time.Second)
	current := sup.Workers("again")
	require.Len(t, current, 2)
	for _, w := range current {
		assert.NotEqual(t, old[0].ID, w.ID)
		assert.NotEqual(t, old[1].ID, w.ID)
	}
}

func TestRestartRename(t *testing.T) {
	sup := newTestSupervisor(t)
	dir := writeTestApp(t, testApp{Name: "basic", Workers: 2})
	_, err := sup.Start(context.Background(), dir, nil, AppOptions{}, nil, Streams{})
	require.NoError(t, err)
	old := sup.Workers("basic")

	renameTestApp(t, dir, "basic2")

	res, err := sup.Restart(context.Background(), "basic", KillOptions{}, Streams{})
	require.NoError(t, err)
	assert.Equal(t, "basic2", res.App)
	assert.Equal(t, 2, res.Killed)

	waitExited(t, old, 5*time.Second)
	assert.Empty(t, sup.Workers("basic"))
	assert.Len(t, sup.Workers("basic2"), 2)

	_, ok := sup.Registry().Get("basic")
	assert.False(t, ok)
	entry, ok := sup.Registry().Get("basic2")
	require.True(t, ok)
	assert.Equal(t, dir, entry.Dir)
}

func TestRestartRenameToExistingName(t *testing.T) {
	sup := newTestSupervisor(t)
	dirA := writeTestApp(t, testApp{Name: "basic", Workers: 1})
	dirB := writeTestApp(t, testApp{Name: "taken", Workers: 1})

	_, err := sup.Start(context.Background(), dirA, nil, AppOptions{}, nil, Streams{})
	require.NoError(t, err)
	_, err = sup.Start(context.Background(), dirB, nil, AppOptions{}, nil, Streams{})
	require.NoError(t, err)
	before := sup.Workers("basic")

	renameTestApp(t, dirA, "taken")

	_, err = sup.Restart(context.Background(), "basic", KillOptions{}, Streams{})
	require.ErrorIs(t, err, ErrDuplicateName)

	after := sup.Workers("basic")
	require.Len(t, after, 1)
	assert.Equal(t, before[0].ID, after[0].ID, "no process may be touched")
	assert.Equal(t, StateAvailable, after[0].State())
	assert.Len(t, sup.Workers("taken"), 1)
}

func TestRestartUnknownApp(t *testing.T) {
	sup := newTestSupervisor(t)
	_, err := sup.Restart(context.Background(), "nobody", KillOptions{}, Streams{})
	require.ErrorIs(t, err, ErrAppNotFound)
}

func TestRestartAllAndResurrect(t *testing.T) {
	sup := newTestSupervisor(t)
	for _, name := range []string{"one", "two"} {
		dir := writeTestApp(t, testApp{Name: name, Workers: 1})
		_, err := sup.Start(context.Background(), dir, nil, AppOptions{}, nil, Streams{})
		require.NoError(t, err)
	}

	res, err := sup.RestartAll(context.Background(), KillOptions{}, Streams{})
	require.NoError(t, err)
	assert.Equal(t, "*", res.App)
	assert.Equal(t, 2, res.Started)
	assert.Equal(t, 2, res.Killed)

	// A second supervisor on the same registry resurrects both apps
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sup.Shutdown(ctx, 0)

	registry, err := OpenRegistry(sup.Registry().Path())
	require.NoError(t, err)
	next := NewSupervisor(t.TempDir(), registry, NewLogManager(t.TempDir(), testLogger()), WithLogger(testLogger()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		next.Shutdown(ctx, 0)
	})

	res, err = next.Resurrect(context.Background(), Streams{})
	require.NoError(t, err)
	assert.Equal(t, "*", res.App)
	assert.Equal(t, 2, res.Started)
	assert.Len(t, next.Workers("one"), 1)
	assert.Len(t, next.Workers("two"), 1)
}

func TestListAndInfo(t *testing.T) {
	sup := newTestSupervisor(t)
	ports := freePorts(t, 1)
	dir := writeTestApp(t, testApp{Name: "shown", Mode: modeListen, Ports: ports, Workers: 2})
	_, err := sup.Start(context.Background(), dir, nil, AppOptions{}, nil, Streams{})
	require.NoError(t, err)

	// A persisted app without live workers
	require.NoError(t, sup.Registry().Add(App{Name: "sleeping", Dir: "/srv/sleeping", Workers: 3}))

	list := sup.List(true)
	assert.True(t, list.IsResurrectable)
	require.Contains(t, list.Stats, "shown")
	require.Contains(t, list.Stats, "sleeping")
	assert.Equal(t, 2, list.Stats["shown"].Available)
	assert.Equal(t, ports, list.Stats["shown"].Ports)
	assert.Equal(t, 3, list.Stats["sleeping"].Workers)
	assert.Equal(t, 0, list.Stats["sleeping"].Available)

	info, err := sup.Info("shown")
	require.NoError(t, err)
	assert.Equal(t, "shown", info.Name)
	assert.Equal(t, dir, info.Dir)
	assert.Equal(t, 2, info.Available)

	_, err = sup.Info("missing")
	require.ErrorIs(t, err, ErrAppNotFound)
}

func TestLogsStreamsUntilCancelled(t *testing.T) {
	sup := newTestSupervisor(t)
	dir := writeTestApp(t, testApp{Name: "chatty", Workers: 1})
	_, err := sup.Start(context.Background(), dir, nil, AppOptions{}, nil, Streams{})
	require.NoError(t, err)

	relay, ok := sup.LogManager().Get("chatty")
	require.True(t, ok)

	var out syncBuffer
	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Logs(ctx, "chatty", Streams{Stdout: &out}) }()

	require.Eventually(t, func() bool { return relay.Stdout.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	_, _ = relay.Stdout.Write([]byte("hello\n"))

	cancel(ErrCanceled)
	require.NoError(t, <-done)
	assert.Contains(t, out.String(), "hello\n")
	assert.Equal(t, 1, relay.Stdout.Len(), "stream must be detached")

	err = sup.Logs(context.Background(), "missing", Streams{})
	require.ErrorIs(t, err, ErrAppNotFound)
}

func TestKillOptionsResolve(t *testing.T) {
	grace, sig, err := KillOptions{}.resolve(DefaultKillTimeout)
	require.NoError(t, err)
	assert.Equal(t, DefaultKillTimeout, grace)
	assert.Equal(t, DefaultKillSignal, sig)

	grace, _, err = KillOptions{Timeout: GraceTimeout(Infinite)}.resolve(DefaultKillTimeout)
	require.NoError(t, err)
	assert.Equal(t, Infinite, grace)

	grace, sig, err = KillOptions{Timeout: GraceTimeout(250 * time.Millisecond), Signal: "kill"}.resolve(DefaultKillTimeout)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, grace)
	assert.Equal(t, syscall.SIGKILL, sig)
}
