package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmmagent/rig"
)

type fakeWorkload struct {
	started chan struct{}
	err     error
	exit    chan struct{}
}

func newFakeWorkload() *fakeWorkload {
	return &fakeWorkload{started: make(chan struct{}), exit: make(chan struct{})}
}

func (w *fakeWorkload) Run(ctx context.Context) error {
	close(w.started)
	select {
	case <-ctx.Done():
		return nil
	case <-w.exit:
		return w.err
	}
}

func newTestAgent(f *loopFixture, workload Workload) *Agent {
	return New(Options{
		Server:        f.server,
		ServerURL:     "http://mmm.example.com",
		Registration:  rig.Registration{Hostname: "rig-07"},
		Applier:       f.applier,
		Workload:      workload,
		Devices:       GPUDevices(f.gpus),
		Clock:         f.clock,
		Interval:      testInterval,
		RetryInterval: 10 * time.Second,
		MaxRetryTime:  30 * time.Second,
		Observer:      ObserverFunc(func(e Event) { f.events <- e }),
	})
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
		return nil
	}
}

func TestStartAppliesDirectiveAndRunsWorkload(t *testing.T) {
	f := newLoopFixture(t)
	f.server.setDirective("/rigs/abc123.json", directiveBody(ethminer, "http://mmm/rigs/abc123/hashrates.json"))
	workload := newFakeWorkload()
	a := newTestAgent(f, workload)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	<-workload.started
	assert.Equal(t, 1, f.applier.count())
	path, ok := a.Identity().Cached()
	assert.True(t, ok)
	assert.Equal(t, "/rigs/abc123.json", path)

	startup := <-f.events
	assert.Equal(t, PhaseStartup, startup.Phase)
	assert.Equal(t, "/rigs/abc123/hashrates.json", startup.ReportPath)

	// The background loop reports on the path found at startup.
	f.gpus[0].RecordHashRate(100)
	f.gpus[1].RecordHashRate(250)
	event := f.tick(t)
	assert.Equal(t, PhaseCycle, event.Phase)
	puts := f.server.recordedPuts()
	require.Len(t, puts, 1)
	assert.Equal(t, Sample{Rate: 350}, puts[0].body)

	cancel()
	assert.NoError(t, waitErr(t, done))
}

func TestStartRetriesUntilServerReachable(t *testing.T) {
	f := newLoopFixture(t)
	f.server.setDirective("/rigs/abc123.json", directiveBody(ethminer, "http://mmm/rigs/abc123/hashrates.json"))
	f.server.failNext("/rigs.json", errConnRefused, errConnRefused)
	workload := newFakeWorkload()
	a := newTestAgent(f, workload)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	for i := 0; i < 2; i++ {
		f.clock.WaitForTimers(1)
		f.clock.Advance(10 * time.Second)
	}

	select {
	case <-workload.started:
	case err := <-done:
		t.Fatalf("Start returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("workload never started")
	}

	var startupErrors int
	for i := 0; i < 3; i++ {
		e := <-f.events
		assert.Equal(t, PhaseStartup, e.Phase)
		if e.Error != "" {
			startupErrors++
			assert.Equal(t, KindTransport, e.ErrorKind)
		}
	}
	assert.Equal(t, 2, startupErrors)

	cancel()
	assert.NoError(t, waitErr(t, done))
}

func TestStartGivesUpAfterMaxRetryTime(t *testing.T) {
	f := newLoopFixture(t)
	f.server.failNext("/rigs.json", errConnRefused, errConnRefused, errConnRefused, errConnRefused)
	workload := newFakeWorkload()
	a := newTestAgent(f, workload)

	done := make(chan error, 1)
	go func() { done <- a.Start(context.Background()) }()

	for i := 0; i < 3; i++ {
		f.clock.WaitForTimers(1)
		f.clock.Advance(10 * time.Second)
	}

	err := waitErr(t, done)
	require.Error(t, err)
	assert.Equal(t, KindTransport, ErrorKind(err))

	select {
	case <-workload.started:
		t.Fatal("workload started despite startup failure")
	default:
	}
}

func TestStartWithoutDirectiveStillRunsWorkload(t *testing.T) {
	f := newLoopFixture(t)
	f.server.setDirective("/rigs/abc123.json", directiveBody(nil, ""))
	workload := newFakeWorkload()
	a := newTestAgent(f, workload)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	<-workload.started
	startup := <-f.events
	assert.Empty(t, startup.Error)
	assert.Empty(t, startup.ReportPath)
	assert.Zero(t, f.applier.count())

	cancel()
	assert.NoError(t, waitErr(t, done))
}

func TestStartReturnsWorkloadError(t *testing.T) {
	f := newLoopFixture(t)
	f.server.setDirective("/rigs/abc123.json", directiveBody(ethminer, "http://mmm/rigs/abc123/hashrates.json"))
	workload := newFakeWorkload()
	workload.err = errors.New("miner supervisor crashed")
	a := newTestAgent(f, workload)

	done := make(chan error, 1)
	go func() { done <- a.Start(context.Background()) }()

	<-workload.started
	close(workload.exit)
	assert.ErrorIs(t, waitErr(t, done), workload.err)
}

func TestStartCancelledDuringRetry(t *testing.T) {
	f := newLoopFixture(t)
	f.server.failNext("/rigs.json", errConnRefused)
	a := newTestAgent(f, newFakeWorkload())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	f.clock.WaitForTimers(1)
	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
}
