package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"mmmagent/clock"
	"mmmagent/hardware"
	"mmmagent/mmmclient"
	"mmmagent/rig"
)

var errConnRefused = &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

type recordedPut struct {
	path string
	body any
}

// fakeServer is an in-memory mmm-server.
type fakeServer struct {
	mu         sync.Mutex
	rigs       []rig.Summary
	newID      string
	directives map[string]any
	failures   map[string][]error
	putErr     error
	puts       []recordedPut
	posts      int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		directives: make(map[string]any),
		failures:   make(map[string][]error),
	}
}

// failNext makes the next len(errs) calls touching path fail.
func (f *fakeServer) failNext(path string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = append(f.failures[path], errs...)
}

func (f *fakeServer) setDirective(path string, body any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directives[path] = body
}

func (f *fakeServer) setPutErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putErr = err
}

func (f *fakeServer) recordedPuts() []recordedPut {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedPut(nil), f.puts...)
}

func (f *fakeServer) popFailure(path string) error {
	queue := f.failures[path]
	if len(queue) == 0 {
		return nil
	}
	f.failures[path] = queue[1:]
	return queue[0]
}

func (f *fakeServer) Get(_ context.Context, path string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure(path); err != nil {
		return err
	}
	if path == "/rigs.json" {
		return roundTrip(f.rigs, out)
	}
	body, ok := f.directives[path]
	if !ok {
		return &mmmclient.StatusError{Method: "GET", Path: path, StatusCode: 404}
	}
	return roundTrip(body, out)
}

func (f *fakeServer) Post(_ context.Context, path string, body, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure(path); err != nil {
		return err
	}
	f.posts++
	reg := body.(rig.Registration)
	f.rigs = append(f.rigs, rig.Summary{Hostname: reg.Hostname, URL: "http://mmm.example.com" + rig.ResourcePath(f.newID)})
	return roundTrip(map[string]any{"rig": map[string]any{"id": map[string]any{"$oid": f.newID}}}, out)
}

func (f *fakeServer) Put(_ context.Context, path string, body, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure(path); err != nil {
		return err
	}
	if f.putErr != nil {
		return f.putErr
	}
	f.puts = append(f.puts, recordedPut{path: path, body: body})
	return nil
}

func roundTrip(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// directiveBody builds a GET {resourcePath} response.
func directiveBody(whatToMine any, hashrateURL string) map[string]any {
	return map[string]any{"rig": map[string]any{"what_to_mine": whatToMine, "hashrate_url": hashrateURL}}
}

type fakeApplier struct {
	mu      sync.Mutex
	applied []json.RawMessage
	err     error
}

func (a *fakeApplier) Apply(_ context.Context, raw json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.applied = append(a.applied, append(json.RawMessage(nil), raw...))
	return nil
}

func (a *fakeApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

type loopFixture struct {
	server  *fakeServer
	applier *fakeApplier
	gpus    []*hardware.GPU
	clock   *clock.FakeClock
	events  chan Event
	loop    *SyncLoop
}

const testInterval = 900 * time.Second

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()
	f := &loopFixture{
		server:  newFakeServer(),
		applier: &fakeApplier{},
		gpus: []*hardware.GPU{
			hardware.NewGPU(0, "GeForce GTX 1080", "GPU-aaa"),
			hardware.NewGPU(1, "GeForce GTX 1070", "GPU-bbb"),
		},
		clock:  clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		events: make(chan Event, 16),
	}
	f.server.newID = "abc123"
	f.loop = NewSyncLoop(LoopOptions{
		Identity:  rig.NewIdentity(f.server, rig.Registration{Hostname: "rig-07"}, nil),
		Server:    f.server,
		Applier:   f.applier,
		Stats:     NewStats(GPUDevices(f.gpus), f.server, nil),
		Clock:     f.clock,
		Interval:  testInterval,
		ServerURL: "http://mmm.example.com",
		Observer:  ObserverFunc(func(e Event) { f.events <- e }),
	})
	return f
}

// run starts RunForever and stops it when the test ends.
func (f *loopFixture) run(t *testing.T, reportPath string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.loop.RunForever(ctx, reportPath)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("sync loop did not stop")
		}
	})
}

// tick advances one interval and returns the resulting cycle event.
func (f *loopFixture) tick(t *testing.T) Event {
	t.Helper()
	f.clock.WaitForTimers(1)
	f.clock.Advance(testInterval)
	select {
	case e := <-f.events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cycle")
		return Event{}
	}
}
