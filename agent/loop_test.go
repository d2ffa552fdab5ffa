package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmmagent/miner"
	"mmmagent/mmmclient"
	"mmmagent/rig"
)

var ethminer = map[string]any{"miner": "ethminer", "algorithm": "ethash", "pool": "stratum+tcp://pool:4444"}

func TestFetchAndApplyDirectiveRegistersAndApplies(t *testing.T) {
	f := newLoopFixture(t)
	f.server.rigs = []rig.Summary{{Hostname: "rig-01", URL: "http://mmm.example.com/rigs/zzz.json"}}
	f.server.setDirective("/rigs/abc123.json", directiveBody(ethminer, "http://mmm.example.com/rigs/abc123/hashrates.json?x=1"))

	path, ok, err := f.loop.FetchAndApplyDirective(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/rigs/abc123/hashrates.json", path)
	assert.Equal(t, 1, f.server.posts)

	require.Equal(t, 1, f.applier.count())
	var op map[string]any
	require.NoError(t, json.Unmarshal(f.applier.applied[0], &op))
	assert.Equal(t, "ethminer", op["miner"])
}

func TestFetchAndApplyDirectiveMissingOperation(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"null what_to_mine", directiveBody(nil, "http://mmm/rigs/abc123/hashrates.json")},
		{"absent what_to_mine", map[string]any{"rig": map[string]any{"hostname": "rig-07"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLoopFixture(t)
			f.server.setDirective("/rigs/abc123.json", tt.body)

			path, ok, err := f.loop.FetchAndApplyDirective(context.Background())
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Empty(t, path)
			assert.Zero(t, f.applier.count())
		})
	}
}

func TestFetchAndApplyDirectiveWithoutHashrateURL(t *testing.T) {
	f := newLoopFixture(t)
	f.server.setDirective("/rigs/abc123.json", directiveBody(ethminer, ""))

	path, ok, err := f.loop.FetchAndApplyDirective(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, path)
	assert.Equal(t, 1, f.applier.count())
}

func TestFetchAndApplyDirectiveErrors(t *testing.T) {
	t.Run("registration transport error", func(t *testing.T) {
		f := newLoopFixture(t)
		f.server.failNext("/rigs.json", errConnRefused)

		_, _, err := f.loop.FetchAndApplyDirective(context.Background())
		require.Error(t, err)
		assert.Equal(t, KindTransport, ErrorKind(err))
	})

	t.Run("unknown rig resource", func(t *testing.T) {
		f := newLoopFixture(t)

		_, _, err := f.loop.FetchAndApplyDirective(context.Background())
		require.Error(t, err)
		assert.Equal(t, KindStatus, ErrorKind(err))
	})

	t.Run("invalid operation", func(t *testing.T) {
		f := newLoopFixture(t)
		f.applier.err = miner.ErrInvalidOperation
		f.server.setDirective("/rigs/abc123.json", directiveBody(map[string]any{"pool": "p"}, "http://mmm/h.json"))

		_, _, err := f.loop.FetchAndApplyDirective(context.Background())
		require.Error(t, err)
		assert.Equal(t, KindDecode, ErrorKind(err))
	})
}

func TestRunForeverReportsAggregate(t *testing.T) {
	f := newLoopFixture(t)
	f.server.setDirective("/rigs/abc123.json", directiveBody(ethminer, "http://mmm/rigs/abc123/hashrates.json"))
	f.gpus[0].RecordHashRate(100)
	f.gpus[0].RecordPowerDraw(120)
	f.gpus[1].RecordHashRate(250)
	f.gpus[1].RecordPowerDraw(180)

	f.run(t, "/rigs/abc123/hashrates.json")
	event := f.tick(t)

	assert.Empty(t, event.Error)
	assert.True(t, event.Reported)
	require.NotNil(t, event.Sample)
	assert.Equal(t, Sample{Rate: 350, PowerUsage: 300}, *event.Sample)

	puts := f.server.recordedPuts()
	require.Len(t, puts, 1)
	assert.Equal(t, "/rigs/abc123/hashrates.json", puts[0].path)
	assert.Equal(t, Sample{Rate: 350, PowerUsage: 300}, puts[0].body)

	for _, g := range f.gpus {
		assert.Zero(t, g.AverageHashRate())
		assert.Zero(t, g.AveragePowerDraw())
	}
}

func TestRunForeverSkipsZeroRate(t *testing.T) {
	f := newLoopFixture(t)
	f.server.setDirective("/rigs/abc123.json", directiveBody(ethminer, "http://mmm/rigs/abc123/hashrates.json"))
	f.gpus[0].RecordPowerDraw(90)

	f.run(t, "/rigs/abc123/hashrates.json")
	event := f.tick(t)

	assert.Empty(t, event.Error)
	assert.False(t, event.Reported)
	assert.Empty(t, f.server.recordedPuts())
	assert.Zero(t, f.gpus[0].AveragePowerDraw())
}

func TestRunForeverWithoutReportPathClearsCounters(t *testing.T) {
	f := newLoopFixture(t)
	f.server.setDirective("/rigs/abc123.json", directiveBody(ethminer, "http://mmm/rigs/abc123/hashrates.json"))
	f.gpus[0].RecordHashRate(500)

	f.run(t, "")
	event := f.tick(t)

	assert.Nil(t, event.Sample)
	assert.Empty(t, f.server.recordedPuts())
	assert.Zero(t, f.gpus[0].AverageHashRate())
	assert.Equal(t, "/rigs/abc123/hashrates.json", event.ReportPath)

	f.gpus[1].RecordHashRate(42)
	event = f.tick(t)
	assert.True(t, event.Reported)
	puts := f.server.recordedPuts()
	require.Len(t, puts, 1)
	assert.Equal(t, Sample{Rate: 42}, puts[0].body)
}

func TestRunForeverSurvivesFailures(t *testing.T) {
	f := newLoopFixture(t)
	const reportPath = "/rigs/abc123/hashrates.json"
	f.server.setDirective("/rigs/abc123.json", directiveBody(ethminer, "http://mmm"+reportPath))
	f.run(t, reportPath)

	// Flush fails: counters still cleared, path kept.
	f.gpus[0].RecordHashRate(100)
	f.server.setPutErr(errConnRefused)
	event := f.tick(t)
	assert.Equal(t, KindTransport, event.ErrorKind)
	assert.Equal(t, reportPath, event.ReportPath)
	assert.Zero(t, f.gpus[0].AverageHashRate())
	f.server.setPutErr(nil)

	// Directive fetch fails with a server error.
	f.server.failNext("/rigs/abc123.json", &mmmclient.StatusError{Method: "GET", Path: "/rigs/abc123.json", StatusCode: 500})
	f.gpus[0].RecordHashRate(100)
	event = f.tick(t)
	assert.Equal(t, KindStatus, event.ErrorKind)
	assert.Equal(t, reportPath, event.ReportPath)
	assert.True(t, event.Reported)

	// Garbage payload.
	f.server.failNext("/rigs/abc123.json", mmmclient.ErrDecode)
	event = f.tick(t)
	assert.Equal(t, KindDecode, event.ErrorKind)
	assert.Equal(t, reportPath, event.ReportPath)

	// Healthy again.
	f.gpus[1].RecordHashRate(7)
	event = f.tick(t)
	assert.Empty(t, event.Error)
	assert.Equal(t, reportPath, event.ReportPath)

	puts := f.server.recordedPuts()
	require.Len(t, puts, 2)
	assert.Equal(t, Sample{Rate: 7}, puts[1].body)
}

func TestRunForeverMissingDirectiveKeepsReportPath(t *testing.T) {
	f := newLoopFixture(t)
	f.server.setDirective("/rigs/abc123.json", directiveBody(nil, ""))
	f.run(t, "/rigs/abc123/old.json")

	event := f.tick(t)
	assert.Empty(t, event.Error)
	assert.Equal(t, "/rigs/abc123/old.json", event.ReportPath)
	assert.Zero(t, f.applier.count())
}

func TestRunForeverAdoptsNewReportPath(t *testing.T) {
	f := newLoopFixture(t)
	f.server.setDirective("/rigs/abc123.json", directiveBody(ethminer, "http://mmm/rigs/abc123/v2.json"))
	f.run(t, "/rigs/abc123/v1.json")

	f.gpus[0].RecordHashRate(10)
	event := f.tick(t)
	assert.Equal(t, "/rigs/abc123/v2.json", event.ReportPath)

	f.gpus[0].RecordHashRate(20)
	f.tick(t)

	puts := f.server.recordedPuts()
	require.Len(t, puts, 2)
	assert.Equal(t, "/rigs/abc123/v1.json", puts[0].path)
	assert.Equal(t, "/rigs/abc123/v2.json", puts[1].path)
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	f := newLoopFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.loop.RunForever(ctx, "")
	}()

	f.clock.WaitForTimers(1)
	cancel()
	<-done
	assert.Empty(t, f.server.recordedPuts())
}
