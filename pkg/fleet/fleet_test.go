package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/andrej220/vwt/pkg/channel"
	"github.com/andrej220/vwt/pkg/config"
	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/executor/executortest"
	shared "github.com/andrej220/vwt/pkg/shared-models"
	"github.com/andrej220/vwt/pkg/traffic"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFleet(t *testing.T) (*Fleet, *executortest.Dialer) {
	t.Helper()
	cfg := config.Default()
	cfg.Hosts = []string{"web1", "web2"}
	cfg.User = "root"
	cfg.RetryDelay = 0.001
	require.NoError(t, cfg.Validate())

	d := executortest.NewDialer()
	f, err := New(cfg, Options{Dialer: d})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f, d
}

func TestHandleRecordsResults(t *testing.T) {
	f, _ := newFleet(t)

	res, err := f.Handle(context.Background(), shared.Request{
		ExecutionUID: uuid.New(),
		Operation:    shared.OpChain,
		Hosts:        []string{"web1", "admin@web2:2222"},
		Commands:     []string{"cd /tmp", "pwd"},
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.True(t, res["web1"].Success)
	assert.Equal(t, "/tmp", res["web2:2222"].Steps[1].Output)

	snap := f.Metrics.Snapshot()
	assert.Equal(t, 2, snap.ByOperation["chain"].Succeeded)
}

func TestHandleRejectsInvalidRequests(t *testing.T) {
	f, _ := newFleet(t)

	for name, req := range map[string]shared.Request{
		"missing command": {Operation: shared.OpExecute, Hosts: []string{"web1"}},
		"no hosts":        {Operation: shared.OpExecute, Command: "true"},
		"unknown op":      {Operation: "reboot", Hosts: []string{"web1"}},
		"follow forever":  {Operation: shared.OpTail, Hosts: []string{"web1"}, Path: "/var/log/x", Follow: true},
		"bad port":        {Operation: shared.OpExecute, Hosts: []string{"web1:99999"}, Command: "true"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.Handle(context.Background(), req)
			assert.ErrorIs(t, err, executor.ErrConfigInvalid)
		})
	}
}

func TestHostsDefaultToConfig(t *testing.T) {
	f, _ := newFleet(t)
	addrs, err := f.Hosts(nil)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, "root@web1:22", addrs[0].Key())
}

func TestTrafficSharesWorkersAndMetrics(t *testing.T) {
	f, _ := newFleet(t)
	hosts, err := f.Hosts(nil)
	require.NoError(t, err)

	rep, err := f.RunTraffic(context.Background(), traffic.Test{
		Sources:  hosts,
		Ports:    []int{22},
		Protocol: traffic.TCP,
		Duration: 20 * time.Millisecond,
		Interval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, rep.Results, 2)
	for _, r := range rep.Results {
		assert.True(t, r.Success(), r.Error)
		assert.Len(t, r.Samples, 2)
	}
	assert.Equal(t, 2, f.Metrics.Snapshot().ByOperation["traffic"].Total)
}

func TestSequenceTimeoutsScaleWithSteps(t *testing.T) {
	f, _ := newFleet(t)
	base := f.Config.TimeoutDuration()
	require.Positive(t, base)

	op, err := f.Operation(shared.Request{Operation: shared.OpChain, Commands: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, 3*base, op.Timeout)

	op, err = f.Operation(shared.Request{Operation: shared.OpChain, Commands: []string{"a", "b"}, Timeout: 2})
	require.NoError(t, err)
	assert.Equal(t, 6*time.Second, op.Timeout)

	op, err = f.Operation(shared.Request{Operation: shared.OpInteractive, Steps: []shared.Step{{Command: "a"}, {Command: "b"}}})
	require.NoError(t, err)
	assert.Equal(t, 3*channel.DefaultStepTimeout, op.Timeout)
}
