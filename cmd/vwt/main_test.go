package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/executor/executortest"
	"github.com/andrej220/vwt/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c, root := newCLI(&out, &bytes.Buffer{})
	c.dialer = executortest.NewDialer()
	root.SetArgs(append([]string{"--user", "root", "--results-dir", dir}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, exitOK},
		{"hosts failed", fmt.Errorf("run: %w", &hostsFailedError{Failed: 1, Total: 2}), exitHostsFailed},
		{"config", fmt.Errorf("%w: bad port", executor.ErrConfigInvalid), exitConfig},
		{"other", errors.New("boom"), exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestExecuteStoresAndRendersRun(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, dir, "execute", "--hosts", "web1,web2", "--", "echo", "hi")
	require.NoError(t, err)

	var r persistence.Run
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, "execute", string(r.Operation))
	require.Len(t, r.Results, 2)
	assert.Equal(t, "hi", strings.TrimSpace(r.Results["web2"].Output))

	stored, err := persistence.LoadRuns(dir)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, r.ID, stored[0].ID)
}

func TestFailedHostSetsExitCode(t *testing.T) {
	_, err := run(t, t.TempDir(), "execute", "--hosts", "web1", "--", "false")
	assert.Equal(t, exitHostsFailed, exitCode(err))
}

func TestInvalidConfiguration(t *testing.T) {
	_, err := run(t, t.TempDir(), "--parallel", "0", "execute", "--hosts", "web1", "--", "true")
	assert.Equal(t, exitConfig, exitCode(err))

	_, err = run(t, t.TempDir(), "--format", "xml", "execute", "--hosts", "web1", "--", "true")
	assert.Equal(t, exitConfig, exitCode(err))

	_, err = run(t, t.TempDir(), "execute", "--", "true")
	assert.Equal(t, exitConfig, exitCode(err), "no hosts anywhere")
}

func TestChainKeepsShellState(t *testing.T) {
	out, err := run(t, t.TempDir(), "chain", "--hosts", "web1", "-c", "cd /tmp", "-c", "pwd")
	require.NoError(t, err)
	var r persistence.Run
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	require.Len(t, r.Results["web1"].Steps, 2)
	assert.Equal(t, "/tmp", strings.TrimSpace(r.Results["web1"].Steps[1].Output))
}

func TestInteractiveFromFile(t *testing.T) {
	steps := filepath.Join(t.TempDir(), "steps.txt")
	require.NoError(t, os.WriteFile(steps, []byte("# greet\necho ready|ready\nwhoami\n"), 0o600))

	out, err := run(t, t.TempDir(), "interactive", "--hosts", "web1", "--file", steps)
	require.NoError(t, err)
	var r persistence.Run
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.True(t, r.Results["web1"].Success, r.Results["web1"].Error)
	assert.Len(t, r.Results["web1"].Steps, 2)
}

func TestMetricsExport(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, dir, "execute", "--hosts", "web1,web2", "--", "true")
	require.NoError(t, err)
	_, err = run(t, dir, "execute", "--hosts", "web1", "--", "false")
	require.Error(t, err)

	out, err := run(t, dir, "metrics-export", "--format", "prometheus")
	require.NoError(t, err)
	assert.Contains(t, out, `vwt_operations_total{error_kind="",host="web1",operation="execute",status="success"} 1`)
	assert.Contains(t, out, `vwt_operations_total{error_kind="CommandFailed",host="web1",operation="execute",status="failure"} 1`)

	out, err = run(t, dir, "metrics-export")
	require.NoError(t, err)
	var snap struct {
		Total struct {
			Total     int `json:"total"`
			Succeeded int `json:"succeeded"`
		} `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, 3, snap.Total.Total)
	assert.Equal(t, 2, snap.Total.Succeeded)

	_, err = run(t, t.TempDir(), "metrics-export")
	assert.Error(t, err)
}

func TestTrafficHeaders(t *testing.T) {
	tf := &trafficFlags{headers: []string{"Host: example.org", "X-Trace:1"}}
	p, err := tf.params()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Host": "example.org", "X-Trace": "1"}, p.Headers)

	tf.headers = []string{"broken"}
	_, err = tf.params()
	assert.ErrorIs(t, err, executor.ErrConfigInvalid)
}

func TestTrafficRun(t *testing.T) {
	out, err := run(t, t.TempDir(), "traffic", "--sources", "web1,web2", "--ports", "22",
		"--duration", "20ms", "--interval", "10ms")
	require.NoError(t, err)
	var r persistence.Run
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	require.NotNil(t, r.Traffic)
	assert.Len(t, r.Traffic.Results, 2)
}

func TestTrafficProtocolMustBeRegistered(t *testing.T) {
	tf := &trafficFlags{protocolName: "IPERF"}
	p, err := tf.protocol()
	require.NoError(t, err)
	assert.Equal(t, "iperf", string(p))

	_, err = run(t, t.TempDir(), "traffic", "--sources", "web1", "--protocol", "sctp")
	assert.ErrorIs(t, err, executor.ErrConfigInvalid)
	assert.Equal(t, exitConfig, exitCode(err))
	assert.ErrorContains(t, err, "icmp, iperf, scp")
}
