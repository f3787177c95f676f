// Package main tests for the lockstep CLI application
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockstep/lockstep/pkg/lockstep"
	"github.com/lockstep/lockstep/pkg/prebuilt"
)

// execute runs the root command with args in an isolated working directory
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	tests := []struct {
		name      string
		version   string
		commit    string
		buildTime string
		want      string
	}{
		{"dev defaults", "dev", "unknown", "unknown", "lockstep dev (commit: unknown, built: unknown)\n"},
		{"custom values", "v1.0.0", "abc123", "2024-01-01", "lockstep v1.0.0 (commit: abc123, built: 2024-01-01)\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origVersion, origCommit, origBuildTime := Version, Commit, BuildTime
			defer func() { Version, Commit, BuildTime = origVersion, origCommit, origBuildTime }()
			Version, Commit, BuildTime = tt.version, tt.commit, tt.buildTime

			out, err := execute(t, "version")
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	out, err := execute(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version"`)
}

func TestRunCmd(t *testing.T) {
	t.Run("Chain", func(t *testing.T) {
		out, err := execute(t, "run", "--steps", "3", "--sends", "2", "--value", "5", "--json")
		require.NoError(t, err)

		var res runResult
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, int64(3), res.Timestep)
		require.Len(t, res.Sinks, 1)
		assert.Equal(t, []float64{30}, res.Sinks[0].Total, "every timestep carries data")
		assert.Equal(t, []float64{10}, res.Sinks[0].Last)
	})

	t.Run("ChainWithRelay", func(t *testing.T) {
		out, err := execute(t, "run", "--steps", "3", "--relays", "1", "--json")
		require.NoError(t, err)
		var res runResult
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, []float64{2}, res.Sinks[0].Total, "the relay holds back the last timestep")
	})

	t.Run("FixedPointLanes", func(t *testing.T) {
		out, err := execute(t, "run", "--prebuilt", "lanes", "--lanes", "2", "--width", "2",
			"--steps", "2", "--value", "2.6", "--fixed-point", "--json")
		require.NoError(t, err)
		var res runResult
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		require.Len(t, res.Sinks, 2)
		for _, s := range res.Sinks {
			assert.Equal(t, []float64{6, 6}, s.Total)
		}
	})

	t.Run("Text", func(t *testing.T) {
		out, err := execute(t, "run", "--steps", "2")
		require.NoError(t, err)
		assert.Contains(t, out, "completed at timestep 2")
		assert.Contains(t, out, "chain_sink total=[2]")
	})
}

func TestRunCmdErrors(t *testing.T) {
	_, err := execute(t, "run", "--steps", "0")
	assert.Error(t, err)

	_, err = execute(t, "run", "--prebuilt", "ring")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown prebuilt")

	_, err = execute(t, "run", "--steps", "2", "--sends", "11")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block policy")

	_, err = execute(t, "run", "--log-level", "loud")
	assert.ErrorIs(t, err, lockstep.ErrConfiguration)
}

func TestSnapshotsCmd(t *testing.T) {
	t.Setenv("LOCKSTEP_SNAPSHOT_DRIVER", "sqlite")
	t.Setenv("LOCKSTEP_SNAPSHOT_DSN", filepath.Join(t.TempDir(), "snapshots.db"))

	_, err := execute(t, "run", "--steps", "3")
	require.NoError(t, err)

	out, err := execute(t, "snapshots", "list", "--json")
	require.NoError(t, err)
	var cps []*lockstep.Checkpoint
	require.NoError(t, json.Unmarshal([]byte(out), &cps))
	require.Len(t, cps, 3, "one run_end snapshot per one-step run")
	assert.Equal(t, int64(3), cps[0].Timestep)
	assert.Equal(t, "chain_sink", cps[0].Process)

	out, err = execute(t, "snapshots", "list", "--limit", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "process=chain_sink"))
}

func TestSnapshotsCmdDisabled(t *testing.T) {
	_, err := execute(t, "snapshots", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func newTestServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()
	rt, err := lockstep.NewRuntime(ctx, nil, lockstep.WithLogger(logr.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	g, err := prebuilt.NewChain().Build(ctx, prebuilt.ChainConfig{Shape: lockstep.Shape{1}})
	require.NoError(t, err)
	require.NoError(t, rt.Load(g.Roots...))
	return &server{rt: rt, graph: g, log: logr.Discard()}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, h, http.MethodPost, "/inject", `{"injector":"chain_in","data":[7]}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "injectors accept data once the graph has started")

	rec = do(t, h, http.MethodPost, "/run", `{"steps":1,"blocking":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	t.Run("Inject", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/inject", `{"injector":"chain_in","data":[7]}`)
		assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		rec = do(t, h, http.MethodPost, "/inject", `{"injector":"nope","data":[7]}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = do(t, h, http.MethodPost, "/inject", `{"injector":"chain_in","data":[1,2]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, h, http.MethodPost, "/inject", `{"injector":"","data":[]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("RunValidation", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/run", `{"steps":0}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		rec = do(t, h, http.MethodPost, "/run", `{"continuous":true,"blocking":true}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		rec = do(t, h, http.MethodPost, "/run", `{"steps":1,"extra":1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	rec = do(t, h, http.MethodPost, "/run", `{"steps":1,"blocking":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("Status", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/status", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var st statusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
		assert.Equal(t, "PAUSED", st.State)
		assert.Equal(t, int64(2), st.Timestep)
		assert.False(t, st.Running)
		assert.Len(t, st.Actors, 2)
		require.Len(t, st.Sinks, 1)
		assert.Equal(t, []float64{7}, st.Sinks[0].Total)
	})

	t.Run("Metrics", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/metrics", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "timesteps_total")
	})

	t.Run("Snapshots", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/snapshots", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})

	t.Run("PprofOff", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/debug/pprof/", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	rec = do(t, h, http.MethodPost, "/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/run", `{"steps":1,"blocking":true}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServerContinuousRun(t *testing.T) {
	srv := newTestServer(t)
	srv.pprof = true
	h := srv.routes()

	rec := do(t, h, http.MethodPost, "/run", `{"continuous":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/run", `{"steps":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "a run is in progress")

	rec = do(t, h, http.MethodGet, "/debug/pprof/cmdline", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, srv.rt.Running())
}
