package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trafficjam/simengine/internal/api"
	"github.com/trafficjam/simengine/internal/engine"
	"github.com/trafficjam/simengine/internal/event"
	"github.com/trafficjam/simengine/internal/model"
	"github.com/trafficjam/simengine/internal/service"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type publisher struct {
	connected atomic.Bool
}

func (p *publisher) Publish(context.Context, string, []byte) error { return nil }
func (p *publisher) IsConnected() bool                              { return p.connected.Load() }

type fixture struct {
	srv     *httptest.Server
	pub     *publisher
	workDir string
	network atomic.Value // path received by the engine
}

// newFixture serves the API over an orchestrator whose engine emits one
// departure per iteration and blocks until stopped when hold is set.
func newFixture(t *testing.T, hold bool) *fixture {
	t.Helper()
	f := &fixture{pub: &publisher{}, workDir: t.TempDir()}
	f.pub.connected.Store(true)

	cfg := model.DefaultConfig()
	cfg.Jobs.WorkDir = f.workDir
	cfg.Server.StreamInterval = 10 * time.Millisecond
	eng := engine.Func(func(ctx context.Context, spec engine.Spec, cb engine.Callbacks) error {
		f.network.Store(spec.Network)
		for i := range spec.Iterations {
			cb.IterationStart(i)
			cb.Event(event.Raw{Type: "departure", Time: float64(i), Attributes: map[string]string{"person": "p1"}})
		}
		if hold {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	o := service.NewOrchestrator(cfg, eng, f.pub)
	f.srv = httptest.NewServer(api.NewHandler(o, f.workDir))
	t.Cleanup(func() {
		f.srv.Close()
		o.Close()
	})
	return f
}

func (f *fixture) start(t *testing.T, fields map[string]string, network string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if network != "" {
		fw, err := mw.CreateFormFile("networkFile", "network.xml")
		require.NoError(t, err)
		_, err = io.WriteString(fw, network)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, f.srv.URL+"/api/simulations", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, f.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type startBody struct {
	SimulationID string `json:"simulationId"`
	Status       string `json:"status"`
	ScenarioID   string `json:"scenarioId"`
	RunID        string `json:"runId"`
}

type statusBody struct {
	SimulationID string `json:"simulationId"`
	Status       string `json:"status"`
	Error        string `json:"error"`
	Iteration    *int   `json:"iteration"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

const networkXML = `<network><nodes><node id="1" x="0" y="0"/><node id="2" x="1" y="0"/></nodes>` +
	`<links><link id="l1" from="1" to="2" length="100" freespeed="10"/></links></network>`

func TestStartAndStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	resp := f.start(t, map[string]string{
		"iterations": "3",
		"randomSeed": "4711",
		"scenarioId": "s1",
		"runId":      "r1",
	}, networkXML)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	started := decode[startBody](t, resp)
	require.NotEmpty(t, started.SimulationID)
	require.Equal(t, "RUNNING", started.Status)
	require.Equal(t, "s1", started.ScenarioID)
	require.Equal(t, "r1", started.RunID)

	staged := filepath.Join(f.workDir, "s1", "network.xml")
	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	require.Equal(t, networkXML, string(data))

	var st statusBody
	require.Eventually(t, func() bool {
		resp := f.do(t, http.MethodGet, "/api/simulations/"+started.SimulationID+"/status")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		st = decode[statusBody](t, resp)
		return st.Status == "COMPLETED"
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, started.SimulationID, st.SimulationID)
	require.Empty(t, st.Error)
	require.NotNil(t, st.Iteration)
	require.Equal(t, 2, *st.Iteration)
	require.Equal(t, staged, f.network.Load())

	list := decode[[]statusBody](t, f.do(t, http.MethodGet, "/api/simulations"))
	require.Len(t, list, 1)
	require.Equal(t, started.SimulationID, list[0].SimulationID)
}

func TestStart_BadRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	var testCases = []struct {
		scenario string
		fields   map[string]string
		network  string
	}{
		{"missing network", nil, ""},
		{"iterations not a number", map[string]string{"iterations": "many"}, networkXML},
		{"negative iterations", map[string]string{"iterations": "-2"}, networkXML},
		{"seed not a number", map[string]string{"randomSeed": "0x1"}, networkXML},
		{"dotted scenario", map[string]string{"scenarioId": "a.b"}, networkXML},
		{"scenario escaping work dir", map[string]string{"scenarioId": "../x"}, networkXML},
		{"wildcard run", map[string]string{"runId": "*"}, networkXML},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			resp := f.start(t, tc.fields, tc.network)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.Equal(t, "invalid_argument", decode[errorBody](t, resp).Code)
		})
	}
	require.Empty(t, decode[[]statusBody](t, f.do(t, http.MethodGet, "/api/simulations")))
}

func TestStart_BusUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.pub.connected.Store(false)

	resp := f.start(t, nil, networkXML)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decode[errorBody](t, resp)
	require.Equal(t, "bus_unavailable", body.Code)
	require.NotEmpty(t, body.Error)

	health := decode[service.Health](t, f.do(t, http.MethodGet, "/api/health"))
	require.Equal(t, "degraded", health.Status)
	require.False(t, health.Bus.Connected)
}

func TestStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	started := decode[startBody](t, f.start(t, map[string]string{"iterations": "1"}, networkXML))

	resp := f.do(t, http.MethodDelete, "/api/simulations/"+started.SimulationID)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	st := decode[statusBody](t, f.do(t, http.MethodGet, "/api/simulations/"+started.SimulationID+"/status"))
	require.Equal(t, "STOPPED", st.Status)
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/simulations/nope/status"},
		{http.MethodGet, "/api/simulations/nope/events"},
		{http.MethodDelete, "/api/simulations/nope"},
	} {
		resp := f.do(t, tc.method, tc.path)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, tc.path)
		require.Equal(t, "not_found", decode[errorBody](t, resp).Code, tc.path)
	}
}

func TestEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	started := decode[startBody](t, f.start(t, map[string]string{"iterations": "1"}, networkXML))

	resp := f.do(t, http.MethodGet, "/api/simulations/"+started.SimulationID+"/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(body), "event: connected\n"))
	require.True(t, strings.HasSuffix(string(body), "event: finished\ndata: COMPLETED\n\n"))
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	resp := f.do(t, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[service.Health](t, resp)
	require.Equal(t, "ok", health.Status)
	require.True(t, health.Bus.Connected)
	require.Equal(t, model.DefaultConfig().Jobs.Workers, health.Workers.Size)
}
