package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossian/flint/internal/engine"
	"github.com/ossian/flint/internal/enrich"
	"github.com/ossian/flint/internal/provider"
	"github.com/ossian/flint/internal/secrets"
	"github.com/ossian/flint/internal/store"
	"github.com/ossian/flint/internal/stream"
	"github.com/ossian/flint/internal/template"
	"github.com/ossian/flint/internal/trigger"
	"github.com/ossian/flint/pkg/schema"
)

type testEnv struct {
	store   *store.LibSQLStore
	hub     *stream.MemoryHub
	service *engine.Service
	server  *Server
	slack   *provider.MockProvider
}

func newTestEnv(t *testing.T, extra ...provider.Provider) *testEnv {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "api-test.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	slack := provider.NewMockProvider("slack", map[string]any{"channel": "#ops"})
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(slack))
	for _, p := range extra {
		require.NoError(t, registry.Register(p))
	}

	celEngine, err := trigger.NewCELEngine()
	require.NoError(t, err)

	hub := stream.NewMemoryHub()
	sched := engine.NewScheduler(st, enrich.NewStoreSink(st), registry,
		secrets.NewEnvVault(""), template.NewEngine(), engine.WithHub(hub))
	svc := engine.NewService(st, trigger.NewMatcher(celEngine, nil), sched, engine.NewRunPool(4), nil)
	t.Cleanup(svc.Shutdown)

	return &testEnv{
		store:   st,
		hub:     hub,
		service: svc,
		server:  NewServer(Deps{Store: st, Service: svc, Hub: hub, RunLog: store.NewRunLog(st)}),
		slack:   slack,
	}
}

func (e *testEnv) saveWorkflow(t *testing.T, wf *schema.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, e.store.SaveWorkflow(context.Background(), wf))
}

func manualWorkflow(id string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: id,
		Triggers: []schema.Trigger{
			{Type: schema.TriggerTypeManual},
			{Type: schema.TriggerTypeAlert, Source: "sentry"},
		},
		Actions: []schema.WorkUnit{
			{Name: "notify", Provider: schema.ProviderCall{Type: "slack"}},
		},
	}
}

func doJSON(t *testing.T, handler http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// --- Alert ingestion ---

func TestIngestAlert(t *testing.T) {
	env := newTestEnv(t)
	env.saveWorkflow(t, manualWorkflow("on-sentry"))

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/alerts", map[string]any{
		"name":   "User failed to login",
		"source": "sentry",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["alert_id"])
	assert.Equal(t, float64(1), body["started"])
}

func TestIngestAlertRequiresName(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/alerts", map[string]any{
		"source": "sentry",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestAlertRejectsBadJSON(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/alerts", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// slowProvider holds each invocation open long enough for the HTTP
// response that started the run to complete first.
type slowProvider struct {
	delay time.Duration
	calls atomic.Int64
}

func (p *slowProvider) Type() string                  { return "pager" }
func (p *slowProvider) Validate(map[string]any) error { return nil }

func (p *slowProvider) Invoke(ctx context.Context, _ provider.Invocation) (any, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.calls.Add(1)
	return "paged", nil
}

func TestIngestAlertRunOutlivesRequest(t *testing.T) {
	pager := &slowProvider{delay: 300 * time.Millisecond}
	env := newTestEnv(t, pager)
	env.saveWorkflow(t, &schema.WorkflowDefinition{
		ID:       "page-oncall",
		Triggers: []schema.Trigger{{Type: schema.TriggerTypeAlert, Source: "sentry"}},
		Steps:    []schema.WorkUnit{{Name: "collect", Provider: schema.ProviderCall{Type: "pager"}}},
		Actions:  []schema.WorkUnit{{Name: "page", Provider: schema.ProviderCall{Type: "pager"}}},
	})

	// A real server: the request context is cancelled as soon as the
	// 202 is written, while the run is still executing.
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/alerts", "application/json",
		strings.NewReader(`{"name":"disk full","source":"sentry"}`))
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, float64(1), body["started"])
	alertID := body["alert_id"].(string)

	var run *store.Run
	require.Eventually(t, func() bool {
		runs, err := env.store.ListRuns(context.Background(), store.RunFilter{AlertID: alertID})
		if err != nil || len(runs) == 0 {
			return false
		}
		run = runs[0]
		return run.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, schema.RunStatusSucceeded, run.Status)
	outcomes, err := env.store.ListUnitOutcomes(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, schema.UnitStatusSucceeded, o.Status)
		assert.Empty(t, o.SkipReason)
	}
	assert.Equal(t, int64(2), pager.calls.Load())
}

// --- Manual trigger ---

func TestManualRun(t *testing.T) {
	env := newTestEnv(t)
	env.saveWorkflow(t, manualWorkflow("deploy-notify"))

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/workflows/deploy-notify/run", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "deploy-notify", body["workflow_id"])
	assert.Equal(t, string(schema.RunStatusSucceeded), body["status"])

	units, ok := body["units"].([]any)
	require.True(t, ok)
	require.Len(t, units, 1)
	unit := units[0].(map[string]any)
	assert.Equal(t, "notify", unit["name"])
	assert.Equal(t, string(schema.UnitStatusSucceeded), unit["status"])
}

func TestManualRunUnknownWorkflow(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/workflows/missing/run", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManualRunWithoutManualTrigger(t *testing.T) {
	env := newTestEnv(t)
	env.saveWorkflow(t, &schema.WorkflowDefinition{
		ID: "alert-only",
		Triggers: []schema.Trigger{
			{Type: schema.TriggerTypeAlert, Source: "sentry"},
		},
		Actions: []schema.WorkUnit{
			{Name: "notify", Provider: schema.ProviderCall{Type: "slack"}},
		},
	})

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/workflows/alert-only/run", nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, schema.ErrCodeDefinition, body["code"])
}

// --- Run inspection ---

func TestGetRunWithOutcomes(t *testing.T) {
	env := newTestEnv(t)
	env.saveWorkflow(t, manualWorkflow("inspect-me"))

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/workflows/inspect-me/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runID := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, env.server.Handler(), http.MethodGet, "/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, runID, body["id"])
	assert.Len(t, body["units"], 1)
}

func TestGetRunNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRunsFilteredByWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.saveWorkflow(t, manualWorkflow("wf-a"))
	env.saveWorkflow(t, manualWorkflow("wf-b"))

	require.Equal(t, http.StatusOK,
		doJSON(t, env.server.Handler(), http.MethodPost, "/v1/workflows/wf-a/run", nil).Code)
	require.Equal(t, http.StatusOK,
		doJSON(t, env.server.Handler(), http.MethodPost, "/v1/workflows/wf-b/run", nil).Code)

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/runs?workflow_id=wf-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeBody(t, rec)["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, "wf-a", runs[0].(map[string]any)["workflow_id"])
}

func TestRunEventsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.saveWorkflow(t, manualWorkflow("with-log"))

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/workflows/with-log/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runID := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, env.server.Handler(), http.MethodGet, "/v1/runs/"+runID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody(t, rec)["events"].([]any)
	// run_started, unit_started, unit_succeeded, run_succeeded
	require.Len(t, events, 4)
	first := events[0].(map[string]any)
	assert.Equal(t, schema.EventRunStarted, first["event_type"])
	assert.Equal(t, float64(1), first["sequence"])
}

func TestRunEventsUnknownRun(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/runs/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReplayRunMatchesStoredOutcomes(t *testing.T) {
	env := newTestEnv(t)
	env.saveWorkflow(t, manualWorkflow("deploy-notify"))

	runRec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/workflows/deploy-notify/run", nil)
	require.Equal(t, http.StatusOK, runRec.Code)
	runID := decodeBody(t, runRec)["id"].(string)

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/runs/"+runID+"/replay", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, runID, body["run_id"])
	units, ok := body["units"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, units, "notify")
	replayed := units["notify"].(map[string]any)
	assert.Equal(t, string(schema.UnitStatusSucceeded), replayed["status"])

	// The reconstruction agrees with the stored outcome.
	outcomes, err := env.store.ListUnitOutcomes(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, string(outcomes[0].Status), replayed["status"])
	assert.Equal(t, outcomes[0].Name, replayed["name"])
}

func TestReplayRunUnknownRun(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/runs/nope/replay", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- Workflows ---

func TestListWorkflows(t *testing.T) {
	env := newTestEnv(t)
	env.saveWorkflow(t, manualWorkflow("wf-1"))
	env.saveWorkflow(t, manualWorkflow("wf-2"))

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["workflows"], 2)

	rec = doJSON(t, env.server.Handler(), http.MethodGet, "/v1/workflows/wf-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wf-1", decodeBody(t, rec)["id"])

	rec = doJSON(t, env.server.Handler(), http.MethodGet, "/v1/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- SSE stream ---

func TestStreamDeliversRunEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/stream?run_id=run-sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ":"), "expected open comment, got %q", line)

	require.NoError(t, env.hub.Publish(context.Background(), stream.Event{
		RunID:      "run-sse",
		WorkflowID: "wf-1",
		Type:       schema.EventRunStarted,
	}))

	var eventLine, dataLine string
	for {
		l, err := reader.ReadString('\n')
		require.NoError(t, err)
		l = strings.TrimRight(l, "\n")
		if strings.HasPrefix(l, "event: ") {
			eventLine = l
		}
		if strings.HasPrefix(l, "data: ") {
			dataLine = l
			break
		}
	}

	assert.Equal(t, "event: "+schema.EventRunStarted, eventLine)

	var evt stream.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &evt))
	assert.Equal(t, "run-sse", evt.RunID)
	assert.Equal(t, "wf-1", evt.WorkflowID)
}
