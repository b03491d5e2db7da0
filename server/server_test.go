package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowrunner/flowstudio/bus"
	"github.com/flowrunner/flowstudio/catalog"
	"github.com/flowrunner/flowstudio/core"
	"github.com/flowrunner/flowstudio/engine"
	"github.com/flowrunner/flowstudio/graph"
	"github.com/flowrunner/flowstudio/store"
)

func mustParseDefinition(t *testing.T, data string) graph.FlowDefinition {
	t.Helper()
	var def graph.FlowDefinition
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		t.Fatalf("parsing definition: %v", err)
	}
	return def
}

type testEnv struct {
	server    *Server
	handler   http.Handler
	flows     *store.MemFlowStore
	runs      *store.MemRunStore
	schedules *store.MemScheduleStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cat := catalog.New()
	eng := engine.New(engine.Config{
		Catalog: cat,
		Invoker: core.InvokerFunc(func(_ context.Context, _, prompt string) (string, error) {
			return "echo: " + prompt, nil
		}),
	})

	flows := store.NewMemFlowStore()
	runs := store.NewMemRunStore()
	schedules := store.NewMemScheduleStore()
	eventStore := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	t.Cleanup(func() {
		_ = eb.Close()
	})

	srv := New(Config{
		Catalog:    cat,
		Engine:     eng,
		Flows:      flows,
		Runs:       runs,
		Schedules:  schedules,
		Bus:        eb,
		EventStore: eventStore,
	})

	return &testEnv{
		server:    srv,
		handler:   srv.Handler(),
		flows:     flows,
		runs:      runs,
		schedules: schedules,
	}
}

func (env *testEnv) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decodeJSON[apiError](t, w)
	return resp.Error.Code
}

const validFlowBody = `{
  "name": "greeting",
  "nodes": [
    {"id": "in", "template": "chat_input"},
    {"id": "pt", "template": "prompt_template", "fields": {"template": "Hi {text}"}},
    {"id": "out", "template": "chat_output"}
  ],
  "edges": [
    {"id": "e1", "source": {"node_id": "in", "port_id": "text"}, "target": {"node_id": "pt", "port_id": "text"}},
    {"id": "e2", "source": {"node_id": "pt", "port_id": "prompt"}, "target": {"node_id": "out", "port_id": "prompt"}}
  ]
}`

func createFlow(t *testing.T, env *testEnv) store.FlowRecord {
	t.Helper()
	w := env.request(t, http.MethodPost, "/api/flows", validFlowBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("create flow: status %d, body %s", w.Code, w.Body.String())
	}
	return decodeJSON[store.FlowRecord](t, w)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decodeJSON[map[string]string](t, w)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want ok", resp["status"])
	}
}

func TestNodeTypes(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodGet, "/api/node-types", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	templates := decodeJSON[[]catalog.NodeTemplate](t, w)
	if len(templates) != 5 {
		t.Errorf("len = %d, want 5", len(templates))
	}
}

func TestCreateAndGetFlow(t *testing.T) {
	env := newTestEnv(t)
	rec := createFlow(t, env)

	if rec.ID == "" {
		t.Fatal("created flow has empty id")
	}
	if rec.Name != "greeting" {
		t.Errorf("Name = %q, want greeting", rec.Name)
	}

	w := env.request(t, http.MethodGet, "/api/flows/"+rec.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}
	got := decodeJSON[store.FlowRecord](t, w)
	if len(got.Definition.Nodes) != 3 {
		t.Errorf("definition nodes = %d, want 3", len(got.Definition.Nodes))
	}
}

func TestCreateFlowValidationError(t *testing.T) {
	env := newTestEnv(t)
	bad := `{
  "nodes": [
    {"id": "in", "template": "chat_input"},
    {"id": "m", "template": "model"}
  ],
  "edges": [
    {"id": "e1", "source": {"node_id": "in", "port_id": "text"}, "target": {"node_id": "m", "port_id": "prompt"}}
  ]
}`
	w := env.request(t, http.MethodPost, "/api/flows", bad)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "TYPE_MISMATCH" {
		t.Errorf("error code = %q, want TYPE_MISMATCH", code)
	}
}

func TestCreateFlowMalformedBody(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodPost, "/api/flows", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if code := errorCode(t, w); code != "PARSE_ERROR" {
		t.Errorf("error code = %q, want PARSE_ERROR", code)
	}
}

func TestGetFlowNotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodGet, "/api/flows/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if code := errorCode(t, w); code != "NOT_FOUND" {
		t.Errorf("error code = %q, want NOT_FOUND", code)
	}
}

func TestListFlows(t *testing.T) {
	env := newTestEnv(t)
	createFlow(t, env)

	w := env.request(t, http.MethodGet, "/api/flows", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	flows := decodeJSON[[]store.FlowRecord](t, w)
	if len(flows) != 1 {
		t.Errorf("len = %d, want 1", len(flows))
	}
}

func TestUpdateFlow(t *testing.T) {
	env := newTestEnv(t)
	rec := createFlow(t, env)

	updated := `{
  "name": "renamed",
  "nodes": [
    {"id": "in", "template": "chat_input"},
    {"id": "out", "template": "chat_output"}
  ],
  "edges": [
    {"id": "e1", "source": {"node_id": "in", "port_id": "text"}, "target": {"node_id": "out", "port_id": "text"}}
  ]
}`
	w := env.request(t, http.MethodPut, "/api/flows/"+rec.ID, updated)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	got := decodeJSON[store.FlowRecord](t, w)
	if got.Name != "renamed" {
		t.Errorf("Name = %q, want renamed", got.Name)
	}
	if len(got.Definition.Nodes) != 2 {
		t.Errorf("nodes = %d, want 2", len(got.Definition.Nodes))
	}

	w = env.request(t, http.MethodPut, "/api/flows/nope", updated)
	if w.Code != http.StatusNotFound {
		t.Errorf("update missing: status = %d, want 404", w.Code)
	}
}

func TestDeleteFlow(t *testing.T) {
	env := newTestEnv(t)
	rec := createFlow(t, env)

	w := env.request(t, http.MethodDelete, "/api/flows/"+rec.ID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	w = env.request(t, http.MethodGet, "/api/flows/"+rec.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", w.Code)
	}
	w = env.request(t, http.MethodDelete, "/api/flows/"+rec.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", w.Code)
	}
}

func TestValidateFlowEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodPost, "/api/flows/any/validate", validFlowBody)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	resp := decodeJSON[map[string]bool](t, w)
	if !resp["valid"] {
		t.Error("valid = false, want true")
	}
}

func TestExecuteFlowSync(t *testing.T) {
	env := newTestEnv(t)
	rec := createFlow(t, env)

	w := env.request(t, http.MethodPost, "/api/flows/"+rec.ID+"/execute", `{"input": "world"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	resp := decodeJSON[ExecuteResponse](t, w)
	if resp.Status != "completed" {
		t.Errorf("Status = %q, want completed", resp.Status)
	}
	if resp.Output != "Hi world" {
		t.Errorf("Output = %q, want Hi world", resp.Output)
	}
	if resp.RunID == "" || resp.Trace == nil {
		t.Error("response missing run id or trace")
	}

	// The run record was persisted.
	w = env.request(t, http.MethodGet, "/api/runs/"+resp.RunID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get run: status = %d", w.Code)
	}
	run := decodeJSON[store.RunRecord](t, w)
	if run.FlowID != rec.ID || run.Status != "completed" {
		t.Errorf("run record = %+v", run)
	}
}

func TestExecuteFlowNotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodPost, "/api/flows/nope/execute", `{"input": "x"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestExecuteFlowInvalidTimeout(t *testing.T) {
	env := newTestEnv(t)
	rec := createFlow(t, env)

	w := env.request(t, http.MethodPost, "/api/flows/"+rec.ID+"/execute", `{"timeout": "banana"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if code := errorCode(t, w); code != "PARSE_ERROR" {
		t.Errorf("error code = %q, want PARSE_ERROR", code)
	}
}

func TestExecuteFlowAsync(t *testing.T) {
	env := newTestEnv(t)
	rec := createFlow(t, env)

	w := env.request(t, http.MethodPost, "/api/flows/"+rec.ID+"/execute", `{"input": "world", "async": true}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	resp := decodeJSON[ExecuteResponse](t, w)
	if resp.RunID == "" || resp.Status != "running" {
		t.Fatalf("response = %+v, want running with run id", resp)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, found, err := env.runs.Get(context.Background(), resp.RunID)
		if err != nil {
			t.Fatalf("runs.Get: %v", err)
		}
		if found {
			if rec.Status != "completed" {
				t.Errorf("async run status = %q, want completed", rec.Status)
			}
			if rec.Trace.Output != "Hi world" {
				t.Errorf("async run output = %q, want Hi world", rec.Trace.Output)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("async run record never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExecuteStructurallyInvalidFlow(t *testing.T) {
	env := newTestEnv(t)

	// Stored directly: a flow with no input-category node passes edge
	// validation but cannot execute.
	err := env.flows.Create(context.Background(), store.FlowRecord{
		ID:   "broken",
		Name: "broken",
		Definition: mustParseDefinition(t, `{
  "nodes": [{"id": "pt", "template": "prompt_template", "fields": {"template": "static"}}],
  "edges": []
}`),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := env.request(t, http.MethodPost, "/api/flows/broken/execute", `{"input": "x"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "INVALID_GRAPH" {
		t.Errorf("error code = %q, want INVALID_GRAPH", code)
	}
}

func TestListFlowRuns(t *testing.T) {
	env := newTestEnv(t)
	rec := createFlow(t, env)

	for i := 0; i < 3; i++ {
		w := env.request(t, http.MethodPost, "/api/flows/"+rec.ID+"/execute", fmt.Sprintf(`{"input": "run %d"}`, i))
		if w.Code != http.StatusOK {
			t.Fatalf("execute %d: status %d", i, w.Code)
		}
	}

	w := env.request(t, http.MethodGet, "/api/flows/"+rec.ID+"/runs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	runs := decodeJSON[[]store.RunRecord](t, w)
	if len(runs) != 3 {
		t.Errorf("len = %d, want 3", len(runs))
	}

	w = env.request(t, http.MethodGet, "/api/flows/"+rec.ID+"/runs?limit=2", "")
	limited := decodeJSON[[]store.RunRecord](t, w)
	if len(limited) != 2 {
		t.Errorf("limited len = %d, want 2", len(limited))
	}

	w = env.request(t, http.MethodGet, "/api/flows/"+rec.ID+"/runs?limit=-1", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative limit: status = %d, want 400", w.Code)
	}
}

func TestGetRunNotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodGet, "/api/runs/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/health", "")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}

	req := httptest.NewRequest(http.MethodOptions, "/api/flows", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
}

func TestBodySizeLimit(t *testing.T) {
	cat := catalog.New()
	srv := New(Config{
		Catalog: cat,
		Engine:  engine.New(engine.Config{Catalog: cat}),
		Flows:   store.NewMemFlowStore(),
		Runs:    store.NewMemRunStore(),
		MaxBody: 64,
	})
	handler := srv.Handler()

	big := `{"name": "` + strings.Repeat("x", 200) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/flows", strings.NewReader(big))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413: %s", w.Code, w.Body.String())
	}
}
