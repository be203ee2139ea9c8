package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/jsonx"
)

// runCommand executes the loom command tree against a stub server and
// returns the combined output.
func runCommand(t *testing.T, ts *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(append([]string{"--no-color", "--api-url", ts.URL}, args...))
	err := root.Execute()
	return buf.String(), err
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	return jsonx.NewDecoder(r.Body).Decode(out)
}

func TestProjectListRendersTable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/projects", jsonHandler(200, `[
		{"id":"pe8x01j2k3m4","name":"Pixel docs","status":"executing","planning_rigor":"L2",
		 "requirements":"r1","created_at":"2026-05-01T10:00:00Z","updated_at":"2026-05-01T10:00:00Z",
		 "task_summary":{"total":4,"completed":2,"running":1,"failed":0}},
		{"id":"pe8x01j2k3m5","name":"Asset pipeline","status":"completed","planning_rigor":"L3",
		 "requirements":"r1","created_at":"2026-05-02T10:00:00Z","updated_at":"2026-05-02T10:00:00Z",
		 "task_summary":{"total":2,"completed":2,"running":0,"failed":0}}
	]`))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out, err := runCommand(t, ts, "project", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Pixel docs")
	assert.Contains(t, out, "executing")
	assert.Contains(t, out, "2/4")
	assert.Contains(t, out, "Asset pipeline")
	assert.Contains(t, out, "L3")
}

func TestProjectListEmpty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/projects", jsonHandler(200, `[]`))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out, err := runCommand(t, ts, "project", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No projects.")
}

func TestProjectCreateRequiresRequirements(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := runCommand(t, ts, "project", "create", "Empty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requirements are required")
}

func TestProjectCreatePostsAndPrintsID(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/projects", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, decodeBody(r, &got))
		jsonHandler(201, `{"id":"pnew00000001","name":"Docs","status":"draft","planning_rigor":"L1",
			"requirements":"Write the docs","created_at":"2026-05-01T10:00:00Z","updated_at":"2026-05-01T10:00:00Z",
			"task_summary":{"total":0,"completed":0,"running":0,"failed":0}}`)(w, r)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out, err := runCommand(t, ts, "project", "create", "Docs", "-r", "Write the docs", "--rigor", "L1")
	require.NoError(t, err)
	assert.Contains(t, out, "pnew00000001")
	assert.Equal(t, "Docs", got["name"])
	assert.Equal(t, "Write the docs", got["requirements"])
	assert.Equal(t, "L1", got["planning_rigor"])
}

func TestServerErrorDetailSurfaces(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/projects/p1/pause", jsonHandler(400, `{"detail":"Project is not executing"}`))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	_, err := runCommand(t, ts, "project", "pause", "p1")
	require.Error(t, err)
	assert.Equal(t, "Project is not executing", err.Error())
}

func TestTaskListFiltersByStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tasks/project/p1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "failed", r.URL.Query().Get("status"))
		jsonHandler(200, `[
			{"id":"t1","project_id":"p1","plan_id":"pl1","title":"Render tiles","task_type":"code",
			 "complexity":"medium","model_tier":"sonnet","status":"failed","wave":1,"priority":1,
			 "retry_count":2,"max_retries":3,"cost_usd":0.031,"max_tokens":1024,
			 "context":[],"tools":[],"prompt_tokens":10,"completion_tokens":5,
			 "created_at":"2026-05-01T10:00:00Z","updated_at":"2026-05-01T10:00:00Z"}
		]`)(w, r)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out, err := runCommand(t, ts, "task", "list", "p1", "--status", "failed")
	require.NoError(t, err)
	assert.Contains(t, out, "Render tiles")
	assert.Contains(t, out, "2/3")
	assert.Contains(t, out, "$0.0310")
}

func TestCheckpointResolveWithAction(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/checkpoints/cp1/resolve", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, decodeBody(r, &got))
		jsonHandler(200, `{"id":"cp1","project_id":"p1","task_id":"t1","checkpoint_type":"retry_exhausted",
			"summary":"s","question":"q","context":{"attempts":[]},"response":"Action: skip",
			"created_at":"2026-05-01T10:00:00Z","resolved_at":"2026-05-01T11:00:00Z"}`)(w, r)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out, err := runCommand(t, ts, "checkpoint", "resolve", "cp1", "--action", "skip")
	require.NoError(t, err)
	assert.Contains(t, out, "resolved: skip")
	assert.Equal(t, "skip", got["action"])
}

func TestUsageSummaryShowsBudget(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/usage/summary", jsonHandler(200, `{"total_cost_usd":1.25,
		"total_prompt_tokens":1000,"total_completion_tokens":400,"api_call_count":7,
		"by_model":[{"name":"claude-sonnet-4-6","cost_usd":1.25,"api_calls":7}],"by_provider":[]}`))
	mux.HandleFunc("/api/usage/budget", jsonHandler(200, `{"daily":{"spent_usd":1.25,"reserved_usd":0,
		"limit_usd":5,"percent":25},"monthly":{"spent_usd":1.25,"reserved_usd":0,"limit_usd":50,"percent":2.5},
		"warning":false}`))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out, err := runCommand(t, ts, "usage")
	require.NoError(t, err)
	assert.Contains(t, out, "$1.2500")
	assert.Contains(t, out, "claude-sonnet-4-6")
	assert.Contains(t, out, "Daily")
	assert.Contains(t, out, "$5.0000")
}

func TestResourcesTable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/services", jsonHandler(200, `[
		{"name":"ollama_local","status":"online","method":"http","url":"http://localhost:11434",
		 "latency_ms":12,"checked_at":"2026-05-01T10:00:00Z"},
		{"name":"anthropic_api","status":"offline","method":"api_key","latency_ms":0,
		 "checked_at":"2026-05-01T10:00:00Z"}
	]`))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out, err := runCommand(t, ts, "resources")
	require.NoError(t, err)
	assert.Contains(t, out, "ollama_local")
	assert.Contains(t, out, "online")
	assert.Contains(t, out, "12ms")
}

func TestProjectDeleteSkipsPromptWithYes(t *testing.T) {
	var method string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/projects/p1", func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusNoContent)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out, err := runCommand(t, ts, "project", "delete", "p1", "--yes")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, method)
	assert.Contains(t, out, "deleted")
}

func TestJSONModePrintsRawBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/projects", jsonHandler(200, `[{"id":"p1"}]`))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out, err := runCommand(t, ts, "project", "list", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `[{"id":"p1"}]`)
	assert.NotContains(t, out, "ID")
}

func TestVersionCommand(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	out, err := runCommand(t, ts, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "loom")
}
