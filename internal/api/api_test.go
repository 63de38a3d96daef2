package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rainfall-scorer/internal/features"
	"rainfall-scorer/internal/metrics"
	"rainfall-scorer/internal/ml"
	"rainfall-scorer/internal/pipeline"
	"rainfall-scorer/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stationsCSV = `height,minMeanTemp,maxMeanTemp,meanRelHum,state,rainfall
1,2,3,4,Johor,10
2,2,3,4,Kedah,12
3,2,3,4,Sabah,0
`

type testEnv struct {
	server  *httptest.Server
	service *ml.FakeService
	adapter *ml.Adapter
	session *pipeline.Session
	store   *storage.Store
	model   ml.ModelDescriptor
	output  string
}

func modelFiles(t *testing.T) ml.ModelDescriptor {
	t.Helper()
	dir := t.TempDir()
	d := ml.ModelDescriptor{
		ModelPath: filepath.Join(dir, "model.onnx"),
		MeanPath:  filepath.Join(dir, "mean.csv"),
		ScalePath: filepath.Join(dir, "scale.csv"),
	}
	zeros := strings.TrimSuffix(strings.Repeat("0,", features.Width), ",")
	ones := strings.TrimSuffix(strings.Repeat("1,", features.Width), ",")
	require.NoError(t, os.WriteFile(d.ModelPath, []byte("onnx"), 0o644))
	require.NoError(t, os.WriteFile(d.MeanPath, []byte(zeros), 0o644))
	require.NoError(t, os.WriteFile(d.ScalePath, []byte(ones), 0o644))
	return d
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	registry := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(registry, "test")

	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	service := ml.NewFakeService()
	adapter := ml.NewAdapter(service, m, "mm")
	session := pipeline.NewSession(adapter, pipeline.Options{Metrics: m, Archive: store})

	env := &testEnv{
		service: service,
		adapter: adapter,
		session: session,
		store:   store,
		model:   modelFiles(t),
		output:  t.TempDir(),
	}
	h := NewHandler(session, adapter, HandlerOptions{DefaultModel: env.model, OutputDir: env.output, Runs: store})
	srv := NewServer(h, ServerOptions{})
	env.server = httptest.NewServer(srv.Router(ServerOptions{
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}))
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, contentType string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func (e *testEnv) loadModel(t *testing.T) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/model", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func (e *testEnv) upload(t *testing.T, csv string) (*http.Response, map[string]any) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/dataset?name=stations.csv", []byte(csv), "text/csv")
	return resp, decode(t, body)
}

func (e *testEnv) runPass(t *testing.T) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/predict", nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	require.Eventually(t, func() bool {
		_, ok := e.session.LastRun()
		return ok && !e.session.Running()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealthAndModelStatus(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode(t, body)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "unloaded", health["model"])

	env.loadModel(t)

	_, body = env.do(t, http.MethodGet, "/api/model", nil, "")
	status := decode(t, body)
	assert.Equal(t, "ready", status["state"])
	assert.Equal(t, true, status["ready"])
	assert.Equal(t, "mm", status["unit"])
}

func TestLoadModel_Failure(t *testing.T) {
	env := newTestEnv(t)

	req, _ := json.Marshal(ml.ModelDescriptor{MeanPath: filepath.Join(t.TempDir(), "missing.csv")})
	resp, body := env.do(t, http.MethodPost, "/api/model", req, "application/json")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, decode(t, body)["error"], "Failed to load model")
	assert.False(t, env.adapter.IsReady())

	resp, _ = env.do(t, http.MethodPost, "/api/model", []byte("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadDataset(t *testing.T) {
	env := newTestEnv(t)

	resp, out := env.upload(t, stationsCSV+"1,2\n")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, out["rows"])
	assert.EqualValues(t, 1, out["skipped"])

	resp, out = env.upload(t, "height,state\n1,Johor\n")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, out["error"], "Schema error")
	assert.NotEmpty(t, out["diagnostics"])
	assert.Len(t, env.session.Rows(), 3, "a failed upload keeps the previous dataset")

	_, body := env.do(t, http.MethodGet, "/api/dataset?offset=1&limit=1", nil, "")
	view := decode(t, body)
	assert.EqualValues(t, 3, view["total"])
	assert.Equal(t, "stations.csv", view["source"])
	rows := view["rows"].([]any)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	assert.EqualValues(t, 1, row["index"])
	assert.Equal(t, "Kedah", row["state"])
	assert.Equal(t, "Pending", row["prediction"])
}

func TestUploadDataset_Multipart(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "form.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(stationsCSV))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, body := env.do(t, http.MethodPost, "/api/dataset", buf.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "form.csv", env.session.Source())

	resp, _ = env.do(t, http.MethodDelete, "/api/dataset", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Nil(t, env.session.Rows())

	resp, body = env.do(t, http.MethodGet, "/api/dataset", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode(t, body)["error"], "No data loaded")
}

func TestPredict_Preconditions(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/predict", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode(t, body)["error"], "No data loaded")

	env.upload(t, stationsCSV)
	resp, body = env.do(t, http.MethodPost, "/api/predict", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode(t, body)["error"], "Model not loaded")
}

func TestPredict_FullPass(t *testing.T) {
	env := newTestEnv(t)
	env.loadModel(t)
	env.upload(t, stationsCSV)

	env.runPass(t)

	_, body := env.do(t, http.MethodGet, "/api/predict", nil, "")
	status := decode(t, body)
	assert.Equal(t, false, status["running"])
	lastRun := status["last_run"].(map[string]any)
	assert.EqualValues(t, 3, lastRun["scored"])

	_, body = env.do(t, http.MethodGet, "/api/dataset", nil, "")
	rows := decode(t, body)["rows"].([]any)
	assert.Equal(t, "11.00", rows[0].(map[string]any)["prediction"])

	resp, body := env.do(t, http.MethodGet, "/api/evaluate", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	eval := decode(t, body)
	assert.EqualValues(t, 3, eval["metrics"].(map[string]any)["count"])
	assert.Contains(t, eval["summary"], "RMSE")

	resp, body = env.do(t, http.MethodGet, "/api/runs", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := decode(t, body)["runs"].([]any)
	require.Len(t, runs, 1)
	runID := runs[0].(map[string]any)["id"].(string)

	resp, body = env.do(t, http.MethodGet, "/api/runs/"+runID+"/scores", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode(t, body)["scores"], 3)

	resp, _ = env.do(t, http.MethodDelete, "/api/runs/"+runID, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/runs/"+runID, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, string(body))
}

func TestPredict_RefusedWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	env.loadModel(t)
	env.upload(t, stationsCSV)

	release := make(chan struct{})
	env.service.InferFunc = func(in ml.Tensor) (ml.Tensor, error) {
		<-release
		return ml.Tensor{Name: "variable", Shape: []int64{1, 1}, Data: []float32{1}}, nil
	}

	resp, _ := env.do(t, http.MethodPost, "/api/predict", nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/predict", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "A prediction pass is already running.", decode(t, body)["error"])

	resp, _ = env.do(t, http.MethodDelete, "/api/dataset", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/model", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = env.upload(t, stationsCSV)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(release)
	require.Eventually(t, func() bool { return !env.session.Running() }, 5*time.Second, 10*time.Millisecond)
}

func TestPredictRow(t *testing.T) {
	env := newTestEnv(t)
	req := []byte(`{"height":1,"minMeanTemp":2,"maxMeanTemp":3,"meanRelHum":4,"state":"Johor"}`)

	resp, _ := env.do(t, http.MethodPost, "/api/predict/row", req, "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.loadModel(t)
	resp, body := env.do(t, http.MethodPost, "/api/predict/row", req, "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "11.00 mm", decode(t, body)["prediction"])
}

func TestEvaluate_NothingToScore(t *testing.T) {
	env := newTestEnv(t)
	env.upload(t, stationsCSV)

	resp, body := env.do(t, http.MethodGet, "/api/evaluate", nil, "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, decode(t, body)["error"], "Nothing to evaluate")
}

func TestExport(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/api/export", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.loadModel(t)
	env.upload(t, stationsCSV)
	env.runPass(t)

	resp, body := env.do(t, http.MethodGet, "/api/export", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasSuffix(lines[0], "Actual,Prediction"))
	assert.True(t, strings.HasSuffix(lines[1], ",10.0000,11.00"), lines[1])

	for i := 1; i <= 2; i++ {
		resp, body = env.do(t, http.MethodPost, "/api/export", nil, "")
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
		path := decode(t, body)["path"].(string)
		assert.Equal(t, filepath.Join(env.output, fmt.Sprintf("predictions_%d.csv", i)), path)
		assert.FileExists(t, path)
	}

	// the export round-trips through the comparison endpoint
	exported, err := os.ReadFile(filepath.Join(env.output, "predictions_1.csv"))
	require.NoError(t, err)
	resp, body = env.do(t, http.MethodPost, "/api/compare", exported, "text/csv")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.EqualValues(t, 3, decode(t, body)["metrics"].(map[string]any)["count"])

	resp, body = env.do(t, http.MethodPost, "/api/compare", []byte("a,b\n1,2\n"), "text/csv")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, decode(t, body)["error"], "Schema error")
}

func TestSaveExport_KeepsEarlierRun(t *testing.T) {
	env := newTestEnv(t)
	earlier := filepath.Join(env.output, "predictions_1.csv")
	require.NoError(t, os.WriteFile(earlier, []byte("EARLIER RUN\n"), 0o644))
	env.upload(t, stationsCSV)

	resp, body := env.do(t, http.MethodPost, "/api/export", nil, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, filepath.Join(env.output, "predictions_2.csv"), decode(t, body)["path"])

	data, err := os.ReadFile(earlier)
	require.NoError(t, err)
	assert.Equal(t, "EARLIER RUN\n", string(data))
}

func TestProgressStream(t *testing.T) {
	env := newTestEnv(t)
	env.loadModel(t)
	env.upload(t, stationsCSV)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/predict/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp, _ := env.do(t, http.MethodPost, "/api/predict", nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got []pipeline.Progress
	for {
		var p pipeline.Progress
		require.NoError(t, conn.ReadJSON(&p))
		got = append(got, p)
		if p.Done {
			break
		}
	}
	require.Len(t, got, 3)
	assert.Equal(t, "11.00", got[0].Prediction)
	assert.Equal(t, 2, got[2].Index)
	assert.Equal(t, 3, got[2].Total)
}

func TestRunsDisabled(t *testing.T) {
	session := pipeline.NewSession(ml.NewAdapter(ml.NewFakeService(), nil, ""), pipeline.Options{})
	h := NewHandler(session, ml.NewAdapter(ml.NewFakeService(), nil, ""), HandlerOptions{})
	srv := httptest.NewServer(NewServer(h, ServerOptions{}).Router(ServerOptions{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/runs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.upload(t, stationsCSV)

	resp, body := env.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "test_rows_loaded_total 3")
}

func TestServerStartStop(t *testing.T) {
	session := pipeline.NewSession(ml.NewAdapter(ml.NewFakeService(), nil, ""), pipeline.Options{})
	srv := NewServer(NewHandler(session, ml.NewAdapter(ml.NewFakeService(), nil, ""), HandlerOptions{}), ServerOptions{Port: 0})

	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start())
	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{pipeline.ErrPassInProgress, http.StatusConflict},
		{pipeline.ErrNoData, http.StatusBadRequest},
		{ml.ErrNotReady, http.StatusBadRequest},
		{&ml.LoadError{Kind: ml.KindServiceUnavailable, Err: ml.ErrServiceUnavailable}, http.StatusServiceUnavailable},
		{&ml.LoadError{Kind: ml.KindShapeMismatch, Err: ml.ErrBadModel}, http.StatusUnprocessableEntity},
		{storage.ErrRunNotFound, http.StatusNotFound},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
