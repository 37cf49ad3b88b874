package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/vidshift/api/internal/apperr"
	"github.com/vidshift/api/internal/middleware"
	"github.com/vidshift/api/internal/model"
	"github.com/vidshift/api/internal/params"
	"github.com/vidshift/api/internal/pipeline"
	"github.com/vidshift/api/internal/scheduler"
	"github.com/vidshift/api/internal/service"
	"github.com/vidshift/api/internal/storage"
	"github.com/vidshift/api/internal/store"
	ws "github.com/vidshift/api/internal/websocket"
	"github.com/vidshift/api/internal/worker"
	"github.com/vidshift/api/pkg/logger"
)

const testJWTSecret = "test-secret-for-handlers"

type runnerFunc func(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)

func (f runnerFunc) Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	return f(ctx, req)
}

// encodeCopy writes the source bytes, prefixed, as the encoded output.
func encodeCopy(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	src, err := os.ReadFile(req.InputPath)
	if err != nil {
		return nil, err
	}
	req.OnProgress(pipeline.Stage{Name: pipeline.StageEncode}, 1, 1)
	out := filepath.Join(req.WorkDir, "output."+string(req.Params.OutputFormat))
	if err := os.WriteFile(out, append([]byte("edited:"), src...), 0o600); err != nil {
		return nil, err
	}
	return &pipeline.Result{OutputPath: out}, nil
}

func failStage(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	return nil, &apperr.StageError{Stage: pipeline.StageColor, Err: errors.New("exit status 1")}
}

type fixedHealth struct{}

func (fixedHealth) Snapshot() model.HealthSnapshot {
	return model.HealthSnapshot{MemoryUsage: 41.5, CPUUsage: 12, ActiveJobs: 1}
}

type testApp struct {
	app   *fiber.App
	store *store.MemoryStore
	auth  *middleware.AuthMiddleware
}

type appOptions struct {
	run        runnerFunc
	submitMode string
	auth       bool
	maxUpload  int64
}

// setupApp builds the same stack main wires, with a fake pipeline runner.
func setupApp(t *testing.T, opts appOptions) *testApp {
	t.Helper()
	if opts.run == nil {
		opts.run = encodeCopy
	}
	log := logger.Nop()
	ctx, cancel := context.WithCancel(context.Background())

	objects, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	hub := ws.NewHub(log)
	go hub.Run(ctx)

	w := worker.NewEditWorker(st, objects, opts.run, hub, t.TempDir(), time.Minute, log)
	pool := scheduler.NewPool(2, 8, w, log)
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Close()
	})

	svc := service.NewEditService(st, objects, pool, params.New(validator.New()), service.Options{
		Interrupter:  w,
		Notifier:     hub,
		SpoolDir:     t.TempDir(),
		PollInterval: 5 * time.Millisecond,
	}, log)

	ta := &testApp{store: st, auth: middleware.NewAuthMiddleware(testJWTSecret)}
	routes := Routes{
		Edit:   NewEditHandler(svc, opts.submitMode, 5*time.Second, opts.maxUpload),
		Health: NewHealthHandler(fixedHealth{}),
		Watch:  NewWatchHandler(svc, hub),
	}
	if opts.auth {
		routes.Auth = ta.auth.Authenticate()
	}

	ta.app = fiber.New(fiber.Config{ErrorHandler: ErrorHandler, StreamRequestBody: true})
	Register(ta.app, routes)
	return ta
}

// editRequest builds a multipart submission. An empty filename omits the
// file part.
func editRequest(t *testing.T, target string, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = writer.WriteField(k, v)
	}
	if filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		h.Set("Content-Type", "video/mp4")
		part, err := writer.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(content)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func do(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func get(t *testing.T, app *fiber.App, path string) *http.Response {
	t.Helper()
	return do(t, app, httptest.NewRequest(http.MethodGet, path, nil))
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return b
}

func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

func assertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, want, readBody(t, resp))
	}
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := parseJSON(t, resp)
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func waitForStatus(t *testing.T, app *fiber.App, id string, want model.JobStatus) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := get(t, app, "/job/"+id)
		assertStatus(t, resp, http.StatusOK)
		body := parseJSON(t, resp)
		if body["status"] == string(want) {
			return body
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck at %v, want %s", id, body["status"], want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmit_AsyncRoundTrip(t *testing.T) {
	ta := setupApp(t, appOptions{})

	req := editRequest(t, "/edit_video/", map[string]string{"action": "grayscale", "output_format": "mov"}, "clip.mp4", []byte("frames"))
	resp := do(t, ta.app, req)
	assertStatus(t, resp, http.StatusAccepted)
	body := parseJSON(t, resp)
	id, _ := body["job_id"].(string)
	if id == "" || body["status"] != "queued" {
		t.Fatalf("submit response = %v", body)
	}

	status := waitForStatus(t, ta.app, id, model.JobStatusCompleted)
	if status["progress"] != float64(100) || status["output_format"] != "mov" {
		t.Errorf("status = %v", status)
	}
	if _, ok := status["error"]; ok {
		t.Errorf("completed job carries an error: %v", status["error"])
	}

	dl := get(t, ta.app, "/job/"+id+"/download")
	assertStatus(t, dl, http.StatusOK)
	if ct := dl.Header.Get("Content-Type"); ct != "video/quicktime" {
		t.Errorf("Content-Type = %s", ct)
	}
	if cd := dl.Header.Get("Content-Disposition"); cd != `attachment; filename="edited_video.mov"` {
		t.Errorf("Content-Disposition = %s", cd)
	}
	if got := string(readBody(t, dl)); got != "edited:frames" {
		t.Errorf("body = %q", got)
	}
}

func TestSubmit_ValidationErrors(t *testing.T) {
	ta := setupApp(t, appOptions{})

	req := editRequest(t, "/edit_video/", map[string]string{"action": "trim", "start_time": "5", "end_time": "2", "gamma": "abc"}, "clip.mp4", []byte("x"))
	resp := do(t, ta.app, req)
	assertStatus(t, resp, http.StatusBadRequest)

	body := parseJSON(t, resp)
	e := body["error"].(map[string]interface{})
	if e["code"] != string(apperr.CodeValidation) {
		t.Errorf("code = %v", e["code"])
	}
	details, _ := e["details"].([]interface{})
	fields := map[string]bool{}
	for _, d := range details {
		fields[d.(map[string]interface{})["field"].(string)] = true
	}
	if !fields["end_time"] || !fields["gamma"] {
		t.Errorf("details = %v", details)
	}

	jobs, _ := ta.store.List(context.Background(), model.JobStatusQueued, 0)
	if len(jobs) != 0 {
		t.Errorf("invalid submission created %d jobs", len(jobs))
	}
}

func TestSubmit_MissingFile(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp := do(t, ta.app, editRequest(t, "/edit_video/", map[string]string{"action": "sepia"}, "", nil))
	assertStatus(t, resp, http.StatusBadRequest)
	if code := errorCode(t, resp); code != string(apperr.CodeValidation) {
		t.Errorf("code = %s", code)
	}
}

func TestSubmit_LargeUploadIsStreamed(t *testing.T) {
	ta := setupApp(t, appOptions{maxUpload: 8 << 20})

	// Larger than fiber's default 4 MB body limit.
	content := bytes.Repeat([]byte("f"), 6<<20)
	resp := do(t, ta.app, editRequest(t, "/edit_video/", map[string]string{"action": "negative"}, "big.mp4", content))
	assertStatus(t, resp, http.StatusAccepted)
	id, _ := parseJSON(t, resp)["job_id"].(string)

	waitForStatus(t, ta.app, id, model.JobStatusCompleted)
	dl := get(t, ta.app, "/job/"+id+"/download")
	assertStatus(t, dl, http.StatusOK)
	if got := readBody(t, dl); len(got) != len("edited:")+len(content) {
		t.Errorf("downloaded %d bytes, want %d", len(got), len("edited:")+len(content))
	}
}

func TestSubmit_RejectsOversizedUpload(t *testing.T) {
	ta := setupApp(t, appOptions{maxUpload: 1 << 20})

	content := bytes.Repeat([]byte("f"), 2<<20)
	resp := do(t, ta.app, editRequest(t, "/edit_video/", map[string]string{"action": "negative"}, "big.mp4", content))
	assertStatus(t, resp, http.StatusRequestEntityTooLarge)

	jobs, _ := ta.store.List(context.Background(), model.JobStatusQueued, 0)
	if len(jobs) != 0 {
		t.Errorf("oversized submission created %d jobs", len(jobs))
	}
}

func TestSubmit_Sync(t *testing.T) {
	ta := setupApp(t, appOptions{})

	req := editRequest(t, "/edit_video/?mode=sync", map[string]string{"action": "reverse"}, "clip.mp4", []byte("abc"))
	resp := do(t, ta.app, req)
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("Content-Type = %s", ct)
	}
	if got := string(readBody(t, resp)); got != "edited:abc" {
		t.Errorf("body = %q", got)
	}
}

func TestSubmit_SyncDefaultCanBeOverridden(t *testing.T) {
	ta := setupApp(t, appOptions{submitMode: "sync"})

	req := editRequest(t, "/edit_video/?mode=async", map[string]string{"action": "negative"}, "clip.mp4", []byte("abc"))
	assertStatus(t, do(t, ta.app, req), http.StatusAccepted)
}

func TestSubmit_SyncStageFailure(t *testing.T) {
	ta := setupApp(t, appOptions{run: failStage, submitMode: "sync"})

	req := editRequest(t, "/edit_video/", map[string]string{"action": "warm"}, "clip.mp4", []byte("abc"))
	resp := do(t, ta.app, req)
	assertStatus(t, resp, http.StatusUnprocessableEntity)
	if code := errorCode(t, resp); code != string(apperr.CodePipelineStage) {
		t.Errorf("code = %s", code)
	}
}

func TestStatus_NotFound(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp := get(t, ta.app, "/job/does-not-exist")
	assertStatus(t, resp, http.StatusNotFound)
	if code := errorCode(t, resp); code != string(apperr.CodeNotFound) {
		t.Errorf("code = %s", code)
	}
}

func TestDownloadAndCancel_QueuedJob(t *testing.T) {
	ta := setupApp(t, appOptions{})
	ps := model.DefaultParameterSet()
	ps.Action = model.ActionCool
	// Created directly, so no worker ever picks it up.
	job, err := ta.store.Create(context.Background(), ps, "sources/never.mp4")
	if err != nil {
		t.Fatal(err)
	}

	resp := get(t, ta.app, "/job/"+job.ID+"/download")
	assertStatus(t, resp, http.StatusNotFound)

	cancel := func() *http.Response {
		return do(t, ta.app, httptest.NewRequest(http.MethodPost, "/job/"+job.ID+"/cancel", nil))
	}
	resp = cancel()
	assertStatus(t, resp, http.StatusOK)
	body := parseJSON(t, resp)
	if body["success"] != true || body["status"] != "cancelled" {
		t.Errorf("cancel response = %v", body)
	}

	resp = cancel()
	assertStatus(t, resp, http.StatusConflict)
	if code := errorCode(t, resp); code != string(apperr.CodeInvalidTransition) {
		t.Errorf("code = %s", code)
	}

	status := waitForStatus(t, ta.app, job.ID, model.JobStatusCancelled)
	if status["error"] != store.CancelledDetail {
		t.Errorf("error = %v", status["error"])
	}
}

func TestHealth(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp := get(t, ta.app, "/health")
	assertStatus(t, resp, http.StatusOK)
	body := parseJSON(t, resp)
	if body["memory_usage"] != 41.5 || body["cpu_usage"] != float64(12) || body["active_jobs"] != float64(1) {
		t.Errorf("health = %v", body)
	}
}

func TestAuthGuardsJobRoutes(t *testing.T) {
	ta := setupApp(t, appOptions{auth: true})

	assertStatus(t, get(t, ta.app, "/job/any"), http.StatusUnauthorized)
	assertStatus(t, get(t, ta.app, "/health"), http.StatusOK)

	token, err := ta.auth.GenerateToken("client", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/job/any", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	assertStatus(t, do(t, ta.app, req), http.StatusNotFound)
}

func TestWatch_RequiresUpgrade(t *testing.T) {
	ta := setupApp(t, appOptions{})

	assertStatus(t, get(t, ta.app, "/ws/jobs/any"), http.StatusUpgradeRequired)
}
