package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vidshift/api/internal/apperr"
	"github.com/vidshift/api/internal/model"
	"github.com/vidshift/api/internal/params"
	"github.com/vidshift/api/internal/storage"
	"github.com/vidshift/api/internal/store"
	"github.com/vidshift/api/pkg/logger"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	ids    []string
	refuse error
}

func (d *recordingDispatcher) Start(ctx context.Context) error { return nil }
func (d *recordingDispatcher) ActiveJobs() int64               { return 0 }
func (d *recordingDispatcher) Close() error                    { return nil }

func (d *recordingDispatcher) Dispatch(ctx context.Context, jobID string) error {
	if d.refuse != nil {
		return d.refuse
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, jobID)
	return nil
}

type stubProber struct {
	info model.MediaInfo
	err  error
}

func (p stubProber) Probe(ctx context.Context, path string) (model.MediaInfo, error) {
	return p.info, p.err
}

type stubInterrupter struct{ ids []string }

func (i *stubInterrupter) Interrupt(jobID string) bool {
	i.ids = append(i.ids, jobID)
	return true
}

type stubNotifier struct{ codes []string }

func (n *stubNotifier) BroadcastError(jobID, code, message string) {
	n.codes = append(n.codes, code)
}

type fixture struct {
	store       *store.MemoryStore
	objects     *storage.LocalStore
	dispatcher  *recordingDispatcher
	interrupter *stubInterrupter
	notifier    *stubNotifier
	svc         *EditService
}

func newFixture(t *testing.T, prober Prober) *fixture {
	t.Helper()
	objects, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		store:       store.NewMemoryStore(),
		objects:     objects,
		dispatcher:  &recordingDispatcher{},
		interrupter: &stubInterrupter{},
		notifier:    &stubNotifier{},
	}
	f.svc = NewEditService(f.store, f.objects, f.dispatcher, params.New(validator.New()), Options{
		Prober:       prober,
		Interrupter:  f.interrupter,
		Notifier:     f.notifier,
		SpoolDir:     t.TempDir(),
		PollInterval: 5 * time.Millisecond,
	}, logger.Nop())
	return f
}

func upload(body string) Upload {
	return Upload{Filename: "clip.MP4", ContentType: "video/mp4", Body: strings.NewReader(body)}
}

func (f *fixture) count(t *testing.T, status model.JobStatus) int {
	t.Helper()
	jobs, err := f.store.List(context.Background(), status, 0)
	if err != nil {
		t.Fatal(err)
	}
	return len(jobs)
}

func TestSubmit_Success(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, map[string]string{"action": "grayscale", "unknown": "x"}, upload("frames"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != model.JobStatusQueued || job.Progress != 0 {
		t.Errorf("job = %+v", job)
	}
	if job.Params.Action != model.ActionGrayscale {
		t.Errorf("Action = %s", job.Params.Action)
	}
	if !strings.HasPrefix(job.SourceRef, "sources/") || !strings.HasSuffix(job.SourceRef, ".mp4") {
		t.Errorf("SourceRef = %q", job.SourceRef)
	}

	rc, _, err := f.objects.Open(ctx, job.SourceRef)
	if err != nil {
		t.Fatalf("source not stored: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "frames" {
		t.Errorf("source = %q", data)
	}
	if len(f.dispatcher.ids) != 1 || f.dispatcher.ids[0] != job.ID {
		t.Errorf("dispatched %v", f.dispatcher.ids)
	}
}

func TestSubmit_InvalidParamsCreateNoJob(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Submit(context.Background(), map[string]string{"action": "explode", "gamma": "9"}, upload("x"))
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(ve.Fields) != 2 {
		t.Errorf("fields = %+v", ve.Fields)
	}
	if f.count(t, model.JobStatusQueued) != 0 || len(f.dispatcher.ids) != 0 {
		t.Error("invalid submission created a job")
	}
}

func TestSubmit_CropOutsideFrame(t *testing.T) {
	f := newFixture(t, stubProber{info: model.MediaInfo{Width: 640, Height: 480, Duration: 10}})
	raw := map[string]string{"action": "negative", "crop_width": "800", "crop_height": "100"}

	_, err := f.svc.Submit(context.Background(), raw, upload("x"))
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if f.count(t, model.JobStatusQueued) != 0 {
		t.Error("out-of-frame crop created a job")
	}
}

func TestSubmit_UnprobeableUploadIsAccepted(t *testing.T) {
	f := newFixture(t, stubProber{err: errors.New("invalid data found")})
	raw := map[string]string{"action": "negative", "crop_width": "800", "crop_height": "100"}

	if _, err := f.svc.Submit(context.Background(), raw, upload("x")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestSubmit_DispatchRefused(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.refuse = apperr.New(apperr.CodeResourceExhausted, "pool.dispatch", "job queue is full")

	_, err := f.svc.Submit(context.Background(), map[string]string{"action": "sepia"}, upload("x"))
	if !errors.Is(err, apperr.ErrResourceExhausted) {
		t.Fatalf("err = %v, want resource exhausted", err)
	}
	failed, _ := f.store.List(context.Background(), model.JobStatusFailed, 0)
	if len(failed) != 1 || failed[0].Error != RejectedDetail {
		t.Errorf("failed jobs = %+v", failed)
	}
	if f.count(t, model.JobStatusQueued) != 0 {
		t.Error("refused job left queued")
	}
}

func TestSubmit_DispatchErrorIsResourceExhausted(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.refuse = errors.New("redis: connection refused")

	_, err := f.svc.Submit(context.Background(), map[string]string{"action": "sepia"}, upload("x"))
	if !errors.Is(err, apperr.ErrResourceExhausted) {
		t.Fatalf("err = %v, want resource exhausted", err)
	}
}

func TestStatus_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.svc.Status(context.Background(), "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

// complete runs the job through the store by hand with a stored result.
func (f *fixture) complete(t *testing.T, job model.Job, result string) {
	t.Helper()
	ctx := context.Background()
	ref, err := f.objects.Put(ctx, storage.ResultKey(job.ID, string(job.Params.OutputFormat)), strings.NewReader(result), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Start(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Complete(ctx, job.ID, ref); err != nil {
		t.Fatal(err)
	}
}

func TestDownload(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, map[string]string{"action": "warm", "output_format": "avi"}, upload("x"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Download(ctx, job.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("download of queued job: err = %v, want not found", err)
	}

	f.complete(t, job, "encoded-bytes")
	dl, err := f.svc.Download(ctx, job.ID)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer dl.Body.Close()

	data, _ := io.ReadAll(dl.Body)
	if string(data) != "encoded-bytes" || dl.Size != int64(len(data)) {
		t.Errorf("body = %q size = %d", data, dl.Size)
	}
	if dl.ContentType != "video/x-msvideo" || dl.Filename != "edited_video.avi" {
		t.Errorf("ContentType = %s Filename = %s", dl.ContentType, dl.Filename)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, map[string]string{"action": "cool"}, upload("x"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != model.JobStatusCancelled || got.Error != store.CancelledDetail {
		t.Errorf("job = %+v", got)
	}
	if len(f.interrupter.ids) != 1 || f.interrupter.ids[0] != job.ID {
		t.Errorf("interrupted %v", f.interrupter.ids)
	}
	if len(f.notifier.codes) != 1 || f.notifier.codes[0] != "JOB_CANCELLED" {
		t.Errorf("notified %v", f.notifier.codes)
	}

	if _, err := f.svc.Cancel(ctx, job.ID); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("second cancel: err = %v, want invalid transition", err)
	}
	if _, err := f.svc.Cancel(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("cancel missing: err = %v", err)
	}
}

func TestWait(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, map[string]string{"action": "brighten"}, upload("x"))
	if err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := f.svc.Wait(short, job.ID); !errors.Is(err, &apperr.Error{Code: apperr.CodeTimeout}) {
		t.Fatalf("err = %v, want timeout", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.store.Start(ctx, job.ID)
		f.store.Fail(ctx, job.ID, "stage color failed")
	}()
	done, err := f.svc.Wait(ctx, job.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if done.Status != model.JobStatusFailed {
		t.Errorf("status = %s", done.Status)
	}
	if !errors.Is(Outcome(done), apperr.ErrPipelineStage) {
		t.Errorf("Outcome = %v", Outcome(done))
	}
}

func TestOutcome(t *testing.T) {
	if err := Outcome(model.Job{Status: model.JobStatusCompleted}); err != nil {
		t.Errorf("completed: %v", err)
	}
	if err := Outcome(model.Job{Status: model.JobStatusCancelled, Error: "cancelled by client"}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("cancelled: %v", err)
	}
}

func TestSweeper(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	old, err := f.svc.Submit(ctx, map[string]string{"action": "grayscale"}, upload("x"))
	if err != nil {
		t.Fatal(err)
	}
	f.complete(t, old, "result")
	fresh, err := f.svc.Submit(ctx, map[string]string{"action": "grayscale"}, upload("y"))
	if err != nil {
		t.Fatal(err)
	}

	sw := NewSweeper(f.store, f.objects, time.Hour, time.Minute, logger.Nop())
	if n, err := sw.Sweep(ctx, time.Now()); err != nil || n != 0 {
		t.Fatalf("early sweep removed %d, err %v", n, err)
	}

	n, err := sw.Sweep(ctx, time.Now().Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("sweep removed %d, err %v", n, err)
	}
	if _, err := f.store.Get(ctx, old.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("old job still present: %v", err)
	}
	for _, ref := range []string{old.SourceRef, storage.ResultKey(old.ID, "mp4")} {
		if _, _, err := f.objects.Open(ctx, ref); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("object %s survived: %v", ref, err)
		}
	}
	if _, err := f.store.Get(ctx, fresh.ID); err != nil {
		t.Errorf("queued job swept: %v", err)
	}
}
