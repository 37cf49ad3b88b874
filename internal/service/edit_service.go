package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vidshift/api/internal/apperr"
	"github.com/vidshift/api/internal/model"
	"github.com/vidshift/api/internal/params"
	"github.com/vidshift/api/internal/scheduler"
	"github.com/vidshift/api/internal/storage"
	"github.com/vidshift/api/internal/store"
	"github.com/vidshift/api/pkg/logger"
)

// Detail recorded on a job the scheduler refused to take.
const RejectedDetail = "rejected: job queue is full"

const defaultPollInterval = 200 * time.Millisecond

// Prober reads the shape of an uploaded file.
type Prober interface {
	Probe(ctx context.Context, path string) (model.MediaInfo, error)
}

// Interrupter stops a job that is executing in this process.
type Interrupter interface {
	Interrupt(jobID string) bool
}

// Notifier pushes job events to subscribers.
type Notifier interface {
	BroadcastError(jobID string, code, message string)
}

// Upload is the media file of a submission.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// Download is a completed job's result, ready to stream.
type Download struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	Filename    string
}

// EditService orchestrates submissions over the store, object storage and
// the dispatcher.
type EditService struct {
	store       store.Store
	objects     storage.ObjectStore
	dispatcher  scheduler.Dispatcher
	validator   *params.Validator
	prober      Prober
	interrupter Interrupter
	notifier    Notifier
	spoolDir    string
	poll        time.Duration
	log         *logger.Logger
}

// Options carries the optional collaborators of EditService.
type Options struct {
	// Prober enables the crop bounds check at submission.
	Prober      Prober
	Interrupter Interrupter
	Notifier    Notifier
	// SpoolDir holds uploads while they are probed. Defaults to os.TempDir.
	SpoolDir     string
	PollInterval time.Duration
}

func NewEditService(st store.Store, objects storage.ObjectStore, d scheduler.Dispatcher, v *params.Validator, opts Options, log *logger.Logger) *EditService {
	s := &EditService{
		store:       st,
		objects:     objects,
		dispatcher:  d,
		validator:   v,
		prober:      opts.Prober,
		interrupter: opts.Interrupter,
		notifier:    opts.Notifier,
		spoolDir:    opts.SpoolDir,
		poll:        opts.PollInterval,
		log:         log.WithComponent("edit_service"),
	}
	if s.poll <= 0 {
		s.poll = defaultPollInterval
	}
	return s
}

// Submit validates raw, stores the upload, creates a queued job and hands
// it to the dispatcher. Invalid parameters never create a job.
func (s *EditService) Submit(ctx context.Context, raw map[string]string, up Upload) (model.Job, error) {
	ps, err := s.validator.Validate(raw)
	if err != nil {
		return model.Job{}, err
	}

	ext := strings.ToLower(filepath.Ext(up.Filename))
	spool, err := os.CreateTemp(s.spoolDir, "upload-*"+ext)
	if err != nil {
		return model.Job{}, fmt.Errorf("failed to spool upload: %w", err)
	}
	defer os.Remove(spool.Name())

	if _, err := io.Copy(spool, up.Body); err != nil {
		spool.Close()
		return model.Job{}, fmt.Errorf("failed to spool upload: %w", err)
	}
	if err := spool.Close(); err != nil {
		return model.Job{}, fmt.Errorf("failed to spool upload: %w", err)
	}

	if s.prober != nil && ps.HasCrop() {
		info, err := s.prober.Probe(ctx, spool.Name())
		if err != nil {
			// The crop stage checks again once the job runs.
			s.log.WithError(err).Debug("upload could not be probed")
		} else if err := params.CheckAgainstMedia(ps, info); err != nil {
			return model.Job{}, err
		}
	}

	contentType := up.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ref, err := storage.PutFile(ctx, s.objects, storage.SourceKey(uuid.NewString(), ext), spool.Name(), contentType)
	if err != nil {
		return model.Job{}, err
	}

	job, err := s.store.Create(ctx, ps, ref)
	if err != nil {
		s.deleteObject(ref)
		return model.Job{}, err
	}
	log := s.log.WithJobID(job.ID)

	if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
		log.WithError(err).Warn("dispatch refused")
		if ferr := s.store.Fail(context.WithoutCancel(ctx), job.ID, RejectedDetail); ferr != nil {
			log.WithError(ferr).Error("failed to settle rejected job")
		}
		if errors.Is(err, apperr.ErrResourceExhausted) {
			return model.Job{}, err
		}
		return model.Job{}, apperr.Wrap(apperr.CodeResourceExhausted, "edit.submit", err)
	}

	log.Info("job submitted", "action", ps.Action, "format", ps.OutputFormat)
	return job, nil
}

// Wait polls until the job is terminal or ctx is done.
func (s *EditService) Wait(ctx context.Context, id string) (model.Job, error) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return model.Job{}, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, apperr.New(apperr.CodeTimeout, "edit.wait",
				fmt.Sprintf("job %s is still %s; poll /job/%s", id, job.Status, id))
		case <-ticker.C:
		}
	}
}

// Outcome turns a terminal job into an error unless it completed.
func Outcome(job model.Job) error {
	switch job.Status {
	case model.JobStatusCompleted:
		return nil
	case model.JobStatusCancelled:
		return apperr.New(apperr.CodeConflict, "edit.sync", job.Error)
	default:
		return apperr.New(apperr.CodePipelineStage, "edit.sync", job.Error)
	}
}

func (s *EditService) Status(ctx context.Context, id string) (model.Job, error) {
	return s.store.Get(ctx, id)
}

// Download opens the result of a completed job.
func (s *EditService) Download(ctx context.Context, id string) (*Download, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted {
		return nil, apperr.New(apperr.CodeNotFound, "edit.download",
			fmt.Sprintf("job %s has no result (status %s)", id, job.Status))
	}

	body, size, err := s.objects.Open(ctx, job.ResultRef)
	if err != nil {
		return nil, err
	}
	format := job.Params.OutputFormat
	return &Download{
		Body:        body,
		Size:        size,
		ContentType: format.ContentType(),
		Filename:    "edited_video." + string(format),
	}, nil
}

// Cancel moves a queued or processing job to cancelled and stops it if it
// runs here. Terminal jobs yield an InvalidTransition error.
func (s *EditService) Cancel(ctx context.Context, id string) (model.Job, error) {
	job, err := s.store.Cancel(ctx, id)
	if err != nil {
		return model.Job{}, err
	}

	interrupted := false
	if s.interrupter != nil {
		interrupted = s.interrupter.Interrupt(id)
	}
	if s.notifier != nil {
		s.notifier.BroadcastError(id, "JOB_CANCELLED", job.Error)
	}
	s.log.WithJobID(id).Info("job cancelled", "interrupted", interrupted)
	return job, nil
}

func (s *EditService) deleteObject(ref string) {
	if err := s.objects.Delete(context.Background(), ref); err != nil {
		s.log.WithError(err).Warn("failed to delete object", "ref", ref)
	}
}
