// Package pipeline turns a validated parameter set into an ordered list of
// engine passes over a source file and runs them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/vidshift/api/internal/apperr"
	"github.com/vidshift/api/internal/model"
	"github.com/vidshift/api/internal/params"
	"github.com/vidshift/api/pkg/logger"
)

// StageProbe tags failures reading the source before any stage runs.
const StageProbe = "probe"

// ProgressFunc is called after each stage completes.
type ProgressFunc func(stage Stage, done, total int)

// Request describes one pipeline run. Intermediate files are written to
// WorkDir, which the caller owns and removes.
type Request struct {
	Params     model.ParameterSet
	InputPath  string
	WorkDir    string
	OnProgress ProgressFunc
}

// Result is a successful run.
type Result struct {
	OutputPath string
	Stages     []Stage
	Source     model.MediaInfo
	Output     model.MediaInfo
}

// Pipeline executes plans on an Engine.
type Pipeline struct {
	engine   Engine
	fontFile string
	log      *logger.Logger
}

// New creates a Pipeline. fontFile is optional and passed to the overlay
// stage.
func New(engine Engine, fontFile string, log *logger.Logger) *Pipeline {
	return &Pipeline{engine: engine, fontFile: fontFile, log: log.WithComponent("pipeline")}
}

// Probe exposes the engine's probe so callers can check crop bounds
// before accepting a job.
func (p *Pipeline) Probe(ctx context.Context, path string) (model.MediaInfo, error) {
	return p.engine.Probe(ctx, path)
}

// Run executes every planned stage in order. Any stage failure aborts the
// run with a *apperr.StageError; nothing but WorkDir is written.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	log := p.log.FromContext(ctx)
	ps := req.Params

	src, err := p.engine.Probe(ctx, req.InputPath)
	if err != nil {
		return nil, &apperr.StageError{Stage: StageProbe, Err: err}
	}
	if err := params.CheckAgainstMedia(ps, src); err != nil {
		return nil, &apperr.StageError{Stage: stageForField(err), Err: err}
	}

	stages := Plan(ps)

	var textFile string
	if ps.OverlayText != "" {
		textFile = filepath.Join(req.WorkDir, "overlay.txt")
		if err := os.WriteFile(textFile, []byte(ps.OverlayText), 0o600); err != nil {
			return nil, &apperr.StageError{Stage: StageOverlay, Err: err}
		}
	}

	current := req.InputPath
	info := src
	for i, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, &apperr.StageError{Stage: stage.Name, Err: err}
		}

		op, err := operationFor(stage, ps, info, textFile, p.fontFile)
		if err != nil {
			return nil, &apperr.StageError{Stage: stage.Name, Err: err}
		}

		out := filepath.Join(req.WorkDir, fmt.Sprintf("%02d_%s.mkv", i, stage.Name))
		if stage.Kind == KindEncode {
			out = filepath.Join(req.WorkDir, "output."+string(ps.OutputFormat))
		}

		started := time.Now()
		if err := p.engine.Apply(ctx, op, current, out); err != nil {
			return nil, &apperr.StageError{Stage: stage.Name, Err: err}
		}
		if fi, err := os.Stat(out); err != nil || fi.Size() == 0 {
			return nil, &apperr.StageError{Stage: stage.Name, Err: errors.New("engine produced no output")}
		}
		log.Debug("stage finished", "stage", stage.Name, "duration", time.Since(started).String())

		if current != req.InputPath {
			_ = os.Remove(current)
		}
		current = out
		info = shapeAfter(stage, ps, info)

		if req.OnProgress != nil {
			req.OnProgress(stage, i+1, len(stages))
		}
	}

	return &Result{OutputPath: current, Stages: stages, Source: src, Output: info}, nil
}

// shapeAfter predicts the media shape after a stage so later stages can
// size text and clamp times without probing again.
func shapeAfter(stage Stage, ps model.ParameterSet, in model.MediaInfo) model.MediaInfo {
	out := in
	switch stage.Name {
	case StageCrop:
		out.Width, out.Height = *ps.CropWidth, *ps.CropHeight
	case StageResize:
		out.Width, out.Height = resized(ps.Width, ps.Height, in.Width, in.Height)
	case StageTrim:
		end := ps.EndTime
		if in.Duration > 0 && end > in.Duration {
			end = in.Duration
		}
		out.Duration = math.Max(0, end-ps.StartTime)
	case StageSpeed:
		out.Duration = in.Duration / math.Abs(ps.SpeedFactor)
	}
	return out
}

// resized mirrors scale=W:-2 semantics: the unset side keeps the aspect
// ratio and is rounded to an even number.
func resized(w, h *int, srcW, srcH int) (int, int) {
	switch {
	case w != nil && h != nil:
		return *w, *h
	case w != nil && srcW > 0:
		return *w, even(float64(*w) * float64(srcH) / float64(srcW))
	case h != nil && srcH > 0:
		return even(float64(*h) * float64(srcW) / float64(srcH)), *h
	}
	return srcW, srcH
}

func even(v float64) int {
	n := int(math.Round(v/2)) * 2
	if n < 2 {
		return 2
	}
	return n
}

func stageForField(err error) string {
	var ve *apperr.ValidationError
	if errors.As(err, &ve) && len(ve.Fields) > 0 && ve.Fields[0].Field == "start_time" {
		return StageTrim
	}
	return StageCrop
}
