package pipeline

import (
	"context"

	"github.com/vidshift/api/internal/model"
)

// Engine is the codec capability the pipeline drives. Implementations
// decode in, apply one operation and write out.
type Engine interface {
	Probe(ctx context.Context, path string) (model.MediaInfo, error)
	Apply(ctx context.Context, op Operation, in, out string) error
}

// Operation is one engine pass. Intermediate passes have a nil Encode
// and are written losslessly.
type Operation struct {
	Stage       string
	VideoFilter string
	AudioFilter string
	HasAudio    bool
	Encode      *EncodeSpec
}

// EncodeSpec selects the final container and codecs.
type EncodeSpec struct {
	Format model.OutputFormat
	FPS    float64
	// PixFmt is the libx264 pixel format. Empty means yuv420p.
	PixFmt string
}
