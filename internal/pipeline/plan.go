package pipeline

import "github.com/vidshift/api/internal/model"

// Kind groups stages by what they touch.
type Kind string

const (
	KindGeometry Kind = "geometry"
	KindTemporal Kind = "temporal"
	KindColor    Kind = "color"
	KindFilter   Kind = "filter"
	KindOverlay  Kind = "overlay"
	KindEncode   Kind = "encode"
)

// Stage names, also used in job error details and progress messages.
const (
	StageCrop    = "crop"
	StageResize  = "resize"
	StageTrim    = "trim"
	StageSpeed   = "speed"
	StageColor   = "color"
	StageGamma   = "gamma"
	StageBlur    = "blur"
	StageOverlay = "overlay"
	StageEncode  = "encode"
)

// Stage is one step of a plan.
type Stage struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

type candidate struct {
	stage   Stage
	applies func(model.ParameterSet) bool
}

// canonical is the execution order. Color sees cropped frames, and the
// overlay comes after every other pixel stage so text is never blurred
// or recolored.
var canonical = []candidate{
	{Stage{StageCrop, KindGeometry}, func(p model.ParameterSet) bool { return p.HasCrop() }},
	{Stage{StageResize, KindGeometry}, func(p model.ParameterSet) bool { return p.HasResize() }},
	{Stage{StageTrim, KindTemporal}, func(p model.ParameterSet) bool { return p.Action == model.ActionTrim }},
	{Stage{StageSpeed, KindTemporal}, func(p model.ParameterSet) bool { return p.Action == model.ActionSpeed }},
	{Stage{StageColor, KindColor}, func(p model.ParameterSet) bool { return p.Action.IsColor() }},
	{Stage{StageGamma, KindColor}, func(p model.ParameterSet) bool { return p.Gamma != 1 }},
	{Stage{StageBlur, KindFilter}, func(p model.ParameterSet) bool { return p.Action.IsBlur() }},
	{Stage{StageOverlay, KindOverlay}, func(p model.ParameterSet) bool { return p.OverlayText != "" }},
	{Stage{StageEncode, KindEncode}, func(model.ParameterSet) bool { return true }},
}

// Plan returns the stages ps needs, in canonical order. The result
// depends only on ps.
func Plan(ps model.ParameterSet) []Stage {
	stages := make([]Stage, 0, len(canonical))
	for _, c := range canonical {
		if c.applies(ps) {
			stages = append(stages, c.stage)
		}
	}
	return stages
}
