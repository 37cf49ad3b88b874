package model

import (
	"fmt"
	"strconv"
)

// RGB is a text color triple.
type RGB struct {
	R int `json:"r" validate:"gte=0,lte=255"`
	G int `json:"g" validate:"gte=0,lte=255"`
	B int `json:"b" validate:"gte=0,lte=255"`
}

func (c RGB) String() string {
	return fmt.Sprintf("%d,%d,%d", c.R, c.G, c.B)
}

// Hex returns the color as 0xRRGGBB.
func (c RGB) Hex() string {
	return fmt.Sprintf("0x%02X%02X%02X", c.R, c.G, c.B)
}

// ParameterSet is the validated, typed configuration of one edit job.
// It is never mutated after validation; aliases have already been folded
// into Action and the sign of SpeedFactor.
type ParameterSet struct {
	Action Action `json:"action" validate:"required,oneof=trim brighten darken speed overlay_text sepia cool warm grayscale negative gaussian_blur motion_blur radial_blur"`

	StartTime float64 `json:"start_time" validate:"gte=0"`
	EndTime   float64 `json:"end_time" validate:"gte=0"`

	BrightnessFactor float64 `json:"brightness_factor" validate:"gte=0.1,lte=3"`
	Gamma            float64 `json:"gamma" validate:"gte=0.1,lte=2"`
	PreserveColors   bool    `json:"preserve_colors"`

	// SpeedFactor is signed; negative plays the source backwards.
	SpeedFactor        float64       `json:"speed_factor"`
	SpeedInterpolation Interpolation `json:"speed_interpolation" validate:"oneof=linear simple"`

	OverlayText   string       `json:"overlay_text" validate:"max=500"`
	TextPosition  TextPosition `json:"text_position" validate:"oneof=top center bottom"`
	FontScale     float64      `json:"font_scale" validate:"gt=0,lte=10"`
	TextColor     RGB          `json:"text_color"`
	TextThickness int          `json:"text_thickness" validate:"gte=1,lte=20"`

	EffectIntensity float64 `json:"effect_intensity" validate:"gt=0,lte=5"`
	BlurIntensity   float64 `json:"blur_intensity" validate:"gt=0,lte=10"`

	Width  *int `json:"width,omitempty" validate:"omitempty,gte=1,lte=8192"`
	Height *int `json:"height,omitempty" validate:"omitempty,gte=1,lte=8192"`

	CropX      int  `json:"crop_x" validate:"gte=0"`
	CropY      int  `json:"crop_y" validate:"gte=0"`
	CropWidth  *int `json:"crop_width,omitempty" validate:"omitempty,gte=1,lte=8192"`
	CropHeight *int `json:"crop_height,omitempty" validate:"omitempty,gte=1,lte=8192"`

	OutputFormat OutputFormat `json:"output_format" validate:"oneof=mp4 avi mov"`
}

// DefaultParameterSet returns the values used for absent fields.
func DefaultParameterSet() ParameterSet {
	return ParameterSet{
		BrightnessFactor:   1,
		Gamma:              1,
		SpeedFactor:        1,
		SpeedInterpolation: InterpolationLinear,
		TextPosition:       TextPositionBottom,
		FontScale:          1,
		TextColor:          RGB{R: 255, G: 255, B: 255},
		TextThickness:      2,
		EffectIntensity:    1,
		BlurIntensity:      1,
		OutputFormat:       OutputFormatMP4,
	}
}

// HasCrop reports whether a crop rectangle was requested.
func (p ParameterSet) HasCrop() bool {
	return p.CropWidth != nil && p.CropHeight != nil
}

// HasResize reports whether an output size was requested.
func (p ParameterSet) HasResize() bool {
	return p.Width != nil || p.Height != nil
}

// Fields renders the set back into the flat string form accepted at
// submission. Validating the result yields an equal ParameterSet.
func (p ParameterSet) Fields() map[string]string {
	f := map[string]string{
		"action":              string(p.Action),
		"start_time":          formatFloat(p.StartTime),
		"end_time":            formatFloat(p.EndTime),
		"brightness_factor":   formatFloat(p.BrightnessFactor),
		"gamma":               formatFloat(p.Gamma),
		"preserve_colors":     strconv.FormatBool(p.PreserveColors),
		"speed_factor":        formatFloat(p.SpeedFactor),
		"speed_interpolation": string(p.SpeedInterpolation),
		"overlay_text":        p.OverlayText,
		"text_position":       string(p.TextPosition),
		"font_scale":          formatFloat(p.FontScale),
		"text_color":          p.TextColor.String(),
		"text_thickness":      strconv.Itoa(p.TextThickness),
		"effect_intensity":    formatFloat(p.EffectIntensity),
		"blur_intensity":      formatFloat(p.BlurIntensity),
		"crop_x":              strconv.Itoa(p.CropX),
		"crop_y":              strconv.Itoa(p.CropY),
		"output_format":       string(p.OutputFormat),
	}
	putOptional(f, "width", p.Width)
	putOptional(f, "height", p.Height)
	putOptional(f, "crop_width", p.CropWidth)
	putOptional(f, "crop_height", p.CropHeight)
	return f
}

func putOptional(f map[string]string, key string, v *int) {
	if v != nil {
		f[key] = strconv.Itoa(*v)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
