// Package params converts the flat, string-encoded form fields of a
// submission into a typed model.ParameterSet. Every offending field is
// reported, not only the first one.
package params

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vidshift/api/internal/apperr"
	"github.com/vidshift/api/internal/model"
)

const (
	minSpeed = 0.1
	maxSpeed = 10.0
)

// Validator parses and checks raw parameter maps. It is safe for
// concurrent use.
type Validator struct {
	validate *validator.Validate
}

// New registers the parameter rules on v and returns a Validator.
func New(v *validator.Validate) *Validator {
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(crossFieldRules, model.ParameterSet{})
	return &Validator{validate: v}
}

// Validate turns raw into a ParameterSet or a *apperr.ValidationError.
// Unknown keys are ignored; empty values count as absent.
func (v *Validator) Validate(raw map[string]string) (model.ParameterSet, error) {
	p := &parser{raw: raw, ps: model.DefaultParameterSet(), bad: map[string]bool{}}
	p.parse()

	if err := v.validate.Struct(p.ps); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return model.ParameterSet{}, apperr.Wrap(apperr.CodeInternal, "params.validate", err)
		}
		for _, fe := range verrs {
			field := fieldName(fe)
			if p.bad[field] {
				continue
			}
			p.fail(field, kindOf(field, fe.Tag()), messageFor(fe))
		}
	}

	if len(p.errs) > 0 {
		return model.ParameterSet{}, &apperr.ValidationError{Fields: p.errs}
	}
	return p.ps, nil
}

// CheckAgainstMedia applies the rules that need the decoded source:
// the crop rectangle must fit inside the frame and a trim must start
// before the media ends.
func CheckAgainstMedia(ps model.ParameterSet, info model.MediaInfo) error {
	var errs []apperr.FieldError
	if ps.HasCrop() && info.Width > 0 && info.Height > 0 {
		if ps.CropX+*ps.CropWidth > info.Width {
			errs = append(errs, apperr.FieldError{
				Field:   "crop_width",
				Kind:    apperr.KindParameterOutOfRange,
				Message: fmt.Sprintf("exceeds source width %d minus crop_x %d", info.Width, ps.CropX),
			})
		}
		if ps.CropY+*ps.CropHeight > info.Height {
			errs = append(errs, apperr.FieldError{
				Field:   "crop_height",
				Kind:    apperr.KindParameterOutOfRange,
				Message: fmt.Sprintf("exceeds source height %d minus crop_y %d", info.Height, ps.CropY),
			})
		}
	}
	if ps.Action == model.ActionTrim && info.Duration > 0 && ps.StartTime >= info.Duration {
		errs = append(errs, apperr.FieldError{
			Field:   "start_time",
			Kind:    apperr.KindParameterOutOfRange,
			Message: fmt.Sprintf("must be before the end of the media (%.3fs)", info.Duration),
		})
	}
	if len(errs) > 0 {
		return &apperr.ValidationError{Fields: errs}
	}
	return nil
}

type parser struct {
	raw  map[string]string
	ps   model.ParameterSet
	errs []apperr.FieldError
	bad  map[string]bool
}

func (p *parser) fail(field string, kind apperr.Kind, msg string) {
	p.bad[field] = true
	p.errs = append(p.errs, apperr.FieldError{Field: field, Kind: kind, Message: msg})
}

func (p *parser) value(key string) (string, bool) {
	s, ok := p.raw[key]
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

func (p *parser) parse() {
	action, _ := p.value("action")
	action = strings.ToLower(action)

	p.float("start_time", &p.ps.StartTime)
	p.float("end_time", &p.ps.EndTime)
	p.float("brightness_factor", &p.ps.BrightnessFactor)
	p.float("gamma", &p.ps.Gamma)
	p.bool("preserve_colors", &p.ps.PreserveColors)
	p.float("speed_factor", &p.ps.SpeedFactor)
	p.enum("speed_interpolation", (*string)(&p.ps.SpeedInterpolation))
	if s, ok := p.raw["overlay_text"]; ok {
		p.ps.OverlayText = s
	}
	p.enum("text_position", (*string)(&p.ps.TextPosition))
	p.float("font_scale", &p.ps.FontScale)
	p.color("text_color", &p.ps.TextColor)
	p.int("text_thickness", &p.ps.TextThickness)
	p.float("effect_intensity", &p.ps.EffectIntensity)
	p.float("blur_intensity", &p.ps.BlurIntensity)
	p.ps.Width = p.optInt("width")
	p.ps.Height = p.optInt("height")
	p.int("crop_x", &p.ps.CropX)
	p.int("crop_y", &p.ps.CropY)
	p.ps.CropWidth = p.optInt("crop_width")
	p.ps.CropHeight = p.optInt("crop_height")
	p.enum("output_format", (*string)(&p.ps.OutputFormat))

	switch action {
	case model.AliasReverse:
		p.ps.Action = model.ActionSpeed
		p.ps.SpeedFactor = -math.Abs(p.ps.SpeedFactor)
	case model.AliasSpeedup:
		p.ps.Action = model.ActionSpeed
	case model.AliasSlowdown:
		p.ps.Action = model.ActionSpeed
		// The range is checked on the submitted factor, not its inverse.
		f := p.ps.SpeedFactor
		if abs := math.Abs(f); f != 0 && !p.bad["speed_factor"] && (abs < minSpeed || abs > maxSpeed) {
			p.fail("speed_factor", apperr.KindParameterOutOfRange,
				fmt.Sprintf("slowdown factor %g: magnitude must be between %g and %g", f, minSpeed, maxSpeed))
		} else if f != 0 {
			p.ps.SpeedFactor = 1 / f
		}
	default:
		p.ps.Action = model.Action(action)
	}
}

func (p *parser) float(key string, dst *float64) {
	s, ok := p.value(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		p.fail(key, apperr.KindMalformedParameter, fmt.Sprintf("%q is not a number", s))
		return
	}
	*dst = f
}

func (p *parser) int(key string, dst *int) {
	s, ok := p.value(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		p.fail(key, apperr.KindMalformedParameter, fmt.Sprintf("%q is not an integer", s))
		return
	}
	*dst = n
}

func (p *parser) optInt(key string) *int {
	s, ok := p.value(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		p.fail(key, apperr.KindMalformedParameter, fmt.Sprintf("%q is not an integer", s))
		return nil
	}
	return &n
}

func (p *parser) bool(key string, dst *bool) {
	s, ok := p.value(key)
	if !ok {
		return
	}
	switch strings.ToLower(s) {
	case "on", "yes":
		*dst = true
		return
	case "off", "no":
		*dst = false
		return
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		p.fail(key, apperr.KindMalformedParameter, fmt.Sprintf("%q is not a boolean", s))
		return
	}
	*dst = b
}

func (p *parser) enum(key string, dst *string) {
	if s, ok := p.value(key); ok {
		*dst = strings.ToLower(s)
	}
}

func (p *parser) color(key string, dst *model.RGB) {
	s, ok := p.value(key)
	if !ok {
		return
	}
	c, err := parseColor(s)
	if err != nil {
		p.fail(key, apperr.KindMalformedParameter, err.Error())
		return
	}
	*dst = c
}

// parseColor accepts "r,g,b" or "#rrggbb". Channel ranges are left to
// the struct rules so that 300,0,0 reports out of range, not malformed.
func parseColor(s string) (model.RGB, error) {
	if strings.HasPrefix(s, "#") {
		hex := s[1:]
		if len(hex) != 6 {
			return model.RGB{}, fmt.Errorf("%q is not a #rrggbb color", s)
		}
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return model.RGB{}, fmt.Errorf("%q is not a #rrggbb color", s)
		}
		return model.RGB{R: int(v >> 16 & 0xff), G: int(v >> 8 & 0xff), B: int(v & 0xff)}, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return model.RGB{}, fmt.Errorf("%q is not an r,g,b triple", s)
	}
	var ch [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return model.RGB{}, fmt.Errorf("%q is not an r,g,b triple", s)
		}
		ch[i] = n
	}
	return model.RGB{R: ch[0], G: ch[1], B: ch[2]}, nil
}

func crossFieldRules(sl validator.StructLevel) {
	ps := sl.Current().Interface().(model.ParameterSet)

	if ps.Action == model.ActionTrim && ps.StartTime >= ps.EndTime {
		sl.ReportError(ps.EndTime, "end_time", "EndTime", "gtstart", "")
	}
	if ps.Action == model.ActionOverlayText && strings.TrimSpace(ps.OverlayText) == "" {
		sl.ReportError(ps.OverlayText, "overlay_text", "OverlayText", "required_for_action", "")
	}
	if ps.SpeedFactor == 0 {
		sl.ReportError(ps.SpeedFactor, "speed_factor", "SpeedFactor", "nonzero", "")
	} else if abs := math.Abs(ps.SpeedFactor); abs < minSpeed || abs > maxSpeed {
		sl.ReportError(ps.SpeedFactor, "speed_factor", "SpeedFactor", "speed_range", "")
	}
	if ps.CropWidth != nil && ps.CropHeight == nil {
		sl.ReportError(ps.CropHeight, "crop_height", "CropHeight", "required_with", "crop_width")
	}
	if ps.CropHeight != nil && ps.CropWidth == nil {
		sl.ReportError(ps.CropWidth, "crop_width", "CropWidth", "required_with", "crop_height")
	}
}

// fieldName maps a validator error to the submitted form field. Nested
// color channels report against text_color.
func fieldName(fe validator.FieldError) string {
	if strings.Contains(fe.Namespace(), "text_color") {
		return "text_color"
	}
	return fe.Field()
}

func kindOf(field, tag string) apperr.Kind {
	switch {
	case field == "action" && tag == "oneof":
		return apperr.KindUnsupportedAction
	case tag == "required", tag == "required_for_action", tag == "required_with":
		return apperr.KindMissingParameter
	default:
		return apperr.KindParameterOutOfRange
	}
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_for_action":
		return "is required for this action"
	case "required_with":
		return fmt.Sprintf("is required when %s is set", fe.Param())
	case "oneof":
		if fe.Field() == "action" {
			return fmt.Sprintf("unsupported action %q", fe.Value())
		}
		return fmt.Sprintf("must be one of: %s", strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gte":
		return "must be at least " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gtstart":
		return "must be greater than start_time"
	case "nonzero":
		return "must not be zero"
	case "speed_range":
		return fmt.Sprintf("magnitude must be between %g and %g", minSpeed, maxSpeed)
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
