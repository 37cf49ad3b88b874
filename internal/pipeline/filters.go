package pipeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vidshift/api/internal/model"
)

const defaultFPS = 30

const (
	pixFmtSubsampled = "yuv420p"
	pixFmtFull       = "yuv444p"
)

// Sepia matrix, row-major RGB.
var sepia = [3][3]float64{
	{0.393, 0.769, 0.189},
	{0.349, 0.686, 0.168},
	{0.272, 0.534, 0.131},
}

// operationFor translates a stage into filter expressions. info is the
// shape of the stage's input, textFile holds the overlay text.
func operationFor(stage Stage, ps model.ParameterSet, info model.MediaInfo, textFile, fontFile string) (Operation, error) {
	op := Operation{Stage: stage.Name, HasAudio: info.HasAudio}

	switch stage.Name {
	case StageCrop:
		op.VideoFilter = fmt.Sprintf("crop=%d:%d:%d:%d", *ps.CropWidth, *ps.CropHeight, ps.CropX, ps.CropY)

	case StageResize:
		op.VideoFilter = fmt.Sprintf("scale=%s:%s", dim(ps.Width), dim(ps.Height))

	case StageTrim:
		end := ps.EndTime
		if info.Duration > 0 && end > info.Duration {
			end = info.Duration
		}
		op.VideoFilter = fmt.Sprintf("trim=start=%s:end=%s,setpts=PTS-STARTPTS", num(ps.StartTime), num(end))
		op.AudioFilter = fmt.Sprintf("atrim=start=%s:end=%s,asetpts=PTS-STARTPTS", num(ps.StartTime), num(end))

	case StageSpeed:
		op.VideoFilter, op.AudioFilter = speedFilters(ps, info)

	case StageColor:
		vf, err := colorFilter(ps)
		if err != nil {
			return Operation{}, err
		}
		op.VideoFilter = vf

	case StageGamma:
		op.VideoFilter = "eq=gamma=" + num(ps.Gamma)

	case StageBlur:
		vf, err := blurFilter(ps)
		if err != nil {
			return Operation{}, err
		}
		op.VideoFilter = vf

	case StageOverlay:
		op.VideoFilter = overlayFilter(ps, info, textFile, fontFile)

	case StageEncode:
		fps := info.FPS
		if fps <= 0 {
			fps = defaultFPS
		}
		op.Encode = &EncodeSpec{Format: ps.OutputFormat, FPS: fps}
		if ps.OutputFormat != model.OutputFormatAVI {
			op.Encode.PixFmt = pixFmtFor(info.Width, info.Height)
		}

	default:
		return Operation{}, fmt.Errorf("unknown stage %q", stage.Name)
	}
	return op, nil
}

func dim(v *int) string {
	if v == nil {
		return "-2"
	}
	return strconv.Itoa(*v)
}

// speedFilters scales timestamps by 1/|f| and matches the audio tempo.
// A negative factor reverses both streams first.
func speedFilters(ps model.ParameterSet, info model.MediaInfo) (string, string) {
	f := ps.SpeedFactor
	abs := math.Abs(f)

	var video, audio []string
	if f < 0 {
		video = append(video, "reverse")
		audio = append(audio, "areverse")
	}
	if abs != 1 {
		fps := info.FPS
		if fps <= 0 {
			fps = defaultFPS
		}
		video = append(video, fmt.Sprintf("setpts=%s*PTS", num(1/abs)))
		if ps.SpeedInterpolation == model.InterpolationLinear && abs < 1 {
			video = append(video, fmt.Sprintf("minterpolate=fps=%s:mi_mode=blend", num(fps)))
		} else {
			video = append(video, "fps="+num(fps))
		}
		for _, t := range atempoChain(abs) {
			audio = append(audio, "atempo="+num(t))
		}
	}
	if len(video) == 0 {
		video = append(video, "null")
	}
	if len(audio) == 0 {
		audio = append(audio, "anull")
	}
	return strings.Join(video, ","), strings.Join(audio, ",")
}

// atempoChain splits a tempo into factors inside atempo's [0.5, 2] range.
func atempoChain(tempo float64) []float64 {
	var chain []float64
	for tempo > 2 {
		chain = append(chain, 2)
		tempo /= 2
	}
	for tempo < 0.5 {
		chain = append(chain, 0.5)
		tempo /= 0.5
	}
	return append(chain, tempo)
}

func colorFilter(ps model.ParameterSet) (string, error) {
	k := math.Min(ps.EffectIntensity, 1)

	switch ps.Action {
	case model.ActionBrighten:
		return scaleFilter(ps.BrightnessFactor, ps.PreserveColors), nil
	case model.ActionDarken:
		return scaleFilter(1/ps.BrightnessFactor, ps.PreserveColors), nil
	case model.ActionGrayscale:
		return "hue=s=0", nil
	case model.ActionNegative:
		return "negate", nil
	case model.ActionSepia:
		var m [3][3]float64
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				identity := 0.0
				if r == c {
					identity = 1
				}
				m[r][c] = identity*(1-k) + sepia[r][c]*k
			}
		}
		return fmt.Sprintf("colorchannelmixer=rr=%s:rg=%s:rb=%s:gr=%s:gg=%s:gb=%s:br=%s:bg=%s:bb=%s",
			num(m[0][0]), num(m[0][1]), num(m[0][2]),
			num(m[1][0]), num(m[1][1]), num(m[1][2]),
			num(m[2][0]), num(m[2][1]), num(m[2][2])), nil
	case model.ActionCool:
		a := math.Min(0.2*ps.EffectIntensity, 1)
		return fmt.Sprintf("colorbalance=rs=%s:rm=%s:bs=%s:bm=%s", num(-a), num(-a), num(a), num(a)), nil
	case model.ActionWarm:
		a := math.Min(0.2*ps.EffectIntensity, 1)
		return fmt.Sprintf("colorbalance=rs=%s:rm=%s:bs=%s:bm=%s", num(a), num(a), num(-a), num(-a)), nil
	}
	return "", fmt.Errorf("action %q has no color filter", ps.Action)
}

// pixFmtFor keeps odd frame sizes intact: yuv420p subsamples chroma by two
// on both axes and libx264 refuses odd sides with it.
func pixFmtFor(width, height int) string {
	if width%2 != 0 || height%2 != 0 {
		return pixFmtFull
	}
	return pixFmtSubsampled
}

// scaleFilter multiplies pixel values by factor. With lumaOnly only Y is
// touched and chroma is passed through.
func scaleFilter(factor float64, lumaOnly bool) string {
	if lumaOnly {
		return fmt.Sprintf("lutyuv=y='clip(val*%s,minval,maxval)'", num(factor))
	}
	f := num(factor)
	return fmt.Sprintf("colorchannelmixer=rr=%s:gg=%s:bb=%s", f, f, f)
}

func blurFilter(ps model.ParameterSet) (string, error) {
	i := ps.BlurIntensity
	switch ps.Action {
	case model.ActionGaussianBlur:
		return "gblur=sigma=" + num(2*i), nil
	case model.ActionMotionBlur:
		frames := int(math.Ceil(2*i)) + 1
		return fmt.Sprintf("tmix=frames=%d", frames), nil
	case model.ActionRadialBlur:
		radius := int(math.Max(1, math.Round(2*i)))
		return fmt.Sprintf("boxblur=luma_radius=%d:luma_power=1:chroma_radius=%d:chroma_power=1", radius, radius), nil
	}
	return "", fmt.Errorf("action %q has no blur filter", ps.Action)
}

func overlayFilter(ps model.ParameterSet, info model.MediaInfo, textFile, fontFile string) string {
	size := int(math.Round(24 * ps.FontScale))
	if info.Height > 0 {
		size = int(math.Round(float64(info.Height) / 20 * ps.FontScale))
	}
	if size < 8 {
		size = 8
	}

	var y string
	switch ps.TextPosition {
	case model.TextPositionTop:
		y = "h*0.05"
	case model.TextPositionCenter:
		y = "(h-text_h)/2"
	default:
		y = "h-text_h-h*0.05"
	}

	color := ps.TextColor.Hex()
	parts := []string{
		"textfile=" + escapeFilterPath(textFile),
		"expansion=none",
		fmt.Sprintf("fontsize=%d", size),
		"fontcolor=" + color,
		fmt.Sprintf("borderw=%d", ps.TextThickness-1),
		"bordercolor=" + color,
		"x=(w-text_w)/2",
		"y=" + y,
	}
	if fontFile != "" {
		parts = append(parts, "fontfile="+escapeFilterPath(fontFile))
	}
	return "drawtext=" + strings.Join(parts, ":")
}

// escapeFilterPath escapes a path for use as a filter option value.
func escapeFilterPath(p string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`).Replace(p)
}

// num formats v compactly with at most six decimals.
func num(v float64) string {
	s := strconv.FormatFloat(v, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" {
		return "0"
	}
	return s
}
