package pipeline

import (
	"reflect"
	"strings"
	"testing"

	"github.com/vidshift/api/internal/model"
)

func mustOperation(t *testing.T, name string, ps model.ParameterSet, info model.MediaInfo) Operation {
	t.Helper()
	for _, c := range canonical {
		if c.stage.Name == name {
			op, err := operationFor(c.stage, ps, info, "/tmp/job/overlay.txt", "")
			if err != nil {
				t.Fatalf("operationFor(%s): %v", name, err)
			}
			return op
		}
	}
	t.Fatalf("no stage %q", name)
	return Operation{}
}

func TestTrimKeepsWindowAndClampsEnd(t *testing.T) {
	ps := validated(t, map[string]string{"action": "trim", "start_time": "2", "end_time": "5"})
	op := mustOperation(t, StageTrim, ps, model.MediaInfo{Duration: 10, HasAudio: true})

	if op.VideoFilter != "trim=start=2:end=5,setpts=PTS-STARTPTS" {
		t.Errorf("VideoFilter = %q", op.VideoFilter)
	}
	if op.AudioFilter != "atrim=start=2:end=5,asetpts=PTS-STARTPTS" {
		t.Errorf("AudioFilter = %q", op.AudioFilter)
	}

	ps = validated(t, map[string]string{"action": "trim", "start_time": "2", "end_time": "50"})
	op = mustOperation(t, StageTrim, ps, model.MediaInfo{Duration: 10})
	if !strings.Contains(op.VideoFilter, "end=10") {
		t.Errorf("end not clamped to duration: %q", op.VideoFilter)
	}

	out := shapeAfter(Stage{Name: StageTrim}, validated(t, map[string]string{"action": "trim", "start_time": "2", "end_time": "5"}), model.MediaInfo{Duration: 10})
	if out.Duration != 3 {
		t.Errorf("trimmed duration = %v, want 3", out.Duration)
	}
}

func TestSpeedFilters(t *testing.T) {
	tests := []struct {
		name      string
		raw       map[string]string
		wantVideo string
		wantAudio string
	}{
		{
			name:      "reverse at original duration",
			raw:       map[string]string{"action": "speed", "speed_factor": "-1"},
			wantVideo: "reverse",
			wantAudio: "areverse",
		},
		{
			name:      "double speed",
			raw:       map[string]string{"action": "speed", "speed_factor": "2"},
			wantVideo: "setpts=0.5*PTS,fps=25",
			wantAudio: "atempo=2",
		},
		{
			name:      "quarter speed linear blends frames",
			raw:       map[string]string{"action": "speed", "speed_factor": "0.25"},
			wantVideo: "setpts=4*PTS,minterpolate=fps=25:mi_mode=blend",
			wantAudio: "atempo=0.5,atempo=0.5",
		},
		{
			name:      "quarter speed simple drops to fps",
			raw:       map[string]string{"action": "speed", "speed_factor": "0.25", "speed_interpolation": "simple"},
			wantVideo: "setpts=4*PTS,fps=25",
			wantAudio: "atempo=0.5,atempo=0.5",
		},
		{
			name:      "fast reverse",
			raw:       map[string]string{"action": "speed", "speed_factor": "-5"},
			wantVideo: "reverse,setpts=0.2*PTS,fps=25",
			wantAudio: "areverse,atempo=2,atempo=2,atempo=1.25",
		},
		{
			name:      "unit speed is a no-op",
			raw:       map[string]string{"action": "speed"},
			wantVideo: "null",
			wantAudio: "anull",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := mustOperation(t, StageSpeed, validated(t, tt.raw), model.MediaInfo{FPS: 25, HasAudio: true})
			if op.VideoFilter != tt.wantVideo {
				t.Errorf("VideoFilter = %q, want %q", op.VideoFilter, tt.wantVideo)
			}
			if op.AudioFilter != tt.wantAudio {
				t.Errorf("AudioFilter = %q, want %q", op.AudioFilter, tt.wantAudio)
			}
		})
	}
}

func TestAtempoChainStaysInRange(t *testing.T) {
	for _, tempo := range []float64{0.1, 0.3, 0.5, 1, 1.7, 2, 3.3, 10} {
		product := 1.0
		for _, f := range atempoChain(tempo) {
			if f < 0.5 || f > 2 {
				t.Errorf("tempo %v: factor %v outside [0.5, 2]", tempo, f)
			}
			product *= f
		}
		if diff := product - tempo; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("tempo %v: chain product %v", tempo, product)
		}
	}
}

func TestColorFilters(t *testing.T) {
	tests := []struct {
		raw  map[string]string
		want string
	}{
		{map[string]string{"action": "brighten", "brightness_factor": "1.5", "preserve_colors": "true"}, "lutyuv=y='clip(val*1.5,minval,maxval)'"},
		{map[string]string{"action": "brighten", "brightness_factor": "1.5"}, "colorchannelmixer=rr=1.5:gg=1.5:bb=1.5"},
		{map[string]string{"action": "darken", "brightness_factor": "2"}, "colorchannelmixer=rr=0.5:gg=0.5:bb=0.5"},
		{map[string]string{"action": "darken", "brightness_factor": "2", "preserve_colors": "true"}, "lutyuv=y='clip(val*0.5,minval,maxval)'"},
		{map[string]string{"action": "grayscale"}, "hue=s=0"},
		{map[string]string{"action": "negative"}, "negate"},
		{map[string]string{"action": "cool"}, "colorbalance=rs=-0.2:rm=-0.2:bs=0.2:bm=0.2"},
		{map[string]string{"action": "warm", "effect_intensity": "2"}, "colorbalance=rs=0.4:rm=0.4:bs=-0.4:bm=-0.4"},
		{map[string]string{"action": "sepia"}, "colorchannelmixer=rr=0.393:rg=0.769:rb=0.189:gr=0.349:gg=0.686:gb=0.168:br=0.272:bg=0.534:bb=0.131"},
	}
	for _, tt := range tests {
		op := mustOperation(t, StageColor, validated(t, tt.raw), model.MediaInfo{})
		if op.VideoFilter != tt.want {
			t.Errorf("%v: VideoFilter = %q, want %q", tt.raw, op.VideoFilter, tt.want)
		}
	}
}

func TestSepiaIntensityBlendsTowardIdentity(t *testing.T) {
	op := mustOperation(t, StageColor, validated(t, map[string]string{"action": "sepia", "effect_intensity": "0.5"}), model.MediaInfo{})
	if !strings.Contains(op.VideoFilter, "rr=0.6965") {
		t.Errorf("half-strength sepia rr not blended: %q", op.VideoFilter)
	}
}

func TestBlurFilters(t *testing.T) {
	tests := map[string]string{
		"gaussian_blur": "gblur=sigma=3",
		"motion_blur":   "tmix=frames=4",
		"radial_blur":   "boxblur=luma_radius=3:luma_power=1:chroma_radius=3:chroma_power=1",
	}
	for action, want := range tests {
		op := mustOperation(t, StageBlur, validated(t, map[string]string{"action": action, "blur_intensity": "1.5"}), model.MediaInfo{})
		if op.VideoFilter != want {
			t.Errorf("%s: VideoFilter = %q, want %q", action, op.VideoFilter, want)
		}
	}
}

func TestGeometryFilters(t *testing.T) {
	ps := validated(t, map[string]string{
		"action": "grayscale", "crop_x": "10", "crop_y": "20", "crop_width": "300", "crop_height": "200", "width": "150",
	})
	if op := mustOperation(t, StageCrop, ps, model.MediaInfo{}); op.VideoFilter != "crop=300:200:10:20" {
		t.Errorf("crop = %q", op.VideoFilter)
	}
	if op := mustOperation(t, StageResize, ps, model.MediaInfo{}); op.VideoFilter != "scale=150:-2" {
		t.Errorf("resize = %q", op.VideoFilter)
	}

	w, h := resized(ps.Width, ps.Height, 300, 200)
	if w != 150 || h != 100 {
		t.Errorf("resized = %dx%d, want 150x100", w, h)
	}
}

func TestOverlayFilter(t *testing.T) {
	ps := validated(t, map[string]string{
		"action": "overlay_text", "overlay_text": "Hi: it's me", "text_position": "top",
		"font_scale": "2", "text_color": "255,0,0", "text_thickness": "3",
	})
	op := mustOperation(t, StageOverlay, ps, model.MediaInfo{Height: 480})

	for _, part := range []string{
		"drawtext=textfile=/tmp/job/overlay.txt",
		"expansion=none",
		"fontsize=48",
		"fontcolor=0xFF0000",
		"borderw=2",
		"y=h*0.05",
	} {
		if !strings.Contains(op.VideoFilter, part) {
			t.Errorf("overlay filter %q missing %q", op.VideoFilter, part)
		}
	}
	if strings.Contains(op.VideoFilter, "it's") {
		t.Error("overlay text must go through the text file, not the filter string")
	}
}

func TestEncodeOperation(t *testing.T) {
	ps := validated(t, map[string]string{"action": "negative", "output_format": "avi"})
	op := mustOperation(t, StageEncode, ps, model.MediaInfo{FPS: 24})
	want := &EncodeSpec{Format: model.OutputFormatAVI, FPS: 24}
	if !reflect.DeepEqual(op.Encode, want) {
		t.Errorf("Encode = %+v, want %+v", op.Encode, want)
	}

	ps = validated(t, map[string]string{"action": "negative"})
	op = mustOperation(t, StageEncode, ps, model.MediaInfo{Width: 640, Height: 480})
	if op.Encode.FPS != defaultFPS || op.Encode.PixFmt != "yuv420p" {
		t.Errorf("mp4 encode = %+v", op.Encode)
	}
}

func TestEncodeKeepsOddDimensions(t *testing.T) {
	ps := validated(t, map[string]string{
		"action": "negative", "crop_x": "0", "crop_y": "0", "crop_width": "101", "crop_height": "100",
	})
	info := shapeAfter(Stage{Name: StageCrop}, ps, model.MediaInfo{Width: 320, Height: 240, FPS: 25})
	if info.Width != 101 || info.Height != 100 {
		t.Fatalf("cropped shape = %dx%d", info.Width, info.Height)
	}

	for _, format := range []string{"mp4", "mov"} {
		ps.OutputFormat = model.OutputFormat(format)
		op := mustOperation(t, StageEncode, ps, info)
		if op.VideoFilter != "" {
			t.Errorf("%s: encode must not rescale, got filter %q", format, op.VideoFilter)
		}
		if op.Encode.PixFmt != "yuv444p" {
			t.Errorf("%s: PixFmt = %q, want yuv444p", format, op.Encode.PixFmt)
		}
	}
}

func TestNum(t *testing.T) {
	tests := map[float64]string{1: "1", 0.5: "0.5", 10: "10", 1.0 / 3: "0.333333", -0.2: "-0.2", 0: "0"}
	for in, want := range tests {
		if got := num(in); got != want {
			t.Errorf("num(%v) = %q, want %q", in, got, want)
		}
	}
}
