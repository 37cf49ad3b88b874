package model

// Job status
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no transition leaves s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransition reports whether the lifecycle allows from -> to.
// queued -> failed is reserved for jobs that never reach a worker: a
// refused dispatch or a failed re-dispatch after restart. Such jobs keep
// progress 0 and no start time.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusProcessing || to == JobStatusFailed || to == JobStatusCancelled
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed || to == JobStatusCancelled
	default:
		return false
	}
}

// Action is the primary transformation requested by a client.
type Action string

const (
	ActionTrim         Action = "trim"
	ActionBrighten     Action = "brighten"
	ActionDarken       Action = "darken"
	ActionSpeed        Action = "speed"
	ActionOverlayText  Action = "overlay_text"
	ActionSepia        Action = "sepia"
	ActionCool         Action = "cool"
	ActionWarm         Action = "warm"
	ActionGrayscale    Action = "grayscale"
	ActionNegative     Action = "negative"
	ActionGaussianBlur Action = "gaussian_blur"
	ActionMotionBlur   Action = "motion_blur"
	ActionRadialBlur   Action = "radial_blur"
)

// Accepted spellings that collapse into ActionSpeed.
const (
	AliasReverse  = "reverse"
	AliasSpeedup  = "speedup"
	AliasSlowdown = "slowdown"
)

var ValidActions = []Action{
	ActionTrim, ActionBrighten, ActionDarken, ActionSpeed, ActionOverlayText,
	ActionSepia, ActionCool, ActionWarm, ActionGrayscale, ActionNegative,
	ActionGaussianBlur, ActionMotionBlur, ActionRadialBlur,
}

// IsColor reports whether the action is handled by the color/tone stage.
func (a Action) IsColor() bool {
	switch a {
	case ActionBrighten, ActionDarken, ActionSepia, ActionCool, ActionWarm, ActionGrayscale, ActionNegative:
		return true
	}
	return false
}

// IsBlur reports whether the action is one of the blur filters.
func (a Action) IsBlur() bool {
	return a == ActionGaussianBlur || a == ActionMotionBlur || a == ActionRadialBlur
}

// Speed interpolation
type Interpolation string

const (
	InterpolationLinear Interpolation = "linear"
	InterpolationSimple Interpolation = "simple"
)

// Text position
type TextPosition string

const (
	TextPositionTop    TextPosition = "top"
	TextPositionCenter TextPosition = "center"
	TextPositionBottom TextPosition = "bottom"
)

// Output container
type OutputFormat string

const (
	OutputFormatMP4 OutputFormat = "mp4"
	OutputFormatAVI OutputFormat = "avi"
	OutputFormatMOV OutputFormat = "mov"
)

// ContentType returns the MIME type served for the container.
func (f OutputFormat) ContentType() string {
	switch f {
	case OutputFormatAVI:
		return "video/x-msvideo"
	case OutputFormatMOV:
		return "video/quicktime"
	default:
		return "video/mp4"
	}
}
