package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage is the envelope used to detect the message type
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage reports a stage boundary of a running job
type WSProgressMessage struct {
	Type     string    `json:"type"`
	JobID    string    `json:"job_id"`
	Progress int       `json:"progress"`
	Status   JobStatus `json:"status"`
	Stage    string    `json:"stage,omitempty"`
}

// WSCompleteMessage announces that the result can be downloaded
type WSCompleteMessage struct {
	Type        string `json:"type"`
	JobID       string `json:"job_id"`
	DownloadURL string `json:"download_url"`
}

// WSErrorMessage reports a terminal failure
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"job_id"`
	Error WSError `json:"error"`
}

type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
