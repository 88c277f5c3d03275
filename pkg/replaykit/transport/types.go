package transport

import "time"

// PresignRequest asks the backend for an upload destination.
type PresignRequest struct {
	BatchNumber      int       `json:"batchNumber"`
	ContentType      string    `json:"contentType"`
	SizeBytes        int64     `json:"sizeBytes"`
	SessionID        string    `json:"sessionId"`
	SessionStartTime time.Time `json:"sessionStartTime"`
	UserID           string    `json:"userId"`
	IsKeyframe       bool      `json:"isKeyframe,omitempty"`
}

// PresignResponse carries the authorized destination, or a definitive
// instruction to skip the upload (recording disabled). Skip is a
// success-equivalent: the local copy is deleted.
type PresignResponse struct {
	PresignedURL string `json:"presignedUrl"`
	BatchID      string `json:"batchId"`
	SkipUpload   bool   `json:"skipUpload"`
}

// CompleteRequest notifies the backend that the payload landed.
type CompleteRequest struct {
	BatchID         string    `json:"batchId"`
	ActualSizeBytes int64     `json:"actualSizeBytes"`
	EventCount      int       `json:"eventCount"`
	FrameCount      int       `json:"frameCount"`
	Timestamp       time.Time `json:"timestamp"`
	UserID          string    `json:"userId"`
}

// EndSessionRequest is the terminal signal for a session.
type EndSessionRequest struct {
	SessionID             string         `json:"sessionId"`
	EndedAt               time.Time      `json:"endedAt"`
	TotalBackgroundTimeMs int64          `json:"totalBackgroundTimeMs,omitempty"`
	Metrics               map[string]any `json:"metrics,omitempty"`
}

// ReplayRequest asks whether this session's heavy video frames are
// worth uploading.
type ReplayRequest struct {
	SessionID string         `json:"sessionId"`
	Metrics   map[string]any `json:"metrics"`
}

// ReplayDecision is the backend's promotion verdict.
type ReplayDecision struct {
	Promoted bool   `json:"promoted"`
	Reason   string `json:"reason"`
}
