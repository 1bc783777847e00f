// Package domain holds the data model, error taxonomy and ports for the
// resume/JD analysis pipeline client.
package domain

import (
	"context"
	"errors"
	"io"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrAuth              = errors.New("authentication failed")
	ErrRequest           = errors.New("request failed")
	ErrProtocol          = errors.New("protocol error")
	ErrServerReported    = errors.New("server reported error")
	ErrInvalidCompletion = errors.New("invalid completion payload")
	ErrTimeout           = errors.New("analysis timed out")
	ErrCancelled         = errors.New("analysis cancelled")
	ErrRunActive         = errors.New("run already in progress")
)

// Fixed user-facing messages. The cancel and timeout texts are part of the
// UI contract and must not drift between call sites.
const (
	MsgCancelled         = "Analysis cancelled by user"
	MsgTimedOut          = "Analysis taking longer than expected"
	MsgInvalidCompletion = "Received invalid analysis results from the server"
)

// FileUpload is the opaque handle the upload collaborator returns for one
// stored file.
type FileUpload struct {
	FileID       string `json:"file_id"`
	PresignedURL string `json:"presigned_url,omitempty"`
}

// UploadResult carries both file handles plus their storage paths. Immutable
// once produced; it is the input to extraction.
type UploadResult struct {
	ResumeUpload      FileUpload `json:"resume_upload"`
	JDUpload          FileUpload `json:"jd_upload"`
	ResumeStoragePath string     `json:"resume_storage_path"`
	JDStoragePath     string     `json:"jd_storage_path"`
}

// ExtractionResult holds the durable record ids the server assigns once
// structured data has been derived. Both ids must be present before analysis
// can be requested; absence of either is a contract violation.
type ExtractionResult struct {
	ResumeDBID string `json:"resume_db_id"`
	JDDBID     string `json:"jd_db_id"`
}

// Complete reports whether both database ids are present.
func (e ExtractionResult) Complete() bool {
	return e.ResumeDBID != "" && e.JDDBID != ""
}

// CategoryScore is one scored analysis category.
type CategoryScore struct {
	Category string  `json:"category"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason,omitempty"`
	Weight   float64 `json:"weight,omitempty"`
}

// LearningResource is a recommended resource attached to the final report.
type LearningResource struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Type      string `json:"type,omitempty"`
	Relevance string `json:"relevance,omitempty"`
}

// AnalysisResult is the payload of a complete event. A non-empty AnalysisID
// is the validity gate: a complete event without it is a protocol error,
// not a success.
type AnalysisResult struct {
	AnalysisID        string                   `json:"analysis_id"`
	OverallScore      float64                  `json:"overall_score"`
	FitClassification string                   `json:"fit_classification,omitempty"`
	FitRationale      string                   `json:"fit_rationale,omitempty"`
	CategoryScores    map[string]CategoryScore `json:"category_scores,omitempty"`
	Recommendations   []string                 `json:"recommendations,omitempty"`
	LearningResources []LearningResource       `json:"learning_resources,omitempty"`
	Progress          int                      `json:"progress,omitempty"`
	Message           string                   `json:"message,omitempty"`
}

// Valid reports whether the result passes the completion validity gate.
func (r AnalysisResult) Valid() bool { return r.AnalysisID != "" }

// EventKind discriminates decoded stream events.
type EventKind string

// Event kinds. EventDone is the out-of-band end-of-stream sentinel, distinct
// from EventComplete; either may arrive first. EventCancelled and
// EventTimedOut are synthesized by the pipeline controller, never decoded
// from the wire.
const (
	EventProgress  EventKind = "progress"
	EventComplete  EventKind = "complete"
	EventError     EventKind = "error"
	EventDone      EventKind = "done"
	EventCancelled EventKind = "cancelled"
	EventTimedOut  EventKind = "timed_out"
)

// ProgressUpdate is the payload of a progress event.
type ProgressUpdate struct {
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// StreamEvent is the discriminated union produced by the event decoder.
// Exactly one of the payload fields is meaningful, selected by Kind.
type StreamEvent struct {
	Kind     EventKind
	Progress ProgressUpdate
	Result   *AnalysisResult
	Err      string
}

// Session is the bearer credential obtained from the identity collaborator.
// Read-only; re-read per run, never cached or mutated by a run.
type Session struct {
	AccessToken string
	UserID      string
	ExpiresAt   time.Time
}

// Ports (implemented by adapters)

// SessionProvider yields the current bearer credential. An explicit absence
// is a terminal auth error for the run.
type SessionProvider interface {
	Session(ctx Context) (Session, error)
}

// Uploader pushes the resume and JD files to the upload collaborator.
type Uploader interface {
	Upload(ctx Context, token, resumePath, jdPath string) (UploadResult, error)
}

// AnalysisAPI wraps the extraction and analysis endpoints. OpenAnalysis
// returns the raw chunked response body; the caller owns the reader and must
// close it on every exit path.
type AnalysisAPI interface {
	Extract(ctx Context, token string, up UploadResult) (ExtractionResult, error)
	OpenAnalysis(ctx Context, token string, ext ExtractionResult) (io.ReadCloser, error)
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and the pipeline pass context.Context through.
type Context = context.Context
