package domain

import "devbridge/internal/snapshot"

// Error codes carried in APIError.Code.
const (
	CodeInvalidJSON       = "invalid_json"
	CodeInvalidScope      = "invalid_scope"
	CodeEmptyDiff         = "empty_diff"
	CodeNoPaths           = "no_paths"
	CodeSecurityViolation = "path_security_violation"
	CodeCheckFailed       = "check_failed"
	CodeApplyFailed       = "apply_failed"
	CodeBackendIO         = "backend_io_error"
	CodeBackendDown       = "backend_unavailable"
	CodeDiffTooLarge      = "diff_too_large"
	CodeInternal          = "internal_error"
)

type APIErrorBody struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type SnapshotResponse struct {
	Text string        `json:"text"`
	Meta snapshot.Meta `json:"meta"`
}

type ApplyRequest struct {
	DiffText string `json:"diff_text"`
}

// ApplyResponse is returned for every apply attempt that got past request
// decoding. Error is set only when OK is false.
type ApplyResponse struct {
	OK           bool      `json:"ok"`
	Message      string    `json:"message"`
	ChangedFiles []string  `json:"changed_files"`
	DiffBefore   string    `json:"diff_before"`
	DiffAfter    string    `json:"diff_after"`
	Error        *APIError `json:"error,omitempty"`
}

type VersionResponse struct {
	Version string `json:"version"`
}

type HealthResponse struct {
	OK   bool   `json:"ok"`
	Root string `json:"root"`
}
