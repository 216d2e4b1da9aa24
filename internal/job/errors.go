package job

import "fmt"

// ErrorCode classifies a job failure.
type ErrorCode string

const (
	// CodeValidation marks bad input that never reached the pipeline.
	CodeValidation ErrorCode = "VALIDATION"
	// CodeSourceUnavailable marks a source resolver failure.
	CodeSourceUnavailable ErrorCode = "SOURCE_UNAVAILABLE"
	// CodeDownloadFailed marks a network or toolkit error during download.
	CodeDownloadFailed ErrorCode = "DOWNLOAD_FAILED"
	// CodeChunkingEmpty marks a planner run that produced zero chunks.
	CodeChunkingEmpty ErrorCode = "CHUNKING_EMPTY"
	// CodeChunkingFailed marks any other planner error.
	CodeChunkingFailed ErrorCode = "CHUNKING_FAILED"
	// CodeDubChunkFailed marks one or more chunks that exhausted retries.
	CodeDubChunkFailed ErrorCode = "DUB_CHUNK_FAILED"
	// CodeDubAllFailed marks a run in which no chunk succeeded.
	CodeDubAllFailed ErrorCode = "DUB_ALL_FAILED"
	// CodeMergeFailed marks a toolkit error during merge.
	CodeMergeFailed ErrorCode = "MERGE_FAILED"
	// CodeFinalizeFailed marks an output write error.
	CodeFinalizeFailed ErrorCode = "FINALIZE_FAILED"
	// CodeCancelled marks a user-initiated cancellation.
	CodeCancelled ErrorCode = "CANCELLED"
	// CodeStorage marks a job store failure fatal to the execution.
	CodeStorage ErrorCode = "STORAGE"
)

// Error is the authoritative failure record on a job. It is set exactly
// when the job is failed or cancelled.
type Error struct {
	Code         ErrorCode         `json:"code"`
	Message      string            `json:"message"`
	Stage        Stage             `json:"stage,omitempty"`
	Recoverable  bool              `json:"recoverable"`
	FailedChunks []int             `json:"failed_chunk_indices,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (stage %s): %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a job error for the given code, stage and message.
func NewError(code ErrorCode, stage Stage, msg string) *Error {
	return &Error{
		Code:        code,
		Message:     msg,
		Stage:       stage,
		Recoverable: recoverable(code),
	}
}

// recoverable reports whether a job with this error code can be retried
// through the automation service.
func recoverable(code ErrorCode) bool {
	switch code {
	case CodeDubChunkFailed, CodeMergeFailed, CodeFinalizeFailed:
		return true
	case CodeDownloadFailed:
		// Download failures are recoverable only before the first byte;
		// the executor downgrades this flag once bytes were received.
		return true
	default:
		return false
	}
}
