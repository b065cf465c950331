package model

// TaskStatus represents the current status of a submission
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// TargetLocal names in-process execution in history records and metrics
const TargetLocal = "local"

// ErrorKind classifies a failed TaskResult on the wire
type ErrorKind string

const (
	ErrorKindAuthentication ErrorKind = "authentication"
	ErrorKindLookup         ErrorKind = "lookup"
	ErrorKindExecution      ErrorKind = "execution"
	ErrorKindBadRequest     ErrorKind = "bad_request"
)

// TaskRequest is a call of an offloadable function on a peer
type TaskRequest struct {
	Function   string                 `json:"function"`
	Args       []interface{}          `json:"args"`
	Kwargs     map[string]interface{} `json:"kwargs"`
	Credential string                 `json:"credential"`
}

// TaskResult is either Ok(value) or Err(message); Error non-empty marks the error variant
type TaskResult struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
	Kind   ErrorKind   `json:"kind,omitempty"`
}

// Ok wraps a successful return value
func Ok(value interface{}) TaskResult {
	return TaskResult{Result: value}
}

// Err wraps a failure message
func Err(kind ErrorKind, message string) TaskResult {
	if message == "" {
		message = string(kind)
	}
	return TaskResult{Error: message, Kind: kind}
}

// Failed reports whether the result is the error variant
func (r TaskResult) Failed() bool {
	return r.Error != ""
}
