package datamodels

import (
	"time"

	"github.com/google/uuid"
)

type Operation string

const (
	OpExecute     Operation = "execute"
	OpChain       Operation = "chain"
	OpInteractive Operation = "interactive"
	OpUpload      Operation = "upload"
	OpDownload    Operation = "download"
	OpTail        Operation = "tail"
	OpTraffic     Operation = "traffic"
)

// Step is one entry of an interactive sequence. An empty Expect list means
// "send and advance".
type Step struct {
	Command string   `json:"command" validate:"required"`
	Expect  []string `json:"expect,omitempty"`
}

// StepResult is the outcome of a single command within a chain or interactive run.
type StepResult struct {
	Command  string        `json:"command"`
	Output   string        `json:"output"`
	ExitCode int           `json:"exit_code"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
}

// OperationResult is the per-host outcome of a dispatched operation.
type OperationResult struct {
	Host             string        `json:"host"`
	Operation        Operation     `json:"operation"`
	Success          bool          `json:"success"`
	Output           string        `json:"output,omitempty"`
	Stderr           string        `json:"stderr,omitempty"`
	Error            string        `json:"error,omitempty"`
	ErrorKind        string        `json:"error_kind,omitempty"`
	ExitCode         int           `json:"exit_code"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	RetryCount       int           `json:"retry_count"`
	BytesTransferred int64         `json:"bytes_transferred,omitempty"`
	Steps            []StepResult  `json:"steps,omitempty"`
}

// Request is an operation submitted to the dispatcher service through the queue.
type Request struct {
	ExecutionUID uuid.UUID `json:"exuid"`
	Operation    Operation `json:"operation" validate:"required,oneof=execute chain interactive upload download tail"`
	Hosts        []string  `json:"hosts" validate:"required,min=1,dive,required"`

	Command    string   `json:"command,omitempty" validate:"required_if=Operation execute"`
	Commands   []string `json:"commands,omitempty" validate:"required_if=Operation chain,dive,required"`
	NewChannel bool     `json:"new_channel,omitempty"`
	Steps      []Step   `json:"steps,omitempty" validate:"required_if=Operation interactive,dive"`

	LocalPath  string `json:"local_path,omitempty" validate:"required_if=Operation upload"`
	RemotePath string `json:"remote_path,omitempty" validate:"required_if=Operation upload,required_if=Operation download"`
	LocalDir   string `json:"local_dir,omitempty" validate:"required_if=Operation download"`
	Path       string `json:"path,omitempty" validate:"required_if=Operation tail"`
	Follow     bool   `json:"follow,omitempty"`
	Lines      int    `json:"lines,omitempty" validate:"gte=0"`

	// Timeout in seconds, zero uses the configured default.
	Timeout int `json:"timeout,omitempty" validate:"gte=0"`
}

type Response struct {
	ExecutionUID uuid.UUID                  `json:"exuid"`
	Operation    Operation                  `json:"operation"`
	Results      map[string]OperationResult `json:"results,omitempty"`
	Failed       int                        `json:"failed"`
	Error        string                     `json:"error,omitempty"`
	FinishedAt   time.Time                  `json:"finished_at"`
}
