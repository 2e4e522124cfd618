package restore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/execution"
	"mysql-backup-orchestrator/internal/logging"
)

// WorkerCommand is the subcommand the parent invokes for out-of-process restores
const WorkerCommand = "restore-worker"

// ProcessResult is the single JSON document a restore worker prints
type ProcessResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WriteProcessResult prints r as one JSON document
func WriteProcessResult(w io.Writer, r ProcessResult) error {
	return json.NewEncoder(w).Encode(r)
}

// ParseProcessResult reads a worker's outcome. Stdout must be exactly one
// JSON document; anything else from a failed worker is an opaque failure
// carrying its stderr.
func ParseProcessResult(res *execution.ExecutionResult, runErr error) ProcessResult {
	var out ProcessResult
	if res != nil {
		dec := json.NewDecoder(strings.NewReader(res.Stdout))
		if err := dec.Decode(&out); err == nil && !dec.More() {
			if !out.Success && out.Error == "" {
				out.Error = "restore worker reported failure without a reason"
			}
			return out
		}
	}

	switch {
	case res != nil && res.Stderr != "":
		return ProcessResult{Error: res.Stderr}
	case runErr != nil:
		return ProcessResult{Error: runErr.Error()}
	}
	return ProcessResult{Error: "restore worker produced no result"}
}

// ProcessApplier runs the apply step in a separate OS process
type ProcessApplier struct {
	runner    execution.Runner
	binary    []string
	restoreID string
	timeout   time.Duration
}

// NewProcessApplier creates an applier that invokes
// `<binary> restore-worker <dumpPath> <restoreID>`
func NewProcessApplier(runner execution.Runner, binary string, restoreID string, timeout time.Duration) (*ProcessApplier, error) {
	argv, err := execution.ParseCommandLine(binary)
	if err != nil {
		return nil, err
	}
	return &ProcessApplier{runner: runner, binary: argv, restoreID: restoreID, timeout: timeout}, nil
}

func (a *ProcessApplier) Name() string { return "process" }

func (a *ProcessApplier) ApplyDump(ctx context.Context, path string) (*Result, error) {
	args := append(append([]string(nil), a.binary[1:]...), WorkerCommand, path, a.restoreID)
	res, runErr := a.runner.Run(ctx, execution.Command{Name: a.binary[0], Args: args, Timeout: a.timeout})
	outcome := ParseProcessResult(res, runErr)
	if !outcome.Success {
		return nil, apperrors.NewCaptureError("restore worker failed: "+outcome.Error, runErr)
	}
	result := &Result{Strategy: a.Name()}
	if outcome.Message != "" {
		result.Warnings = warningsFromMessage(outcome.Message)
	}
	return result, nil
}

// RunWorker is the child side of the process contract. It filters and
// applies the dump at path, prints exactly one result document and returns
// the process exit code.
func RunWorker(ctx context.Context, stdout io.Writer, path, restoreID string, filter *Filter, appliers []Applier, logger *logging.Logger) int {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	result, err := applyFiltered(ctx, path, filter, func(filtered string) (*Result, error) {
		return applyChain(ctx, appliers, filtered, restoreID, logger, nil, nil)
	})

	var buf bytes.Buffer
	if err != nil {
		WriteProcessResult(&buf, ProcessResult{Error: err.Error()})
		io.Copy(stdout, &buf)
		return 1
	}
	WriteProcessResult(&buf, ProcessResult{Success: true, Message: summarize(result)})
	io.Copy(stdout, &buf)
	return 0
}

func summarize(r *Result) string {
	msg := fmt.Sprintf("applied with %s strategy", r.Strategy)
	if len(r.Warnings) > 0 {
		msg += "; warnings: " + strings.Join(r.Warnings, "; ")
	}
	return msg
}

func warningsFromMessage(msg string) []string {
	_, rest, ok := strings.Cut(msg, "; warnings: ")
	if !ok {
		return nil
	}
	return strings.Split(rest, "; ")
}
