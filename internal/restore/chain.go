package restore

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/logging"
)

// FilteredDumpName is the rewritten dump written next to the original
const FilteredDumpName = "filtered_dump.sql"

// applyFiltered writes the filtered copy of the dump at path and hands it to apply
func applyFiltered(ctx context.Context, path string, filter *Filter, apply func(filtered string) (*Result, error)) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewCaptureError("failed to read dump", err)
	}
	target := path
	if filter != nil {
		out, _ := filter.Apply(string(data))
		target = filepath.Join(filepath.Dir(path), FilteredDumpName)
		if target != path || out != string(data) {
			if err := os.WriteFile(target, []byte(out), 0o600); err != nil {
				return nil, apperrors.NewCaptureError("failed to write filtered dump", err)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return apply(target)
}

// applyChain tries each strategy in order and returns the first success.
// progress, when set, is told each attempt's index.
func applyChain(ctx context.Context, appliers []Applier, path, restoreID string, logger *logging.Logger, metrics *Metrics, progress func(attempt, total int)) (*Result, error) {
	if len(appliers) == 0 {
		return nil, apperrors.NewEnvironmentError("no apply strategy is configured", nil)
	}

	if restoreID != "" {
		ctx = logging.CreateContextWithRequestID(ctx, restoreID)
	}

	var errs []error
	for i, a := range appliers {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.NewAppError(apperrors.ErrorTypeInterruption, "restore interrupted", err)
		}
		if progress != nil {
			progress(i, len(appliers))
		}
		started := time.Now()
		result, err := a.ApplyDump(ctx, path)
		logger.LogStrategyAttempt(a.Name(), restoreID, err)
		metrics.strategyAttempt(a.Name(), time.Since(started), err)
		if err == nil {
			if result == nil {
				result = &Result{}
			}
			result.Strategy = a.Name()
			return result, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
	}
	return nil, apperrors.NewCaptureError(fmt.Sprintf("all %d apply strategies failed", len(errs)), stderrors.Join(errs...))
}
