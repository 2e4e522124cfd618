package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"mysql-backup-orchestrator/internal/application"
	apperrors "mysql-backup-orchestrator/internal/errors"
)

// storageCmd groups storage provider commands
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Inspect the configured storage providers",
}

var storageCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that every storage provider is reachable",
	Long: `Check that every configured storage provider is reachable and writable.

The command exits non-zero when any provider is unhealthy.`,
	Args: cobra.NoArgs,
	RunE: runStorageCheck,
}

func init() {
	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(storageCheckCmd)
}

// healthDoc is the structured form of a health check
type healthDoc struct {
	Provider string `json:"provider" yaml:"provider"`
	Healthy  bool   `json:"healthy" yaml:"healthy"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

func healthDocs(results map[string]error) []healthDoc {
	docs := make([]healthDoc, 0, len(results))
	for name, err := range results {
		d := healthDoc{Provider: name, Healthy: err == nil}
		if err != nil {
			d.Error = err.Error()
		}
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Provider < docs[j].Provider })
	return docs
}

func runStorageCheck(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *application.Application, out *output) error {
		results := app.Storage.HealthCheck(ctx)
		if err := out.emit(healthDocs(results), func() error { return out.printer.Health(results) }); err != nil {
			return err
		}
		unhealthy := 0
		for _, err := range results {
			if err != nil {
				unhealthy++
			}
		}
		if unhealthy > 0 {
			return apperrors.NewEnvironmentError(fmt.Sprintf("%d of %d storage providers are unhealthy", unhealthy, len(results)), nil)
		}
		return nil
	})
}
