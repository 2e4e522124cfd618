package restore

import (
	"database/sql"
	"fmt"

	"mysql-backup-orchestrator/internal/config"
	"mysql-backup-orchestrator/internal/execution"
)

// StrategyDeps are the resources strategies may be built over. A nil DB
// leaves the direct strategy out.
type StrategyDeps struct {
	DB       *sql.DB
	Executor ScriptExecutor
	Runner   execution.Runner
}

// BuildAppliers turns the configured strategy names into appliers, in
// configured order. Strategies whose prerequisites are missing are skipped.
func BuildAppliers(cfg *config.EngineConfig, deps StrategyDeps) ([]Applier, error) {
	tolerance := Tolerance(cfg.Restore.AcceptableErrors)
	client := ClientConfig{
		Command:  cfg.Restore.ClientCommand,
		Database: cfg.Database,
		Timeout:  cfg.Restore.ApplyTimeout,
	}

	var appliers []Applier
	for _, name := range cfg.Restore.Strategies {
		switch name {
		case config.StrategyDirect:
			if deps.DB != nil && deps.Executor != nil {
				appliers = append(appliers, NewDirectApplier(deps.DB, deps.Executor, tolerance))
			}
		case config.StrategyContainer:
			if deps.Runner != nil && cfg.Backup.DatabaseContainer != "" {
				appliers = append(appliers, NewContainerApplier(deps.Runner, cfg.Backup.DockerCommand, cfg.Backup.DatabaseContainer, client, tolerance))
			}
		case config.StrategyClient:
			if deps.Runner != nil {
				appliers = append(appliers, NewClientApplier(deps.Runner, client, tolerance))
			}
		default:
			return nil, fmt.Errorf("unknown apply strategy %q", name)
		}
	}
	return appliers, nil
}
