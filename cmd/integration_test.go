//go:build integration
// +build integration

package cmd_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"

	"mysql-backup-orchestrator/internal/config"
	"mysql-backup-orchestrator/internal/jobs"
)

// CLITestConfig holds the connection used by the end-to-end tests
type CLITestConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// TestCLIBackupRestoreCycle drives the built binary through a backup and a
// database restore against a real server
func TestCLIBackupRestoreCycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping CLI integration tests in short mode")
	}
	for _, tool := range []string{"mysql", "mysqldump"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s client not installed", tool)
		}
	}

	cfg := getCLITestConfig(t)
	if cfg == nil {
		t.Skip("CLI integration test configuration not available")
	}

	binary := buildCLI(t)
	db := setupCLITestDatabase(t, cfg)
	configFile := writeCLIConfig(t, cfg)

	var backupJob jobs.BackupJob
	runCLI(t, binary, configFile, &backupJob, "backup", "submit", "--no-files", "--skip-upload")
	if backupJob.Status != jobs.StatusCompleted {
		t.Fatalf("backup ended %s: %s", backupJob.Status, backupJob.ErrorMessage)
	}

	if _, err := db.Exec("DELETE FROM posts"); err != nil {
		t.Fatalf("failed to clear posts: %v", err)
	}

	var restoreJob jobs.RestoreJob
	runCLI(t, binary, configFile, &restoreJob, "restore", "submit", backupJob.ID, "--type", "database_only")
	if restoreJob.Status != jobs.StatusCompleted {
		t.Fatalf("restore ended %s: %s", restoreJob.Status, restoreJob.ErrorMessage)
	}

	var posts int
	if err := db.QueryRow("SELECT COUNT(*) FROM posts").Scan(&posts); err != nil {
		t.Fatalf("failed to count posts: %v", err)
	}
	if posts != 2 {
		t.Errorf("expected 2 restored posts, got %d", posts)
	}

	// The restore must not have rolled the job table back past itself
	var status string
	if err := db.QueryRow("SELECT status FROM restore_jobs WHERE id = ?", restoreJob.ID).Scan(&status); err != nil {
		t.Fatalf("restore job row lost: %v", err)
	}
	if status != string(jobs.StatusCompleted) {
		t.Errorf("restore job row says %s", status)
	}
}

func getCLITestConfig(t *testing.T) *CLITestConfig {
	host := os.Getenv("MYSQL_TEST_HOST")
	if host == "" {
		host = "localhost"
	}

	port := 3306
	if p := os.Getenv("MYSQL_TEST_PORT"); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			t.Fatalf("invalid MYSQL_TEST_PORT: %v", err)
		}
		port = parsed
	}

	user := os.Getenv("MYSQL_TEST_USER")
	if user == "" {
		user = "root"
	}

	password := os.Getenv("MYSQL_TEST_PASSWORD")
	if password == "" {
		password = "password"
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/mysql", user, password, host, port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Logf("MySQL not available for CLI integration tests: %v", err)
		return nil
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		t.Logf("MySQL not available for CLI integration tests: %v", err)
		return nil
	}

	return &CLITestConfig{Host: host, Port: port, User: user, Password: password, Database: "cli_backup_test"}
}

func buildCLI(t *testing.T) string {
	binary := filepath.Join(t.TempDir(), "mysql-backup-orchestrator-test")
	cmd := exec.Command("go", "build", "-o", binary, ".")
	cmd.Dir = ".."
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build CLI application: %v\n%s", err, out)
	}
	return binary
}

func setupCLITestDatabase(t *testing.T, cfg *CLITestConfig) *sql.DB {
	t.Helper()
	root, err := sql.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/", cfg.User, cfg.Password, cfg.Host, cfg.Port))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer root.Close()

	for _, stmt := range []string{
		"DROP DATABASE IF EXISTS " + cfg.Database,
		"CREATE DATABASE " + cfg.Database,
	} {
		if _, err := root.Exec(stmt); err != nil {
			t.Fatalf("failed to run %q: %v", stmt, err)
		}
	}

	db, err := sql.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() {
		db.Exec("DROP DATABASE IF EXISTS " + cfg.Database)
		db.Close()
	})

	for _, stmt := range []string{
		"CREATE TABLE users (id INT PRIMARY KEY, email VARCHAR(255) NOT NULL)",
		"CREATE TABLE posts (id INT PRIMARY KEY, user_id INT NOT NULL, title VARCHAR(255), FOREIGN KEY (user_id) REFERENCES users(id))",
		"INSERT INTO users VALUES (1, 'a@example.com')",
		"INSERT INTO posts VALUES (1, 1, 'first'), (2, 1, 'second')",
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("failed to run %q: %v", stmt, err)
		}
	}
	return db
}

func writeCLIConfig(t *testing.T, cfg *CLITestConfig) string {
	t.Helper()
	dir := t.TempDir()

	engine := config.GenerateDefaultConfig()
	engine.Database.Host = cfg.Host
	engine.Database.Port = cfg.Port
	engine.Database.Username = cfg.User
	engine.Database.Password = cfg.Password
	engine.Database.Database = cfg.Database
	engine.Shadow.Path = filepath.Join(dir, "shadow.db")
	engine.Backup.WorkDir = filepath.Join(dir, "backups")
	engine.Restore.WorkDir = filepath.Join(dir, "restore-work")
	engine.Restore.Strategies = []string{config.StrategyDirect, config.StrategyClient}
	engine.Storage.Providers = []config.ProviderType{config.ProviderLocal}
	engine.Storage.Local = &config.LocalConfig{BasePath: filepath.Join(dir, "remote"), Permissions: 0o755}

	data, err := yaml.Marshal(engine)
	if err != nil {
		t.Fatalf("failed to render config: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, binary, configFile string, into interface{}, args ...string) {
	t.Helper()
	argv := append([]string{"--config", configFile, "--output", "json", "--quiet"}, args...)
	cmd := exec.Command(binary, argv...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if jerr := json.Unmarshal(out, into); jerr != nil {
		t.Fatalf("%v: unparseable output (%v, run error %v)\nstdout: %s\nstderr: %s", args, jerr, err, out, stderr.String())
	}
}
