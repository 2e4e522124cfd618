package database

import (
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
)

func TestDatabaseConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  DatabaseConfig
		wantErr string
	}{
		{
			name:   "valid config",
			config: DatabaseConfig{Host: "localhost", Port: 3306, Username: "backup", Database: "blog"},
		},
		{
			name:    "missing host",
			config:  DatabaseConfig{Port: 3306, Username: "backup", Database: "blog"},
			wantErr: "host is required",
		},
		{
			name:    "bad port",
			config:  DatabaseConfig{Host: "localhost", Port: 70000, Username: "backup", Database: "blog"},
			wantErr: "port must be between",
		},
		{
			name:    "missing database",
			config:  DatabaseConfig{Host: "localhost", Port: 3306, Username: "backup"},
			wantErr: "database name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				if tt.config.Timeout != 30*time.Second {
					t.Errorf("expected default timeout, got %v", tt.config.Timeout)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	config := DatabaseConfig{
		Host:     "db.internal",
		Port:     3307,
		Username: "backup",
		Password: "p@ss:word/with?chars",
		Database: "blog",
		Timeout:  10 * time.Second,
	}

	parsed, err := mysql.ParseDSN(config.DSN())
	if err != nil {
		t.Fatalf("ParseDSN() error = %v", err)
	}
	if parsed.Addr != "db.internal:3307" {
		t.Errorf("Addr = %q", parsed.Addr)
	}
	if parsed.Passwd != config.Password {
		t.Errorf("password did not round-trip: %q", parsed.Passwd)
	}
	if parsed.DBName != "blog" || !parsed.ParseTime || parsed.MultiStatements {
		t.Errorf("unexpected parsed config: %+v", parsed)
	}

	script, err := mysql.ParseDSN(config.ScriptDSN())
	if err != nil {
		t.Fatalf("ParseDSN() error = %v", err)
	}
	if !script.MultiStatements {
		t.Error("ScriptDSN should enable multiStatements")
	}
}
