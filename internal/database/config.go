package database

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

// DatabaseConfig holds the configuration parameters for database connection
type DatabaseConfig struct {
	Host     string        `mapstructure:"host" yaml:"host"`
	Port     int           `mapstructure:"port" yaml:"port"`
	Username string        `mapstructure:"username" yaml:"username"`
	Password string        `mapstructure:"password" yaml:"password"`
	Database string        `mapstructure:"database" yaml:"database"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Validate checks if the database configuration has all required parameters
func (dc *DatabaseConfig) Validate() error {
	var errs []error

	if dc.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}

	if dc.Port <= 0 || dc.Port > 65535 {
		errs = append(errs, errors.New("port must be between 1 and 65535"))
	}

	if dc.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}

	if dc.Database == "" {
		errs = append(errs, errors.New("database name is required"))
	}

	if dc.Timeout <= 0 {
		dc.Timeout = 30 * time.Second
	}

	if len(errs) > 0 {
		return fmt.Errorf("database configuration validation failed: %v", errs)
	}

	return nil
}

// Address returns host:port
func (dc *DatabaseConfig) Address() string {
	return net.JoinHostPort(dc.Host, strconv.Itoa(dc.Port))
}

// DSN returns the Data Source Name for MySQL connection
func (dc *DatabaseConfig) DSN() string {
	return dc.driverConfig(false).FormatDSN()
}

// ScriptDSN returns a DSN that accepts multi-statement scripts, used when a
// dump is applied through the driver
func (dc *DatabaseConfig) ScriptDSN() string {
	return dc.driverConfig(true).FormatDSN()
}

func (dc *DatabaseConfig) driverConfig(multiStatements bool) *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.User = dc.Username
	cfg.Passwd = dc.Password
	cfg.Net = "tcp"
	cfg.Addr = dc.Address()
	cfg.DBName = dc.Database
	cfg.Timeout = dc.Timeout
	cfg.ParseTime = true
	cfg.MultiStatements = multiStatements
	return cfg
}
