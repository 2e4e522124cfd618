package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ProviderType identifies a storage backend
type ProviderType string

const (
	ProviderLocal ProviderType = "LOCAL"
	ProviderS3    ProviderType = "S3"
	ProviderAzure ProviderType = "AZURE"
	ProviderGCS   ProviderType = "GCS"
)

// StorageConfig lists the providers an artifact is fanned out to, in retrieval order
type StorageConfig struct {
	Providers []ProviderType `yaml:"providers"`
	Local     *LocalConfig   `yaml:"local,omitempty"`
	S3        *S3Config      `yaml:"s3,omitempty"`
	Azure     *AzureConfig   `yaml:"azure,omitempty"`
	GCS       *GCSConfig     `yaml:"gcs,omitempty"`
}

// LocalConfig for local file system storage
type LocalConfig struct {
	BasePath    string      `yaml:"base_path"`
	Permissions os.FileMode `yaml:"permissions"`
}

// S3Config for Amazon S3 storage
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// AzureConfig for Azure Blob Storage
type AzureConfig struct {
	AccountName   string `yaml:"account_name"`
	AccountKey    string `yaml:"account_key"`
	ContainerName string `yaml:"container_name"`
	Prefix        string `yaml:"prefix"`
}

// GCSConfig for Google Cloud Storage
type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsPath string `yaml:"credentials_path"`
	ProjectID       string `yaml:"project_id"`
}

// Key sources
const (
	KeySourceEnv        = "env"
	KeySourceFile       = "file"
	KeySourcePassphrase = "passphrase"
)

// Key derivation functions for passphrase keys
const (
	KDFArgon2id = "argon2id"
	KDFPBKDF2   = "pbkdf2"
)

// EncryptionConfig defines artifact encryption settings. Keys are only ever
// read from the environment or a key file, never persisted by the engine.
type EncryptionConfig struct {
	Enabled          bool   `yaml:"enabled"`
	KeySource        string `yaml:"key_source"`  // "env", "file", "passphrase"
	KeyPath          string `yaml:"key_path"`    // Path to key file
	KeyEnvVar        string `yaml:"key_env_var"` // Environment variable holding a hex key or passphrase
	KDF              string `yaml:"kdf"`         // "argon2id" or "pbkdf2", passphrase source only
	PBKDF2Iterations int    `yaml:"pbkdf2_iterations"`

	// KeyRetriever overrides key lookup, used by tests
	KeyRetriever func() ([]byte, error) `yaml:"-"`
}

func isValidProvider(p ProviderType) bool {
	switch p {
	case ProviderLocal, ProviderS3, ProviderAzure, ProviderGCS:
		return true
	}
	return false
}

// Validate validates the StorageConfig
func (sc *StorageConfig) Validate() error {
	var errors ValidationErrors

	if len(sc.Providers) == 0 {
		errors.Add("providers", "at least one storage provider is required", nil)
	}

	seen := make(map[ProviderType]bool)
	for _, p := range sc.Providers {
		if !isValidProvider(p) {
			errors.Add("providers", "unsupported storage provider", p)
			continue
		}
		if seen[p] {
			errors.Add("providers", "provider listed twice", p)
		}
		seen[p] = true

		switch p {
		case ProviderLocal:
			if sc.Local == nil || sc.Local.BasePath == "" {
				errors.Add("local.base_path", "base path is required for local storage", nil)
			}
		case ProviderS3:
			if sc.S3 == nil || sc.S3.Bucket == "" {
				errors.Add("s3.bucket", "bucket is required for S3 storage", nil)
			} else if sc.S3.Region == "" {
				errors.Add("s3.region", "region is required for S3 storage", nil)
			}
		case ProviderAzure:
			if sc.Azure == nil || sc.Azure.AccountName == "" || sc.Azure.AccountKey == "" {
				errors.Add("azure.account", "account name and key are required for Azure storage", nil)
			} else if sc.Azure.ContainerName == "" {
				errors.Add("azure.container_name", "container name is required for Azure storage", nil)
			}
		case ProviderGCS:
			if sc.GCS == nil || sc.GCS.Bucket == "" {
				errors.Add("gcs.bucket", "bucket is required for GCS storage", nil)
			}
		}
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for storage configuration
func (sc *StorageConfig) SetDefaults() {
	if len(sc.Providers) == 0 {
		sc.Providers = []ProviderType{ProviderLocal}
	}
	if sc.Local == nil {
		sc.Local = &LocalConfig{}
	}
	sc.Local.SetDefaults()
	if sc.S3 != nil {
		sc.S3.SetDefaults()
	}
	if sc.Azure != nil {
		sc.Azure.SetDefaults()
	}
	if sc.GCS != nil {
		sc.GCS.SetDefaults()
	}
}

// LoadFromEnvironment loads storage configuration from environment variables.
// BACKUP_STORAGE_PROVIDERS is a comma separated list, e.g. "local,s3".
func (sc *StorageConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_STORAGE_PROVIDERS"); val != "" {
		sc.Providers = nil
		for _, p := range strings.Split(val, ",") {
			if p = strings.TrimSpace(p); p != "" {
				sc.Providers = append(sc.Providers, ProviderType(strings.ToUpper(p)))
			}
		}
	}

	for _, p := range sc.Providers {
		switch p {
		case ProviderLocal:
			if sc.Local == nil {
				sc.Local = &LocalConfig{}
			}
			sc.Local.LoadFromEnvironment()
		case ProviderS3:
			if sc.S3 == nil {
				sc.S3 = &S3Config{}
				sc.S3.SetDefaults()
			}
			sc.S3.LoadFromEnvironment()
		case ProviderAzure:
			if sc.Azure == nil {
				sc.Azure = &AzureConfig{}
				sc.Azure.SetDefaults()
			}
			sc.Azure.LoadFromEnvironment()
		case ProviderGCS:
			if sc.GCS == nil {
				sc.GCS = &GCSConfig{}
				sc.GCS.SetDefaults()
			}
			sc.GCS.LoadFromEnvironment()
		}
	}
}

// SetDefaults sets default values for local storage configuration
func (lc *LocalConfig) SetDefaults() {
	if lc.BasePath == "" {
		lc.BasePath = "./backups"
	}
	if lc.Permissions == 0 {
		lc.Permissions = 0o755
	}
}

// LoadFromEnvironment loads local storage configuration from environment variables
func (lc *LocalConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_LOCAL_BASE_PATH"); val != "" {
		lc.BasePath = val
	}
	if val := os.Getenv("BACKUP_LOCAL_PERMISSIONS"); val != "" {
		if parsed, err := strconv.ParseUint(val, 8, 32); err == nil {
			lc.Permissions = os.FileMode(parsed)
		}
	}
}

// SetDefaults sets default values for S3 storage configuration
func (s3c *S3Config) SetDefaults() {
	if s3c.Region == "" {
		s3c.Region = "us-east-1"
	}
	if s3c.Prefix == "" {
		s3c.Prefix = "backups/"
	}
}

// LoadFromEnvironment loads S3 storage configuration from environment variables
func (s3c *S3Config) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_S3_BUCKET"); val != "" {
		s3c.Bucket = val
	}
	if val := os.Getenv("BACKUP_S3_REGION"); val != "" {
		s3c.Region = val
	}
	if val := os.Getenv("BACKUP_S3_ENDPOINT"); val != "" {
		s3c.Endpoint = val
	}
	if val := os.Getenv("BACKUP_S3_ACCESS_KEY"); val != "" {
		s3c.AccessKey = val
	}
	if val := os.Getenv("BACKUP_S3_SECRET_KEY"); val != "" {
		s3c.SecretKey = val
	}
}

// SetDefaults sets default values for Azure storage configuration
func (ac *AzureConfig) SetDefaults() {
	if ac.Prefix == "" {
		ac.Prefix = "backups/"
	}
}

// LoadFromEnvironment loads Azure storage configuration from environment variables
func (ac *AzureConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_AZURE_ACCOUNT_NAME"); val != "" {
		ac.AccountName = val
	}
	if val := os.Getenv("BACKUP_AZURE_ACCOUNT_KEY"); val != "" {
		ac.AccountKey = val
	}
	if val := os.Getenv("BACKUP_AZURE_CONTAINER_NAME"); val != "" {
		ac.ContainerName = val
	}
}

// SetDefaults sets default values for GCS storage configuration
func (gc *GCSConfig) SetDefaults() {
	if gc.CredentialsPath == "" {
		gc.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if gc.Prefix == "" {
		gc.Prefix = "backups/"
	}
}

// LoadFromEnvironment loads GCS storage configuration from environment variables
func (gc *GCSConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_GCS_BUCKET"); val != "" {
		gc.Bucket = val
	}
	if val := os.Getenv("BACKUP_GCS_CREDENTIALS_PATH"); val != "" {
		gc.CredentialsPath = val
	}
	if val := os.Getenv("BACKUP_GCS_PROJECT_ID"); val != "" {
		gc.ProjectID = val
	}
}

// Validate validates the EncryptionConfig
func (ec *EncryptionConfig) Validate() error {
	var errors ValidationErrors

	if !ec.Enabled || ec.KeyRetriever != nil {
		return nil
	}

	switch ec.KeySource {
	case "":
		errors.Add("key_source", "key source is required when encryption is enabled", ec.KeySource)
	case KeySourceEnv:
		if ec.KeyEnvVar == "" {
			errors.Add("key_env_var", "key environment variable name is required for env key source", ec.KeyEnvVar)
		}
	case KeySourceFile:
		if ec.KeyPath == "" {
			errors.Add("key_path", "key file path is required for file key source", ec.KeyPath)
		}
	case KeySourcePassphrase:
		if ec.KeyEnvVar == "" {
			errors.Add("key_env_var", "passphrase environment variable name is required", ec.KeyEnvVar)
		}
		if ec.KDF != KDFArgon2id && ec.KDF != KDFPBKDF2 {
			errors.Add("kdf", "kdf must be 'argon2id' or 'pbkdf2'", ec.KDF)
		}
	default:
		errors.Add("key_source", "invalid key source, must be 'env', 'file', or 'passphrase'", ec.KeySource)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for encryption configuration
func (ec *EncryptionConfig) SetDefaults() {
	if ec.KeySource == "" {
		ec.KeySource = KeySourceEnv
	}
	if ec.KeyEnvVar == "" {
		ec.KeyEnvVar = "BACKUP_ENCRYPTION_KEY"
	}
	if ec.KDF == "" {
		ec.KDF = KDFArgon2id
	}
	if ec.PBKDF2Iterations == 0 {
		ec.PBKDF2Iterations = 100000
	}
}

// LoadFromEnvironment loads encryption configuration from environment variables
func (ec *EncryptionConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_ENCRYPTION_ENABLED"); val != "" {
		ec.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("BACKUP_ENCRYPTION_KEY_SOURCE"); val != "" {
		ec.KeySource = val
	}
	if val := os.Getenv("BACKUP_ENCRYPTION_KEY_PATH"); val != "" {
		ec.KeyPath = val
	}
	if val := os.Getenv("BACKUP_ENCRYPTION_KEY_ENV_VAR"); val != "" {
		ec.KeyEnvVar = val
	}
	if val := os.Getenv("BACKUP_ENCRYPTION_KDF"); val != "" {
		ec.KDF = strings.ToLower(val)
	}
}

// IsPassphrase reports whether the key is derived per artifact from a passphrase
func (ec *EncryptionConfig) IsPassphrase() bool {
	return ec.KeySource == KeySourcePassphrase
}

// GetEncryptionKey retrieves the raw 32-byte key for the env and file sources
func (ec *EncryptionConfig) GetEncryptionKey() ([]byte, error) {
	if !ec.Enabled {
		return nil, nil
	}

	if ec.KeyRetriever != nil {
		return ec.KeyRetriever()
	}

	switch ec.KeySource {
	case KeySourceEnv:
		keyStr := os.Getenv(ec.KeyEnvVar)
		if keyStr == "" {
			return nil, fmt.Errorf("encryption key not found in environment variable %s", ec.KeyEnvVar)
		}
		key, err := hex.DecodeString(strings.TrimSpace(keyStr))
		if err != nil {
			return nil, fmt.Errorf("failed to decode hex key from environment variable: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d bytes", len(key))
		}
		return key, nil

	case KeySourceFile:
		keyData, err := os.ReadFile(ec.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read encryption key from file %s: %w", ec.KeyPath, err)
		}
		if len(keyData) != 32 {
			return nil, fmt.Errorf("encryption key file must contain 32 bytes for AES-256, got %d bytes", len(keyData))
		}
		return keyData, nil

	case KeySourcePassphrase:
		return nil, fmt.Errorf("passphrase key source derives keys per artifact, use GetPassphrase")

	default:
		return nil, fmt.Errorf("invalid key source: %s", ec.KeySource)
	}
}

// GetPassphrase returns the passphrase for the passphrase key source
func (ec *EncryptionConfig) GetPassphrase() ([]byte, error) {
	if ec.KeyRetriever != nil {
		return ec.KeyRetriever()
	}
	val := os.Getenv(ec.KeyEnvVar)
	if val == "" {
		return nil, fmt.Errorf("passphrase not found in environment variable %s", ec.KeyEnvVar)
	}
	return []byte(val), nil
}
