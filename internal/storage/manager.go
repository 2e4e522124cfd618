package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mysql-backup-orchestrator/internal/logging"
)

// Upload outcome statuses
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ProviderResult is one provider's answer to a fan-out operation
type ProviderResult struct {
	Status string  `json:"status"`
	Info   Locator `json:"info,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// UploadResults maps provider name to its outcome
type UploadResults map[string]ProviderResult

// Succeeded counts successful providers
func (r UploadResults) Succeeded() int {
	n := 0
	for _, res := range r {
		if res.Status == StatusSuccess {
			n++
		}
	}
	return n
}

// AsExtra renders the results for a job's extra map
func (r UploadResults) AsExtra() map[string]interface{} {
	out := make(map[string]interface{}, len(r))
	for name, res := range r {
		entry := map[string]interface{}{"status": res.Status}
		if res.Info != nil {
			entry["info"] = map[string]interface{}(res.Info)
		}
		if res.Error != "" {
			entry["error"] = res.Error
		}
		out[name] = entry
	}
	return out
}

// Manager fans uploads out to every provider and retrieves from the first
// provider that has the artifact
type Manager struct {
	providers []Provider
	encryptor *Encryptor
	timeout   time.Duration
	logger    *logging.Logger
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithEncryptor encrypts artifacts before upload
func WithEncryptor(e *Encryptor) ManagerOption {
	return func(m *Manager) { m.encryptor = e }
}

// WithProviderTimeout bounds each provider call independently
func WithProviderTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = d }
}

// NewManager creates a manager over providers, in retrieval order
func NewManager(providers []Provider, logger *logging.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	m := &Manager{
		providers: providers,
		timeout:   30 * time.Minute,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Providers returns the configured providers
func (m *Manager) Providers() []Provider {
	return m.providers
}

func (m *Manager) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// Upload sends the artifact to every provider sequentially. Each provider
// succeeds or fails on its own; the returned map always has one entry per
// provider.
func (m *Manager) Upload(ctx context.Context, path, id string) (UploadResults, error) {
	source := path
	if m.encryptor.Enabled() {
		sealed := path + ".enc"
		if err := m.encryptor.EncryptFile(path, sealed); err != nil {
			return nil, err
		}
		defer os.Remove(sealed)
		source = sealed
	}

	results := make(UploadResults, len(m.providers))
	for _, p := range m.providers {
		name := string(p.Name())
		pctx, cancel := m.providerContext(ctx)
		started := time.Now()
		locator, err := p.Upload(pctx, source, id)
		cancel()

		entry := m.logger.WithFields(map[string]interface{}{
			"provider":  name,
			"backup_id": id,
			"duration":  time.Since(started).String(),
		})
		if err != nil {
			entry.WithField("error", err.Error()).Warn("Artifact upload failed")
			results[name] = ProviderResult{Status: StatusFailed, Error: err.Error()}
			continue
		}
		if m.encryptor.Enabled() {
			locator["encrypted"] = true
		}
		entry.Info("Artifact uploaded")
		results[name] = ProviderResult{Status: StatusSuccess, Info: locator}
	}
	return results, nil
}

// Download tries providers in order and returns the name of the one that
// served the artifact
func (m *Manager) Download(ctx context.Context, id, dest string) (string, error) {
	target := dest
	if m.encryptor.Enabled() {
		target = dest + ".enc"
		defer os.Remove(target)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", NewStorageError("failed to create download directory", err)
	}

	var lastErr error
	for _, p := range m.providers {
		pctx, cancel := m.providerContext(ctx)
		found, err := p.Download(pctx, id, target)
		cancel()

		if err != nil {
			m.logger.WithFields(map[string]interface{}{
				"provider":  string(p.Name()),
				"backup_id": id,
				"error":     err.Error(),
			}).Warn("Artifact download failed, trying next provider")
			lastErr = err
			continue
		}
		if !found {
			continue
		}

		if m.encryptor.Enabled() {
			if err := m.encryptor.DecryptFile(target, dest); err != nil {
				return "", err
			}
		}
		return string(p.Name()), nil
	}

	if lastErr != nil {
		return "", NewStorageError(fmt.Sprintf("no provider could serve artifact %s", id), lastErr)
	}
	return "", NewError(ErrorTypeNotFound, fmt.Sprintf("artifact %s not found in any provider", id), nil)
}

// Exists reports whether any provider holds the artifact
func (m *Manager) Exists(ctx context.Context, id string) (bool, error) {
	var lastErr error
	for _, p := range m.providers {
		pctx, cancel := m.providerContext(ctx)
		ok, err := p.Exists(pctx, id)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, lastErr
}

// Delete removes the artifact from every provider
func (m *Manager) Delete(ctx context.Context, id string) UploadResults {
	results := make(UploadResults, len(m.providers))
	for _, p := range m.providers {
		pctx, cancel := m.providerContext(ctx)
		deleted, err := p.Delete(pctx, id)
		cancel()

		switch {
		case err != nil:
			results[string(p.Name())] = ProviderResult{Status: StatusFailed, Error: err.Error()}
		default:
			results[string(p.Name())] = ProviderResult{
				Status: StatusSuccess,
				Info:   Locator{"provider": string(p.Name()), "deleted": deleted},
			}
		}
	}
	return results
}

// HealthCheck probes every provider
func (m *Manager) HealthCheck(ctx context.Context) map[string]error {
	out := make(map[string]error, len(m.providers))
	for _, p := range m.providers {
		pctx, cancel := m.providerContext(ctx)
		out[string(p.Name())] = p.HealthCheck(pctx)
		cancel()
	}
	return out
}
