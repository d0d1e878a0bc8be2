package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"

	"github.com/me/fairq/pkg/model"
)

const ctxKeyWorkerAuth ctxKey = "worker_auth"

// WorkerKeyHeader carries the worker key on callback requests.
const WorkerKeyHeader = "X-Worker-Key"

// WorkerAuthContext holds authenticated worker info for a request.
type WorkerAuthContext struct {
	KeyID  string   // Hash of the key (for logging, not the raw key)
	Queues []string // Queues this key may report for; empty means all
}

// WorkerAuthFromContext extracts the WorkerAuthContext from request context.
func WorkerAuthFromContext(ctx context.Context) *WorkerAuthContext {
	if wc, ok := ctx.Value(ctxKeyWorkerAuth).(*WorkerAuthContext); ok {
		return wc
	}
	return nil
}

// WorkerKeyConfig maps worker keys to the queues they serve.
type WorkerKeyConfig struct {
	Keys map[string]WorkerKeyEntry `json:"keys"`
}

// WorkerKeyEntry defines the queues and metadata for a worker key.
type WorkerKeyEntry struct {
	Queues      []string `json:"queues"`
	Description string   `json:"description,omitempty"`
}

// LoadWorkerKeyConfig loads worker keys from configFile and from the
// FAIRQ_WORKER_KEYS environment variable, which holds a JSON object of
// key to queue list. The environment wins on duplicate keys.
func LoadWorkerKeyConfig(configFile string) (*WorkerKeyConfig, error) {
	cfg := &WorkerKeyConfig{
		Keys: make(map[string]WorkerKeyEntry),
	}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read worker keys: %w", err)
		}
		var fileCfg WorkerKeyConfig
		if err := json.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parse worker keys %s: %w", configFile, err)
		}
		for k, v := range fileCfg.Keys {
			cfg.Keys[k] = v
		}
	}

	// Format: {"key1": ["batch", "interactive"], "key2": []}
	if envVal := os.Getenv("FAIRQ_WORKER_KEYS"); envVal != "" {
		var envKeys map[string][]string
		if err := json.Unmarshal([]byte(envVal), &envKeys); err != nil {
			return nil, fmt.Errorf("parse FAIRQ_WORKER_KEYS: %w", err)
		}
		for key, queues := range envKeys {
			cfg.Keys[key] = WorkerKeyEntry{Queues: queues}
		}
	}

	return cfg, nil
}

// ValidateKey returns the entry for key, or nil if the key is unknown.
func (c *WorkerKeyConfig) ValidateKey(key string) *WorkerKeyEntry {
	if entry, ok := c.Keys[key]; ok {
		return &entry
	}
	return nil
}

// IsEnabled returns true if any worker keys are configured.
func (c *WorkerKeyConfig) IsEnabled() bool {
	return c != nil && len(c.Keys) > 0
}

// hashKey creates a short hash of the key for logging purposes.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:8])
}

// workerAuthMiddleware validates the X-Worker-Key header on worker
// callbacks. With no keys configured the callbacks are open.
func workerAuthMiddleware(keyConfig *WorkerKeyConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := RequestIDFromContext(r.Context())

			if !keyConfig.IsEnabled() {
				ctx := context.WithValue(r.Context(), ctxKeyWorkerAuth, &WorkerAuthContext{KeyID: "none"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			key := r.Header.Get(WorkerKeyHeader)
			if key == "" {
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "worker authentication required (X-Worker-Key header missing)",
				})
				return
			}

			entry := keyConfig.ValidateKey(key)
			if entry == nil {
				logger.Warn("invalid worker key", "key_hash", hashKey(key))
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "invalid worker key",
				})
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyWorkerAuth, &WorkerAuthContext{
				KeyID:  hashKey(key),
				Queues: entry.Queues,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CanReportFor checks if the worker may report results for queue.
func (c *WorkerAuthContext) CanReportFor(queue string) bool {
	if c == nil {
		return false
	}
	if len(c.Queues) == 0 {
		return true
	}
	return slices.Contains(c.Queues, queue)
}
