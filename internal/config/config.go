// Package config loads and watches the engine configuration. Values layer as
// defaults < config.json < OPENMEM_* environment variables; env-pinned keys
// are reported as locked so the dashboard knows they cannot be edited.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. OPENMEM_BATCHSIZE.
const EnvPrefix = "OPENMEM"

// MemoryDirName is the per-project state directory.
const MemoryDirName = ".memory"

// ConfigFileName is the configuration snapshot inside the memory directory.
const ConfigFileName = "config.json"

// Source identifies where a key's effective value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
)

// Config is the effective engine configuration.
type Config struct {
	DBPath string `mapstructure:"dbPath" json:"dbPath"`

	Provider string `mapstructure:"provider" json:"provider"`
	Model    string `mapstructure:"model" json:"model"`
	APIKey   string `mapstructure:"apiKey" json:"apiKey,omitempty"`

	CompressionEnabled bool `mapstructure:"compressionEnabled" json:"compressionEnabled"`
	EmbeddingDimension int  `mapstructure:"embeddingDimension" json:"embeddingDimension"`

	BatchSize       int `mapstructure:"batchSize" json:"batchSize"`
	BatchIntervalMs int `mapstructure:"batchIntervalMs" json:"batchIntervalMs"`

	MinOutputLength         int `mapstructure:"minOutputLength" json:"minOutputLength"`
	MaxTokensPerCompression int `mapstructure:"maxTokensPerCompression" json:"maxTokensPerCompression"`

	ConflictResolutionEnabled  bool    `mapstructure:"conflictResolutionEnabled" json:"conflictResolutionEnabled"`
	ConflictSimilarityBandLow  float64 `mapstructure:"conflictSimilarityBandLow" json:"conflictSimilarityBandLow"`
	ConflictSimilarityBandHigh float64 `mapstructure:"conflictSimilarityBandHigh" json:"conflictSimilarityBandHigh"`

	EntityExtractionEnabled bool `mapstructure:"entityExtractionEnabled" json:"entityExtractionEnabled"`
	RerankingEnabled        bool `mapstructure:"rerankingEnabled" json:"rerankingEnabled"`

	MaxIndexEntries             int `mapstructure:"maxIndexEntries" json:"maxIndexEntries"`
	MaxObservations             int `mapstructure:"maxObservations" json:"maxObservations"`
	ContextFullObservationCount int `mapstructure:"contextFullObservationCount" json:"contextFullObservationCount"`
	MaxContextTokens            int `mapstructure:"maxContextTokens" json:"maxContextTokens"`

	SensitivePatterns []string `mapstructure:"sensitivePatterns" json:"sensitivePatterns,omitempty"`

	RetentionDays     int  `mapstructure:"retentionDays" json:"retentionDays"`
	MaxDatabaseSizeMb int  `mapstructure:"maxDatabaseSizeMb" json:"maxDatabaseSizeMb"`
	RateLimitEnabled  bool `mapstructure:"rateLimitingEnabled" json:"rateLimitingEnabled"`
}

// KeyInfo describes one configuration key for introspection.
type KeyInfo struct {
	Key       string `json:"key"`
	Value     any    `json:"value"`
	Source    Source `json:"source"`
	Locked    bool   `json:"locked"`
	LiveApply bool   `json:"liveApply"`
}

// liveApplyKeys take effect without a restart. Everything else requires the
// engine to be reopened (dbPath, embeddingDimension, provider selection).
var liveApplyKeys = map[string]bool{
	"compressionEnabled":          true,
	"batchSize":                   true,
	"batchIntervalMs":             true,
	"minOutputLength":             true,
	"maxTokensPerCompression":     true,
	"conflictResolutionEnabled":   true,
	"conflictSimilarityBandLow":   true,
	"conflictSimilarityBandHigh":  true,
	"entityExtractionEnabled":     true,
	"rerankingEnabled":            true,
	"maxIndexEntries":             true,
	"maxObservations":             true,
	"contextFullObservationCount": true,
	"maxContextTokens":            true,
	"sensitivePatterns":           true,
	"retentionDays":               true,
	"maxDatabaseSizeMb":           true,
	"rateLimitingEnabled":         true,
}

// allKeys enumerates every supported key, in display order.
var allKeys = []string{
	"dbPath", "provider", "model", "apiKey",
	"compressionEnabled", "embeddingDimension",
	"batchSize", "batchIntervalMs",
	"minOutputLength", "maxTokensPerCompression",
	"conflictResolutionEnabled", "conflictSimilarityBandLow", "conflictSimilarityBandHigh",
	"entityExtractionEnabled", "rerankingEnabled",
	"maxIndexEntries", "maxObservations", "contextFullObservationCount", "maxContextTokens",
	"sensitivePatterns", "retentionDays", "maxDatabaseSizeMb", "rateLimitingEnabled",
}

// Loader owns the viper instance, the file watcher, and change callbacks.
type Loader struct {
	mu        sync.RWMutex
	v         *viper.Viper
	dir       string
	current   *Config
	watcher   *fsnotify.Watcher
	onChange  []func(*Config)
	closeOnce sync.Once
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("dbPath", filepath.Join(dir, "memory.db"))
	v.SetDefault("provider", "anthropic")
	v.SetDefault("model", "claude-haiku-4-5")
	v.SetDefault("apiKey", "")
	v.SetDefault("compressionEnabled", true)
	v.SetDefault("embeddingDimension", 768)
	v.SetDefault("batchSize", 10)
	v.SetDefault("batchIntervalMs", 30000)
	v.SetDefault("minOutputLength", 50)
	v.SetDefault("maxTokensPerCompression", 1024)
	v.SetDefault("conflictResolutionEnabled", true)
	v.SetDefault("conflictSimilarityBandLow", 0.70)
	v.SetDefault("conflictSimilarityBandHigh", 0.92)
	v.SetDefault("entityExtractionEnabled", false)
	v.SetDefault("rerankingEnabled", false)
	v.SetDefault("maxIndexEntries", 100)
	v.SetDefault("maxObservations", 30)
	v.SetDefault("contextFullObservationCount", 5)
	v.SetDefault("maxContextTokens", 4000)
	v.SetDefault("sensitivePatterns", []string{})
	v.SetDefault("retentionDays", 90)
	v.SetDefault("maxDatabaseSizeMb", 512)
	v.SetDefault("rateLimitingEnabled", true)
}

// Load reads configuration for the memory directory at dir, creating the
// directory if needed.
func Load(dir string) (*Loader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create memory dir: %w", err)
	}

	v := viper.New()
	setDefaults(v, dir)

	v.SetConfigFile(filepath.Join(dir, ConfigFileName))
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			var notFound viper.ConfigFileNotFoundError
			if !errorsAs(err, &notFound) {
				return nil, fmt.Errorf("failed to read %s: %w", ConfigFileName, err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	l := &Loader{v: v, dir: dir}
	cfg, err := l.unmarshal()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// errorsAs is a tiny indirection so Load reads cleanly; viper returns a
// value-type error for the not-found case.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Current returns the effective configuration snapshot.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Dir returns the memory directory this loader is bound to.
func (l *Loader) Dir() string { return l.dir }

// OnChange registers a callback invoked after a successful live reload.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts the config.json watcher. Changes to live-apply keys take
// effect immediately; other changes are logged as requiring a restart.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}
	l.mu.Lock()
	l.watcher = w
	l.mu.Unlock()

	go l.watchLoop(w)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher) {
	target := filepath.Join(l.dir, ConfigFileName)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Name != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			l.reload()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (l *Loader) reload() {
	if err := l.v.ReadInConfig(); err != nil {
		slog.Warn("config reload failed, keeping previous values", "error", err)
		return
	}
	cfg, err := l.unmarshal()
	if err != nil {
		slog.Warn("config reload rejected", "error", err)
		return
	}

	l.mu.Lock()
	prev := l.current
	l.current = cfg
	callbacks := append([]func(*Config){}, l.onChange...)
	l.mu.Unlock()

	if restart := restartKeysChanged(prev, cfg); len(restart) > 0 {
		slog.Warn("config keys changed that require a restart", "keys", restart)
	}
	for _, fn := range callbacks {
		fn(cfg)
	}
	slog.Info("configuration reloaded", "file", ConfigFileName)
}

func restartKeysChanged(a, b *Config) []string {
	var changed []string
	if a.DBPath != b.DBPath {
		changed = append(changed, "dbPath")
	}
	if a.Provider != b.Provider {
		changed = append(changed, "provider")
	}
	if a.Model != b.Model {
		changed = append(changed, "model")
	}
	if a.EmbeddingDimension != b.EmbeddingDimension {
		changed = append(changed, "embeddingDimension")
	}
	return changed
}

// Close stops the watcher.
func (l *Loader) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.watcher != nil {
			l.watcher.Close()
		}
	})
}

// Keys returns introspection info for every supported key.
func (l *Loader) Keys() []KeyInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	infos := make([]KeyInfo, 0, len(allKeys))
	for _, key := range allKeys {
		src := l.sourceOf(key)
		value := l.v.Get(key)
		if key == "apiKey" && value != "" {
			value = "********"
		}
		infos = append(infos, KeyInfo{
			Key:       key,
			Value:     value,
			Source:    src,
			Locked:    src == SourceEnv,
			LiveApply: liveApplyKeys[key],
		})
	}
	return infos
}

func (l *Loader) sourceOf(key string) Source {
	envName := EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
	if _, ok := os.LookupEnv(envName); ok {
		return SourceEnv
	}
	if l.v.InConfig(key) {
		return SourceFile
	}
	return SourceDefault
}

// Save writes the current effective configuration back to config.json as the
// persisted snapshot (env-only secrets are not written).
func (l *Loader) Save() error {
	l.mu.RLock()
	cfg := *l.current
	l.mu.RUnlock()

	if l.sourceOf("apiKey") == SourceEnv {
		cfg.APIKey = ""
	}

	data, err := json.MarshalIndent(&cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	path := filepath.Join(l.dir, ConfigFileName)
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Validate enforces the invariants between related keys.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be positive, got %d", c.BatchSize)
	}
	if c.BatchIntervalMs <= 0 {
		return fmt.Errorf("batchIntervalMs must be positive, got %d", c.BatchIntervalMs)
	}
	if c.EmbeddingDimension < 0 {
		return fmt.Errorf("embeddingDimension must be >= 0, got %d", c.EmbeddingDimension)
	}
	if c.ConflictSimilarityBandLow < 0 || c.ConflictSimilarityBandHigh > 1 {
		return fmt.Errorf("similarity bands must lie in [0,1]")
	}
	if c.ConflictSimilarityBandLow >= c.ConflictSimilarityBandHigh {
		return fmt.Errorf("conflictSimilarityBandLow (%.2f) must be below conflictSimilarityBandHigh (%.2f)",
			c.ConflictSimilarityBandLow, c.ConflictSimilarityBandHigh)
	}
	if c.MaxContextTokens <= 0 {
		return fmt.Errorf("maxContextTokens must be positive, got %d", c.MaxContextTokens)
	}
	return nil
}

// EmbeddingsEnabled reports whether the engine should compute vectors at all.
func (c *Config) EmbeddingsEnabled() bool {
	return c.EmbeddingDimension > 0
}

// UserMemoryDBPath returns the optional cross-project store location next to
// the main store.
func (c *Config) UserMemoryDBPath() string {
	return filepath.Join(filepath.Dir(c.DBPath), "user-memory.db")
}
