package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// RemoteFetcher retrieves a remote configuration snapshot keyed by node id.
// The control plane that backs this is an external collaborator; tests
// and callers without one may leave it nil, in which case Load falls
// straight through to the cache layer.
type RemoteFetcher interface {
	FetchConfig(nodeID string) (map[string]any, error)
}

// Change describes one dot-path's value before and after a Reload.
type Change struct {
	Old any
	New any
}

// Store is the agent's layered Config Store (C1). It holds one viper
// instance for the layered main configuration tree and, separately, the
// name/value pairs read from the owner-only secrets file. Reads and writes
// of the main tree serialize through mu so that a dot-path read observes a
// consistent view relative to concurrent Set/Reload calls; the secrets map
// is guarded by its own secretsMu.
type Store struct {
	mu sync.RWMutex
	v  *viper.Viper

	secretsMu   sync.RWMutex
	secretsPath string
	secrets     map[string]string

	configFile string
	cacheFile  string
	nodeID     string
	fetcher    RemoteFetcher
}

// Options configures where a Store reads and writes its on-disk layers.
type Options struct {
	ConfigFile  string
	CacheFile   string
	SecretsFile string
	NodeID      string
	Fetcher     RemoteFetcher
}

// Load builds a Store by layering, in order: built-in defaults, the on-disk
// config file, a remote snapshot (merged and persisted to the cache file on
// success), or the cache file itself on remote failure. The secrets file is
// loaded separately and never merged into the main tree.
func Load(opts Options) (*Store, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	for path, val := range defaultsMap() {
		v.SetDefault(path, val)
	}

	if opts.ConfigFile != "" {
		if err := mergeFile(v, opts.ConfigFile); err != nil {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	remoteApplied := false
	if opts.Fetcher != nil {
		if snapshot, err := opts.Fetcher.FetchConfig(opts.NodeID); err == nil {
			if mergeErr := v.MergeConfigMap(snapshot); mergeErr == nil {
				remoteApplied = true
				if opts.CacheFile != "" {
					_ = writeCacheSnapshot(opts.CacheFile, v.AllSettings())
				}
			}
		}
	}

	if !remoteApplied && opts.CacheFile != "" {
		_ = mergeFile(v, opts.CacheFile)
	}

	s := &Store{
		v:           v,
		configFile:  opts.ConfigFile,
		cacheFile:   opts.CacheFile,
		secretsPath: opts.SecretsFile,
		nodeID:      opts.NodeID,
		fetcher:     opts.Fetcher,
		secrets:     map[string]string{},
	}

	if opts.SecretsFile != "" {
		if err := s.loadSecrets(); err != nil {
			return nil, fmt.Errorf("config: reading secrets file: %w", err)
		}
	}

	return s, nil
}

func mergeFile(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return v.MergeConfig(strings.NewReader(string(data)))
}

func writeCacheSnapshot(path string, settings map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out := viper.New()
	out.SetConfigType("yaml")
	if err := out.MergeConfigMap(settings); err != nil {
		return err
	}
	return out.WriteConfigAs(path)
}

// Unmarshal decodes the current layered tree into a Config value.
func (s *Store) Unmarshal() (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var cfg Config
	if err := s.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Get reads a dot-path, returning def if the path is unset. Reads are
// atomic relative to concurrent Set/Reload calls.
func (s *Store) Get(path string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.v.IsSet(path) {
		return def
	}
	return s.v.Get(path)
}

// Set writes a dot-path in the in-memory tree. Call Save to persist.
func (s *Store) Set(path string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(path, value)
}

// GetSecret returns a value from the secrets file, never from the main tree.
func (s *Store) GetSecret(name string) (string, bool) {
	s.secretsMu.RLock()
	defer s.secretsMu.RUnlock()
	v, ok := s.secrets[name]
	return v, ok
}

// Save persists the current in-memory tree to the configured config file.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.configFile == "" {
		return fmt.Errorf("config: no config file configured to save to")
	}
	if err := os.MkdirAll(filepath.Dir(s.configFile), 0o755); err != nil {
		return err
	}
	return s.v.WriteConfigAs(s.configFile)
}

// Reload re-runs the full layering (file, remote, cache) and returns the set
// of dot-paths whose value changed, including additions and removals. The
// supervisor uses this set to decide which workers need a hot update versus
// a restart.
func (s *Store) Reload() (map[string]Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := flatten(s.v.AllSettings())

	fresh := viper.New()
	fresh.SetConfigType("yaml")
	for path, val := range defaultsMap() {
		fresh.SetDefault(path, val)
	}
	if s.configFile != "" {
		if err := mergeFile(fresh, s.configFile); err != nil {
			return nil, fmt.Errorf("config: reload reading config file: %w", err)
		}
	}
	remoteApplied := false
	if s.fetcher != nil {
		if snapshot, err := s.fetcher.FetchConfig(s.nodeID); err == nil {
			if mergeErr := fresh.MergeConfigMap(snapshot); mergeErr == nil {
				remoteApplied = true
				if s.cacheFile != "" {
					_ = writeCacheSnapshot(s.cacheFile, fresh.AllSettings())
				}
			}
		}
	}
	if !remoteApplied && s.cacheFile != "" {
		_ = mergeFile(fresh, s.cacheFile)
	}

	after := flatten(fresh.AllSettings())
	changes := diff(before, after)
	s.v = fresh
	return changes, nil
}

// loadSecrets reads the secrets file directly (never through viper's merge
// chain, so it can never leak into AllSettings/Get). Permissions are
// expected to already be restricted to the owner (0600); loadSecrets
// neither checks nor changes them, and a missing file yields an empty
// secrets map. SaveSecret is what creates the file and sets 0600.
func (s *Store) loadSecrets() error {
	s.secretsMu.Lock()
	defer s.secretsMu.Unlock()

	data, err := os.ReadFile(s.secretsPath)
	if err != nil {
		if os.IsNotExist(err) {
			s.secrets = map[string]string{}
			return nil
		}
		return err
	}

	sv := viper.New()
	sv.SetConfigType("yaml")
	if err := sv.ReadConfig(strings.NewReader(string(data))); err != nil {
		return err
	}
	out := map[string]string{}
	for k, v := range flatten(sv.AllSettings()) {
		if str, ok := v.(string); ok {
			out[k] = str
		}
	}
	s.secrets = out
	return nil
}

// SaveSecret writes name=value into the secrets file with owner-only
// permissions, creating the file if absent.
func (s *Store) SaveSecret(name, value string) error {
	s.secretsMu.Lock()
	defer s.secretsMu.Unlock()

	if s.secretsPath == "" {
		return fmt.Errorf("config: no secrets file configured")
	}
	if s.secrets == nil {
		s.secrets = map[string]string{}
	}
	s.secrets[name] = value

	sv := viper.New()
	sv.SetConfigType("yaml")
	for k, v := range s.secrets {
		sv.Set(k, v)
	}
	if err := os.MkdirAll(filepath.Dir(s.secretsPath), 0o700); err != nil {
		return err
	}
	if err := sv.WriteConfigAs(s.secretsPath); err != nil {
		return err
	}
	return os.Chmod(s.secretsPath, 0o600)
}

// flatten converts a nested settings map into dot-path → scalar/slice pairs.
func flatten(m map[string]any) map[string]any {
	out := map[string]any{}
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		if nested, ok := v.(map[string]any); ok {
			for k, nv := range nested {
				key := k
				if prefix != "" {
					key = prefix + "." + k
				}
				walk(key, nv)
			}
			return
		}
		out[prefix] = v
	}
	walk("", m)
	delete(out, "")
	return out
}

func diff(before, after map[string]any) map[string]Change {
	changes := map[string]Change{}
	for k, ov := range before {
		nv, ok := after[k]
		if !ok {
			changes[k] = Change{Old: ov, New: nil}
			continue
		}
		if !equalValue(ov, nv) {
			changes[k] = Change{Old: ov, New: nv}
		}
	}
	for k, nv := range after {
		if _, ok := before[k]; !ok {
			changes[k] = Change{Old: nil, New: nv}
		}
	}
	return changes
}

func equalValue(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// HotReloadablePaths are the dot-path prefixes the supervisor applies
// without restarting the owning worker: logging level, the
// monitoring keyword set, and alert thresholds. Every other path, interval
// settings included, is not applied to running workers: no worker is
// signalled or restarted, so such a change takes effect on the next start.
var HotReloadablePaths = []string{
	"log.level",
	"monitoring.",
	"alert.rules.",
}

// IsHotReloadable reports whether a changed dot-path can be applied without
// restarting a worker.
func IsHotReloadable(path string) bool {
	for _, prefix := range HotReloadablePaths {
		if path == prefix || strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// IsIntervalChange reports whether a changed dot-path is an interval-valued
// setting (a path ending in ".interval"). It only classifies the path; it
// signals no worker.
func IsIntervalChange(path string) bool {
	return strings.HasSuffix(path, ".interval")
}

// WaitForFile blocks until path exists or d elapses, polling every 200ms.
// Used by callers that need to tolerate a config file appearing late (e.g.
// in containerized startups); not used by Load itself, which treats a
// missing config file as "defaults only".
func WaitForFile(path string, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(200 * time.Millisecond)
	}
}
