package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/viper"
)

const (
	KB = 1024
	MB = 1024 * KB

	// DefaultBaseURL is the public index of the CNPJ open-data archives.
	DefaultBaseURL = "https://arquivos.receitafederal.gov.br/dados/cnpj/dados_abertos_cnpj/"

	// LastCheckLayout is the on-disk format of the last catalog check.
	LastCheckLayout = "2006-01-02 15:04:05"

	envPrefix = "RFBDL"
)

// Setting keys. The document is flat: one key per value.
const (
	KeyDownloadDir     = "download_dir"
	KeyBaseURL         = "base_url"
	KeyLastCheck       = "last_check"
	KeyMaxConcurrent   = "max_concurrent"
	KeyMaxAttempts     = "max_attempts"
	KeyBackoffMin      = "backoff_min"
	KeyBackoffMax      = "backoff_max"
	KeyConnectTimeout  = "connect_timeout"
	KeyChunkTimeout    = "chunk_timeout"
	KeyChunkSize       = "chunk_size"
	KeyUserAgent       = "user_agent"
	KeyProxyURL        = "proxy_url"
	KeyRecentBuckets   = "recent_buckets"
	KeyRefreshInterval = "refresh_interval"
	KeyKeywords        = "keywords"
	KeyLogLevel        = "log_level"
	KeyLogRetention    = "log_retention"
)

// Settings holds all user-configurable application settings.
type Settings struct {
	DownloadDir     string        `mapstructure:"download_dir"`
	BaseURL         string        `mapstructure:"base_url"`
	LastCheck       string        `mapstructure:"last_check"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffMin      time.Duration `mapstructure:"backoff_min"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ChunkTimeout    time.Duration `mapstructure:"chunk_timeout"`
	ChunkSize       int           `mapstructure:"chunk_size"`
	UserAgent       string        `mapstructure:"user_agent"`
	ProxyURL        string        `mapstructure:"proxy_url"`
	RecentBuckets   int           `mapstructure:"recent_buckets"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Keywords        []string      `mapstructure:"keywords"`
	LogLevel        string        `mapstructure:"log_level"`
	LogRetention    int           `mapstructure:"log_retention"`
}

// SettingMeta provides metadata for a single setting.
type SettingMeta struct {
	Key         string // JSON key name
	Description string // Help text for `config show`
	Type        string // "string", "int", "duration", "list"
}

// GetSettingsMetadata returns metadata for all settings, sorted by key.
func GetSettingsMetadata() []SettingMeta {
	meta := []SettingMeta{
		{Key: KeyDownloadDir, Description: "Root directory; archives land in <dir>/<YYYY-MM>/<file>.", Type: "string"},
		{Key: KeyBaseURL, Description: "Index URL of the open-data file server.", Type: "string"},
		{Key: KeyLastCheck, Description: "When the catalog was last refreshed.", Type: "string"},
		{Key: KeyMaxConcurrent, Description: "Transfers allowed to perform network I/O at once.", Type: "int"},
		{Key: KeyMaxAttempts, Description: "Attempts per file before it is marked failed.", Type: "int"},
		{Key: KeyBackoffMin, Description: "Lower bound of the jittered retry delay (e.g. 1.5s).", Type: "duration"},
		{Key: KeyBackoffMax, Description: "Upper bound of the jittered retry delay (e.g. 3.5s).", Type: "duration"},
		{Key: KeyConnectTimeout, Description: "Time allowed to connect and receive response headers.", Type: "duration"},
		{Key: KeyChunkTimeout, Description: "Time allowed for a single chunk read before the transfer counts as stalled.", Type: "duration"},
		{Key: KeyChunkSize, Description: "Bytes read per chunk.", Type: "int"},
		{Key: KeyUserAgent, Description: "Fixed User-Agent. Leave empty to rotate browser identifiers.", Type: "string"},
		{Key: KeyProxyURL, Description: "http(s):// or socks5:// proxy. Empty uses the environment.", Type: "string"},
		{Key: KeyRecentBuckets, Description: "How many of the most recent known months are re-crawled on refresh.", Type: "int"},
		{Key: KeyRefreshInterval, Description: "Minimum time between automatic catalog refreshes.", Type: "duration"},
		{Key: KeyKeywords, Description: "Comma-separated archive name keywords to include.", Type: "list"},
		{Key: KeyLogLevel, Description: "debug, info, warn or error.", Type: "string"},
		{Key: KeyLogRetention, Description: "Number of recent log files to keep.", Type: "int"},
	}
	sort.Slice(meta, func(i, j int) bool { return meta[i].Key < meta[j].Key })
	return meta
}

// DefaultKeywords selects the archive families of the CNPJ dataset.
var DefaultKeywords = []string{
	"cnaes", "empresas", "estabelecimentos", "motivos",
	"municipios", "naturezas", "paises", "qualificacoes",
	"simples", "socios",
}

// DefaultSettings returns a new Settings instance with sensible defaults.
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()
	defaultDir := filepath.Join(homeDir, "Downloads", "DadosCNPJ")

	keywords := make([]string, len(DefaultKeywords))
	copy(keywords, DefaultKeywords)

	return &Settings{
		DownloadDir:     defaultDir,
		BaseURL:         DefaultBaseURL,
		LastCheck:       "",
		MaxConcurrent:   10,
		MaxAttempts:     100,
		BackoffMin:      1500 * time.Millisecond,
		BackoffMax:      3500 * time.Millisecond,
		ConnectTimeout:  5 * time.Minute,
		ChunkTimeout:    60 * time.Second,
		ChunkSize:       10 * MB,
		UserAgent:       "",
		ProxyURL:        "",
		RecentBuckets:   1,
		RefreshInterval: time.Hour,
		Keywords:        keywords,
		LogLevel:        "info",
		LogRetention:    5,
	}
}

// Values flattens s into the key/value pairs written to disk.
func (s *Settings) Values() map[string]any {
	return map[string]any{
		KeyDownloadDir:     s.DownloadDir,
		KeyBaseURL:         s.BaseURL,
		KeyLastCheck:       s.LastCheck,
		KeyMaxConcurrent:   s.MaxConcurrent,
		KeyMaxAttempts:     s.MaxAttempts,
		KeyBackoffMin:      s.BackoffMin.String(),
		KeyBackoffMax:      s.BackoffMax.String(),
		KeyConnectTimeout:  s.ConnectTimeout.String(),
		KeyChunkTimeout:    s.ChunkTimeout.String(),
		KeyChunkSize:       s.ChunkSize,
		KeyUserAgent:       s.UserAgent,
		KeyProxyURL:        s.ProxyURL,
		KeyRecentBuckets:   s.RecentBuckets,
		KeyRefreshInterval: s.RefreshInterval.String(),
		KeyKeywords:        s.Keywords,
		KeyLogLevel:        s.LogLevel,
		KeyLogRetention:    s.LogRetention,
	}
}

// newViper returns a viper instance bound to path with defaults and env overrides.
func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, val := range DefaultSettings().Values() {
		v.SetDefault(key, val)
	}
	return v
}

// readExisting loads path into v, treating a missing file as empty.
func readExisting(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// LoadSettings loads settings from disk. Returns defaults if file doesn't exist.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFrom(GetSettingsPath())
}

// LoadSettingsFrom loads settings from path, filling missing keys with defaults.
func LoadSettingsFrom(path string) (*Settings, error) {
	v := newViper(path)
	if err := readExisting(v); err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

// SaveSettings saves settings to disk atomically.
func SaveSettings(s *Settings) error {
	return SaveSettingsTo(GetSettingsPath(), s)
}

// SaveSettingsTo writes every known key of s to path. Keys in the file that
// this version does not know about are preserved; concurrent writers are
// serialized through a lock file and the last write wins.
func SaveSettingsTo(path string, s *Settings) error {
	return update(path, func(v *viper.Viper) error {
		for key, val := range s.Values() {
			v.Set(key, val)
		}
		return nil
	})
}

// ResetSettings restores the default value of every known key in the
// settings file, keeping any other keys untouched.
func ResetSettings() (*Settings, error) {
	return ResetSettingsAt(GetSettingsPath())
}

// ResetSettingsAt is ResetSettings for an explicit path.
func ResetSettingsAt(path string) (*Settings, error) {
	def := DefaultSettings()
	if err := SaveSettingsTo(path, def); err != nil {
		return nil, err
	}
	return def, nil
}

// SetValue validates and writes a single key.
func SetValue(path, key, value string) error {
	meta, ok := lookupMeta(key)
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}

	var typed any = value
	switch meta.Type {
	case "duration":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		typed = d.String()
	case "int":
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
			return fmt.Errorf("%s: expected an integer: %w", key, err)
		}
		typed = n
	case "list":
		var items []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		typed = items
	}

	return update(path, func(v *viper.Viper) error {
		v.Set(key, typed)
		return nil
	})
}

// update runs fn against the current contents of path under an exclusive
// lock and writes the result back through a temp file and rename.
func update(path string, fn func(v *viper.Viper) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock settings: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	// Plain viper without defaults or env: only what is on disk plus fn's edits.
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := readExisting(v); err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	if err := fn(v); err != nil {
		return err
	}

	tempPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".tmp.json"
	if err := v.WriteConfigAs(tempPath); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return os.Rename(tempPath, path)
}

func lookupMeta(key string) (SettingMeta, bool) {
	for _, m := range GetSettingsMetadata() {
		if m.Key == key {
			return m, true
		}
	}
	return SettingMeta{}, false
}

// LastCheckTime parses LastCheck. ok is false when it is empty or malformed.
func (s *Settings) LastCheckTime() (time.Time, bool) {
	if s.LastCheck == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(LastCheckLayout, s.LastCheck, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// RuntimeConfig is the subset of settings the download engine consumes
type RuntimeConfig struct {
	MaxConcurrent  int
	UserAgent      string
	ProxyURL       string
	ChunkSize      int
	ChunkTimeout   time.Duration
	ConnectTimeout time.Duration
	MaxAttempts    int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
}

// ToRuntimeConfig creates a RuntimeConfig from user Settings
func (s *Settings) ToRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MaxConcurrent:  s.MaxConcurrent,
		UserAgent:      s.UserAgent,
		ProxyURL:       s.ProxyURL,
		ChunkSize:      s.ChunkSize,
		ChunkTimeout:   s.ChunkTimeout,
		ConnectTimeout: s.ConnectTimeout,
		MaxAttempts:    s.MaxAttempts,
		BackoffMin:     s.BackoffMin,
		BackoffMax:     s.BackoffMax,
	}
}
