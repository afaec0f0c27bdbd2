package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kmirotor/rotor/pkg/keys"
)

// Defaults mirror the documented behavior of the gateway.
const (
	DefaultListen                  = "127.0.0.1:54123"
	DefaultBasePath                = "/kmi-rotor/v1"
	DefaultUpstreamBaseURL         = "https://api.kimi.com/coding/v1"
	DefaultStateDir                = "~/.kmi"
	DefaultRotationCooldownSeconds = 300
	DefaultRetryBaseMS             = 250
	DefaultTraceMaxBytes           = 5 * 1024 * 1024
	DefaultTraceMaxBackups         = 3
	DefaultUsageCacheSeconds       = 300
	DefaultPaymentBlockSeconds     = 3600
	DefaultBlocklistRecheckSeconds = 600
	DefaultBlocklistRecheckMax     = 3
)

// KeyEntry is one credential as declared in the config file.
type KeyEntry struct {
	Label    string `yaml:"label"`
	Secret   string `yaml:"secret"`
	BaseURL  string `yaml:"base_url"`
	Priority int    `yaml:"priority"`
	Disabled bool   `yaml:"disabled"`
}

// Config is the loaded, validated configuration record consumed by the core.
type Config struct {
	Listen          string `yaml:"listen"`
	BasePath        string `yaml:"base_path"`
	UpstreamBaseURL string `yaml:"upstream_base_url"`
	StateDir        string `yaml:"state_dir"`

	DryRun             bool `yaml:"dry_run"`
	AutoRotateAllowed  bool `yaml:"auto_rotate_allowed"`
	AllowRemote        bool `yaml:"allow_remote"`
	EnforcePermissions bool `yaml:"enforce_permissions"`

	ProxyToken string `yaml:"proxy_token"`

	RotationCooldownSeconds int `yaml:"rotation_cooldown_seconds"`
	RetryMax                int `yaml:"retry_max"`
	RetryBaseMS             int `yaml:"retry_base_ms"`

	MaxRPS       int `yaml:"max_rps"`
	MaxRPM       int `yaml:"max_rpm"`
	MaxRPSPerKey int `yaml:"max_rps_per_key"`
	MaxRPMPerKey int `yaml:"max_rpm_per_key"`

	RequireUsageBeforeRequest bool `yaml:"require_usage_before_request"`
	FailOpenOnEmptyCache      bool `yaml:"fail_open_on_empty_cache"`
	RotateIncludeWarn         bool `yaml:"rotate_include_warn"`
	PreferNextOnTie           bool `yaml:"prefer_next_on_tie"`

	UsageCacheSeconds       int `yaml:"usage_cache_seconds"`
	PaymentBlockSeconds     int `yaml:"payment_block_seconds"`
	BlocklistRecheckSeconds int `yaml:"blocklist_recheck_seconds"`
	BlocklistRecheckMax     int `yaml:"blocklist_recheck_max"`

	TraceMaxBytes   int64 `yaml:"trace_max_bytes"`
	TraceMaxBackups int   `yaml:"trace_max_backups"`

	TimeZone string `yaml:"time_zone"`

	UpstreamAllowlist []string `yaml:"upstream_allowlist"`
	PaymentTokens     []string `yaml:"payment_tokens"` // extends the built-in token set

	Keys []KeyEntry `yaml:"keys"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Listen:                  DefaultListen,
		BasePath:                DefaultBasePath,
		UpstreamBaseURL:         DefaultUpstreamBaseURL,
		StateDir:                DefaultStateDir,
		DryRun:                  true,
		EnforcePermissions:      true,
		RotationCooldownSeconds: DefaultRotationCooldownSeconds,
		RetryBaseMS:             DefaultRetryBaseMS,
		FailOpenOnEmptyCache:    true,
		RotateIncludeWarn:       true,
		PreferNextOnTie:         true,
		UsageCacheSeconds:       DefaultUsageCacheSeconds,
		PaymentBlockSeconds:     DefaultPaymentBlockSeconds,
		BlocklistRecheckSeconds: DefaultBlocklistRecheckSeconds,
		BlocklistRecheckMax:     DefaultBlocklistRecheckMax,
		TraceMaxBytes:           DefaultTraceMaxBytes,
		TraceMaxBackups:         DefaultTraceMaxBackups,
		TimeZone:                "local",
	}
}

// Load reads the YAML file at path (skipped when path is empty or missing),
// applies KMI_* environment overrides, validates, and returns the Config.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("KMI_PROXY_LISTEN", &c.Listen)
	envStr("KMI_PROXY_BASE_PATH", &c.BasePath)
	envStr("KMI_UPSTREAM_BASE_URL", &c.UpstreamBaseURL)
	envStr("KMI_STATE_DIR", &c.StateDir)
	envStr("KMI_PROXY_TOKEN", &c.ProxyToken)
	envStr("KMI_TIME_ZONE", &c.TimeZone)
	envBool("KMI_DRY_RUN", &c.DryRun)
	envBool("KMI_AUTO_ROTATE_ALLOWED", &c.AutoRotateAllowed)
	envBool("KMI_PROXY_ALLOW_REMOTE", &c.AllowRemote)
	envBool("KMI_ENFORCE_PERMISSIONS", &c.EnforcePermissions)
	envBool("KMI_REQUIRE_USAGE_BEFORE_REQUEST", &c.RequireUsageBeforeRequest)
	envBool("KMI_FAIL_OPEN_ON_EMPTY_CACHE", &c.FailOpenOnEmptyCache)
	envBool("KMI_ROTATE_INCLUDE_WARN", &c.RotateIncludeWarn)
	envBool("KMI_ROTATE_ON_TIE", &c.PreferNextOnTie)
	envInt("KMI_ROTATION_COOLDOWN_SECONDS", &c.RotationCooldownSeconds)
	envInt("KMI_PROXY_RETRY_MAX", &c.RetryMax)
	envInt("KMI_PROXY_RETRY_BASE_MS", &c.RetryBaseMS)
	envInt("KMI_PROXY_MAX_RPS", &c.MaxRPS)
	envInt("KMI_PROXY_MAX_RPM", &c.MaxRPM)
	envInt("KMI_PROXY_MAX_RPS_PER_KEY", &c.MaxRPSPerKey)
	envInt("KMI_PROXY_MAX_RPM_PER_KEY", &c.MaxRPMPerKey)
	envInt("KMI_USAGE_CACHE_SECONDS", &c.UsageCacheSeconds)
	envInt("KMI_PAYMENT_BLOCK_SECONDS", &c.PaymentBlockSeconds)
	envInt("KMI_BLOCKLIST_RECHECK_SECONDS", &c.BlocklistRecheckSeconds)
	envInt("KMI_BLOCKLIST_RECHECK_MAX", &c.BlocklistRecheckMax)
	envInt64("KMI_TRACE_MAX_BYTES", &c.TraceMaxBytes)
	envInt("KMI_TRACE_BACKUPS", &c.TraceMaxBackups)
	if v := os.Getenv("KMI_UPSTREAM_ALLOWLIST"); v != "" {
		c.UpstreamAllowlist = splitList(v)
	}
}

// Validate checks the shapes that the rest of the core relies on.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen must be host:port: %w", err)
	}
	if !strings.HasPrefix(c.BasePath, "/") {
		return fmt.Errorf("base_path must start with '/'")
	}
	c.BasePath = strings.TrimRight(c.BasePath, "/")
	if c.BasePath == "" {
		c.BasePath = "/"
	}
	normalized, err := ValidateBaseURL(c.UpstreamBaseURL, c.UpstreamAllowlist)
	if err != nil {
		return fmt.Errorf("upstream_base_url: %w", err)
	}
	c.UpstreamBaseURL = normalized
	if !c.isLocalListen() && !c.AllowRemote {
		return fmt.Errorf("remote proxy binding is disabled; set allow_remote to override")
	}
	if !c.isLocalListen() && c.ProxyToken == "" {
		return fmt.Errorf("remote proxy binding requires proxy_token")
	}
	return nil
}

// ValidateBaseURL checks scheme, host presence, and allowlist membership
// (supporting "*.domain" wildcards) and returns the URL without a trailing
// slash.
func ValidateBaseURL(raw string, allowlist []string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("must not be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if !strings.EqualFold(parsed.Scheme, "https") {
		return "", fmt.Errorf("must use https://")
	}
	host := parsed.Hostname()
	if host == "" {
		return "", fmt.Errorf("must include a host")
	}
	if !hostAllowed(host, allowlist) {
		return "", fmt.Errorf("host %q is not in the upstream allowlist", host)
	}
	return strings.TrimRight(raw, "/"), nil
}

func hostAllowed(host string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, entry := range allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, "*.") && strings.HasSuffix(host, entry[1:]) {
			return true
		}
		if host == entry {
			return true
		}
	}
	return false
}

// Registry builds the credential registry from the config's key entries.
func (c *Config) Registry() *keys.Registry {
	creds := make([]keys.Credential, 0, len(c.Keys))
	for _, entry := range c.Keys {
		cred := keys.NewCredential(entry.Label, entry.Secret, entry.Priority, entry.Disabled)
		cred.BaseURL = strings.TrimRight(entry.BaseURL, "/")
		creds = append(creds, cred)
	}
	return keys.NewRegistry(creds)
}

// StatePath returns the expanded path of the persisted state document.
func (c *Config) StatePath() string {
	return filepath.Join(c.ExpandedStateDir(), "state.json")
}

// TracePath returns the expanded path of the trace log.
func (c *Config) TracePath() string {
	return filepath.Join(c.ExpandedStateDir(), "trace", "trace.jsonl")
}

// ExpandedStateDir resolves a leading "~" in the state directory.
func (c *Config) ExpandedStateDir() string {
	dir := c.StateDir
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
		}
	}
	return dir
}

func (c *Config) isLocalListen() bool {
	host, _, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return false
	}
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}

func envStr(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = parsed
		}
	}
}

func envInt64(name string, dst *int64) {
	if v, ok := os.LookupEnv(name); ok {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
