package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	CapacityFile     string
	Kube             KubeConfig
	GPU              GPUConfig
	Cache            CacheConfig
	Hub              HubConfig
	Watch            WatchConfig
	WS               WebsocketConfig
	RateLimit        RateLimitConfig
	Tracing          TracingConfig
}

// KubeConfig controls access to the Kubernetes API.
type KubeConfig struct {
	// Kubeconfig is used when not running in-cluster.
	Kubeconfig  string
	Timeout     time.Duration
	Concurrency int
}

// GPUConfig names the node labels and resource key that describe GPUs.
type GPUConfig struct {
	ProductLabel string
	MemoryLabel  string
	CountLabel   string
	Resource     string
}

// CacheConfig sizes the snapshot cache.
type CacheConfig struct {
	Window     time.Duration
	MaxEntries int
}

// HubConfig configures the session ledger. An empty URL disables it.
type HubConfig struct {
	URL            string
	Timeout        time.Duration
	APIToken       string
	TokenSecret    string
	TokenSecretKey string
	PageSize       int
	SiteOption     string
	GPUModelOption string
	GPUCountOption string
	DefaultSite    string
}

// Enabled reports whether a hub URL is configured.
func (h HubConfig) Enabled() bool {
	return h.URL != ""
}

// WatchConfig controls the background availability poller.
type WatchConfig struct {
	Enable   bool
	Interval time.Duration
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// RateLimitConfig limits API requests per client. Zero RPS disables limiting.
type RateLimitConfig struct {
	RPS   float64
	Burst int
	// TrustedProxies are the peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix
}

// Enabled reports whether limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.RPS > 0
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enable      bool
	Endpoint    string
	Environment string
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       ":8080",
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		CapacityFile:     "/etc/gpuavail/capacity.yaml",
		Kube: KubeConfig{
			Timeout:     10 * time.Second,
			Concurrency: 8,
		},
		GPU: GPUConfig{
			ProductLabel: "nvidia.com/gpu.product",
			MemoryLabel:  "nvidia.com/gpu.memory",
			CountLabel:   "nvidia.com/gpu.count",
			Resource:     "nvidia.com/gpu",
		},
		Cache: CacheConfig{
			Window:     60 * time.Second,
			MaxEntries: 16,
		},
		Hub: HubConfig{
			Timeout:        10 * time.Second,
			TokenSecretKey: "token",
			PageSize:       200,
			SiteOption:     "site",
			GPUModelOption: "gpu_model",
			GPUCountOption: "gpu_count",
		},
		Watch: WatchConfig{
			Enable:   true,
			Interval: 30 * time.Second,
		},
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RPS:   0,
			Burst: 20,
		},
		Tracing: TracingConfig{
			Enable:      false,
			Endpoint:    "localhost:4318",
			Environment: "production",
		},
	}

	setString(&cfg.ListenAddr, "APP_LISTEN_ADDR")

	if value := strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	setString(&cfg.CapacityFile, "APP_CAPACITY_FILE")
	setString(&cfg.Kube.Kubeconfig, "APP_KUBECONFIG")
	setString(&cfg.GPU.ProductLabel, "APP_GPU_PRODUCT_LABEL")
	setString(&cfg.GPU.MemoryLabel, "APP_GPU_MEMORY_LABEL")
	setString(&cfg.GPU.CountLabel, "APP_GPU_COUNT_LABEL")
	setString(&cfg.GPU.Resource, "APP_GPU_RESOURCE")
	setString(&cfg.Hub.URL, "APP_HUB_URL")
	setString(&cfg.Hub.APIToken, "APP_HUB_API_TOKEN")
	setString(&cfg.Hub.TokenSecret, "APP_HUB_TOKEN_SECRET")
	setString(&cfg.Hub.TokenSecretKey, "APP_HUB_TOKEN_SECRET_KEY")
	setString(&cfg.Hub.SiteOption, "APP_SESSION_SITE_OPTION")
	setString(&cfg.Hub.GPUModelOption, "APP_SESSION_GPU_MODEL_OPTION")
	setString(&cfg.Hub.GPUCountOption, "APP_SESSION_GPU_COUNT_OPTION")
	setString(&cfg.Hub.DefaultSite, "APP_DEFAULT_SITE")
	setString(&cfg.Tracing.Endpoint, "APP_OTLP_ENDPOINT")
	setString(&cfg.Tracing.Environment, "APP_ENVIRONMENT")

	bools := []struct {
		name string
		dst  *bool
	}{
		{"APP_ENABLE_PROMETHEUS", &cfg.EnablePrometheus},
		{"APP_ENABLE_PPROF", &cfg.EnablePprof},
		{"APP_WATCH_ENABLE", &cfg.Watch.Enable},
		{"APP_TRACING_ENABLE", &cfg.Tracing.Enable},
	}
	for _, item := range bools {
		if err := setBool(item.dst, item.name); err != nil {
			return Config{}, err
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"APP_CACHE_WINDOW", &cfg.Cache.Window},
		{"APP_KUBE_TIMEOUT", &cfg.Kube.Timeout},
		{"APP_HUB_TIMEOUT", &cfg.Hub.Timeout},
		{"APP_WATCH_INTERVAL", &cfg.Watch.Interval},
		{"APP_WS_WRITE_TIMEOUT", &cfg.WS.WriteTimeout},
		{"APP_WS_READ_TIMEOUT", &cfg.WS.ReadTimeout},
	}
	for _, item := range durations {
		if err := setPositiveDuration(item.dst, item.name); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"APP_CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries},
		{"APP_KUBE_CONCURRENCY", &cfg.Kube.Concurrency},
		{"APP_HUB_PAGE_SIZE", &cfg.Hub.PageSize},
		{"APP_WS_MAX_CLIENTS", &cfg.WS.MaxClients},
		{"APP_RATE_LIMIT_BURST", &cfg.RateLimit.Burst},
	}
	for _, item := range ints {
		if err := setPositiveInt(item.dst, item.name); err != nil {
			return Config{}, err
		}
	}

	if value := strings.TrimSpace(os.Getenv("APP_RATE_LIMIT_RPS")); value != "" {
		rps, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_RATE_LIMIT_RPS: %w", err)
		}
		if rps < 0 {
			return Config{}, fmt.Errorf("APP_RATE_LIMIT_RPS must be >= 0")
		}
		cfg.RateLimit.RPS = rps
	}

	if value := strings.TrimSpace(os.Getenv("APP_RATE_LIMIT_TRUSTED_PROXIES")); value != "" {
		proxies, err := parsePrefixes(splitAndTrim(value, ","))
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_RATE_LIMIT_TRUSTED_PROXIES: %w", err)
		}
		cfg.RateLimit.TrustedProxies = proxies
	}

	if cfg.Hub.URL != "" {
		u, err := url.Parse(cfg.Hub.URL)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_HUB_URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return Config{}, fmt.Errorf("APP_HUB_URL must use http or https")
		}
		if cfg.Hub.APIToken == "" && cfg.Hub.TokenSecret == "" {
			return Config{}, fmt.Errorf("APP_HUB_URL requires APP_HUB_API_TOKEN or APP_HUB_TOKEN_SECRET")
		}
	}
	if cfg.Hub.TokenSecret != "" {
		namespace, name, ok := strings.Cut(cfg.Hub.TokenSecret, "/")
		if !ok || namespace == "" || name == "" || strings.Contains(name, "/") {
			return Config{}, fmt.Errorf("APP_HUB_TOKEN_SECRET must be namespace/name")
		}
	}

	return cfg, nil
}

func setString(dst *string, name string) {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		*dst = value
	}
}

func setBool(dst *bool, name string) error {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = enabled
	return nil
}

func setPositiveDuration(dst *time.Duration, name string) error {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s must be > 0", name)
	}
	*dst = duration
	return nil
}

func setPositiveInt(dst *int, name string) error {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("%s must be > 0", name)
	}
	*dst = parsed
	return nil
}

// parsePrefixes accepts CIDR prefixes and bare addresses.
func parsePrefixes(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, value := range values {
		if !strings.Contains(value, "/") {
			addr, err := netip.ParseAddr(value)
			if err != nil {
				return nil, err
			}
			addr = addr.Unmap()
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
