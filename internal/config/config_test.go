package config

import (
	"log/slog"
	"net/netip"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected ListenAddr: %s", cfg.ListenAddr)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"*"}) {
		t.Fatalf("unexpected AllowedOrigins: %#v", cfg.AllowedOrigins)
	}
	if cfg.EnablePrometheus || cfg.EnablePprof {
		t.Fatalf("prometheus and pprof must be disabled by default")
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected LogLevel: %v", cfg.LogLevel)
	}
	if cfg.CapacityFile != "/etc/gpuavail/capacity.yaml" {
		t.Fatalf("unexpected CapacityFile: %s", cfg.CapacityFile)
	}
	if cfg.Cache.Window != 60*time.Second {
		t.Fatalf("unexpected Cache.Window: %s", cfg.Cache.Window)
	}
	if cfg.Cache.MaxEntries != 16 {
		t.Fatalf("unexpected Cache.MaxEntries: %d", cfg.Cache.MaxEntries)
	}
	if cfg.Kube.Kubeconfig != "" || cfg.Kube.Timeout != 10*time.Second || cfg.Kube.Concurrency != 8 {
		t.Fatalf("unexpected Kube defaults: %+v", cfg.Kube)
	}
	expectedGPU := GPUConfig{
		ProductLabel: "nvidia.com/gpu.product",
		MemoryLabel:  "nvidia.com/gpu.memory",
		CountLabel:   "nvidia.com/gpu.count",
		Resource:     "nvidia.com/gpu",
	}
	if cfg.GPU != expectedGPU {
		t.Fatalf("unexpected GPU defaults: %+v", cfg.GPU)
	}
	if cfg.Hub.Enabled() {
		t.Fatalf("hub must be disabled by default")
	}
	if cfg.Hub.PageSize != 200 || cfg.Hub.TokenSecretKey != "token" {
		t.Fatalf("unexpected Hub defaults: %+v", cfg.Hub)
	}
	if cfg.Hub.SiteOption != "site" || cfg.Hub.GPUModelOption != "gpu_model" || cfg.Hub.GPUCountOption != "gpu_count" {
		t.Fatalf("unexpected session option keys: %+v", cfg.Hub)
	}
	if !cfg.Watch.Enable || cfg.Watch.Interval != 30*time.Second {
		t.Fatalf("unexpected Watch defaults: %+v", cfg.Watch)
	}
	if cfg.WS.MaxClients != 1024 || cfg.WS.WriteTimeout != 3*time.Second || cfg.WS.ReadTimeout != 30*time.Second {
		t.Fatalf("unexpected WS defaults: %+v", cfg.WS)
	}
	if cfg.RateLimit.Enabled() || cfg.RateLimit.Burst != 20 {
		t.Fatalf("unexpected RateLimit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Tracing.Enable || cfg.Tracing.Endpoint != "localhost:4318" || cfg.Tracing.Environment != "production" {
		t.Fatalf("unexpected Tracing defaults: %+v", cfg.Tracing)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APP_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("APP_ENABLE_PROMETHEUS", "true")
	t.Setenv("APP_ENABLE_PPROF", "1")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_CAPACITY_FILE", "/tmp/capacity.yaml")
	t.Setenv("APP_KUBECONFIG", "/tmp/kubeconfig")
	t.Setenv("APP_KUBE_TIMEOUT", "5s")
	t.Setenv("APP_KUBE_CONCURRENCY", "4")
	t.Setenv("APP_CACHE_WINDOW", "2m")
	t.Setenv("APP_CACHE_MAX_ENTRIES", "64")
	t.Setenv("APP_GPU_RESOURCE", "amd.com/gpu")
	t.Setenv("APP_HUB_URL", "https://hub.example")
	t.Setenv("APP_HUB_TOKEN_SECRET", "hub/api-token")
	t.Setenv("APP_HUB_PAGE_SIZE", "50")
	t.Setenv("APP_DEFAULT_SITE", "siteX")
	t.Setenv("APP_WATCH_ENABLE", "false")
	t.Setenv("APP_WATCH_INTERVAL", "10s")
	t.Setenv("APP_WS_MAX_CLIENTS", "16")
	t.Setenv("APP_RATE_LIMIT_RPS", "2.5")
	t.Setenv("APP_RATE_LIMIT_BURST", "5")
	t.Setenv("APP_RATE_LIMIT_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.7")
	t.Setenv("APP_TRACING_ENABLE", "true")
	t.Setenv("APP_OTLP_ENDPOINT", "otel:4318")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr override failed, got %s", cfg.ListenAddr)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Fatalf("AllowedOrigins override failed, got %#v", cfg.AllowedOrigins)
	}
	if !cfg.EnablePrometheus || !cfg.EnablePprof {
		t.Fatalf("boolean overrides failed")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel override failed, got %v", cfg.LogLevel)
	}
	if cfg.CapacityFile != "/tmp/capacity.yaml" {
		t.Fatalf("CapacityFile override failed, got %s", cfg.CapacityFile)
	}
	if cfg.Kube.Kubeconfig != "/tmp/kubeconfig" || cfg.Kube.Timeout != 5*time.Second || cfg.Kube.Concurrency != 4 {
		t.Fatalf("Kube override failed, got %+v", cfg.Kube)
	}
	if cfg.Cache.Window != 2*time.Minute || cfg.Cache.MaxEntries != 64 {
		t.Fatalf("Cache override failed, got %+v", cfg.Cache)
	}
	if cfg.GPU.Resource != "amd.com/gpu" || cfg.GPU.ProductLabel != "nvidia.com/gpu.product" {
		t.Fatalf("GPU override failed, got %+v", cfg.GPU)
	}
	if !cfg.Hub.Enabled() || cfg.Hub.TokenSecret != "hub/api-token" || cfg.Hub.PageSize != 50 || cfg.Hub.DefaultSite != "siteX" {
		t.Fatalf("Hub override failed, got %+v", cfg.Hub)
	}
	if cfg.Watch.Enable || cfg.Watch.Interval != 10*time.Second {
		t.Fatalf("Watch override failed, got %+v", cfg.Watch)
	}
	if cfg.WS.MaxClients != 16 {
		t.Fatalf("WS.MaxClients override failed, got %d", cfg.WS.MaxClients)
	}
	if !cfg.RateLimit.Enabled() || cfg.RateLimit.RPS != 2.5 || cfg.RateLimit.Burst != 5 {
		t.Fatalf("RateLimit override failed, got %+v", cfg.RateLimit)
	}
	wantProxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("192.168.1.7/32")}
	if !reflect.DeepEqual(cfg.RateLimit.TrustedProxies, wantProxies) {
		t.Fatalf("TrustedProxies override failed, got %v", cfg.RateLimit.TrustedProxies)
	}
	if !cfg.Tracing.Enable || cfg.Tracing.Endpoint != "otel:4318" {
		t.Fatalf("Tracing override failed, got %+v", cfg.Tracing)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
	}{
		{"InvalidOrigins", map[string]string{"APP_ALLOWED_ORIGINS": ","}},
		{"InvalidPrometheusBool", map[string]string{"APP_ENABLE_PROMETHEUS": "maybe"}},
		{"InvalidLogLevel", map[string]string{"APP_LOG_LEVEL": "loud"}},
		{"InvalidCacheWindow", map[string]string{"APP_CACHE_WINDOW": "soon"}},
		{"NonPositiveCacheWindow", map[string]string{"APP_CACHE_WINDOW": "0s"}},
		{"NonPositiveMaxEntries", map[string]string{"APP_CACHE_MAX_ENTRIES": "0"}},
		{"InvalidConcurrency", map[string]string{"APP_KUBE_CONCURRENCY": "many"}},
		{"NegativeKubeTimeout", map[string]string{"APP_KUBE_TIMEOUT": "-1s"}},
		{"InvalidWSMaxClients", map[string]string{"APP_WS_MAX_CLIENTS": "zero"}},
		{"InvalidWatchEnable", map[string]string{"APP_WATCH_ENABLE": "sometimes"}},
		{"InvalidRateLimit", map[string]string{"APP_RATE_LIMIT_RPS": "fast"}},
		{"NegativeRateLimit", map[string]string{"APP_RATE_LIMIT_RPS": "-1"}},
		{"InvalidTrustedProxy", map[string]string{"APP_RATE_LIMIT_TRUSTED_PROXIES": "10.0.0.0/33"}},
		{"TrustedProxyHostname", map[string]string{"APP_RATE_LIMIT_TRUSTED_PROXIES": "proxy.local"}},
		{"HubURLWithoutScheme", map[string]string{"APP_HUB_URL": "hub.example", "APP_HUB_API_TOKEN": "t"}},
		{"HubURLWithoutToken", map[string]string{"APP_HUB_URL": "https://hub.example"}},
		{"MalformedTokenSecret", map[string]string{"APP_HUB_TOKEN_SECRET": "api-token"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for key, val := range tc.env {
				t.Setenv(key, val)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %v", tc.env)
			}
		})
	}
}
