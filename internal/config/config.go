// Package config loads the pipeline configuration from the environment.
// The struct is constructed once at startup and threaded through
// constructors; nothing reads the environment mid-pipeline.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Filesystem layout. Every build owns DataDir/<id>; PreviewDir/<id>
	// is the preview-serving location populated by the bundle stage.
	DataDir    string
	PreviewDir string

	HTTPAddr string

	// Durable queue settings (worker path).
	NATSURL      string
	JobSubject   string
	WorkerQueue  string
	EventSubject string

	// Bare-import resolution against the content-delivery origin.
	CDNBase         string
	CDNAllow        []string
	CDNPin          map[string]string
	CDNIntegrity    map[string]string
	ExternalESM     bool
	AllowAnyPackage bool
	AllowCDN        bool

	// Origins used for frame-ancestors in the emitted CSP.
	WebBase     string
	ProxyOrigin string
	Production  bool

	// Narrow admin override for the unrestricted network tier. Never
	// inferred from build content.
	AllowUnrestrictedNet bool

	CatalogPath    string
	Concurrency    int
	InstallTimeout time.Duration
	BundleTimeout  time.Duration
	SweepInterval  time.Duration

	UploadEnabled bool
}

func Load() (Config, error) {
	cfg := Config{
		DataDir:      getenv("BUILDS_DIR", "./data/builds"),
		PreviewDir:   getenv("PREVIEW_DIR", "./data/preview"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8787"),
		NATSURL:      getenv("NATS_URL", "nats://127.0.0.1:4222"),
		JobSubject:   getenv("BUILD_JOB_SUBJECT", "builds.jobs"),
		WorkerQueue:  getenv("BUILD_WORKER_QUEUE", "build-workers"),
		EventSubject: getenv("BUILD_EVENT_SUBJECT", "builds.events"),
		CDNBase:      getenv("CDN_BASE", "https://esm.sh"),
		WebBase:      getenv("WEB_BASE", ""),
		ProxyOrigin:  getenv("PROXY_ORIGIN", ""),
		CatalogPath:  getenv("DEPENDENCY_CATALOG", ""),
	}

	cfg.CDNAllow = splitList(getenv("CDN_ALLOW", ""))
	var err error
	cfg.CDNPin, err = parsePairs(getenv("CDN_PIN", ""), "CDN_PIN")
	if err != nil {
		return Config{}, err
	}
	cfg.CDNIntegrity, err = parsePairs(getenv("CDN_INTEGRITY", ""), "CDN_INTEGRITY")
	if err != nil {
		return Config{}, err
	}

	cfg.ExternalESM = getenvBool("EXTERNAL_HTTP_ESM", false)
	cfg.AllowAnyPackage = getenvBool("ALLOW_ANY_NPM", false)
	cfg.AllowCDN = getenvBool("ALLOW_CDN", false)
	cfg.Production = getenv("APP_ENV", "development") == "production"
	cfg.AllowUnrestrictedNet = getenvBool("ALLOW_UNRESTRICTED_NET", false)
	cfg.UploadEnabled = getenvBool("BUNDLE_UPLOAD_ENABLED", false)

	cfg.Concurrency, err = parsePositiveInt(getenv("WORKER_CONCURRENCY", "1"), "WORKER_CONCURRENCY")
	if err != nil {
		return Config{}, err
	}

	cfg.InstallTimeout, err = parseDuration(getenv("INSTALL_TIMEOUT", "4m"), "INSTALL_TIMEOUT")
	if err != nil {
		return Config{}, err
	}
	cfg.BundleTimeout, err = parseDuration(getenv("BUNDLE_TIMEOUT", "4m"), "BUNDLE_TIMEOUT")
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = parseDuration(getenv("BUILD_SWEEP_INTERVAL", "5m"), "BUILD_SWEEP_INTERVAL")
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvBool(key string, defaultValue bool) bool {
	val := getenv(key, "")
	if val == "" {
		return defaultValue
	}
	return val == "true"
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePairs reads "name=value,name=value" lists such as
// CDN_PIN=react=18.2.0,react-dom=18.2.0.
func parsePairs(raw, name string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("invalid %s entry %q, expected name=value", name, pair)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, nil
}

func parseDuration(value, name string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %s)", name, d)
	}
	return d, nil
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}
