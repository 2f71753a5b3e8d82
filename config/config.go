// config/config.go
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix is prepended to every environment variable dashgate reads,
// e.g. DASHGATE_HTTP_PORT.
const EnvPrefix = "DASHGATE"

// HTTPConfig groups HTTP/HTTPS port, protocol and timeout settings.
type HTTPConfig struct {
	HTTPPort  int  `mapstructure:"http_port"`
	HTTPSPort int  `mapstructure:"https_port"`
	UseHTTPS  bool `mapstructure:"use_https"`

	ReadTimeout       time.Duration `mapstructure:"-"`
	ReadHeaderTimeout time.Duration `mapstructure:"-"`
	WriteTimeout      time.Duration `mapstructure:"-"`
	IdleTimeout       time.Duration `mapstructure:"-"`
	ShutdownTimeout   time.Duration `mapstructure:"-"`
}

// TLSConfig groups manual certificate and Let's Encrypt (http-01) settings.
type TLSConfig struct {
	CertFile            string `mapstructure:"cert_file"`
	KeyFile             string `mapstructure:"key_file"`
	UseLetsEncrypt      bool   `mapstructure:"use_lets_encrypt"`
	LetsEncryptEmail    string `mapstructure:"lets_encrypt_email"`
	LetsEncryptCacheDir string `mapstructure:"lets_encrypt_cache_dir"`
	Domain              string `mapstructure:"domain"`
}

// CORSConfig groups the origin policy gate's rules and header lists.
type CORSConfig struct {
	EnableCORS bool `mapstructure:"enable_cors"`

	// CORSAllowedOrigins are literal origins. Entries containing "*" are
	// wildcard-segment patterns, e.g. "http://192.168.*.*:3001".
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`

	// CORSLoopbackPrefixes are only consulted when CORSAllowLoopback is set.
	CORSLoopbackPrefixes []string `mapstructure:"cors_loopback_prefixes"`
	CORSAllowLoopback    bool     `mapstructure:"cors_allow_loopback"`

	// CORSOriginPatterns are regular expressions matched against the whole origin.
	CORSOriginPatterns []string `mapstructure:"cors_origin_patterns"`

	CORSAllowedMethods   []string `mapstructure:"cors_allowed_methods"`
	CORSAllowedHeaders   []string `mapstructure:"cors_allowed_headers"`
	CORSExposedHeaders   []string `mapstructure:"cors_exposed_headers"`
	CORSAllowCredentials bool     `mapstructure:"cors_allow_credentials"`
	CORSMaxAge           int      `mapstructure:"cors_max_age"`
}

// CoreConfig holds the gateway's own runtime configuration.
type CoreConfig struct {
	// runtime
	Env      string `mapstructure:"env"`       // "dev" | "prod"
	LogLevel string `mapstructure:"log_level"` // debug, info, warn, error …

	// grouped config
	HTTP HTTPConfig `mapstructure:",squash"`
	TLS  TLSConfig  `mapstructure:",squash"`
	CORS CORSConfig `mapstructure:",squash"`

	// APIPrefix selects the paths whose 401/404 responses are rewritten as JSON.
	APIPrefix string `mapstructure:"api_prefix"`

	// UpstreamURL is the BI host the gateway proxies to. Empty disables proxying.
	UpstreamURL string `mapstructure:"upstream_url"`

	DBConnectTimeout time.Duration `mapstructure:"-"`

	// AdminAPIKey guards /metrics and the pprof handlers. Empty leaves them
	// open in dev and unmounted in prod.
	AdminAPIKey string `mapstructure:"admin_api_key" json:"-"`

	// HTTP behavior
	MaxRequestBodyBytes int64 `mapstructure:"max_request_body_bytes"`
	EnableCompression   bool  `mapstructure:"enable_compression"`
	CompressionLevel    int   `mapstructure:"compression_level"`
}

// Dump returns a pretty JSON string of the config for debugging.
// The admin API key is never included; the host settings have their own redaction.
func (c CoreConfig) Dump() string {
	b, _ := json.MarshalIndent(c, "", "  ")
	return string(b)
}

// RegisterFlags defines every core flag on fs. Only flags the user sets
// explicitly override env, files and defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("env", "dev", `Runtime environment "dev"|"prod"`)
	fs.String("log_level", "debug", "Log level")

	fs.Int("http_port", 8080, "HTTP port")
	fs.Int("https_port", 443, "HTTPS port")
	fs.Bool("use_https", false, "Serve HTTPS")
	fs.String("read_timeout", "15s", "HTTP server read timeout")
	fs.String("read_header_timeout", "10s", "HTTP server read-header timeout")
	fs.String("write_timeout", "120s", "HTTP server write timeout")
	fs.String("idle_timeout", "60s", "HTTP server idle timeout")
	fs.String("shutdown_timeout", "15s", "Graceful shutdown window")

	// TLS / Let's Encrypt
	fs.Bool("use_lets_encrypt", false, "Use Let's Encrypt (http-01)")
	fs.String("lets_encrypt_email", "", "ACME account e-mail")
	fs.String("lets_encrypt_cache_dir", "letsencrypt-cache", "ACME cache dir")
	fs.String("cert_file", "", "TLS cert file (manual TLS)")
	fs.String("key_file", "", "TLS key file  (manual TLS)")
	fs.String("domain", "", "Domain for TLS or ACME")

	// origin policy gate
	fs.Bool("enable_cors", true, "Enable the origin policy gate")
	fs.String("cors_allowed_origins", "", `JSON array of origins, e.g. '["http://localhost:3000"]'`)
	fs.String("cors_loopback_prefixes", "", `JSON array of loopback prefixes, e.g. '["http://localhost:"]'`)
	fs.Bool("cors_allow_loopback", false, "Allow any origin starting with a loopback prefix")
	fs.String("cors_origin_patterns", "", `JSON array of origin regular expressions`)
	fs.String("cors_allowed_methods", "", `JSON array of methods, e.g. '["GET","POST"]'`)
	fs.String("cors_allowed_headers", "", `JSON array of headers, e.g. '["Accept","Authorization"]'`)
	fs.String("cors_exposed_headers", "", `JSON array of headers, e.g. '["Link"]'`)
	fs.Bool("cors_allow_credentials", true, "CORS: allow credentials")
	fs.Int("cors_max_age", 0, "CORS: preflight max age seconds (0 disables cache)")

	fs.String("api_prefix", "/api/", "Path prefix whose 401/404 responses are rewritten as JSON")
	fs.String("upstream_url", "", "BI host URL to proxy to, e.g. http://superset:8088")

	fs.String("db_connect_timeout", "10s", "Startup timeout for backend connections")
	fs.String("admin_api_key", "", "API key required by /metrics and /debug/pprof")
	fs.Bool("enable_compression", true, "Enable HTTP compression")
	fs.Int("compression_level", 5, "Compression level 1..9")
	fs.Int64("max_request_body_bytes", 32<<20, "Max HTTP request body size in bytes (0 = unlimited)")
}

// Load merges defaults → config.* file(s) → env vars → explicit flags into
// the core config and the BI host settings.
// Final precedence (highest wins): flags(explicit) > env > config > defaults.
//
// fs must already be parsed and carry the flags defined by RegisterFlags.
func Load(fs *pflag.FlagSet, logger *zap.Logger) (*CoreConfig, *Settings, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Optionally load .env (real env still wins over .env)
	if err := godotenv.Load(); err == nil {
		logger.Info("loaded .env file")
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for _, k := range coreKeys() {
		_ = v.BindEnv(k)
	}
	bindSettingsEnv(v)

	mergeConfigFiles(v, logger)

	setDefaults(v)
	setSettingsDefaults(v)

	if fs != nil {
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				_ = v.BindPFlag(f.Name, f)
			}
		})
	}

	if err := normalizeListKeys(logger, v,
		"cors_allowed_origins",
		"cors_loopback_prefixes",
		"cors_origin_patterns",
		"cors_allowed_methods",
		"cors_allowed_headers",
		"cors_exposed_headers",
		"csrf.exempt_list",
		"webserver_domains",
	); err != nil {
		return nil, nil, err
	}
	if err := normalizeMapKeys(v, "feature_flags", "security.http_headers"); err != nil {
		return nil, nil, err
	}

	var cfg CoreConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unable to decode core config: %w", err)
	}
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	loadDurations(logger, v, parseDurationFlexible, []durationKey{
		{"read_timeout", &cfg.HTTP.ReadTimeout, 15 * time.Second},
		{"read_header_timeout", &cfg.HTTP.ReadHeaderTimeout, 10 * time.Second},
		{"write_timeout", &cfg.HTTP.WriteTimeout, 120 * time.Second},
		{"idle_timeout", &cfg.HTTP.IdleTimeout, 60 * time.Second},
		{"shutdown_timeout", &cfg.HTTP.ShutdownTimeout, 15 * time.Second},
		{"db_connect_timeout", &cfg.DBConnectTimeout, 10 * time.Second},
	})

	settings, err := decodeSettings(logger, v)
	if err != nil {
		return nil, nil, err
	}
	settings.applyEnvironment(cfg.Env)

	if err := validateCoreConfig(cfg); err != nil {
		return nil, nil, err
	}
	if err := settings.Validate(cfg.Env); err != nil {
		return nil, nil, err
	}

	return &cfg, settings, nil
}

// mergeConfigFiles reads optional config.{yaml,yml,json,toml} from the working directory.
func mergeConfigFiles(v *viper.Viper, logger *zap.Logger) {
	for _, ext := range [...]string{"yaml", "yml", "json", "toml"} {
		file := "config." + ext
		if _, err := os.Stat(file); err != nil {
			continue
		}
		b, err := os.ReadFile(file)
		if err != nil {
			logger.Warn("cannot read config file", zap.String("file", file), zap.Error(err))
			continue
		}
		v.SetConfigType(ext)
		if err := v.MergeConfig(bytes.NewReader(b)); err != nil {
			logger.Warn("cannot decode config file", zap.String("file", file), zap.Error(err))
			continue
		}
		logger.Info("loaded config file", zap.String("file", file))
	}
}

func coreKeys() []string {
	return []string{
		"env", "log_level",
		"http_port", "https_port", "use_https",
		"read_timeout", "read_header_timeout", "write_timeout", "idle_timeout", "shutdown_timeout",
		"use_lets_encrypt", "lets_encrypt_email", "lets_encrypt_cache_dir",
		"cert_file", "key_file", "domain",
		"enable_cors",
		"cors_allowed_origins", "cors_loopback_prefixes", "cors_allow_loopback", "cors_origin_patterns",
		"cors_allowed_methods", "cors_allowed_headers", "cors_exposed_headers",
		"cors_allow_credentials", "cors_max_age",
		"api_prefix", "upstream_url",
		"db_connect_timeout", "admin_api_key",
		"enable_compression", "compression_level",
		"max_request_body_bytes",
	}
}

// Defaults mirror the permissive development variant of the BI host's
// override file: the local frontends are allowed, credentials are on.
func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "debug")

	v.SetDefault("http_port", 8080)
	v.SetDefault("https_port", 443)
	v.SetDefault("use_https", false)
	v.SetDefault("read_timeout", "15s")
	v.SetDefault("read_header_timeout", "10s")
	v.SetDefault("write_timeout", "120s")
	v.SetDefault("idle_timeout", "60s")
	v.SetDefault("shutdown_timeout", "15s")

	v.SetDefault("use_lets_encrypt", false)
	v.SetDefault("lets_encrypt_email", "")
	v.SetDefault("lets_encrypt_cache_dir", "letsencrypt-cache")
	v.SetDefault("cert_file", "")
	v.SetDefault("key_file", "")
	v.SetDefault("domain", "")

	v.SetDefault("enable_cors", true)
	v.SetDefault("cors_allowed_origins", []string{
		"http://localhost:8080",
		"http://127.0.0.1:8080",
		"http://0.0.0.0:8080",
		"http://vue-frontend:8080",
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	})
	v.SetDefault("cors_loopback_prefixes", []string{"http://localhost:", "http://127.0.0.1:"})
	v.SetDefault("cors_allow_loopback", false)
	v.SetDefault("cors_origin_patterns", []string{})
	v.SetDefault("cors_allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"})
	v.SetDefault("cors_allowed_headers", []string{
		"X-CSRFToken", "Content-Type", "Origin", "Authorization",
		"Accept", "Accept-Language", "DNT", "Cache-Control",
		"X-Mx-ReqToken", "Keep-Alive", "User-Agent",
		"X-Requested-With", "If-Modified-Since", "X-Forwarded-For",
		"X-Forwarded-Proto", "X-Forwarded-Host",
	})
	v.SetDefault("cors_exposed_headers", []string{})
	v.SetDefault("cors_allow_credentials", true)
	v.SetDefault("cors_max_age", 0)

	v.SetDefault("api_prefix", "/api/")
	v.SetDefault("upstream_url", "")

	v.SetDefault("db_connect_timeout", "10s")
	v.SetDefault("admin_api_key", "")
	v.SetDefault("enable_compression", true)
	v.SetDefault("compression_level", 5)
	v.SetDefault("max_request_body_bytes", int64(32<<20))
}

// normalizeListKeys coerces JSON-string values into []string for the given keys.
func normalizeListKeys(logger *zap.Logger, v *viper.Viper, keys ...string) error {
	for _, key := range keys {
		val := v.Get(key)
		switch t := val.(type) {
		case string:
			s := strings.TrimSpace(t)
			if s == "" {
				continue
			}
			var arr []string
			if err := json.Unmarshal([]byte(s), &arr); err != nil {
				return fmt.Errorf("config key %q expects a JSON array string, got %q: %w", key, s, err)
			}
			v.Set(key, arr)
		case []interface{}:
			arr := make([]string, 0, len(t))
			for _, e := range t {
				arr = append(arr, fmt.Sprint(e))
			}
			v.Set(key, arr)
		case []string, nil:
		default:
			logger.Warn("unexpected type for list key; expected JSON array/string",
				zap.String("key", key), zap.Any("value", t))
		}
	}
	return nil
}

// normalizeMapKeys reads JSON-object env vars (DASHGATE_FEATURE_FLAGS='{"ROW_LEVEL_SECURITY":false}')
// for map keys. The object is layered over the file and default maps, key by key.
func normalizeMapKeys(v *viper.Viper, keys ...string) error {
	for _, key := range keys {
		env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		s, ok := os.LookupEnv(env)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return fmt.Errorf("%s expects a JSON object string, got %q: %w", env, s, err)
		}
		merged := mapLeaves(v, key)
		for k, val := range m {
			merged[strings.ToLower(k)] = val
		}
		v.Set(key, merged)
	}
	return nil
}

// mapLeaves collects the entries of a map key across the file and default
// layers. v.Get(key) alone returns only the highest layer's map.
func mapLeaves(v *viper.Viper, key string) map[string]any {
	prefix := key + "."
	out := make(map[string]any)
	for _, k := range v.AllKeys() {
		if name, ok := strings.CutPrefix(k, prefix); ok {
			out[name] = v.Get(k)
		}
	}
	return out
}

type durationKey struct {
	key string
	dst *time.Duration
	def time.Duration
}

func loadDurations(logger *zap.Logger, v *viper.Viper,
	parse func(interface{}, time.Duration) (time.Duration, error), keys []durationKey) {
	for _, k := range keys {
		d, err := parse(v.Get(k.key), k.def)
		if err != nil {
			logger.Warn("invalid duration; using default",
				zap.String("key", k.key),
				zap.Any("value", v.Get(k.key)),
				zap.Duration("default", k.def),
				zap.Error(err))
		}
		*k.dst = d
	}
}

func validateCoreConfig(cfg CoreConfig) error {
	var missing []string
	var invalid []string

	if cfg.Env != "dev" && cfg.Env != "prod" {
		invalid = append(invalid, `env must be "dev" or "prod"`)
	}
	if k := strings.TrimSpace(cfg.AdminAPIKey); k != "" && cfg.Env == "prod" && len(k) < 16 {
		invalid = append(invalid, "admin_api_key must be at least 16 bytes in prod")
	}

	// TLS / ACME consistency
	if cfg.TLS.UseLetsEncrypt && !cfg.HTTP.UseHTTPS {
		invalid = append(invalid, "use_lets_encrypt=true requires use_https=true")
	}
	if cfg.TLS.UseLetsEncrypt && (strings.TrimSpace(cfg.TLS.CertFile) != "" || strings.TrimSpace(cfg.TLS.KeyFile) != "") {
		invalid = append(invalid, "use_lets_encrypt=true cannot be combined with cert_file/key_file")
	}
	if cfg.TLS.UseLetsEncrypt {
		if strings.TrimSpace(cfg.TLS.Domain) == "" {
			missing = append(missing, "DASHGATE_DOMAIN (or --domain) for Let's Encrypt")
		}
		if s := strings.TrimSpace(cfg.TLS.LetsEncryptEmail); s == "" {
			missing = append(missing, "DASHGATE_LETS_ENCRYPT_EMAIL (or --lets_encrypt_email)")
		} else if !strings.Contains(s, "@") {
			invalid = append(invalid, "lets_encrypt_email must look like an email address")
		}
	}
	if cfg.HTTP.UseHTTPS && !cfg.TLS.UseLetsEncrypt {
		if strings.TrimSpace(cfg.TLS.CertFile) == "" || strings.TrimSpace(cfg.TLS.KeyFile) == "" {
			missing = append(missing, "DASHGATE_CERT_FILE and DASHGATE_KEY_FILE (or --cert_file/--key_file) for manual TLS")
		}
	}

	// Port sanity
	if cfg.HTTP.HTTPPort <= 0 || cfg.HTTP.HTTPPort > 65535 {
		invalid = append(invalid, "http_port must be in 1..65535")
	}
	if cfg.HTTP.HTTPSPort <= 0 || cfg.HTTP.HTTPSPort > 65535 {
		invalid = append(invalid, "https_port must be in 1..65535")
	}
	if cfg.HTTP.UseHTTPS {
		if cfg.HTTP.HTTPPort == cfg.HTTP.HTTPSPort {
			invalid = append(invalid, "http_port and https_port cannot be equal when use_https=true")
		}
		if cfg.HTTP.HTTPSPort == 80 {
			invalid = append(invalid, "https_port cannot be 80; port 80 is used by the ACME/redirect server")
		}
	}

	// Gate sanity. Rule syntax is checked when the policy is compiled.
	if cfg.CORS.EnableCORS {
		if len(cfg.CORS.CORSAllowedOrigins) == 0 && len(cfg.CORS.CORSOriginPatterns) == 0 &&
			!(cfg.CORS.CORSAllowLoopback && len(cfg.CORS.CORSLoopbackPrefixes) > 0) {
			missing = append(missing, "CORS: at least one of cors_allowed_origins, cors_origin_patterns or cors_loopback_prefixes (with cors_allow_loopback) when enable_cors=true")
		}
		if len(cfg.CORS.CORSAllowedMethods) == 0 {
			missing = append(missing, "CORS: cors_allowed_methods (JSON array) required when enable_cors=true")
		}
		for _, o := range cfg.CORS.CORSAllowedOrigins {
			if strings.TrimSpace(o) == "*" {
				invalid = append(invalid, `CORS: "*" is not accepted in cors_allowed_origins; list origins explicitly`)
				break
			}
		}
		if cfg.CORS.CORSMaxAge < 0 {
			invalid = append(invalid, "CORS: cors_max_age must be >= 0")
		}
	}

	if !strings.HasPrefix(cfg.APIPrefix, "/") {
		invalid = append(invalid, `api_prefix must start with "/"`)
	}
	if s := strings.TrimSpace(cfg.UpstreamURL); s != "" {
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			invalid = append(invalid, "upstream_url must be an absolute http(s) URL")
		}
	}

	if cfg.EnableCompression && (cfg.CompressionLevel < 1 || cfg.CompressionLevel > 9) {
		invalid = append(invalid, "compression_level must be in 1..9")
	}
	if cfg.MaxRequestBodyBytes < 0 {
		invalid = append(invalid, "max_request_body_bytes must be >= 0")
	}

	return joinProblems("core configuration errors", missing, invalid)
}

func joinProblems(title string, missing, invalid []string) error {
	if len(missing) == 0 && len(invalid) == 0 {
		return nil
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid: "+strings.Join(invalid, ", "))
	}
	return fmt.Errorf("%s: %s", title, strings.Join(parts, " | "))
}
