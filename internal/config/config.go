package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// MatchType defines how a path pattern is interpreted.
type MatchType string

const (
	// MatchTypeExact matches the path exactly.
	MatchTypeExact MatchType = "Exact"
	// MatchTypePrefix matches any path starting with the prefix.
	MatchTypePrefix MatchType = "Prefix"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Default values applied by LoadConfig to any field left unset.
const (
	defaultServerAddress           = ":8080"
	defaultChildReadinessTimeout   = "10s"
	defaultGracefulShutdownTimeout = "30s"

	defaultLogLevel             = LogLevelInfo
	defaultAccessLogEnabled     = true
	defaultAccessLogTarget      = "stdout"
	defaultAccessLogFormat      = "json"
	defaultAccessLogRealIPHeader = "X-Forwarded-For"
	defaultErrorLogTarget       = "stderr"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Routing *RoutingConfig `json:"routing,omitempty" toml:"routing,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
	Http2   *Http2Config   `json:"http2,omitempty" toml:"http2,omitempty"`

	// originalFilePath is set by LoadConfig to the path the config was read
	// from, so later stages (e.g. resolving a handler_config's own relative
	// paths) can anchor relative paths the same way LoadConfig did.
	originalFilePath string
}

// OriginalFilePath returns the path LoadConfig read this Config from, or the
// empty string for a zero-value/nil Config.
func (c *Config) OriginalFilePath() string {
	if c == nil {
		return ""
	}
	return c.originalFilePath
}

// ServerConfig holds general server settings.
type ServerConfig struct {
	Address                 *string `json:"address,omitempty" toml:"address,omitempty"`
	ExecutablePath          *string `json:"executable_path,omitempty" toml:"executable_path,omitempty"`
	ChildReadinessTimeout   *string `json:"child_readiness_timeout,omitempty" toml:"child_readiness_timeout,omitempty"`     // e.g., "10s"
	GracefulShutdownTimeout *string `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"` // e.g., "30s"
}

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty"`
}

// Route defines a single routing rule.
type Route struct {
	PathPattern   string          `json:"path_pattern" toml:"path_pattern"`
	MatchType     MatchType       `json:"match_type" toml:"match_type"`
	HandlerType   string          `json:"handler_type" toml:"handler_type"`
	HandlerConfig json.RawMessage `json:"handler_config,omitempty" toml:"handler_config,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target         *string  `json:"target,omitempty" toml:"target,omitempty"`
	Format         string   `json:"format,omitempty" toml:"format,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty"`
}

// Http2Config carries the per-connection knobs for the HTTP/2 core. The
// http2.Connection holds no config: internal/server maps
// ActiveStreamWindowSize and MaxConcurrentRequestsPerConnection to SETTINGS
// overrides and uses GracefulShutdownTimeout in Server.Stop; the other
// fields are validated but not applied. Unset fields are defaulted by
// applyHttp2Defaults; none of them are exposed in the teacher's original
// config.go, which predates the http2 package having anything to configure.
type Http2Config struct {
	IdleTimeout                                 *Duration `json:"idle_timeout,omitempty" toml:"idle_timeout,omitempty"`
	GracefulShutdownTimeout                     *Duration `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"`
	MaxConcurrentRequestsPerConnection           *int     `json:"max_concurrent_requests_per_connection,omitempty" toml:"max_concurrent_requests_per_connection,omitempty"`
	MaxConcurrentStreamingRequestsPerConnection  *int     `json:"max_concurrent_streaming_requests_per_connection,omitempty" toml:"max_concurrent_streaming_requests_per_connection,omitempty"`
	MaxStreamsForPriority                        *int     `json:"max_streams_for_priority,omitempty" toml:"max_streams_for_priority,omitempty"`
	ActiveStreamWindowSize                       *uint32  `json:"active_stream_window_size,omitempty" toml:"active_stream_window_size,omitempty"`
	MaxRequestEntitySize                         *int64   `json:"max_request_entity_size,omitempty" toml:"max_request_entity_size,omitempty"`
}

const (
	defaultHttp2IdleTimeout                                = 5 * time.Minute
	defaultHttp2GracefulShutdownTimeout                    = 10 * time.Second
	defaultHttp2MaxConcurrentRequestsPerConnection          = 100
	defaultHttp2MaxConcurrentStreamingRequestsPerConnection = 20
	defaultHttp2MaxStreamsForPriority                       = 100
	defaultHttp2ActiveStreamWindowSize                      = 65535
	defaultHttp2MaxRequestEntitySize                        = 10 << 20 // 10 MiB
)

func applyHttp2Defaults(h *Http2Config) {
	if h.IdleTimeout == nil {
		h.IdleTimeout = &Duration{d: defaultHttp2IdleTimeout}
	}
	if h.GracefulShutdownTimeout == nil {
		h.GracefulShutdownTimeout = &Duration{d: defaultHttp2GracefulShutdownTimeout}
	}
	if h.MaxConcurrentRequestsPerConnection == nil {
		v := defaultHttp2MaxConcurrentRequestsPerConnection
		h.MaxConcurrentRequestsPerConnection = &v
	}
	if h.MaxConcurrentStreamingRequestsPerConnection == nil {
		v := defaultHttp2MaxConcurrentStreamingRequestsPerConnection
		h.MaxConcurrentStreamingRequestsPerConnection = &v
	}
	if h.MaxStreamsForPriority == nil {
		v := defaultHttp2MaxStreamsForPriority
		h.MaxStreamsForPriority = &v
	}
	if h.ActiveStreamWindowSize == nil {
		v := uint32(defaultHttp2ActiveStreamWindowSize)
		h.ActiveStreamWindowSize = &v
	}
	if h.MaxRequestEntitySize == nil {
		v := int64(defaultHttp2MaxRequestEntitySize)
		h.MaxRequestEntitySize = &v
	}
}

func validateHttp2Config(h *Http2Config) error {
	if h.IdleTimeout != nil && h.IdleTimeout.Value() <= 0 {
		return fmt.Errorf("http2.idle_timeout must be a positive duration, got '%s'", h.IdleTimeout)
	}
	if h.GracefulShutdownTimeout != nil && h.GracefulShutdownTimeout.Value() <= 0 {
		return fmt.Errorf("http2.graceful_shutdown_timeout must be a positive duration, got '%s'", h.GracefulShutdownTimeout)
	}
	if h.MaxConcurrentRequestsPerConnection != nil && *h.MaxConcurrentRequestsPerConnection <= 0 {
		return fmt.Errorf("http2.max_concurrent_requests_per_connection must be positive, got %d", *h.MaxConcurrentRequestsPerConnection)
	}
	if h.MaxConcurrentStreamingRequestsPerConnection != nil && *h.MaxConcurrentStreamingRequestsPerConnection <= 0 {
		return fmt.Errorf("http2.max_concurrent_streaming_requests_per_connection must be positive, got %d", *h.MaxConcurrentStreamingRequestsPerConnection)
	}
	if h.MaxStreamsForPriority != nil && *h.MaxStreamsForPriority <= 0 {
		return fmt.Errorf("http2.max_streams_for_priority must be positive, got %d", *h.MaxStreamsForPriority)
	}
	if h.ActiveStreamWindowSize != nil && *h.ActiveStreamWindowSize == 0 {
		return fmt.Errorf("http2.active_stream_window_size must be positive, got %d", *h.ActiveStreamWindowSize)
	}
	if h.MaxRequestEntitySize != nil && *h.MaxRequestEntitySize <= 0 {
		return fmt.Errorf("http2.max_request_entity_size must be positive, got %d", *h.MaxRequestEntitySize)
	}
	return nil
}

// StaticFileServerConfig is the specific HandlerConfig for "StaticFileServer"
// type routes. It is unmarshalled from Route.HandlerConfig (json.RawMessage)
// by ParseAndValidateStaticFileServerConfig.
type StaticFileServerConfig struct {
	DocumentRoot          string            `json:"document_root" toml:"document_root"`
	IndexFiles            []string          `json:"index_files,omitempty" toml:"index_files,omitempty"`
	ServeDirectoryListing *bool             `json:"serve_directory_listing,omitempty" toml:"serve_directory_listing,omitempty"`
	MimeTypesPath         *string           `json:"mime_types_path,omitempty" toml:"mime_types_path,omitempty"`
	MimeTypesMap          map[string]string `json:"mime_types_map,omitempty" toml:"mime_types_map,omitempty"`

	// ResolvedMimeTypes is populated by ParseAndValidateStaticFileServerConfig
	// from whichever of MimeTypesPath/MimeTypesMap was specified (or left
	// empty if neither was). It is what the handler actually consults.
	ResolvedMimeTypes map[string]string `json:"-" toml:"-"`
}

// Duration is a time.Duration that unmarshals from a Go duration string
// ("10s", "5m") and rejects the zero value: every duration configured in
// this package is a timeout, and a non-positive timeout is always a
// configuration mistake rather than "disable this".
type Duration struct {
	d time.Duration
}

// Value returns the underlying time.Duration.
func (d Duration) Value() time.Duration { return d.d }

// String implements fmt.Stringer.
func (d Duration) String() string { return d.d.String() }

// UnmarshalText implements encoding.TextUnmarshaler, used by both
// encoding/json (for quoted strings) and BurntSushi/toml.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return fmt.Errorf("duration string cannot be empty")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration string %q: %v", s, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("duration must be positive, got %q", s)
	}
	d.d = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler directly (rather than relying on
// encoding/json's TextUnmarshaler fallback) so that a non-string JSON value
// produces a clear "should be a string" error instead of a generic one.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		return d.UnmarshalText([]byte(v))
	case nil:
		return d.UnmarshalText([]byte(""))
	default:
		return fmt.Errorf("duration should be a string, got %v", v)
	}
}

// IsFilePath reports whether target names a filesystem path rather than one
// of the two recognized pseudo-targets, "stdout" and "stderr".
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// LoadConfig reads, parses, defaults, and validates the server configuration
// at path. The format is chosen by file extension (.json or .toml); any
// other extension is auto-detected by trying JSON then TOML.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		jsonErr := json.Unmarshal(data, cfg)
		if jsonErr != nil {
			tomlCfg := &Config{}
			tomlErr := toml.Unmarshal(data, tomlCfg)
			if tomlErr != nil {
				return nil, fmt.Errorf("failed to auto-detect and parse config: neither JSON nor TOML parsing succeeded (JSON error: %v; TOML error: %v)", jsonErr, tomlErr)
			}
			cfg = tomlCfg
		}
	}

	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	cfg.originalFilePath = path
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil {
		addr := defaultServerAddress
		cfg.Server.Address = &addr
	}
	if cfg.Server.ChildReadinessTimeout == nil {
		t := defaultChildReadinessTimeout
		cfg.Server.ChildReadinessTimeout = &t
	}
	if cfg.Server.GracefulShutdownTimeout == nil {
		t := defaultGracefulShutdownTimeout
		cfg.Server.GracefulShutdownTimeout = &t
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = defaultLogLevel
	}
	if cfg.Logging.AccessLog == nil {
		cfg.Logging.AccessLog = &AccessLogConfig{}
	}
	if cfg.Logging.AccessLog.Enabled == nil {
		b := defaultAccessLogEnabled
		cfg.Logging.AccessLog.Enabled = &b
	}
	if cfg.Logging.AccessLog.Target == nil {
		t := defaultAccessLogTarget
		cfg.Logging.AccessLog.Target = &t
	}
	if cfg.Logging.AccessLog.Format == "" {
		cfg.Logging.AccessLog.Format = defaultAccessLogFormat
	}
	if cfg.Logging.AccessLog.RealIPHeader == nil {
		h := defaultAccessLogRealIPHeader
		cfg.Logging.AccessLog.RealIPHeader = &h
	}
	if cfg.Logging.AccessLog.TrustedProxies == nil {
		cfg.Logging.AccessLog.TrustedProxies = []string{}
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{}
	}
	if cfg.Logging.ErrorLog.Target == nil {
		t := defaultErrorLogTarget
		cfg.Logging.ErrorLog.Target = &t
	}

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{}
	}
	if cfg.Routing.Routes == nil {
		cfg.Routing.Routes = []Route{}
	}

	if cfg.Http2 == nil {
		cfg.Http2 = &Http2Config{}
	}
	applyHttp2Defaults(cfg.Http2)
}

func validateConfig(cfg *Config) error {
	if err := validateServerConfig(cfg.Server); err != nil {
		return err
	}
	if err := validateRoutingConfig(cfg.Routing); err != nil {
		return err
	}
	if err := validateLoggingConfig(cfg.Logging); err != nil {
		return err
	}
	if err := validateHttp2Config(cfg.Http2); err != nil {
		return err
	}
	return nil
}

func validateServerConfig(s *ServerConfig) error {
	if s.Address != nil && *s.Address == "" {
		return fmt.Errorf("server.address cannot be an empty string")
	}
	if s.ExecutablePath != nil && *s.ExecutablePath == "" {
		return fmt.Errorf("server.executable_path, if provided, cannot be empty")
	}
	if err := validatePositiveDurationString(s.ChildReadinessTimeout, "server.child_readiness_timeout"); err != nil {
		return err
	}
	if err := validatePositiveDurationString(s.GracefulShutdownTimeout, "server.graceful_shutdown_timeout"); err != nil {
		return err
	}
	return nil
}

// validatePositiveDurationString validates a *string config field meant to
// hold a Go duration ("10s"), as opposed to the Duration type used by
// Http2Config — the two older ServerConfig fields predate Duration and their
// error messages ("invalid format for ...", not "invalid duration string")
// are kept as-is rather than migrated, to not change an already-pinned
// message format.
func validatePositiveDurationString(val *string, fieldName string) error {
	if val == nil {
		return nil
	}
	if *val == "" {
		return fmt.Errorf("%s cannot be an empty string if specified", fieldName)
	}
	d, err := time.ParseDuration(*val)
	if err != nil {
		return fmt.Errorf("invalid format for %s '%s': %v", fieldName, *val, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be a positive duration, got '%s'", fieldName, *val)
	}
	return nil
}

func validateRoutingConfig(r *RoutingConfig) error {
	type routeKey struct {
		pattern   string
		matchType MatchType
	}
	seen := make(map[routeKey]bool, len(r.Routes))
	for i := range r.Routes {
		route := &r.Routes[i]
		if err := validateRoute(i, route); err != nil {
			return err
		}
		key := routeKey{route.PathPattern, route.MatchType}
		if seen[key] {
			return fmt.Errorf("ambiguous route: duplicate PathPattern '%s' and MatchType '%s' found at routing.routes[%d]", route.PathPattern, route.MatchType, i)
		}
		seen[key] = true
	}
	return nil
}

func validateRoute(i int, r *Route) error {
	if r.PathPattern == "" {
		return fmt.Errorf("routing.routes[%d].path_pattern cannot be empty", i)
	}
	if r.HandlerType == "" {
		return fmt.Errorf("routing.routes[%d].handler_type cannot be empty for path_pattern '%s'", i, r.PathPattern)
	}
	if r.MatchType == "" {
		return fmt.Errorf("routing.routes[%d].match_type is missing for path_pattern '%s'; must be 'Exact' or 'Prefix'", i, r.PathPattern)
	}
	if r.MatchType != MatchTypeExact && r.MatchType != MatchTypePrefix {
		return fmt.Errorf("routing.routes[%d].match_type '%s' is invalid for path_pattern '%s'; must be 'Exact' or 'Prefix'", i, r.MatchType, r.PathPattern)
	}
	if r.MatchType == MatchTypeExact && strings.HasSuffix(r.PathPattern, "/") && r.PathPattern != "/" {
		return fmt.Errorf("routing.routes[%d].path_pattern '%s' with MatchType 'Exact' must not end with '/' unless it is the root path '/'", i, r.PathPattern)
	}
	if r.MatchType == MatchTypePrefix && !strings.HasSuffix(r.PathPattern, "/") {
		return fmt.Errorf("routing.routes[%d].path_pattern '%s' with MatchType 'Prefix' must end with '/'", i, r.PathPattern)
	}

	if r.HandlerType == "StaticFileServer" {
		if err := validateStaticFileServerRouteConfig(r.HandlerConfig); err != nil {
			return err
		}
	}
	return nil
}

// validateStaticFileServerRouteConfig is the light structural check run at
// config-load time on a StaticFileServer route's handler_config: just enough
// to fail fast on an obviously broken config. The full parse — including
// reading and validating a mime_types_path file, which needs the main
// config's own path to resolve relative paths — happens later, when the
// route is actually turned into a handler, via
// ParseAndValidateStaticFileServerConfig. The two report overlapping
// problems in slightly different wording; that's intentional, not drift:
// they're answering different questions ("is this config minimally sane?"
// vs. "build me a working handler from this").
func validateStaticFileServerRouteConfig(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("handler_config is missing for HandlerType 'StaticFileServer'")
	}

	var probe struct {
		DocumentRoot  string            `json:"document_root"`
		MimeTypesPath *string           `json:"mime_types_path"`
		MimeTypesMap  map[string]string `json:"mime_types_map"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("handler_config for HandlerType 'StaticFileServer' is not valid JSON: %v", err)
	}

	if probe.DocumentRoot == "" {
		return fmt.Errorf("handler_config.document_root is required for HandlerType 'StaticFileServer'")
	}
	if !filepath.IsAbs(probe.DocumentRoot) {
		return fmt.Errorf("handler_config.document_root '%s' must be an absolute path", probe.DocumentRoot)
	}
	if probe.MimeTypesPath != nil && len(probe.MimeTypesMap) > 0 {
		return fmt.Errorf("MimeTypesPath ('%s') and MimeTypesMap cannot both be specified", *probe.MimeTypesPath)
	}
	if probe.MimeTypesPath != nil && *probe.MimeTypesPath == "" {
		return fmt.Errorf("handler_config.mime_types_path cannot be empty if specified")
	}
	for k, v := range probe.MimeTypesMap {
		if !strings.HasPrefix(k, ".") {
			return fmt.Errorf("mime_types_map key '%s' must start with a '.'", k)
		}
		if v == "" {
			return fmt.Errorf("mime_types_map value for key '%s' cannot be empty", k)
		}
	}
	return nil
}

// ParseAndValidateStaticFileServerConfig parses a StaticFileServer route's
// handler_config, applies its defaults, and — if mime_types_path is set —
// reads and parses that file, resolving it relative to the directory
// containing mainConfigFilePath when it isn't itself absolute.
func ParseAndValidateStaticFileServerConfig(raw json.RawMessage, mainConfigFilePath string) (*StaticFileServerConfig, error) {
	trimmed := strings.TrimSpace(string(raw))
	if len(raw) == 0 || trimmed == "null" || trimmed == "{}" {
		return nil, fmt.Errorf("handler_config for StaticFileServer cannot be empty or null; document_root is required")
	}

	var cfg StaticFileServerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse handler_config for StaticFileServer: %w", err)
	}

	if cfg.DocumentRoot == "" {
		return nil, fmt.Errorf("handler_config.document_root is required for StaticFileServer")
	}
	if !filepath.IsAbs(cfg.DocumentRoot) {
		return nil, fmt.Errorf("handler_config.document_root %q must be an absolute path", cfg.DocumentRoot)
	}
	if cfg.MimeTypesPath != nil && len(cfg.MimeTypesMap) > 0 {
		return nil, fmt.Errorf("MimeTypesPath (%q) and MimeTypesMap cannot both be specified", *cfg.MimeTypesPath)
	}

	resolved := make(map[string]string)
	switch {
	case cfg.MimeTypesPath != nil:
		if *cfg.MimeTypesPath == "" {
			return nil, fmt.Errorf("handler_config.mime_types_path cannot be empty if specified")
		}
		mimePath := *cfg.MimeTypesPath
		if !filepath.IsAbs(mimePath) {
			if mainConfigFilePath == "" {
				return nil, fmt.Errorf("cannot resolve relative mime_types_path %q: main configuration file path is not available", mimePath)
			}
			mimePath = filepath.Join(filepath.Dir(mainConfigFilePath), mimePath)
		}
		data, err := ioutil.ReadFile(mimePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read mime_types_path file %q: %w", mimePath, err)
		}
		var fileMap map[string]string
		if err := json.Unmarshal(data, &fileMap); err != nil {
			return nil, fmt.Errorf("failed to parse JSON from mime_types_path file %q: %w", mimePath, err)
		}
		if err := mergeMimeTypes(resolved, fileMap); err != nil {
			return nil, err
		}
	case len(cfg.MimeTypesMap) > 0:
		if err := mergeMimeTypes(resolved, cfg.MimeTypesMap); err != nil {
			return nil, err
		}
	}

	for i, f := range cfg.IndexFiles {
		if f == "" {
			return nil, fmt.Errorf("handler_config.index_files[%d] cannot be an empty string", i)
		}
	}
	if len(cfg.IndexFiles) == 0 {
		cfg.IndexFiles = []string{"index.html"}
	}
	if cfg.ServeDirectoryListing == nil {
		f := false
		cfg.ServeDirectoryListing = &f
	}
	cfg.ResolvedMimeTypes = resolved

	return &cfg, nil
}

func mergeMimeTypes(dst, src map[string]string) error {
	for k, v := range src {
		if !strings.HasPrefix(k, ".") {
			return fmt.Errorf("mime_types_map key %q must start with a '.'", k)
		}
		if v == "" {
			return fmt.Errorf("mime_types_map value for key %q cannot be empty", k)
		}
		dst[k] = v
	}
	return nil
}

func validateLoggingConfig(l *LoggingConfig) error {
	switch l.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level '%s' is invalid; must be one of 'DEBUG', 'INFO', 'WARNING', 'ERROR'", l.LogLevel)
	}
	if l.AccessLog != nil {
		if err := validateAccessLogConfig(l.AccessLog); err != nil {
			return err
		}
	}
	if l.ErrorLog != nil {
		if err := validateErrorLogConfig(l.ErrorLog); err != nil {
			return err
		}
	}
	return nil
}

func validateAccessLogConfig(a *AccessLogConfig) error {
	if a.Target == nil || *a.Target == "" {
		return fmt.Errorf("logging.access_log.target cannot be empty")
	}
	if IsFilePath(*a.Target) && !filepath.IsAbs(*a.Target) {
		return fmt.Errorf("logging.access_log.target path '%s' must be absolute", *a.Target)
	}
	if a.Format != "" && a.Format != "json" {
		return fmt.Errorf("logging.access_log.format '%s' is invalid; currently only 'json' is supported", a.Format)
	}
	if a.RealIPHeader != nil && *a.RealIPHeader == "" {
		return fmt.Errorf("logging.access_log.real_ip_header, if provided, cannot be empty")
	}
	for _, p := range a.TrustedProxies {
		if !isValidCIDROrIP(p) {
			return fmt.Errorf("logging.access_log.trusted_proxies entry '%s' is not a valid CIDR or IP address", p)
		}
	}
	return nil
}

func validateErrorLogConfig(e *ErrorLogConfig) error {
	if e.Target == nil || *e.Target == "" {
		return fmt.Errorf("logging.error_log.target cannot be empty")
	}
	if IsFilePath(*e.Target) && !filepath.IsAbs(*e.Target) {
		return fmt.Errorf("logging.error_log.target path '%s' must be absolute", *e.Target)
	}
	return nil
}

func isValidCIDROrIP(s string) bool {
	if _, _, err := net.ParseCIDR(s); err == nil {
		return true
	}
	return net.ParseIP(s) != nil
}
