package logger

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"h2d/internal/config"
)

// LogFields carries structured key/value pairs through to a zerolog event.
// Named (rather than an anonymous map type) so call sites read as
// logger.LogFields{...} composite literals the way the teacher's other
// structured types are built.
type LogFields map[string]interface{}

// parsedProxiesContainer holds pre-parsed trusted proxy IP addresses and CIDR blocks.
type parsedProxiesContainer struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// AccessLogger handles access logging.
type AccessLogger struct {
	logger        zerolog.Logger
	config        config.AccessLogConfig
	mu            sync.Mutex
	output        io.WriteCloser
	parsedProxies parsedProxiesContainer
}

// ErrorLogger handles error logging.
type ErrorLogger struct {
	logger         zerolog.Logger
	config         config.ErrorLogConfig
	globalLogLevel config.LogLevel
	mu             sync.Mutex
	output         io.WriteCloser
}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	accessLog      *AccessLogger
	errorLog       *ErrorLogger
	globalLogLevel config.LogLevel
}

func newZerolog(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}

// NewTestLogger builds a Logger that writes both access and error entries to
// w, bypassing file/target resolution entirely. Tests that just want to
// assert on emitted log lines (or discard them via io.Discard) construct a
// Logger this way instead of going through NewLogger's config parsing.
func NewTestLogger(w io.Writer) *Logger {
	return &Logger{
		globalLogLevel: config.LogLevelDebug,
		errorLog: &ErrorLogger{
			logger:         newZerolog(w),
			config:         config.ErrorLogConfig{},
			globalLogLevel: config.LogLevelDebug,
		},
		accessLog: &AccessLogger{
			logger: newZerolog(w),
			config: config.AccessLogConfig{},
		},
	}
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	var err error
	l := &Logger{
		globalLogLevel: cfg.LogLevel,
	}

	// Setup Error Logger
	if cfg.ErrorLog != nil {
		target := "stderr"
		if cfg.ErrorLog.Target != nil {
			target = *cfg.ErrorLog.Target
		}
		var errorOutput io.WriteCloser = os.Stderr // Default
		if target != "stderr" {
			if target == "stdout" {
				errorOutput = os.Stdout
			} else if config.IsFilePath(target) {
				// Ensure path is absolute (validated in config)
				file, errOpen := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
				if errOpen != nil {
					return nil, fmt.Errorf("failed to open error log file %s: %w", target, errOpen)
				}
				errorOutput = file
			} else {
				// Should not happen if config validation is correct
				return nil, fmt.Errorf("invalid error log target: %s", target)
			}
		}
		l.errorLog = &ErrorLogger{
			logger:         newZerolog(errorOutput),
			config:         *cfg.ErrorLog,
			globalLogLevel: cfg.LogLevel,
			output:         errorOutput,
		}
	} else {
		// This case should ideally be prevented by config defaulting.
		stderrTarget := "stderr"
		l.errorLog = &ErrorLogger{ // Default to stderr if not configured
			logger:         newZerolog(os.Stderr),
			config:         config.ErrorLogConfig{Target: &stderrTarget}, // Minimal default
			globalLogLevel: config.LogLevelInfo,                          // Default log level
			output:         os.Stderr,
		}
	}

	// Setup Access Logger
	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		target := "stdout"
		if cfg.AccessLog.Target != nil {
			target = *cfg.AccessLog.Target
		}
		var accessOutput io.WriteCloser = os.Stdout // Default
		if target != "stdout" {
			if target == "stderr" {
				accessOutput = os.Stderr
			} else if config.IsFilePath(target) {
				// Ensure path is absolute (validated in config)
				file, errOpen := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
				if errOpen != nil {
					return nil, fmt.Errorf("failed to open access log file %s: %w", target, errOpen)
				}
				accessOutput = file
			} else {
				// Should not happen if config validation is correct
				return nil, fmt.Errorf("invalid access log target: %s", target)
			}
		}

		parsedProxies, errP := preParseTrustedProxies(cfg.AccessLog.TrustedProxies)
		if errP != nil {
			// Close any opened files before returning error
			if l.errorLog != nil && l.errorLog.output != os.Stderr && l.errorLog.output != os.Stdout {
				l.errorLog.output.Close()
			}
			if accessOutput != os.Stdout && accessOutput != os.Stderr {
				if f, ok := accessOutput.(*os.File); ok {
					f.Close()
				}
			}
			return nil, fmt.Errorf("failed to parse trusted proxies for access log: %w", errP)
		}
		l.accessLog = &AccessLogger{
			logger:        newZerolog(accessOutput),
			config:        *cfg.AccessLog,
			output:        accessOutput,
			parsedProxies: parsedProxies,
		}
	}

	return l, err
}

// preParseTrustedProxies converts string representations of IPs and CIDRs
// into net.IP and *net.IPNet objects for efficient checking.
func preParseTrustedProxies(proxyStrings []string) (parsedProxiesContainer, error) {
	container := parsedProxiesContainer{
		cidrs: make([]*net.IPNet, 0),
		ips:   make([]net.IP, 0),
	}

	if proxyStrings == nil {
		return container, nil // No proxies to parse
	}

	for _, pStr := range proxyStrings {
		pStr = strings.TrimSpace(pStr)
		if pStr == "" {
			continue
		}
		if strings.Contains(pStr, "/") { // Likely a CIDR
			_, ipNet, err := net.ParseCIDR(pStr)
			if err != nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid CIDR string in trusted_proxies '%s': %w", pStr, err)
			}
			container.cidrs = append(container.cidrs, ipNet)
		} else { // Likely a single IP
			ip := net.ParseIP(pStr)
			if ip == nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid IP string in trusted_proxies '%s'", pStr)
			}
			container.ips = append(container.ips, ip)
		}
	}
	return container, nil
}

// isIPTrusted checks if a given IP address is in the list of trusted proxies.
func isIPTrusted(ip net.IP, trustedProxies parsedProxiesContainer) bool {
	if ip == nil {
		return false // A nil IP cannot be trusted
	}
	for _, trustedCIDR := range trustedProxies.cidrs {
		if trustedCIDR.Contains(ip) {
			return true
		}
	}
	for _, trustedIP := range trustedProxies.ips {
		if trustedIP.Equal(ip) {
			return true
		}
	}
	return false
}

// getRealClientIP determines the client's real IP address based on request headers
// and trusted proxy configuration.
func getRealClientIP(remoteAddr string, headers http.Header, realIPHeaderName string, trustedProxies parsedProxiesContainer) string {
	var determinedDirectPeerIP string
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil {
		determinedDirectPeerIP = host
	} else {
		ip := net.ParseIP(remoteAddr)
		if ip != nil {
			determinedDirectPeerIP = ip.String()
		} else {
			determinedDirectPeerIP = remoteAddr
		}
	}

	if realIPHeaderName == "" {
		return determinedDirectPeerIP
	}

	headerValue := headers.Get(realIPHeaderName)
	if headerValue == "" {
		return determinedDirectPeerIP
	}

	// X-Forwarded-For can be "client, proxy1, proxy2"; parse from right to left.
	ipsInHeader := strings.Split(headerValue, ",")
	for i := len(ipsInHeader) - 1; i >= 0; i-- {
		ipStr := strings.TrimSpace(ipsInHeader[i])
		if ipStr == "" {
			continue
		}

		ip := net.ParseIP(ipStr)
		if ip == nil {
			return determinedDirectPeerIP
		}

		if !isIPTrusted(ip, trustedProxies) {
			return ipStr // This is the first non-trusted IP from the right
		}
	}

	return determinedDirectPeerIP
}

// LogAccess constructs and writes an access log entry.
func (al *AccessLogger) LogAccess(
	req *http.Request,
	streamID uint32,
	status int,
	responseBytes int64,
	duration time.Duration,
) {
	if al == nil {
		return // Access logging is disabled or not configured
	}

	remoteAddrFull := req.RemoteAddr
	_, clientPortStr, err := net.SplitHostPort(remoteAddrFull)
	if err != nil {
		clientPortStr = "0"
	}

	realIPHeaderName := ""
	if al.config.RealIPHeader != nil {
		realIPHeaderName = *al.config.RealIPHeader
	}
	resolvedRemoteAddr := getRealClientIP(remoteAddrFull, req.Header, realIPHeaderName, al.parsedProxies)

	ev := al.logger.Log().
		Str("remote_addr", resolvedRemoteAddr).
		Str("remote_port", clientPortStr).
		Str("protocol", req.Proto).
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Int("status", status).
		Int64("resp_bytes", responseBytes).
		Int64("duration_ms", duration.Milliseconds()).
		Uint32("h2_stream_id", streamID)
	if ua := req.UserAgent(); ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if ref := req.Referer(); ref != "" {
		ev = ev.Str("referer", ref)
	}
	ev.Send()
}

// getSeverity maps a config.LogLevel to an ordering used for threshold checks.
func getSeverity(level config.LogLevel) int {
	switch level {
	case config.LogLevelDebug:
		return 0
	case config.LogLevelInfo:
		return 1
	case config.LogLevelWarning:
		return 2
	case config.LogLevelError:
		return 3
	default:
		return 1 // Default to INFO
	}
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelInfo:
		return zerolog.InfoLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogError constructs and writes an error log entry.
func (el *ErrorLogger) LogError(level config.LogLevel, msg string, fields ...LogFields) {
	if el == nil {
		return // Error logging not configured
	}

	if getSeverity(level) < getSeverity(el.globalLogLevel) {
		return // Message severity is below configured threshold
	}

	ev := el.logger.WithLevel(zerologLevel(level))
	if len(fields) > 0 {
		for k, v := range fields[0] {
			ev = ev.Interface(k, v)
		}
	}
	ev.Msg(msg)
}

// Convenience methods on the main Logger
func (l *Logger) Info(msg string, fields ...LogFields) {
	if l.errorLog != nil {
		l.errorLog.LogError(config.LogLevelInfo, msg, fields...)
	}
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	if l.errorLog != nil {
		l.errorLog.LogError(config.LogLevelError, msg, fields...)
	}
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	if l.errorLog != nil {
		l.errorLog.LogError(config.LogLevelDebug, msg, fields...)
	}
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	if l.errorLog != nil {
		l.errorLog.LogError(config.LogLevelWarning, msg, fields...)
	}
}

func (l *Logger) Access(req *http.Request, streamID uint32, status int, responseBytes int64, duration time.Duration) {
	if l.accessLog != nil {
		l.accessLog.LogAccess(req, streamID, status, responseBytes, duration)
	}
}

// CloseLogFiles closes any open log files.
func (l *Logger) CloseLogFiles() {
	if l.accessLog != nil && l.accessLog.output != nil {
		if f, ok := l.accessLog.output.(*os.File); ok {
			if f != os.Stdout && f != os.Stderr {
				f.Close()
			}
		}
	}
	if l.errorLog != nil && l.errorLog.output != nil {
		if f, ok := l.errorLog.output.(*os.File); ok {
			if f != os.Stdout && f != os.Stderr {
				f.Close()
			}
		}
	}
}

// ReopenLogFiles is intended for SIGHUP handling: close and reopen any
// file-based log targets so log rotation (e.g. via logrotate) can take
// effect without a restart.
func (l *Logger) ReopenLogFiles() error {
	if l.errorLog != nil {
		l.errorLog.mu.Lock()
		target := ""
		if l.errorLog.config.Target != nil {
			target = *l.errorLog.config.Target
		}
		if config.IsFilePath(target) {
			if f, ok := l.errorLog.output.(*os.File); ok && f != os.Stdout && f != os.Stderr {
				filePath := f.Name()
				if err := f.Close(); err != nil {
					log.Printf("Error closing error log file %s during reopen: %v", filePath, err)
				}

				newFile, errOpen := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
				if errOpen != nil {
					l.errorLog.logger = newZerolog(os.Stderr)
					l.errorLog.output = os.Stderr
					l.errorLog.mu.Unlock()
					return fmt.Errorf("failed to reopen error log file %s: %w", filePath, errOpen)
				}
				l.errorLog.logger = newZerolog(newFile)
				l.errorLog.output = newFile
			}
		}
		l.errorLog.mu.Unlock()
	}

	if l.accessLog != nil {
		l.accessLog.mu.Lock()
		target := ""
		if l.accessLog.config.Target != nil {
			target = *l.accessLog.config.Target
		}
		if config.IsFilePath(target) {
			if f, ok := l.accessLog.output.(*os.File); ok && f != os.Stdout && f != os.Stderr {
				filePath := f.Name()
				if err := f.Close(); err != nil {
					log.Printf("Error closing access log file %s during reopen: %v", filePath, err)
				}
				newFile, errOpen := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
				if errOpen != nil {
					l.accessLog.logger = newZerolog(os.Stdout)
					l.accessLog.output = os.Stdout
					l.accessLog.mu.Unlock()
					return fmt.Errorf("failed to reopen access log file %s: %w", filePath, errOpen)
				}
				l.accessLog.logger = newZerolog(newFile)
				l.accessLog.output = newFile
			}
		}
		l.accessLog.mu.Unlock()
	}
	return nil
}
