package server

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"h2d/internal/config"
	"h2d/internal/http2"
	"h2d/internal/logger"
	"h2d/internal/util"
)

// Server manages the HTTP/2 server lifecycle, including listening sockets,
// connection handling, configuration reloading, and graceful shutdown.
type Server struct {
	cfg             *config.Config
	log             *logger.Logger
	router          RouterInterface  // Type defined in internal/server/handler.go
	handlerRegistry *HandlerRegistry // Type defined in internal/server/handler.go

	mu          sync.RWMutex
	listeners   []net.Listener
	listenerFDs []uintptr
	activeConns map[*http2.Connection]struct{}
	connsWG     sync.WaitGroup
	configFilePath string

	// Lifecycle and shutdown management
	shutdownChan  chan struct{}
	doneChan      chan struct{}
	reloadChan    chan os.Signal
	stopAccepting chan struct{}

	// For hot reload/binary upgrade
	isChild      bool
	childProcess *os.Process
}

// NewServer creates a new Server instance.
func NewServer(cfg *config.Config, lg *logger.Logger, router RouterInterface, originalCfgPath string, registry *HandlerRegistry) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}

	s := &Server{
		cfg:             cfg,
		log:             lg,
		router:          router,
		handlerRegistry: registry,
		activeConns:     make(map[*http2.Connection]struct{}),
		configFilePath:  originalCfgPath,
		shutdownChan:   make(chan struct{}),
		doneChan:       make(chan struct{}),
		reloadChan:     make(chan os.Signal, 1),
		stopAccepting:  make(chan struct{}),
	}

	inheritedFDs, err := util.ParseInheritedListenerFDs(util.ListenFdsEnvKey)
	if err != nil {
		if os.Getenv(util.ListenFdsEnvKey) != "" {
			return nil, fmt.Errorf("error parsing inherited listener FDs from %s: %w", util.ListenFdsEnvKey, err)
		}
	}

	if len(inheritedFDs) > 0 {
		s.isChild = true
		s.listenerFDs = inheritedFDs
	}

	return s, nil
}

// initializeListeners sets up the server's network listeners.
// If the server is a child process (s.isChild is true), it uses inherited file descriptors
// from s.listenerFDs (parsed from LISTEN_FDS env var by NewServer).
// Otherwise, it creates new listeners based on s.cfg.Server.Address.
// All listeners will have FD_CLOEXEC cleared.
// The method populates s.listeners and s.listenerFDs.
func (s *Server) initializeListeners() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isChild {
		if len(s.listenerFDs) == 0 {
			return fmt.Errorf("server marked as child (isChild=true), but no inherited listener FDs found in s.listenerFDs")
		}
		s.log.Info("Initializing server with inherited listener FDs", logger.LogFields{"fds": s.listenerFDs})

		listeners := make([]net.Listener, len(s.listenerFDs))
		for i, fd := range s.listenerFDs {
			listener, err := util.NewListenerFromFD(fd)
			if err != nil {
				// Clean up already created listeners in this attempt
				for j := 0; j < i; j++ {
					if listeners[j] != nil {
						listeners[j].Close()
					}
				}
				return fmt.Errorf("failed to create listener from inherited FD %d: %w", fd, err)
			}
			// util.NewListenerFromFD ensures FD_CLOEXEC is cleared.
			listeners[i] = listener
			s.log.Info("Successfully created listener from inherited FD", logger.LogFields{"fd": fd, "localAddr": listener.Addr().String()})
		}
		s.listeners = listeners
		// s.listenerFDs was already populated by NewServer for a child process.
	} else {
		s.log.Info("Initializing server with new listeners (not inherited)", nil)

		var listenAddress string
		if s.cfg.Server == nil {
			return fmt.Errorf("server configuration section (server) is missing, cannot determine listen address")
		}
		if s.cfg.Server.Address == nil {
			return fmt.Errorf("server listen address (server.address) is not configured (is nil)")
		}
		if *s.cfg.Server.Address == "" {
			return fmt.Errorf("server listen address (server.address) is configured but is an empty string")
		}
		listenAddress = *s.cfg.Server.Address

		listener, fd, err := util.CreateListenerAndGetFD(listenAddress)
		if err != nil {
			return fmt.Errorf("failed to create new listener on %s: %w", listenAddress, err)
		}
		// util.CreateListenerAndGetFD ensures FD_CLOEXEC is cleared.
		s.listeners = []net.Listener{listener}
		s.listenerFDs = []uintptr{fd}
		s.log.Info("Successfully created new listener", logger.LogFields{"address": listenAddress, "fd": fd, "localAddr": listener.Addr().String()})
	}

	if len(s.listeners) == 0 {
		return fmt.Errorf("no listeners were initialized for the server")
	}

	return nil
}

// settingsOverrideFromConfig turns the handful of SETTINGS-adjacent knobs in
// Http2Config into the map NewConnection expects. Of the knobs without a
// direct SETTINGS counterpart, only GracefulShutdownTimeout is used (by
// Start, as Stop's grace period); the idle timeout, the streaming-request
// cap, the priority-tree bound and the request entity size limit are not
// passed to the Connection.
func settingsOverrideFromConfig(h2cfg *config.Http2Config) map[http2.SettingID]uint32 {
	if h2cfg == nil {
		return nil
	}
	override := make(map[http2.SettingID]uint32)
	if h2cfg.ActiveStreamWindowSize != nil {
		override[http2.SettingInitialWindowSize] = *h2cfg.ActiveStreamWindowSize
	}
	if h2cfg.MaxConcurrentRequestsPerConnection != nil && *h2cfg.MaxConcurrentRequestsPerConnection >= 0 {
		override[http2.SettingMaxConcurrentStreams] = uint32(*h2cfg.MaxConcurrentRequestsPerConnection)
	}
	return override
}

// Start begins accepting connections on all initialized listeners, serving
// each as an HTTP/2 connection, then blocks until SIGINT/SIGTERM is received
// or Stop is called directly, at which point it drains in-flight connections
// (bounded by Http2Config.GracefulShutdownTimeout, 10s by default) and
// returns.
func (s *Server) Start() error {
	s.mu.Lock()
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		if err := s.initializeListeners(); err != nil {
			return fmt.Errorf("failed to initialize listeners: %w", err)
		}
		s.mu.Lock()
	}
	listeners := make([]net.Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		listener := l
		s.connsWG.Add(1)
		go func() {
			defer s.connsWG.Done()
			s.acceptLoop(listener)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	signal.Notify(s.reloadChan, syscall.SIGHUP)
	defer signal.Stop(s.reloadChan)
	go s.watchReloadSignal()

	select {
	case sig := <-sigCh:
		s.log.Info("Start: received shutdown signal", logger.LogFields{"signal": sig.String()})
	case <-s.shutdownChan:
	}

	s.Stop(s.gracefulShutdownTimeout())
	close(s.doneChan)
	return nil
}

// watchReloadSignal logs each SIGHUP until the server shuts down. Config
// hot-reload (rebuilding cfg/router/handlerRegistry and swapping them in
// under s.mu without dropping connections) is an open question resolved as
// "not implemented yet" rather than guessed at; see DESIGN.md.
func (s *Server) watchReloadSignal() {
	for {
		select {
		case <-s.reloadChan:
			s.log.Warn("watchReloadSignal: SIGHUP received, config hot-reload is not implemented", nil)
		case <-s.shutdownChan:
			return
		}
	}
}

// gracefulShutdownTimeout reads Http2Config.GracefulShutdownTimeout, falling
// back to 10s if unset.
func (s *Server) gracefulShutdownTimeout() time.Duration {
	const defaultTimeout = 10 * time.Second
	if s.cfg == nil || s.cfg.Http2 == nil || s.cfg.Http2.GracefulShutdownTimeout == nil {
		return defaultTimeout
	}
	return s.cfg.Http2.GracefulShutdownTimeout.Value()
}

// acceptLoop accepts connections on a single listener until stopAccepting is
// closed or Accept returns a permanent error.
func (s *Server) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.stopAccepting:
				return
			default:
			}
			s.log.Error("acceptLoop: Accept failed", logger.LogFields{"error": err.Error(), "listener": l.Addr().String()})
			return
		}
		s.connsWG.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection runs a single accepted net.Conn as an HTTP/2 connection
// (h2c: no TLS/ALPN negotiation) until it closes, then removes it from
// activeConns.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.connsWG.Done()
	defer conn.Close()

	dispatcher := http2.RequestDispatcherFunc(func(sw http2.StreamWriter, req *http.Request) {
		s.router.ServeHTTP(newStreamAdapter(sw), req)
	})

	var h2cfg *config.Http2Config
	if s.cfg != nil {
		h2cfg = s.cfg.Http2
	}
	h2conn := http2.NewConnection(conn, s.log, false /*isClientSide*/, settingsOverrideFromConfig(h2cfg), dispatcher)

	s.mu.Lock()
	s.activeConns[h2conn] = struct{}{}
	s.mu.Unlock()

	h2conn.Serve()

	s.mu.Lock()
	delete(s.activeConns, h2conn)
	s.mu.Unlock()
}

// Stop signals all accept loops to stop taking new connections, calls
// Shutdown on every active connection (which sends no GOAWAY; see
// http2.Connection.Shutdown), and waits (up to gracePeriod) for in-flight
// connections to drain before returning.
func (s *Server) Stop(gracePeriod time.Duration) {
	select {
	case <-s.stopAccepting:
	default:
		close(s.stopAccepting)
	}
	select {
	case <-s.shutdownChan:
	default:
		close(s.shutdownChan)
	}

	s.mu.Lock()
	for l := range s.listeners {
		_ = s.listeners[l].Close()
	}
	conns := make([]*http2.Connection, 0, len(s.activeConns))
	for c := range s.activeConns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.connsWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(gracePeriod):
		s.log.Warn("Stop: grace period elapsed with connections still draining", logger.LogFields{"grace_period": gracePeriod.String()})
	}
}
