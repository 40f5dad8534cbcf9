package http2

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2/hpack"

	"h2d/internal/logger"
)

// Default settings values (RFC 7540 Section 6.5.2)
const (
	DefaultSettingsHeaderTableSize   uint32 = 4096
	DefaultSettingsInitialWindowSize uint32 = 65535 // (2^16 - 1)
	DefaultSettingsMaxFrameSize      uint32 = 16384 // (2^14)
	// DefaultSettingsMaxConcurrentStreams is effectively unlimited initially for peer.
	// Server should advertise a limit.
	DefaultServerMaxConcurrentStreams uint32 = 100
	// DefaultSettingsMaxHeaderListSize is effectively unlimited initially for peer.
	// Server should advertise a limit.
	DefaultServerMaxHeaderListSize uint32 = 1024 * 32 // 32KB
	DefaultClientEnablePush        uint32 = 0
	DefaultServerEnablePush        uint32 = 1
)

// Connection manages an entire HTTP/2 connection.
type Connection struct {
	netConn net.Conn
	log     *logger.Logger
	// cfg     *config.Config // Full config if needed, or specific parts

	isClient bool // True if this connection is on the client side

	// Context and lifecycle
	ctx          context.Context
	cancelCtx    context.CancelFunc
	readerDone   chan struct{} // Closed when reader goroutine exits
	writerDone   chan struct{} // Closed when writer goroutine exits
	shutdownChan chan struct{} // Closed to signal connection shutdown initiated
	connError    error         // Stores the first fatal connection error

	// HTTP/2 state
	streamsMu             sync.RWMutex
	streams               map[uint32]*Stream
	nextStreamIDClient    uint32 // Next client-initiated stream ID (odd), server consumes
	nextStreamIDServer    uint32 // Next server-initiated stream ID (even), server produces (for PUSH)
	lastProcessedStreamID uint32 // Highest stream ID processed or accepted for GOAWAY
	scheduler             *scheduler
	hpackAdapter          *HpackAdapter
	connFCManager         *ConnectionFlowControlManager
	goAwaySent            bool
	goAwayReceived        bool
	gracefulShutdownTimer *time.Timer
	activePings           map[[8]byte]*time.Timer // Tracks outstanding PINGs and their timeout timers
	activePingsMu         sync.Mutex

	// Header block assembly state
	activeHeaderBlockStreamID     uint32                // Stream ID of the current header block being assembled
	headerFragments               [][]byte              // Buffer for incoming header block fragments
	headerFragmentTotalSize       uint32                // Cumulative size of received fragments for current block
	headerFragmentInitialType     FrameType             // Type of the frame that started the header block (HEADERS or PUSH_PROMISE)
	headerFragmentPromisedID      uint32                // PromisedStreamID if initial frame was PUSH_PROMISE
	headerFragmentEndStream       bool                  // Records if the initial HEADERS indicated END_STREAM for the logical header block.
	headerFragmentInitialPrioInfo *streamDependencyInfo // Priority info from the initial HEADERS frame, if present
	ourSettings                   map[SettingID]uint32
	settingsMu                    sync.RWMutex // Protects ourSettings and peerSettings
	peerSettings                  map[SettingID]uint32

	// Derived operational values from settings
	// Our capabilities / limits we impose on peer:
	ourCurrentMaxFrameSize  uint32 // Our SETTINGS_MAX_FRAME_SIZE (max payload we can receive)
	ourInitialWindowSize    uint32 // Our SETTINGS_INITIAL_WINDOW_SIZE (for new streams' receive windows)
	ourMaxConcurrentStreams uint32 // Our SETTINGS_MAX_CONCURRENT_STREAMS (limit on peer creating streams)
	ourMaxHeaderListSize    uint32 // Our SETTINGS_MAX_HEADER_LIST_SIZE (limit on peer's request/response header size)
	ourEnablePush           bool   // Our SETTINGS_ENABLE_PUSH

	// Peer's capabilities / limits they impose on us:
	peerMaxFrameSize         uint32 // Peer's SETTINGS_MAX_FRAME_SIZE (max payload we can send)
	peerInitialWindowSize    uint32 // Peer's SETTINGS_INITIAL_WINDOW_SIZE (for new streams' send windows)
	peerMaxConcurrentStreams uint32 // Peer's SETTINGS_MAX_CONCURRENT_STREAMS (limit on us creating streams)
	peerMaxHeaderListSize    uint32 // Peer's SETTINGS_MAX_HEADER_LIST_SIZE (limit on our request/response header size)

	// Tracking for MAX_CONCURRENT_STREAMS
	concurrentStreamsOutbound int // Number of streams we have initiated and are not closed/reset
	concurrentStreamsInbound  int // Number of streams peer has initiated and are not closed/reset

	// Writer goroutine coordination
	writerChan              chan Frame  // Frames to be sent by the writer goroutine
	settingsAckTimeoutTimer *time.Timer // Timer for waiting for SETTINGS ACK

	// Added fields
	maxFrameSize uint32 // To satisfy stream.go, should eventually alias to peerMaxFrameSize or ourCurrentMaxFrameSize depending on context

	remoteAddrStr string // Cached remote address string

	dispatcher RequestDispatcherFunc // Routes a completed request to the application layer

	// Outbound DATA is queued here rather than written straight to writerChan,
	// so the scheduler's weighted round robin (NextSender) gets a real say in
	// which stream's bytes go out next instead of strict send-call order.
	pendingDataMu sync.Mutex
	pendingData   map[uint32][]*DataFrame
	dataPumpWake  chan struct{}
}

// NewConnection creates and initializes a new HTTP/2 Connection.
// nc: underlying network connection
// lg: logger instance
// isClientSide: boolean indicating if this is a client-side connection
// srvSettingsOverride: For server-side, specific HTTP/2 settings overrides. Can be nil.
func NewConnection(
	nc net.Conn,
	lg *logger.Logger,
	isClientSide bool,
	srvSettingsOverride map[SettingID]uint32,
	dispatcher RequestDispatcherFunc,
) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	if dispatcher == nil && !isClientSide { // Dispatcher is crucial for server-side operations
		// For client side, it might be nil if client doesn't process responses in a complex way (e.g. just one request)
		// but for a server, it's required.
		lg.Error("NewConnection: server-side connection created without a dispatcher", logger.LogFields{})
		// Depending on how critical this is, might panic or return error.
		// For now, log and continue, but this setup is likely problematic.
	}

	conn := &Connection{
		netConn:       nc,
		log:           lg,
		isClient:      isClientSide,
		ctx:           ctx,
		cancelCtx:     cancel,
		readerDone:    make(chan struct{}),
		writerDone:    make(chan struct{}),
		shutdownChan:  make(chan struct{}),
		streams:       make(map[uint32]*Stream),
		scheduler:     newScheduler(),
		connFCManager: NewConnectionFlowControlManager(),
		writerChan:    make(chan Frame, 64), // Increased buffer
		activePings:   make(map[[8]byte]*time.Timer),
		ourSettings:   make(map[SettingID]uint32),
		peerSettings:  make(map[SettingID]uint32),
		remoteAddrStr: nc.RemoteAddr().String(),
		dispatcher:    dispatcher, // Store dispatcher
		pendingData:   make(map[uint32][]*DataFrame),
		dataPumpWake:  make(chan struct{}, 1),
	}

	// Initialize client/server stream ID counters
	if isClientSide {
		conn.nextStreamIDClient = 1
		// Server-initiated stream IDs are even. Clients don't initiate with even IDs.
		// If this client were to support receiving PUSH_PROMISE, nextStreamIDServer would track expected even IDs.
		conn.nextStreamIDServer = 0
	} else { // Server side
		conn.nextStreamIDClient = 0 // Server expects client to start with stream ID 1
		conn.nextStreamIDServer = 2 // First server-initiated PUSH_PROMISE will use ID 2
	}

	// Initialize default settings values for peer (will be updated upon receiving peer's SETTINGS frame)
	conn.peerSettings[SettingHeaderTableSize] = DefaultSettingsHeaderTableSize
	conn.peerSettings[SettingEnablePush] = DefaultServerEnablePush // Assume peer server might push
	conn.peerSettings[SettingInitialWindowSize] = DefaultSettingsInitialWindowSize
	conn.peerSettings[SettingMaxFrameSize] = DefaultSettingsMaxFrameSize
	conn.peerSettings[SettingMaxConcurrentStreams] = 0xffffffff // Effectively unlimited until known
	conn.peerSettings[SettingMaxHeaderListSize] = 0xffffffff    // Effectively unlimited until known

	// Initialize our settings
	// Start with general defaults applicable to both client/server before role-specifics
	conn.ourSettings[SettingHeaderTableSize] = DefaultSettingsHeaderTableSize
	conn.ourSettings[SettingInitialWindowSize] = DefaultSettingsInitialWindowSize
	conn.ourSettings[SettingMaxFrameSize] = DefaultSettingsMaxFrameSize

	if isClientSide {
		conn.ourSettings[SettingEnablePush] = DefaultClientEnablePush
		// Clients typically don't aggressively limit server pushes via MAX_CONCURRENT_STREAMS,
		// but they can. Using a reasonably high default.
		conn.ourSettings[SettingMaxConcurrentStreams] = 100
		conn.ourSettings[SettingMaxHeaderListSize] = DefaultServerMaxHeaderListSize // Client willing to accept large headers
	} else { // Server side
		conn.ourSettings[SettingEnablePush] = DefaultServerEnablePush
		conn.ourSettings[SettingMaxConcurrentStreams] = DefaultServerMaxConcurrentStreams
		conn.ourSettings[SettingMaxHeaderListSize] = DefaultServerMaxHeaderListSize
	}

	// Apply server-specific overrides if provided (only for server-side connections)
	if !isClientSide && srvSettingsOverride != nil {
		for id, val := range srvSettingsOverride {
			// TODO: Add validation for settings values here (e.g. MaxFrameSize range, EnablePush 0 or 1)
			// For example, SETTINGS_MAX_FRAME_SIZE must be between 16384 and 16777215.
			// SETTINGS_ENABLE_PUSH must be 0 or 1.
			conn.ourSettings[id] = val
		}
	}

	// Apply initial settings to derive operational values
	// These functions are called without holding settingsMu as this is during construction.
	conn.applyOurSettings()
	conn.applyPeerSettings()

	// Initialize HPACK adapter.
	// Our decoder's table size is set by our SETTINGS_HEADER_TABLE_SIZE.
	ourHpackTableSize := conn.ourSettings[SettingHeaderTableSize]
	conn.hpackAdapter = NewHpackAdapter(ourHpackTableSize)

	// Our encoder's table size limit is initially constrained by the peer's default (assumed) SETTINGS_HEADER_TABLE_SIZE.
	// This will be updated when we receive the peer's actual SETTINGS frame.
	peerHpackTableSize := conn.peerSettings[SettingHeaderTableSize]
	conn.hpackAdapter.SetMaxEncoderDynamicTableSize(peerHpackTableSize)

	go conn.writerLoop()
	go conn.readLoop()
	go conn.dataPumpLoop()

	// RFC 7540 Section 3.5: the first frame either endpoint sends (after the
	// client's 24-byte connection preface, for the server's side) MUST be a
	// SETTINGS frame advertising this endpoint's parameters.
	conn.sendSettingsFrame(conn.ourSettings)

	return conn
}

// sendSettingsFrame queues a non-ACK SETTINGS frame listing settings.
func (c *Connection) sendSettingsFrame(settings map[SettingID]uint32) {
	sf := &SettingsFrame{
		FrameHeader: FrameHeader{Type: FrameSettings, StreamID: 0},
	}
	for id, val := range settings {
		sf.Settings = append(sf.Settings, Setting{ID: id, Value: val})
	}
	c.queueFrame(sf)
}

// queueFrame hands a frame to the writer loop, dropping it without blocking
// forever if the connection is already shutting down.
func (c *Connection) queueFrame(f Frame) {
	select {
	case c.writerChan <- f:
	case <-c.shutdownChan:
	case <-c.ctx.Done():
	}
}

// writerLoop serializes every frame destined for the peer. It is the single
// writer of c.netConn, so nothing else may call WriteFrame directly.
func (c *Connection) writerLoop() {
	defer close(c.writerDone)
	for {
		select {
		case f, ok := <-c.writerChan:
			if !ok {
				return
			}
			if err := WriteFrame(c.netConn, f); err != nil {
				c.log.Error("writerLoop: failed to write frame", logger.LogFields{
					"frame_type": f.Header().Type.String(),
					"stream_id":  f.Header().StreamID,
					"error":      err.Error(),
				})
				c.initiateShutdown(err)
				return
			}
			if gaf, ok := f.(*GoAwayFrame); ok && !c.isClient {
				c.log.Debug("writerLoop: GOAWAY written, closing connection", logger.LogFields{"last_stream_id": gaf.LastStreamID})
				return
			}
		case <-c.shutdownChan:
			return
		}
	}
}

// readLoop is the connection's single reader goroutine: it reads frames off
// the wire and dispatches each to the appropriate processXFrame handler,
// running the per-connection state machine spec.md §3/§4 describes.
func (c *Connection) readLoop() {
	defer close(c.readerDone)
	for {
		c.settingsMu.RLock()
		maxFrameSize := c.ourCurrentMaxFrameSize
		c.settingsMu.RUnlock()
		if maxFrameSize == 0 {
			maxFrameSize = DefaultSettingsMaxFrameSize
		}

		frame, err := ReadFrame(c.netConn, maxFrameSize)
		if err != nil {
			if err != io.EOF {
				c.log.Debug("readLoop: ReadFrame failed", logger.LogFields{"error": err.Error()})
			}
			c.handleFrameReadError(err)
			return
		}

		if err := c.dispatchIncomingFrame(frame); err != nil {
			c.handleConnectionFatalError(err)
			return
		}
	}
}

// handleFrameReadError reacts to a failure to read the next frame: a clean
// EOF or reset just tears the connection down, while a protocol-level error
// surfaced by ReadFrame (e.g. FRAME_SIZE_ERROR) gets a GOAWAY first.
func (c *Connection) handleFrameReadError(err error) {
	if ce, ok := err.(*ConnectionError); ok {
		c.handleConnectionFatalError(ce)
		return
	}
	c.initiateShutdown(err)
}

// handleConnectionFatalError sends GOAWAY (if not already sent) carrying the
// error's code and tears the connection down.
func (c *Connection) handleConnectionFatalError(err error) {
	code := ErrCodeInternalError
	if ce, ok := err.(*ConnectionError); ok {
		code = ce.Code
	}
	c.streamsMu.RLock()
	lastID := c.lastProcessedStreamID
	c.streamsMu.RUnlock()

	if !c.goAwaySent {
		c.goAwaySent = true
		c.queueFrame(GenerateGoAwayFrame(lastID, code, "", err))
	}
	c.initiateShutdown(err)
}

// initiateShutdown records the first fatal error seen and closes shutdownChan
// exactly once, letting both loops and any blocked writer unwind.
func (c *Connection) initiateShutdown(err error) {
	c.streamsMu.Lock()
	if c.connError == nil {
		c.connError = err
	}
	c.streamsMu.Unlock()

	select {
	case <-c.shutdownChan:
	default:
		close(c.shutdownChan)
	}
	c.cancelCtx()
}

// Serve runs the connection until it is closed, blocking the caller. It is
// meant to be run in its own goroutine by whatever accepted the net.Conn.
func (c *Connection) Serve() {
	<-c.writerDone
}

// Shutdown closes shutdownChan and cancels the connection context, which
// stops the reader, writer and data-pump loops. It does not send a GOAWAY
// frame and does not close the underlying net.Conn.
func (c *Connection) Shutdown() {
	c.initiateShutdown(nil)
}

// dispatchIncomingFrame routes a parsed frame to the handler for its type.
// HEADERS/CONTINUATION/PUSH_PROMISE go through the header-assembly state
// machine; everything else is handled directly.
func (c *Connection) dispatchIncomingFrame(frame Frame) error {
	switch f := frame.(type) {
	case *DataFrame:
		return c.dispatchDataFrame(f)
	case *HeadersFrame:
		return c.processHeadersFrame(f)
	case *ContinuationFrame:
		return c.processContinuationFrame(f)
	case *PushPromiseFrame:
		return c.processPushPromiseFrame(f)
	case *PriorityFrame:
		return c.processPriorityFrame(f)
	case *RSTStreamFrame:
		return c.processRSTStreamFrame(f)
	case *SettingsFrame:
		return c.processSettingsFrame(f)
	case *PingFrame:
		return c.processPingFrame(f)
	case *GoAwayFrame:
		return c.processGoAwayFrame(f)
	case *WindowUpdateFrame:
		return c.processWindowUpdateFrame(f)
	case *UnknownFrame:
		c.log.Debug("dispatchIncomingFrame: ignoring unknown frame type", logger.LogFields{"raw_type": f.Header().Type})
		return nil
	default:
		return NewConnectionError(ErrCodeInternalError, fmt.Sprintf("unhandled frame type %T", f))
	}
}

// processSettingsFrame applies a peer SETTINGS frame, or clears the pending
// ACK timer if this frame is itself the peer's ACK of ours.
func (c *Connection) processSettingsFrame(frame *SettingsFrame) error {
	if frame.Header().StreamID != 0 {
		return NewConnectionError(ErrCodeProtocolError, "SETTINGS frame received with non-zero stream ID")
	}
	if frame.Flags&FlagSettingsAck != 0 {
		c.settingsMu.Lock()
		if c.settingsAckTimeoutTimer != nil {
			c.settingsAckTimeoutTimer.Stop()
			c.settingsAckTimeoutTimer = nil
		}
		c.settingsMu.Unlock()
		return nil
	}

	c.settingsMu.Lock()
	for _, s := range frame.Settings {
		if s.ID == SettingInitialWindowSize && s.Value > 0x7FFFFFFF {
			c.settingsMu.Unlock()
			return NewConnectionError(ErrCodeFlowControlError, "SETTINGS_INITIAL_WINDOW_SIZE exceeds maximum flow-control window")
		}
		if s.ID == SettingMaxFrameSize && (s.Value < MinAllowedFrameSize || s.Value > MaxAllowedFrameSize) {
			c.settingsMu.Unlock()
			return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("SETTINGS_MAX_FRAME_SIZE value %d out of range", s.Value))
		}
		if s.ID == SettingEnablePush && s.Value > 1 {
			c.settingsMu.Unlock()
			return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("SETTINGS_ENABLE_PUSH value %d is not 0 or 1", s.Value))
		}
		c.peerSettings[s.ID] = s.Value
	}
	c.applyPeerSettings()
	c.settingsMu.Unlock()

	c.queueFrame(&SettingsFrame{
		FrameHeader: FrameHeader{Type: FrameSettings, Flags: FlagSettingsAck, StreamID: 0},
	})
	return nil
}

// processPingFrame answers a non-ACK PING with an ACK carrying the same
// opaque data, or clears the matching outstanding-ping timer if this PING is
// itself an ACK of one we sent.
func (c *Connection) processPingFrame(frame *PingFrame) error {
	if frame.Header().StreamID != 0 {
		return NewConnectionError(ErrCodeProtocolError, "PING frame received with non-zero stream ID")
	}
	if frame.Flags&FlagPingAck != 0 {
		c.activePingsMu.Lock()
		if timer, ok := c.activePings[frame.OpaqueData]; ok {
			timer.Stop()
			delete(c.activePings, frame.OpaqueData)
		}
		c.activePingsMu.Unlock()
		return nil
	}
	c.queueFrame(&PingFrame{
		FrameHeader: FrameHeader{Type: FramePing, Flags: FlagPingAck, StreamID: 0},
		OpaqueData:  frame.OpaqueData,
	})
	return nil
}

// processGoAwayFrame records the peer's intent to stop creating new streams
// and begins a graceful shutdown of this connection.
func (c *Connection) processGoAwayFrame(frame *GoAwayFrame) error {
	c.log.Info("Received GOAWAY", logger.LogFields{
		"last_stream_id": frame.LastStreamID,
		"error_code":     frame.ErrorCode.String(),
	})
	c.streamsMu.Lock()
	c.goAwayReceived = true
	c.streamsMu.Unlock()
	c.initiateShutdown(NewConnectionError(frame.ErrorCode, "peer sent GOAWAY"))
	return nil
}

// processWindowUpdateFrame applies a WINDOW_UPDATE to either the connection
// send window (stream ID 0) or a stream's send window.
func (c *Connection) processWindowUpdateFrame(frame *WindowUpdateFrame) error {
	streamID := frame.Header().StreamID
	if streamID == 0 {
		if frame.WindowSizeIncrement == 0 {
			return NewConnectionError(ErrCodeProtocolError, "WINDOW_UPDATE on stream 0 with zero increment")
		}
		if err := c.connFCManager.Increase(frame.WindowSizeIncrement); err != nil {
			return NewConnectionError(ErrCodeFlowControlError, "connection send window overflow: "+err.Error())
		}
		return nil
	}

	stream, found := c.getStream(streamID)
	if !found {
		c.streamsMu.RLock()
		known := streamID <= c.lastProcessedStreamID
		c.streamsMu.RUnlock()
		if known {
			return nil // Stream already closed; a late WINDOW_UPDATE for it is harmless.
		}
		return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("WINDOW_UPDATE for unopened stream %d", streamID))
	}
	if frame.WindowSizeIncrement == 0 {
		return c.sendRSTStreamFrame(streamID, ErrCodeProtocolError)
	}
	if err := stream.fcManager.sendWindow.Increase(frame.WindowSizeIncrement); err != nil {
		return c.sendRSTStreamFrame(streamID, ErrCodeFlowControlError)
	}
	c.scheduler.Activate(streamID)
	return nil
}

// processRSTStreamFrame tears a stream down in response to a peer RST_STREAM.
func (c *Connection) processRSTStreamFrame(frame *RSTStreamFrame) error {
	streamID := frame.Header().StreamID
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "RST_STREAM frame received on stream 0")
	}
	stream, found := c.getStream(streamID)
	if !found {
		return nil
	}
	stream.handleRSTStreamFrame(frame.ErrorCode)
	c.removeStream(streamID, stream.initiatedByPeer, frame.ErrorCode)
	return nil
}

// processPriorityFrame applies a PRIORITY frame through the scheduler, which
// enforces the idle-placeholder cap (ENHANCE_YOUR_CALM) before delegating to
// the underlying tree.
func (c *Connection) processPriorityFrame(frame *PriorityFrame) error {
	if frame.Header().StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "PRIORITY frame received on stream 0")
	}
	if frame.StreamDependency == frame.Header().StreamID {
		return NewStreamError(frame.Header().StreamID, ErrCodeProtocolError, "PRIORITY frame depends on itself")
	}
	return c.scheduler.ProcessPriorityFrame(frame)
}

// applyOurSettings updates connection's operational parameters based on conn.ourSettings.
// This should be called when our settings are initialized or changed.
// Assumes settingsMu is held if called outside constructor.
func (c *Connection) applyOurSettings() {
	c.ourCurrentMaxFrameSize = c.ourSettings[SettingMaxFrameSize]
	c.ourInitialWindowSize = c.ourSettings[SettingInitialWindowSize]
	c.ourMaxConcurrentStreams = c.ourSettings[SettingMaxConcurrentStreams]
	c.ourMaxHeaderListSize = c.ourSettings[SettingMaxHeaderListSize]

	enablePushVal, ok := c.ourSettings[SettingEnablePush]
	c.ourEnablePush = (ok && enablePushVal == 1)
}

// applyPeerSettings updates connection's operational parameters based on conn.peerSettings.
// This should be called when peer's settings are initialized or changed.
// Assumes settingsMu is held if called outside constructor.
func (c *Connection) applyPeerSettings() {
	c.peerMaxFrameSize = c.peerSettings[SettingMaxFrameSize]
	c.peerInitialWindowSize = c.peerSettings[SettingInitialWindowSize]
	c.peerMaxConcurrentStreams = c.peerSettings[SettingMaxConcurrentStreams]
	c.peerMaxHeaderListSize = c.peerSettings[SettingMaxHeaderListSize]

	// Update HPACK encoder's dynamic table size limit based on peer's SettingHeaderTableSize
	if c.hpackAdapter != nil {
		peerHpackTableSize := c.peerSettings[SettingHeaderTableSize]
		c.hpackAdapter.SetMaxEncoderDynamicTableSize(peerHpackTableSize)
	}
}

// canCreateStream checks if a new stream can be created based on concurrency limits.
// isInitiatedByPeer indicates if the stream creation is initiated by the peer.
func (c *Connection) canCreateStream(isInitiatedByPeer bool) bool {
	c.settingsMu.Lock()
	c.streamsMu.RLock() // RLock for reading concurrent stream counts

	var limit uint32
	var currentCount int

	if isInitiatedByPeer {
		limit = c.ourMaxConcurrentStreams
		currentCount = c.concurrentStreamsInbound
	} else {
		limit = c.peerMaxConcurrentStreams
		currentCount = c.concurrentStreamsOutbound
	}
	// Unlock order: streamsMu first, then settingsMu
	c.streamsMu.RUnlock()
	c.settingsMu.Unlock()

	// A setting of 0 for MAX_CONCURRENT_STREAMS means no new streams of that type are allowed.
	// RFC 7540, Section 5.1.2: "A value of 0 for SETTINGS_MAX_CONCURRENT_STREAMS SHOULD NOT be treated as special by endpoints."
	// However, a common interpretation (and practical one for servers setting a limit) is that 0 means "disallow".
	// The spec also states: "SETTINGS_MAX_CONCURRENT_STREAMS (0x3): ...This limit is directional: it applies to the number of streams that the sender of the setting can create."
	// So, if WE send MAX_CONCURRENT_STREAMS = N, the PEER can open N streams.
	// If PEER sends MAX_CONCURRENT_STREAMS = M, WE can open M streams.
	// If isInitiatedByPeer is true, PEER is opening, so our limit (ourMaxConcurrentStreams) applies.
	// If isInitiatedByPeer is false, WE are opening, so PEER's limit (peerMaxConcurrentStreams) applies.

	if limit == 0 { // If the limit is explicitly set to 0, no streams allowed.
		return false
	}
	// If limit is not 0 (common case: large default or specific value), check count.
	// Note: MaxConcurrentStreams is often treated as "effectively infinite" (e.g. 2^31-1) by default if not set.
	// Our defaults handle this appropriately (0xffffffff before peer settings are known).
	return uint32(currentCount) < limit
}

// createStream creates a new stream, initializes it, and adds it to the connection.
// id: The stream ID, must be validated by the caller for parity and sequence.
// prioInfo: Priority information for the new stream. If nil, default priority is used.
// isInitiatedByPeer: True if the stream is being created due to a peer's action (e.g., receiving HEADERS).
func (c *Connection) createStream(id uint32, prioInfo *streamDependencyInfo, isInitiatedByPeer bool) (*Stream, error) {
	// Check concurrency limits first, without holding the full streamsMu write lock yet.
	if !c.canCreateStream(isInitiatedByPeer) {
		return nil, NewConnectionError(ErrCodeRefusedStream, fmt.Sprintf("cannot create stream %d: max concurrent streams limit reached", id))
	}

	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()

	// Re-check concurrency under the full lock, in case counts changed.
	// streamsMu is already held here, so the counts are read directly rather
	// than through canCreateStream, which takes streamsMu itself.
	c.settingsMu.RLock()
	recheckLimit, recheckCount := c.peerMaxConcurrentStreams, c.concurrentStreamsOutbound
	if isInitiatedByPeer {
		recheckLimit, recheckCount = c.ourMaxConcurrentStreams, c.concurrentStreamsInbound
	}
	c.settingsMu.RUnlock()
	if recheckLimit == 0 || uint32(recheckCount) >= recheckLimit {
		return nil, NewConnectionError(ErrCodeRefusedStream, fmt.Sprintf("cannot create stream %d: max concurrent streams limit reached (re-check)", id))
	}

	if _, ok := c.streams[id]; ok {
		return nil, NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("cannot create stream %d: stream already exists", id))
	}

	// Determine priority values
	var weight uint8
	var parentID uint32
	var exclusive bool

	if prioInfo != nil {
		weight = prioInfo.Weight
		parentID = prioInfo.StreamDependency
		exclusive = prioInfo.Exclusive
	} else {
		// Default priority: weight 16 (frame value 15), parent 0, not exclusive
		weight = 15 // Default weight of 16 is represented by frame value 15
		parentID = 0
		exclusive = false
	}

	// Use current initial window sizes from settings
	c.settingsMu.Lock()
	currentOurInitialWindowSize := c.ourInitialWindowSize
	currentPeerInitialWindowSize := c.peerInitialWindowSize
	c.settingsMu.Unlock()

	stream, err := newStream(
		c, // parent connection
		id,
		currentOurInitialWindowSize,
		currentPeerInitialWindowSize,
		weight,
		parentID,
		exclusive,
		isInitiatedByPeer,
	)
	if err != nil {
		return nil, NewConnectionError(ErrCodeInternalError, fmt.Sprintf("failed to create new stream object for ID %d: %v", id, err))
	}

	// newStream already registered the stream with c.scheduler (using the
	// same resolved weight/parentID/exclusive passed in above).
	c.streams[id] = stream

	if isInitiatedByPeer {
		c.concurrentStreamsInbound++
	} else {
		c.concurrentStreamsOutbound++
	}

	// Update lastProcessedStreamID if this stream ID is higher.
	// This is relevant for GOAWAY processing.
	if id > c.lastProcessedStreamID {
		c.lastProcessedStreamID = id
	}

	c.log.Debug("Stream created", logger.LogFields{"streamID": id, "isPeerInitiated": isInitiatedByPeer})
	return stream, nil
}

// getStream retrieves an active stream by its ID.
// Returns the stream and true if found, otherwise nil and false.
func (c *Connection) getStream(id uint32) (*Stream, bool) {
	c.streamsMu.RLock()
	defer c.streamsMu.RUnlock()
	stream, ok := c.streams[id]
	return stream, ok
}

// removeStream removes a stream from the connection's active list and cleans up its resources.
// id: The ID of the stream to remove.
// initiatedByPeer: Must accurately reflect if the stream was initiated by the peer,
//
//	used for decrementing the correct concurrent stream counter.
//
// errCode: The HTTP/2 error code to use if an RST_STREAM needs to be sent or for logging the reason for removal.
func (c *Connection) removeStream(id uint32, initiatedByPeer bool, errCode ErrorCode) {
	streamToClose, found := c.getStream(id)
	if !found {
		c.log.Debug("Attempted to remove non-existent stream", logger.LogFields{"streamID": id})
		return
	}

	c.log.Debug("Removing stream", logger.LogFields{"streamID": id, "reasonCode": errCode.String()})

	// Close the stream itself. This transitions it to Closed, which (via
	// _setState -> closeStreamResourcesProtected) calls c.detachStream to do
	// the map/scheduler bookkeeping below. Pass a StreamError to stream.Close
	// if an error code is provided.
	var closeErr error
	if errCode != ErrCodeNoError && errCode != ErrCodeCancel { // NoError and Cancel might imply graceful or already handled RST
		closeErr = NewStreamError(id, errCode, "stream removed by connection")
	}
	if err := streamToClose.Close(closeErr); err != nil {
		c.log.Warn("Error during stream.Close() while removing stream", logger.LogFields{"streamID": id, "error": err.Error()})
	}

	// Belt-and-braces: if the stream was already Closed (so _setState's
	// transition above was a no-op and detachStream never ran), detach it now.
	c.detachStream(id, initiatedByPeer)
}

// detachStream removes a stream from the connection's active map and
// relocates it into the scheduler's closed-stream ring (RFC 7540 Section
// 5.3, spec's Section 4.4/8 reprioritization window for recently-closed
// streams), without touching the stream's own lock. It is safe to call from
// closeStreamResourcesProtected, which runs with s.mu already held.
func (c *Connection) detachStream(id uint32, initiatedByPeer bool) {
	c.streamsMu.Lock()
	_, found := c.streams[id]
	if found {
		delete(c.streams, id)
		if initiatedByPeer {
			if c.concurrentStreamsInbound > 0 {
				c.concurrentStreamsInbound--
			}
		} else {
			if c.concurrentStreamsOutbound > 0 {
				c.concurrentStreamsOutbound--
			}
		}
	}
	c.streamsMu.Unlock()

	if !found {
		return
	}

	if err := c.scheduler.RemoveStream(id); err != nil {
		c.log.Warn("Error removing stream from scheduler", logger.LogFields{"streamID": id, "error": err.Error()})
	}

	c.pendingDataMu.Lock()
	delete(c.pendingData, id)
	c.pendingDataMu.Unlock()
}

// sendHeadersFrame encodes headers with HPACK and writes a HEADERS frame,
// followed by as many CONTINUATION frames as needed to stay within the
// peer's SETTINGS_MAX_FRAME_SIZE.
func (c *Connection) sendHeadersFrame(s *Stream, headers []hpack.HeaderField, endStream bool) error {
	if s == nil {
		return fmt.Errorf("sendHeadersFrame: stream is nil")
	}
	encoded, err := c.hpackAdapter.EncodeHeaderFields(headers)
	if err != nil {
		return fmt.Errorf("sendHeadersFrame: hpack encode failed: %w", err)
	}

	c.settingsMu.RLock()
	maxChunk := c.peerMaxFrameSize
	c.settingsMu.RUnlock()
	if maxChunk == 0 {
		maxChunk = DefaultSettingsMaxFrameSize
	}

	first := encoded
	var rest []byte
	if uint32(len(encoded)) > maxChunk {
		first = encoded[:maxChunk]
		rest = encoded[maxChunk:]
	}

	hf := &HeadersFrame{
		FrameHeader:         FrameHeader{Type: FrameHeaders, StreamID: s.id},
		HeaderBlockFragment: first,
	}
	if endStream {
		hf.Flags |= FlagHeadersEndStream
	}
	if rest == nil {
		hf.Flags |= FlagHeadersEndHeaders
	}
	c.queueFrame(hf)

	for len(rest) > 0 {
		var chunk []byte
		last := uint32(len(rest)) <= maxChunk
		if last {
			chunk, rest = rest, nil
		} else {
			chunk, rest = rest[:maxChunk], rest[maxChunk:]
		}
		cf := &ContinuationFrame{
			FrameHeader:         FrameHeader{Type: FrameContinuation, StreamID: s.id},
			HeaderBlockFragment: chunk,
		}
		if last {
			cf.Flags |= FlagContinuationEndHeaders
		}
		c.queueFrame(cf)
	}

	return nil
}

// sendDataFrame queues a DATA frame chunk for the stream. It does not write
// directly to the wire: the chunk is handed to the scheduler-driven data
// pump (dataPumpLoop), which picks the next stream to drain via
// c.scheduler.NextSender so concurrent streams' bodies interleave instead of
// each stream monopolizing the connection until it completes.
func (c *Connection) sendDataFrame(s *Stream, data []byte, endStream bool) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("sendDataFrame: stream is nil")
	}
	df := &DataFrame{
		FrameHeader: FrameHeader{Type: FrameData, StreamID: s.id},
		Data:        data,
	}
	if endStream {
		df.Flags |= FlagDataEndStream
	}

	c.pendingDataMu.Lock()
	c.pendingData[s.id] = append(c.pendingData[s.id], df)
	c.pendingDataMu.Unlock()

	c.scheduler.Activate(s.id)
	select {
	case c.dataPumpWake <- struct{}{}:
	default:
	}

	return len(data), nil
}

// dataPumpLoop is the scheduler's consumer: each time it wakes it drains
// every active stream's queued DATA frames in scheduler-selected order,
// deactivating a stream once its queue runs dry so the next NextSender call
// skips it.
func (c *Connection) dataPumpLoop() {
	for {
		select {
		case <-c.shutdownChan:
			return
		case <-c.dataPumpWake:
		}

		for {
			streamID, ok := c.scheduler.NextSender()
			if !ok {
				break
			}

			c.pendingDataMu.Lock()
			queue := c.pendingData[streamID]
			var df *DataFrame
			if len(queue) > 0 {
				df = queue[0]
				queue = queue[1:]
			}
			if len(queue) == 0 {
				delete(c.pendingData, streamID)
			} else {
				c.pendingData[streamID] = queue
			}
			remaining := len(queue)
			c.pendingDataMu.Unlock()

			if df == nil {
				c.scheduler.Deactivate(streamID)
				continue
			}
			c.queueFrame(df)
			if remaining == 0 {
				c.scheduler.Deactivate(streamID)
			}
		}
	}
}

// sendRSTStreamFrame queues an RST_STREAM frame for the given stream.
func (c *Connection) sendRSTStreamFrame(streamID uint32, errorCode ErrorCode) error {
	c.queueFrame(&RSTStreamFrame{
		FrameHeader: FrameHeader{Type: FrameRSTStream, StreamID: streamID},
		ErrorCode:   errorCode,
	})
	return nil
}

// sendWindowUpdateFrame queues a WINDOW_UPDATE frame. A zero increment is a
// no-op: RFC 7540 Section 6.9 forbids sending one.
func (c *Connection) sendWindowUpdateFrame(streamID uint32, increment uint32) error {
	if increment == 0 {
		return nil
	}
	c.queueFrame(&WindowUpdateFrame{
		FrameHeader:         FrameHeader{Type: FrameWindowUpdate, StreamID: streamID},
		WindowSizeIncrement: increment,
	})
	return nil
}

// isTLS reports whether the underlying connection is a TLS connection,
// which determines the default ":scheme" assumed for incoming requests.
func (c *Connection) isTLS() bool {
	_, ok := c.netConn.(*tls.Conn)
	return ok
}

// streamHandlerDone is called once a stream's dispatched request-handler
// goroutine returns. If the stream has already reached the closed state on
// both sides, it is removed now instead of waiting for some other frame to
// trigger cleanup.
func (c *Connection) streamHandlerDone(s *Stream) {
	s.mu.RLock()
	state := s.state
	initiatedByPeer := s.initiatedByPeer
	s.mu.RUnlock()
	if state == StreamStateClosed {
		c.removeStream(s.id, initiatedByPeer, ErrCodeNoError)
	}
}

// dispatchDataFrame handles an incoming DATA frame.
// It performs connection-level flow control accounting and then dispatches
// the frame to the appropriate stream for stream-level processing.
func (c *Connection) dispatchDataFrame(frame *DataFrame) error {
	streamID := frame.Header().StreamID
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "DATA frame received on stream 0")
	}

	// Account for frame payload length. Assumes frame.Data is the actual data after de-padding.
	payloadLen := uint32(len(frame.Data))

	// 1. Connection-level flow control update
	// This must happen regardless of the stream's state, as the bytes were received on the connection.
	if err := c.connFCManager.DataReceived(payloadLen); err != nil {
		c.log.Error("Connection flow control error on DATA frame",
			logger.LogFields{"stream_id": streamID, "payload_len": payloadLen, "error": err.Error()})
		// connFCManager.DataReceived should return a ConnectionError with FLOW_CONTROL_ERROR
		return err
	}

	// 2. Find the stream
	stream, found := c.getStream(streamID)

	if !found {
		// Stream does not exist in our active map.
		c.streamsMu.RLock() // RLock to safely read lastProcessedStreamID
		lastKnownStreamID := c.lastProcessedStreamID
		c.streamsMu.RUnlock()

		if streamID <= lastKnownStreamID {
			// Stream was known but is now closed. Peer should not send DATA.
			// Send RST_STREAM(STREAM_CLOSED). Connection FC already handled.
			c.log.Warn("DATA frame for closed stream", logger.LogFields{"stream_id": streamID})
			return c.sendRSTStreamFrame(streamID, ErrCodeStreamClosed)
		}
		// Stream ID is higher than any we've processed. Client sent DATA before HEADERS.
		// This is a connection error. Connection FC handled, but this error is fatal.
		return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("DATA frame on unopened stream %d", streamID))
	}

	// 3. Check stream state (before dispatching to stream.handleDataFrame)
	// stream.handleDataFrame will also check, but good to do a preliminary check here.
	stream.mu.RLock()
	state := stream.state
	canReceiveData := (state == StreamStateOpen || state == StreamStateHalfClosedLocal)
	stream.mu.RUnlock()

	if !canReceiveData {
		c.log.Warn("DATA frame for stream in invalid state",
			logger.LogFields{"stream_id": streamID, "state": state.String()})
		// Per RFC 7540, 6.1: "If an endpoint receives a DATA frame for a stream
		// that is not in the "open" or "half-closed (local)" state, it MUST respond
		// with a stream error (Section 5.4.2) of type STREAM_CLOSED."
		// Connection FC already handled.
		return c.sendRSTStreamFrame(streamID, ErrCodeStreamClosed)
	}

	// 4. Dispatch to stream for stream-level processing
	if err := stream.handleDataFrame(frame); err != nil {
		// stream.handleDataFrame might return a StreamError (e.g., stream FC violation)
		// or a ConnectionError if something catastrophic happened at stream level.
		if se, ok := err.(*StreamError); ok {
			c.log.Warn("Stream error handling DATA frame",
				logger.LogFields{"stream_id": se.StreamID, "code": se.Code.String(), "msg": se.Msg})
			return c.sendRSTStreamFrame(se.StreamID, se.Code)
		}
		// If it's a ConnectionError or other fatal error, propagate it.
		return err
	}

	return nil
}

// resetHeaderAssemblyState clears the state related to assembling a header block.
func (c *Connection) resetHeaderAssemblyState() {
	c.activeHeaderBlockStreamID = 0
	c.headerFragments = nil // Allow GC to collect the slices
	c.headerFragmentTotalSize = 0
	c.headerFragmentInitialType = 0
	c.headerFragmentPromisedID = 0
	c.headerFragmentEndStream = false
}

// processContinuationFrame processes an incoming CONTINUATION frame.
func (c *Connection) processContinuationFrame(frame *ContinuationFrame) error {
	header := frame.Header()

	if c.activeHeaderBlockStreamID == 0 || len(c.headerFragments) == 0 {
		return NewConnectionError(ErrCodeProtocolError, "CONTINUATION frame received without active HEADERS/PUSH_PROMISE")
	}
	if header.StreamID != c.activeHeaderBlockStreamID {
		return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("CONTINUATION frame on stream %d does not match active header block stream %d", header.StreamID, c.activeHeaderBlockStreamID))
	}

	// Max header list size check (cumulative, on compressed size)
	c.settingsMu.Lock()
	maxHeaderListSizeBytes := c.ourMaxHeaderListSize
	c.settingsMu.Unlock()

	newTotalSize := c.headerFragmentTotalSize + uint32(len(frame.HeaderBlockFragment))
	if newTotalSize > maxHeaderListSizeBytes && maxHeaderListSizeBytes > 0 {
		msg := fmt.Sprintf("CONTINUATION frame causes header block (stream %d) to exceed preliminary max size (%d > %d)",
			c.activeHeaderBlockStreamID, newTotalSize, maxHeaderListSizeBytes)
		c.log.Error(msg, logger.LogFields{})
		c.resetHeaderAssemblyState()                         // Abort assembly
		return NewConnectionError(ErrCodeProtocolError, msg) // Or ENHANCE_YOUR_CALM
	}

	c.headerFragments = append(c.headerFragments, frame.HeaderBlockFragment)
	c.headerFragmentTotalSize = newTotalSize

	if header.Flags&FlagContinuationEndHeaders != 0 {
		// END_HEADERS is set, this completes the block.
		// Use the stored priority info from the *initial* frame of this block.
		return c.finalizeHeaderBlockAndDispatch(c.headerFragmentInitialPrioInfo)
	}
	// END_HEADERS not set, expect more CONTINUATION frames.
	return nil
}

// finalizeHeaderBlockAndDispatch is called when a complete header block (HEADERS/PUSH_PROMISE + any CONTINUATIONs)
// has been received (indicated by END_HEADERS flag). It concatenates fragments, decodes,
// validates, and then dispatches the headers.
func (c *Connection) finalizeHeaderBlockAndDispatch(initialFramePrioInfo *streamDependencyInfo) error {
	if c.activeHeaderBlockStreamID == 0 || len(c.headerFragments) == 0 {
		// Should not happen if called correctly.
		c.resetHeaderAssemblyState() // Ensure clean state even if this happens
		return NewConnectionError(ErrCodeInternalError, "finalizeHeaderBlockAndDispatch called with no active header block")
	}

	// Concatenate all fragments
	totalLen := 0
	for _, frag := range c.headerFragments {
		totalLen += len(frag)
	}
	fullHeaderBlock := make([]byte, 0, totalLen)
	for _, frag := range c.headerFragments {
		fullHeaderBlock = append(fullHeaderBlock, frag...)
	}

	// Decode using HPACK
	c.hpackAdapter.ResetDecoderState() // Ensure clean state for new block
	if err := c.hpackAdapter.DecodeFragment(fullHeaderBlock); err != nil {
		c.log.Error("HPACK decoding error (fragment processing)", logger.LogFields{"stream_id": c.activeHeaderBlockStreamID, "error": err})
		c.resetHeaderAssemblyState()
		return NewConnectionError(ErrCodeCompressionError, "HPACK decode fragment error: "+err.Error())
	}
	decodedHeaders, err := c.hpackAdapter.FinishDecoding()
	if err != nil {
		c.log.Error("HPACK decoding error (finish decoding)", logger.LogFields{"stream_id": c.activeHeaderBlockStreamID, "error": err})
		c.resetHeaderAssemblyState()
		return NewConnectionError(ErrCodeCompressionError, "HPACK finish decoding error: "+err.Error())
	}

	// Check MAX_HEADER_LIST_SIZE (uncompressed)
	var uncompressedSize uint32
	for _, hf := range decodedHeaders {
		uncompressedSize += uint32(len(hf.Name)) + uint32(len(hf.Value)) + 32 // As per RFC 7540, Section 6.5.2
	}

	c.settingsMu.Lock()
	actualMaxHeaderListSize := c.ourMaxHeaderListSize
	c.settingsMu.Unlock()

	if actualMaxHeaderListSize > 0 && uncompressedSize > actualMaxHeaderListSize {
		msg := fmt.Sprintf("decoded header list size (%d) exceeds SETTINGS_MAX_HEADER_LIST_SIZE (%d) for stream %d",
			uncompressedSize, actualMaxHeaderListSize, c.activeHeaderBlockStreamID)
		c.log.Error(msg, logger.LogFields{})
		c.resetHeaderAssemblyState()
		// This is a resource limit violation. ENHANCE_YOUR_CALM or PROTOCOL_ERROR.
		return NewConnectionError(ErrCodeEnhanceYourCalm, msg)
	}

	// Store relevant state before resetting, as dispatch might be complex.
	streamID := c.activeHeaderBlockStreamID
	initialType := c.headerFragmentInitialType
	promisedID := c.headerFragmentPromisedID
	endStreamFlag := c.headerFragmentEndStream // This flag is from the *initial* HEADERS frame.

	// The prioInfo passed to this function is from the initial frame.
	// It's `initialFramePrioInfo`.

	c.resetHeaderAssemblyState() // Reset state *before* dispatching.

	switch initialType {
	case FrameHeaders:
		c.log.Debug("Dispatching assembled HEADERS", logger.LogFields{"stream_id": streamID, "num_headers": len(decodedHeaders), "end_stream_flag_on_headers": endStreamFlag})
		err = c.handleIncomingCompleteHeaders(streamID, decodedHeaders, endStreamFlag, initialFramePrioInfo)
		if err != nil {
			return err
		}

	case FramePushPromise:
		c.log.Debug("Dispatching assembled PUSH_PROMISE", logger.LogFields{"associated_stream_id": streamID, "promised_stream_id": promisedID, "num_headers": len(decodedHeaders)})
		// TODO: Implement client-side PUSH_PROMISE handling.
		// This involves:
		// 1. Validating promisedID.
		// 2. Creating a new stream in "reserved (remote)" state for promisedID.
		// 3. Storing the pushed request headers.
		// 4. Client application logic decides whether to accept or RST_STREAM(CANCEL) the pushed stream.
	default:
		// This should be unreachable if state is managed correctly.
		return NewConnectionError(ErrCodeInternalError, fmt.Sprintf("invalid initial frame type %v in finalizeHeaderBlockAndDispatch", initialType))
	}

	return nil
}

func (c *Connection) processHeadersFrame(frame *HeadersFrame) error {
	header := frame.Header()
	if header.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "HEADERS frame received on stream 0")
	}
	// Server: Stream ID must be odd for client-initiated.
	if !c.isClient && (header.StreamID%2 == 0) {
		// Client should not send HEADERS on an even stream ID unless it's related to a PUSH_PROMISE
		// it initiated (which isn't a thing). Or if client is broken.
		return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("server received HEADERS on even stream ID %d", header.StreamID))
	}
	// Client: Stream ID should be odd for requests it sent, or even for server pushed responses.
	// For a HEADERS frame received by a client, it could be a response to its own request (odd ID)
	// or the start of a pushed response (even ID, after a PUSH_PROMISE for that ID).

	if c.activeHeaderBlockStreamID != 0 {
		// A new HEADERS frame arrived while another header block (possibly on a different stream)
		// was still being assembled (expecting CONTINUATION). This is a PROTOCOL_ERROR.
		// Section 6.10: "A CONTINUATION frame MUST be preceded by a HEADERS, PUSH_PROMISE or
		// CONTINUATION frame without the END_HEADERS flag set."
		// Implicitly, any other frame type terminates the sequence.
		msg := fmt.Sprintf("HEADERS frame for stream %d received while header block for stream %d is active", header.StreamID, c.activeHeaderBlockStreamID)
		c.log.Error(msg, logger.LogFields{})
		c.resetHeaderAssemblyState() // Clear previous partial state.
		return NewConnectionError(ErrCodeProtocolError, msg)
	}

	// Max header list size check (preliminary, on compressed size of this first fragment)
	c.settingsMu.Lock()
	maxHeaderListSizeBytes := c.ourMaxHeaderListSize
	c.settingsMu.Unlock()

	if uint32(len(frame.HeaderBlockFragment)) > maxHeaderListSizeBytes && maxHeaderListSizeBytes > 0 {
		msg := fmt.Sprintf("HEADERS frame fragment size (%d) exceeds preliminary max header list size (%d) for stream %d",
			len(frame.HeaderBlockFragment), maxHeaderListSizeBytes, header.StreamID)
		c.log.Error(msg, logger.LogFields{})
		// This is a fatal error for the connection, as per MAX_HEADER_LIST_SIZE description.
		return NewConnectionError(ErrCodeEnhanceYourCalm, msg) // Or PROTOCOL_ERROR
	}

	var prioInfoOnThisFrame *streamDependencyInfo
	if header.Flags&FlagHeadersPriority != 0 {
		prioInfoOnThisFrame = &streamDependencyInfo{
			StreamDependency: frame.StreamDependency,
			Weight:           frame.Weight,
			Exclusive:        frame.Exclusive,
		}
	}

	c.activeHeaderBlockStreamID = header.StreamID
	c.headerFragments = append([][]byte{}, frame.HeaderBlockFragment) // Start new list
	c.headerFragmentTotalSize = uint32(len(frame.HeaderBlockFragment))
	c.headerFragmentInitialType = FrameHeaders
	c.headerFragmentPromisedID = 0 // Not a PUSH_PROMISE
	c.headerFragmentEndStream = (header.Flags & FlagHeadersEndStream) != 0
	c.headerFragmentInitialPrioInfo = prioInfoOnThisFrame // Store priority from this frame

	if header.Flags&FlagHeadersEndHeaders != 0 {
		// END_HEADERS is set, this is a complete block.
		// Pass prioInfoOnThisFrame as it's from the current, initial frame of the block.
		return c.finalizeHeaderBlockAndDispatch(prioInfoOnThisFrame)
	}
	// END_HEADERS not set, expect CONTINUATION frames.
	return nil
}

func (c *Connection) processPushPromiseFrame(frame *PushPromiseFrame) error {
	header := frame.Header()
	if header.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "PUSH_PROMISE frame received on stream 0")
	}
	if frame.PromisedStreamID == 0 || frame.PromisedStreamID%2 != 0 { // Promised ID must be non-zero and even
		return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("invalid PromisedStreamID %d in PUSH_PROMISE on stream %d", frame.PromisedStreamID, header.StreamID))
	}
	if !c.isClient { // Only clients should receive PUSH_PROMISE
		return NewConnectionError(ErrCodeProtocolError, "server received PUSH_PROMISE frame")
	}

	if c.activeHeaderBlockStreamID != 0 {
		msg := fmt.Sprintf("PUSH_PROMISE frame for stream %d (promised %d) received while header block for stream %d is active", header.StreamID, frame.PromisedStreamID, c.activeHeaderBlockStreamID)
		c.log.Error(msg, logger.LogFields{})
		c.resetHeaderAssemblyState()
		return NewConnectionError(ErrCodeProtocolError, msg)
	}

	c.settingsMu.Lock()
	serverPushEnabled := c.ourEnablePush
	maxHeaderListSizeBytes := c.ourMaxHeaderListSize
	c.settingsMu.Unlock()

	if !serverPushEnabled {
		// Client has disabled push, server should not send PUSH_PROMISE.
		// Client RSTs the *promised* stream ID.
		// Since we haven't created it, we just note the protocol violation from peer.
		c.log.Warn("Received PUSH_PROMISE when server push is disabled by client settings.", logger.LogFields{"promisedStreamID": frame.PromisedStreamID})
		// We should RST_STREAM the promised stream with CANCEL or PROTOCOL_ERROR.
		// Since the stream doesn't exist locally yet, we can't use stream.sendRSTStream.
		// The spec (8.2) says "An endpoint that receives a PUSH_PROMISE frame for which it has SETTINGS_ENABLE_PUSH set to 0 MUST treat the PUSH_PROMISE frame as a connection error (Section 5.4.1) of type PROTOCOL_ERROR."
		return NewConnectionError(ErrCodeProtocolError, "received PUSH_PROMISE when server push is disabled by client")

	}

	if uint32(len(frame.HeaderBlockFragment)) > maxHeaderListSizeBytes && maxHeaderListSizeBytes > 0 {
		msg := fmt.Sprintf("PUSH_PROMISE frame fragment size (%d) exceeds preliminary max header list size (%d) for stream %d, promised %d",
			len(frame.HeaderBlockFragment), maxHeaderListSizeBytes, header.StreamID, frame.PromisedStreamID)
		c.log.Error(msg, logger.LogFields{})
		return NewConnectionError(ErrCodeEnhanceYourCalm, msg) // Or PROTOCOL_ERROR
	}

	c.activeHeaderBlockStreamID = header.StreamID // Associated stream, NOT promised stream
	c.headerFragments = append(c.headerFragments, frame.HeaderBlockFragment)
	c.headerFragmentTotalSize = uint32(len(frame.HeaderBlockFragment))
	c.headerFragmentInitialType = FramePushPromise
	c.headerFragmentPromisedID = frame.PromisedStreamID
	c.headerFragmentEndStream = false // PUSH_PROMISE itself doesn't end the associated stream.

	if header.Flags&FlagPushPromiseEndHeaders != 0 {
		return c.finalizeHeaderBlockAndDispatch(nil) // PUSH_PROMISE frames don't have their own priority info in this context.
	}
	return nil
}

func (c *Connection) handleIncomingCompleteHeaders(streamID uint32, headers []hpack.HeaderField, endStream bool, prioInfo *streamDependencyInfo) error {
	c.log.Debug("Handling complete headers",
		logger.LogFields{
			"stream_id":         streamID,
			"num_headers":       len(headers),
			"end_stream":        endStream,
			"prio_info_present": prioInfo != nil,
			"is_client_conn":    c.isClient,
		})

	if c.isClient {
		// Client received HEADERS (response or pushed response)

		_, exists := c.getStream(streamID)
		if !exists {
			c.log.Error("Client received HEADERS for unknown or closed stream", logger.LogFields{"stream_id": streamID})
			// Specific error depends on whether streamID was expected (e.g. after PUSH_PROMISE)
			// For now, treat as a protocol error if stream not found.
			return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("client received HEADERS for non-existent stream %d", streamID))
		}
		// TODO: Implement stream.processResponseHeaders(headers, endStream) in stream.go
		// return stream.processResponseHeaders(headers, endStream)
		c.log.Debug("Client-side header handling not fully implemented yet.", logger.LogFields{"stream_id": streamID})
		return nil // Placeholder for client-side

	} else {
		// Server received HEADERS (client request)
		if streamID == 0 {
			return NewConnectionError(ErrCodeProtocolError, "server received HEADERS on stream 0")
		}
		if streamID%2 == 0 { // Client-initiated stream ID must be odd
			return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("server received HEADERS on even stream ID %d from client", streamID))
		}

		// Check if stream already exists (client re-using an ID for a new request)
		// N.B. lastProcessedStreamID is updated by createStream.
		// A client MUST NOT reuse stream IDs.
		c.streamsMu.RLock()
		_, exists := c.streams[streamID]
		// highestKnownClientStream := c.nextStreamIDClient - 2 // This logic needs more robust tracking if used.
		c.streamsMu.RUnlock()

		if exists {
			c.log.Error("Server received HEADERS for an already existing stream ID from client", logger.LogFields{"stream_id": streamID})
			return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("client attempted to reuse stream ID %d", streamID))
		}
		// TODO: Add more robust tracking of highest client-initiated stream ID successfully processed
		// to prevent re-use if stream was closed quickly. For now, `exists` check catches active re-use.

		if c.dispatcher == nil {
			c.log.Error("Dispatcher is nil, cannot route request for new stream", logger.LogFields{"stream_id": streamID})
			_ = c.sendRSTStreamFrame(streamID, ErrCodeInternalError) // Best effort RST
			return nil                                               // Don't kill connection for this, just the stream.
		}

		newStream, streamErr := c.createStream(streamID, prioInfo, true /*isPeerInitiated*/)
		if streamErr != nil {
			c.log.Error("Failed to create stream for incoming client HEADERS", logger.LogFields{"stream_id": streamID, "error": streamErr.Error()})
			if ce, ok := streamErr.(*ConnectionError); ok && ce.Code == ErrCodeRefusedStream {
				_ = c.sendRSTStreamFrame(streamID, ErrCodeRefusedStream) // Send RST for refused stream
				return nil                                               // Stream refused, RST sent, not a connection-terminating error in itself.
			}
			return streamErr // Propagate other fatal connection errors from createStream.
		}

		return newStream.processRequestHeadersAndDispatch(headers, endStream, c.dispatcher)
	}
}

// extractPseudoHeaders extracts common pseudo-headers like :method, :path, :scheme, :authority.
// It returns the values and an error if required pseudo-headers are missing or malformed.
// This is a simplified helper. A robust implementation needs to handle case-insensitivity for values (though names are fixed)
// and potentially multiple values for other headers (though not for pseudo-headers).
func (c *Connection) extractPseudoHeaders(headers []hpack.HeaderField) (method, path, scheme, authority string, err error) {
	pseudoHeadersFound := 0
	// For server-side request processing, :method and :path are mandatory.
	// :scheme and :authority are also mandatory for requests not to origin servers
	// (RFC 7540, 8.1.2.3). For direct connections, :authority might be from Host header.
	// For this simplified server, we'll require :method and :path.
	requiredPseudoHeaders := map[string]bool{
		":method": false,
		":path":   false,
	}
	pseudoHeadersDone := false

	for _, hf := range headers {
		if !strings.HasPrefix(hf.Name, ":") {
			pseudoHeadersDone = true // First regular header marks end of pseudo-headers
			continue                 // No need to check non-pseudo headers in this switch
		}
		if pseudoHeadersDone {
			// We found a pseudo-header after a regular header. This is a PROTOCOL_ERROR.
			return "", "", "", "", NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("pseudo-header %s found after regular header fields", hf.Name))
		}

		switch hf.Name {
		case ":method":
			method = hf.Value
			requiredPseudoHeaders[":method"] = true
			pseudoHeadersFound++
		case ":path":
			path = hf.Value
			if path == "" || (path[0] != '/' && path != "*") { // Path must not be empty, and must start with / or be *
				return "", "", "", "", NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("invalid :path pseudo-header value: %s", path))
			}
			requiredPseudoHeaders[":path"] = true
			pseudoHeadersFound++
		case ":scheme":
			scheme = hf.Value
			pseudoHeadersFound++
		case ":authority": // Often corresponds to Host header in HTTP/1.1
			authority = hf.Value
			pseudoHeadersFound++
		default:
			// Unknown pseudo-header
			return "", "", "", "", NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("unknown or invalid pseudo-header: %s", hf.Name))
		}
	}

	if !requiredPseudoHeaders[":method"] {
		return "", "", "", "", NewConnectionError(ErrCodeProtocolError, "missing :method pseudo-header")
	}
	if !requiredPseudoHeaders[":path"] {
		return "", "", "", "", NewConnectionError(ErrCodeProtocolError, "missing :path pseudo-header")
	}
	// For server requests, :scheme and :authority are also generally required.
	// Depending on strictness, might enforce them here too.
	// Example RFC 7540 8.1.2.3: "All HTTP/2 requests MUST include exactly one valid value for the :method, :scheme, and :path pseudo-header fields"
	// For now, this simplified version only hard-fails on :method and :path.

	return method, path, scheme, authority, nil
}
