// pattern: Imperative Shell

package bridge

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/logging"
	"tmuxdeck/internal/tmux"
)

const (
	// reportInterval is how often agents must report; liveness allows 2x.
	reportInterval = 5 * time.Second
	// rpcTimeout bounds op round-trips through the agent.
	rpcTimeout = 30 * time.Second
	// openStreamTimeout bounds the open_stream/stream_opened handshake.
	openStreamTimeout = 10 * time.Second
	// streamBufferFrames bounds per-channel buffering. A slow consumer
	// overflows its own channel and is closed, never stalling siblings.
	streamBufferFrames = 64
)

// wsConn is the subset of *websocket.Conn the connection uses; tests
// substitute an in-memory pipe.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Conn is one authenticated agent connection. Control frame writes are
// serialized so JSON never interleaves; binary frames share the same
// writer lock.
type Conn struct {
	bridgeID string
	name     string
	ws       wsConn
	log      *logging.ScopedLogger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan controlFrame

	channelsMu  sync.Mutex
	channels    map[uint16]*stream
	nextChannel uint16

	seenMu   sync.Mutex
	lastSeen time.Time

	onReport func(sessions []tmux.Session)
	onLog    func(level, message string)
	onClose  func(c *Conn)
}

func newConn(bridgeID, name string, ws wsConn, log *logging.ScopedLogger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		bridgeID: bridgeID,
		name:     name,
		ws:       ws,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]chan controlFrame),
		channels: make(map[uint16]*stream),
		lastSeen: time.Now(),
	}
}

// BridgeID returns the bridge record this connection authenticated as.
func (c *Conn) BridgeID() string { return c.bridgeID }

// Name returns the agent-reported name.
func (c *Conn) Name() string { return c.name }

// Alive reports whether the agent has sent any frame within the liveness
// window.
func (c *Conn) Alive() bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	return time.Since(c.lastSeen) <= 2*reportInterval
}

func (c *Conn) touch() {
	c.seenMu.Lock()
	c.lastSeen = time.Now()
	c.seenMu.Unlock()
}

// run reads frames until the connection dies, then releases every
// dependent: pending RPCs fail, open streams end, the hub is notified.
// Blocks; the hub runs it in a goroutine.
func (c *Conn) run() {
	pingDone := make(chan struct{})
	go c.pingLoop(pingDone)

	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			break
		}
		c.touch()

		switch typ {
		case websocket.MessageText:
			c.handleControl(data)
		case websocket.MessageBinary:
			c.handleBinary(data)
		}
	}

	c.cancel()
	close(pingDone)
	c.failPending()
	c.closeAllStreams()
	if c.onClose != nil {
		c.onClose(c)
	}
}

func (c *Conn) pingLoop(done chan struct{}) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.writeControl(controlFrame{Type: typePing})
		}
	}
}

func (c *Conn) handleControl(data []byte) {
	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.Warn("bad control frame", "error", err)
		return
	}

	switch frame.Type {
	case typeSessionReport:
		sessions, err := decodeReport("bridge:"+c.bridgeID, frame.Sessions)
		if err != nil {
			c.log.Warn("bad session report", "error", err)
			return
		}
		if c.onReport != nil {
			c.onReport(sessions)
		}
	case typeOpResult:
		c.resolvePending(frame)
	case typeStreamOpened:
		c.handleStreamOpened(frame.ChannelID)
	case typeCloseStream:
		c.dropStream(frame.ChannelID, false)
	case typeLog:
		if c.onLog != nil {
			c.onLog(frame.Level, frame.Message)
		}
	case typePong:
		// touch already recorded liveness
	default:
		c.log.Debug("unknown control frame", "type", frame.Type)
	}
}

func (c *Conn) handleBinary(data []byte) {
	id, payload, err := decodeBinary(data)
	if err != nil {
		c.log.Warn("bad binary frame", "error", err)
		return
	}

	c.channelsMu.Lock()
	st, ok := c.channels[id]
	c.channelsMu.Unlock()
	if !ok {
		// Frames for unknown channels race with close_stream; drop them.
		return
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	select {
	case st.data <- buf:
	default:
		// Consumer fell behind its bounded buffer; terminate the stream
		// rather than stall every other channel on this connection.
		c.log.Warn("stream overflow", "channel", int(id))
		c.dropStream(id, true)
	}
}

func (c *Conn) handleStreamOpened(id uint16) {
	c.channelsMu.Lock()
	st, ok := c.channels[id]
	c.channelsMu.Unlock()

	if !ok {
		// Opened after local cancellation: tell the agent to tear it down.
		_ = c.writeControl(controlFrame{Type: typeCloseStream, ChannelID: id})
		return
	}
	st.markOpened()
}

func (c *Conn) resolvePending(frame controlFrame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[frame.RequestID]
	if ok {
		delete(c.pending, frame.RequestID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- frame
	}
}

func (c *Conn) failPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan controlFrame)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// Op runs one adapter operation on the agent and returns its output.
func (c *Conn) Op(ctx context.Context, args []string) (string, error) {
	requestID := uuid.NewString()[:8]
	reply := make(chan controlFrame, 1)

	c.pendingMu.Lock()
	c.pending[requestID] = reply
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}

	err := c.writeControl(controlFrame{Type: typeOp, RequestID: requestID, Args: args})
	if err != nil {
		cleanup()
		return "", fault.Wrap(fault.SourceUnavailable, err, "bridge op send")
	}

	timer := time.NewTimer(rpcTimeout)
	defer timer.Stop()

	select {
	case frame, ok := <-reply:
		if !ok {
			return "", fault.New(fault.SourceUnavailable, "bridge disconnected")
		}
		if !frame.OK {
			return frame.Value, fault.New(fault.Internal, "%s", frame.Error)
		}
		return frame.Value, nil
	case <-timer.C:
		cleanup()
		return "", fault.New(fault.SourceUnavailable, "bridge op timed out")
	case <-ctx.Done():
		cleanup()
		return "", fault.Wrap(fault.SourceUnavailable, ctx.Err(), "bridge op")
	case <-c.ctx.Done():
		cleanup()
		return "", fault.New(fault.SourceUnavailable, "bridge disconnected")
	}
}

// OpenStream performs the open_stream handshake and returns a stream
// handle once the agent acknowledges with stream_opened.
func (c *Conn) OpenStream(ctx context.Context, sessionName string, cols, rows uint16) (tmux.StreamHandle, error) {
	st, err := c.allocStream()
	if err != nil {
		return nil, err
	}

	err = c.writeControl(controlFrame{
		Type:      typeOpenStream,
		ChannelID: st.id,
		Target:    &streamTarget{Session: sessionName, Cols: cols, Rows: rows},
	})
	if err != nil {
		c.dropStream(st.id, false)
		return nil, fault.Wrap(fault.SourceUnavailable, err, "bridge open_stream")
	}

	timer := time.NewTimer(openStreamTimeout)
	defer timer.Stop()

	select {
	case <-st.opened:
		return st, nil
	case <-timer.C:
		c.dropStream(st.id, true)
		return nil, fault.New(fault.SourceUnavailable, "bridge stream open timed out")
	case <-ctx.Done():
		c.dropStream(st.id, true)
		return nil, fault.Wrap(fault.SourceUnavailable, ctx.Err(), "bridge open_stream")
	case <-c.ctx.Done():
		return nil, fault.New(fault.SourceUnavailable, "bridge disconnected")
	}
}

// allocStream reserves the next free channel id, wrapping within 1..65535.
func (c *Conn) allocStream() (*stream, error) {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()

	if len(c.channels) >= 65535 {
		return nil, fault.New(fault.Internal, "no free bridge channels")
	}
	for {
		c.nextChannel++
		if c.nextChannel == 0 {
			c.nextChannel = 1
		}
		if _, inUse := c.channels[c.nextChannel]; !inUse {
			break
		}
	}

	st := &stream{
		id:     c.nextChannel,
		conn:   c,
		data:   make(chan []byte, streamBufferFrames),
		opened: make(chan struct{}),
		closed: make(chan struct{}),
	}
	c.channels[st.id] = st
	return st, nil
}

// dropStream removes a channel, optionally telling the agent.
func (c *Conn) dropStream(id uint16, notifyAgent bool) {
	c.channelsMu.Lock()
	st, ok := c.channels[id]
	if ok {
		delete(c.channels, id)
	}
	c.channelsMu.Unlock()

	if !ok {
		return
	}
	st.closeOnce.Do(func() { close(st.closed) })
	if notifyAgent {
		_ = c.writeControl(controlFrame{Type: typeCloseStream, ChannelID: id})
	}
}

func (c *Conn) closeAllStreams() {
	c.channelsMu.Lock()
	streams := make([]*stream, 0, len(c.channels))
	for _, st := range c.channels {
		streams = append(streams, st)
	}
	c.channels = make(map[uint16]*stream)
	c.channelsMu.Unlock()

	for _, st := range streams {
		st.closeOnce.Do(func() { close(st.closed) })
	}
}

func (c *Conn) writeControl(frame controlFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *Conn) writeBinary(frame []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageBinary, frame)
}

// close terminates the websocket with a status code. The read loop then
// unwinds everything else.
func (c *Conn) close(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
	c.cancel()
}

// stream is a bridge-proxied pane stream. It satisfies tmux.StreamHandle.
type stream struct {
	id   uint16
	conn *Conn

	data     chan []byte
	opened   chan struct{}
	openOnce sync.Once
	closed   chan struct{}
	closeOnce sync.Once

	leftover []byte
}

func (s *stream) markOpened() {
	s.openOnce.Do(func() { close(s.opened) })
}

func (s *stream) Read(p []byte) (int, error) {
	if len(s.leftover) > 0 {
		n := copy(p, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}

	select {
	case buf := <-s.data:
		n := copy(p, buf)
		if n < len(buf) {
			s.leftover = buf[n:]
		}
		return n, nil
	case <-s.closed:
		// Drain anything that raced in before close.
		select {
		case buf := <-s.data:
			n := copy(p, buf)
			if n < len(buf) {
				s.leftover = buf[n:]
			}
			return n, nil
		default:
			return 0, io.EOF
		}
	}
}

func (s *stream) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	if err := s.conn.writeBinary(encodeBinary(s.id, p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *stream) Resize(cols, rows uint16) error {
	return s.conn.writeControl(controlFrame{Type: typeResize, ChannelID: s.id, Cols: cols, Rows: rows})
}

func (s *stream) Close() error {
	s.conn.dropStream(s.id, true)
	return nil
}
