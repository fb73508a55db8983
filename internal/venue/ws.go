package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait        = 5 * time.Second
	defaultAckTimeout  = 10 * time.Second
	sessionFrameBuffer = 64
)

// dialWS opens a websocket to the venue with a bounded handshake and fires
// the caller's dial hook once the transport is up.
func dialWS(ctx context.Context, venueID, url string, handshakeTimeout time.Duration) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s dial %s: %w", venueID, url, err)
	}
	notifyDialed(ctx)
	return conn, nil
}

// awaitAck reads frames until decide reports the subscription handshake is
// complete. Data frames that arrive before the ack are buffered and replayed
// into the session so nothing is lost; each is stamped with its own receipt
// time as it is read, so replayed frames keep distinct, ordered timestamps.
// decide returns done=true once every expected ack has been seen, or an
// error (typically *ProtocolReject) when the venue refused the set.
func awaitAck(conn *websocket.Conn, venueID string, timeout time.Duration, decide func(msg []byte) (done bool, err error)) ([]RawFrame, error) {
	if timeout <= 0 {
		timeout = defaultAckTimeout
	}
	deadline := time.Now().Add(timeout)
	var stamper frameStamper
	var pending []RawFrame
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("%s subscribe: %w", venueID, err)
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%s subscribe ack: %w", venueID, err)
		}
		done, err := decide(msg)
		if err != nil {
			return nil, err
		}
		if done {
			if err := conn.SetReadDeadline(time.Time{}); err != nil {
				return nil, fmt.Errorf("%s subscribe: %w", venueID, err)
			}
			return pending, nil
		}
		pending = append(pending, RawFrame{Venue: venueID, Payload: msg, ReceivedAt: stamper.stamp()})
	}
}

// frameStamper issues receipt times that strictly increase within one
// session. Frames sharing a timestamp would be indistinguishable to
// last-write-wins consumers.
type frameStamper struct {
	mu   sync.Mutex
	last time.Time
}

func (fs *frameStamper) stamp() time.Time {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	now := time.Now().UTC()
	if !now.After(fs.last) {
		now = fs.last.Add(time.Nanosecond)
	}
	fs.last = now
	return now
}

func (fs *frameStamper) seed(t time.Time) {
	fs.mu.Lock()
	if t.After(fs.last) {
		fs.last = t
	}
	fs.mu.Unlock()
}

// wsSession owns one websocket connection after the subscription handshake.
// A single reader goroutine feeds frames into a channel; writes are
// serialized behind a mutex so heartbeats and unsubscribes never interleave.
type wsSession struct {
	venue   string
	conn    *websocket.Conn
	stamper frameStamper

	writeMu sync.Mutex

	frames  chan RawFrame
	readErr chan error
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error

	// beforeClose runs once before the close frame is sent, for venues
	// that want an explicit unsubscribe.
	beforeClose func(*wsSession)
}

// newWSSession starts the reader goroutine. pending frames collected during
// the subscription handshake are replayed first, in arrival order, keeping
// the receipt times they were stamped with; later stamps always land after
// them.
func newWSSession(venueID string, conn *websocket.Conn, readTimeout time.Duration, pending []RawFrame) *wsSession {
	s := &wsSession{
		venue:   venueID,
		conn:    conn,
		frames:  make(chan RawFrame, sessionFrameBuffer),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
	if len(pending) > 0 {
		s.stamper.seed(pending[len(pending)-1].ReceivedAt)
	}
	go s.readLoop(readTimeout, pending)
	return s
}

func (s *wsSession) readLoop(readTimeout time.Duration, pending []RawFrame) {
	for _, frame := range pending {
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
	for {
		if readTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
				s.fail(err)
				return
			}
		}
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		select {
		case s.frames <- RawFrame{Venue: s.venue, Payload: msg, ReceivedAt: s.stamper.stamp()}:
		case <-s.done:
			return
		}
	}
}

func (s *wsSession) fail(err error) {
	select {
	case s.readErr <- err:
	default:
	}
}

func (s *wsSession) Read(ctx context.Context) (RawFrame, error) {
	// Drain buffered frames before racing against a session error so a
	// failing connection still delivers everything it received.
	select {
	case frame := <-s.frames:
		return frame, nil
	default:
	}
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-ctx.Done():
		return RawFrame{}, ctx.Err()
	case <-s.done:
		return RawFrame{}, ErrStreamClosed
	case err := <-s.readErr:
		return RawFrame{}, fmt.Errorf("%s stream read: %w", s.venue, err)
	}
}

// inject feeds an adapter-produced payload (REST snapshots, poll results)
// into the session as if the venue had sent it.
func (s *wsSession) inject(payload []byte) bool {
	select {
	case s.frames <- RawFrame{Venue: s.venue, Payload: payload, ReceivedAt: s.stamper.stamp()}:
		return true
	case <-s.done:
		return false
	}
}

func (s *wsSession) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

func (s *wsSession) writeText(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSession) writePing() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		if s.beforeClose != nil {
			s.beforeClose(s)
		}
		close(s.done)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
