package venue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"quoteflow/logger"
)

// State names one position in a connection's lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribing  State = "subscribing"
	StateStreaming    State = "streaming"
	StateBackoff      State = "backoff"
	StateClosing      State = "closing"
)

// FrameHandler receives every raw frame a connection reads. It must not
// block for long; slow consumers belong behind the router's queues.
type FrameHandler func(frame RawFrame)

// dialNotifyKey carries a hook through Adapter.Connect, invoked by the
// adapter once its transport dial has completed and the subscription
// handshake is about to start. Same mechanism as httptrace's context hooks.
type dialNotifyKey struct{}

func withDialNotify(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, dialNotifyKey{}, fn)
}

func notifyDialed(ctx context.Context) {
	if fn, ok := ctx.Value(dialNotifyKey{}).(func()); ok {
		fn()
	}
}

// BackoffPolicy bounds the reconnection delay. The delay grows by Factor
// after each failed attempt and resets to Min once a session has streamed
// for ResetAfter.
type BackoffPolicy struct {
	Min        time.Duration
	Max        time.Duration
	Factor     float64
	ResetAfter time.Duration
}

// ConnOptions configures one managed connection.
type ConnOptions struct {
	Backoff           BackoffPolicy
	HeartbeatInterval time.Duration

	// Limiter paces dial attempts across all connections. Optional.
	Limiter *rate.Limiter
}

// ConnStatus is a point-in-time health snapshot.
type ConnStatus struct {
	Venue       string
	State       State
	LastFrameAt time.Time
	Frames      uint64
	Reconnects  uint64
	Degraded    bool
	LastError   string
}

// Connection manages one venue session for its whole lifetime: dialing,
// subscribing, streaming, heartbeats, and reconnection with bounded
// exponential backoff. A subscription rejection triggers one retry with a
// reduced channel set; a second rejection marks the connection degraded
// and ends it.
type Connection struct {
	adapter Adapter
	subs    []Subscription
	handler FrameHandler
	opts    ConnOptions
	log     *logger.Entry

	mu          sync.Mutex
	state       State
	lastFrameAt time.Time
	frames      uint64
	reconnects  uint64
	degraded    bool
	lastErr     error
}

// ErrDegraded is returned by Run after repeated subscription rejections.
var ErrDegraded = errors.New("connection degraded: subscription rejected twice")

func NewConnection(adapter Adapter, subs []Subscription, handler FrameHandler, opts ConnOptions, log *logger.Log) *Connection {
	return &Connection{
		adapter: adapter,
		subs:    subs,
		handler: handler,
		opts:    opts,
		state:   StateDisconnected,
		log:     log.WithComponent("connection").WithVenue(adapter.Name()),
	}
}

// Status returns a snapshot safe to read while the connection runs.
func (c *Connection) Status() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ConnStatus{
		Venue:       c.adapter.Name(),
		State:       c.state,
		LastFrameAt: c.lastFrameAt,
		Frames:      c.frames,
		Reconnects:  c.reconnects,
		Degraded:    c.degraded,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.WithFields(logger.Fields{"from": string(prev), "to": string(s)}).Debug("state transition")
	}
}

func (c *Connection) recordErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// Run drives the connection until the context is cancelled or the
// connection degrades. It always leaves the state at Disconnected.
func (c *Connection) Run(ctx context.Context) error {
	boff := &backoff.Backoff{
		Min:    c.opts.Backoff.Min,
		Max:    c.opts.Backoff.Max,
		Factor: c.opts.Backoff.Factor,
	}
	subs := c.subs
	reduced := false

	defer c.setState(StateDisconnected)

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Connecting covers the limiter wait and the transport dial; the
		// adapter flips the state to subscribing once its dial completes.
		c.setState(StateConnecting)
		if c.opts.Limiter != nil {
			if err := c.opts.Limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		connectCtx := withDialNotify(ctx, func() { c.setState(StateSubscribing) })
		stream, err := c.adapter.Connect(connectCtx, subs)
		if err != nil {
			var reject *ProtocolReject
			if errors.As(err, &reject) {
				c.recordErr(err)
				if !reduced {
					next := reduceSubs(subs)
					if len(next) > 0 && len(next) < len(subs) {
						reduced = true
						subs = next
						c.log.WithError(err).WithFields(logger.Fields{"channels": len(subs)}).
							Warn("subscription rejected, retrying with reduced channel set")
						continue
					}
				}
				c.mu.Lock()
				c.degraded = true
				c.mu.Unlock()
				c.log.WithError(err).Error("subscription rejected on reduced set, giving up")
				return ErrDegraded
			}
			if ctx.Err() != nil {
				return nil
			}
			c.recordErr(err)
			if c.waitBackoff(ctx, boff) {
				return nil
			}
			continue
		}

		startedAt := time.Now()
		c.setState(StateStreaming)
		streamErr := c.stream(ctx, stream)

		c.setState(StateClosing)
		stream.Close()

		if ctx.Err() != nil {
			return nil
		}

		c.recordErr(streamErr)
		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()

		// A session that streamed long enough proves the venue is healthy
		// again, so the next failure starts the ladder from the bottom.
		if c.opts.Backoff.ResetAfter > 0 && time.Since(startedAt) >= c.opts.Backoff.ResetAfter {
			boff.Reset()
		}
		if c.waitBackoff(ctx, boff) {
			return nil
		}
	}
}

// stream pumps frames until the session fails or the context ends. A
// heartbeat goroutine keeps the venue from idling the connection out; the
// session's read deadline acts as the staleness watchdog.
func (c *Connection) stream(ctx context.Context, stream Stream) error {
	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	if c.opts.HeartbeatInterval > 0 {
		go c.heartbeat(hbCtx, stream)
	}

	for {
		frame, err := stream.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.WithError(err).Warn("stream ended")
			}
			return err
		}
		c.mu.Lock()
		c.lastFrameAt = frame.ReceivedAt
		c.frames++
		c.mu.Unlock()
		logger.IncrementFrameRead(frame.Venue, len(frame.Payload))
		c.handler(frame)
	}
}

func (c *Connection) heartbeat(ctx context.Context, stream Stream) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := stream.SendHeartbeat(); err != nil {
				c.log.WithError(err).Warn("heartbeat failed")
				stream.Close()
				return
			}
		}
	}
}

func (c *Connection) waitBackoff(ctx context.Context, boff *backoff.Backoff) (cancelled bool) {
	d := boff.Duration()
	c.setState(StateBackoff)
	c.log.WithFields(logger.Fields{"delay": d.String()}).Info("reconnecting after backoff")

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

// reduceSubs keeps only the core market data channels. Auxiliary channels
// are the usual cause of venue-side rejections (unsupported instrument or
// depth), so dropping them is the one retry worth making.
func reduceSubs(subs []Subscription) []Subscription {
	var out []Subscription
	for _, sub := range subs {
		if sub.Channel == ChannelQuote || sub.Channel == ChannelTrade {
			out = append(out, sub)
		}
	}
	return out
}
