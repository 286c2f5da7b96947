package machinetalk

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openmach/halbridge/halproto"
	"github.com/openmach/halbridge/transport"
)

// RpcClient supervises one dealer socket on the halrcmd command
// channel. It probes the server with periodic pings; any inbound
// message counts as a liveness proof since replies can be queued, and
// too many unacknowledged pings in a row degrade the link to
// SocketTimeout.
type RpcClient struct {
	mu sync.Mutex

	uri       string
	debugName string
	logger    *zap.Logger

	dial func(uri string) (transport.Dealer, error)

	heartbeatPeriod    time.Duration
	pingErrorThreshold int
	pingErrorCount     int

	ready       bool
	state       SocketState
	errorString string

	socket  transport.Dealer
	stop    chan struct{}
	refresh chan struct{}
	gen     uint64

	tx halproto.Container // reused send buffer

	onMessage            func(rx *halproto.Container)
	onStateChanged       func(SocketState)
	onErrorStringChanged func(string)
}

// NewRpcClient creates an RPC supervisor for the given endpoint. The
// socket is not opened until SetReady(true).
func NewRpcClient(uri, debugName string, logger *zap.Logger) *RpcClient {
	return &RpcClient{
		uri:                uri,
		debugName:          debugName,
		logger:             logger,
		dial:               transport.DialDealer,
		heartbeatPeriod:    DefaultHeartbeatPeriodMs * time.Millisecond,
		pingErrorThreshold: DefaultPingErrorThreshold,
		state:              SocketDown,
	}
}

// SetDialer overrides how the dealer socket is opened. Intended for
// alternative transports and for tests; must be called before
// SetReady(true).
func (c *RpcClient) SetDialer(dial func(uri string) (transport.Dealer, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dial = dial
}

// OnMessage registers the upstream message callback. Ping
// acknowledgements are consumed for heartbeat accounting and never
// forwarded.
func (c *RpcClient) OnMessage(fn func(rx *halproto.Container)) {
	c.onMessage = fn
}

// OnStateChanged registers the link-state callback.
func (c *RpcClient) OnStateChanged(fn func(SocketState)) {
	c.onStateChanged = fn
}

// OnErrorStringChanged registers the error-text callback.
func (c *RpcClient) OnErrorStringChanged(fn func(string)) {
	c.onErrorStringChanged = fn
}

// SetHeartbeatPeriod overrides the ping period.
func (c *RpcClient) SetHeartbeatPeriod(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeatPeriod = d
}

// SetPingErrorThreshold overrides the number of unacknowledged pings
// tolerated before the link is declared timed out.
func (c *RpcClient) SetPingErrorThreshold(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErrorThreshold = n
}

// State returns the current link state.
func (c *RpcClient) State() SocketState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ErrorString returns the current error text, empty when no error.
func (c *RpcClient) ErrorString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorString
}

// HeartbeatPeriod returns the ping period.
func (c *RpcClient) HeartbeatPeriod() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeatPeriod
}

// SetReady starts or stops the supervisor. Starting connects the
// dealer socket and sends the first ping; stopping closes the socket
// and transitions to SocketDown.
func (c *RpcClient) SetReady(ready bool) {
	c.mu.Lock()
	if c.ready == ready {
		c.mu.Unlock()
		return
	}
	c.ready = ready

	var emits []func()
	var started bool
	if ready {
		started = c.startLocked(&emits)
	} else {
		c.stopLocked(&emits)
	}
	c.mu.Unlock()
	runEmits(emits)

	if started {
		// First ping probes the link and arms the heartbeat cadence.
		c.sendPing()
	}
}

func (c *RpcClient) startLocked(emits *[]func()) bool {
	c.updateStateLocked(SocketTrying, "", emits)

	socket, err := c.dial(c.uri)
	if err != nil {
		c.updateStateLocked(SocketError, err.Error(), emits)
		return false
	}

	c.socket = socket
	c.stop = make(chan struct{})
	c.refresh = make(chan struct{}, 1)
	c.gen++
	c.pingErrorCount = 0 // reset the error count

	go c.loop(socket, c.stop, c.refresh, c.gen)

	c.logger.Debug("sockets connected",
		zap.String("debug_name", c.debugName),
		zap.String("uri", c.uri))
	return true
}

func (c *RpcClient) stopLocked(emits *[]func()) {
	if c.socket != nil {
		close(c.stop)
		c.socket.Close()
		c.socket = nil
	}
	c.pingErrorCount = 0
	c.updateStateLocked(SocketDown, "", emits)
}

// Send serializes tx with the given type and writes it to the socket.
// Sending while not connected fails with transport.ErrNotConnected.
// The container is cleared after a successful write so it can be
// reused as a send buffer. A successful ping resets the heartbeat.
func (c *RpcClient) Send(msgType halproto.ContainerType, tx *halproto.Container) error {
	c.mu.Lock()
	if c.socket == nil { // disallow sending messages when not connected
		c.mu.Unlock()
		return transport.ErrNotConnected
	}
	socket := c.socket
	refresh := c.refresh

	tx.Type = msgType
	data, err := halproto.Marshal(tx)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("serialize %s: %w", msgType, err)
	}

	if err := socket.Send(data); err != nil {
		var emits []func()
		c.updateStateLocked(SocketError, err.Error(), &emits)
		c.mu.Unlock()
		runEmits(emits)
		return err
	}
	tx.Clear()

	if msgType == halproto.MsgPing {
		select {
		case refresh <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *RpcClient) sendPing() {
	c.mu.Lock()
	tx := &c.tx
	c.mu.Unlock()

	if err := c.Send(halproto.MsgPing, tx); err != nil {
		c.logger.Debug("ping failed",
			zap.String("debug_name", c.debugName),
			zap.Error(err))
	}
}

func (c *RpcClient) loop(socket transport.Dealer, stop chan struct{}, refresh chan struct{}, gen uint64) {
	heartbeat := time.NewTimer(c.HeartbeatPeriod())
	defer heartbeat.Stop()

	rx := &halproto.Container{}

	for {
		select {
		case <-stop:
			return

		case <-refresh:
			resetTimer(heartbeat, c.HeartbeatPeriod())

		case frames, ok := <-socket.Messages():
			if !ok {
				c.transportError(gen, c.drainError(socket))
				return
			}
			c.handleFrames(gen, frames, rx)

		case err := <-socket.Errors():
			c.transportError(gen, err)
			return

		case <-heartbeat.C:
			c.heartbeatTick(gen)
			resetTimer(heartbeat, c.HeartbeatPeriod())
		}
	}
}

func (c *RpcClient) drainError(socket transport.Dealer) error {
	select {
	case err := <-socket.Errors():
		return err
	default:
		return fmt.Errorf("socket closed")
	}
}

// heartbeatTick sends a ping and counts it as unacknowledged until any
// message arrives.
func (c *RpcClient) heartbeatTick(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.ready {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.sendPing()

	c.mu.Lock()
	if gen != c.gen || !c.ready {
		c.mu.Unlock()
		return
	}
	c.pingErrorCount++

	var emits []func()
	if c.pingErrorCount > c.pingErrorThreshold && c.state == SocketUp {
		c.updateStateLocked(SocketTimeout, "", &emits)
	}
	c.mu.Unlock()
	runEmits(emits)
}

func (c *RpcClient) handleFrames(gen uint64, frames transport.Frames, rx *halproto.Container) {
	c.mu.Lock()
	if gen != c.gen || !c.ready {
		c.mu.Unlock()
		return
	}

	if len(frames) < 1 {
		c.mu.Unlock()
		return
	}

	if err := halproto.Unmarshal(frames[0], rx); err != nil {
		c.logger.Warn("dropping undecodable reply",
			zap.String("debug_name", c.debugName),
			zap.Error(err))
		c.mu.Unlock()
		return
	}

	// Any message counts as a heartbeat since replies can be queued.
	c.pingErrorCount = 0

	var emits []func()
	c.updateStateLocked(SocketUp, "", &emits)

	if rx.Type != halproto.MsgPingAcknowledge { // ping acknowledge is uninteresting
		if fn := c.onMessage; fn != nil {
			emits = append(emits, func() { fn(rx) })
		}
	}
	c.mu.Unlock()
	runEmits(emits)
}

func (c *RpcClient) transportError(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || !c.ready {
		c.mu.Unlock()
		return
	}

	var emits []func()
	c.updateStateLocked(SocketError, err.Error(), &emits)
	c.mu.Unlock()
	runEmits(emits)
}

func (c *RpcClient) updateStateLocked(state SocketState, errorString string, emits *[]func()) {
	if state != c.state {
		c.state = state
		if fn := c.onStateChanged; fn != nil {
			*emits = append(*emits, func() { fn(state) })
		}

		c.logger.Debug("state changed",
			zap.String("debug_name", c.debugName),
			zap.Stringer("state", state))
	}

	if errorString != c.errorString {
		c.errorString = errorString
		if fn := c.onErrorStringChanged; fn != nil {
			*emits = append(*emits, func() { fn(errorString) })
		}
	}
}
