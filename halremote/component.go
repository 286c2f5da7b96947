package halremote

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openmach/halbridge/halproto"
	"github.com/openmach/halbridge/machinetalk"
)

// ConnectionState is the composite state of the remote component,
// merged from the link states of both supervised sockets.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Timeout
	Error
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Timeout:
		return "timeout"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionError classifies the currently active error.
type ConnectionError int

const (
	NoError ConnectionError = iota
	BindError
	PinChangeError
	CommandError
	TimeoutError
	SocketError
)

func (e ConnectionError) String() string {
	switch e {
	case NoError:
		return "none"
	case BindError:
		return "bind"
	case PinChangeError:
		return "pin_change"
	case CommandError:
		return "command"
	case TimeoutError:
		return "timeout"
	case SocketError:
		return "socket"
	default:
		return "unknown"
	}
}

// Config holds the remote component configuration.
type Config struct {
	// RPCEndpoint is the halrcmd command channel URI. Required.
	RPCEndpoint string
	// SubEndpoint is the halrcomp update channel URI. Required.
	SubEndpoint string
	// Name is the component name, used as the bind name and as the
	// subscription topic. Defaults to "default".
	Name string
	// NoCreate forbids the server to auto-create the remote component.
	NoCreate bool
	// HeartbeatPeriod is the starting heartbeat period for both
	// channels; the server's protocol parameters override it on the
	// subscriber. Defaults to 3000ms.
	HeartbeatPeriod time.Duration
	// PingErrorThreshold is the number of unacknowledged pings the RPC
	// channel tolerates. Defaults to 2.
	PingErrorThreshold int
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = machinetalk.DefaultHeartbeatPeriodMs * time.Millisecond
	}
	if c.PingErrorThreshold <= 0 {
		c.PingErrorThreshold = machinetalk.DefaultPingErrorThreshold
	}
}

type event interface{}

type (
	evStart      struct{}
	evStop       struct{}
	evClose      struct{}
	evSubState   struct{ state machinetalk.SocketState }
	evRpcState   struct{ state machinetalk.SocketState }
	evSubMessage struct {
		topic string
		rx    *halproto.Container
	}
	evRpcMessage struct{ rx *halproto.Container }
	evPinChange  struct{ pin *Pin }
)

// RemoteComponent publishes a named set of pins to a remote HAL
// instance and keeps both sides mirrored. It owns one RPC supervisor
// for the bind handshake and outbound pin changes and one subscriber
// supervisor for full and incremental updates.
//
// All protocol handling runs on one internal event-loop goroutine;
// supervisor callbacks and local pin changes are delivered to it as
// queued events. Observer callbacks are invoked from that goroutine
// and must not block.
type RemoteComponent struct {
	cfg    Config
	logger *zap.Logger

	pins     []*Pin
	registry *PinRegistry

	rpcClient  *machinetalk.RpcClient
	subscriber *machinetalk.Subscriber

	qmu    sync.Mutex
	queue  []event
	notify chan struct{}
	done   chan struct{}

	closeOnce sync.Once

	// loop-owned protocol state
	running      bool
	lastRpcState machinetalk.SocketState
	tx           halproto.Container
	pinBatch     []*Pin

	mu              sync.RWMutex
	connectionState ConnectionState
	connectionError ConnectionError
	errorString     string
	connected       bool

	onConnectionStateChanged func(ConnectionState)
	onConnectionErrorChanged func(ConnectionError)
	onErrorStringChanged     func(string)
	onConnectedChanged       func(bool)
}

// NewRemoteComponent creates a component for the given pins. The pins
// are registered when Start is called; pins with an empty name or with
// enabled set to false are skipped. The component's event loop runs
// until Close.
func NewRemoteComponent(cfg Config, pins []*Pin, logger *zap.Logger) *RemoteComponent {
	cfg.applyDefaults()

	c := &RemoteComponent{
		cfg:             cfg,
		logger:          logger,
		pins:            pins,
		registry:        NewPinRegistry(logger),
		notify:          make(chan struct{}, 1),
		done:            make(chan struct{}),
		connectionState: Disconnected,
		lastRpcState:    machinetalk.SocketDown,
	}

	c.rpcClient = machinetalk.NewRpcClient(cfg.RPCEndpoint, cfg.Name+" - halrcmd", logger)
	c.rpcClient.SetHeartbeatPeriod(cfg.HeartbeatPeriod)
	c.rpcClient.SetPingErrorThreshold(cfg.PingErrorThreshold)
	c.rpcClient.OnStateChanged(func(state machinetalk.SocketState) {
		c.post(evRpcState{state})
	})
	c.rpcClient.OnMessage(func(rx *halproto.Container) {
		cp := *rx // the supervisor reuses its receive buffer
		c.post(evRpcMessage{&cp})
	})

	c.subscriber = machinetalk.NewSubscriber(cfg.SubEndpoint, cfg.Name+" - halrcomp", logger)
	c.subscriber.SetHeartbeatPeriod(cfg.HeartbeatPeriod)
	c.subscriber.OnStateChanged(func(state machinetalk.SocketState) {
		c.post(evSubState{state})
	})
	c.subscriber.OnMessage(func(topic string, rx *halproto.Container) {
		cp := *rx
		c.post(evSubMessage{topic, &cp})
	})

	go c.run()
	return c
}

// Name returns the component name.
func (c *RemoteComponent) Name() string { return c.cfg.Name }

// Registry returns the component's pin registry.
func (c *RemoteComponent) Registry() *PinRegistry { return c.registry }

// ConnectionState returns the composite connection state.
func (c *RemoteComponent) ConnectionState() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionState
}

// ConnectionError returns the currently active error classification.
func (c *RemoteComponent) ConnectionError() ConnectionError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionError
}

// ErrorString returns a text description of the last error.
func (c *RemoteComponent) ErrorString() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errorString
}

// Connected reports whether the component is in the Connected state.
func (c *RemoteComponent) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// OnConnectionStateChanged registers the composite-state observer.
func (c *RemoteComponent) OnConnectionStateChanged(fn func(ConnectionState)) {
	c.onConnectionStateChanged = fn
}

// OnConnectionErrorChanged registers the error-classification observer.
func (c *RemoteComponent) OnConnectionErrorChanged(fn func(ConnectionError)) {
	c.onConnectionErrorChanged = fn
}

// OnErrorStringChanged registers the error-text observer.
func (c *RemoteComponent) OnErrorStringChanged(fn func(string)) {
	c.onErrorStringChanged = fn
}

// OnConnectedChanged registers the connected-flag observer.
func (c *RemoteComponent) OnConnectedChanged(fn func(bool)) {
	c.onConnectedChanged = fn
}

// Start registers the pins and begins connecting.
func (c *RemoteComponent) Start() { c.post(evStart{}) }

// Stop tears both channels down and clears the registry.
func (c *RemoteComponent) Stop() { c.post(evStop{}) }

// Close stops the component and terminates its event loop. The
// component cannot be restarted afterwards.
func (c *RemoteComponent) Close() {
	c.closeOnce.Do(func() { c.post(evClose{}) })
	<-c.done
}

func (c *RemoteComponent) post(ev event) {
	c.qmu.Lock()
	c.queue = append(c.queue, ev)
	c.qmu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *RemoteComponent) run() {
	defer close(c.done)

	for {
		<-c.notify
		if c.processQueue() {
			return
		}
	}
}

// processQueue drains the event queue, batching pin changes that
// arrived together into a single set message. Returns true on close.
func (c *RemoteComponent) processQueue() bool {
	for {
		c.qmu.Lock()
		queue := c.queue
		c.queue = nil
		c.qmu.Unlock()

		if len(queue) == 0 {
			return false
		}

		for _, ev := range queue {
			switch ev := ev.(type) {
			case evStart:
				c.handleStart()
			case evStop:
				c.handleStop()
			case evClose:
				c.handleStop()
				c.flushPinBatch()
				return true
			case evSubState:
				c.handleSocketStates()
			case evRpcState:
				c.handleRpcState(ev.state)
				c.handleSocketStates()
			case evSubMessage:
				c.handleHalrcompMessage(ev.rx)
			case evRpcMessage:
				c.handleHalrcmdMessage(ev.rx)
			case evPinChange:
				c.pinBatch = append(c.pinBatch, ev.pin)
			}
		}
		c.flushPinBatch()
	}
}

func (c *RemoteComponent) handleStart() {
	if c.running {
		return
	}
	c.running = true

	c.logger.Debug("start", zap.String("component", c.cfg.Name))

	// A new ready-cycle begins with a clean error slate.
	c.updateError(NoError, "")

	c.registry.RegisterAll(c.pins, func(pin *Pin) {
		c.post(evPinChange{pin})
	})

	// Die Subscription folgt dem Komponentennamen.
	c.subscriber.ClearTopics()
	c.subscriber.AddTopic(c.cfg.Name)
	c.rpcClient.SetReady(true)
}

func (c *RemoteComponent) handleStop() {
	if !c.running {
		return
	}
	c.running = false

	c.logger.Debug("stop", zap.String("component", c.cfg.Name))
	c.cleanup()
}

// cleanup tears both supervisors down and invalidates the registry.
func (c *RemoteComponent) cleanup() {
	c.subscriber.SetReady(false)
	c.rpcClient.SetReady(false)
	c.registry.Clear()
}

// handleRpcState drives the bind handshake on edges of the command
// channel: reaching Up (re)binds the component, losing Up tears the
// subscriber down so it rejoins after the next bind confirm.
func (c *RemoteComponent) handleRpcState(state machinetalk.SocketState) {
	if state == c.lastRpcState {
		return
	}
	c.lastRpcState = state

	if !c.running {
		return
	}

	if state == machinetalk.SocketUp {
		c.bind()
	} else {
		c.subscriber.SetReady(false)
	}
}

// handleSocketStates merges both link states into the composite
// connection state and lifts supervisor errors into the component.
func (c *RemoteComponent) handleSocketStates() {
	subscriberState := c.subscriber.State()
	rpcState := c.rpcClient.State()

	switch {
	case subscriberState == machinetalk.SocketUp && rpcState == machinetalk.SocketUp:
		c.updateState(Connected)
	case subscriberState == machinetalk.SocketTimeout || rpcState == machinetalk.SocketTimeout:
		c.updateState(Timeout)
	case subscriberState == machinetalk.SocketTrying || rpcState == machinetalk.SocketTrying:
		c.updateState(Connecting)
	case subscriberState == machinetalk.SocketError:
		c.updateState(Error)
		c.updateError(SocketError, c.subscriber.ErrorString())
	case rpcState == machinetalk.SocketError:
		c.updateState(Error)
		c.updateError(SocketError, c.rpcClient.ErrorString())
	default:
		c.updateState(Disconnected)
	}
}

// bind sends the component registration with the full pin schema over
// the command channel.
func (c *RemoteComponent) bind() {
	comp := c.tx.AddComp()
	comp.Name = c.cfg.Name
	comp.NoCreate = c.cfg.NoCreate

	for _, pin := range c.registry.Pins() {
		wirePin := comp.AddPin()
		wirePin.Name = c.cfg.Name + "." + pin.Name() // pin name is always component.name
		wirePin.Type = pin.Type()
		wirePin.Dir = pin.Direction()
		valueToWire(pin.Value(), wirePin)
	}

	c.logger.Debug("bind", zap.String("component", c.cfg.Name))

	if err := c.rpcClient.Send(halproto.MsgHalrcompBind, &c.tx); err != nil {
		c.logger.Warn("bind send failed",
			zap.String("component", c.cfg.Name),
			zap.Error(err))
		c.tx.Clear()
	}
}

// handleHalrcmdMessage processes replies on the command channel.
func (c *RemoteComponent) handleHalrcmdMessage(rx *halproto.Container) {
	if !c.running {
		return
	}

	switch rx.Type {
	case halproto.MsgHalrcompBindConfirm:
		c.logger.Debug("bind confirmed", zap.String("component", c.cfg.Name))
		c.subscriber.SetReady(true)

	case halproto.MsgHalrcompBindReject:
		errorString := joinNotes(rx.Note)
		c.rpcClient.SetReady(false)
		c.updateState(Error)
		c.updateError(BindError, errorString)

		c.logger.Debug("bind rejected",
			zap.String("component", c.cfg.Name),
			zap.String("notes", errorString))

	case halproto.MsgHalrcompSetReject:
		// The session stays usable: a rejected set does not tear the
		// component down.
		errorString := joinNotes(rx.Note)
		c.updateState(Error)
		c.updateError(PinChangeError, errorString)
		// Both links are still up, so the composite settles back into
		// Connected and pin changes keep flowing.
		c.handleSocketStates()

		c.logger.Debug("pin change rejected",
			zap.String("component", c.cfg.Name),
			zap.String("notes", errorString))

	default:
		c.logger.Debug("unknown server message",
			zap.String("component", c.cfg.Name),
			zap.Stringer("type", rx.Type))
	}
}

// handleHalrcompMessage processes updates on the subscription channel.
func (c *RemoteComponent) handleHalrcompMessage(rx *halproto.Container) {
	if !c.running {
		return
	}

	switch rx.Type {
	case halproto.MsgHalrcompIncrementalUpdate:
		for _, remotePin := range rx.Pin {
			localPin := c.registry.ByHandle(remotePin.Handle)
			if localPin == nil { // in case we received a wrong pin handle
				continue
			}
			if err := c.registry.ApplyRemote(localPin, remotePin); err != nil {
				c.updateError(PinChangeError, err.Error()+"\n")
			}
		}

	case halproto.MsgHalrcompFullUpdate:
		for _, component := range rx.Comp {
			c.applyFullUpdate(component)
		}

	case halproto.MsgHalrcommandError:
		errorString := joinNotes(rx.Note)
		c.updateState(Error)
		c.updateError(CommandError, errorString)

		c.logger.Debug("protocol error on subscription",
			zap.String("component", c.cfg.Name),
			zap.String("notes", errorString))

	default:
		c.logger.Debug("unknown status update",
			zap.String("component", c.cfg.Name),
			zap.Stringer("type", rx.Type))
	}
}

// applyFullUpdate populates the handle index and applies the snapshot
// values. This is the only place handles are assigned.
func (c *RemoteComponent) applyFullUpdate(component *halproto.Component) {
	for _, remotePin := range component.Pin {
		name := remotePin.Name
		if dotIndex := strings.Index(name, "."); dotIndex != -1 { // strip comp prefix
			name = name[dotIndex+1:]
		}

		localPin := c.registry.ByName(name)
		if localPin == nil {
			c.logger.Warn("full update for unknown pin",
				zap.String("component", c.cfg.Name),
				zap.String("pin", name))
			continue
		}

		c.registry.BindHandle(localPin, remotePin.Handle)
		if err := c.registry.ApplyRemote(localPin, remotePin); err != nil {
			c.updateError(PinChangeError, err.Error()+"\n")
		}
	}
}

// flushPinBatch emits one set message for the pin changes collected
// from the current event batch. Only output-capable pins are sent, and
// only while the component is connected.
func (c *RemoteComponent) flushPinBatch() {
	if len(c.pinBatch) == 0 {
		return
	}
	batch := c.pinBatch
	c.pinBatch = c.pinBatch[:0]

	if c.ConnectionState() != Connected { // only accept pin changes if we are connected
		return
	}

	seen := make(map[uint32]int)
	for _, pin := range batch {
		if pin.Direction() == halproto.DirectionIn { // only update Out or IO pins
			continue
		}
		handle, known := pin.Handle()
		if !known {
			continue
		}

		wirePin := &halproto.Pin{
			Handle: handle,
			Type:   pin.Type(),
		}
		valueToWire(pin.Value(), wirePin)

		if idx, dup := seen[handle]; dup {
			c.tx.Pin[idx] = wirePin // last change wins
			continue
		}
		seen[handle] = len(c.tx.Pin)
		c.tx.Pin = append(c.tx.Pin, wirePin)
	}

	if len(c.tx.Pin) == 0 {
		c.tx.Clear()
		return
	}

	if err := c.rpcClient.Send(halproto.MsgHalrcompSet, &c.tx); err != nil {
		c.logger.Warn("set send failed",
			zap.String("component", c.cfg.Name),
			zap.Error(err))
		c.tx.Clear()
	}
}

// updateState applies a composite state transition. Leaving Connected
// unsyncs every pin before the transition becomes observable. The
// error classification is managed separately by updateError so that a
// standing error survives the teardown-induced state churn.
func (c *RemoteComponent) updateState(state ConnectionState) {
	c.mu.RLock()
	changed := state != c.connectionState
	wasConnected := c.connectionState == Connected
	c.mu.RUnlock()

	if changed && wasConnected { // we are not connected anymore
		c.registry.UnsyncAll()
	}

	c.mu.Lock()
	if changed {
		c.connectionState = state
	}
	connectedChanged := false
	if isConnected := state == Connected; changed && isConnected != c.connected {
		c.connected = isConnected
		connectedChanged = true
	}
	c.mu.Unlock()

	if changed {
		c.logger.Debug("connection state changed",
			zap.String("component", c.cfg.Name),
			zap.Stringer("state", state))

		if fn := c.onConnectionStateChanged; fn != nil {
			fn(state)
		}
		if connectedChanged {
			if fn := c.onConnectedChanged; fn != nil {
				fn(state == Connected)
			}
		}
	}
}

// updateError reports an error classification change. Any error other
// than NoError and PinChangeError tears the component down; the next
// Start begins a clean session.
func (c *RemoteComponent) updateError(connError ConnectionError, errorString string) {
	c.mu.Lock()
	textChanged := errorString != c.errorString
	if textChanged {
		c.errorString = errorString
	}
	errChanged := connError != c.connectionError
	if errChanged {
		c.connectionError = connError
	}
	c.mu.Unlock()

	if textChanged {
		if fn := c.onErrorStringChanged; fn != nil {
			fn(errorString)
		}
	}

	if errChanged {
		if connError != NoError && connError != PinChangeError {
			c.running = false
			c.cleanup()
		}
		if fn := c.onConnectionErrorChanged; fn != nil {
			fn(connError)
		}
	}
}

func joinNotes(notes []string) string {
	var sb strings.Builder
	for _, note := range notes {
		sb.WriteString(note)
		sb.WriteString("\n")
	}
	return sb.String()
}
