package machinetalk

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openmach/halbridge/halproto"
	"github.com/openmach/halbridge/transport"
)

// Subscriber supervises one subscriber socket on the halrcomp update
// channel. The server's periodic updates act as its heartbeat; if they
// stay away past the advertised keepalive window the link degrades to
// SocketTimeout and the next inbound message forces a fresh
// unsubscribe/subscribe cycle so the server issues a full update.
type Subscriber struct {
	mu sync.Mutex

	uri       string
	debugName string
	logger    *zap.Logger

	dial func(uri string) (transport.Sub, error)

	defaultPeriod   time.Duration
	heartbeatPeriod time.Duration

	ready       bool
	state       SocketState
	errorString string

	topics        map[string]struct{} // the topics we are interested in
	subscriptions map[string]struct{} // subscribed topics

	socket transport.Sub
	stop   chan struct{}
	gen    uint64

	onMessage            func(topic string, rx *halproto.Container)
	onStateChanged       func(SocketState)
	onErrorStringChanged func(string)
}

// NewSubscriber creates a subscriber supervisor for the given endpoint.
// The socket is not opened until SetReady(true).
func NewSubscriber(uri, debugName string, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		uri:           uri,
		debugName:     debugName,
		logger:        logger,
		dial:          transport.DialSub,
		defaultPeriod: DefaultHeartbeatPeriodMs * time.Millisecond,
		state:         SocketDown,
		topics:        make(map[string]struct{}),
		subscriptions: make(map[string]struct{}),
	}
}

// SetDialer overrides how the subscriber socket is opened. Intended
// for alternative transports and for tests; must be called before
// SetReady(true).
func (s *Subscriber) SetDialer(dial func(uri string) (transport.Sub, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dial = dial
}

// OnMessage registers the upstream message callback. The topic frame is
// forwarded together with the decoded envelope. Pings are consumed for
// heartbeat accounting and never forwarded.
func (s *Subscriber) OnMessage(fn func(topic string, rx *halproto.Container)) {
	s.onMessage = fn
}

// OnStateChanged registers the link-state callback.
func (s *Subscriber) OnStateChanged(fn func(SocketState)) {
	s.onStateChanged = fn
}

// OnErrorStringChanged registers the error-text callback.
func (s *Subscriber) OnErrorStringChanged(fn func(string)) {
	s.onErrorStringChanged = fn
}

// SetHeartbeatPeriod overrides the starting heartbeat period. The
// server's protocol parameters replace it on the first full update.
func (s *Subscriber) SetHeartbeatPeriod(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultPeriod = d
}

// AddTopic adds a topic that should be subscribed.
func (s *Subscriber) AddTopic(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[name] = struct{}{}
}

// RemoveTopic removes a topic from the set of desired subscriptions.
func (s *Subscriber) RemoveTopic(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, name)
}

// ClearTopics clears the set of desired subscriptions.
func (s *Subscriber) ClearTopics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = make(map[string]struct{})
}

// State returns the current link state.
func (s *Subscriber) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ErrorString returns the current error text, empty when no error.
func (s *Subscriber) ErrorString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorString
}

// HeartbeatPeriod returns the currently effective heartbeat period.
func (s *Subscriber) HeartbeatPeriod() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeatPeriod
}

// SetReady starts or stops the supervisor. Starting connects the
// socket and subscribes all configured topics; stopping closes the
// socket and transitions to SocketDown.
func (s *Subscriber) SetReady(ready bool) {
	s.mu.Lock()
	if s.ready == ready {
		s.mu.Unlock()
		return
	}
	s.ready = ready

	var emits []func()
	if ready {
		s.startLocked(&emits)
	} else {
		s.stopLocked(&emits)
	}
	s.mu.Unlock()
	runEmits(emits)
}

func (s *Subscriber) startLocked(emits *[]func()) {
	socket, err := s.dial(s.uri)
	if err != nil {
		s.updateStateLocked(SocketError, err.Error(), emits)
		return
	}

	s.socket = socket
	s.stop = make(chan struct{})
	s.gen++

	s.subscribeLocked(emits)

	go s.loop(socket, s.stop, s.gen)

	s.logger.Debug("sockets connected",
		zap.String("debug_name", s.debugName),
		zap.String("uri", s.uri))
}

func (s *Subscriber) stopLocked(emits *[]func()) {
	if s.socket != nil {
		close(s.stop)
		s.socket.Close()
		s.socket = nil
	}
	s.subscriptions = make(map[string]struct{})
	s.updateStateLocked(SocketDown, "", emits)
}

// subscribeLocked applies every configured topic and resets the
// heartbeat period to its default until the server advertises one.
func (s *Subscriber) subscribeLocked(emits *[]func()) {
	s.updateStateLocked(SocketTrying, "", emits)
	s.heartbeatPeriod = s.defaultPeriod

	for topic := range s.topics {
		if err := s.socket.Subscribe(topic); err != nil {
			s.updateStateLocked(SocketError, err.Error(), emits)
			return
		}
		s.subscriptions[topic] = struct{}{}
	}
}

// unsubscribeLocked drops every active subscription so that the server
// sees a fresh joiner on the next subscribe and issues a full update.
func (s *Subscriber) unsubscribeLocked(emits *[]func()) {
	s.updateStateLocked(SocketDown, "", emits)
	for topic := range s.subscriptions {
		if err := s.socket.Unsubscribe(topic); err != nil {
			s.logger.Warn("unsubscribe failed",
				zap.String("debug_name", s.debugName),
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
	s.subscriptions = make(map[string]struct{})
}

func (s *Subscriber) loop(socket transport.Sub, stop chan struct{}, gen uint64) {
	heartbeat := time.NewTimer(time.Hour)
	heartbeat.Stop() // armed once the link is up
	defer heartbeat.Stop()

	rx := &halproto.Container{}

	for {
		select {
		case <-stop:
			return

		case frames, ok := <-socket.Messages():
			if !ok {
				s.transportError(gen, s.drainError(socket))
				return
			}
			s.handleFrames(gen, frames, rx, heartbeat)

		case err := <-socket.Errors():
			s.transportError(gen, err)
			return

		case <-heartbeat.C:
			s.heartbeatTimeout(gen)
		}
	}
}

func (s *Subscriber) drainError(socket transport.Sub) error {
	select {
	case err := <-socket.Errors():
		return err
	default:
		return fmt.Errorf("socket closed")
	}
}

func (s *Subscriber) handleFrames(gen uint64, frames transport.Frames, rx *halproto.Container, heartbeat *time.Timer) {
	s.mu.Lock()
	if gen != s.gen || !s.ready {
		s.mu.Unlock()
		return
	}

	if len(frames) < 2 { // in case we received insufficient data
		s.mu.Unlock()
		return
	}

	topic := string(frames[0])
	if err := halproto.Unmarshal(frames[1], rx); err != nil {
		s.logger.Warn("dropping undecodable update",
			zap.String("debug_name", s.debugName),
			zap.Error(err))
		s.mu.Unlock()
		return
	}

	var emits []func()

	if rx.Type == halproto.MsgHalrcompFullUpdate && s.state != SocketTimeout {
		s.updateStateLocked(SocketUp, "", &emits)

		if rx.Pparams != nil && rx.Pparams.KeepaliveTimerMs > 0 {
			// wait double the time of the heartbeat interval
			s.heartbeatPeriod = 2 * time.Duration(rx.Pparams.KeepaliveTimerMs) * time.Millisecond
		}
	}

	if s.state == SocketUp {
		resetTimer(heartbeat, s.heartbeatPeriod) // any message refreshes the heartbeat
		if rx.Type != halproto.MsgPing {         // pings are uninteresting
			if fn := s.onMessage; fn != nil {
				emits = append(emits, func() { fn(topic, rx) })
			}
		}
	} else {
		// A stale stream is never trusted across a timeout: rejoin so
		// the server issues a fresh full update.
		s.unsubscribeLocked(&emits)
		s.subscribeLocked(&emits)
	}

	s.mu.Unlock()
	runEmits(emits)
}

func (s *Subscriber) heartbeatTimeout(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.ready {
		s.mu.Unlock()
		return
	}

	var emits []func()
	s.updateStateLocked(SocketTimeout, "", &emits)
	s.mu.Unlock()
	runEmits(emits)

	s.logger.Debug("timeout", zap.String("debug_name", s.debugName))
}

func (s *Subscriber) transportError(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || !s.ready {
		s.mu.Unlock()
		return
	}

	var emits []func()
	s.updateStateLocked(SocketError, err.Error(), &emits)
	s.mu.Unlock()
	runEmits(emits)
}

func (s *Subscriber) updateStateLocked(state SocketState, errorString string, emits *[]func()) {
	if state != s.state {
		s.state = state
		if fn := s.onStateChanged; fn != nil {
			*emits = append(*emits, func() { fn(state) })
		}

		s.logger.Debug("state changed",
			zap.String("debug_name", s.debugName),
			zap.Stringer("state", state))
	}

	if errorString != s.errorString {
		s.errorString = errorString
		if fn := s.onErrorStringChanged; fn != nil {
			*emits = append(*emits, func() { fn(errorString) })
		}
	}
}

func runEmits(emits []func()) {
	for _, emit := range emits {
		emit()
	}
}

// resetTimer safely rearms a timer owned by the calling goroutine.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
