package transport

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
)

const recvBufferSize = 64

// zmqSocket adapts a zmq4 socket to the channel-based Socket contract.
// A reader goroutine owns the blocking Recv loop; Close tears the
// socket down and ends the loop on all paths.
type zmqSocket struct {
	sock zmq4.Socket

	msgs chan Frames
	errs chan error
	done chan struct{}

	closeOnce sync.Once
	sendMu    sync.Mutex
	closed    bool
}

func newZmqSocket(sock zmq4.Socket) *zmqSocket {
	z := &zmqSocket{
		sock: sock,
		msgs: make(chan Frames, recvBufferSize),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
	go z.readLoop()
	return z
}

func (z *zmqSocket) readLoop() {
	defer close(z.msgs)

	for {
		msg, err := z.sock.Recv()
		if err != nil {
			select {
			case <-z.done:
				// Regulär geschlossen, kein Fehler melden.
			default:
				select {
				case z.errs <- err:
				default:
				}
			}
			return
		}

		select {
		case z.msgs <- Frames(msg.Frames):
		case <-z.done:
			return
		}
	}
}

func (z *zmqSocket) Messages() <-chan Frames {
	return z.msgs
}

func (z *zmqSocket) Errors() <-chan error {
	return z.errs
}

func (z *zmqSocket) Close() error {
	var err error
	z.closeOnce.Do(func() {
		close(z.done)
		z.sendMu.Lock()
		z.closed = true
		z.sendMu.Unlock()
		err = z.sock.Close()
	})
	return err
}

type zmqDealer struct {
	*zmqSocket
}

func (d *zmqDealer) Send(payload []byte) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	if d.closed {
		return ErrNotConnected
	}
	if err := d.sock.Send(zmq4.NewMsg(payload)); err != nil {
		return fmt.Errorf("dealer send: %w", err)
	}
	return nil
}

type zmqSub struct {
	*zmqSocket
}

func (s *zmqSub) Subscribe(topic string) error {
	if err := s.sock.SetOption(zmq4.OptionSubscribe, topic); err != nil {
		return fmt.Errorf("subscribe %q: %w", topic, err)
	}
	return nil
}

func (s *zmqSub) Unsubscribe(topic string) error {
	if err := s.sock.SetOption(zmq4.OptionUnsubscribe, topic); err != nil {
		return fmt.Errorf("unsubscribe %q: %w", topic, err)
	}
	return nil
}

// Identity builds the per-instance dealer identity of the form
// <hostname>-<uuid>.
func Identity() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.New())
}

// DialDealer connects a dealer socket with a fresh instance identity.
func DialDealer(uri string) (Dealer, error) {
	sock := zmq4.NewDealer(context.Background(),
		zmq4.WithID(zmq4.SocketIdentity(Identity())))

	if err := sock.Dial(uri); err != nil {
		sock.Close()
		return nil, fmt.Errorf("dial dealer %s: %w", uri, err)
	}
	return &zmqDealer{newZmqSocket(sock)}, nil
}

// DialSub connects a subscriber socket. Subscriptions are added by the
// caller after connecting.
func DialSub(uri string) (Sub, error) {
	sock := zmq4.NewSub(context.Background())

	if err := sock.Dial(uri); err != nil {
		sock.Close()
		return nil, fmt.Errorf("dial sub %s: %w", uri, err)
	}
	return &zmqSub{newZmqSocket(sock)}, nil
}
