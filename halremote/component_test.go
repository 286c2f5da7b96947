package halremote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openmach/halbridge/halproto"
	"github.com/openmach/halbridge/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	t      *testing.T
	comp   *RemoteComponent
	dealer *transport.MemDealer
	sub    *transport.MemSub
}

func newHarness(t *testing.T, pins []*Pin, modify func(*Config)) *harness {
	t.Helper()

	cfg := Config{
		RPCEndpoint: "tcp://test:5001",
		SubEndpoint: "tcp://test:5002",
		Name:        "demo",
	}
	if modify != nil {
		modify(&cfg)
	}

	comp := NewRemoteComponent(cfg, pins, zaptest.NewLogger(t))

	h := &harness{
		t:      t,
		comp:   comp,
		dealer: transport.NewMemDealer(),
		sub:    transport.NewMemSub(),
	}
	comp.rpcClient.SetDialer(func(string) (transport.Dealer, error) { return h.dealer, nil })
	comp.subscriber.SetDialer(func(string) (transport.Sub, error) { return h.sub, nil })

	t.Cleanup(comp.Close)
	return h
}

func (h *harness) marshal(c *halproto.Container) []byte {
	h.t.Helper()
	data, err := halproto.Marshal(c)
	require.NoError(h.t, err)
	return data
}

func (h *harness) deliverRpc(c *halproto.Container) {
	h.dealer.Deliver(h.marshal(c))
}

func (h *harness) deliverSub(c *halproto.Container) {
	h.sub.Deliver("demo", h.marshal(c))
}

// sentContainers decodes everything written to the command channel.
func (h *harness) sentContainers() []*halproto.Container {
	h.t.Helper()
	var out []*halproto.Container
	for _, payload := range h.dealer.Sent() {
		rx := &halproto.Container{}
		require.NoError(h.t, halproto.Unmarshal(payload, rx))
		out = append(out, rx)
	}
	return out
}

func (h *harness) sentOfType(msgType halproto.ContainerType) []*halproto.Container {
	var out []*halproto.Container
	for _, c := range h.sentContainers() {
		if c.Type == msgType {
			out = append(out, c)
		}
	}
	return out
}

// connectRpc acknowledges the initial ping so the command channel
// comes up and the bind message goes out.
func (h *harness) connectRpc() {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.dealer.Sent()) >= 1 }, waitFor, tick)
	h.deliverRpc(&halproto.Container{Type: halproto.MsgPingAcknowledge})
	require.Eventually(h.t, func() bool {
		return len(h.sentOfType(halproto.MsgHalrcompBind)) >= 1
	}, waitFor, tick)
}

func (h *harness) confirmBind() {
	h.t.Helper()
	h.deliverRpc(&halproto.Container{Type: halproto.MsgHalrcompBindConfirm})
	require.Eventually(h.t, func() bool {
		topics := h.sub.Topics()
		return len(topics) == 1 && topics[0] == "demo"
	}, waitFor, tick)
}

func fullUpdate(handles map[string]uint32, values map[string]Value) *halproto.Container {
	c := &halproto.Container{
		Type:    halproto.MsgHalrcompFullUpdate,
		Pparams: &halproto.ProtocolParameters{KeepaliveTimerMs: 500},
	}
	comp := c.AddComp()
	comp.Name = "demo"
	for name, handle := range handles {
		pin := comp.AddPin()
		pin.Name = "demo." + name
		pin.Handle = handle
		value := values[name]
		pin.Type = value.Type()
		valueToWire(value, pin)
	}
	return c
}

func incrementalUpdate(handle uint32, value Value) *halproto.Container {
	c := &halproto.Container{Type: halproto.MsgHalrcompIncrementalUpdate}
	pin := c.AddPin()
	pin.Handle = handle
	pin.Type = value.Type()
	valueToWire(value, pin)
	return c
}

func demoPins(t *testing.T) (*Pin, *Pin, []*Pin) {
	t.Helper()
	a := NewPin("a", halproto.ValueTypeFloat, halproto.DirectionOut)
	require.NoError(t, a.SetValue(FloatValue(1.0)))
	b := NewPin("b", halproto.ValueTypeBit, halproto.DirectionOut)
	return a, b, []*Pin{a, b}
}

func TestHappyPath(t *testing.T) {
	a, b, pins := demoPins(t)
	h := newHarness(t, pins, nil)

	h.comp.Start()
	h.connectRpc()

	// the bind carries the full pin schema with qualified names
	binds := h.sentOfType(halproto.MsgHalrcompBind)
	require.Len(t, binds, 1)
	require.Len(t, binds[0].Comp, 1)
	bound := binds[0].Comp[0]
	assert.Equal(t, "demo", bound.Name)
	assert.False(t, bound.NoCreate)
	require.Len(t, bound.Pin, 2)
	assert.Equal(t, "demo.a", bound.Pin[0].Name)
	require.NotNil(t, bound.Pin[0].HalFloat)
	assert.Equal(t, 1.0, *bound.Pin[0].HalFloat)
	assert.Equal(t, "demo.b", bound.Pin[1].Name)
	require.NotNil(t, bound.Pin[1].HalBit)
	assert.False(t, *bound.Pin[1].HalBit)

	h.confirmBind()

	// handle map stays empty until the full update arrives
	assert.Zero(t, h.comp.Registry().HandleCount())

	h.deliverSub(fullUpdate(
		map[string]uint32{"a": 7, "b": 8},
		map[string]Value{"a": FloatValue(2.0), "b": BitValue(true)},
	))

	require.Eventually(t, func() bool { return h.comp.ConnectionState() == Connected }, waitFor, tick)
	assert.True(t, h.comp.Connected())

	assert.Equal(t, 2.0, a.Value().Float())
	assert.True(t, a.Synced())
	assert.True(t, b.Value().Bit())
	assert.True(t, b.Synced())
	assert.Equal(t, 2, h.comp.Registry().HandleCount())

	// mirroring remote values must not echo a set message
	assert.Empty(t, h.sentOfType(halproto.MsgHalrcompSet))
}

func TestOutboundPinChange(t *testing.T) {
	a, _, pins := demoPins(t)
	inPin := NewPin("fb", halproto.ValueTypeFloat, halproto.DirectionIn)
	pins = append(pins, inPin)
	h := newHarness(t, pins, nil)

	h.comp.Start()
	h.connectRpc()
	h.confirmBind()
	h.deliverSub(fullUpdate(
		map[string]uint32{"a": 7, "b": 8, "fb": 9},
		map[string]Value{"a": FloatValue(1.0), "b": BitValue(false), "fb": FloatValue(0)},
	))
	require.Eventually(t, func() bool { return h.comp.ConnectionState() == Connected }, waitFor, tick)

	require.NoError(t, a.SetValue(FloatValue(5.0)))

	require.Eventually(t, func() bool {
		return len(h.sentOfType(halproto.MsgHalrcompSet)) == 1
	}, waitFor, tick)

	sets := h.sentOfType(halproto.MsgHalrcompSet)
	require.Len(t, sets[0].Pin, 1)
	assert.Equal(t, uint32(7), sets[0].Pin[0].Handle)
	require.NotNil(t, sets[0].Pin[0].HalFloat)
	assert.Equal(t, 5.0, *sets[0].Pin[0].HalFloat)

	// input pins never publish upstream
	require.NoError(t, inPin.SetValue(FloatValue(3.0)))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.sentOfType(halproto.MsgHalrcompSet), 1)
}

func TestLocalChangeWhileDisconnected(t *testing.T) {
	a, _, pins := demoPins(t)
	h := newHarness(t, pins, nil)

	h.comp.Start()
	require.Eventually(t, func() bool { return len(h.dealer.Sent()) >= 1 }, waitFor, tick)

	require.NoError(t, a.SetValue(FloatValue(2.0)))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.sentOfType(halproto.MsgHalrcompSet))
	assert.Equal(t, 2.0, a.Value().Float())
	assert.False(t, a.Synced())
}

func TestBindReject(t *testing.T) {
	_, _, pins := demoPins(t)
	h := newHarness(t, pins, nil)

	h.comp.Start()
	h.connectRpc()

	h.deliverRpc(&halproto.Container{
		Type: halproto.MsgHalrcompBindReject,
		Note: []string{"name taken"},
	})

	require.Eventually(t, func() bool {
		return h.comp.ConnectionError() == BindError
	}, waitFor, tick)

	assert.Equal(t, "name taken\n", h.comp.ErrorString())

	// the session is torn down completely
	require.Eventually(t, func() bool { return h.dealer.Closed() }, waitFor, tick)
	require.Eventually(t, func() bool { return h.comp.Registry().Len() == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.comp.ConnectionState() == Disconnected }, waitFor, tick)

	// the error survives the teardown-induced state churn
	assert.Equal(t, BindError, h.comp.ConnectionError())
	assert.Equal(t, "name taken\n", h.comp.ErrorString())
}

func TestSetRejectKeepsSessionUsable(t *testing.T) {
	a, _, pins := demoPins(t)
	h := newHarness(t, pins, nil)

	h.comp.Start()
	h.connectRpc()
	h.confirmBind()
	h.deliverSub(fullUpdate(
		map[string]uint32{"a": 7, "b": 8},
		map[string]Value{"a": FloatValue(1.0), "b": BitValue(false)},
	))
	require.Eventually(t, func() bool { return h.comp.ConnectionState() == Connected }, waitFor, tick)

	h.deliverRpc(&halproto.Container{
		Type: halproto.MsgHalrcompSetReject,
		Note: []string{"pin is read-only"},
	})

	require.Eventually(t, func() bool {
		return h.comp.ConnectionError() == PinChangeError
	}, waitFor, tick)
	assert.Equal(t, "pin is read-only\n", h.comp.ErrorString())

	// no teardown: the supervisors stay up and the registry is intact
	assert.False(t, h.dealer.Closed())
	assert.Equal(t, 2, h.comp.Registry().Len())

	// the session keeps mirroring after the reject
	require.NoError(t, a.SetValue(FloatValue(4.0)))
	require.Eventually(t, func() bool {
		return len(h.sentOfType(halproto.MsgHalrcompSet)) == 1
	}, waitFor, tick)
}

func TestIncrementalUpdateUnknownHandle(t *testing.T) {
	a, _, pins := demoPins(t)
	h := newHarness(t, pins, nil)

	h.comp.Start()
	h.connectRpc()
	h.confirmBind()
	h.deliverSub(fullUpdate(
		map[string]uint32{"a": 7, "b": 8},
		map[string]Value{"a": FloatValue(2.0), "b": BitValue(true)},
	))
	require.Eventually(t, func() bool { return h.comp.ConnectionState() == Connected }, waitFor, tick)

	h.deliverSub(incrementalUpdate(99, FloatValue(123.0)))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Connected, h.comp.ConnectionState())
	assert.Equal(t, NoError, h.comp.ConnectionError())
	assert.Equal(t, 2.0, a.Value().Float())
}

func TestIncrementalUpdateAppliesValue(t *testing.T) {
	a, _, pins := demoPins(t)
	h := newHarness(t, pins, nil)

	h.comp.Start()
	h.connectRpc()
	h.confirmBind()
	h.deliverSub(fullUpdate(
		map[string]uint32{"a": 7, "b": 8},
		map[string]Value{"a": FloatValue(2.0), "b": BitValue(true)},
	))
	require.Eventually(t, func() bool { return h.comp.ConnectionState() == Connected }, waitFor, tick)

	h.deliverSub(incrementalUpdate(7, FloatValue(9.5)))

	require.Eventually(t, func() bool { return a.Value().Float() == 9.5 }, waitFor, tick)
	assert.True(t, a.Synced())
	// mirrored deltas never loop back to the wire
	assert.Empty(t, h.sentOfType(halproto.MsgHalrcompSet))
}

func TestSubscriberTimeoutRecovery(t *testing.T) {
	a, b, pins := demoPins(t)
	h := newHarness(t, pins, func(cfg *Config) {
		cfg.HeartbeatPeriod = 40 * time.Millisecond
		cfg.PingErrorThreshold = 1000 // keep the command channel alive
	})

	h.comp.Start()
	h.connectRpc()
	h.confirmBind()

	update := fullUpdate(
		map[string]uint32{"a": 7, "b": 8},
		map[string]Value{"a": FloatValue(2.0), "b": BitValue(true)},
	)
	update.Pparams.KeepaliveTimerMs = 20 // liveness window 40ms
	h.deliverSub(update)
	require.Eventually(t, func() bool { return h.comp.ConnectionState() == Connected }, waitFor, tick)

	// starve the update channel past its window
	require.Eventually(t, func() bool { return h.comp.ConnectionState() == Timeout }, waitFor, tick)
	assert.False(t, a.Synced())
	assert.False(t, b.Synced())
	assert.Equal(t, NoError, h.comp.ConnectionError())

	// the next message only triggers the rejoin cycle
	h.deliverSub(incrementalUpdate(7, FloatValue(3.0)))
	require.Eventually(t, func() bool {
		return len(h.sub.SubscriptionLog()) >= 3
	}, waitFor, tick)
	assert.Equal(t, []string{"+demo", "-demo", "+demo"}, h.sub.SubscriptionLog()[:3])
	assert.NotEqual(t, Connected, h.comp.ConnectionState())

	// a fresh full update restores the session
	update2 := fullUpdate(
		map[string]uint32{"a": 7, "b": 8},
		map[string]Value{"a": FloatValue(4.0), "b": BitValue(false)},
	)
	update2.Pparams.KeepaliveTimerMs = 5000
	h.deliverSub(update2)

	require.Eventually(t, func() bool { return h.comp.ConnectionState() == Connected }, waitFor, tick)
	assert.Equal(t, 4.0, a.Value().Float())
	assert.True(t, a.Synced())
	assert.True(t, b.Synced())
}

func TestRpcPingAttrition(t *testing.T) {
	a, _, pins := demoPins(t)
	h := newHarness(t, pins, func(cfg *Config) {
		cfg.HeartbeatPeriod = 25 * time.Millisecond
		cfg.PingErrorThreshold = 2
	})

	h.comp.Start()
	h.connectRpc()
	h.confirmBind()

	update := fullUpdate(
		map[string]uint32{"a": 7, "b": 8},
		map[string]Value{"a": FloatValue(2.0), "b": BitValue(true)},
	)
	update.Pparams.KeepaliveTimerMs = 5000 // keep the update channel alive
	h.deliverSub(update)
	// keep acking the fast ping cadence until the session is up
	require.Eventually(t, func() bool {
		h.deliverRpc(&halproto.Container{Type: halproto.MsgPingAcknowledge})
		return h.comp.ConnectionState() == Connected
	}, waitFor, tick)

	// stop acknowledging pings: the third miss degrades the link
	require.Eventually(t, func() bool { return h.comp.ConnectionState() == Timeout }, waitFor, tick)
	assert.False(t, a.Synced())
}

func TestBindConfirmIdempotent(t *testing.T) {
	a, _, pins := demoPins(t)
	h := newHarness(t, pins, nil)

	h.comp.Start()
	h.connectRpc()
	h.confirmBind()
	h.deliverSub(fullUpdate(
		map[string]uint32{"a": 7, "b": 8},
		map[string]Value{"a": FloatValue(2.0), "b": BitValue(true)},
	))
	require.Eventually(t, func() bool { return h.comp.ConnectionState() == Connected }, waitFor, tick)

	// a duplicate confirm with the same snapshot leaves everything as is
	h.deliverRpc(&halproto.Container{Type: halproto.MsgHalrcompBindConfirm})
	h.deliverSub(fullUpdate(
		map[string]uint32{"a": 7, "b": 8},
		map[string]Value{"a": FloatValue(2.0), "b": BitValue(true)},
	))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Connected, h.comp.ConnectionState())
	assert.Equal(t, 2, h.comp.Registry().Len())
	assert.Equal(t, 2, h.comp.Registry().HandleCount())
	assert.Equal(t, 2.0, a.Value().Float())
}

func TestFullUpdateUnknownPinIgnored(t *testing.T) {
	_, _, pins := demoPins(t)
	h := newHarness(t, pins, nil)

	h.comp.Start()
	h.connectRpc()
	h.confirmBind()

	update := fullUpdate(
		map[string]uint32{"a": 7, "b": 8, "ghost": 12},
		map[string]Value{"a": FloatValue(2.0), "b": BitValue(true), "ghost": FloatValue(1.0)},
	)
	h.deliverSub(update)

	require.Eventually(t, func() bool { return h.comp.ConnectionState() == Connected }, waitFor, tick)
	assert.Equal(t, NoError, h.comp.ConnectionError())
	assert.Equal(t, 2, h.comp.Registry().HandleCount())
	assert.Nil(t, h.comp.Registry().ByHandle(12))
}

func TestCommandErrorTearsDown(t *testing.T) {
	_, _, pins := demoPins(t)
	h := newHarness(t, pins, nil)

	h.comp.Start()
	h.connectRpc()
	h.confirmBind()
	h.deliverSub(fullUpdate(
		map[string]uint32{"a": 7, "b": 8},
		map[string]Value{"a": FloatValue(2.0), "b": BitValue(true)},
	))
	require.Eventually(t, func() bool { return h.comp.ConnectionState() == Connected }, waitFor, tick)

	h.deliverSub(&halproto.Container{
		Type: halproto.MsgHalrcommandError,
		Note: []string{"protocol violation"},
	})

	require.Eventually(t, func() bool {
		return h.comp.ConnectionError() == CommandError
	}, waitFor, tick)
	assert.Equal(t, "protocol violation\n", h.comp.ErrorString())
	require.Eventually(t, func() bool { return h.comp.Registry().Len() == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.dealer.Closed() }, waitFor, tick)
}

func TestRestartAfterErrorClearsErrorState(t *testing.T) {
	_, _, pins := demoPins(t)
	h := newHarness(t, pins, nil)

	h.comp.Start()
	h.connectRpc()
	h.deliverRpc(&halproto.Container{
		Type: halproto.MsgHalrcompBindReject,
		Note: []string{"name taken"},
	})
	require.Eventually(t, func() bool {
		return h.comp.ConnectionError() == BindError
	}, waitFor, tick)

	// a new ready-cycle needs fresh sockets
	h.dealer = transport.NewMemDealer()
	h.sub = transport.NewMemSub()

	h.comp.Start()
	require.Eventually(t, func() bool {
		return h.comp.ConnectionError() == NoError && h.comp.ErrorString() == ""
	}, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.dealer.Sent()) >= 1 }, waitFor, tick)
}

func TestNoCreateFlagOnBind(t *testing.T) {
	_, _, pins := demoPins(t)
	h := newHarness(t, pins, func(cfg *Config) { cfg.NoCreate = true })

	h.comp.Start()
	h.connectRpc()

	binds := h.sentOfType(halproto.MsgHalrcompBind)
	require.Len(t, binds, 1)
	assert.True(t, binds[0].Comp[0].NoCreate)
}
