package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	homie "github.com/duke1swd/homie-device"
)

// packetRecorder is a net.PacketConn that keeps what was written.
type packetRecorder struct {
	mu     sync.Mutex
	writes [][]byte
}

func (c *packetRecorder) ReadFrom([]byte) (int, net.Addr, error) { return 0, nil, io.EOF }
func (c *packetRecorder) Close() error                           { return nil }
func (c *packetRecorder) LocalAddr() net.Addr                    { return &net.UDPAddr{} }
func (c *packetRecorder) SetDeadline(time.Time) error            { return nil }
func (c *packetRecorder) SetReadDeadline(time.Time) error        { return nil }
func (c *packetRecorder) SetWriteDeadline(time.Time) error       { return nil }

func (c *packetRecorder) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, decrypt(append([]byte(nil), p...)))
	return len(p), nil
}

func (c *packetRecorder) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		out = append(out, string(w))
	}
	return out
}

// inlineTransport runs everything synchronously and keeps the last
// retained payload per topic.
type inlineTransport struct {
	device   *homie.Device
	retained map[string]string
	closed   bool
	fail     error
}

func (t *inlineTransport) Connect(context.Context) error {
	t.device.Attach(homie.PublisherFunc(func(topic []string, payload string, retained bool) {
		if retained {
			t.retained[homie.JoinTopic(topic)] = payload
		}
	}))
	t.device.PublishConfig(true)
	return nil
}

func (t *inlineTransport) Disconnect(context.Context) error {
	t.closed = true
	return t.device.SetState(homie.StateDisconnected)
}

func (t *inlineTransport) Do(fn func() error) error {
	if t.fail != nil {
		return t.fail
	}
	return fn()
}

// lockingTransport serializes Do and inbound messages the way homie.Client
// does.
type lockingTransport struct {
	inlineTransport
	mu sync.Mutex
}

func (t *lockingTransport) Do(fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn()
}

func (t *lockingTransport) deliver(topic, payload string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.device.SettableProperties()[topic].Receive(payload)
}

func newTestBridge() (*bridge, *packetRecorder, map[string]*inlineTransport) {
	conn := &packetRecorder{}
	transports := make(map[string]*inlineTransport)
	b := &bridge{
		conn:        conn,
		topicBase:   "devices",
		lostTimeout: time.Minute,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		plugs:       make(map[string]*plug),
		connect: func(d *homie.Device) transport {
			t := &inlineTransport{device: d, retained: make(map[string]string)}
			transports[d.ID()] = t
			return t
		},
	}
	return b, conn, transports
}

func relay(on bool) *int {
	v := 0
	if on {
		v = 1
	}
	return &v
}

func plugInfo(alias string, on bool) sysinfo {
	return sysinfo{
		Alias:      alias,
		DeviceID:   "uid-" + alias,
		RelayState: relay(on),
		addr:       &net.UDPAddr{IP: net.IPv4(192, 168, 1, 40), Port: kasaPort},
	}
}

func TestBridgeCreatesDevice(t *testing.T) {
	b, _, transports := newTestBridge()
	now := time.Now()

	b.seen(context.Background(), plugInfo("Porch Light", true), now)

	require.Contains(t, transports, "porch-light")
	tr := transports["porch-light"]
	assert.Equal(t, "ready", tr.retained["devices/porch-light/$state"])
	assert.Equal(t, "Porch Light", tr.retained["devices/porch-light/$name"])
	assert.Equal(t, "outlet", tr.retained["devices/porch-light/$nodes"])
	assert.Equal(t, "relay", tr.retained["devices/porch-light/outlet/$type"])
	assert.Equal(t, "boolean", tr.retained["devices/porch-light/outlet/on/$datatype"])
	assert.Equal(t, "true", tr.retained["devices/porch-light/outlet/on/$settable"])
	assert.Equal(t, "true", tr.retained["devices/porch-light/outlet/on"])

	b.seen(context.Background(), plugInfo("Porch Light", false), now)
	assert.Equal(t, "false", tr.retained["devices/porch-light/outlet/on"])
	assert.Len(t, b.plugs, 1)
}

func TestBridgeSetsRelay(t *testing.T) {
	b, conn, _ := newTestBridge()
	b.seen(context.Background(), plugInfo("Lamp", false), time.Now())
	p := b.plugs["uid-Lamp"]

	set := p.device.SettableProperties()["devices/lamp/outlet/on/set"]
	require.NotNil(t, set)

	require.NoError(t, set.Receive("true"))
	assert.Equal(t, []string{
		`{"system":{"set_relay_state":{"state":1}}}`,
		`{"system":{"get_sysinfo":null},"emeter":{"get_realtime":null}}`,
	}, conn.sent())

	// already off: nothing to send
	require.NoError(t, set.Receive("false"))
	assert.Len(t, conn.sent(), 2)
	assert.Error(t, set.Receive("on"))
}

func TestBridgeRename(t *testing.T) {
	b, _, transports := newTestBridge()
	info := plugInfo("Lamp", true)
	b.seen(context.Background(), info, time.Now())

	info.Alias = "Desk Lamp"
	b.seen(context.Background(), info, time.Now())

	assert.True(t, transports["lamp"].closed)
	assert.Equal(t, "disconnected", transports["lamp"].retained["devices/lamp/$state"])
	require.Contains(t, transports, "desk-lamp")
	assert.Equal(t, "desk-lamp", b.plugs[info.DeviceID].id)
}

func TestBridgeExpire(t *testing.T) {
	b, _, transports := newTestBridge()
	start := time.Now()
	b.seen(context.Background(), plugInfo("Lamp", true), start)
	b.seen(context.Background(), plugInfo("Fan", true), start.Add(50*time.Second))

	b.expire(context.Background(), start.Add(90*time.Second))
	assert.True(t, transports["lamp"].closed)
	assert.False(t, transports["fan"].closed)
	assert.Len(t, b.plugs, 1)

	b.closeAll()
	assert.True(t, transports["fan"].closed)
	assert.Empty(t, b.plugs)
}

func TestBridgeSkipsInvalidAlias(t *testing.T) {
	b, _, transports := newTestBridge()
	b.seen(context.Background(), plugInfo("***", true), time.Now())
	assert.Empty(t, transports)
	assert.Empty(t, b.plugs)
}

func TestBridgeSeenWhileSetting(t *testing.T) {
	b, _, _ := newTestBridge()
	var tr *lockingTransport
	b.connect = func(d *homie.Device) transport {
		tr = &lockingTransport{inlineTransport: inlineTransport{device: d, retained: make(map[string]string)}}
		return tr
	}
	b.seen(context.Background(), plugInfo("Lamp", false), time.Now())
	require.NotNil(t, tr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			assert.NoError(t, tr.deliver("devices/lamp/outlet/on/set", "true"))
		}
	}()
	for i := 0; i < 50; i++ {
		b.seen(context.Background(), plugInfo("Lamp", i%2 == 0), time.Now())
	}
	wg.Wait()

	assert.Equal(t, "false", tr.retained["devices/lamp/outlet/on"])
}

func TestBridgeAddDisconnectsOnFailure(t *testing.T) {
	b, _, transports := newTestBridge()
	connect := b.connect
	b.connect = func(d *homie.Device) transport {
		tr := connect(d).(*inlineTransport)
		tr.fail = assert.AnError
		return tr
	}

	b.seen(context.Background(), plugInfo("Lamp", true), time.Now())
	assert.Empty(t, b.plugs)
	require.Contains(t, transports, "lamp")
	assert.True(t, transports["lamp"].closed)
	assert.Equal(t, "disconnected", transports["lamp"].retained["devices/lamp/$state"])
}
