package mqttv5

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/paho"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	homie "github.com/duke1swd/homie-device"
)

type sent struct {
	Topic    string
	Payload  string
	Retained bool
}

// broker records what the worker would have sent.
type broker struct {
	mu     sync.Mutex
	pubs   []sent
	subs   [][]string
	unsubs [][]string
}

func (b *broker) exec(_ context.Context, r request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case r.publish != nil:
		b.pubs = append(b.pubs, sent{Topic: r.publish.Topic, Payload: string(r.publish.Payload), Retained: r.publish.Retain})
	case len(r.subscribe) > 0:
		b.subs = append(b.subs, r.subscribe)
	default:
		b.unsubs = append(b.unsubs, r.unsubscribe)
	}
	return nil
}

func (b *broker) published() []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sent(nil), b.pubs...)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDevice(t *testing.T) (*homie.Device, *homie.Property[int64]) {
	t.Helper()
	d, err := homie.NewDevice("foo", "Foo", homie.WithLogger(discard()))
	require.NoError(t, err)

	var level *homie.Property[int64]
	_, err = d.AddNode("dimmer", "light", func(n *homie.Node) error {
		var err error
		level, err = n.IntegerRange("level", 0, 100, homie.WithUnit("%"))
		return err
	})
	require.NoError(t, err)
	level.Subscribe(func(u homie.PropertyUpdate[int64]) {
		_ = u.Property().Update(u.Value())
	})
	return d, level
}

// startClient runs the worker against a recording broker without a
// network connection.
func startClient(t *testing.T, d *homie.Device, opts ...Option) (*Client, *broker) {
	t.Helper()
	opts = append([]Option{WithLogger(discard())}, opts...)
	c := New(d, homie.ClientConfig{Broker: "mqtt://broker:1883"}, opts...)
	b := &broker{}
	c.exec = b.exec

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.start(ctx, cancel)
	c.mu.Unlock()
	t.Cleanup(func() {
		cancel()
		c.wg.Wait()
	})
	return c, b
}

// flush waits until the worker has handled everything queued so far.
func flush(c *Client) {
	<-c.enqueue(request{})
}

func TestClientConfig(t *testing.T) {
	d, _ := newDevice(t)
	c := New(d, homie.ClientConfig{Broker: "mqtt://broker:1883", Username: "dev", Password: "pw"})

	cfg, err := c.clientConfig()
	require.NoError(t, err)
	require.Len(t, cfg.ServerUrls, 1)
	assert.Equal(t, "mqtt://broker:1883", cfg.ServerUrls[0].String())
	assert.Equal(t, uint16(60), cfg.KeepAlive)
	assert.Equal(t, "dev", cfg.ConnectUsername)
	assert.Equal(t, []byte("pw"), cfg.ConnectPassword)
	assert.Equal(t, "homieGo-foo", cfg.ClientConfig.ClientID)
	assert.Nil(t, cfg.TlsCfg)

	require.NotNil(t, cfg.WillMessage)
	assert.Equal(t, "homie/foo/$state", cfg.WillMessage.Topic)
	assert.Equal(t, []byte("lost"), cfg.WillMessage.Payload)
	assert.True(t, cfg.WillMessage.Retain)
	assert.Equal(t, byte(1), cfg.WillMessage.QoS)

	c = New(d, homie.ClientConfig{Broker: "mqtts://broker:8883"})
	cfg, err = c.clientConfig()
	require.NoError(t, err)
	assert.NotNil(t, cfg.TlsCfg)

	c = New(d, homie.ClientConfig{Broker: "://bad"})
	_, err = c.clientConfig()
	assert.Error(t, err)
}

func TestConnectionUp(t *testing.T) {
	d, _ := newDevice(t)
	m, err := homie.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	c, b := startClient(t, d, WithMetrics(m))

	c.onConnectionUp(nil, nil)
	flush(c)

	pubs := b.published()
	require.NotEmpty(t, pubs)
	assert.Equal(t, sent{Topic: "homie/foo/$state", Payload: "init", Retained: true}, pubs[0])
	assert.Contains(t, pubs, sent{Topic: "homie/foo/dimmer/level/$format", Payload: "0:100", Retained: true})
	assert.Equal(t, [][]string{{"homie/foo/dimmer/level/set"}}, b.subs)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, float64(len(pubs)), testutil.ToFloat64(m.Published.WithLabelValues("true")))
}

func TestPublishReceived(t *testing.T) {
	d, level := newDevice(t)
	c, b := startClient(t, d)
	c.onConnectionUp(nil, nil)

	handled, err := c.onPublishReceived(paho.PublishReceived{Packet: &paho.Publish{
		Topic:   "homie/foo/dimmer/level/set",
		Payload: []byte("40"),
	}})
	require.NoError(t, err)
	assert.True(t, handled)
	flush(c)

	v, ok := level.Value()
	assert.True(t, ok)
	assert.Equal(t, int64(40), v)
	assert.Contains(t, b.published(), sent{Topic: "homie/foo/dimmer/level", Payload: "40", Retained: true})

	handled, err = c.onPublishReceived(paho.PublishReceived{Packet: &paho.Publish{
		Topic:   "homie/foo/dimmer/level/set",
		Payload: []byte("140"),
	}})
	require.NoError(t, err)
	assert.True(t, handled)
	v, _ = level.Value()
	assert.Equal(t, int64(40), v)

	handled, err = c.onPublishReceived(paho.PublishReceived{Packet: &paho.Publish{
		Topic:   "homie/bar/$state",
		Payload: []byte("ready"),
	}})
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestDoSyncsSubscriptions(t *testing.T) {
	d, level := newDevice(t)
	c, b := startClient(t, d)

	// offline: nothing is subscribed
	require.NoError(t, c.Do(func() error { return nil }))
	flush(c)
	assert.Empty(t, b.subs)

	c.onConnectionUp(nil, nil)
	require.NoError(t, c.Do(func() error {
		level.Subscribe(nil)
		return nil
	}))
	flush(c)
	assert.Equal(t, [][]string{{"homie/foo/dimmer/level/set"}}, b.unsubs)

	c.onClientError(assert.AnError)
	require.NoError(t, c.Do(func() error {
		level.Subscribe(func(homie.PropertyUpdate[int64]) {})
		return nil
	}))
	flush(c)
	assert.Len(t, b.subs, 1)
}

func TestDisconnect(t *testing.T) {
	d, _ := newDevice(t)
	c, b := startClient(t, d)
	c.onConnectionUp(nil, nil)
	require.NoError(t, c.Do(func() error { return d.SetState(homie.StateReady) }))

	require.NoError(t, c.Disconnect(context.Background()))
	pubs := b.published()
	assert.Equal(t, sent{Topic: "homie/foo/$state", Payload: "disconnected", Retained: true}, pubs[len(pubs)-1])
	assert.Equal(t, homie.StateDisconnected, d.State())

	assert.ErrorIs(t, c.Disconnect(context.Background()), homie.ErrIllegalState)
	assert.ErrorIs(t, c.Connect(context.Background()), homie.ErrIllegalState)
}

func TestDisconnectBeforeConnect(t *testing.T) {
	d, _ := newDevice(t)
	c := New(d, homie.ClientConfig{}, WithLogger(discard()))
	assert.ErrorIs(t, c.Disconnect(context.Background()), homie.ErrIllegalState)
}

func TestConnectionUpLargeDevice(t *testing.T) {
	d, err := homie.NewDevice("foo", "Foo", homie.WithLogger(discard()))
	require.NoError(t, err)
	_, err = d.AddNodes("relay", "switch", 32, func(n *homie.Node, _ int) error {
		for _, id := range []string{"a", "b", "c", "d"} {
			p, err := n.Boolean(id)
			if err != nil {
				return err
			}
			p.Subscribe(func(homie.PropertyUpdate[bool]) {})
		}
		return nil
	})
	require.NoError(t, err)
	m, err := homie.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	c, b := startClient(t, d, WithMetrics(m))

	// hold the broker so the whole config queues up behind the first request
	b.mu.Lock()
	c.onConnectionUp(nil, nil)
	b.mu.Unlock()
	flush(c)

	datatypes := 0
	for _, p := range b.published() {
		if strings.HasSuffix(p.Topic, "/$datatype") {
			datatypes++
		}
	}
	assert.Equal(t, 32*4, datatypes)
	require.Len(t, b.subs, 1)
	assert.Len(t, b.subs[0], 32*4)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PublishErrors))

	require.NoError(t, c.Disconnect(context.Background()))
	pubs := b.published()
	assert.Equal(t, sent{Topic: "homie/foo/$state", Payload: "disconnected", Retained: true}, pubs[len(pubs)-1])
}

func TestWorkerReleasesPendingOnStop(t *testing.T) {
	d, _ := newDevice(t)
	c := New(d, homie.ClientConfig{}, WithLogger(discard()))
	ctx, cancel := context.WithCancel(context.Background())
	c.exec = func(context.Context, request) error {
		cancel()
		return nil
	}

	first := c.enqueue(request{publish: &paho.Publish{Topic: "homie/foo/x"}})
	second := c.enqueue(request{publish: &paho.Publish{Topic: "homie/foo/y"}})
	c.mu.Lock()
	c.start(ctx, cancel)
	c.mu.Unlock()
	c.wg.Wait()

	<-first
	<-second
	assert.Empty(t, c.take())
}
