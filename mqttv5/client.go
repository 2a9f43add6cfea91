// Package mqttv5 connects a homie.Device to a broker over MQTT v5 using
// Eclipse Paho's autopaho connection manager.
//
// It follows the same lifecycle as homie.Client: the last will sets
// $state to lost, every (re)connect publishes the device and subscribes
// to the set topics, inbound messages are routed through the device's
// settable map. Requests to the broker go through a single worker
// goroutine so the device lock is never held while waiting for an ack.
package mqttv5

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	homie "github.com/duke1swd/homie-device"
)

// request is one unit of work for the broker worker. Exactly one of
// publish, subscribe or unsubscribe is set.
type request struct {
	publish     *paho.Publish
	subscribe   []string
	unsubscribe []string
	done        chan struct{}
}

// Client is the MQTT v5 transport for a device.
type Client struct {
	cfg     homie.ClientConfig
	device  *homie.Device
	logger  *slog.Logger
	metrics *homie.Metrics

	// exec performs a request against the broker.
	exec func(ctx context.Context, r request) error

	mu         sync.Mutex
	cm         *autopaho.ConnectionManager
	started    bool
	closed     bool
	online     bool
	subscribed map[string]bool

	// outbox is unbounded so a connect never loses part of the config.
	qmu    sync.Mutex
	outbox []request
	wake   chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics counts messages and connections in m.
func WithMetrics(m *homie.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a client for device. Nothing happens until Connect.
func New(device *homie.Device, cfg homie.ClientConfig, opts ...Option) *Client {
	cfg.ApplyDefaults(device.ID())
	c := &Client{
		cfg:        cfg,
		device:     device,
		logger:     slog.Default(),
		subscribed: make(map[string]bool),
		wake:       make(chan struct{}, 1),
	}
	c.exec = c.execBroker
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("device", device.ID(), "broker", cfg.Broker)
	return c
}

func (c *Client) qos() byte { return *c.cfg.QoS }

func (c *Client) clientConfig() (autopaho.ClientConfig, error) {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       uint16(c.cfg.KeepAlive.Seconds()),
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   c.device.StateTopic(),
			Payload: []byte(homie.StateLost.String()),
			QoS:     c.qos(),
			Retain:  true,
		},
		OnConnectionUp: c.onConnectionUp,
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.onPublishReceived,
			},
			OnClientError: c.onClientError,
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.setOffline()
				c.logger.Warn("mqtt server disconnected", "reason", d.ReasonCode)
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return cfg, nil
}

// Connect attaches the client to the device, starts the connection
// manager and waits for the first connection until ctx is done.
// autopaho keeps retrying after that. A Client connects once.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("%w: connect called twice", homie.ErrIllegalState)
	}
	cfg, err := c.clientConfig()
	if err != nil {
		c.mu.Unlock()
		return err
	}

	life, cancel := context.WithCancel(context.Background())
	cm, err := autopaho.NewConnection(life, cfg)
	if err != nil {
		cancel()
		c.mu.Unlock()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm
	c.start(life, cancel)
	c.mu.Unlock()

	if err := cm.AwaitConnection(ctx); err != nil {
		c.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
		return err
	}
	return nil
}

// start attaches the device and runs the worker. Called with c.mu held.
func (c *Client) start(life context.Context, cancel context.CancelFunc) {
	c.started = true
	c.cancel = cancel
	c.device.Attach(homie.PublisherFunc(c.publish))
	c.wg.Add(1)
	go c.run(life)
}

// Disconnect publishes the disconnected state, waits for it to be sent
// until ctx is done, then closes the connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: not connected", homie.ErrIllegalState)
	}
	c.closed = true
	if err := c.device.SetState(homie.StateDisconnected); err != nil {
		c.mu.Unlock()
		return err
	}
	c.device.Attach(nil)
	flushed := c.enqueue(request{done: make(chan struct{})})
	cm := c.cm
	c.mu.Unlock()

	select {
	case <-flushed:
	case <-ctx.Done():
		c.logger.Warn("mqtt disconnected state not flushed", "error", ctx.Err())
	}

	var err error
	if cm != nil {
		err = cm.Disconnect(ctx)
	}
	c.cancel()
	c.wg.Wait()
	c.logger.Info("mqtt disconnected")
	return err
}

// Do runs fn with the device locked and then brings the broker
// subscriptions in line with the device. Do not call it from a
// property's subscriber; those already run under the lock.
func (c *Client) Do(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := fn()
	if c.online {
		c.syncSubscriptions()
	}
	return err
}

// publish is the device's Publisher. Called with c.mu held.
func (c *Client) publish(topic []string, payload string, retained bool) {
	c.enqueue(request{publish: &paho.Publish{
		Topic:   homie.JoinTopic(topic),
		Payload: []byte(payload),
		QoS:     c.qos(),
		Retain:  retained,
	}})
	c.metrics.CountPublished(retained)
}

// enqueue hands r to the worker without blocking. The returned channel
// is closed once r has been handled.
func (c *Client) enqueue(r request) <-chan struct{} {
	if r.done == nil {
		r.done = make(chan struct{})
	}
	c.qmu.Lock()
	c.outbox = append(c.outbox, r)
	c.qmu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return r.done
}

// take empties the outbox.
func (c *Client) take() []request {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	batch := c.outbox
	c.outbox = nil
	return batch
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		batch := c.take()
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				for _, rest := range c.take() {
					close(rest.done)
				}
				return
			case <-c.wake:
				continue
			}
		}
		for i, r := range batch {
			if ctx.Err() != nil {
				for _, rest := range batch[i:] {
					close(rest.done)
				}
				for _, rest := range c.take() {
					close(rest.done)
				}
				return
			}
			if r.publish != nil || len(r.subscribe) > 0 || len(r.unsubscribe) > 0 {
				if err := c.exec(ctx, r); err != nil {
					c.metrics.CountPublishError()
					c.logger.Warn("mqtt request failed", "error", err)
				}
			}
			close(r.done)
		}
	}
}

func (c *Client) execBroker(ctx context.Context, r request) error {
	switch {
	case r.publish != nil:
		_, err := c.cm.Publish(ctx, r.publish)
		return err
	case len(r.subscribe) > 0:
		sub := &paho.Subscribe{}
		for _, t := range r.subscribe {
			sub.Subscriptions = append(sub.Subscriptions, paho.SubscribeOptions{Topic: t, QoS: c.qos()})
		}
		_, err := c.cm.Subscribe(ctx, sub)
		return err
	default:
		_, err := c.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: r.unsubscribe})
		return err
	}
}

func (c *Client) onConnectionUp(_ *autopaho.ConnectionManager, _ *paho.Connack) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("mqtt connected to broker")
	c.metrics.CountConnection()
	c.online = true
	c.subscribed = make(map[string]bool)
	c.device.PublishConfig(true)
	c.syncSubscriptions()
}

func (c *Client) onClientError(err error) {
	c.setOffline()
	c.logger.Warn("mqtt client error", "error", err)
}

func (c *Client) setOffline() {
	c.mu.Lock()
	c.online = false
	c.mu.Unlock()
}

// syncSubscriptions is called with c.mu held.
func (c *Client) syncSubscriptions() {
	want := c.device.SettableProperties()

	var add, remove []string
	for t := range want {
		if !c.subscribed[t] {
			c.subscribed[t] = true
			add = append(add, t)
		}
	}
	for t := range c.subscribed {
		if _, ok := want[t]; !ok {
			delete(c.subscribed, t)
			remove = append(remove, t)
		}
	}
	sort.Strings(add)
	sort.Strings(remove)

	if len(add) > 0 {
		c.enqueue(request{subscribe: add})
	}
	if len(remove) > 0 {
		c.enqueue(request{unsubscribe: remove})
	}
}

func (c *Client) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	topic := pr.Packet.Topic
	p, ok := c.device.SettableProperties()[topic]
	if !ok {
		c.metrics.CountReceived(nil, false)
		c.logger.Debug("mqtt message on topic without settable property", "topic", topic)
		return false, nil
	}
	err := p.Receive(string(pr.Packet.Payload))
	c.metrics.CountReceived(err, true)
	if err != nil {
		c.logger.Warn("mqtt set message rejected", "topic", topic, "error", err)
	}
	return true, nil
}
