package homie

//
// This file contains code to interface with the paho mqtt client.
//

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client connects a Device to an MQTT broker. It publishes the device on
// every (re)connect, subscribes to the set topics of subscribed
// properties, and routes inbound messages to them.
//
// The Client holds a lock around every call into the device tree. Inbound
// messages are delivered under it, and the application makes its own
// changes through Do.
type Client struct {
	cfg     ClientConfig
	device  *Device
	logger  *slog.Logger
	metrics *Metrics
	newPaho func(*mqtt.ClientOptions) mqtt.Client

	mu         sync.Mutex
	client     mqtt.Client
	online     bool
	closed     bool
	subscribed map[string]bool
	last       mqtt.Token
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client's logger. The default is the device's.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics counts messages and connections in m.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for device. Nothing happens until Connect.
func NewClient(device *Device, cfg ClientConfig, opts ...ClientOption) *Client {
	cfg.ApplyDefaults(device.ID())
	c := &Client{
		cfg:        cfg,
		device:     device,
		logger:     device.logger,
		newPaho:    mqtt.NewClient,
		subscribed: make(map[string]bool),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("broker", cfg.Broker)
	return c
}

func (c *Client) clientOptions() *mqtt.ClientOptions {
	o := mqtt.NewClientOptions()
	o.AddBroker(c.cfg.Broker)
	o.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		o.SetUsername(c.cfg.Username)
		o.SetPassword(c.cfg.Password)
	}
	o.SetKeepAlive(c.cfg.KeepAlive)
	o.SetCleanSession(true) // set topics are resubscribed on every connect
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(c.cfg.ConnectRetryInterval)
	o.SetOrderMatters(false)
	o.SetWill(c.device.StateTopic(), StateLost.String(), c.cfg.qos(), true)
	o.SetOnConnectHandler(c.onConnect)
	o.SetConnectionLostHandler(c.onConnectionLost)
	return o
}

// Connect attaches the client to the device and starts connecting. It
// waits for the first connection until ctx is done; paho keeps retrying
// in the background after that. A Client connects once.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.client != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: connect called twice", ErrIllegalState)
	}
	c.client = c.newPaho(c.clientOptions())
	c.device.Attach(c)
	client := c.client
	c.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		c.logger.Warn("mqtt initial connection not up yet, retrying in background", "error", ctx.Err())
		return ctx.Err()
	}
}

// Disconnect publishes the disconnected state, waits until ctx is done
// for it to reach the broker, and closes the connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.client == nil || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: not connected", ErrIllegalState)
	}
	c.closed = true
	c.last = nil
	if err := c.device.SetState(StateDisconnected); err != nil {
		c.mu.Unlock()
		return err
	}
	last := c.last
	client := c.client
	c.device.Attach(nil)
	c.mu.Unlock()

	if last != nil {
		select {
		case <-last.Done():
			if err := last.Error(); err != nil {
				c.logger.Warn("mqtt disconnected state not delivered", "error", err)
			}
		case <-ctx.Done():
			c.logger.Warn("mqtt disconnected state not flushed", "error", ctx.Err())
		}
	}

	client.Disconnect(uint(c.cfg.DisconnectQuiesce.Milliseconds()))
	c.logger.Info("mqtt disconnected")
	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.online
}

// Do runs fn with the device locked. Use it for every Update, Subscribe,
// SetState or AddNode once the client is connected. New subscribers are
// subscribed on the broker when fn returns.
//
// Subscribers already run under the lock and must not call Do.
func (c *Client) Do(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := fn()
	if c.online {
		c.syncSubscriptions(c.client)
	}
	return err
}

// Publish implements Publisher. Delivery is checked on a goroutine.
func (c *Client) Publish(topic []string, payload string, retained bool) {
	t := JoinTopic(topic)
	token := c.client.Publish(t, c.cfg.qos(), retained, payload)
	c.last = token
	c.metrics.published(retained)
	go c.tokenFinalize(token, "publish", t)
}

// Check for publish and subscribe errors. If found, log them.
func (c *Client) tokenFinalize(token mqtt.Token, op, topic string) {
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		c.logger.Debug("mqtt "+op+" not acknowledged in time", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		c.metrics.publishFailed()
		c.logger.Warn("mqtt "+op+" failed", "topic", topic, "error", err)
	}
}

func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("mqtt connected")
	c.metrics.connected()
	c.online = true
	c.subscribed = make(map[string]bool)
	c.device.PublishConfig(true)
	c.syncSubscriptions(client)
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.mu.Lock()
	c.online = false
	c.mu.Unlock()
	c.logger.Warn("mqtt connection lost, reconnection in progress", "error", err)
}

// syncSubscriptions brings the broker subscriptions in line with the
// device's settable properties. Called with c.mu held.
func (c *Client) syncSubscriptions(client mqtt.Client) {
	want := c.device.SettableProperties()

	topics := make([]string, 0, len(want))
	for t := range want {
		if !c.subscribed[t] {
			topics = append(topics, t)
		}
	}
	sort.Strings(topics)
	for _, t := range topics {
		c.subscribed[t] = true
		token := client.Subscribe(t, c.cfg.qos(), c.route)
		go c.tokenFinalize(token, "subscribe", t)
	}

	for t := range c.subscribed {
		if _, ok := want[t]; !ok {
			delete(c.subscribed, t)
			token := client.Unsubscribe(t)
			go c.tokenFinalize(token, "unsubscribe", t)
		}
	}
}

// route delivers an inbound message through the device's settable map.
func (c *Client) route(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	topic := msg.Topic()
	p, ok := c.device.SettableProperties()[topic]
	if !ok {
		c.metrics.received(resultDropped)
		c.logger.Debug("mqtt message on topic without settable property", "topic", topic)
		return
	}
	if err := p.Receive(string(msg.Payload())); err != nil {
		c.metrics.received(resultRejected)
		c.logger.Warn("mqtt set message rejected", "topic", topic, "error", err)
		return
	}
	c.metrics.received(resultOK)
}
