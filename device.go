package homie

import (
	"fmt"
	"log/slog"
	"strings"
)

// State is the lifecycle state of a device, published as $state.
type State int

const (
	StateInit State = iota
	StateReady
	StateDisconnected
	StateSleeping
	StateLost
	StateAlert
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateSleeping:
		return "sleeping"
	case StateLost:
		return "lost"
	case StateAlert:
		return "alert"
	}
	return "unknown"
}

// Device is the root of the tree. It is created once by the application
// and lives for the whole process.
type Device struct {
	id        string
	name      string
	state     State
	topicBase string
	root      *rootPublisher
	logger    *slog.Logger
	nodes     map[string]*Node
	order     []string
}

// DeviceOption configures a Device.
type DeviceOption func(*Device)

// WithBaseTopic sets the topic prefix, "homie" by default. An empty base
// makes the device id the first topic segment.
func WithBaseTopic(base string) DeviceOption {
	return func(d *Device) { d.topicBase = strings.Trim(base, "/") }
}

// WithLogger sets the logger used by the device and everything under it.
func WithLogger(logger *slog.Logger) DeviceOption {
	return func(d *Device) { d.logger = logger }
}

// NewDevice creates a device in the init state. name defaults to id when
// empty.
func NewDevice(id, name string, opts ...DeviceOption) (*Device, error) {
	if err := validate(id); err != nil {
		return nil, fmt.Errorf("device: %w", err)
	}
	if name == "" {
		name = id
	}

	d := &Device{
		id:        id,
		name:      name,
		state:     StateInit,
		topicBase: defaultTopicBase,
		logger:    slog.Default(),
		nodes:     make(map[string]*Node),
	}
	for _, o := range opts {
		o(d)
	}
	d.logger = d.logger.With("device", id)

	var prefix []string
	if d.topicBase != "" {
		prefix = strings.Split(d.topicBase, "/")
	}
	d.root = newRootPublisher(append(prefix, id), d.logger)

	return d, nil
}

func (d *Device) ID() string        { return d.id }
func (d *Device) Name() string      { return d.name }
func (d *Device) State() State      { return d.state }
func (d *Device) BaseTopic() string { return d.topicBase }

// Attach sets the transport publishes are forwarded to. Until then they
// are dropped.
func (d *Device) Attach(p Publisher) {
	d.root.transport = p
}

// StateTopic is the full $state topic, used for the last will.
func (d *Device) StateTopic() string {
	return JoinTopic(d.root.topic(attr("state")))
}

// SetState changes the state and publishes it. Only ready, disconnected,
// sleeping and alert may be set; init is the initial state and lost is
// left to the broker's last will.
func (d *Device) SetState(s State) error {
	switch s {
	case StateReady, StateDisconnected, StateSleeping, StateAlert:
	default:
		return fmt.Errorf("%w: device state %s cannot be set", ErrIllegalState, s)
	}
	d.state = s
	d.publishState()
	return nil
}

// Nodes returns the node ids in the order they were added.
func (d *Device) Nodes() []string {
	return append([]string(nil), d.order...)
}

// Node looks up a node by id.
func (d *Device) Node(id string) (*Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// AddNode creates a node, runs build against it to add properties, and
// stores it. If build fails or the id is taken the device is unchanged.
func (d *Device) AddNode(id, nType string, build func(n *Node) error, opts ...NodeOption) (*Node, error) {
	n, err := d.addNode(id, nType, opts, func(n *Node) error {
		if build == nil {
			return nil
		}
		return build(n)
	})
	if err != nil {
		return nil, err
	}
	d.publishNodes()
	return n, nil
}

// AddNodes creates count nodes with ids prefix-1 to prefix-count. build is
// called with each node and its index. Nodes added before an error are
// kept.
func (d *Device) AddNodes(prefix, nType string, count int, build func(n *Node, index int) error, opts ...NodeOption) ([]*Node, error) {
	nodes := make([]*Node, 0, count)
	var err error
	for i := 1; i <= count; i++ {
		index := i
		var n *Node
		n, err = d.addNode(fmt.Sprintf("%s-%d", prefix, index), nType, opts, func(n *Node) error {
			if build == nil {
				return nil
			}
			return build(n, index)
		})
		if err != nil {
			break
		}
		nodes = append(nodes, n)
	}
	if len(nodes) > 0 {
		d.publishNodes()
	}
	return nodes, err
}

func (d *Device) addNode(id, nType string, opts []NodeOption, build func(*Node) error) (*Node, error) {
	if err := validate(id); err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	if _, ok := d.nodes[id]; ok {
		return nil, fmt.Errorf("%w: device %s already has a node %s", ErrDuplicateID, d.id, id)
	}

	n := newNode(id, nType, d.root, d.logger, opts)
	if err := build(n); err != nil {
		return nil, fmt.Errorf("node %s: %w", id, err)
	}
	d.nodes[id] = n
	d.order = append(d.order, id)
	n.attached = true
	if len(n.order) > 0 {
		n.publishProperties()
	}
	return n, nil
}

// Publish everything about this device.
// The transport calls this on connection to (and reconnection to) the
// broker. $state goes first so controllers see init while the rest is
// announced.
func (d *Device) PublishConfig(includeNodes bool) {
	d.publishState()
	publishAttr(d.root, "homie", HomieVersion)
	publishAttr(d.root, "name", d.name)
	publishAttr(d.root, "implementation", Implementation)
	d.publishNodes()
	if includeNodes {
		for _, id := range d.order {
			d.nodes[id].PublishConfig(true)
		}
	}
}

// SettableProperties maps each set topic to its property, for every
// property with a subscriber. It is rebuilt on each call.
func (d *Device) SettableProperties() map[string]SettableProperty {
	m := make(map[string]SettableProperty)
	for _, nid := range d.order {
		n := d.nodes[nid]
		for _, pid := range n.order {
			if p := n.properties[pid]; p.Settable() {
				m[p.SetTopic()] = p
			}
		}
	}
	return m
}

func (d *Device) publishState() {
	publishAttr(d.root, "state", d.state.String())
}

func (d *Device) publishNodes() {
	publishAttr(d.root, "nodes", strings.Join(d.order, ","))
}
