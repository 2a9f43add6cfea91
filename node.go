package homie

import (
	"fmt"
	"log/slog"
	"strings"
)

// Node methods

// PropertyInfo is the untyped view of a property, as held by its node.
type PropertyInfo interface {
	SettableProperty
	Name() string
	Unit() string
	Datatype() Datatype
	Format() string
	Settable() bool
	Retained() bool
	Topic() string
}

type nodeProperty interface {
	PropertyInfo
	publishConfig()
}

// Node is an independent part of a device, for example the engine of a car.
type Node struct {
	id         string
	name       string
	nType      string
	pub        *childPublisher
	logger     *slog.Logger
	properties map[string]nodeProperty
	order      []string

	// attached is set once the device has stored the node. Until then
	// nothing about the node is published.
	attached bool
}

// NodeOption configures a node when it is added to a device.
type NodeOption func(*Node)

// WithNodeName sets the node's $name. The default is the id.
func WithNodeName(name string) NodeOption {
	return func(n *Node) { n.name = name }
}

func newNode(id, nType string, parent topicPublisher, logger *slog.Logger, opts []NodeOption) *Node {
	n := &Node{
		id:         id,
		name:       id,
		nType:      nType,
		pub:        newChildPublisher(parent, id),
		logger:     logger.With("node", id),
		properties: make(map[string]nodeProperty),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

func (n *Node) ID() string   { return n.id }
func (n *Node) Name() string { return n.name }
func (n *Node) Type() string { return n.nType }

// Properties returns the property ids in the order they were added.
func (n *Node) Properties() []string {
	return append([]string(nil), n.order...)
}

// Property looks up a property by id.
func (n *Node) Property(id string) (PropertyInfo, bool) {
	p, ok := n.properties[id]
	return p, ok
}

// addProperty stores a new property and republishes $properties once the
// node belongs to its device. On error the node is unchanged.
func addProperty[T comparable](n *Node, id string, c codec[T], opts []PropertyOption) (*Property[T], error) {
	if err := validate(id); err != nil {
		return nil, fmt.Errorf("property: %w", err)
	}
	if _, ok := n.properties[id]; ok {
		return nil, fmt.Errorf("%w: node %s already has a property %s", ErrDuplicateID, n.id, id)
	}

	p := newProperty(id, c, n.pub, n.logger, opts)
	n.properties[id] = p
	n.order = append(n.order, id)
	if n.attached {
		n.publishProperties()
	}
	return p, nil
}

// String adds a string property.
func (n *Node) String(id string, opts ...PropertyOption) (*Property[string], error) {
	return addProperty[string](n, id, stringCodec{}, opts)
}

// Integer adds an integer property without a range.
func (n *Node) Integer(id string, opts ...PropertyOption) (*Property[int64], error) {
	return addProperty[int64](n, id, integerCodec(nil), opts)
}

// IntegerRange adds an integer property limited to min:max inclusive.
func (n *Node) IntegerRange(id string, min, max int64, opts ...PropertyOption) (*Property[int64], error) {
	if min > max {
		return nil, fmt.Errorf("%w: empty range %d:%d", ErrOutOfRange, min, max)
	}
	return addProperty[int64](n, id, integerCodec(&valueRange[int64]{Min: min, Max: max}), opts)
}

// Float adds a float property without a range.
func (n *Node) Float(id string, opts ...PropertyOption) (*Property[float64], error) {
	return addProperty[float64](n, id, floatCodec(nil), opts)
}

// FloatRange adds a float property limited to min:max inclusive.
func (n *Node) FloatRange(id string, min, max float64, opts ...PropertyOption) (*Property[float64], error) {
	if !finite(min) || !finite(max) || min > max {
		return nil, fmt.Errorf("%w: bad range %v:%v", ErrOutOfRange, min, max)
	}
	return addProperty[float64](n, id, floatCodec(&valueRange[float64]{Min: min, Max: max}), opts)
}

// Boolean adds a boolean property.
func (n *Node) Boolean(id string, opts ...PropertyOption) (*Property[bool], error) {
	return addProperty[bool](n, id, boolCodec{}, opts)
}

// RGB adds a color property in the rgb model.
func (n *Node) RGB(id string, opts ...PropertyOption) (*Property[RGB], error) {
	return addProperty[RGB](n, id, rgbCodec{}, opts)
}

// HSV adds a color property in the hsv model.
func (n *Node) HSV(id string, opts ...PropertyOption) (*Property[HSV], error) {
	return addProperty[HSV](n, id, hsvCodec{}, opts)
}

// StringEnum adds an enum property whose values are the member names.
func (n *Node) StringEnum(id string, members []string, opts ...PropertyOption) (*Property[string], error) {
	lookup := make(map[string]string, len(members))
	for _, m := range members {
		lookup[m] = m
	}
	return Enum(n, id, members, lookup, opts...)
}

// Enum adds an enum property. members is the ordered list published as
// $format and lookup maps every member name to its value.
func Enum[E comparable](n *Node, id string, members []string, lookup map[string]E, opts ...PropertyOption) (*Property[E], error) {
	c, err := newEnumCodec(members, lookup)
	if err != nil {
		return nil, err
	}
	return addProperty[E](n, id, c, opts)
}

// EnumOf adds an enum property whose members are the String() forms of
// values, in order.
func EnumOf[E interface {
	comparable
	fmt.Stringer
}](n *Node, id string, values []E, opts ...PropertyOption) (*Property[E], error) {
	members := make([]string, 0, len(values))
	lookup := make(map[string]E, len(values))
	for _, v := range values {
		members = append(members, v.String())
		lookup[v.String()] = v
	}
	return Enum(n, id, members, lookup, opts...)
}

// PublishConfig publishes $name, $type and $properties, and with
// includeProperties every property's attributes in the order they were
// added.
func (n *Node) PublishConfig(includeProperties bool) {
	publishAttr(n.pub, "name", n.name)
	publishAttr(n.pub, "type", n.nType)
	n.publishProperties()
	if includeProperties {
		for _, id := range n.order {
			n.properties[id].publishConfig()
		}
	}
}

func (n *Node) publishProperties() {
	publishAttr(n.pub, "properties", strings.Join(n.order, ","))
}
