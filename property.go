package homie

import (
	"log/slog"
	"strconv"
)

// PropertyKind selects how values of a property are published.
type PropertyKind int

const (
	// KindState properties hold a persistent value (a temperature, a
	// switch). Values are retained and an unchanged value is not
	// republished.
	KindState PropertyKind = iota

	// KindEvent properties are momentary (a door bell). Values are not
	// retained and every update is published.
	KindEvent
)

// PropertyUpdate is a value received from a controller for a property.
type PropertyUpdate[T comparable] struct {
	property *Property[T]
	value    T
}

// Property is the property the value was sent to.
func (u PropertyUpdate[T]) Property() *Property[T] { return u.property }

// Value is the decoded value.
func (u PropertyUpdate[T]) Value() T { return u.value }

// SettableProperty is what the transport needs to route an inbound set
// message.
type SettableProperty interface {
	ID() string
	SetTopic() string
	Receive(payload string) error
}

// Property methods
// None of these are safe for concurrent use; see Client.Do.

// Property is a typed value on a node.
type Property[T comparable] struct {
	id      string
	name    string
	unit    string
	kind    PropertyKind
	codec   codec[T]
	pub     *childPublisher
	logger  *slog.Logger
	handler func(PropertyUpdate[T])

	last      T
	published bool
}

// PropertyOption configures a property when it is added to a node.
type PropertyOption func(*propertyConfig)

type propertyConfig struct {
	name string
	unit string
	kind PropertyKind
}

// WithName sets the friendly name published as $name.
func WithName(name string) PropertyOption {
	return func(c *propertyConfig) { c.name = name }
}

// WithUnit sets $unit.
func WithUnit(unit string) PropertyOption {
	return func(c *propertyConfig) { c.unit = unit }
}

// AsEvent makes the property a KindEvent property.
func AsEvent() PropertyOption {
	return func(c *propertyConfig) { c.kind = KindEvent }
}

func newProperty[T comparable](id string, c codec[T], parent topicPublisher, logger *slog.Logger, opts []PropertyOption) *Property[T] {
	var cfg propertyConfig
	for _, o := range opts {
		o(&cfg)
	}

	p := &Property[T]{
		id:     id,
		name:   cfg.name,
		unit:   cfg.unit,
		kind:   cfg.kind,
		codec:  c,
		pub:    newChildPublisher(parent, id),
		logger: logger.With("property", id),
	}
	if p.unit != "" && !propertyUnits[p.unit] {
		p.logger.Debug("non-standard unit", "unit", p.unit)
	}
	return p
}

func (p *Property[T]) ID() string   { return p.id }
func (p *Property[T]) Name() string { return p.name }
func (p *Property[T]) Unit() string { return p.unit }

// Datatype is the property's $datatype.
func (p *Property[T]) Datatype() Datatype { return p.codec.datatype() }

// Format is the property's $format, empty when there is none.
func (p *Property[T]) Format() string { return p.codec.format() }

// Retained reports whether values are published retained.
func (p *Property[T]) Retained() bool { return p.kind == KindState }

// Settable reports whether a subscriber is registered.
func (p *Property[T]) Settable() bool { return p.handler != nil }

// Topic is the full topic values are published on.
func (p *Property[T]) Topic() string { return JoinTopic(p.pub.topic()) }

// SetTopic is the full topic controllers publish new values to.
func (p *Property[T]) SetTopic() string { return JoinTopic(p.pub.topic("set")) }

// Value returns the last published value.
func (p *Property[T]) Value() (T, bool) { return p.last, p.published }

// Update publishes a new value. State properties skip the publish when
// the value equals the last one published.
func (p *Property[T]) Update(v T) error {
	if err := p.codec.check(v); err != nil {
		return err
	}
	if p.kind == KindEvent || !p.published || v != p.last {
		p.pub.publish(nil, p.codec.encode(v), p.Retained())
		p.last = v
		p.published = true
	}
	return nil
}

// Subscribe registers the handler for values sent by controllers,
// replacing any previous one, and republishes $settable. A nil handler
// makes the property read-only again.
func (p *Property[T]) Subscribe(handler func(PropertyUpdate[T])) {
	p.handler = handler
	p.publishSettable()
}

// Receive decodes a payload from the set topic and hands it to the
// subscriber. Without a subscriber the message is dropped undecoded.
func (p *Property[T]) Receive(payload string) error {
	if p.handler == nil {
		p.logger.Debug("message for property without subscriber dropped", "payload", payload)
		return nil
	}
	v, err := p.codec.decode(payload)
	if err != nil {
		return err
	}
	if err := p.codec.check(v); err != nil {
		return err
	}
	p.handler(PropertyUpdate[T]{property: p, value: v})
	return nil
}

func (p *Property[T]) publishConfig() {
	if p.name != "" {
		publishAttr(p.pub, "name", p.name)
	}
	p.publishSettable()
	publishAttr(p.pub, "retained", strconv.FormatBool(p.Retained()))
	if p.unit != "" {
		publishAttr(p.pub, "unit", p.unit)
	}
	publishAttr(p.pub, "datatype", p.Datatype().String())
	if f := p.Format(); f != "" {
		publishAttr(p.pub, "format", f)
	}
}

func (p *Property[T]) publishSettable() {
	publishAttr(p.pub, "settable", strconv.FormatBool(p.Settable()))
}
