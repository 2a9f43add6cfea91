// Package homie implements the device side of the Homie MQTT convention.
//
// A Device owns Nodes, a Node owns Properties. Each level composes its
// part of the topic path and publishes its own `$` attributes through a
// chain of publishers that ends at the Device. The Device forwards to an
// attached Publisher, normally the MQTT Client in this package.
//
// Nothing in Device, Node or Property is safe for concurrent use. The
// transport serializes access, see Client.Do.
package homie

import "strings"

const (
	// HomieVersion is the convention level published as $homie.
	HomieVersion = "3.0.1"

	// Implementation is published as $implementation.
	Implementation = "homieGo"

	mqttClientIDPrefix = "homieGo"
	defaultTopicBase   = "homie"
)

// Datatype is the Homie $datatype of a property.
type Datatype int

// These are the allowed Property data types
const (
	DtString Datatype = iota
	DtInteger
	DtFloat
	DtBoolean
	DtEnum
	DtColor
)

func (dt Datatype) String() string {
	switch dt {
	case DtString:
		return "string"
	case DtInteger:
		return "integer"
	case DtFloat:
		return "float"
	case DtBoolean:
		return "boolean"
	case DtEnum:
		return "enum"
	case DtColor:
		return "color"
	}
	return "unknown"
}

// These are the recommended Property units.  Units are optional and
// others are allowed.
var propertyUnits = map[string]bool{
	"°C":  true, // degrees C
	"°F":  true, // degrees F
	"°":   true, // degrees (angle)
	"L":   true, // liters
	"gal": true, // gallons
	"V":   true, // volts
	"W":   true, // watts
	"A":   true, // amps
	"%":   true, // percentage
	"m":   true, // meters
	"ft":  true, // feet
	"Pa":  true, // pascal
	"psi": true, // PSI
	"#":   true, // count or amount
}

// Publisher is the outbound side of the transport. Publish is fire and
// forget; topic is the ordered list of path segments.
type Publisher interface {
	Publish(topic []string, payload string, retained bool)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(topic []string, payload string, retained bool)

func (f PublisherFunc) Publish(topic []string, payload string, retained bool) {
	f(topic, payload, retained)
}

// attr turns a name into a Homie attribute segment.
func attr(name string) string {
	return "$" + name
}

// JoinTopic joins topic segments with '/'.
func JoinTopic(segments []string) string {
	return strings.Join(segments, "/")
}
