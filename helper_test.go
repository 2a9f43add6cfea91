package homie

// helpers shared by the package tests

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

// message is one captured publish.
type message struct {
	Topic    string
	Payload  string
	Retained bool
}

// recorder is a Publisher that keeps everything published to it.
type recorder struct {
	messages []message
}

func (r *recorder) Publish(topic []string, payload string, retained bool) {
	r.messages = append(r.messages, message{Topic: JoinTopic(topic), Payload: payload, Retained: retained})
}

func (r *recorder) reset() { r.messages = nil }

// last returns the most recent payload published on topic.
func (r *recorder) last(topic string) (string, bool) {
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].Topic == topic {
			return r.messages[i].Payload, true
		}
	}
	return "", false
}

// on returns every message published on topic, oldest first.
func (r *recorder) on(topic string) []message {
	var out []message
	for _, m := range r.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// newTestDevice returns a device with an empty base topic and a recorder
// attached, so topics start with the device id.
func newTestDevice(t *testing.T, id string) (*Device, *recorder) {
	t.Helper()
	d, err := NewDevice(id, "", WithBaseTopic(""))
	require.NoError(t, err)
	rec := &recorder{}
	d.Attach(rec)
	return d, rec
}

// newTestNode adds a node to d and clears the recorder.
func newTestNode(t *testing.T, d *Device, rec *recorder, id string) *Node {
	t.Helper()
	n, err := d.AddNode(id, "test", nil)
	require.NoError(t, err)
	rec.reset()
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
