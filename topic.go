package homie

import "log/slog"

// topicPublisher composes topic paths and passes publishes up the
// Device -> Node -> Property chain. Only the root talks to a transport.
type topicPublisher interface {
	topic(segments ...string) []string
	publish(segments []string, payload string, retained bool)
}

// rootPublisher sits at the Device. Publishes made before a transport is
// attached are dropped so the tree can be built offline.
type rootPublisher struct {
	prefix    []string
	transport Publisher
	logger    *slog.Logger
}

func newRootPublisher(prefix []string, logger *slog.Logger) *rootPublisher {
	return &rootPublisher{prefix: prefix, logger: logger}
}

func (r *rootPublisher) topic(segments ...string) []string {
	t := make([]string, 0, len(r.prefix)+len(segments))
	t = append(t, r.prefix...)
	return append(t, segments...)
}

func (r *rootPublisher) publish(segments []string, payload string, retained bool) {
	t := r.topic(segments...)
	if r.transport == nil {
		r.logger.Debug("no transport attached, publish dropped", "topic", JoinTopic(t))
		return
	}
	r.transport.Publish(t, payload, retained)
}

// childPublisher prepends its own segment and delegates to its parent.
type childPublisher struct {
	parent  topicPublisher
	segment string
}

func newChildPublisher(parent topicPublisher, segment string) *childPublisher {
	return &childPublisher{parent: parent, segment: segment}
}

func (c *childPublisher) topic(segments ...string) []string {
	return c.parent.topic(c.prepend(segments)...)
}

func (c *childPublisher) publish(segments []string, payload string, retained bool) {
	c.parent.publish(c.prepend(segments), payload, retained)
}

func (c *childPublisher) prepend(segments []string) []string {
	s := make([]string, 0, len(segments)+1)
	s = append(s, c.segment)
	return append(s, segments...)
}

// publishAttr publishes a retained `$` attribute.
func publishAttr(p topicPublisher, name, payload string) {
	p.publish([]string{attr(name)}, payload, true)
}
