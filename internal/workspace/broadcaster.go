package workspace

import (
	"go.uber.org/zap"

	"github.com/christopherjohns/metaworkspace/internal/observability"
	"github.com/christopherjohns/metaworkspace/internal/presence"
	"github.com/christopherjohns/metaworkspace/internal/protocol"
)

// Transport delivers encoded frames to live connections. Send must not
// block: it queues the frame and reports false when the connection is gone
// or cannot take more. Frames sent to one connection arrive in Send order.
type Transport interface {
	Send(connID string, frame []byte) bool
	Connections() []string
	Close(connID, reason string)
}

type targetKind int

const (
	targetConn targetKind = iota
	targetRoom
	targetAll
)

// Target selects the connections an event goes to.
type Target struct {
	kind    targetKind
	id      string
	exclude string
}

// ToConn targets a single connection.
func ToConn(connID string) Target {
	return Target{kind: targetConn, id: connID}
}

// ToRoom targets every member of roomID except exclude.
func ToRoom(roomID, exclude string) Target {
	return Target{kind: targetRoom, id: roomID, exclude: exclude}
}

// ToAll targets every open connection except exclude, joined or not.
func ToAll(exclude string) Target {
	return Target{kind: targetAll, exclude: exclude}
}

// Broadcaster resolves targets against the registry and hands frames to the
// transport. Delivery is best effort: a frame for a connection that is gone
// or too slow is dropped and counted, never retried.
type Broadcaster struct {
	transport Transport
	registry  *presence.Registry
	log       *zap.Logger
	metrics   *observability.Metrics
}

// NewBroadcaster creates a Broadcaster. metrics may be nil.
func NewBroadcaster(transport Transport, registry *presence.Registry, log *zap.Logger, metrics *observability.Metrics) *Broadcaster {
	return &Broadcaster{
		transport: transport,
		registry:  registry,
		log:       log,
		metrics:   metrics,
	}
}

func (b *Broadcaster) resolve(t Target) []string {
	var ids []string
	switch t.kind {
	case targetConn:
		return []string{t.id}
	case targetRoom:
		ids = b.registry.MembersOf(t.id)
	case targetAll:
		ids = b.transport.Connections()
	}
	if t.exclude == "" {
		return ids
	}
	out := ids[:0]
	for _, id := range ids {
		if id != t.exclude {
			out = append(out, id)
		}
	}
	return out
}

// Send encodes evt once and delivers it to every connection in target.
// It returns the number of connections that accepted the frame.
func (b *Broadcaster) Send(target Target, evt protocol.Outbound) int {
	frame, err := protocol.Encode(evt)
	if err != nil {
		b.log.Error("encode outbound event", zap.String("event", evt.EventName()), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, id := range b.resolve(target) {
		if b.transport.Send(id, frame) {
			delivered++
			continue
		}
		b.log.Debug("delivery dropped", zap.String("conn", id), zap.String("event", evt.EventName()))
		if b.metrics != nil {
			b.metrics.DeliveriesDropped.Inc()
		}
	}
	if b.metrics != nil && delivered > 0 {
		b.metrics.EventsSent.WithLabelValues(evt.EventName()).Add(float64(delivered))
	}
	return delivered
}
