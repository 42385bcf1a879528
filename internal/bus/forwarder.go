package bus

import (
	"context"
	"log/slog"

	"github.com/example/promptrelay/api-go/internal/broadcast"
	"github.com/example/promptrelay/api-go/internal/model"
)

// Publisher is the subset of Client the forwarder needs.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Forwarder mirrors broadcast events onto the message bus, one subject per
// event type under a common prefix.
type Forwarder struct {
	pub    Publisher
	prefix string
	log    *slog.Logger
}

func NewForwarder(pub Publisher, prefix string, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	return &Forwarder{pub: pub, prefix: prefix, log: log}
}

// Subject returns the subject an event of type t is published on.
func (f *Forwarder) Subject(t model.EventType) string {
	return f.prefix + "." + string(t)
}

// Run attaches to b and forwards events until ctx is done. Publish errors are
// logged and do not stop forwarding.
func (f *Forwarder) Run(ctx context.Context, b *broadcast.Broadcaster) {
	sub := b.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Type == model.EventConnected {
				continue
			}
			subject := f.Subject(ev.Type)
			if err := f.pub.PublishJSON(subject, ev); err != nil {
				f.log.Warn("forward event failed", "subject", subject, "job_id", ev.JobID, "err", err)
			}
		}
	}
}
