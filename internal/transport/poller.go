package transport

import (
	"context"
	"time"

	"github.com/dgnsrekt/synchromesh/internal/channel"
	"github.com/dgnsrekt/synchromesh/internal/outbox"
)

// Poller delivers nothing itself: clients read the outbox on their own
// schedule.
type Poller struct {
	naming
	interval time.Duration
}

var _ Adapter = (*Poller)(nil)

func NewPoller(prefix string, interval time.Duration) *Poller {
	return &Poller{naming: naming{prefix: prefix}, interval: interval}
}

func (p *Poller) Kind() Kind { return SimplePoller }

func (p *Poller) Notify(ctx context.Context, msg outbox.Message) error { return nil }

func (p *Poller) ConnectInfo(ctx context.Context, ch channel.Channel, clientID, rootPath string) (Descriptor, error) {
	return Descriptor{
		Transport:          SimplePoller,
		SecondsBetweenPoll: p.interval.Seconds(),
	}, nil
}

func (p *Poller) RelayAuthenticate(ctx context.Context, ch channel.Channel, subject string) (RelayAuth, error) {
	return RelayAuth{}, ErrUnsupported
}

func (p *Poller) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (p *Poller) Close() error { return nil }
