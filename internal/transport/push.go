package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/channel"
	"github.com/dgnsrekt/synchromesh/internal/config"
	"github.com/dgnsrekt/synchromesh/internal/outbox"
)

// Push publishes through a managed pub/sub relay. Messages are queued and
// sent by a fixed set of workers; every channel is pinned to one worker so
// its messages leave in sequence order.
type Push struct {
	naming
	client  *PusherClient
	breaker *gobreaker.CircuitBreaker
	queues  []chan pushJob
	key     string
	cluster string
	host    string
	logger  *zap.Logger
}

var _ Adapter = (*Push)(nil)

type pushJob struct {
	channel  string
	event    string
	data     []byte
	sequence uint64
}

// NewPush creates the adapter. Relay channels are private channels named
// private-<prefix>-<channel>.
func NewPush(client *PusherClient, prefix string, cfg config.RelayConfig, logger *zap.Logger) *Push {
	relayPrefix := "private"
	if prefix != "" {
		relayPrefix += "-" + prefix
	}
	workers := max(cfg.Workers, 1)
	queueSize := max(cfg.QueueSize, 1)
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	p := &Push{
		naming:  naming{prefix: relayPrefix},
		client:  client,
		queues:  make([]chan pushJob, workers),
		key:     cfg.Key,
		cluster: cfg.Cluster,
		host:    cfg.Host,
		logger:  logger,
	}
	for i := range p.queues {
		p.queues[i] = make(chan pushJob, queueSize)
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "relay",
		MaxRequests: 1,
		Timeout:     cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("relay circuit breaker changed state",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return p
}

func (p *Push) Kind() Kind { return ManagedPush }

func (p *Push) queueFor(name string) chan pushJob {
	h := fnv.New32a()
	h.Write([]byte(name))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

// Notify queues msg for delivery. It fails fast when the relay is known to
// be down or the channel's queue is full.
func (p *Push) Notify(ctx context.Context, msg outbox.Message) error {
	if p.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: circuit open", ErrTransportUnavailable)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	job := pushJob{
		channel:  p.RelayChannel(msg.Channel),
		event:    string(msg.Operation),
		data:     data,
		sequence: msg.Sequence,
	}
	select {
	case p.queueFor(job.channel) <- job:
		return nil
	default:
		return fmt.Errorf("%w: queue full for %s", ErrTransportUnavailable, job.channel)
	}
}

// Run starts the workers and blocks until ctx is cancelled. Jobs still queued
// at that point are dropped; their messages stay in the outbox.
func (p *Push) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i, jobs := range p.queues {
		wg.Add(1)
		go func(workerID int, jobs <-chan pushJob) {
			defer wg.Done()
			p.worker(ctx, workerID, jobs)
		}(i, jobs)
	}
	wg.Wait()

	dropped := 0
	for _, q := range p.queues {
		dropped += len(q)
	}
	if dropped > 0 {
		p.logger.Warn("relay workers stopped with queued messages", zap.Int("dropped", dropped))
	}
	return nil
}

func (p *Push) worker(ctx context.Context, id int, jobs <-chan pushJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-jobs:
			p.deliver(ctx, id, job)
		}
	}
}

func (p *Push) deliver(ctx context.Context, workerID int, job pushJob) {
	start := time.Now()
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.client.Trigger(ctx, job.channel, job.event, job.data)
	})
	if err != nil {
		p.logger.Warn("relay delivery failed",
			zap.Int("worker", workerID),
			zap.String("channel", job.channel),
			zap.Uint64("sequence", job.sequence),
			zap.Error(fmt.Errorf("%w: %w", ErrTransportUnavailable, err)),
		)
		return
	}
	p.logger.Debug("relay delivery done",
		zap.Int("worker", workerID),
		zap.String("channel", job.channel),
		zap.Uint64("sequence", job.sequence),
		zap.Duration("took", time.Since(start)),
	)
}

func (p *Push) ConnectInfo(ctx context.Context, ch channel.Channel, clientID, rootPath string) (Descriptor, error) {
	return Descriptor{
		Transport:    ManagedPush,
		Channel:      p.RelayChannel(ch),
		ClientID:     clientID,
		Key:          p.key,
		Cluster:      p.cluster,
		Host:         p.host,
		AuthEndpoint: joinPath(rootPath, "synchromesh-pusher-auth"),
	}, nil
}

// RelayAuthenticate signs the private channel subscription of socketID.
func (p *Push) RelayAuthenticate(ctx context.Context, ch channel.Channel, socketID string) (RelayAuth, error) {
	if socketID == "" {
		return RelayAuth{}, ErrMissingSubject
	}
	return RelayAuth{Auth: p.client.AuthenticatePrivate(p.RelayChannel(ch), socketID)}, nil
}

func (p *Push) Close() error { return nil }
