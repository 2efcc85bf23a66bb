// Package broadcast is the entry point of the change-notification core. It
// stores change events in channel outboxes, hands them to the active
// transport and serves the subscribe, read and handshake operations.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/auth"
	"github.com/dgnsrekt/synchromesh/internal/channel"
	"github.com/dgnsrekt/synchromesh/internal/outbox"
	"github.com/dgnsrekt/synchromesh/internal/registry"
	"github.com/dgnsrekt/synchromesh/internal/transport"
)

// Options tunes housekeeping. Zero values fall back to defaults.
type Options struct {
	// IdleTimeout evicts connections not seen for this long.
	IdleTimeout time.Duration

	// SweepInterval is how often eviction and pruning run.
	SweepInterval time.Duration

	// ReplayWindow is how long an inbound (salt, broadcast id) pair is
	// remembered. It should be at least the token ttl.
	ReplayWindow time.Duration

	ReplayLimit int
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 10 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.ReplayWindow <= 0 {
		o.ReplayWindow = 10 * time.Minute
	}
	if o.ReplayLimit <= 0 {
		o.ReplayLimit = 100_000
	}
	return o
}

// Dispatcher wires the outbox, registry, transport, policy and token
// service together. It is safe for concurrent use.
type Dispatcher struct {
	outbox    outbox.Outbox
	registry  registry.Registry
	transport transport.Adapter
	policy    *channel.Policy
	tokens    *auth.Service
	replay    *auth.ReplayGuard
	opts      Options
	now       func() time.Time
	logger    *zap.Logger
}

func New(ob outbox.Outbox, reg registry.Registry, tr transport.Adapter, policy *channel.Policy, tokens *auth.Service, opts Options, logger *zap.Logger) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{
		outbox:    ob,
		registry:  reg,
		transport: tr,
		policy:    policy,
		tokens:    tokens,
		replay:    auth.NewReplayGuard(opts.ReplayWindow, opts.ReplayLimit),
		opts:      opts,
		now:       time.Now,
		logger:    logger,
	}
	if src, ok := tr.(transport.InboundSource); ok {
		src.SetInboundHandler(d.AcceptInboundUpdate)
	}
	if rf, ok := tr.(transport.RecipientFilter); ok {
		rf.SetPayloadFilter(d.filter)
	}
	return d
}

// Transport returns the active adapter.
func (d *Dispatcher) Transport() transport.Adapter { return d.transport }

// Tokens returns the token service.
func (d *Dispatcher) Tokens() *auth.Service { return d.tokens }

// Publish stores a change on the channel named by desc and notifies the
// transport. A transport failure is logged and does not fail the call;
// a storage failure does.
func (d *Dispatcher) Publish(ctx context.Context, desc channel.Descriptor, op outbox.Operation, change Change) (outbox.Message, error) {
	ch, err := channel.Normalize(desc)
	if err != nil {
		return outbox.Message{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if change.Class == "" {
		return outbox.Message{}, fmt.Errorf("%w: change has no class", ErrMalformedRequest)
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return outbox.Message{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return d.publish(ctx, outbox.Entry{Channel: ch, Operation: op, Payload: payload})
}

func (d *Dispatcher) publish(ctx context.Context, e outbox.Entry) (outbox.Message, error) {
	msg, err := d.outbox.Append(ctx, e)
	switch {
	case errors.Is(err, outbox.ErrDuplicate):
		d.logger.Debug("duplicate broadcast ignored",
			zap.String("channel", e.Channel.String()),
			zap.String("broadcastID", e.BroadcastID),
		)
		return msg, nil
	case errors.Is(err, outbox.ErrInvalidOperation), errors.Is(err, channel.ErrInvalidChannel):
		return outbox.Message{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	case err != nil:
		return outbox.Message{}, err
	}

	if err := d.transport.Notify(ctx, msg); err != nil {
		d.logger.Warn("transport notify failed",
			zap.String("channel", msg.Channel.String()),
			zap.Uint64("sequence", msg.Sequence),
			zap.Error(err),
		)
	}
	d.logger.Debug("published",
		zap.String("channel", msg.Channel.String()),
		zap.Uint64("sequence", msg.Sequence),
		zap.String("operation", string(msg.Operation)),
	)
	return msg, nil
}

// AcceptInboundUpdate stores an update forwarded by a relay once its
// authorization verifies against (salt, channel, broadcast id) and the policy
// lets the sending user perform the operation. A rejected update changes
// nothing.
func (d *Dispatcher) AcceptInboundUpdate(ctx context.Context, in transport.Inbound) (outbox.Message, error) {
	if in.Salt == "" || in.BroadcastID == "" || in.Authorization == "" {
		return outbox.Message{}, ErrUnauthorized
	}
	ch, err := channel.Parse(in.Channel.String())
	if err != nil {
		return outbox.Message{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if err := d.tokens.CheckSalt(in.Salt); err != nil {
		d.logger.Debug("inbound update refused", zap.String("channel", ch.String()), zap.Error(err))
		return outbox.Message{}, ErrUnauthorized
	}
	if !d.tokens.Verify(in.Salt, ch.String(), in.BroadcastID, in.Authorization) {
		d.logger.Debug("inbound update refused: bad authorization",
			zap.String("channel", ch.String()),
			zap.String("authorization", mask(in.Authorization)),
		)
		return outbox.Message{}, ErrUnauthorized
	}

	key := ch.String() + "\x00" + in.Salt + "\x00" + in.BroadcastID
	if err := d.replay.Claim(key); err != nil {
		d.logger.Debug("inbound update refused", zap.String("channel", ch.String()), zap.Error(err))
		return outbox.Message{}, ErrUnauthorized
	}

	op, err := outbox.ParseOperation(string(in.Operation))
	if err != nil {
		d.replay.Release(key)
		return outbox.Message{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	change, err := decodeChange(in.Payload)
	if err != nil {
		d.replay.Release(key)
		return outbox.Message{}, err
	}
	// Operation names double as policy actions.
	if dec := d.policy.ActionPermitted(ctx, change.model(), channel.Action(op), in.User); dec != channel.Allowed {
		d.replay.Release(key)
		d.logger.Debug("inbound update refused by policy",
			zap.String("channel", ch.String()),
			zap.String("user", in.User.ID),
			zap.String("operation", string(op)),
			zap.Stringer("decision", dec),
		)
		return outbox.Message{}, ErrUnauthorized
	}

	msg, err := d.publish(ctx, outbox.Entry{
		Channel:     ch,
		Operation:   op,
		Payload:     in.Payload,
		BroadcastID: in.BroadcastID,
	})
	if err != nil {
		d.replay.Release(key)
		return outbox.Message{}, err
	}
	return msg, nil
}

// SubscribeRequest is the input of Subscribe.
type SubscribeRequest struct {
	ClientID  string
	Channel   string
	User      channel.User
	SessionID string
	RootPath  string
}

// Subscribe registers the client on the channel after the policy allows it.
// A new subscription starts at the channel head, so it only sees changes
// published afterwards. Re-subscribing keeps the stored cursor.
func (d *Dispatcher) Subscribe(ctx context.Context, req SubscribeRequest) (registry.Connection, error) {
	if req.ClientID == "" {
		return registry.Connection{}, fmt.Errorf("%w: client id is required", ErrMalformedRequest)
	}
	ch, err := channel.Parse(req.Channel)
	if err != nil {
		return registry.Connection{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if d.policy.ConnectionAllowed(ctx, req.User, ch) != channel.Allowed {
		return registry.Connection{}, ErrUnauthorized
	}

	head, err := d.outbox.Head(ctx, ch)
	if err != nil {
		return registry.Connection{}, fmt.Errorf("reading head of %s: %w", ch, err)
	}
	conn, err := d.registry.Subscribe(ctx, registry.Connection{
		ClientID:  req.ClientID,
		Channel:   ch,
		RootPath:  req.RootPath,
		SessionID: req.SessionID,
		UserID:    req.User.ID,
		Cursor:    head,
	})
	if err != nil {
		return registry.Connection{}, fmt.Errorf("subscribing %s to %s: %w", req.ClientID, ch, err)
	}
	return conn, nil
}

// Unsubscribe removes the client from the channel.
func (d *Dispatcher) Unsubscribe(ctx context.Context, clientID, name string) error {
	ch, err := channel.Parse(name)
	if err != nil || clientID == "" {
		return fmt.Errorf("%w: client id and channel are required", ErrMalformedRequest)
	}
	return d.registry.Unsubscribe(ctx, clientID, ch)
}

// Read returns everything pending for the client across the channels its
// session is subscribed to under rootPath, and advances the cursors past it.
// An empty rootPath matches every subscription of the client.
func (d *Dispatcher) Read(ctx context.Context, clientID, sessionID string, user channel.User, rootPath string) ([]Delivery, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client id is required", ErrMalformedRequest)
	}
	conns, err := d.registry.Connections(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("listing connections of %s: %w", clientID, err)
	}
	entitled, err := d.registry.ChannelsFor(ctx, sessionID, user)
	if err != nil {
		return nil, fmt.Errorf("listing channels of session: %w", err)
	}
	allowed := make(map[channel.Channel]bool, len(entitled))
	for _, ch := range entitled {
		allowed[ch] = true
	}

	policy := d.policy.Memoized()
	out := []Delivery{}
	for _, conn := range conns {
		if !allowed[conn.Channel] || (rootPath != "" && conn.RootPath != rootPath) {
			continue
		}
		pending, err := d.drain(ctx, conn, user, policy)
		if err != nil {
			return nil, err
		}
		out = append(out, pending...)
	}
	return out, nil
}

// drain reads what conn has not consumed yet, filters it for user and moves
// the cursor forward.
func (d *Dispatcher) drain(ctx context.Context, conn registry.Connection, user channel.User, policy *channel.Policy) ([]Delivery, error) {
	msgs, err := d.outbox.ReadSince(ctx, conn.Channel, conn.Cursor)
	if errors.Is(err, outbox.ErrResyncRequired) {
		head, err := d.outbox.Head(ctx, conn.Channel)
		if err != nil {
			return nil, fmt.Errorf("reading head of %s: %w", conn.Channel, err)
		}
		if err := d.advance(ctx, conn, head); err != nil {
			return nil, err
		}
		d.logger.Info("client fell behind retention, forcing resync",
			zap.String("clientID", conn.ClientID),
			zap.String("channel", conn.Channel.String()),
			zap.Uint64("cursor", conn.Cursor),
			zap.Uint64("head", head),
		)
		return []Delivery{{Channel: conn.Channel, Resync: true}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", conn.Channel, err)
	}
	if len(msgs) == 0 {
		return nil, d.advance(ctx, conn, conn.Cursor)
	}

	out := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, Delivery{
			Channel:     msg.Channel,
			Sequence:    msg.Sequence,
			BroadcastID: msg.BroadcastID,
			Operation:   msg.Operation,
			Payload:     d.filterWith(ctx, policy, user, msg),
		})
	}
	return out, d.advance(ctx, conn, msgs[len(msgs)-1].Sequence)
}

func (d *Dispatcher) advance(ctx context.Context, conn registry.Connection, pos uint64) error {
	_, err := d.registry.AdvanceCursor(ctx, conn.ClientID, conn.Channel, pos)
	if errors.Is(err, registry.ErrNotFound) {
		// Unsubscribed or evicted while reading.
		return nil
	}
	if err != nil {
		return fmt.Errorf("advancing cursor on %s: %w", conn.Channel, err)
	}
	return nil
}

// filter drops the attributes user may not read. Destroys carry identity
// only.
func (d *Dispatcher) filter(ctx context.Context, user channel.User, msg outbox.Message) json.RawMessage {
	return d.filterWith(ctx, d.policy, user, msg)
}

func (d *Dispatcher) filterWith(ctx context.Context, policy *channel.Policy, user channel.User, msg outbox.Message) json.RawMessage {
	change, err := decodeChange(msg.Payload)
	if err != nil {
		d.logger.Warn("stored payload is not a change, withholding it",
			zap.String("channel", msg.Channel.String()),
			zap.Uint64("sequence", msg.Sequence),
			zap.Error(err),
		)
		return json.RawMessage(`{}`)
	}
	if msg.Operation == outbox.OpDestroy {
		change.Attributes = nil
	} else {
		change.Attributes = policy.Filter(ctx, user, change.model()).Attributes
	}
	data, err := json.Marshal(change)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// Connect is the answer to ConnectToTransport: the transport descriptor plus
// whatever the client missed between subscribing and connecting.
type Connect struct {
	transport.Descriptor
	Pending []Delivery `json:"pending,omitempty"`
}

// ConnectToTransport tells a subscribed client how to receive updates from
// now on. Push transports also get the backlog, since from here on the
// client stops polling.
func (d *Dispatcher) ConnectToTransport(ctx context.Context, clientID, name string, user channel.User, rootPath string) (Connect, error) {
	if clientID == "" {
		return Connect{}, fmt.Errorf("%w: client id is required", ErrMalformedRequest)
	}
	ch, err := channel.Parse(name)
	if err != nil {
		return Connect{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if d.policy.ConnectionAllowed(ctx, user, ch) != channel.Allowed {
		return Connect{}, ErrUnauthorized
	}

	desc, err := d.transport.ConnectInfo(ctx, ch, clientID, rootPath)
	if err != nil {
		return Connect{}, err
	}
	out := Connect{Descriptor: desc}
	if d.transport.Kind() == transport.SimplePoller {
		return out, nil
	}

	conns, err := d.registry.Connections(ctx, clientID)
	if err != nil {
		return Connect{}, fmt.Errorf("listing connections of %s: %w", clientID, err)
	}
	for _, conn := range conns {
		if conn.Channel == ch {
			if out.Pending, err = d.drain(ctx, conn, user, d.policy.Memoized()); err != nil {
				return Connect{}, err
			}
			break
		}
	}
	return out, nil
}

// RelayAuthenticate answers a relay handshake for channelName (the relay's
// prefixed name). Every failure is ErrUnauthorized except a missing subject.
func (d *Dispatcher) RelayAuthenticate(ctx context.Context, channelName, subject string, user channel.User) (transport.RelayAuth, error) {
	if subject == "" {
		return transport.RelayAuth{}, fmt.Errorf("%w: %v", ErrMalformedRequest, transport.ErrMissingSubject)
	}
	ch, err := d.transport.ChannelFromRelay(channelName)
	if err != nil {
		d.logger.Debug("relay handshake refused", zap.String("channel", channelName), zap.Error(err))
		return transport.RelayAuth{}, ErrUnauthorized
	}
	if d.policy.ConnectionAllowed(ctx, user, ch) != channel.Allowed {
		return transport.RelayAuth{}, ErrUnauthorized
	}
	ra, err := d.transport.RelayAuthenticate(ctx, ch, subject)
	if err != nil {
		d.logger.Debug("relay handshake refused", zap.String("channel", channelName), zap.Error(err))
		return transport.RelayAuth{}, ErrUnauthorized
	}
	return ra, nil
}

// Run drives the transport and the housekeeping loop until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.transport.Run(ctx); err != nil {
			d.logger.Error("transport stopped", zap.Error(err))
		}
	}()

	d.logger.Info("dispatcher starting",
		zap.String("transport", d.transport.Kind().String()),
		zap.Duration("sweepInterval", d.opts.SweepInterval),
		zap.Duration("idleTimeout", d.opts.IdleTimeout),
	)
	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			wg.Wait()
			return nil
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep evicts idle connections and prunes every outbox down to the lowest
// cursor still registered on it. A channel nobody subscribes to is forgotten
// once it has been idle for IdleTimeout.
func (d *Dispatcher) Sweep(ctx context.Context) {
	idleSince := d.now().Add(-d.opts.IdleTimeout)
	if _, err := d.registry.Evict(ctx, idleSince); err != nil {
		d.logger.Warn("evicting idle connections failed", zap.Error(err))
	}

	channels, err := d.outbox.Channels(ctx)
	if err != nil {
		d.logger.Warn("listing outbox channels failed", zap.Error(err))
		return
	}
	for _, ch := range channels {
		upTo, subscribed, err := d.registry.MinCursor(ctx, ch)
		if err != nil {
			d.logger.Warn("reading min cursor failed", zap.String("channel", ch.String()), zap.Error(err))
			continue
		}
		if !subscribed {
			if upTo, err = d.outbox.Head(ctx, ch); err != nil {
				d.logger.Warn("reading head failed", zap.String("channel", ch.String()), zap.Error(err))
				continue
			}
		}
		n, err := d.outbox.Prune(ctx, ch, upTo)
		if err != nil {
			d.logger.Warn("pruning failed", zap.String("channel", ch.String()), zap.Error(err))
			continue
		}
		if n > 0 {
			d.logger.Debug("pruned outbox",
				zap.String("channel", ch.String()),
				zap.Int("count", n),
				zap.Uint64("upTo", upTo),
			)
		}
		if subscribed {
			continue
		}
		forgotten, err := d.outbox.Forget(ctx, ch, idleSince)
		if err != nil {
			d.logger.Warn("forgetting channel failed", zap.String("channel", ch.String()), zap.Error(err))
			continue
		}
		if forgotten {
			d.logger.Debug("forgot idle channel", zap.String("channel", ch.String()))
		}
	}
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
