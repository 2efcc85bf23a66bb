package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/auth"
	"github.com/dgnsrekt/synchromesh/internal/channel"
	"github.com/dgnsrekt/synchromesh/internal/config"
	"github.com/dgnsrekt/synchromesh/internal/outbox"
	"github.com/dgnsrekt/synchromesh/internal/policy"
	"github.com/dgnsrekt/synchromesh/internal/registry"
	"github.com/dgnsrekt/synchromesh/internal/transport"
)

var testRules = []config.PolicyRule{
	{Channel: "Task", Attributes: []string{"title", "done"}, Actions: []string{"create", "update"}},
	{Channel: "Task-*", Attributes: []string{"title"}},
	{Channel: "Task", Users: []string{"admin"}},
	{Channel: "@team", Groups: []string{"staff"}},
}

type fixture struct {
	d      *Dispatcher
	outbox outbox.Outbox
	reg    *registry.Memory
	tokens *auth.Service
}

func newFixture(t *testing.T, tr transport.Adapter, oracle channel.Oracle, maxEntries int) *fixture {
	t.Helper()
	logger := zap.NewNop()
	tokens, err := auth.NewService([]byte("test-secret"), 5*time.Minute)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if tr == nil {
		tr = transport.NewPoller("synchromesh", 500*time.Millisecond)
	}
	if oracle == nil {
		oracle = policy.NewStatic(testRules)
	}
	ob := outbox.NewMemory(outbox.Options{MaxEntries: maxEntries}, logger)
	reg := registry.NewMemory(logger)
	d := New(ob, reg, tr, channel.NewPolicy(oracle, logger), tokens, Options{}, logger)
	return &fixture{d: d, outbox: ob, reg: reg, tokens: tokens}
}

// recorder is a push adapter that remembers what it was asked to deliver.
type recorder struct {
	mu       sync.Mutex
	notified []outbox.Message
	fail     bool
}

func (r *recorder) Kind() transport.Kind { return transport.ManagedPush }

func (r *recorder) Notify(ctx context.Context, msg outbox.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return transport.ErrTransportUnavailable
	}
	r.notified = append(r.notified, msg)
	return nil
}

func (r *recorder) ConnectInfo(ctx context.Context, ch channel.Channel, clientID, rootPath string) (transport.Descriptor, error) {
	return transport.Descriptor{Transport: transport.ManagedPush, Channel: "private-synchromesh-" + ch.String()}, nil
}

func (r *recorder) RelayAuthenticate(ctx context.Context, ch channel.Channel, subject string) (transport.RelayAuth, error) {
	return transport.RelayAuth{Auth: "key:" + subject}, nil
}

func (r *recorder) RelayChannel(ch channel.Channel) string {
	return channel.WithPrefix("private-synchromesh", ch)
}

func (r *recorder) ChannelFromRelay(name string) (channel.Channel, error) {
	return channel.StripPrefix("private-synchromesh", name)
}

func (r *recorder) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (r *recorder) Close() error { return nil }

type brokenOracle struct{}

func (brokenOracle) ConnectionAllowed(ctx context.Context, user channel.User, ch channel.Channel) (bool, error) {
	return true, errors.New("oracle down")
}

func (brokenOracle) AttributeReadable(ctx context.Context, user channel.User, model channel.Model, attr string) (bool, error) {
	return true, errors.New("oracle down")
}

func (brokenOracle) ActionPermitted(ctx context.Context, user channel.User, model channel.Model, action channel.Action) (bool, error) {
	return true, errors.New("oracle down")
}

var alice = channel.User{ID: "alice"}

func task(id string, title string) Change {
	return Change{Class: "Task", ID: id, Attributes: map[string]any{"title": title, "done": false, "secret": "x"}}
}

func subscribe(t *testing.T, f *fixture, clientID, ch string, user channel.User) {
	t.Helper()
	if _, err := f.d.Subscribe(context.Background(), SubscribeRequest{
		ClientID: clientID, Channel: ch, User: user, SessionID: "s1", RootPath: "http://app/",
	}); err != nil {
		t.Fatalf("Subscribe(%s, %s): %v", clientID, ch, err)
	}
}

func TestPublishAssignsIncreasingSequences(t *testing.T) {
	f := newFixture(t, nil, nil, 0)
	ctx := context.Background()

	for i, want := range []uint64{1, 2, 3} {
		msg, err := f.d.Publish(ctx, channel.Class("Task"), outbox.OpCreate, task("1", "t"))
		if err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
		if msg.Sequence != want {
			t.Errorf("publish %d got sequence %d, want %d", i, msg.Sequence, want)
		}
	}

	if _, err := f.d.Publish(ctx, channel.Class(""), outbox.OpCreate, task("1", "t")); !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("empty class: expected ErrMalformedRequest, got %v", err)
	}
	if _, err := f.d.Publish(ctx, channel.Class("Task"), outbox.Operation("rename"), task("1", "t")); !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("bad operation: expected ErrMalformedRequest, got %v", err)
	}
}

func TestSubscribeThenReadIsEmpty(t *testing.T) {
	f := newFixture(t, nil, nil, 0)
	ctx := context.Background()

	_, _ = f.d.Publish(ctx, channel.Class("Task"), outbox.OpCreate, task("1", "before"))
	subscribe(t, f, "c1", "Task", alice)

	got, err := f.d.Read(ctx, "c1", "s1", alice, "")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected nothing published before subscribing, got %+v", got)
	}
}

func TestPollingScenario(t *testing.T) {
	f := newFixture(t, nil, nil, 0)
	ctx := context.Background()
	subscribe(t, f, "c1", "Task", alice)

	for _, title := range []string{"a", "b"} {
		if _, err := f.d.Publish(ctx, channel.Class("Task"), outbox.OpUpdate, task("1", title)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	got, err := f.d.Read(ctx, "c1", "s1", alice, "http://app/")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 || got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Fatalf("unexpected first read: %+v", got)
	}

	again, _ := f.d.Read(ctx, "c1", "s1", alice, "http://app/")
	if len(again) != 0 {
		t.Errorf("second read returned already delivered messages: %+v", again)
	}
	if cur, _ := f.reg.CursorFor(ctx, "c1", "Task"); cur != 2 {
		t.Errorf("cursor = %d, want 2", cur)
	}

	// A different session learns nothing about c1's subscriptions.
	other, _ := f.d.Read(ctx, "c1", "s2", alice, "")
	if len(other) != 0 {
		t.Errorf("foreign session read %+v", other)
	}
	// Neither does a different root path.
	_, _ = f.d.Publish(ctx, channel.Class("Task"), outbox.OpUpdate, task("1", "c"))
	if got, _ := f.d.Read(ctx, "c1", "s1", alice, "http://other/"); len(got) != 0 {
		t.Errorf("other root path read %+v", got)
	}
}

func TestReadFiltersAttributes(t *testing.T) {
	f := newFixture(t, nil, nil, 0)
	ctx := context.Background()
	admin := channel.User{ID: "admin"}
	subscribe(t, f, "c1", "Task", alice)
	subscribe(t, f, "c2", "Task", admin)

	_, _ = f.d.Publish(ctx, channel.Class("Task"), outbox.OpUpdate, task("1", "t"))

	decode := func(d Delivery) Change {
		t.Helper()
		var c Change
		if err := json.Unmarshal(d.Payload, &c); err != nil {
			t.Fatalf("payload: %v", err)
		}
		return c
	}

	got, _ := f.d.Read(ctx, "c1", "s1", alice, "")
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	c := decode(got[0])
	if _, ok := c.Attributes["secret"]; ok {
		t.Error("unreadable attribute leaked to alice")
	}
	if c.Attributes["title"] != "t" {
		t.Errorf("title = %v, want t", c.Attributes["title"])
	}

	got, _ = f.d.Read(ctx, "c2", "s1", admin, "")
	if len(got) != 1 || decode(got[0]).Attributes["secret"] != "x" {
		t.Errorf("admin should read every attribute, got %+v", got)
	}
}

type countingOracle struct {
	channel.Oracle
	mu    sync.Mutex
	attrs int
}

func (c *countingOracle) AttributeReadable(ctx context.Context, user channel.User, model channel.Model, attr string) (bool, error) {
	c.mu.Lock()
	c.attrs++
	c.mu.Unlock()
	return c.Oracle.AttributeReadable(ctx, user, model, attr)
}

func TestReadAsksOracleOncePerAttribute(t *testing.T) {
	oracle := &countingOracle{Oracle: policy.NewStatic(testRules)}
	f := newFixture(t, nil, oracle, 0)
	ctx := context.Background()
	subscribe(t, f, "c1", "Task", alice)

	for i := 0; i < 5; i++ {
		if _, err := f.d.Publish(ctx, channel.Class("Task"), outbox.OpUpdate, task("1", "t")); err != nil {
			t.Fatal(err)
		}
	}
	got, err := f.d.Read(ctx, "c1", "s1", alice, "")
	if err != nil || len(got) != 5 {
		t.Fatalf("Read = %d deliveries, %v", len(got), err)
	}
	// title, done and secret, once each.
	if oracle.attrs != 3 {
		t.Errorf("oracle asked %d attribute questions, want 3", oracle.attrs)
	}
}

func TestReadForcesResyncAfterPrune(t *testing.T) {
	f := newFixture(t, nil, nil, 3)
	ctx := context.Background()
	subscribe(t, f, "c1", "Task", alice)

	for i := 0; i < 5; i++ {
		_, _ = f.d.Publish(ctx, channel.Class("Task"), outbox.OpUpdate, task("1", "t"))
	}

	got, err := f.d.Read(ctx, "c1", "s1", alice, "")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 1 || !got[0].Resync || got[0].Channel != "Task" {
		t.Fatalf("expected a single resync entry, got %+v", got)
	}
	if cur, _ := f.reg.CursorFor(ctx, "c1", "Task"); cur != 5 {
		t.Errorf("cursor after resync = %d, want 5", cur)
	}

	_, _ = f.d.Publish(ctx, channel.Class("Task"), outbox.OpUpdate, task("1", "t"))
	got, _ = f.d.Read(ctx, "c1", "s1", alice, "")
	if len(got) != 1 || got[0].Sequence != 6 {
		t.Errorf("expected normal delivery after resync, got %+v", got)
	}
}

func TestUnauthorizedSubscribeLeavesNoEntry(t *testing.T) {
	f := newFixture(t, nil, nil, 0)
	ctx := context.Background()

	_, err := f.d.Subscribe(ctx, SubscribeRequest{ClientID: "c1", Channel: "@team", User: alice, SessionID: "s1"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if conns, _ := f.reg.Connections(ctx, "c1"); len(conns) != 0 {
		t.Errorf("refused subscription was registered: %+v", conns)
	}

	staff := channel.User{ID: "bob", Groups: []string{"staff"}}
	if _, err := f.d.Subscribe(ctx, SubscribeRequest{ClientID: "c1", Channel: "@team", User: staff}); err != nil {
		t.Errorf("staff member refused: %v", err)
	}
	if _, err := f.d.Subscribe(ctx, SubscribeRequest{ClientID: "c1", Channel: "Task", User: channel.User{}}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("anonymous user: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.d.Subscribe(ctx, SubscribeRequest{Channel: "Task", User: alice}); !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("missing client id: expected ErrMalformedRequest, got %v", err)
	}
}

func TestOracleErrorIsDenied(t *testing.T) {
	f := newFixture(t, nil, brokenOracle{}, 0)
	ctx := context.Background()

	if _, err := f.d.Subscribe(ctx, SubscribeRequest{ClientID: "c1", Channel: "Task", User: alice}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized when the oracle fails, got %v", err)
	}
	if _, err := f.d.ConnectToTransport(ctx, "c1", "Task", alice, ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("connect: expected ErrUnauthorized, got %v", err)
	}
}

func signedInbound(t *testing.T, f *fixture, ch, broadcastID string) transport.Inbound {
	t.Helper()
	salt, err := f.tokens.NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := json.Marshal(task("1", "from relay"))
	return transport.Inbound{
		Channel:       channel.Channel(ch),
		Salt:          salt,
		BroadcastID:   broadcastID,
		Authorization: f.tokens.Issue(salt, ch, broadcastID),
		Operation:     outbox.OpUpdate,
		Payload:       payload,
		User:          alice,
	}
}

func TestInboundForgedAuthorizationChangesNothing(t *testing.T) {
	f := newFixture(t, nil, nil, 0)
	ctx := context.Background()

	in := signedInbound(t, f, "Task", "b-1")
	in.Authorization = "zz" + in.Authorization[2:]
	if _, err := f.d.AcceptInboundUpdate(ctx, in); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	// Signed for a different channel.
	in = signedInbound(t, f, "Order", "b-2")
	in.Channel = "Task"
	if _, err := f.d.AcceptInboundUpdate(ctx, in); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("cross-channel authorization: expected ErrUnauthorized, got %v", err)
	}

	in = signedInbound(t, f, "Task", "b-3")
	in.Salt = ""
	if _, err := f.d.AcceptInboundUpdate(ctx, in); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("missing salt: expected ErrUnauthorized, got %v", err)
	}

	if head, _ := f.outbox.Head(ctx, "Task"); head != 0 {
		t.Errorf("rejected updates moved the head to %d", head)
	}
}

func TestInboundReplayStoresOnce(t *testing.T) {
	f := newFixture(t, nil, nil, 0)
	ctx := context.Background()

	in := signedInbound(t, f, "Task", "b-1")
	msg, err := f.d.AcceptInboundUpdate(ctx, in)
	if err != nil {
		t.Fatalf("AcceptInboundUpdate: %v", err)
	}
	if msg.Sequence != 1 || msg.BroadcastID != "b-1" {
		t.Errorf("unexpected stored message %+v", msg)
	}

	if _, err := f.d.AcceptInboundUpdate(ctx, in); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("replay: expected ErrUnauthorized, got %v", err)
	}
	if head, _ := f.outbox.Head(ctx, "Task"); head != 1 {
		t.Errorf("head = %d after replay, want 1", head)
	}
}

func TestInboundMalformedReleasesClaim(t *testing.T) {
	f := newFixture(t, nil, nil, 0)
	ctx := context.Background()

	in := signedInbound(t, f, "Task", "b-1")
	good := in.Payload
	in.Payload = json.RawMessage(`{"id":"1"}`)
	if _, err := f.d.AcceptInboundUpdate(ctx, in); !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("expected ErrMalformedRequest, got %v", err)
	}

	in.Payload = good
	if _, err := f.d.AcceptInboundUpdate(ctx, in); err != nil {
		t.Errorf("corrected update refused: %v", err)
	}
}

func TestInboundNeedsActionPermission(t *testing.T) {
	f := newFixture(t, nil, nil, 0)
	ctx := context.Background()

	in := signedInbound(t, f, "Task", "b-1")
	in.User = channel.User{}
	if _, err := f.d.AcceptInboundUpdate(ctx, in); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("anonymous update: expected ErrUnauthorized, got %v", err)
	}
	in.User = alice
	in.Operation = outbox.OpDestroy
	if _, err := f.d.AcceptInboundUpdate(ctx, in); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("destroy without the action: expected ErrUnauthorized, got %v", err)
	}
	if head, _ := f.outbox.Head(ctx, "Task"); head != 0 {
		t.Fatalf("refused updates moved the head to %d", head)
	}

	// Refusals release the salt.
	in.Operation = outbox.OpUpdate
	if _, err := f.d.AcceptInboundUpdate(ctx, in); err != nil {
		t.Errorf("permitted update refused: %v", err)
	}
}

func TestInboundRedeliveryAfterSweepStoresOnce(t *testing.T) {
	rec := &recorder{}
	f := newFixture(t, rec, nil, 0)
	ctx := context.Background()

	if _, err := f.d.AcceptInboundUpdate(ctx, signedInbound(t, f, "Task", "b-1")); err != nil {
		t.Fatal(err)
	}
	// Nobody subscribes, so the sweep prunes the message.
	f.d.Sweep(ctx)
	if _, err := f.outbox.ReadSince(ctx, "Task", 0); !errors.Is(err, outbox.ErrResyncRequired) {
		t.Fatalf("expected the sweep to prune Task, got %v", err)
	}

	msg, err := f.d.AcceptInboundUpdate(ctx, signedInbound(t, f, "Task", "b-1"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if msg.Sequence != 1 || msg.BroadcastID != "b-1" {
		t.Errorf("redelivery returned %+v, want sequence 1", msg)
	}
	if head, _ := f.outbox.Head(ctx, "Task"); head != 1 {
		t.Errorf("broadcast b-1 stored twice: head=%d", head)
	}
	if len(rec.notified) != 1 {
		t.Errorf("transport notified %d times, want 1", len(rec.notified))
	}
}

func TestPublishDeduplicatesAndNotifiesOnce(t *testing.T) {
	rec := &recorder{}
	f := newFixture(t, rec, nil, 0)
	ctx := context.Background()

	in := signedInbound(t, f, "Task", "b-1")
	if _, err := f.d.AcceptInboundUpdate(ctx, in); err != nil {
		t.Fatal(err)
	}
	// Same broadcast id under a fresh salt is a duplicate, not a replay.
	again := signedInbound(t, f, "Task", "b-1")
	msg, err := f.d.AcceptInboundUpdate(ctx, again)
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if msg.Sequence != 1 {
		t.Errorf("duplicate returned sequence %d, want 1", msg.Sequence)
	}
	if len(rec.notified) != 1 {
		t.Errorf("transport notified %d times, want 1", len(rec.notified))
	}
}

func TestNotifyFailureDoesNotFailPublish(t *testing.T) {
	rec := &recorder{fail: true}
	f := newFixture(t, rec, nil, 0)

	msg, err := f.d.Publish(context.Background(), channel.Instance{Class: "Task", ID: "7"}, outbox.OpDestroy, task("7", "t"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if msg.Channel != "Task-7" {
		t.Errorf("channel = %s, want Task-7", msg.Channel)
	}
}

func TestConnectToTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("poller", func(t *testing.T) {
		f := newFixture(t, nil, nil, 0)
		subscribe(t, f, "c1", "Task", alice)
		_, _ = f.d.Publish(ctx, channel.Class("Task"), outbox.OpCreate, task("1", "t"))

		got, err := f.d.ConnectToTransport(ctx, "c1", "Task", alice, "http://app/")
		if err != nil {
			t.Fatalf("ConnectToTransport: %v", err)
		}
		if got.Transport != transport.SimplePoller || got.SecondsBetweenPoll != 0.5 {
			t.Errorf("unexpected descriptor %+v", got.Descriptor)
		}
		if len(got.Pending) != 0 {
			t.Error("poller connect should leave the backlog to Read")
		}
	})

	t.Run("push drains backlog", func(t *testing.T) {
		f := newFixture(t, &recorder{}, nil, 0)
		subscribe(t, f, "c1", "Task", alice)
		_, _ = f.d.Publish(ctx, channel.Class("Task"), outbox.OpCreate, task("1", "t"))

		got, err := f.d.ConnectToTransport(ctx, "c1", "Task", alice, "http://app/")
		if err != nil {
			t.Fatalf("ConnectToTransport: %v", err)
		}
		if got.Channel != "private-synchromesh-Task" || len(got.Pending) != 1 {
			t.Errorf("unexpected connect result %+v", got)
		}
		if rest, _ := f.d.Read(ctx, "c1", "s1", alice, ""); len(rest) != 0 {
			t.Errorf("backlog delivered twice: %+v", rest)
		}
	})
}

func TestRelayAuthenticate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &recorder{}, nil, 0)

	ra, err := f.d.RelayAuthenticate(ctx, "private-synchromesh-Task", "123.456", alice)
	if err != nil {
		t.Fatalf("RelayAuthenticate: %v", err)
	}
	if ra.Auth != "key:123.456" {
		t.Errorf("auth = %q", ra.Auth)
	}

	if _, err := f.d.RelayAuthenticate(ctx, "private-other-Task", "123.456", alice); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("foreign prefix: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.d.RelayAuthenticate(ctx, "private-synchromesh-@team", "123.456", alice); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("denied channel: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.d.RelayAuthenticate(ctx, "private-synchromesh-Task", "", alice); !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("missing socket id: expected ErrMalformedRequest, got %v", err)
	}

	poll := newFixture(t, nil, nil, 0)
	if _, err := poll.d.RelayAuthenticate(ctx, "synchromesh-Task", "123.456", alice); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("poller handshake: expected ErrUnauthorized, got %v", err)
	}
}

func TestSweepPrunesConsumedMessages(t *testing.T) {
	f := newFixture(t, nil, nil, 0)
	ctx := context.Background()
	subscribe(t, f, "c1", "Task", alice)

	for i := 0; i < 4; i++ {
		_, _ = f.d.Publish(ctx, channel.Class("Task"), outbox.OpUpdate, task("1", "t"))
	}
	_, _ = f.d.Publish(ctx, channel.Class("Order"), outbox.OpCreate, Change{Class: "Order", ID: "9"})
	_, _ = f.reg.AdvanceCursor(ctx, "c1", "Task", 2)

	f.d.Sweep(ctx)

	if _, err := f.outbox.ReadSince(ctx, "Task", 1); !errors.Is(err, outbox.ErrResyncRequired) {
		t.Errorf("messages below the slowest cursor survived: %v", err)
	}
	msgs, err := f.outbox.ReadSince(ctx, "Task", 2)
	if err != nil || len(msgs) != 2 {
		t.Errorf("unconsumed messages were pruned: %d, %v", len(msgs), err)
	}
	// Nobody listens on Order.
	if msgs, _ := f.outbox.ReadSince(ctx, "Order", 1); len(msgs) != 0 {
		t.Errorf("unsubscribed channel kept %d messages", len(msgs))
	}
}

// keepConnections never evicts, so time can move past the idle timeout.
type keepConnections struct{ registry.Registry }

func (keepConnections) Evict(ctx context.Context, before time.Time) (int, error) { return 0, nil }

func TestSweepForgetsIdleChannels(t *testing.T) {
	f := newFixture(t, nil, nil, 0)
	ctx := context.Background()
	subscribe(t, f, "c1", "Task", alice)

	_, _ = f.d.Publish(ctx, channel.Class("Order"), outbox.OpCreate, Change{Class: "Order", ID: "9"})
	_, _ = f.d.Publish(ctx, channel.Class("Order"), outbox.OpCreate, Change{Class: "Order", ID: "10"})
	_, _ = f.d.Publish(ctx, channel.Class("Task"), outbox.OpUpdate, task("1", "t"))

	// Recently written channels stay.
	f.d.Sweep(ctx)
	if channels, _ := f.outbox.Channels(ctx); len(channels) != 2 {
		t.Fatalf("expected both channels after the first sweep, got %v", channels)
	}

	f.d.registry = keepConnections{f.reg}
	f.d.now = func() time.Time { return time.Now().Add(time.Hour) }
	f.d.Sweep(ctx)

	channels, _ := f.outbox.Channels(ctx)
	if len(channels) != 1 || channels[0] != "Task" {
		t.Fatalf("expected only the subscribed channel to remain, got %v", channels)
	}
	msg, err := f.d.Publish(ctx, channel.Class("Order"), outbox.OpCreate, Change{Class: "Order", ID: "11"})
	if err != nil || msg.Sequence != 3 {
		t.Errorf("sequence restarted after forgetting Order: %d (%v)", msg.Sequence, err)
	}
}

// filteringRecorder also takes the per-recipient payload filter.
type filteringRecorder struct {
	recorder
	filter transport.PayloadFilter
}

func (r *filteringRecorder) SetPayloadFilter(f transport.PayloadFilter) { r.filter = f }

func TestTransportGetsPayloadFilter(t *testing.T) {
	rec := &filteringRecorder{}
	f := newFixture(t, rec, nil, 0)
	ctx := context.Background()

	msg, err := f.d.Publish(ctx, channel.Class("Task"), outbox.OpUpdate, task("1", "t"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.filter == nil {
		t.Fatal("dispatcher did not hand the transport a payload filter")
	}
	var got Change
	if err := json.Unmarshal(rec.filter(ctx, alice, msg), &got); err != nil {
		t.Fatal(err)
	}
	if _, ok := got.Attributes["secret"]; ok || got.Attributes["title"] != "t" {
		t.Errorf("unexpected filtered attributes %v", got.Attributes)
	}
	var anon Change
	if err := json.Unmarshal(rec.filter(ctx, channel.User{}, msg), &anon); err != nil {
		t.Fatal(err)
	}
	if len(anon.Attributes) != 0 {
		t.Errorf("anonymous user saw %v", anon.Attributes)
	}
}

func TestSweepEvictsIdleConnections(t *testing.T) {
	f := newFixture(t, nil, nil, 0)
	ctx := context.Background()
	subscribe(t, f, "c1", "Task", alice)

	f.d.now = func() time.Time { return time.Now().Add(time.Hour) }
	f.d.Sweep(ctx)

	if conns, _ := f.reg.Connections(ctx, "c1"); len(conns) != 0 {
		t.Errorf("idle connection survived: %+v", conns)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
