package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrDenied is returned when a connection or action is not permitted. It is
// also returned when the oracle itself failed; callers cannot tell the two apart.
var ErrDenied = errors.New("not permitted")

// User is the acting user supplied by the identity provider. A zero User is
// anonymous.
type User struct {
	ID     string
	Groups []string
}

// Model identifies a record and carries its attributes.
type Model struct {
	Class      string
	ID         string
	Attributes map[string]any
}

// Action is an operation a user may attempt on a model.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDestroy Action = "destroy"
	ActionView    Action = "view"
)

// Oracle answers permission questions. It is implemented outside the core.
type Oracle interface {
	ConnectionAllowed(ctx context.Context, user User, ch Channel) (bool, error)
	AttributeReadable(ctx context.Context, user User, model Model, attr string) (bool, error)
	ActionPermitted(ctx context.Context, user User, model Model, action Action) (bool, error)
}

// Decision is the outcome of a policy check.
type Decision int

const (
	Denied Decision = iota
	Allowed
	OracleError
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case OracleError:
		return "oracle_error"
	default:
		return "denied"
	}
}

// Err maps every non-allowed decision onto ErrDenied.
func (d Decision) Err() error {
	if d == Allowed {
		return nil
	}
	return ErrDenied
}

// Policy wraps an Oracle so failures never turn into permission.
type Policy struct {
	oracle Oracle
	logger *zap.Logger
}

func NewPolicy(oracle Oracle, logger *zap.Logger) *Policy {
	return &Policy{oracle: oracle, logger: logger}
}

// Memoized returns a Policy that remembers attribute answers, keyed by user,
// class, record id and attribute, for as long as it is kept. Use one per
// request; the oracle is not asked about attribute values again.
func (p *Policy) Memoized() *Policy {
	return &Policy{
		oracle: &memoOracle{Oracle: p.oracle, attrs: make(map[attrKey]answer)},
		logger: p.logger,
	}
}

type attrKey struct {
	user   string
	groups string
	class  string
	id     string
	attr   string
}

type answer struct {
	ok  bool
	err error
}

type memoOracle struct {
	Oracle
	mu    sync.Mutex
	attrs map[attrKey]answer
}

func (m *memoOracle) AttributeReadable(ctx context.Context, user User, model Model, attr string) (bool, error) {
	k := attrKey{user.ID, strings.Join(user.Groups, ","), model.Class, model.ID, attr}
	m.mu.Lock()
	a, ok := m.attrs[k]
	m.mu.Unlock()
	if ok {
		return a.ok, a.err
	}
	a.ok, a.err = m.Oracle.AttributeReadable(ctx, user, model, attr)
	m.mu.Lock()
	m.attrs[k] = a
	m.mu.Unlock()
	return a.ok, a.err
}

// ConnectionAllowed decides whether user may subscribe to ch.
func (p *Policy) ConnectionAllowed(ctx context.Context, user User, ch Channel) Decision {
	ok, err := p.oracle.ConnectionAllowed(ctx, user, ch)
	return p.decide(err, ok, "connection",
		zap.String("user", user.ID),
		zap.String("channel", ch.String()),
	)
}

// ActionPermitted decides whether user may perform action on model.
func (p *Policy) ActionPermitted(ctx context.Context, model Model, action Action, user User) Decision {
	ok, err := p.oracle.ActionPermitted(ctx, user, model, action)
	return p.decide(err, ok, "action",
		zap.String("user", user.ID),
		zap.String("model", model.Class),
		zap.String("action", string(action)),
	)
}

// ReadableAttributes returns the sorted names of the attributes of model that
// user may read. Attributes the oracle fails on are left out.
func (p *Policy) ReadableAttributes(ctx context.Context, user User, model Model) []string {
	names := make([]string, 0, len(model.Attributes))
	for attr := range model.Attributes {
		ok, err := p.oracle.AttributeReadable(ctx, user, model, attr)
		if p.decide(err, ok, "attribute",
			zap.String("user", user.ID),
			zap.String("model", model.Class),
			zap.String("attribute", attr),
		) == Allowed {
			names = append(names, attr)
		}
	}
	sort.Strings(names)
	return names
}

// Filter returns a copy of model holding only the readable attributes.
func (p *Policy) Filter(ctx context.Context, user User, model Model) Model {
	out := Model{Class: model.Class, ID: model.ID, Attributes: make(map[string]any)}
	for _, attr := range p.ReadableAttributes(ctx, user, model) {
		out.Attributes[attr] = model.Attributes[attr]
	}
	return out
}

func (p *Policy) decide(err error, ok bool, kind string, fields ...zap.Field) Decision {
	if err != nil {
		p.logger.Warn(fmt.Sprintf("policy oracle failed on %s check", kind),
			append(fields, zap.Error(err))...,
		)
		return OracleError
	}
	if !ok {
		return Denied
	}
	return Allowed
}
