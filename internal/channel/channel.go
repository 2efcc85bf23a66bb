package channel

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	ErrInvalidDescriptor = errors.New("invalid channel descriptor")
	ErrInvalidChannel    = errors.New("invalid channel")
)

// Channel is the canonical name of a broadcast scope.
//
// Canonical forms:
//   - Class:    Task, Admin::Report
//   - Instance: Task-42 (the id is path-escaped)
//   - Scope:    @dashboard (the name is path-escaped)
type Channel string

func (c Channel) String() string { return string(c) }

// Descriptor is an application-level value that maps onto exactly one Channel.
type Descriptor interface {
	channel() (Channel, error)
}

// Class names every record of a model type.
type Class string

// Instance names a single record.
type Instance struct {
	Class string
	ID    string
}

// Scope is an application-defined channel that is not tied to a model.
type Scope string

var classPattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]*(::[A-Z][A-Za-z0-9_]*)*$`)

func (c Class) channel() (Channel, error) {
	if !classPattern.MatchString(string(c)) {
		return "", fmt.Errorf("%w: class %q", ErrInvalidDescriptor, string(c))
	}
	return Channel(c), nil
}

func (i Instance) channel() (Channel, error) {
	if !classPattern.MatchString(i.Class) {
		return "", fmt.Errorf("%w: class %q", ErrInvalidDescriptor, i.Class)
	}
	if i.ID == "" {
		return "", fmt.Errorf("%w: empty id for %s", ErrInvalidDescriptor, i.Class)
	}
	return Channel(i.Class + "-" + url.PathEscape(i.ID)), nil
}

func (s Scope) channel() (Channel, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty scope", ErrInvalidDescriptor)
	}
	return Channel("@" + url.PathEscape(string(s))), nil
}

// Normalize converts a descriptor into its canonical channel. A Channel is
// accepted as a descriptor and validated.
func Normalize(d Descriptor) (Channel, error) {
	if d == nil {
		return "", fmt.Errorf("%w: nil", ErrInvalidDescriptor)
	}
	return d.channel()
}

func (c Channel) channel() (Channel, error) {
	return Parse(string(c))
}

// Parse validates a channel string received from a client or relay.
func Parse(s string) (Channel, error) {
	switch {
	case s == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidChannel)
	case strings.HasPrefix(s, "@"):
		name, err := url.PathUnescape(s[1:])
		if err != nil || name == "" || Channel("@"+url.PathEscape(name)) != Channel(s) {
			return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
		}
		return Scope(name).channel()
	}

	class, id, found := strings.Cut(s, "-")
	if !found {
		ch, err := Class(class).channel()
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
		}
		return ch, nil
	}
	raw, err := url.PathUnescape(id)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	ch, err := Instance{Class: class, ID: raw}.channel()
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	// Reject non-canonical escapings so one scope has exactly one name.
	if ch != Channel(s) {
		return "", fmt.Errorf("%w: %q is not canonical", ErrInvalidChannel, s)
	}
	return ch, nil
}

// WithPrefix returns the name used on an external relay.
func WithPrefix(prefix string, c Channel) string {
	if prefix == "" {
		return string(c)
	}
	return prefix + "-" + string(c)
}

// StripPrefix reverses WithPrefix and validates the result.
func StripPrefix(prefix, name string) (Channel, error) {
	if prefix != "" {
		trimmed, ok := strings.CutPrefix(name, prefix+"-")
		if !ok {
			return "", fmt.Errorf("%w: %q lacks prefix %q", ErrInvalidChannel, name, prefix)
		}
		name = trimmed
	}
	return Parse(name)
}
