package policy

import (
	"context"
	"path"
	"slices"

	"github.com/dgnsrekt/synchromesh/internal/channel"
	"github.com/dgnsrekt/synchromesh/internal/config"
)

// Static answers permission questions from the rules in the configuration.
// Nothing is allowed unless a rule grants it.
type Static struct {
	rules []config.PolicyRule
}

var _ channel.Oracle = (*Static)(nil)

func NewStatic(rules []config.PolicyRule) *Static {
	return &Static{rules: rules}
}

func (s *Static) ConnectionAllowed(ctx context.Context, user channel.User, ch channel.Channel) (bool, error) {
	for _, r := range s.rules {
		if appliesTo(r, user) && matchChannel(r.Channel, ch) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Static) AttributeReadable(ctx context.Context, user channel.User, model channel.Model, attr string) (bool, error) {
	for _, r := range s.rules {
		if !appliesTo(r, user) || !matchModel(r.Channel, model) {
			continue
		}
		if len(r.Attributes) == 0 {
			return true, nil
		}
		for _, pattern := range r.Attributes {
			if ok, _ := path.Match(pattern, attr); ok {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *Static) ActionPermitted(ctx context.Context, user channel.User, model channel.Model, action channel.Action) (bool, error) {
	for _, r := range s.rules {
		if appliesTo(r, user) && matchModel(r.Channel, model) && slices.Contains(r.Actions, string(action)) {
			return true, nil
		}
	}
	return false, nil
}

func appliesTo(r config.PolicyRule, user channel.User) bool {
	if user.ID == "" {
		return r.Anonymous
	}
	if len(r.Users) == 0 && len(r.Groups) == 0 {
		return true
	}
	if slices.Contains(r.Users, user.ID) {
		return true
	}
	for _, g := range user.Groups {
		if slices.Contains(r.Groups, g) {
			return true
		}
	}
	return false
}

func matchChannel(pattern string, ch channel.Channel) bool {
	ok, _ := path.Match(pattern, string(ch))
	return ok
}

// matchModel checks the model's class channel and, when it has an id, its
// instance channel.
func matchModel(pattern string, model channel.Model) bool {
	if ch, err := channel.Normalize(channel.Class(model.Class)); err == nil && matchChannel(pattern, ch) {
		return true
	}
	if model.ID == "" {
		return false
	}
	ch, err := channel.Normalize(channel.Instance{Class: model.Class, ID: model.ID})
	return err == nil && matchChannel(pattern, ch)
}
