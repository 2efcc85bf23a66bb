// Package policy provides the permission oracles the broadcast core consults.
package policy

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/channel"
	"github.com/dgnsrekt/synchromesh/internal/config"
)

// New builds the oracle selected by cfg.Mode. token authenticates calls to a
// remote oracle and is ignored in static mode.
func New(cfg config.PolicyConfig, token string, logger *zap.Logger) (channel.Oracle, error) {
	switch cfg.Mode {
	case config.PolicyStatic, "":
		return NewStatic(cfg.Rules), nil
	case config.PolicyHTTP:
		return NewHTTP(cfg.URL, token, cfg.RatePerSecond, cfg.Timeout, cfg.RetryCount, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}
