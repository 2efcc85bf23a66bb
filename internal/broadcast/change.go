package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/dgnsrekt/synchromesh/internal/channel"
	"github.com/dgnsrekt/synchromesh/internal/outbox"
)

// Change is the payload of every broadcast: which record changed and the
// attribute values after the change.
type Change struct {
	Class      string         `json:"class"`
	ID         string         `json:"id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (c Change) model() channel.Model {
	return channel.Model{Class: c.Class, ID: c.ID, Attributes: c.Attributes}
}

func decodeChange(raw json.RawMessage) (Change, error) {
	var c Change
	if err := json.Unmarshal(raw, &c); err != nil {
		return Change{}, fmt.Errorf("%w: payload: %v", ErrMalformedRequest, err)
	}
	if c.Class == "" {
		return Change{}, fmt.Errorf("%w: payload has no class", ErrMalformedRequest)
	}
	return c, nil
}

// Delivery is one entry of a read response. A Resync entry carries no
// message: the client missed pruned messages on Channel and must refresh.
type Delivery struct {
	Channel     channel.Channel  `json:"channel"`
	Sequence    uint64           `json:"sequence,omitempty"`
	BroadcastID string           `json:"broadcast_id,omitempty"`
	Operation   outbox.Operation `json:"operation,omitempty"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Resync      bool             `json:"resync,omitempty"`
}
