package transport

import (
	"encoding/json"
	"fmt"

	"github.com/dgnsrekt/synchromesh/internal/outbox"
)

// Upstream frame types sent by socket clients.
const (
	frameJoin   = "join"
	frameLeave  = "leave"
	framePing   = "ping"
	frameUpdate = "update"
)

// Downstream frame types.
const (
	frameConnected = "connected"
	frameAck       = "ack"
	framePong      = "pong"
	frameMessage   = "message"
)

type upstreamFrame struct {
	Type          string          `json:"type"`
	Channel       string          `json:"channel,omitempty"`
	Salt          string          `json:"salt,omitempty"`
	Authorization string          `json:"authorization,omitempty"`
	BroadcastID   string          `json:"broadcast_id,omitempty"`
	Operation     string          `json:"operation,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	AckID         *uint64         `json:"ack_id,omitempty"`
}

type downstreamFrame struct {
	Type     string          `json:"type"`
	ClientID string          `json:"client_id,omitempty"`
	ConnID   string          `json:"conn_id,omitempty"`
	AckID    *uint64         `json:"ack_id,omitempty"`
	Success  *bool           `json:"success,omitempty"`
	Error    string          `json:"error,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Message  *outbox.Message `json:"message,omitempty"`
}

func parseUpstream(data []byte) (upstreamFrame, error) {
	var f upstreamFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("unmarshal upstream frame: %w", err)
	}
	switch f.Type {
	case frameJoin, frameLeave, frameUpdate:
		if f.Channel == "" {
			return f, fmt.Errorf("%s frame without channel", f.Type)
		}
	case framePing:
	default:
		return f, fmt.Errorf("unknown frame type: %q", f.Type)
	}
	return f, nil
}

func encodeFrame(f downstreamFrame) []byte {
	data, _ := json.Marshal(f)
	return data
}

func connectedFrame(clientID, connID string) []byte {
	return encodeFrame(downstreamFrame{Type: frameConnected, ClientID: clientID, ConnID: connID})
}

func ackFrame(ackID uint64, success bool, reason string) []byte {
	return encodeFrame(downstreamFrame{Type: frameAck, AckID: &ackID, Success: &success, Error: reason})
}

func pongFrame() []byte {
	return encodeFrame(downstreamFrame{Type: framePong})
}

func messageFrame(relayChannel string, msg outbox.Message) ([]byte, error) {
	data, err := json.Marshal(downstreamFrame{Type: frameMessage, Channel: relayChannel, Message: &msg})
	if err != nil {
		return nil, fmt.Errorf("encoding message frame: %w", err)
	}
	return data, nil
}
