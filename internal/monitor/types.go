package monitor

// Batch is one periodic report of outbox and cursor positions.
type Batch struct {
	MonitorID string            `json:"monitor_id"`
	Transport string            `json:"transport"`
	Timestamp int64             `json:"timestamp"`
	Sequence  uint64            `json:"sequence"`
	Channels  []ChannelPosition `json:"channels"`
}

// ChannelPosition describes one channel outbox. Lag is how many messages
// the slowest subscriber has not read yet.
type ChannelPosition struct {
	Channel    string `json:"channel"`
	Head       uint64 `json:"head"`
	MinCursor  uint64 `json:"min_cursor"`
	Subscribed bool   `json:"subscribed"`
	Lag        uint64 `json:"lag"`
}
