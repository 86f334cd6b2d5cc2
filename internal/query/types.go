package query

import "encoding/json"

// StreamSummary is one durable stream row for API queries. Amounts are
// decimal strings. AsOfSequence is the highest persisted event sequence at
// query time; the in-memory book may be slightly ahead of it.
type StreamSummary struct {
	StreamID     string `json:"stream_id"`
	Owner        string `json:"owner"`
	StartTime    int64  `json:"start_time"`
	Total        string `json:"total"`
	Claimed      string `json:"claimed"`
	UpdatedSeq   int64  `json:"updated_seq"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// EventRecord is one event-log row for API queries.
type EventRecord struct {
	Sequence  int64           `json:"sequence"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	StreamID  *string         `json:"stream_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // unix micros
}
