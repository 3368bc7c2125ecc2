package amqp

import (
	"encoding/json"
	"time"

	"receiptflow/internal/core"
)

// ReceiptSettledMessage announces that a tracked receipt left the pending
// state. It carries only identifiers; consumers read the full record from
// local storage.
type ReceiptSettledMessage struct {
	ReceiptID  int64           `json:"receipt_id"`
	Owner      string          `json:"owner"`
	TrackState core.TrackState `json:"track_state"`
	Timestamp  time.Time       `json:"timestamp"`
}

func NewReceiptSettledMessage(receiptID int64, owner string, state core.TrackState) *ReceiptSettledMessage {
	return &ReceiptSettledMessage{
		ReceiptID:  receiptID,
		Owner:      owner,
		TrackState: state,
		Timestamp:  time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *ReceiptSettledMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ReceiptSettledMessageFromJSON creates a message from JSON bytes
func ReceiptSettledMessageFromJSON(data []byte) (*ReceiptSettledMessage, error) {
	var msg ReceiptSettledMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
