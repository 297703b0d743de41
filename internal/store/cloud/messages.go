package cloud

import (
	"encoding/json"
	"time"
)

// PeriodChangedMessage announces a remote document write. The full document
// rides on the message so subscribers reconcile without a read round-trip.
type PeriodChangedMessage struct {
	Path      string          `json:"path"`
	UpdatedAt int64           `json:"updatedAt"`
	Doc       json.RawMessage `json:"doc"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewPeriodChangedMessage(path string, updatedAt int64, doc []byte) *PeriodChangedMessage {
	return &PeriodChangedMessage{
		Path:      path,
		UpdatedAt: updatedAt,
		Doc:       doc,
		Timestamp: time.Now(),
	}
}

func (m *PeriodChangedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func PeriodChangedMessageFromJSON(data []byte) (*PeriodChangedMessage, error) {
	var msg PeriodChangedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
