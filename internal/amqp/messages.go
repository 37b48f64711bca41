package amqp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"ricorrente/internal/core"
)

// NotificationMessage is the user-facing event published for every generated
// transaction.
type NotificationMessage struct {
	MessageID string    `json:"message_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Date      string    `json:"date"`
	Icon      string    `json:"icon"`
	Timestamp time.Time `json:"timestamp"`
}

func NewNotificationMessage(n core.Notification) *NotificationMessage {
	return &NotificationMessage{
		MessageID: uuid.NewString(),
		Kind:      n.Kind,
		Message:   n.Message,
		Date:      n.Date.String(),
		Icon:      n.Icon,
		Timestamp: time.Now(),
	}
}

func (m *NotificationMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// TransactionExportMessage asks the export worker to mirror one generated
// row to the sheet. It carries only the source table and id; the worker
// fetches the full row from the database.
type TransactionExportMessage struct {
	Source    string    `json:"source"`
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

func NewTransactionExportMessage(source string, id int64) *TransactionExportMessage {
	return &TransactionExportMessage{
		Source:    source,
		ID:        id,
		Timestamp: time.Now(),
	}
}

func (m *TransactionExportMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func TransactionExportMessageFromJSON(data []byte) (*TransactionExportMessage, error) {
	var msg TransactionExportMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
