package storage

import "time"

// MessageRecord is the stored chat message as the ticketing application
// persists it. The ingestion/reconciliation core only ever reads and patches
// these rows through the named operations; row ownership stays upstream.
type MessageRecord struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenantId"`
	ExternalID  string                 `json:"externalId"`
	InstanceID  string                 `json:"instanceId"`
	ChatID      string                 `json:"chatId"`
	Body        string                 `json:"body"`
	Caption     string                 `json:"caption,omitempty"`
	Metadata    map[string]interface{} `json:"metadata"`
	AckStatus   string                 `json:"ackStatus"`
	AckAt       *time.Time             `json:"ackAt,omitempty"`
	DeliveredAt *time.Time             `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time             `json:"readAt,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}
