package instance

import "time"

// Mapping ties a broker-assigned session identifier to the tenant-scoped
// instance record in storage. It is the only cross-session memory of which
// broker session belongs to which tenant instance.
type Mapping struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	BrokerID  string    `json:"brokerId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
