package models

// ConnectionStatus represents the lifecycle state of the transport connection.
type ConnectionStatus string

const (
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionOpen         ConnectionStatus = "open"
	ConnectionReconnecting ConnectionStatus = "reconnecting"
	ConnectionDown         ConnectionStatus = "down"
)

// Connection is a point-in-time snapshot of the single logical connection a
// client instance owns.
type Connection struct {
	Role       Role             `json:"role"`
	Status     ConnectionStatus `json:"status"`
	RetryCount int              `json:"retryCount"`
	LastError  string           `json:"lastError,omitempty"`
}

// Identity is the role-bound principal a connection declares itself as.
type Identity struct {
	SessionID   string      `json:"sessionId"`
	DisplayName string      `json:"displayName"`
	Role        Role        `json:"role"`
	Profile     *ProfileRef `json:"profileRef,omitempty"`
}

// ProfileRef points at an authenticated customer's contact details.
type ProfileRef struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// IsGuest reports whether the identity is an ephemeral anonymous customer.
func (i Identity) IsGuest() bool {
	return i.Role == RoleGuest
}
