package domain

// ConnectionState is the single source of truth for whether requests may be issued.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

func (s ConnectionState) String() string { return string(s) }
