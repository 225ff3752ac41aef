package domain

import "time"

// GatewayRegistration tracks one gateway's lifecycle for a location. A
// fresh registration is created on every connect; connected_at and
// disconnected_at are never reused across connections.
type GatewayRegistration struct {
	ID             string     `json:"id" db:"id"`
	LocationID     string     `json:"location_id" db:"location_id"`
	URL            string     `json:"url" db:"url"`
	Hostname       string     `json:"hostname,omitempty" db:"hostname"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty" db:"disconnected_at"`
}

// IsConnected reports whether the gateway should currently be considered
// connected: connected_at is set, and either disconnected_at is unset or
// connected_at is at or after it. The tie case (equal timestamps) counts
// as connected.
func (g GatewayRegistration) IsConnected() bool {
	if g.ConnectedAt == nil {
		return false
	}
	if g.DisconnectedAt == nil {
		return true
	}
	return !g.ConnectedAt.Before(*g.DisconnectedAt)
}

// PeerStatsSample is one append-only observation reported by a gateway
// for a device on a location.
type PeerStatsSample struct {
	DeviceID        string    `json:"device_id" db:"device_id"`
	LocationID      string    `json:"location_id" db:"location_id"`
	CollectedAt     time.Time `json:"collected_at" db:"collected_at"`
	Upload          uint64    `json:"upload" db:"upload"`
	Download        uint64    `json:"download" db:"download"`
	LatestHandshake *time.Time `json:"latest_handshake,omitempty" db:"latest_handshake"`
	Endpoint        string    `json:"endpoint,omitempty" db:"endpoint"`
	AllowedIPsText  string    `json:"allowed_ips_text,omitempty" db:"allowed_ips_text"`
}

// PurgeAudit records one run of the Stats Retention task.
type PurgeAudit struct {
	ID               string    `json:"id" db:"id"`
	StartedAt        time.Time `json:"started_at" db:"started_at"`
	FinishedAt       time.Time `json:"finished_at" db:"finished_at"`
	RemovalThreshold time.Duration `json:"removal_threshold" db:"removal_threshold"`
	RecordsRemoved   int       `json:"records_removed" db:"records_removed"`
}

// GatewayEventType discriminates the GatewayEvent union.
type GatewayEventType string

const (
	EventNetworkCreated        GatewayEventType = "network_created"
	EventNetworkModified       GatewayEventType = "network_modified"
	EventNetworkDeleted        GatewayEventType = "network_deleted"
	EventDeviceCreated         GatewayEventType = "device_created"
	EventDeviceModified        GatewayEventType = "device_modified"
	EventDeviceDeleted         GatewayEventType = "device_deleted"
	EventFirewallConfigChanged GatewayEventType = "firewall_config_changed"
	EventFirewallDisabled      GatewayEventType = "firewall_disabled"
)

// GatewayEvent is the single typed union broadcast on the Gateway Event
// Bus and forwarded, in publication order, to every connected gateway
// whose location it affects.
type GatewayEvent struct {
	Type        GatewayEventType `json:"type"`
	LocationID  string           `json:"location_id"`
	Location    *Location        `json:"location,omitempty"`
	LocationName string          `json:"location_name,omitempty"`
	PeerList    []PeerConfig     `json:"peer_list,omitempty"`
	Firewall    *FirewallConfig  `json:"firewall,omitempty"`
	Device      *DeviceInfo      `json:"device,omitempty"`
	PublishedAt time.Time        `json:"published_at"`
}

// Redacted returns a copy of the event safe to log: any embedded device
// info has its preshared keys stripped.
func (e GatewayEvent) Redacted() GatewayEvent {
	if e.Device != nil {
		red := e.Device.Redacted()
		e.Device = &red
	}
	if e.Location != nil {
		red := e.Location.Redacted()
		e.Location = &red
	}
	return e
}
