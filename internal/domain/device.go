package domain

import "time"

// DeviceType distinguishes a user's personal peer from a standing
// site-to-site / network device that is bound directly to a location
// rather than owned by an individual user.
type DeviceType string

const (
	DeviceTypeUser    DeviceType = "user"
	DeviceTypeNetwork DeviceType = "network"
)

// Device is a WireGuard peer identity. Its public key is immutable once
// created: rotating keys means deleting the device and creating a new one.
type Device struct {
	ID             string     `json:"id" db:"id"`
	Name           string     `json:"name" db:"name"`
	WireguardPubkey string    `json:"wireguard_pubkey" db:"wireguard_pubkey"`
	OwnerUserID    string     `json:"owner_user_id,omitempty" db:"owner_user_id"`
	Type           DeviceType `json:"type" db:"type"`
	Configured     bool       `json:"configured" db:"configured"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Binding is the per-location record assigning a device its addresses and
// authorization state.
type Binding struct {
	LocationID    string     `json:"location_id" db:"location_id"`
	DeviceID      string     `json:"device_id" db:"device_id"`
	Addresses     []string   `json:"addresses" db:"addresses"`
	PresharedKey  string     `json:"preshared_key,omitempty" db:"preshared_key"`
	IsAuthorized  bool       `json:"is_authorized" db:"is_authorized"`
	AuthorizedAt  *time.Time `json:"authorized_at,omitempty" db:"authorized_at"`
}

// Redacted strips the preshared key for logs/API responses.
func (b Binding) Redacted() Binding {
	b.PresharedKey = ""
	return b
}

// NetworkInfo is the per-location slice of a DeviceInfo event payload.
type NetworkInfo struct {
	LocationID   string   `json:"location_id"`
	Addresses    []string `json:"addresses"`
	PresharedKey string   `json:"preshared_key,omitempty"`
	IsAuthorized bool     `json:"is_authorized"`
}

// Redacted strips the preshared key.
func (n NetworkInfo) Redacted() NetworkInfo {
	n.PresharedKey = ""
	return n
}

// DeviceInfo carries a device plus the bindings affected by a given
// gateway event.
type DeviceInfo struct {
	Device      Device        `json:"device"`
	NetworkInfo []NetworkInfo `json:"network_info"`
}

// Redacted returns a DeviceInfo safe to log: every NetworkInfo entry has
// its preshared key stripped.
func (d DeviceInfo) Redacted() DeviceInfo {
	out := DeviceInfo{Device: d.Device, NetworkInfo: make([]NetworkInfo, len(d.NetworkInfo))}
	for i, ni := range d.NetworkInfo {
		out.NetworkInfo[i] = ni.Redacted()
	}
	return out
}

// PeerConfig is the flattened view of a Device+Binding handed to the
// Gateway Stream Server when it builds a wgtypes.PeerConfig descriptor.
type PeerConfig struct {
	PublicKey           string
	Endpoint            string
	AllowedIPs          []string
	PresharedKey        string
	PersistentKeepalive int
	Name                string
}
