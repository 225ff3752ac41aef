package domain

import (
	"net"
	"time"
)

// MFAMode selects whether a location requires a second factor before a
// peer is authorized, and if so whether it is checked internally (TOTP /
// email / WebAuthn) or delegated to an external IdP.
type MFAMode string

const (
	MFADisabled MFAMode = "disabled"
	MFAInternal MFAMode = "internal"
	MFAExternal MFAMode = "external"
)

// ServiceLocationMode controls whether a location's tunnel is expected to
// be up before a user can authenticate against anything else.
type ServiceLocationMode string

const (
	ServiceLocationDisabled ServiceLocationMode = "disabled"
	ServiceLocationPreLogon ServiceLocationMode = "pre_logon"
	ServiceLocationAlwaysOn ServiceLocationMode = "always_on"
)

// FirewallPolicy is a location's default verdict for traffic not matched
// by any compiled firewall rule.
type FirewallPolicy string

const (
	PolicyAllow FirewallPolicy = "allow"
	PolicyDeny  FirewallPolicy = "deny"
)

// Invert returns the opposite policy, the verdict the ACL compiler emits
// rules as.
func (p FirewallPolicy) Invert() FirewallPolicy {
	if p == PolicyAllow {
		return PolicyDeny
	}
	return PolicyAllow
}

// KeyPair is a WireGuard X25519 keypair. PrivateKey is never logged or
// serialized in a Redacted view.
type KeyPair struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key,omitempty"`
}

// Redacted returns a copy safe to log or return over an API response.
func (k KeyPair) Redacted() KeyPair {
	return KeyPair{PublicKey: k.PublicKey}
}

// Location is a WireGuard network instance: the set of CIDRs peers are
// addressed from, the gateway's own identity, and the policy knobs that
// govern which devices are admitted and how their traffic is filtered.
type Location struct {
	ID                       string               `json:"id" db:"id"`
	Name                     string               `json:"name" db:"name"`
	CIDRs                    []string             `json:"cidrs" db:"cidrs"`
	ListenPort               int                  `json:"listen_port" db:"listen_port"`
	Endpoint                 string               `json:"endpoint" db:"endpoint"`
	DNS                      []string             `json:"dns,omitempty" db:"dns"`
	AllowedIPs               []string             `json:"allowed_ips" db:"allowed_ips"`
	KeepaliveSeconds         int                  `json:"keepalive_seconds" db:"keepalive_seconds"`
	PeerDisconnectThreshold  time.Duration        `json:"peer_disconnect_threshold_seconds" db:"peer_disconnect_threshold_seconds"`
	MFAMode                  MFAMode              `json:"mfa_mode" db:"mfa_mode"`
	ServiceLocationMode      ServiceLocationMode  `json:"service_location_mode" db:"service_location_mode"`
	ACLEnabled               bool                 `json:"acl_enabled" db:"acl_enabled"`
	ACLDefault               FirewallPolicy       `json:"acl_default" db:"acl_default"`
	ServerKeyPair            KeyPair              `json:"server_keypair" db:"server_keypair"`
	CreatedAt                time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt                time.Time            `json:"updated_at" db:"updated_at"`
}

// Redacted returns a copy of the location safe for logs/API responses:
// the server keypair's private half is stripped.
func (l Location) Redacted() Location {
	l.ServerKeyPair = l.ServerKeyPair.Redacted()
	return l
}

// PrimaryFamily returns the address family of the location's first
// configured CIDR, used by the ACL compiler to drop mixed-family rules.
func (l Location) PrimaryFamily() (string, error) {
	if len(l.CIDRs) == 0 {
		return "", NewError(ErrInvalidArgument, "location has no configured CIDR", nil)
	}
	_, network, err := net.ParseCIDR(l.CIDRs[0])
	if err != nil {
		return "", NewError(ErrInvalidArgument, "location has malformed primary CIDR", map[string]string{"cidr": l.CIDRs[0]})
	}
	if network.IP.To4() != nil {
		return "ipv4", nil
	}
	return "ipv6", nil
}

// ValidateCIDR checks that a CIDR string parses and is not degenerate
// (host count of zero).
func ValidateCIDR(cidr string) error {
	ip, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return NewError(ErrInvalidArgument, "invalid CIDR", map[string]string{"cidr": cidr})
	}
	if ip == nil || network == nil {
		return NewError(ErrInvalidArgument, "invalid CIDR", map[string]string{"cidr": cidr})
	}
	ones, bits := network.Mask.Size()
	if bits-ones < 2 {
		return NewError(ErrNetworkTooSmall, "CIDR has no usable host addresses", map[string]string{"cidr": cidr})
	}
	return nil
}

// CheckCIDROverlap reports whether two CIDR strings describe overlapping
// address ranges. A pure function reusable by any repository backend.
func CheckCIDROverlap(a, b string) (bool, error) {
	_, netA, err := net.ParseCIDR(a)
	if err != nil {
		return false, NewError(ErrInvalidArgument, "invalid CIDR", map[string]string{"cidr": a})
	}
	_, netB, err := net.ParseCIDR(b)
	if err != nil {
		return false, NewError(ErrInvalidArgument, "invalid CIDR", map[string]string{"cidr": b})
	}
	return netA.Contains(netB.IP) || netB.Contains(netA.IP), nil
}
