package domain

import "time"

// PortRange is a half-open range of ports: [Start, End); End is always
// exclusive.
type PortRange struct {
	Start uint16 `json:"start"`
	End   uint16 `json:"end"` // exclusive
}

// Contains reports whether port p falls inside the range.
func (r PortRange) Contains(p uint16) bool {
	return p >= r.Start && p < r.End
}

// Protocol is an IP protocol name as understood by the gateway's firewall
// backend ("tcp", "udp", "icmp",...).
type Protocol string

// AclAlias is a reusable bundle of destinations/ports/protocols, flattened
// into any rule that references it.
type AclAlias struct {
	ID           string      `json:"id" db:"id"`
	Name         string      `json:"name" db:"name"`
	Destinations []string    `json:"destinations" db:"destinations"`
	Ports        []PortRange `json:"ports" db:"ports"`
	Protocols    []Protocol  `json:"protocols" db:"protocols"`
}

// AclRule is a policy statement mapping a set of users to a set of
// destinations/ports/protocols, enforced under a location's default
// policy.
type AclRule struct {
	ID             string      `json:"id" db:"id"`
	Name           string      `json:"name" db:"name"`
	AllowAllUsers  bool        `json:"allow_all_users" db:"allow_all_users"`
	DenyAllUsers   bool        `json:"deny_all_users" db:"deny_all_users"`
	AllowedUsers   []string    `json:"allowed_users" db:"allowed_users"`
	DeniedUsers    []string    `json:"denied_users" db:"denied_users"`
	AllowedGroups  []string    `json:"allowed_groups" db:"allowed_groups"`
	DeniedGroups   []string    `json:"denied_groups" db:"denied_groups"`
	Destinations   []string    `json:"destinations" db:"destinations"`
	Ports          []PortRange `json:"ports" db:"ports"`
	Protocols      []Protocol  `json:"protocols" db:"protocols"`
	Expires        *time.Time  `json:"expires,omitempty" db:"expires"`
	LocationIDs    []string    `json:"location_ids" db:"location_ids"`
	AliasIDs       []string    `json:"alias_ids,omitempty" db:"alias_ids"`
}

// IsExpired reports whether the rule's expires timestamp, if set, is in
// the past relative to now.
func (r AclRule) IsExpired(now time.Time) bool {
	return r.Expires != nil && now.After(*r.Expires)
}

// FirewallRule is the compiled, gateway-installable form of an ACL rule,
// expressed in the opposite verdict of the location's default policy.
type FirewallRule struct {
	ID                string         `json:"id"`
	SourceAddrs       []string       `json:"source_addrs"`
	DestinationAddrs  []string       `json:"destination_addrs"`
	DestinationPorts  []PortRange    `json:"destination_ports"`
	Protocols         []Protocol     `json:"protocols"`
	Verdict           FirewallPolicy `json:"verdict"`
	Comment           string         `json:"comment,omitempty"`
}

// FirewallConfig is the derived-not-stored list of compiled rules plus
// the location's fall-through default policy.
type FirewallConfig struct {
	LocationID    string         `json:"location_id"`
	DefaultPolicy FirewallPolicy `json:"default_policy"`
	Rules         []FirewallRule `json:"rules"`
}
