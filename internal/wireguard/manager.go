package wireguard

import (
	"fmt"
	"net"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/defguard/core/internal/domain"
)

// DeviceClient is the subset of *wgctrl.Client the Manager needs. Core
// itself never constructs a real client (it never calls wgctrl.New()
// against a local kernel interface — the gateway, not the core, owns the
// data plane); only a gateway test harness swaps in a
// fake implementation to exercise Manager.SyncPeers end to end.
type DeviceClient interface {
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

// NewRealDeviceClient dials the local kernel/userspace WireGuard
// implementation. Nothing in cmd/server/main.go's startup path calls
// this — it exists for a gateway process (or its test harness) to wire
// Manager to an actual interface, which is out of this module's scope.
func NewRealDeviceClient() (DeviceClient, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create wgctrl client: %w", err)
	}
	return client, nil
}

// Manager builds wgtypes.PeerConfig descriptors for a location's peer set
// and, when given a real DeviceClient, applies them to a local interface.
// The client is injected rather than constructed internally.
type Manager struct {
	interfaceName string
	privateKey    string
	port          int
	client        DeviceClient
}

// NewManager constructs a Manager around an already-dialed client. Pass
// nil to build descriptors only, without ever touching a local interface.
func NewManager(client DeviceClient, iface, privKey string, port int) *Manager {
	return &Manager{interfaceName: iface, privateKey: privKey, port: port, client: client}
}

func (m *Manager) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// BuildPeerConfigs flattens a location's authorized bindings into
// wgtypes.PeerConfig descriptors, the shape the Gateway Stream Server
// embeds in its Configuration/Update messages. This is a pure
// function: it never touches a network interface.
func BuildPeerConfigs(peers []domain.PeerConfig) ([]wgtypes.PeerConfig, error) {
	out := make([]wgtypes.PeerConfig, 0, len(peers))
	for _, p := range peers {
		pubKey, err := wgtypes.ParseKey(p.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("invalid peer public key for %q: %w", p.Name, err)
		}

		var psk *wgtypes.Key
		if p.PresharedKey != "" {
			k, err := wgtypes.ParseKey(p.PresharedKey)
			if err != nil {
				return nil, fmt.Errorf("invalid preshared key for peer %q: %w", p.Name, err)
			}
			psk = &k
		}

		allowedIPs := make([]net.IPNet, 0, len(p.AllowedIPs))
		for _, cidr := range p.AllowedIPs {
			ipNet, err := parseIPNet(cidr)
			if err != nil {
				return nil, fmt.Errorf("invalid allowed-ip %q for peer %q: %w", cidr, p.Name, err)
			}
			allowedIPs = append(allowedIPs, ipNet)
		}

		var keepalive *time.Duration
		if p.PersistentKeepalive > 0 {
			d := time.Duration(p.PersistentKeepalive) * time.Second
			keepalive = &d
		}

		out = append(out, wgtypes.PeerConfig{
			PublicKey:                   pubKey,
			PresharedKey:                psk,
			AllowedIPs:                  allowedIPs,
			PersistentKeepaliveInterval: keepalive,
			ReplaceAllowedIPs:           true,
		})
	}
	return out, nil
}

func parseIPNet(cidr string) (net.IPNet, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		// Bare address (no mask): treat as a /32 or /128 host route.
		addr := net.ParseIP(cidr)
		if addr == nil {
			return net.IPNet{}, fmt.Errorf("not a valid IP or CIDR: %s", cidr)
		}
		bits := 32
		if addr.To4() == nil {
			bits = 128
		}
		return net.IPNet{IP: addr, Mask: net.CIDRMask(bits, bits)}, nil
	}
	ipNet.IP = ip
	return *ipNet, nil
}

// SyncPeers builds descriptors from peers and applies them to the local
// interface via the injected DeviceClient. Returns an error if Manager
// was built with a nil client — the ordinary case for the core control
// plane, which only ever builds descriptors to hand to the gateway.
func (m *Manager) SyncPeers(peers []domain.PeerConfig) error {
	if m.client == nil {
		return fmt.Errorf("wireguard: manager has no device client configured, peers must be shipped to the gateway instead")
	}

	descriptors, err := BuildPeerConfigs(peers)
	if err != nil {
		return err
	}

	key, err := wgtypes.ParseKey(m.privateKey)
	if err != nil {
		return fmt.Errorf("invalid server private key: %w", err)
	}

	cfg := wgtypes.Config{
		PrivateKey:   &key,
		ListenPort:   &m.port,
		ReplacePeers: true,
		Peers:        descriptors,
	}
	if err := m.client.ConfigureDevice(m.interfaceName, cfg); err != nil {
		return fmt.Errorf("failed to configure device %s: %w", m.interfaceName, err)
	}
	return nil
}
