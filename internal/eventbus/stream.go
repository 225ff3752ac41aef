package eventbus

import (
	"context"
	"time"

	"github.com/defguard/core/internal/authtoken"
	"github.com/defguard/core/internal/domain"
	"github.com/defguard/core/internal/repository"
)

// StreamServer implements the per-gateway connection contract:
// authenticate, push an initial full snapshot, forward subsequent events
// in order, ingest stats samples, and record connect/disconnect.
type StreamServer struct {
	Bus        *Bus
	Auth       *authtoken.Issuer
	Locations  repository.LocationRepository
	Devices    repository.DeviceRepository
	Bindings   repository.BindingRepository
	Gateways   repository.GatewayRepository
	PeerStats  repository.PeerStatsRepository
	Firewall   FirewallCompiler
}

// FirewallCompiler is the subset of internal/acl.Compiler the stream
// server needs for the initial snapshot's firewall_config.
type FirewallCompiler interface {
	Compile(ctx context.Context, loc domain.Location, now time.Time) (*domain.FirewallConfig, error)
}

// Session is one authenticated, connected gateway.
type Session struct {
	Registration *domain.GatewayRegistration
	Subscriber   *Subscriber
}

// Connect authenticates bearerToken, records a fresh GatewayRegistration,
// subscribes to the bus for the gateway's location, and returns the
// initial NetworkModified snapshot to send before streaming live events.
func (s *StreamServer) Connect(ctx context.Context, bearerToken, url, hostname string, now time.Time) (*Session, *domain.GatewayEvent, error) {
	claims, err := s.Auth.ValidateGatewayToken(bearerToken)
	if err != nil {
		return nil, nil, err
	}

	loc, err := s.Locations.GetByID(ctx, claims.LocationID)
	if err != nil {
		return nil, nil, err
	}

	reg, err := s.Gateways.Connect(ctx, loc.ID, url, hostname, now)
	if err != nil {
		return nil, nil, err
	}

	snapshot, err := s.snapshot(ctx, *loc, now)
	if err != nil {
		return nil, nil, err
	}

	sub := s.Bus.Subscribe(loc.ID)
	return &Session{Registration: reg, Subscriber: sub}, snapshot, nil
}

// Disconnect records disconnected_at and removes the subscription. Safe
// to call once per session, on EOF or transport error.
func (s *StreamServer) Disconnect(ctx context.Context, sess *Session, now time.Time) error {
	s.Bus.Unsubscribe(sess.Subscriber)
	return s.Gateways.Disconnect(ctx, sess.Registration.ID, now)
}

// IngestStats persists one reported sample and updates the last-handshake
// view the inactivity controller reads.
func (s *StreamServer) IngestStats(ctx context.Context, sample domain.PeerStatsSample) error {
	return s.PeerStats.Append(ctx, sample)
}

func (s *StreamServer) snapshot(ctx context.Context, loc domain.Location, now time.Time) (*domain.GatewayEvent, error) {
	bindings, err := s.Bindings.ListByLocation(ctx, loc.ID)
	if err != nil {
		return nil, err
	}

	peers := make([]domain.PeerConfig, 0, len(bindings))
	for _, b := range bindings {
		if !b.IsAuthorized {
			continue
		}
		dev, err := s.Devices.GetByID(ctx, b.DeviceID)
		if err != nil {
			continue
		}
		peers = append(peers, domain.PeerConfig{
			PublicKey:           dev.WireguardPubkey,
			AllowedIPs:          b.Addresses,
			PresharedKey:        b.PresharedKey,
			PersistentKeepalive: loc.KeepaliveSeconds,
			Name:                dev.Name,
		})
	}

	var firewall *domain.FirewallConfig
	if loc.ACLEnabled && s.Firewall != nil {
		firewall, err = s.Firewall.Compile(ctx, loc, now)
		if err != nil {
			return nil, err
		}
	}

	locCopy := loc
	return &domain.GatewayEvent{
		Type:        domain.EventNetworkModified,
		LocationID:  loc.ID,
		Location:    &locCopy,
		PeerList:    peers,
		Firewall:    firewall,
		PublishedAt: now,
	}, nil
}
