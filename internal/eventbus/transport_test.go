package eventbus

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/defguard/core/internal/authtoken"
	"github.com/defguard/core/internal/domain"
	"github.com/defguard/core/internal/repository"
)

func TestTransport_ConnectReceivesSnapshotThenLiveEvent(t *testing.T) {
	locations := repository.NewInMemoryLocationRepository()
	devices := repository.NewInMemoryDeviceRepository()
	bindings := repository.NewInMemoryBindingRepository()
	gateways := repository.NewInMemoryGatewayRepository()
	stats := repository.NewInMemoryPeerStatsRepository()

	loc := &domain.Location{ID: "loc-1", Name: "office", CIDRs: []string{"10.0.0.0/24"}, ACLEnabled: false}
	if err := locations.Create(context.Background(), loc); err != nil {
		t.Fatalf("create location: %v", err)
	}
	dev := &domain.Device{ID: "dev-1", Name: "laptop", WireguardPubkey: "pubkey-1", Type: domain.DeviceTypeUser}
	if err := devices.Create(context.Background(), dev); err != nil {
		t.Fatalf("create device: %v", err)
	}
	if err := bindings.Upsert(context.Background(), &domain.Binding{LocationID: loc.ID, DeviceID: dev.ID, Addresses: []string{"10.0.0.2/32"}, IsAuthorized: true}); err != nil {
		t.Fatalf("upsert binding: %v", err)
	}

	issuer := authtoken.NewIssuer([]byte("test-secret"))
	token, err := issuer.IssueGatewayToken(loc.ID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	bus := New()
	busCtx, cancelBus := context.WithCancel(context.Background())
	defer cancelBus()
	go bus.Run(busCtx)

	stream := &StreamServer{
		Bus: bus, Auth: issuer, Locations: locations, Devices: devices,
		Bindings: bindings, Gateways: gateways, PeerStats: stats,
	}
	transport := NewTransport(stream)

	srv := httptest.NewServer(transport)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var snapshot domain.GatewayEvent
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Type != domain.EventNetworkModified {
		t.Fatalf("expected network_modified snapshot, got %s", snapshot.Type)
	}
	if len(snapshot.PeerList) != 1 || snapshot.PeerList[0].PublicKey != "pubkey-1" {
		t.Fatalf("expected snapshot to carry the authorized peer, got %+v", snapshot.PeerList)
	}

	// Give the server time to finish registering the subscriber before we publish.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(domain.GatewayEvent{Type: domain.EventDeviceModified, LocationID: loc.ID, PublishedAt: time.Now().UTC()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update domain.GatewayEvent
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if update.Type != domain.EventDeviceModified {
		t.Fatalf("expected device_modified update, got %s", update.Type)
	}
}

func TestTransport_MissingTokenRejected(t *testing.T) {
	stream := &StreamServer{
		Bus: New(), Auth: authtoken.NewIssuer([]byte("s")),
		Locations: repository.NewInMemoryLocationRepository(),
		Devices:   repository.NewInMemoryDeviceRepository(),
		Bindings:  repository.NewInMemoryBindingRepository(),
		Gateways:  repository.NewInMemoryGatewayRepository(),
		PeerStats: repository.NewInMemoryPeerStatsRepository(),
	}
	transport := NewTransport(stream)
	srv := httptest.NewServer(transport)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}
