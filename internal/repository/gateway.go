package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/defguard/core/internal/domain"
)

// GatewayRepository is the Store Gateway surface for GatewayRegistration
// entities.
type GatewayRepository interface {
	// Connect starts a fresh registration for (locationID, url); a
	// reconnect never resumes a prior registration row.
	Connect(ctx context.Context, locationID, url, hostname string, now time.Time) (*domain.GatewayRegistration, error)
	Disconnect(ctx context.Context, id string, now time.Time) error
	ListByLocation(ctx context.Context, locationID string) ([]*domain.GatewayRegistration, error)
	List(ctx context.Context) ([]*domain.GatewayRegistration, error)
}

type InMemoryGatewayRepository struct {
	mu   sync.Mutex
	byID map[string]*domain.GatewayRegistration
	seq  int
}

func NewInMemoryGatewayRepository() *InMemoryGatewayRepository {
	return &InMemoryGatewayRepository{byID: make(map[string]*domain.GatewayRegistration)}
}

func (r *InMemoryGatewayRepository) Connect(ctx context.Context, locationID, url, hostname string, now time.Time) (*domain.GatewayRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	reg := &domain.GatewayRegistration{
		ID:          genID("gw", r.seq),
		LocationID:  locationID,
		URL:         url,
		Hostname:    hostname,
		ConnectedAt: &now,
	}
	r.byID[reg.ID] = reg
	cp := *reg
	return &cp, nil
}

func (r *InMemoryGatewayRepository) Disconnect(ctx context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byID[id]
	if !ok {
		return domain.NewError(domain.ErrNotFound, "gateway registration not found", map[string]string{"id": id})
	}
	reg.DisconnectedAt = &now
	return nil
}

func (r *InMemoryGatewayRepository) ListByLocation(ctx context.Context, locationID string) ([]*domain.GatewayRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.GatewayRegistration, 0)
	for _, reg := range r.byID {
		if reg.LocationID == locationID {
			cp := *reg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *InMemoryGatewayRepository) List(ctx context.Context) ([]*domain.GatewayRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.GatewayRegistration, 0, len(r.byID))
	for _, reg := range r.byID {
		cp := *reg
		out = append(out, &cp)
	}
	return out, nil
}

func genID(prefix string, seq int) string {
	return prefix + "-" + time.Now().UTC().Format("20060102150405.000000000") + "-" + itoa(seq)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// PeerStatsRepository is the Store Gateway surface for PeerStatsSample and
// PurgeAudit entities.
type PeerStatsRepository interface {
	Append(ctx context.Context, sample domain.PeerStatsSample) error
	LatestHandshake(ctx context.Context, deviceID, locationID string) (*time.Time, bool, error)
	// Purge deletes samples older than olderThan, always keeping at least
	// one (the most recent) sample per (device, location).
	Purge(ctx context.Context, olderThan time.Time) (int, error)
	RecordPurgeAudit(ctx context.Context, audit domain.PurgeAudit) error
	ListPurgeAudits(ctx context.Context) ([]domain.PurgeAudit, error)
}

type InMemoryPeerStatsRepository struct {
	mu      sync.Mutex
	samples map[string][]domain.PeerStatsSample // key: deviceID+"/"+locationID, ordered by CollectedAt ascending
	audits  []domain.PurgeAudit
}

func NewInMemoryPeerStatsRepository() *InMemoryPeerStatsRepository {
	return &InMemoryPeerStatsRepository{samples: make(map[string][]domain.PeerStatsSample)}
}

func statsKey(deviceID, locationID string) string { return deviceID + "/" + locationID }

func (r *InMemoryPeerStatsRepository) Append(ctx context.Context, sample domain.PeerStatsSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := statsKey(sample.DeviceID, sample.LocationID)
	r.samples[key] = append(r.samples[key], sample)
	return nil
}

func (r *InMemoryPeerStatsRepository) LatestHandshake(ctx context.Context, deviceID, locationID string) (*time.Time, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	samples := r.samples[statsKey(deviceID, locationID)]
	if len(samples) == 0 {
		return nil, false, nil
	}
	latest := samples[len(samples)-1]
	if latest.LatestHandshake == nil {
		return nil, true, nil
	}
	t := *latest.LatestHandshake
	return &t, true, nil
}

// Purge removes samples older than olderThan for every (device, location)
// key, always retaining the single most recent sample even if it too is
// older than the threshold.
func (r *InMemoryPeerStatsRepository) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, samples := range r.samples {
		if len(samples) <= 1 {
			continue
		}
		kept := make([]domain.PeerStatsSample, 0, len(samples))
		mostRecent := samples[len(samples)-1]
		for _, s := range samples[:len(samples)-1] {
			if s.CollectedAt.Before(olderThan) {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		kept = append(kept, mostRecent)
		r.samples[key] = kept
	}
	return removed, nil
}

func (r *InMemoryPeerStatsRepository) RecordPurgeAudit(ctx context.Context, audit domain.PurgeAudit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.audits = append(r.audits, audit)
	return nil
}

func (r *InMemoryPeerStatsRepository) ListPurgeAudits(ctx context.Context) ([]domain.PurgeAudit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.PurgeAudit, len(r.audits))
	copy(out, r.audits)
	return out, nil
}
