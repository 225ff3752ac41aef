// Package inactivity implements the client-MFA and inactivity
// controller: a periodic idle-deauthorization scan over MFA-protected
// locations, plus the Start/Challenge/Finish client-MFA handshake
// exposed to clients through the Proxy Fabric.
package inactivity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/defguard/core/internal/crypto"
	"github.com/defguard/core/internal/domain"
	"github.com/defguard/core/internal/eventbus"
	"github.com/defguard/core/internal/proxyfabric"
	"github.com/defguard/core/internal/repository"
	"github.com/defguard/core/internal/wireguard"
)

const defaultScanInterval = 60 * time.Second

// attemptTTL bounds how long a Start'ed handshake may sit unfinished
// before it is garbage collected.
const attemptTTL = 5 * time.Minute

// Mailer delivers a one-time code to a user's email address. SMTP
// transport and templating live outside the core.
type Mailer interface {
	SendMFACode(ctx context.Context, email, code string) error
}

// WebAuthnVerifier checks a client assertion against a user's stored
// credential set. The ceremony itself (CBOR/COSE parsing, challenge and
// signature validation) lives outside the core.
type WebAuthnVerifier interface {
	VerifyAssertion(ctx context.Context, credentials []string, assertion json.RawMessage) error
}

// Controller owns both halves: the periodic idle-deauthorization
// scan and the client-MFA handshake state machine. It implements
// proxyfabric.Handler so the Fabric can route client-MFA request types
// to it directly.
//
// Mail and WebAuthn are optional collaborators; a factor whose
// collaborator is absent is never offered to clients.
type Controller struct {
	Locations repository.LocationRepository
	Devices   repository.DeviceRepository
	Bindings  repository.BindingRepository
	Users     repository.UserRepository
	PeerStats repository.PeerStatsRepository
	Bus       *eventbus.Bus
	Mail      Mailer
	WebAuthn  WebAuthnVerifier

	ScanInterval time.Duration

	mu       sync.Mutex
	attempts map[string]*attempt
}

// attempt is per-handshake state between Start and Finish.
type attempt struct {
	token      string
	deviceID   string
	locationID string
	userID     string
	emailCode  string
	challenged bool
	startedAt  time.Time
}

func New(locations repository.LocationRepository, devices repository.DeviceRepository, bindings repository.BindingRepository, users repository.UserRepository, stats repository.PeerStatsRepository, bus *eventbus.Bus) *Controller {
	return &Controller{
		Locations:    locations,
		Devices:      devices,
		Bindings:     bindings,
		Users:        users,
		PeerStats:    stats,
		Bus:          bus,
		ScanInterval: defaultScanInterval,
		attempts:     make(map[string]*attempt),
	}
}

// Run drives the periodic scan until ctx is canceled.
func (c *Controller) Run(ctx context.Context) {
	interval := c.ScanInterval
	if interval <= 0 {
		interval = defaultScanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Scan(ctx, time.Now()); err != nil {
				log.Printf("inactivity: scan failed: %v", err)
			}
		}
	}
}

// Scan runs one pass of the idle-deauthorization rule over every
// MFA-enabled location. It is idempotent: a device already unauthorized
// is skipped.
func (c *Controller) Scan(ctx context.Context, now time.Time) error {
	locations, err := c.Locations.List(ctx)
	if err != nil {
		return err
	}
	for _, loc := range locations {
		if loc.MFAMode == domain.MFADisabled {
			continue
		}
		if err := c.scanLocation(ctx, loc, now); err != nil {
			log.Printf("inactivity: location %s scan failed: %v", loc.ID, err)
		}
	}
	return nil
}

func (c *Controller) scanLocation(ctx context.Context, loc *domain.Location, now time.Time) error {
	threshold := loc.PeerDisconnectThreshold
	if threshold <= 0 {
		return nil
	}

	bindings, err := c.Bindings.ListByLocation(ctx, loc.ID)
	if err != nil {
		return err
	}

	for _, b := range bindings {
		if !b.IsAuthorized {
			continue
		}
		if b.AuthorizedAt != nil && now.Sub(*b.AuthorizedAt) <= threshold {
			continue
		}

		handshake, found, err := c.PeerStats.LatestHandshake(ctx, b.DeviceID, loc.ID)
		if err != nil {
			return err
		}
		if found && handshake != nil && now.Sub(*handshake) <= threshold {
			continue
		}

		if err := c.deauthorize(ctx, loc, b); err != nil {
			log.Printf("inactivity: deauthorizing device %s in location %s failed: %v", b.DeviceID, loc.ID, err)
		}
	}
	return nil
}

func (c *Controller) deauthorize(ctx context.Context, loc *domain.Location, b *domain.Binding) error {
	device, err := c.Devices.GetByID(ctx, b.DeviceID)
	if err != nil {
		return err
	}

	b.IsAuthorized = false
	b.PresharedKey = ""
	if err := c.Bindings.Upsert(ctx, b); err != nil {
		return err
	}

	c.publishDeviceEvent(loc, domain.EventDeviceDeleted, device, b)
	return nil
}

func (c *Controller) publishDeviceEvent(loc *domain.Location, evtType domain.GatewayEventType, device *domain.Device, b *domain.Binding) {
	if c.Bus == nil {
		return
	}
	info := domain.DeviceInfo{
		Device: *device,
		NetworkInfo: []domain.NetworkInfo{{
			LocationID:   loc.ID,
			Addresses:    b.Addresses,
			PresharedKey: b.PresharedKey,
			IsAuthorized: b.IsAuthorized,
		}},
	}
	c.Bus.Publish(domain.GatewayEvent{
		Type:        evtType,
		LocationID:  loc.ID,
		Device:      &info,
		PublishedAt: time.Now(),
	})
}

var _ proxyfabric.Handler = (*Controller)(nil)

// Handle dispatches a Proxy Fabric client-MFA request to the matching
// handshake stage. It never mutates a binding except on a successful
// Finish.
func (c *Controller) Handle(ctx context.Context, req proxyfabric.CoreRequest) (proxyfabric.CoreResponse, error) {
	switch req.Type {
	case proxyfabric.RequestClientMfaStart:
		return c.handleStart(ctx, req)
	case proxyfabric.RequestClientMfaTokenValidate:
		return c.handleChallenge(ctx, req)
	case proxyfabric.RequestClientMfaFinish:
		return c.handleFinish(ctx, req)
	default:
		return proxyfabric.CoreResponse{}, domain.NewError(domain.ErrInvalidArgument, "unsupported client-mfa request type", nil)
	}
}

type startPayload struct {
	Pubkey     string `json:"pubkey"`
	LocationID string `json:"location_id"`
}

type startResult struct {
	Token   string   `json:"token"`
	Factors []string `json:"factors"`
}

func (c *Controller) handleStart(ctx context.Context, req proxyfabric.CoreRequest) (proxyfabric.CoreResponse, error) {
	var p startPayload
	if err := unmarshalPayload(req.Payload, &p); err != nil {
		return errResponse(req.ID, err), nil
	}

	device, err := c.Devices.GetByPubkey(ctx, p.Pubkey)
	if err != nil {
		return errResponse(req.ID, err), nil
	}
	if device.OwnerUserID == "" {
		return errResponse(req.ID, domain.NewError(domain.ErrInvalidArgument, "device has no owner", nil)), nil
	}
	owner, err := c.Users.GetByID(ctx, device.OwnerUserID)
	if err != nil {
		return errResponse(req.ID, err), nil
	}
	if !owner.IsActive {
		return errResponse(req.ID, domain.NewError(domain.ErrUnauthorized, "owner is not active", nil)), nil
	}

	token := uuid.NewString()
	c.mu.Lock()
	c.purgeExpiredLocked(time.Now())
	c.attempts[token] = &attempt{
		token:      token,
		deviceID:   device.ID,
		locationID: p.LocationID,
		userID:     owner.ID,
		startedAt:  time.Now(),
	}
	c.mu.Unlock()

	factors := c.availableFactors(owner)
	if len(factors) == 0 {
		c.discard(token)
		return errResponse(req.ID, domain.NewError(domain.ErrPreconditionFailed, "no second factor configured", nil)), nil
	}

	return okResponse(req.ID, startResult{Token: token, Factors: factors})
}

type challengePayload struct {
	Token     string          `json:"token"`
	Factor    string          `json:"factor,omitempty"`
	Code      string          `json:"code,omitempty"`
	Assertion json.RawMessage `json:"assertion,omitempty"`
}

// availableFactors lists the factors the owner has configured and the
// controller can service, preferred factor first.
func (c *Controller) availableFactors(owner *domain.User) []string {
	ordered := []domain.MFAFactor{domain.MFAFactorTOTP, domain.MFAFactorEmail, domain.MFAFactorWebAuthn}
	if owner.MFAMethod != "" {
		rest := make([]domain.MFAFactor, 0, len(ordered))
		for _, f := range ordered {
			if f != owner.MFAMethod {
				rest = append(rest, f)
			}
		}
		ordered = append([]domain.MFAFactor{owner.MFAMethod}, rest...)
	}

	out := make([]string, 0, len(ordered))
	for _, f := range ordered {
		if !owner.HasFactor(f) {
			continue
		}
		if f == domain.MFAFactorEmail && c.Mail == nil {
			continue
		}
		if f == domain.MFAFactorWebAuthn && c.WebAuthn == nil {
			continue
		}
		out = append(out, string(f))
	}
	return out
}

func (c *Controller) handleChallenge(ctx context.Context, req proxyfabric.CoreRequest) (proxyfabric.CoreResponse, error) {
	var p challengePayload
	if err := unmarshalPayload(req.Payload, &p); err != nil {
		return errResponse(req.ID, err), nil
	}

	c.mu.Lock()
	a, ok := c.attempts[p.Token]
	c.mu.Unlock()
	if !ok {
		return errResponse(req.ID, domain.NewError(domain.ErrNotFound, "unknown mfa attempt token", nil)), nil
	}

	owner, err := c.Users.GetByID(ctx, a.userID)
	if err != nil {
		c.discard(p.Token)
		return errResponse(req.ID, err), nil
	}

	factor := domain.MFAFactor(p.Factor)
	if factor == "" {
		factor = domain.MFAFactorTOTP
	}

	switch factor {
	case domain.MFAFactorTOTP:
		if !crypto.ValidateTOTP(p.Code, owner.TOTPSecret) {
			return errResponse(req.ID, domain.NewError(domain.ErrUnauthorized, "invalid mfa code", nil)), nil
		}

	case domain.MFAFactorEmail:
		if c.Mail == nil {
			return errResponse(req.ID, domain.NewError(domain.ErrPreconditionFailed, "email factor is not available", nil)), nil
		}
		// First call delivers a code; a follow-up call with the code
		// verifies it.
		if p.Code == "" {
			code, err := generateEmailCode()
			if err != nil {
				return errResponse(req.ID, domain.NewError(domain.ErrInternalServer, "failed to generate code", nil)), nil
			}
			if err := c.Mail.SendMFACode(ctx, owner.Email, code); err != nil {
				return errResponse(req.ID, domain.NewError(domain.ErrTransient, "failed to deliver code", nil)), nil
			}
			c.mu.Lock()
			a.emailCode = code
			c.mu.Unlock()
			return okResponse(req.ID, map[string]bool{"sent": true})
		}
		c.mu.Lock()
		expected := a.emailCode
		c.mu.Unlock()
		if expected == "" || subtle.ConstantTimeCompare([]byte(p.Code), []byte(expected)) != 1 {
			return errResponse(req.ID, domain.NewError(domain.ErrUnauthorized, "invalid mfa code", nil)), nil
		}

	case domain.MFAFactorWebAuthn:
		if c.WebAuthn == nil {
			return errResponse(req.ID, domain.NewError(domain.ErrPreconditionFailed, "webauthn factor is not available", nil)), nil
		}
		if len(owner.WebAuthnCredentials) == 0 {
			return errResponse(req.ID, domain.NewError(domain.ErrPreconditionFailed, "no passkey registered", nil)), nil
		}
		if err := c.WebAuthn.VerifyAssertion(ctx, owner.WebAuthnCredentials, p.Assertion); err != nil {
			return errResponse(req.ID, domain.NewError(domain.ErrUnauthorized, "invalid webauthn assertion", nil)), nil
		}

	default:
		return errResponse(req.ID, domain.NewError(domain.ErrInvalidArgument, "unsupported mfa factor", map[string]string{"factor": p.Factor})), nil
	}

	c.mu.Lock()
	a.challenged = true
	c.mu.Unlock()

	return okResponse(req.ID, map[string]bool{"ok": true})
}

// generateEmailCode returns a 6-digit one-time code from the
// cryptographic RNG.
func generateEmailCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

type finishPayload struct {
	Token string `json:"token"`
}

type finishResult struct {
	PresharedKey string `json:"preshared_key"`
}

func (c *Controller) handleFinish(ctx context.Context, req proxyfabric.CoreRequest) (proxyfabric.CoreResponse, error) {
	var p finishPayload
	if err := unmarshalPayload(req.Payload, &p); err != nil {
		return errResponse(req.ID, err), nil
	}

	c.mu.Lock()
	a, ok := c.attempts[p.Token]
	c.mu.Unlock()
	if !ok {
		return errResponse(req.ID, domain.NewError(domain.ErrNotFound, "unknown mfa attempt token", nil)), nil
	}
	if !a.challenged {
		return errResponse(req.ID, domain.NewError(domain.ErrUnauthorized, "mfa challenge not completed", nil)), nil
	}

	b, err := c.Bindings.Get(ctx, a.locationID, a.deviceID)
	if err != nil {
		c.discard(p.Token)
		return errResponse(req.ID, err), nil
	}
	loc, err := c.Locations.GetByID(ctx, a.locationID)
	if err != nil {
		c.discard(p.Token)
		return errResponse(req.ID, err), nil
	}
	device, err := c.Devices.GetByID(ctx, a.deviceID)
	if err != nil {
		c.discard(p.Token)
		return errResponse(req.ID, err), nil
	}

	psk, err := wireguard.GeneratePresharedKey()
	if err != nil {
		c.discard(p.Token)
		return errResponse(req.ID, domain.NewError(domain.ErrInternalServer, "failed to generate preshared key", nil)), nil
	}

	now := time.Now()
	b.PresharedKey = psk
	b.IsAuthorized = true
	b.AuthorizedAt = &now
	if err := c.Bindings.Upsert(ctx, b); err != nil {
		c.discard(p.Token)
		return errResponse(req.ID, err), nil
	}

	c.publishDeviceEvent(loc, domain.EventDeviceCreated, device, b)
	c.discard(p.Token)

	return okResponse(req.ID, finishResult{PresharedKey: psk})
}

// discard drops an attempt's state whether it succeeded, failed, or was
// abandoned; it never touches the binding.
func (c *Controller) discard(token string) {
	c.mu.Lock()
	delete(c.attempts, token)
	c.mu.Unlock()
}

func (c *Controller) purgeExpiredLocked(now time.Time) {
	for token, a := range c.attempts {
		if now.Sub(a.startedAt) > attemptTTL {
			delete(c.attempts, token)
		}
	}
}
