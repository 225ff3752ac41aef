package inactivity

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defguard/core/internal/domain"
	"github.com/defguard/core/internal/eventbus"
	"github.com/defguard/core/internal/proxyfabric"
	"github.com/defguard/core/internal/repository"
)

func newTestController(t *testing.T) (*Controller, context.Context) {
	t.Helper()
	ctx := context.Background()
	bus := eventbus.New()
	go bus.Run(ctx)

	c := New(
		repository.NewInMemoryLocationRepository(),
		repository.NewInMemoryDeviceRepository(),
		repository.NewInMemoryBindingRepository(),
		repository.NewInMemoryUserRepository(),
		repository.NewInMemoryPeerStatsRepository(),
		bus,
	)
	return c, ctx
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestController_Scan_DeauthorizesIdleDevice(t *testing.T) {
	c, ctx := newTestController(t)

	loc := &domain.Location{ID: "loc-1", CIDRs: []string{"10.0.0.0/24"}, MFAMode: domain.MFAInternal, PeerDisconnectThreshold: 30 * time.Second}
	require.NoError(t, c.Locations.Create(ctx, loc))

	dev := &domain.Device{ID: "dev-1", Name: "laptop", WireguardPubkey: "pubkey-1", OwnerUserID: "user-1"}
	require.NoError(t, c.Devices.Create(ctx, dev))

	authorizedAt := time.Now().Add(-time.Hour)
	b := &domain.Binding{LocationID: loc.ID, DeviceID: dev.ID, Addresses: []string{"10.0.0.2/32"}, IsAuthorized: true, AuthorizedAt: &authorizedAt, PresharedKey: "psk"}
	require.NoError(t, c.Bindings.Upsert(ctx, b))

	require.NoError(t, c.Scan(ctx, time.Now()))

	got, err := c.Bindings.Get(ctx, loc.ID, dev.ID)
	require.NoError(t, err)
	assert.False(t, got.IsAuthorized)
	assert.Empty(t, got.PresharedKey)
}

func TestController_Scan_SkipsRecentHandshake(t *testing.T) {
	c, ctx := newTestController(t)

	loc := &domain.Location{ID: "loc-1", CIDRs: []string{"10.0.0.0/24"}, MFAMode: domain.MFAInternal, PeerDisconnectThreshold: time.Hour}
	require.NoError(t, c.Locations.Create(ctx, loc))

	dev := &domain.Device{ID: "dev-1", Name: "laptop", WireguardPubkey: "pubkey-1", OwnerUserID: "user-1"}
	require.NoError(t, c.Devices.Create(ctx, dev))

	authorizedAt := time.Now().Add(-2 * time.Hour)
	b := &domain.Binding{LocationID: loc.ID, DeviceID: dev.ID, Addresses: []string{"10.0.0.2/32"}, IsAuthorized: true, AuthorizedAt: &authorizedAt, PresharedKey: "psk"}
	require.NoError(t, c.Bindings.Upsert(ctx, b))
	now := time.Now()
	require.NoError(t, c.PeerStats.Append(ctx, domain.PeerStatsSample{DeviceID: dev.ID, LocationID: loc.ID, CollectedAt: now, LatestHandshake: &now}))

	require.NoError(t, c.Scan(ctx, time.Now()))

	got, err := c.Bindings.Get(ctx, loc.ID, dev.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAuthorized)
	assert.Equal(t, "psk", got.PresharedKey)
}

func TestController_Scan_SkipsDisabledMfa(t *testing.T) {
	c, ctx := newTestController(t)

	loc := &domain.Location{ID: "loc-1", CIDRs: []string{"10.0.0.0/24"}, MFAMode: domain.MFADisabled, PeerDisconnectThreshold: 30 * time.Second}
	require.NoError(t, c.Locations.Create(ctx, loc))

	dev := &domain.Device{ID: "dev-1", Name: "laptop", WireguardPubkey: "pubkey-1", OwnerUserID: "user-1"}
	require.NoError(t, c.Devices.Create(ctx, dev))

	authorizedAt := time.Now().Add(-time.Hour)
	b := &domain.Binding{LocationID: loc.ID, DeviceID: dev.ID, Addresses: []string{"10.0.0.2/32"}, IsAuthorized: true, AuthorizedAt: &authorizedAt, PresharedKey: "psk"}
	require.NoError(t, c.Bindings.Upsert(ctx, b))

	require.NoError(t, c.Scan(ctx, time.Now()))

	got, err := c.Bindings.Get(ctx, loc.ID, dev.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAuthorized)
}

func setupHandshakeFixtures(t *testing.T, c *Controller, ctx context.Context) (*domain.Location, *domain.Device, *domain.User, string) {
	t.Helper()
	loc := &domain.Location{ID: "loc-1", CIDRs: []string{"10.0.0.0/24"}, MFAMode: domain.MFAInternal, PeerDisconnectThreshold: time.Hour}
	require.NoError(t, c.Locations.Create(ctx, loc))

	secret, _, err := func() (string, string, error) {
		key, err := totp.Generate(totp.GenerateOpts{Issuer: "Defguard", AccountName: "user@example.com"})
		if err != nil {
			return "", "", err
		}
		return key.Secret(), key.URL(), nil
	}()
	require.NoError(t, err)

	user := &domain.User{ID: "user-1", Email: "user@example.com", IsActive: true, TOTPSecret: secret, MFAMethod: domain.MFAFactorTOTP}
	require.NoError(t, c.Users.Create(ctx, user))

	dev := &domain.Device{ID: "dev-1", Name: "laptop", WireguardPubkey: "pubkey-1", OwnerUserID: user.ID}
	require.NoError(t, c.Devices.Create(ctx, dev))

	b := &domain.Binding{LocationID: loc.ID, DeviceID: dev.ID, Addresses: []string{"10.0.0.2/32"}, IsAuthorized: false}
	require.NoError(t, c.Bindings.Upsert(ctx, b))

	return loc, dev, user, secret
}

func TestController_Handshake_FullSuccess(t *testing.T) {
	c, ctx := newTestController(t)
	loc, dev, user, secret := setupHandshakeFixtures(t, c, ctx)

	startResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-1",
		Type:    proxyfabric.RequestClientMfaStart,
		Payload: mustPayload(t, startPayload{Pubkey: dev.WireguardPubkey, LocationID: loc.ID}),
	})
	require.NoError(t, err)
	require.Nil(t, startResp.Error)

	var started startResult
	require.NoError(t, json.Unmarshal(startResp.Payload, &started))
	require.NotEmpty(t, started.Token)
	assert.Contains(t, started.Factors, string(domain.MFAFactorTOTP))

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	challengeResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-2",
		Type:    proxyfabric.RequestClientMfaTokenValidate,
		Payload: mustPayload(t, challengePayload{Token: started.Token, Code: code}),
	})
	require.NoError(t, err)
	require.Nil(t, challengeResp.Error)

	finishResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-3",
		Type:    proxyfabric.RequestClientMfaFinish,
		Payload: mustPayload(t, finishPayload{Token: started.Token}),
	})
	require.NoError(t, err)
	require.Nil(t, finishResp.Error)

	var finished finishResult
	require.NoError(t, json.Unmarshal(finishResp.Payload, &finished))
	assert.NotEmpty(t, finished.PresharedKey)

	got, err := c.Bindings.Get(ctx, loc.ID, dev.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAuthorized)
	assert.Equal(t, finished.PresharedKey, got.PresharedKey)
	assert.NotNil(t, got.AuthorizedAt)

	_ = user
}

func TestController_Handshake_WrongCodeRejected(t *testing.T) {
	c, ctx := newTestController(t)
	loc, dev, _, _ := setupHandshakeFixtures(t, c, ctx)

	startResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-1",
		Type:    proxyfabric.RequestClientMfaStart,
		Payload: mustPayload(t, startPayload{Pubkey: dev.WireguardPubkey, LocationID: loc.ID}),
	})
	require.NoError(t, err)
	var started startResult
	require.NoError(t, json.Unmarshal(startResp.Payload, &started))

	challengeResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-2",
		Type:    proxyfabric.RequestClientMfaTokenValidate,
		Payload: mustPayload(t, challengePayload{Token: started.Token, Code: "000000"}),
	})
	require.NoError(t, err)
	require.NotNil(t, challengeResp.Error)

	finishResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-3",
		Type:    proxyfabric.RequestClientMfaFinish,
		Payload: mustPayload(t, finishPayload{Token: started.Token}),
	})
	require.NoError(t, err)
	require.NotNil(t, finishResp.Error)

	got, err := c.Bindings.Get(ctx, loc.ID, dev.ID)
	require.NoError(t, err)
	assert.False(t, got.IsAuthorized)
	assert.Empty(t, got.PresharedKey)
}

type captureMailer struct {
	email string
	code  string
}

func (m *captureMailer) SendMFACode(ctx context.Context, email, code string) error {
	m.email = email
	m.code = code
	return nil
}

type stubWebAuthnVerifier struct {
	accept bool
}

func (v stubWebAuthnVerifier) VerifyAssertion(ctx context.Context, credentials []string, assertion json.RawMessage) error {
	if !v.accept {
		return assertError{}
	}
	return nil
}

type assertError struct{}

func (assertError) Error() string { return "assertion rejected" }

func TestController_Handshake_EmailFactor(t *testing.T) {
	c, ctx := newTestController(t)
	mailer := &captureMailer{}
	c.Mail = mailer

	loc, dev, user, _ := setupHandshakeFixtures(t, c, ctx)
	user.MFAMethod = domain.MFAFactorEmail
	require.NoError(t, c.Users.Update(ctx, user))

	startResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-1",
		Type:    proxyfabric.RequestClientMfaStart,
		Payload: mustPayload(t, startPayload{Pubkey: dev.WireguardPubkey, LocationID: loc.ID}),
	})
	require.NoError(t, err)
	require.Nil(t, startResp.Error)

	var started startResult
	require.NoError(t, json.Unmarshal(startResp.Payload, &started))
	assert.Equal(t, string(domain.MFAFactorEmail), started.Factors[0])

	// First challenge call delivers the code.
	sendResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-2",
		Type:    proxyfabric.RequestClientMfaTokenValidate,
		Payload: mustPayload(t, challengePayload{Token: started.Token, Factor: string(domain.MFAFactorEmail)}),
	})
	require.NoError(t, err)
	require.Nil(t, sendResp.Error)
	require.Equal(t, user.Email, mailer.email)
	require.Len(t, mailer.code, 6)

	// Wrong code rejected; delivered code accepted.
	wrong := "000000"
	if mailer.code == wrong {
		wrong = "000001"
	}
	badResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-3",
		Type:    proxyfabric.RequestClientMfaTokenValidate,
		Payload: mustPayload(t, challengePayload{Token: started.Token, Factor: string(domain.MFAFactorEmail), Code: wrong}),
	})
	require.NoError(t, err)
	require.NotNil(t, badResp.Error)

	okResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-4",
		Type:    proxyfabric.RequestClientMfaTokenValidate,
		Payload: mustPayload(t, challengePayload{Token: started.Token, Factor: string(domain.MFAFactorEmail), Code: mailer.code}),
	})
	require.NoError(t, err)
	require.Nil(t, okResp.Error)

	finishResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-5",
		Type:    proxyfabric.RequestClientMfaFinish,
		Payload: mustPayload(t, finishPayload{Token: started.Token}),
	})
	require.NoError(t, err)
	require.Nil(t, finishResp.Error)
}

func TestController_Handshake_WebAuthnFactor(t *testing.T) {
	c, ctx := newTestController(t)
	c.WebAuthn = stubWebAuthnVerifier{accept: true}

	loc, dev, user, _ := setupHandshakeFixtures(t, c, ctx)
	user.WebAuthnCredentials = []string{"cred-1"}
	user.MFAMethod = domain.MFAFactorWebAuthn
	require.NoError(t, c.Users.Update(ctx, user))

	startResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-1",
		Type:    proxyfabric.RequestClientMfaStart,
		Payload: mustPayload(t, startPayload{Pubkey: dev.WireguardPubkey, LocationID: loc.ID}),
	})
	require.NoError(t, err)
	require.Nil(t, startResp.Error)

	var started startResult
	require.NoError(t, json.Unmarshal(startResp.Payload, &started))
	assert.Equal(t, string(domain.MFAFactorWebAuthn), started.Factors[0])

	challengeResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-2",
		Type:    proxyfabric.RequestClientMfaTokenValidate,
		Payload: mustPayload(t, challengePayload{Token: started.Token, Factor: string(domain.MFAFactorWebAuthn), Assertion: json.RawMessage(`{"id":"cred-1"}`)}),
	})
	require.NoError(t, err)
	require.Nil(t, challengeResp.Error)

	finishResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-3",
		Type:    proxyfabric.RequestClientMfaFinish,
		Payload: mustPayload(t, finishPayload{Token: started.Token}),
	})
	require.NoError(t, err)
	require.Nil(t, finishResp.Error)
}

func TestController_Handshake_RejectedWebAuthnAssertion(t *testing.T) {
	c, ctx := newTestController(t)
	c.WebAuthn = stubWebAuthnVerifier{accept: false}

	loc, dev, user, _ := setupHandshakeFixtures(t, c, ctx)
	user.WebAuthnCredentials = []string{"cred-1"}
	require.NoError(t, c.Users.Update(ctx, user))

	startResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-1",
		Type:    proxyfabric.RequestClientMfaStart,
		Payload: mustPayload(t, startPayload{Pubkey: dev.WireguardPubkey, LocationID: loc.ID}),
	})
	require.NoError(t, err)
	var started startResult
	require.NoError(t, json.Unmarshal(startResp.Payload, &started))

	challengeResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-2",
		Type:    proxyfabric.RequestClientMfaTokenValidate,
		Payload: mustPayload(t, challengePayload{Token: started.Token, Factor: string(domain.MFAFactorWebAuthn), Assertion: json.RawMessage(`{}`)}),
	})
	require.NoError(t, err)
	require.NotNil(t, challengeResp.Error)

	finishResp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-3",
		Type:    proxyfabric.RequestClientMfaFinish,
		Payload: mustPayload(t, finishPayload{Token: started.Token}),
	})
	require.NoError(t, err)
	require.NotNil(t, finishResp.Error)
}

func TestController_Handshake_UnknownDevice(t *testing.T) {
	c, ctx := newTestController(t)

	resp, err := c.Handle(ctx, proxyfabric.CoreRequest{
		ID:      "req-1",
		Type:    proxyfabric.RequestClientMfaStart,
		Payload: mustPayload(t, startPayload{Pubkey: "missing", LocationID: "loc-1"}),
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
}
