package coreapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/defguard/core/internal/crypto"
	"github.com/defguard/core/internal/domain"
	"github.com/defguard/core/internal/eventbus"
	"github.com/defguard/core/internal/proxyfabric"
	"github.com/defguard/core/internal/reconciler"
	"github.com/defguard/core/internal/repository"
	"github.com/defguard/core/internal/service"
	"github.com/defguard/core/internal/tokenservice"
)

// Router is the composite proxyfabric.Handler: it owns every
// RequestType the Client-MFA/Inactivity Controller does not (enrollment,
// password reset, instance info, OIDC desktop activation) and delegates
// the rest to MFA.
type Router struct {
	MFA         proxyfabric.Handler
	Tokens      *tokenservice.Service
	Users       repository.UserRepository
	Devices     repository.DeviceRepository
	Bindings    repository.BindingRepository
	Locations   repository.LocationRepository
	Reconciler  *reconciler.Reconciler
	Bus         *eventbus.Bus
	OIDC        *service.OIDCService
	CoreVersion string
}

func New(mfa proxyfabric.Handler, tokens *tokenservice.Service, users repository.UserRepository, devices repository.DeviceRepository, bindings repository.BindingRepository, locations repository.LocationRepository, rec *reconciler.Reconciler, bus *eventbus.Bus, oidc *service.OIDCService, coreVersion string) *Router {
	return &Router{
		MFA: mfa, Tokens: tokens, Users: users, Devices: devices, Bindings: bindings,
		Locations: locations, Reconciler: rec, Bus: bus, OIDC: oidc, CoreVersion: coreVersion,
	}
}

// Handle dispatches req to the method implementing its RequestType.
func (r *Router) Handle(ctx context.Context, req proxyfabric.CoreRequest) (proxyfabric.CoreResponse, error) {
	now := time.Now().UTC()

	switch req.Type {
	case proxyfabric.RequestClientMfaStart, proxyfabric.RequestClientMfaFinish, proxyfabric.RequestClientMfaTokenValidate:
		return r.MFA.Handle(ctx, req)

	case proxyfabric.RequestInstanceInfo:
		return ok(req, InstanceInfoResponse{Version: r.CoreVersion, OIDCEnabled: r.OIDC != nil})

	case proxyfabric.RequestEnrollmentStart:
		return r.enrollmentStart(ctx, req, now)
	case proxyfabric.RequestEnrollmentActivateUser:
		return r.enrollmentActivateUser(ctx, req, now)
	case proxyfabric.RequestEnrollmentCreateDevice:
		return r.enrollmentCreateDevice(ctx, req, now)
	case proxyfabric.RequestEnrollmentDeviceInfo:
		return r.enrollmentDeviceInfo(ctx, req)
	case proxyfabric.RequestEnrollmentCodeMfaStart:
		return r.enrollmentCodeMfaStart(ctx, req, now)
	case proxyfabric.RequestEnrollmentCodeMfaEnd:
		return r.enrollmentCodeMfaFinish(ctx, req, now)
	case proxyfabric.RequestEnrollmentMobileAuth:
		return r.enrollmentRegisterMobileAuth(ctx, req, now)

	case proxyfabric.RequestPasswordResetInit:
		return r.passwordResetInit(ctx, req, now)
	case proxyfabric.RequestPasswordResetStart:
		return r.passwordResetStart(ctx, req, now)
	case proxyfabric.RequestPasswordResetFinish:
		return r.passwordResetFinish(ctx, req, now)

	case proxyfabric.RequestOidcAuthInfo:
		return r.oidcAuthInfo(req)
	case proxyfabric.RequestOidcCallback:
		return r.oidcCallback(ctx, req, now)

	default:
		return errResp(req, domain.NewError(domain.ErrInvalidArgument, "unknown request type", map[string]string{"type": string(req.Type)}))
	}
}

func (r *Router) enrollmentStart(ctx context.Context, req proxyfabric.CoreRequest, now time.Time) (proxyfabric.CoreResponse, error) {
	tok, err := r.Tokens.StartSession(ctx, req.Token, now)
	if err != nil {
		return errResp(req, err)
	}
	if tok.Type != domain.TokenEnrollment {
		return errResp(req, domain.NewError(domain.ErrInvalidArgument, "token is not an enrollment token", nil))
	}
	user, err := r.Users.GetByID(ctx, tok.UserID)
	if err != nil {
		return errResp(req, err)
	}
	resp := EnrollmentStartResponse{Email: user.Email, NeedPassword: user.PasswordHash == ""}
	if tok.SessionExpiresAt != nil {
		resp.SessionUntil = tok.SessionExpiresAt.Format(time.RFC3339)
	}
	return ok(req, resp)
}

func (r *Router) enrollmentActivateUser(ctx context.Context, req proxyfabric.CoreRequest, now time.Time) (proxyfabric.CoreResponse, error) {
	var payload EnrollmentActivateUserPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return errResp(req, domain.NewError(domain.ErrInvalidArgument, "malformed payload", nil))
	}

	tok, err := r.Tokens.Tokens.GetByID(ctx, req.Token)
	if err != nil {
		return errResp(req, err)
	}
	if !tok.CanConsume(now) && tok.State(now) != domain.TokenSessionActive {
		return errResp(req, domain.NewError(domain.ErrInvalidArgument, "enrollment session is not active", nil))
	}

	user, err := r.Users.GetByID(ctx, tok.UserID)
	if err != nil {
		return errResp(req, err)
	}
	hash, err := crypto.HashPassword(payload.Password)
	if err != nil {
		return errResp(req, domain.NewError(domain.ErrInternalServer, "failed to hash password", nil))
	}
	user.PasswordHash = hash
	if err := r.Users.Update(ctx, user); err != nil {
		return errResp(req, err)
	}
	return ok(req, map[string]bool{"ok": true})
}

func (r *Router) enrollmentCreateDevice(ctx context.Context, req proxyfabric.CoreRequest, now time.Time) (proxyfabric.CoreResponse, error) {
	var payload EnrollmentCreateDevicePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return errResp(req, domain.NewError(domain.ErrInvalidArgument, "malformed payload", nil))
	}

	tok, err := r.Tokens.Consume(ctx, req.Token, now)
	if err != nil {
		return errResp(req, err)
	}

	device := &domain.Device{
		ID:              uuid.NewString(),
		Name:            payload.Name,
		WireguardPubkey: payload.PublicKey,
		OwnerUserID:     tok.UserID,
		Type:            domain.DeviceTypeUser,
		Configured:      true,
		CreatedAt:       now,
	}
	if err := r.Devices.Create(ctx, device); err != nil {
		return errResp(req, err)
	}

	networks, err := r.reconcileAllLocations(ctx, tok.UserID, device.ID, now)
	if err != nil {
		return errResp(req, err)
	}

	return ok(req, EnrollmentCreateDeviceResponse{DeviceID: device.ID, NetworkInfo: networks})
}

// reconcileAllLocations reconciles every location for userID and returns
// deviceID's resulting per-location network_info views, publishing every
// generated event to the bus as it goes.
func (r *Router) reconcileAllLocations(ctx context.Context, userID, deviceID string, now time.Time) ([]enrollmentNetwork, error) {
	locs, err := r.Locations.List(ctx)
	if err != nil {
		return nil, err
	}

	var out []enrollmentNetwork
	for _, loc := range locs {
		events, err := r.Reconciler.Reconcile(ctx, loc.ID, reconciler.Options{UserScope: userID})
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if r.Bus != nil {
				r.Bus.Publish(ev)
			}
		}

		bindings, err := r.Bindings.ListByLocation(ctx, loc.ID)
		if err != nil {
			return nil, err
		}
		for _, b := range bindings {
			if b.DeviceID != deviceID {
				continue
			}
			dev, derr := r.Devices.GetByID(ctx, b.DeviceID)
			if derr != nil || dev.OwnerUserID != userID {
				continue
			}
			out = append(out, enrollmentNetwork{
				LocationID: loc.ID, LocationName: loc.Name, Addresses: b.Addresses,
				Endpoint: loc.Endpoint, PublicKey: loc.ServerKeyPair.PublicKey,
				AllowedIPs: loc.AllowedIPs, DNS: loc.DNS, Keepalive: loc.KeepaliveSeconds,
			})
		}
	}
	return out, nil
}

func (r *Router) enrollmentDeviceInfo(ctx context.Context, req proxyfabric.CoreRequest) (proxyfabric.CoreResponse, error) {
	var payload EnrollmentDeviceInfoPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return errResp(req, domain.NewError(domain.ErrInvalidArgument, "malformed payload", nil))
	}
	dev, err := r.Devices.GetByPubkey(ctx, payload.PublicKey)
	if err != nil {
		return errResp(req, err)
	}
	return ok(req, map[string]string{"device_id": dev.ID, "name": dev.Name})
}

// enrollmentToken loads req.Token and checks it is an enrollment token
// with a live session.
func (r *Router) enrollmentToken(ctx context.Context, req proxyfabric.CoreRequest, now time.Time) (*domain.Token, *domain.Error) {
	tok, err := r.Tokens.Tokens.GetByID(ctx, req.Token)
	if err != nil {
		if derr, ok := err.(*domain.Error); ok {
			return nil, derr
		}
		return nil, domain.NewError(domain.ErrInternalServer, err.Error(), nil)
	}
	if tok.Type != domain.TokenEnrollment {
		return nil, domain.NewError(domain.ErrInvalidArgument, "token is not an enrollment token", nil)
	}
	if tok.State(now) != domain.TokenSessionActive {
		return nil, domain.NewError(domain.ErrInvalidArgument, "enrollment session is not active", nil)
	}
	return tok, nil
}

func (r *Router) enrollmentCodeMfaStart(ctx context.Context, req proxyfabric.CoreRequest, now time.Time) (proxyfabric.CoreResponse, error) {
	tok, derr := r.enrollmentToken(ctx, req, now)
	if derr != nil {
		return errResp(req, derr)
	}
	user, err := r.Users.GetByID(ctx, tok.UserID)
	if err != nil {
		return errResp(req, err)
	}
	secret, url, err := crypto.GenerateTOTPSecret(user.Email)
	if err != nil {
		return errResp(req, domain.NewError(domain.ErrInternalServer, "failed to generate TOTP secret", nil))
	}
	user.TOTPSecret = secret
	if err := r.Users.Update(ctx, user); err != nil {
		return errResp(req, err)
	}
	return ok(req, CodeMfaStartResponse{Secret: secret, URL: url})
}

func (r *Router) enrollmentCodeMfaFinish(ctx context.Context, req proxyfabric.CoreRequest, now time.Time) (proxyfabric.CoreResponse, error) {
	var payload CodeMfaFinishPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return errResp(req, domain.NewError(domain.ErrInvalidArgument, "malformed payload", nil))
	}
	tok, derr := r.enrollmentToken(ctx, req, now)
	if derr != nil {
		return errResp(req, derr)
	}
	user, err := r.Users.GetByID(ctx, tok.UserID)
	if err != nil {
		return errResp(req, err)
	}
	if !crypto.ValidateTOTP(payload.Code, user.TOTPSecret) {
		return errResp(req, domain.NewError(domain.ErrUnauthorized, "invalid mfa code", nil))
	}
	user.MFAMethod = domain.MFAFactorTOTP
	if err := r.Users.Update(ctx, user); err != nil {
		return errResp(req, err)
	}
	return ok(req, map[string]bool{"ok": true})
}

func (r *Router) enrollmentRegisterMobileAuth(ctx context.Context, req proxyfabric.CoreRequest, now time.Time) (proxyfabric.CoreResponse, error) {
	var payload RegisterMobileAuthPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return errResp(req, domain.NewError(domain.ErrInvalidArgument, "malformed payload", nil))
	}
	tok, derr := r.enrollmentToken(ctx, req, now)
	if derr != nil {
		return errResp(req, derr)
	}
	device, err := r.Devices.GetByID(ctx, payload.DeviceID)
	if err != nil {
		return errResp(req, err)
	}
	if device.OwnerUserID != tok.UserID {
		return errResp(req, domain.NewError(domain.ErrForbidden, "device does not belong to the enrolling user", nil))
	}
	user, err := r.Users.GetByID(ctx, tok.UserID)
	if err != nil {
		return errResp(req, err)
	}
	if !crypto.ValidateTOTP(payload.Code, user.TOTPSecret) {
		return errResp(req, domain.NewError(domain.ErrUnauthorized, "invalid mfa code", nil))
	}
	device.Configured = true
	if err := r.Devices.Update(ctx, device); err != nil {
		return errResp(req, err)
	}
	return ok(req, map[string]bool{"ok": true})
}

func (r *Router) passwordResetInit(ctx context.Context, req proxyfabric.CoreRequest, now time.Time) (proxyfabric.CoreResponse, error) {
	var payload PasswordResetInitPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return errResp(req, domain.NewError(domain.ErrInvalidArgument, "malformed payload", nil))
	}
	user, err := r.Users.GetByEmail(ctx, payload.Email)
	if err != nil {
		// Do not reveal whether the email is registered.
		return ok(req, map[string]bool{"ok": true})
	}
	if _, err := r.Tokens.IssuePasswordReset(ctx, user.ID, now, passwordResetTTL); err != nil {
		return errResp(req, err)
	}
	return ok(req, map[string]bool{"ok": true})
}

func (r *Router) passwordResetStart(ctx context.Context, req proxyfabric.CoreRequest, now time.Time) (proxyfabric.CoreResponse, error) {
	tok, err := r.Tokens.StartSession(ctx, req.Token, now)
	if err != nil {
		return errResp(req, err)
	}
	if tok.Type != domain.TokenPasswordReset {
		return errResp(req, domain.NewError(domain.ErrInvalidArgument, "token is not a password-reset token", nil))
	}
	return ok(req, map[string]bool{"ok": true})
}

func (r *Router) passwordResetFinish(ctx context.Context, req proxyfabric.CoreRequest, now time.Time) (proxyfabric.CoreResponse, error) {
	var payload PasswordResetFinishPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return errResp(req, domain.NewError(domain.ErrInvalidArgument, "malformed payload", nil))
	}
	tok, err := r.Tokens.Consume(ctx, req.Token, now)
	if err != nil {
		return errResp(req, err)
	}
	user, err := r.Users.GetByID(ctx, tok.UserID)
	if err != nil {
		return errResp(req, err)
	}
	hash, err := crypto.HashPassword(payload.Password)
	if err != nil {
		return errResp(req, domain.NewError(domain.ErrInternalServer, "failed to hash password", nil))
	}
	user.PasswordHash = hash
	if err := r.Users.Update(ctx, user); err != nil {
		return errResp(req, err)
	}
	return ok(req, map[string]bool{"ok": true})
}

func (r *Router) oidcAuthInfo(req proxyfabric.CoreRequest) (proxyfabric.CoreResponse, error) {
	if r.OIDC == nil {
		return errResp(req, domain.NewError(domain.ErrNotImplemented, "OIDC is not configured", nil))
	}
	return ok(req, OidcAuthInfoResponse{URL: r.OIDC.GetLoginURL(req.Token)})
}

func (r *Router) oidcCallback(ctx context.Context, req proxyfabric.CoreRequest, now time.Time) (proxyfabric.CoreResponse, error) {
	if r.OIDC == nil {
		return errResp(req, domain.NewError(domain.ErrNotImplemented, "OIDC is not configured", nil))
	}
	var payload OidcCallbackPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return errResp(req, domain.NewError(domain.ErrInvalidArgument, "malformed payload", nil))
	}

	_, info, err := r.OIDC.ExchangeCode(ctx, payload.Code)
	if err != nil {
		return errResp(req, domain.NewError(domain.ErrUnauthorized, "OIDC exchange failed", nil))
	}

	tok, err := r.Tokens.Consume(ctx, req.Token, now)
	if err != nil {
		return errResp(req, err)
	}
	user, err := r.Users.GetByID(ctx, tok.UserID)
	if err != nil {
		return errResp(req, err)
	}
	if user.Email != info.Email {
		return errResp(req, domain.NewError(domain.ErrForbidden, "OIDC identity does not match activation token", nil))
	}

	return ok(req, OidcCallbackResponse{UserID: user.ID, Email: user.Email, DeviceID: tok.DeviceID})
}

const passwordResetTTL = 24 * time.Hour

func ok(req proxyfabric.CoreRequest, v any) (proxyfabric.CoreResponse, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return proxyfabric.CoreResponse{}, err
	}
	return proxyfabric.CoreResponse{ID: req.ID, Payload: payload}, nil
}

func errResp(req proxyfabric.CoreRequest, err error) (proxyfabric.CoreResponse, error) {
	derr, ok := err.(*domain.Error)
	if !ok {
		derr = domain.NewError(domain.ErrInternalServer, err.Error(), nil)
	}
	return proxyfabric.CoreResponse{ID: req.ID, Error: &proxyfabric.ResponseError{Code: derr.Code, Message: derr.Message}}, nil
}
