// Package proxyfabric implements the Proxy Fabric:
// outbound, lazily-dialed, auto-reconnecting streams to one or more proxy
// front-ends, correlating requests/responses by id and giving two
// request types (ClientMfaTokenValidation, ClientMfaFinish) stateful
// affinity routing by token.
//
// Core is the client: it dials each proxy, and the proxy sends
// CoreRequest{id} messages answered by CoreResponse{id}.
package proxyfabric

import "encoding/json"

// RequestType enumerates every proxy-facing flow payload.
type RequestType string

const (
	RequestEnrollmentStart        RequestType = "enrollment_start"
	RequestEnrollmentActivateUser RequestType = "enrollment_activate_user"
	RequestEnrollmentCreateDevice RequestType = "enrollment_create_device"
	RequestEnrollmentDeviceInfo   RequestType = "enrollment_existing_device_info"
	RequestEnrollmentMobileAuth   RequestType = "enrollment_register_mobile_auth"
	RequestEnrollmentCodeMfaStart RequestType = "enrollment_code_mfa_start"
	RequestEnrollmentCodeMfaEnd   RequestType = "enrollment_code_mfa_finish"
	RequestPasswordResetInit      RequestType = "password_reset_init"
	RequestPasswordResetStart     RequestType = "password_reset_start"
	RequestPasswordResetFinish    RequestType = "password_reset_finish"
	RequestClientMfaStart         RequestType = "client_mfa_start"
	RequestClientMfaFinish        RequestType = "client_mfa_finish"
	RequestClientMfaTokenValidate RequestType = "client_mfa_token_validation"
	RequestInstanceInfo           RequestType = "instance_info"
	RequestOidcAuthInfo           RequestType = "oidc_auth_info"
	RequestOidcCallback           RequestType = "oidc_callback"
)

// statefulRequestTypes require token-affinity routing:
// replies must reach the proxy(ies) that issued the matching request,
// not merely whichever proxy happens to read the response off the wire.
var statefulRequestTypes = map[RequestType]bool{
	RequestClientMfaTokenValidate: true,
	RequestClientMfaFinish:        true,
}

// CoreRequest is a proxy -> core message. DeviceInfo is set for flows
// the proxy has already resolved a device for (enrollment continuation).
type CoreRequest struct {
	ID         string          `json:"id"`
	Type       RequestType     `json:"type"`
	Token      string          `json:"token,omitempty"`
	DeviceInfo json.RawMessage `json:"device_info,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// CoreResponse is a core -> proxy message, echoing the request id.
type CoreResponse struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
