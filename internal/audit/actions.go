package audit

// Action constants centralize audit action names to avoid typos.
// NOTE: Do not log PII in details; actor/object are redacted downstream.
const (
    ActionNetworkCreated     = "NETWORK_CREATED"
    ActionNetworkUpdated     = "NETWORK_UPDATED"
    ActionNetworkDeleted     = "NETWORK_DELETED"
    ActionNetworkJoinApprove = "NETWORK_JOIN_APPROVE"
    ActionNetworkMemberBan   = "NETWORK_MEMBER_BAN"
    ActionIPAllocated        = "IP_ALLOCATED"
    ActionIPReleased         = "IP_RELEASED"

    // Device-access reconciler and gateway lifecycle.
    ActionDeviceCreated     = "DEVICE_CREATED"
    ActionDeviceModified    = "DEVICE_MODIFIED"
    ActionDeviceDeleted     = "DEVICE_DELETED"
    ActionGatewayConnected  = "GATEWAY_CONNECTED"
    ActionGatewayDisconnect = "GATEWAY_DISCONNECTED"

    // Token Service state machine.
    ActionTokenIssued       = "TOKEN_ISSUED"
    ActionTokenSessionStart = "TOKEN_SESSION_STARTED"
    ActionTokenConsumed     = "TOKEN_CONSUMED"
    ActionTokenRevoked      = "TOKEN_REVOKED"

    // Client-MFA / Inactivity Controller.
    ActionMFAStarted       = "MFA_STARTED"
    ActionMFAFinished      = "MFA_FINISHED"
    ActionMFADeauthorized  = "MFA_DEAUTHORIZED"

    // ACL compiler.
    ActionFirewallRecompiled = "FIREWALL_RECOMPILED"
)
