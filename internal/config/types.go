package config

// Transport names accepted by the transport key.
const (
	TransportSimplePoller  = "simple_poller"
	TransportManagedPush   = "managed_push"
	TransportSocketService = "socket_service"
)

// Storage backends for the outbox and the registry.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Policy oracle modes.
const (
	PolicyStatic = "static"
	PolicyHTTP   = "http"
)

// ValidTransports lists the transports in the order they are documented.
var ValidTransports = []string{TransportSimplePoller, TransportManagedPush, TransportSocketService}

var validOutboxBackends = []string{BackendMemory, BackendBadger, BackendRedis}

var validRegistryBackends = []string{BackendMemory, BackendRedis}

var validPolicyModes = []string{PolicyStatic, PolicyHTTP}

// ValidActions lists the action names a policy rule may grant.
var ValidActions = []string{"create", "update", "destroy", "view"}
