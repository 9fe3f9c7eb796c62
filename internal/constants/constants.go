package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout   = 10 * time.Second
	DefaultBrokerTimeout = 15 * time.Second
)

const (
	CacheKeyPrefixIdem = "idem:"
	CacheKeyPrefixPoll = "poller:"
	CursorKey          = CacheKeyPrefixPoll + "cursor"
)

const (
	DefaultIdempotencyTTL = 60 * time.Second
	DefaultPollInterval   = 5 * time.Second
	DefaultRewriteDelay   = 500 * time.Millisecond
)

// AckStaleWindow is how much older than the stored ack an incoming ack may be
// before it is dropped as an out-of-order redelivery.
const AckStaleWindow = 10 * time.Minute

const (
	RateLimitWindow      = 10 * time.Second
	RateLimitMaxRequests = 60
)

const (
	ShutdownTimeout = 5 * time.Second
)

// RawPreviewLimit bounds how much of a raw webhook payload is ever logged.
const RawPreviewLimit = 2000

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)

const (
	FallbackAllow = "allow"
	FallbackDeny  = "deny"
)

const (
	TransportModeBroker  = "broker"
	TransportModeSidecar = "sidecar"
)

// PlaceholderBody is the content a poll creation message is stored with until
// a vote resolves the selected option titles.
const PlaceholderBody = "[Mensagem recebida via WhatsApp]"

const (
	HeaderTenant  = "x-tenant-id"
	HeaderRefresh = "x-refresh-token"
)

const (
	MillisThreshold = 1e12
)
