package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	ServiceName        = "eventbus"
	DefaultMongoDBName = "eventbus"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const (
	// SystemEventTTLSeconds is the retention given to the built-in event types.
	SystemEventTTLSeconds = 86400
	DefaultMaxRetries     = 3
	DefaultRetryDelayMs   = 1000
	DefaultTimeoutMs      = 5000
)

const (
	QuotaWindow         = 24 * time.Hour
	CacheKeyPrefixQuota = "eventbus:quota:"
)

const (
	DeadLetterHeaderEventName      = "x-event-name"
	DeadLetterHeaderSubscriptionID = "x-subscription-id"
)

// Topics announced by the bus on its local channel.
const (
	SystemStartup  = "system.startup"
	SystemShutdown = "system.shutdown"
	SystemError    = "system.error"
)

var SystemEventTypes = []struct {
	Name     string
	Category string
}{
	{"plugin.loaded", "plugin"},
	{"plugin.unloaded", "plugin"},
	{"plugin.error", "plugin"},
	{"data.created", "data"},
	{"data.updated", "data"},
	{"data.deleted", "data"},
	{"workflow.started", "workflow"},
	{"workflow.completed", "workflow"},
	{"workflow.failed", "workflow"},
	{"user.login", "user"},
	{"user.logout", "user"},
	{"user.created", "user"},
	{SystemStartup, "system"},
	{SystemShutdown, "system"},
	{SystemError, "system"},
}
