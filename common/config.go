package common

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable overriding a config key.
//
// The key "heartbeat.timeout_sec" is overridden by PUSHGATE_HEARTBEAT_TIMEOUT_SEC.
const EnvPrefix = "PUSHGATE"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSEmbeddedConfig defines an in-process NATS JetStream server for single node deployments
type NATSEmbeddedConfig struct {
	// Enabled starts the embedded server and points the client at it
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Host is the interface the embedded server listens on
	Host string `mapstructure:"host" json:"host" validate:"required_if=Enabled true"`
	// Port is the port the embedded server listens on. -1 picks a random port.
	Port int `mapstructure:"port" json:"port" validate:"gte=-1,lt=65536"`
	// StoreDir is the JetStream storage directory
	StoreDir string `mapstructure:"store_dir" json:"store_dir"`
}

// NATSConfig defines parameters for connecting to the NATS bus
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
	// Embedded defines the optional embedded NATS server
	Embedded NATSEmbeddedConfig `mapstructure:"embedded" json:"embedded"`
}

// ===============================================================================
// Replay Related Config

// ReplayConfig defines the replay window backed by a JetStream stream
type ReplayConfig struct {
	// StreamName is the JetStream stream holding recent events of every topic
	StreamName string `mapstructure:"stream_name" json:"stream_name" validate:"required"`
	// RetentionCount is the max number of events retained per topic
	RetentionCount int64 `mapstructure:"retention_count" json:"retention_count" validate:"gte=1"`
	// MaxAge is how long a topic's events are kept in seconds
	MaxAge int `mapstructure:"max_age_sec" json:"max_age_sec" validate:"gte=1"`
	// Storage is the JetStream storage type
	Storage string `mapstructure:"storage" json:"storage" validate:"required,oneof=file memory"`
	// Replicas is the stream replica count
	Replicas int `mapstructure:"replicas" json:"replicas" validate:"gte=1,lte=5"`
	// FetchTimeout bounds a single replay read in milliseconds
	FetchTimeout int `mapstructure:"fetch_timeout_ms" json:"fetch_timeout_ms" validate:"gte=10"`
}

// MaxAgeDuration returns the retention age as a duration
func (c ReplayConfig) MaxAgeDuration() time.Duration {
	return time.Second * time.Duration(c.MaxAge)
}

// FetchTimeoutDuration returns the replay read bound as a duration
func (c ReplayConfig) FetchTimeoutDuration() time.Duration {
	return time.Millisecond * time.Duration(c.FetchTimeout)
}

// ===============================================================================
// Broker Related Config

// HeartbeatConfig defines the idle connection sweep
type HeartbeatConfig struct {
	// Interval is the time between sweeps in seconds
	Interval int `mapstructure:"interval_sec" json:"interval_sec" validate:"gte=1"`
	// Timeout is how long a connection may stay silent before eviction in seconds
	Timeout int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"gte=1,gtefield=Interval"`
}

// IntervalDuration returns the sweep interval as a duration
func (c HeartbeatConfig) IntervalDuration() time.Duration {
	return time.Second * time.Duration(c.Interval)
}

// TimeoutDuration returns the idle timeout as a duration
func (c HeartbeatConfig) TimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.Timeout)
}

// ConnectionConfig defines per connection resource limits
type ConnectionConfig struct {
	// OutboundQueueSize is the capacity of a connection's outbound queue
	OutboundQueueSize int `mapstructure:"outbound_queue_size" json:"outbound_queue_size" validate:"gte=1"`
	// WriteTimeout is the max duration of one frame write in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// MaxInboundFrameBytes is the max size of an inbound frame
	MaxInboundFrameBytes int64 `mapstructure:"max_inbound_frame_bytes" json:"max_inbound_frame_bytes" validate:"gte=64"`
	// InboundFramesPerSec is the sustained inbound frame rate; excess frames are dropped
	InboundFramesPerSec float64 `mapstructure:"inbound_frames_per_sec" json:"inbound_frames_per_sec" validate:"gt=0"`
	// InboundFrameBurst is the inbound frame burst allowance
	InboundFrameBurst int `mapstructure:"inbound_frame_burst" json:"inbound_frame_burst" validate:"gte=1"`
}

// WriteTimeoutDuration returns the frame write bound as a duration
func (c ConnectionConfig) WriteTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.WriteTimeout)
}

// BridgeConfig defines the bus bridge resubscribe behavior
type BridgeConfig struct {
	// InitialBackoff is the first resubscribe wait in milliseconds
	InitialBackoff int `mapstructure:"initial_backoff_ms" json:"initial_backoff_ms" validate:"gte=1"`
	// MaxBackoff caps the resubscribe wait in seconds
	MaxBackoff int `mapstructure:"max_backoff_sec" json:"max_backoff_sec" validate:"gte=1"`
	// DrainTimeout bounds delivery of pending bus messages on shutdown in seconds
	DrainTimeout int `mapstructure:"drain_timeout_sec" json:"drain_timeout_sec" validate:"gte=1"`
}

// BrokerConfig defines the notification broker core parameters
type BrokerConfig struct {
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat" json:"heartbeat" validate:"required"`
	Connection ConnectionConfig `mapstructure:"connection" json:"connection" validate:"required"`
	Bridge     BridgeConfig     `mapstructure:"bridge" json:"bridge" validate:"required"`
}

// ===============================================================================
// Auth Related Config

// DirectoryConfig defines the user and resource ownership directory
type DirectoryConfig struct {
	// Enabled turns on the Postgres lookups. When off, every authenticated
	// user is treated as active and as the owner of every resource.
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// DSN is the Postgres connection string
	DSN string `mapstructure:"dsn" json:"-" validate:"required_if=Enabled true"`
	// QueryTimeout bounds one lookup in milliseconds
	QueryTimeout int `mapstructure:"query_timeout_ms" json:"query_timeout_ms" validate:"gte=1"`
	// BreakerFailures is the consecutive failure count that opens the circuit breaker
	BreakerFailures uint32 `mapstructure:"breaker_failures" json:"breaker_failures" validate:"gte=1"`
	// BreakerCooldown is how long the breaker stays open in seconds
	BreakerCooldown int `mapstructure:"breaker_cooldown_sec" json:"breaker_cooldown_sec" validate:"gte=1"`
}

// AuthConfig defines connection authentication parameters
type AuthConfig struct {
	// JWTSecret is the HMAC secret for validating bearer tokens
	JWTSecret string `mapstructure:"jwt_secret" json:"-" validate:"required,min=32"`
	// JWTAlgorithm is the expected signing algorithm
	JWTAlgorithm string `mapstructure:"jwt_algorithm" json:"jwt_algorithm" validate:"required,oneof=HS256 HS384 HS512"`
	// RejectMode selects how admission failures are reported to the client
	RejectMode string `mapstructure:"reject_mode" json:"reject_mode" validate:"required,oneof=http close_frame"`
	// Directory is the user / ownership directory
	Directory DirectoryConfig `mapstructure:"directory" json:"directory" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// WebSocketConfig defines the WebSocket upgrade parameters
type WebSocketConfig struct {
	// PathPrefix is the prefix of the WebSocket routes
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// AllowedOrigins is the list of permitted Origin headers. Empty allows same-host only.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
	// ReadBufferSize is the upgrader read buffer size
	ReadBufferSize int `mapstructure:"read_buffer_size" json:"read_buffer_size" validate:"gte=0"`
	// WriteBufferSize is the upgrader write buffer size
	WriteBufferSize int `mapstructure:"write_buffer_size" json:"write_buffer_size" validate:"gte=0"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
	// WebSocket defines the WebSocket endpoint parameters
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// Replay are the replay window parameters
	Replay ReplayConfig `mapstructure:"replay" json:"replay" validate:"required"`
	// Broker are the broker core parameters
	Broker BrokerConfig `mapstructure:"broker" json:"broker" validate:"required"`
	// Auth are the connection authentication parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required"`
	// HTTP are the HTTP server parameters
	HTTP HTTPConfig `mapstructure:"http" json:"http" validate:"required"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper, and binds
// every key to its environment variable
func InstallDefaultConfigValues() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 2)
	viper.SetDefault("nats.embedded.enabled", false)
	viper.SetDefault("nats.embedded.host", "127.0.0.1")
	viper.SetDefault("nats.embedded.port", 4222)
	viper.SetDefault("nats.embedded.store_dir", "")

	// Default replay settings
	viper.SetDefault("replay.stream_name", "pushgate_recent_updates")
	viper.SetDefault("replay.retention_count", 10)
	viper.SetDefault("replay.max_age_sec", 86400)
	viper.SetDefault("replay.storage", "file")
	viper.SetDefault("replay.replicas", 1)
	viper.SetDefault("replay.fetch_timeout_ms", 2000)

	// Default broker settings
	viper.SetDefault("broker.heartbeat.interval_sec", 5)
	viper.SetDefault("broker.heartbeat.timeout_sec", 60)
	viper.SetDefault("broker.connection.outbound_queue_size", 64)
	viper.SetDefault("broker.connection.write_timeout_sec", 10)
	viper.SetDefault("broker.connection.max_inbound_frame_bytes", 4096)
	viper.SetDefault("broker.connection.inbound_frames_per_sec", 5)
	viper.SetDefault("broker.connection.inbound_frame_burst", 20)
	viper.SetDefault("broker.bridge.initial_backoff_ms", 250)
	viper.SetDefault("broker.bridge.max_backoff_sec", 30)
	viper.SetDefault("broker.bridge.drain_timeout_sec", 5)

	// Default auth settings
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.jwt_algorithm", "HS256")
	viper.SetDefault("auth.reject_mode", "http")
	viper.SetDefault("auth.directory.enabled", false)
	viper.SetDefault("auth.directory.dsn", "")
	viper.SetDefault("auth.directory.query_timeout_ms", 2000)
	viper.SetDefault("auth.directory.breaker_failures", 5)
	viper.SetDefault("auth.directory.breaker_cooldown_sec", 15)

	// Default HTTP server settings
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 8000)
	viper.SetDefault("http.server_config.read_timeout_sec", 60)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Pushgate-Request-ID")
	viper.SetDefault(
		"http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization", "Cookie",
		},
	)
	viper.SetDefault("http.websocket.path_prefix", "/ws")
	viper.SetDefault("http.websocket.allowed_origins", []string{})
	viper.SetDefault("http.websocket.read_buffer_size", 1024)
	viper.SetDefault("http.websocket.write_buffer_size", 4096)
}
