package config

// LogLevel defines the minimum severity for log output.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Config is the top-level configuration structure for the API server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	API     *APIConfig     `json:"api,omitempty" toml:"api,omitempty"`
	Users   []UserConfig   `json:"users,omitempty" toml:"users,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
}

// UserConfig declares one API user. Permission entries may contain *
// wildcards.
type UserConfig struct {
	Name        string   `json:"name" toml:"name"`
	Password    string   `json:"password" toml:"password"`
	Permissions []string `json:"permissions,omitempty" toml:"permissions,omitempty"`
}

// ServerConfig holds listener-level settings.
type ServerConfig struct {
	// Address is the TCP listen address, e.g. ":5665".
	Address *string `json:"address,omitempty" toml:"address,omitempty"`
	// MetricsAddress, when set, starts a plain-HTTP Prometheus endpoint.
	MetricsAddress *string    `json:"metrics_address,omitempty" toml:"metrics_address,omitempty"`
	TLS            *TLSConfig `json:"tls,omitempty" toml:"tls,omitempty"`
	// MaxConnections bounds concurrently accepted connections (0 = unlimited).
	MaxConnections *int `json:"max_connections,omitempty" toml:"max_connections,omitempty"`
}

// TLSConfig names the server certificate pair.
type TLSConfig struct {
	CertFile string `json:"cert_file" toml:"cert_file"`
	KeyFile  string `json:"key_file" toml:"key_file"`
	// ClientCAFile, when set, enables verification of client certificates;
	// a verified certificate pre-authenticates the connection by CN.
	ClientCAFile *string `json:"client_ca_file,omitempty" toml:"client_ca_file,omitempty"`
}

// APIConfig holds request-processing settings shared by all connections.
type APIConfig struct {
	// AccessControlAllowOrigin is the CORS origin allow-list. Empty or
	// absent disables CORS handling entirely.
	AccessControlAllowOrigin []string `json:"access_control_allow_origin,omitempty" toml:"access_control_allow_origin,omitempty"`
	// ConcurrentRequests bounds handler executions process-wide.
	ConcurrentRequests *int `json:"concurrent_requests,omitempty" toml:"concurrent_requests,omitempty"`
	// BodySizeRules raise the default request-body ceiling for users
	// holding a matching permission. They never lower it.
	BodySizeRules []BodySizeRule `json:"body_size_rules,omitempty" toml:"body_size_rules,omitempty"`
}

// BodySizeRule pairs a permission pattern with a body-size ceiling.
type BodySizeRule struct {
	Permission string `json:"permission" toml:"permission"`
	MaxBytes   int64  `json:"max_bytes" toml:"max_bytes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	LogLevel LogLevel `json:"log_level,omitempty" toml:"log_level,omitempty"`
	// Target is "stderr", "stdout" or an absolute file path.
	Target string `json:"target,omitempty" toml:"target,omitempty"`
}

// DefaultConcurrentRequests is the admission-gate size used when the
// configuration does not set one.
const DefaultConcurrentRequests = 16

// DefaultBodySizeRules mirrors the platform's built-in limit raise: users
// allowed to modify configuration may upload large configuration packages.
var DefaultBodySizeRules = []BodySizeRule{
	{Permission: "config/modify", MaxBytes: 512 * 1024 * 1024},
}

// IsFilePath reports whether a logging target names a file rather than a
// standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr" && target != ""
}
