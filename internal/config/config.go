// Package config loads tapbridge's server configuration from environment
// variables and validates it, collecting every violation into a single
// ValidationErrors instead of failing on the first one.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tapbridge/tapbridge/internal/logging"
)

// privateInterfaceName is the fixed name of the tap device tapbridge
// creates for its private-side LAN. It is not configurable: the original
// never exposed it, and nothing downstream needs it to vary.
const privateInterfaceName = "tapx"

// tapMTU is the MTU applied to the private interface.
const tapMTU = 1500

// ValidationError reports a single invalid configuration field.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: field %q value %q: %s", e.Field, e.Value, e.Reason)
}

// ValidationErrors aggregates every ValidationError found while loading a
// Config, so a misconfigured deployment is reported in one pass.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return strings.Join(msgs, "; ")
}

// DHCPConfig holds the settings of the optional DHCPv4 server.
type DHCPConfig struct {
	Enabled   bool
	LeaseTime int32 // seconds; -1 means infinite
	DNSServers []string
}

// ServerConfig holds the WebSocket/TLS listener settings.
type ServerConfig struct {
	Host string
	Port int

	WithSSL        bool
	SSLCertPath    string
	SSLKeyPath     string
	SSLPassphrase  string
}

// Config is the fully validated, process-wide configuration.
type Config struct {
	Server ServerConfig
	DHCP   DHCPConfig

	InterfaceName   string
	InterfaceIP     string
	InterfaceSubnet int // CIDR prefix length, 0..31; /32 is rejected
	InterfaceMTU    int

	PublicInterface string // empty disables NAT bootstrap

	LogLevel logging.Level
}

// NATEnabled reports whether a public interface was configured, which
// gates whether internal/netfilter installs the MASQUERADE rule.
func (c *Config) NATEnabled() bool {
	return c.PublicInterface != ""
}

// Load reads and validates the process configuration from the environment,
// applying the same defaults as the original server's ServerConfig.
func Load() (*Config, error) {
	var errs ValidationErrors

	cfg := &Config{
		InterfaceName: privateInterfaceName,
		InterfaceMTU:  tapMTU,
	}

	cfg.Server.Host = getenv("HOST", "0.0.0.0")

	port, err := getenvInt("PORT", 8080)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Server.Port = port

	cfg.InterfaceIP = getenv("INTERFACE_IP", "10.11.12.254")

	subnet, err := getenvInt("INTERFACE_SUBNET", 24)
	if err != nil {
		errs = append(errs, err)
	} else if subnet < 0 || subnet > 31 {
		errs = append(errs, &ValidationError{
			Field:  "INTERFACE_SUBNET",
			Value:  strconv.Itoa(subnet),
			Reason: "must be in [0, 31]; /32 leaves no host addresses for a DHCP pool",
		})
	}
	cfg.InterfaceSubnet = subnet

	cfg.PublicInterface = getenv("PUBLIC_INTERFACE", "")

	withDHCP, err := getenvBool("WITH_DHCP", true)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.DHCP.Enabled = withDHCP

	leaseTime, err := getenvInt("DHCP_LEASE_TIME", 3600)
	if err != nil {
		errs = append(errs, err)
	} else if leaseTime < -1 {
		errs = append(errs, &ValidationError{
			Field:  "DHCP_LEASE_TIME",
			Value:  strconv.Itoa(leaseTime),
			Reason: "must be -1 (infinite) or a non-negative number of seconds",
		})
	}
	cfg.DHCP.LeaseTime = int32(leaseTime)
	cfg.DHCP.DNSServers = []string{"1.1.1.1", "8.8.8.8"}

	withSSL, err := getenvBool("WITH_SSL", false)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Server.WithSSL = withSSL
	cfg.Server.SSLCertPath = getenv("SSL_CERT_PATH", "")
	cfg.Server.SSLKeyPath = getenv("SSL_KEY_PATH", "")
	cfg.Server.SSLPassphrase = getenv("SSL_PASSPHRASE", "")

	if withSSL && (cfg.Server.SSLCertPath == "" || cfg.Server.SSLKeyPath == "") {
		errs = append(errs, &ValidationError{
			Field:  "SSL_CERT_PATH/SSL_KEY_PATH",
			Value:  "",
			Reason: "both must be set when WITH_SSL is true",
		})
	}

	level, err := getenvLevel("LOG_LEVEL", logging.LevelError)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.LogLevel = level

	if len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, *ValidationError) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, &ValidationError{Field: key, Value: v, Reason: "must be an integer"}
	}
	return n, nil
}

func getenvBool(key string, def bool) (bool, *ValidationError) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, &ValidationError{Field: key, Value: v, Reason: "must be a boolean"}
	}
	return b, nil
}

func getenvLevel(key string, def logging.Level) (logging.Level, *ValidationError) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	switch strings.ToUpper(v) {
	case "DEBUG":
		return logging.LevelDebug, nil
	case "INFO":
		return logging.LevelInfo, nil
	case "WARN", "WARNING":
		return logging.LevelWarn, nil
	case "ERROR":
		return logging.LevelError, nil
	default:
		return def, &ValidationError{Field: key, Value: v, Reason: "must be one of DEBUG, INFO, WARN, ERROR"}
	}
}
