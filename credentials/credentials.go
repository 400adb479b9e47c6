// Package credentials loads kernel secrets from standard locations.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when credentials file has overly permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// Credentials holds secrets loaded from credentials.toml:
//
//	[nats]
//	token = "s3cret"
//	user = "kernel"
//	password = "..."
//
//	[telemetry.headers]
//	authorization = "Bearer ..."
type Credentials struct {
	NATS      NATSCreds      `toml:"nats"`
	Telemetry TelemetryCreds `toml:"telemetry"`
}

// NATSCreds authenticates the bus and KV connection.
type NATSCreds struct {
	Token    string `toml:"token"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// TelemetryCreds holds headers sent to the OTLP endpoint.
type TelemetryCreds struct {
	Headers map[string]string `toml:"headers"`
}

// StandardPaths returns the standard credential file locations in order of priority
func StandardPaths() []string {
	paths := []string{"credentials.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "taskkernel", "credentials.toml"),
			filepath.Join(home, ".taskkernel", "credentials.toml"),
		)
	}

	return paths
}

// Load loads credentials from the first available standard location.
// A missing file is not an error; the result is then nil.
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil
}

// LoadFile loads credentials from a specific file.
// Returns ErrInsecurePermissions if file is readable by group or others.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		// Credentials must be 0400 (owner read-only)
		if mode := info.Mode().Perm(); mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var creds Credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &creds, nil
}

// NATSToken returns the NATS token.
// Priority: TASKKERNEL_NATS_TOKEN > [nats] token.
func (c *Credentials) NATSToken() string {
	if v := os.Getenv("TASKKERNEL_NATS_TOKEN"); v != "" {
		return v
	}
	if c == nil {
		return ""
	}
	return c.NATS.Token
}

// NATSUser returns the NATS user and password, environment first.
func (c *Credentials) NATSUser() (string, string) {
	user, pass := os.Getenv("TASKKERNEL_NATS_USER"), os.Getenv("TASKKERNEL_NATS_PASSWORD")
	if user != "" {
		return user, pass
	}
	if c == nil {
		return "", ""
	}
	return c.NATS.User, c.NATS.Password
}

// TelemetryHeaders returns OTLP headers. OTEL_EXPORTER_OTLP_HEADERS
// ("k1=v1,k2=v2") entries override the file.
func (c *Credentials) TelemetryHeaders() map[string]string {
	headers := make(map[string]string)
	if c != nil {
		for k, v := range c.Telemetry.Headers {
			headers[k] = v
		}
	}
	for _, pair := range strings.Split(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"), ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return headers
}
