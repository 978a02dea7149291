// Package config holds the explicit configuration passed to both sides of an image-write session.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Environment variables recognized by the worker process.
const (
	EnvChannelID  = "IPC_CLIENT_ID"
	EnvSocketRoot = "IPC_SOCKET_ROOT"
	EnvServerID   = "IPC_SERVER_ID"
	EnvImage      = "OPTION_IMAGE"
	EnvDevice     = "OPTION_DEVICE"
	EnvUnmount    = "OPTION_UNMOUNT"
	EnvValidate   = "OPTION_VALIDATE"
)

var ErrInvalid = errors.New("config: invalid")

// Timeouts bounds every wait the supervising side performs.
type Timeouts struct {
	// Connect is how long the worker has to connect back after being spawned.
	Connect Duration `toml:"connect"`
	// Exit is how long the worker has to exit after sending its terminal envelope.
	Exit Duration `toml:"exit"`
	// HeartbeatInterval is the interval between channel pings. Zero disables pings.
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	// HeartbeatTimeout is how long a single ping may take before the worker is considered gone.
	HeartbeatTimeout Duration `toml:"heartbeat_timeout"`
	// TerminateGrace is the time between SIGTERM and SIGKILL.
	TerminateGrace Duration `toml:"terminate_grace"`
}

// Config is everything one session needs. It is passed explicitly into constructors; nothing reads it from global state.
type Config struct {
	ChannelID  string `toml:"channel_id"`
	SocketRoot string `toml:"socket_root"`
	ServerID   string `toml:"server_id"`

	TargetArtifact    string `toml:"image"`
	Destination       string `toml:"device"`
	UnmountOnSuccess  bool   `toml:"unmount"`
	ValidateOnSuccess bool   `toml:"validate"`

	// ReconnectAttempts is how many times the worker retries a failed connection. The default of 0 makes the first failure terminal.
	ReconnectAttempts int `toml:"reconnect_attempts"`

	Timeouts Timeouts `toml:"timeouts"`
}

func Default() Config {
	return Config{
		SocketRoot: os.TempDir(),
		ServerID:   "imagewriter",
		Timeouts: Timeouts{
			Connect:           Duration(10 * time.Second),
			Exit:              Duration(5 * time.Second),
			HeartbeatInterval: Duration(5 * time.Second),
			HeartbeatTimeout:  Duration(5 * time.Second),
			TerminateGrace:    Duration(2 * time.Second),
		},
	}
}

// WithChannelID returns a copy of c with a fresh channel ID if it has none.
func (c Config) WithChannelID() Config {
	if c.ChannelID == "" {
		c.ChannelID = uuid.NewString()
	}
	return c
}

// Validate checks the fields shared by both sides.
func (c Config) Validate() error {
	var missing []string
	if c.ChannelID == "" {
		missing = append(missing, "channel ID")
	}
	if c.SocketRoot == "" {
		missing = append(missing, "socket root")
	}
	if c.ServerID == "" {
		missing = append(missing, "server ID")
	}
	if c.TargetArtifact == "" {
		missing = append(missing, "image")
	}
	if c.Destination == "" {
		missing = append(missing, "device")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	if strings.ContainsAny(c.ServerID, "/\x00") {
		return fmt.Errorf("%w: server ID %q must not contain a path separator", ErrInvalid, c.ServerID)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("%w: negative reconnect attempts", ErrInvalid)
	}
	return nil
}

// Env encodes the worker's view of c as environment entries.
func (c Config) Env() []string {
	return []string{
		EnvChannelID + "=" + c.ChannelID,
		EnvSocketRoot + "=" + c.SocketRoot,
		EnvServerID + "=" + c.ServerID,
		EnvImage + "=" + c.TargetArtifact,
		EnvDevice + "=" + c.Destination,
		EnvUnmount + "=" + strconv.FormatBool(c.UnmountOnSuccess),
		EnvValidate + "=" + strconv.FormatBool(c.ValidateOnSuccess),
	}
}

// FromEnv reads the worker's configuration using lookup, which is usually os.LookupEnv.
// Unset or empty booleans are false.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}
	c.ChannelID = get(EnvChannelID)
	c.ServerID = get(EnvServerID)
	c.TargetArtifact = get(EnvImage)
	c.Destination = get(EnvDevice)
	if root := get(EnvSocketRoot); root != "" {
		c.SocketRoot = root
	}

	var err error
	if c.UnmountOnSuccess, err = parseBool(EnvUnmount, get(EnvUnmount)); err != nil {
		return Config{}, err
	}
	if c.ValidateOnSuccess, err = parseBool(EnvValidate, get(EnvValidate)); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

func parseBool(key, raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, key, raw)
	}
	return v, nil
}

// LoadFile overlays the TOML file at path onto c. Keys absent from the file keep their current values.
func LoadFile(path string, c *Config) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("decoding config %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q in %q", ErrInvalid, undecoded[0].String(), path)
	}
	return nil
}
