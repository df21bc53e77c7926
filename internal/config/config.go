package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"callcore/native/internal/domain"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "RTCALL"

// Media sources for the call client.
const (
	MediaDevice    = "device"
	MediaSynthetic = "synthetic"
)

// Config holds the application configuration.
type Config struct {
	PeerID string `mapstructure:"peer_id"`
	// Token is sent in the auth frame, or exchanged for a ticket when
	// TicketURL is set.
	Token     string `mapstructure:"token"`
	TicketURL string `mapstructure:"ticket_url"`
	SignalURL string `mapstructure:"signal_url"`
	// ICEServers entries are "url" or "url|username|credential".
	ICEServers []string `mapstructure:"ice_servers"`

	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBackoff     time.Duration `mapstructure:"reconnect_backoff"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`

	MediaSource   string        `mapstructure:"media_source"`
	AllowLoopback bool          `mapstructure:"allow_loopback"`
	RecordDir     string        `mapstructure:"record_dir"`
	RingTimeout   time.Duration `mapstructure:"ring_timeout"`

	LogLevel  string `mapstructure:"log_level"`
	RelayAddr string `mapstructure:"relay_addr"`
}

// NewFlagSet declares every setting as a flag. Flags win over the
// environment, which wins over the config file.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "YAML config file")
	fs.String("env-file", ".env", "dotenv file loaded into the environment if present")

	fs.String("peer-id", "", "this client's peer id")
	fs.String("token", "", "auth token, or identity JWT when --ticket-url is set")
	fs.String("ticket-url", "", "identity service endpoint that issues signaling tickets")
	fs.String("signal-url", "", "signaling websocket URL")
	fs.StringSlice("ice-servers", []string{"stun:stun.l.google.com:19302"}, "ICE servers (url or url|user|credential)")

	fs.Int("max-reconnect-attempts", 5, "reconnect attempts before giving up")
	fs.Duration("reconnect-backoff", time.Second, "reconnect delay step; attempt n waits n times this")
	fs.Duration("ping-interval", 30*time.Second, "websocket keepalive interval")
	fs.Duration("write-timeout", 5*time.Second, "websocket write deadline")

	fs.String("media-source", MediaDevice, "local media: device or synthetic")
	fs.Bool("allow-loopback", false, "keep loopback ICE candidates")
	fs.String("record-dir", "", "record remote tracks into this directory")
	fs.Duration("ring-timeout", 45*time.Second, "hang up calls that ring longer than this")

	fs.String("log-level", "info", "log level")
	fs.String("relay-addr", ":8080", "relay listen address")
	return fs
}

// Load parses args into fs and resolves the configuration from flags, the
// environment (RTCALL_*), the dotenv file and the optional config file.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// godotenv.Load does not overwrite existing env vars
	if envFile, _ := fs.GetString("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "env-file" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}

	if file, _ := fs.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ICEServers = splitList(cfg.ICEServers)
	return &cfg, nil
}

// ValidateClient checks the settings the call client cannot run without.
func (c *Config) ValidateClient() error {
	if c.PeerID == "" {
		return fmt.Errorf("peer_id is required (--peer-id or %s_PEER_ID)", envPrefix)
	}
	if c.Token == "" {
		return fmt.Errorf("token is required (--token or %s_TOKEN)", envPrefix)
	}
	if c.SignalURL == "" && c.TicketURL == "" {
		return fmt.Errorf("signal_url or ticket_url is required")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative")
	}
	if c.ReconnectBackoff <= 0 {
		return fmt.Errorf("reconnect_backoff must be positive")
	}
	switch c.MediaSource {
	case MediaDevice, MediaSynthetic:
	default:
		return fmt.Errorf("media_source must be %q or %q, got %q", MediaDevice, MediaSynthetic, c.MediaSource)
	}
	return nil
}

// ICEServerList parses ICEServers.
func (c *Config) ICEServerList() ([]domain.ICEServer, error) {
	var out []domain.ICEServer
	for _, entry := range c.ICEServers {
		parts := strings.Split(entry, "|")
		switch len(parts) {
		case 1:
			out = append(out, domain.ICEServer{URL: parts[0]})
		case 3:
			out = append(out, domain.ICEServer{URL: parts[0], Username: parts[1], Credential: parts[2]})
		default:
			return nil, fmt.Errorf("ice server %q: want url or url|username|credential", entry)
		}
	}
	return out, nil
}

// splitList flattens comma separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
