package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	ErrMissing = errors.New("missing required setting")
	ErrInvalid = errors.New("invalid setting")
)

type NodeConfig struct {
	Mode         string        `mapstructure:"mode"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	PublicHost   string        `mapstructure:"public_host"`
	Channels     []string      `mapstructure:"channels"`
	RelayEnabled bool          `mapstructure:"relay_enabled"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	Secret       string        `mapstructure:"secret"`
	CertDir      string        `mapstructure:"cert_dir"`
	PrivMsgRate  float64       `mapstructure:"privmsg_rate"`
	PrivMsgBurst int           `mapstructure:"privmsg_burst"`
	PortMap      bool          `mapstructure:"portmap"`
	LogLevel     string        `mapstructure:"log_level"`
}

// RelayPort is always the port right after the tunnel port.
func (c *NodeConfig) RelayPort() int { return c.Port + 1 }

type TURNServer struct {
	URL        string `mapstructure:"url"`
	Username   string `mapstructure:"username"`
	Credential string `mapstructure:"credential"`
}

type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	ResetAfter time.Duration `mapstructure:"reset_after"`
}

type PeerConfig struct {
	Nick                   string        `mapstructure:"nick"`
	Link                   string        `mapstructure:"link"`
	Room                   string        `mapstructure:"room"`
	NegotiationTimeout     time.Duration `mapstructure:"negotiation_timeout"`
	ICEServers             []string      `mapstructure:"ice_servers"`
	TURNServers            []TURNServer  `mapstructure:"turn_servers"`
	RelayEnabled           bool          `mapstructure:"relay_enabled"`
	DirectEnabled          bool          `mapstructure:"direct_enabled"`
	MaxLinks               int           `mapstructure:"max_links"`
	MaxMembersPerSuperpeer int           `mapstructure:"max_members_per_superpeer"`
	DownloadDir            string        `mapstructure:"download_dir"`
	VADThreshold           float64       `mapstructure:"vad_threshold"`
	PingPeriod             time.Duration `mapstructure:"ping_period"`
	Backoff                BackoffConfig `mapstructure:"backoff"`
	TunnelGrace            time.Duration `mapstructure:"tunnel_grace"`
	Send                   []string      `mapstructure:"send"`
	LogLevel               string        `mapstructure:"log_level"`
}

// SendRequest is one file to push to a peer once a link to it is up.
type SendRequest struct {
	Nick string
	Path string
}

// SendRequests parses the nick=path entries of Send.
func (c *PeerConfig) SendRequests() ([]SendRequest, error) {
	out := make([]SendRequest, 0, len(c.Send))
	for _, raw := range c.Send {
		nick, path, ok := strings.Cut(raw, "=")
		nick, path = strings.TrimSpace(nick), strings.TrimSpace(path)
		if !ok || nick == "" || path == "" {
			return nil, fmt.Errorf("%w: send %q, want nick=path", ErrInvalid, raw)
		}
		out = append(out, SendRequest{Nick: nick, Path: path})
	}
	return out, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("VOICEMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}
	return v
}

// bind maps each flag onto the key section.<flag name with '-' as '_'>.
func bind(v *viper.Viper, section string, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key := section + "." + strings.ReplaceAll(f.Name, "-", "_")
		if bindErr := v.BindPFlag(key, f); bindErr != nil && err == nil {
			err = bindErr
		}
	})
	return err
}

func LoadNode(args []string) (*NodeConfig, error) {
	fs := pflag.NewFlagSet("node", pflag.ContinueOnError)
	fs.String("host", "", "listen host")
	fs.Int("port", 0, "tunnel port; the relay listens on port+1")
	fs.String("public-host", "", "host written into the connection link")
	fs.StringSlice("channels", nil, "channels advertised in the connection link")
	fs.Bool("relay-enabled", true, "serve the fallback relay")
	fs.Bool("portmap", false, "try to map ports on the gateway")
	fs.String("cert-dir", "", "directory of the TLS certificate")
	fs.String("log-level", "", "log level")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := newViper()
	v.SetDefault("node.mode", "release")
	v.SetDefault("node.host", "0.0.0.0")
	v.SetDefault("node.port", 6667)
	v.SetDefault("node.public_host", "")
	v.SetDefault("node.channels", []string{"#voice"})
	v.SetDefault("node.relay_enabled", true)
	v.SetDefault("node.read_limit", 32768)
	v.SetDefault("node.ping_period", "54s")
	v.SetDefault("node.secret", "voicemesh")
	v.SetDefault("node.cert_dir", "./certs")
	v.SetDefault("node.privmsg_rate", 50)
	v.SetDefault("node.privmsg_burst", 100)
	v.SetDefault("node.portmap", false)
	v.SetDefault("node.log_level", "info")
	if err := bind(v, "node", changed(fs)); err != nil {
		return nil, err
	}

	var file struct {
		Node NodeConfig `mapstructure:"node"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg := file.Node
	if cfg.PublicHost == "" {
		cfg.PublicHost = cfg.Host
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Relay: %v\n", cfg.Mode, cfg.Port, cfg.RelayEnabled)
	return &cfg, nil
}

func LoadPeer(args []string) (*PeerConfig, error) {
	fs := pflag.NewFlagSet("peer", pflag.ContinueOnError)
	fs.String("nick", "", "nickname in the room")
	fs.String("link", "", "voirc:// connection link")
	fs.String("room", "", "room to join; defaults to the first channel of the link")
	fs.Duration("negotiation-timeout", 0, "direct connection timeout before relay fallback")
	fs.Bool("relay-enabled", true, "fall back to the relay")
	fs.Bool("direct-enabled", true, "try direct connections")
	fs.String("download-dir", "", "where received files are stored")
	fs.StringArray("send", nil, "nick=path of a file to send once linked; repeatable")
	fs.String("log-level", "", "log level")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := newViper()
	v.SetDefault("peer.nick", "")
	v.SetDefault("peer.link", "")
	v.SetDefault("peer.room", "")
	v.SetDefault("peer.negotiation_timeout", "15s")
	v.SetDefault("peer.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("peer.turn_servers", []TURNServer{})
	v.SetDefault("peer.relay_enabled", true)
	v.SetDefault("peer.direct_enabled", true)
	v.SetDefault("peer.max_links", 64)
	v.SetDefault("peer.max_members_per_superpeer", 32)
	v.SetDefault("peer.download_dir", "./downloads")
	v.SetDefault("peer.vad_threshold", 0.01)
	v.SetDefault("peer.ping_period", "20s")
	v.SetDefault("peer.backoff.initial", "2s")
	v.SetDefault("peer.backoff.max", "30s")
	v.SetDefault("peer.backoff.reset_after", "30s")
	v.SetDefault("peer.tunnel_grace", "30s")
	v.SetDefault("peer.send", []string{})
	v.SetDefault("peer.log_level", "info")
	if err := bind(v, "peer", changed(fs)); err != nil {
		return nil, err
	}

	var file struct {
		Peer PeerConfig `mapstructure:"peer"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg := file.Peer
	if cfg.Nick == "" {
		return nil, fmt.Errorf("%w: nick", ErrMissing)
	}
	if cfg.Link == "" {
		return nil, fmt.Errorf("%w: link", ErrMissing)
	}
	if _, err := cfg.SendRequests(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// changed keeps only the flags given on the command line so that unset
// flags do not shadow file and env values.
func changed(fs *pflag.FlagSet) *pflag.FlagSet {
	out := pflag.NewFlagSet(fs.Name(), pflag.ContinueOnError)
	fs.Visit(func(f *pflag.Flag) { out.AddFlag(f) })
	return out
}
