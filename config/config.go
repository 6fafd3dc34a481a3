package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dilluti0n/dpibreak/log"
)

// Config carries every tunable of the daemon. A single instance is
// populated from CLI flags at startup and treated as read-only afterwards.
type Config struct {
	QueueNum   uint16
	DelayMs    uint
	NftCommand string

	Fake        bool
	FakeTTL     uint8
	FakeAutoTTL bool
	FakeBadsum  bool

	Daemon    bool
	DaemonLog string
	PidFile   string

	LogLevel   string
	Instaflush bool
	Syslog     bool
	NoSplash   bool
}

const (
	DefaultQueueNum  = 1
	DefaultFakeTTL   = 8
	DefaultPidFile   = "/run/dpibreak.pid"
	DefaultDaemonLog = "/var/log/dpibreak.log"
)

var Default = Config{
	QueueNum:   DefaultQueueNum,
	DelayMs:    0,
	NftCommand: "nft",

	Fake:        false,
	FakeTTL:     DefaultFakeTTL,
	FakeAutoTTL: false,
	FakeBadsum:  false,

	Daemon:    false,
	DaemonLog: DefaultDaemonLog,
	PidFile:   DefaultPidFile,

	LogLevel:   "warning",
	Instaflush: false,
	Syslog:     false,
	NoSplash:   false,
}

// BindFlags registers every option on the command. Defaults come from
// Default so the help output and the effective values never drift apart.
func (c *Config) BindFlags(cmd *cobra.Command) {
	f := cmd.Flags()

	f.Uint16VarP(&c.QueueNum, "queue-num", "q", c.QueueNum, "NFQUEUE number to bind")
	f.UintVar(&c.DelayMs, "delay-ms", c.DelayMs, "Delay between emitted segments in ms")
	f.StringVar(&c.NftCommand, "nft-command", c.NftCommand, "nft binary used for rule management")

	f.BoolVar(&c.Fake, "fake", c.Fake, "Inject fake ClientHello packets before the real segments")
	f.Uint8Var(&c.FakeTTL, "fake-ttl", c.FakeTTL, "TTL for fake packets (implies --fake)")
	f.BoolVar(&c.FakeAutoTTL, "fake-autottl", c.FakeAutoTTL, "Derive fake TTL from observed hop counts (implies --fake)")
	f.BoolVar(&c.FakeBadsum, "fake-badsum", c.FakeBadsum, "Corrupt the TCP checksum of fake packets (implies --fake)")

	f.BoolVarP(&c.Daemon, "daemon", "d", c.Daemon, "Detach and run in the background")
	f.StringVar(&c.DaemonLog, "daemon-log", c.DaemonLog, "Log file used when daemonized")
	f.StringVar(&c.PidFile, "pid-file", c.PidFile, "Pid file path")

	f.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Log level (error|warning|info|debug)")
	f.BoolVarP(&c.Instaflush, "instaflush", "i", c.Instaflush, "Flush every log line immediately")
	f.BoolVar(&c.Syslog, "syslog", c.Syslog, "Also log to the local syslog")
	f.BoolVar(&c.NoSplash, "no-splash", c.NoSplash, "Suppress the startup banner")
}

// Resolve applies inter-flag implications after parsing. Any of the
// fake-* options turns faking on, matching what users expect when they
// tune a knob of a feature without spelling out the feature flag.
func (c *Config) Resolve(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("fake-ttl") || f.Changed("fake-autottl") || f.Changed("fake-badsum") {
		c.Fake = true
	}
}

// ApplyLogLevel parses and installs the configured level.
func (c *Config) ApplyLogLevel() error {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.NftCommand == "" {
		return fmt.Errorf("nft-command must not be empty")
	}
	if c.FakeTTL == 0 {
		return fmt.Errorf("fake-ttl must be at least 1")
	}
	if c.DelayMs > 10000 {
		return fmt.Errorf("delay-ms %d is unreasonably large (max 10000)", c.DelayMs)
	}
	if c.Daemon && c.DaemonLog == "" {
		return fmt.Errorf("daemon-log must not be empty when --daemon is set")
	}
	if c.PidFile == "" {
		return fmt.Errorf("pid-file must not be empty")
	}
	return nil
}
