package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dilluti0n/dpibreak/config"
	"github.com/dilluti0n/dpibreak/log"
	"github.com/dilluti0n/dpibreak/sup"
)

var (
	cfg         = config.Default
	showVersion bool
	clearRules  bool

	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "dpibreak",
	Short: "DPI circumvention by TLS ClientHello mangling",
	Long: `dpibreak intercepts outbound TLS ClientHello packets, splits them
across TCP segment boundaries and optionally precedes them with
short-lived fake handshakes, defeating SNI-based traffic filtering.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDPIBreak,
}

func init() {
	cfg.BindFlags(rootCmd)
	f := rootCmd.Flags()
	f.BoolVarP(&showVersion, "version", "v", false, "Print version and exit")
	f.BoolVar(&clearRules, "clear-rules", false, "Remove leftover firewall rules and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(sup.ExitFailure)
	}
}

func runDPIBreak(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("dpibreak %s (%s) %s\n", Version, Commit, Date)
		return nil
	}

	cfg.Resolve(cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(os.Stderr, log.LevelWarning, cfg.Instaflush)
	if err := cfg.ApplyLogLevel(); err != nil {
		return err
	}
	if cfg.Syslog {
		if err := log.EnableSyslog("dpibreak"); err != nil {
			log.Warnf("syslog unavailable: %v", err)
		}
	}

	if clearRules {
		return sup.ClearRules(&cfg)
	}

	if !cfg.NoSplash {
		splash()
	}
	logEffectiveFlags(cmd)

	if code := sup.Run(&cfg); code != sup.ExitOK {
		os.Exit(code)
	}
	return nil
}

func splash() {
	fmt.Printf(`
    _      _ _                 _
 __| |_ __(_) |__ _ _ ___ __ _| |__
/ _` + "`" + ` | '_ \ | '_ \ '_/ -_) _` + "`" + ` | / /
\__,_| .__/_|_.__/_| \___\__,_|_\_\
     |_|                    %s

`, Version)
}

func logEffectiveFlags(cmd *cobra.Command) {
	var all []*pflag.Flag
	cmd.Flags().VisitAll(func(f *pflag.Flag) { all = append(all, f) })
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	parts := make([]string, 0, len(all))
	for _, f := range all {
		parts = append(parts, fmt.Sprintf("--%s=%s", f.Name, f.Value.String()))
	}
	log.Infof("effective flags: %s", strings.Join(parts, " "))
}
