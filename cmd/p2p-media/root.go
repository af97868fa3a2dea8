package main

import (
	"os"

	"bitruisseau/p2p-media/pkg/config"
	"bitruisseau/p2p-media/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "p2p-media",
	Short: "BitRuisseau peer-to-peer media sharing",
	Long: `Share a local music folder with every node on a common pub/sub topic:
discover who is online, browse their catalogs and import songs chunk by chunk.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		cfg = loaded
		return logger.Setup(logger.Options{
			Level:   cfg.Log.Level,
			Dir:     cfg.Log.Dir,
			Console: cfg.Log.Dir == "",
		})
	},
}

func Execute() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "Config file (default ./configs/config.yaml or ./config.yaml)")
	pf.StringP("name", "n", "", "Peer id of this node (default host name)")
	pf.String("bus", "", "Bus kind: relay, mqtt or gossip")
	pf.String("topic", "", "Shared topic name")
	pf.String("broker", "", "MQTT broker host:port")
	pf.String("username", "", "MQTT user name")
	pf.String("password", "", "MQTT password")
	pf.String("relay-addr", "", "Relay host:port (empty discovers one over mDNS)")
	pf.StringSlice("gossip-listen", nil, "libp2p listen multiaddrs for the gossip bus")
	pf.StringP("library", "l", "", "Local music folder")
	pf.String("import-dir", "", "Folder imported songs are written to (default the library folder)")
	pf.String("hash-cache", "", "Pebble directory caching file hashes")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-dir", "", "Write logs to this directory instead of stderr")
	pf.String("metrics-addr", "", "Serve prometheus metrics on this address")
}
