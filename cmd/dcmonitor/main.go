// Command dcmonitor manages Device Cloud push monitors and forwards the
// events they deliver to local sinks: the log, a SQLite event log, MQTT,
// InfluxDB and a websocket live feed.
//
// Usage:
//
//	dcmonitor listen  --config configs/dcmonitor.yaml
//	dcmonitor list
//	dcmonitor create --topic 'DataPoint[U]' --topic DeviceCore
//	dcmonitor delete 178008
//	dcmonitor version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// envConfigPath names the configuration file when --config is not given.
const envConfigPath = "DEVICECLOUD_CONFIG"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "dcmonitor",
		Short: "Device Cloud push monitor client",
		Long: `dcmonitor registers push monitors with Device Cloud and forwards
the events they deliver to the log, an event log, MQTT, InfluxDB and
a local websocket feed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv(envConfigPath),
		"path to the YAML configuration file (env "+envConfigPath+"); empty uses defaults")

	cmd.AddCommand(
		newListenCmd(opts),
		newCreateCmd(opts),
		newListCmd(opts),
		newDeleteCmd(opts),
		newVersionCmd(),
	)
	return cmd
}
