// Command flow-controller runs the flow orchestrator against a speaker and
// inspects topology files.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/topology"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	os.Exit(submain(context.Background(), os.Args[1:]))
}

func submain(ctx context.Context, args []string) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd := newRootCommand(newViper())
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 1
	}
	return 0
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "flow-controller",
		Short:         "flow-controller creates and reroutes flows by driving switch speakers",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	persistent := root.PersistentFlags()
	persistent.StringP("config", "c", "", "path to a YAML config file")
	persistent.String("log-level", "info", "log level (debug, info, warn, error)")
	persistent.String("log-format", "text", "log format (text, json)")
	if err := v.BindPFlag("config", persistent.Lookup("config")); err != nil {
		panic(err)
	}
	if err := bindFlags(v, persistent); err != nil {
		panic(err)
	}

	root.AddCommand(newServeCommand(v))
	root.AddCommand(newTopologyCommand())
	return root
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator, bootstrapping the flows of --topology",
		Example: `
  # Simulated speaker, flows from a topology file
  flow-controller serve --topology configs/diamond.yaml

  # External speaker, JSON logs, config from the environment
  FLOWCTL_SPEAKER_ADDR=10.0.0.5:50061 FLOWCTL_LOG_FORMAT=json flow-controller serve
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configFile := v.GetString("config")
			if err := readConfigFile(v, configFile); err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			level := new(slog.LevelVar)
			log := logging.New(logging.Config{
				Level:    cfg.LogLevel,
				Format:   cfg.LogFormat,
				Output:   cmd.ErrOrStderr(),
				LevelVar: level,
			})
			if configFile != "" {
				log.Info(cmd.Context(), "loaded config file", logging.String("path", configFile))
				v.OnConfigChange(reloadLogLevel(v, level, log))
				v.WatchConfig()
			}

			c := &controller{cfg: cfg, log: log}
			return c.run(cmd.Context())
		},
	}
	addServeFlags(cmd.Flags())
	if err := bindFlags(v, cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

func newTopologyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "topology <file>",
		Short: "Validate a topology file and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := topology.Load(args[0])
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), topo)
			return nil
		},
	}
}

func printSummary(w io.Writer, t *topology.Topology) {
	inactiveSwitches := 0
	for _, sw := range t.Nodes {
		if strings.EqualFold(sw.Status, "inactive") {
			inactiveSwitches++
		}
	}
	directions, inactiveLinks := 0, 0
	for _, l := range t.Links {
		directions += len(l.Endpoints())
		if strings.EqualFold(l.Status, "inactive") {
			inactiveLinks++
		}
	}
	var requested int64
	for _, f := range t.Flows {
		requested += f.Bandwidth
	}

	fmt.Fprintf(w, "switches  %s (%d inactive)\n", humanize.Comma(int64(len(t.Nodes))), inactiveSwitches)
	fmt.Fprintf(w, "links     %s (%d directions, %d inactive)\n", humanize.Comma(int64(len(t.Links))), directions, inactiveLinks)
	fmt.Fprintf(w, "capacity  %s\n", bandwidth(t.TotalBandwidth()))
	fmt.Fprintf(w, "flows     %s (%s requested)\n", humanize.Comma(int64(len(t.Flows))), bandwidth(requested))
	for _, f := range t.Flows {
		fmt.Fprintf(w, "  %-12s %s:%d -> %s:%d  %s\n", f.ID, f.Src.Switch, f.Src.Port, f.Dst.Switch, f.Dst.Port, bandwidth(f.Bandwidth))
	}
}
