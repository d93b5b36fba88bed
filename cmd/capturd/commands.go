package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/capturd/capturd"
)

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	gf := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "capturd",
		Short: "Stream capture daemon",
		Long:  "capturd watches configured sources and records them with an external capture binary.",
	}
	root.PersistentFlags().StringVar(&gf.APIUrl, "api-url", "http://localhost:8080/api", "daemon API base URL")
	root.PersistentFlags().DurationVar(&gf.APITimeout, "api-timeout", 10*time.Second, "API request timeout")

	root.AddCommand(
		newServeCmd(),
		newStartCmd(gf),
		newStopCmd(gf),
		newStatusCmd(gf),
		newSourcesCmd(gf),
		newScanCmd(gf),
	)
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	var metricsListen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := capturd.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Metrics.Enabled || metricsListen != "" {
				if err := capturd.RegisterMetricsDefault(); err != nil {
					return fmt.Errorf("register metrics: %w", err)
				}
				addr := metricsListen
				if addr == "" {
					addr = cfg.Metrics.Listen
				}
				if addr != "" {
					capturd.ServeMetrics(addr)
				}
			}

			d, err := capturd.New(cfg)
			if err != nil {
				return err
			}
			if err := d.Serve(); err != nil {
				return err
			}
			fmt.Printf("capturd listening on %s\n", cfg.Server.Listen)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			fmt.Println("shutting down...")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return d.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "capturd.toml", "path to TOML config")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	return cmd
}

func newStartCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <source>",
		Short: "Start capturing a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(gf.APIUrl, gf.APITimeout)
			id, err := client.StartCapture(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("capture %d started for %s\n", id, args[0])
			return nil
		},
	}
}

func newStopCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <source>",
		Short: "Stop the capture for a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(gf.APIUrl, gf.APITimeout)
			if err := client.StopCapture(args[0]); err != nil {
				return err
			}
			fmt.Printf("stop requested for %s\n", args[0])
			return nil
		},
	}
}

func newStatusCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show active captures and aggregates",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(gf.APIUrl, gf.APITimeout)
			if !client.IsReachable() {
				return fmt.Errorf("daemon not reachable at %s", gf.APIUrl)
			}
			active, err := client.ActiveCaptures()
			if err != nil {
				return err
			}
			stats, err := client.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("active captures: %d\n", len(active))
			for _, a := range active {
				fmt.Printf("  %v (capture %v) since %v\n", a["source_name"], a["capture_id"], a["started_at"])
			}
			fmt.Printf("total captures: %v, total bytes: %v\n", stats["total_captures"], stats["total_bytes"])
			return nil
		},
	}
}

func newSourcesCmd(gf *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage capture sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(gf.APIUrl, gf.APITimeout)
			sources, err := client.ListSources()
			if err != nil {
				return err
			}
			for _, s := range sources {
				auto := ""
				if b, _ := s["auto_capture"].(bool); b {
					auto = " [auto]"
				}
				fmt.Printf("%v: %v (quality %v)%s\n", s["id"], s["name"], s["quality"], auto)
			}
			return nil
		},
	}

	var quality string
	var auto bool
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(gf.APIUrl, gf.APITimeout)
			if err := client.AddSource(args[0], quality, auto); err != nil {
				return err
			}
			fmt.Printf("source %s added\n", args[0])
			return nil
		},
	}
	add.Flags().StringVar(&quality, "quality", "best", "capture quality")
	add.Flags().BoolVar(&auto, "auto", true, "start captures automatically when live")
	cmd.AddCommand(add)
	return cmd
}

func newScanCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Trigger one scan pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(gf.APIUrl, gf.APITimeout)
			if err := client.TriggerScan(); err != nil {
				return err
			}
			fmt.Println("scan triggered")
			return nil
		},
	}
}
