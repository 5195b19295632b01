package main

import (
	"github.com/spf13/cobra"
	"github.com/stintlab/stint/pkg/agent"
	"github.com/stintlab/stint/pkg/config"
	"github.com/stintlab/stint/pkg/runtime"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a stint agent on a worker host",
	Long: `Run the worker-side agent: a small HTTP service over the local
containerd that starts, stops, and lists session containers on behalf of
the controller.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().String("config", "", "Path to agent config file")
	agentCmd.Flags().String("listen", "", "Listen address (overrides config)")
	agentCmd.Flags().String("advertise-host", "", "Host name for session URLs (overrides config)")
	agentCmd.Flags().String("containerd-socket", "", "Containerd socket path (overrides config)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadAgent(cfgPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v, _ := cmd.Flags().GetString("advertise-host"); v != "" {
		cfg.AdvertiseHost = v
	}
	if v, _ := cmd.Flags().GetString("containerd-socket"); v != "" {
		cfg.ContainerdSocket = v
	}

	rt, err := runtime.NewContainerdRuntime(cfg.ContainerdSocket, cfg.Namespace)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := agent.NewServer(rt, agent.Config{AdvertiseHost: cfg.AdvertiseHost})
	return srv.Start(cfg.Listen)
}
