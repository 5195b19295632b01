package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stintlab/stint/pkg/agentclient"
	"github.com/stintlab/stint/pkg/api"
	"github.com/stintlab/stint/pkg/config"
	"github.com/stintlab/stint/pkg/log"
	"github.com/stintlab/stint/pkg/manager"
	"github.com/stintlab/stint/pkg/monitor"
	"github.com/stintlab/stint/pkg/reconciler"
	"github.com/stintlab/stint/pkg/storage"
	"github.com/stintlab/stint/pkg/types"
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the stint controller",
	Long: `Run the controller: the user-facing API, the booking store, the
reconciliation loop, and the fleet health monitor.`,
	RunE: runController,
}

func init() {
	controllerCmd.Flags().String("config", "", "Path to controller config file")
	controllerCmd.Flags().String("listen", "", "Listen address (overrides config)")
	controllerCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	controllerCmd.Flags().String("token-secret", "", "Token signing secret (overrides config)")
}

func runController(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadController(cfgPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("token-secret"); v != "" {
		cfg.TokenSecret = v
	}
	if cfg.TokenSecret == "" {
		cfg.TokenSecret = os.Getenv("STINT_TOKEN_SECRET")
	}
	if cfg.TokenSecret == "" {
		return fmt.Errorf("token secret is required (config token_secret, --token-secret, or STINT_TOKEN_SECRET)")
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := manager.NewManager(store, manager.NewTokenManager(cfg.TokenSecret))
	client := agentclient.NewClient(agentclient.Config{
		HealthTimeout: cfg.HealthTimeout.Std(),
		StartTimeout:  cfg.StartTimeout.Std(),
		StopTimeout:   cfg.StopTimeout.Std(),
	})
	mon := monitor.NewMonitor(store, client)
	rec := reconciler.NewReconciler(store, client, mon, reconciler.Config{
		TickInterval: cfg.TickInterval.Std(),
		PrewakeLead:  cfg.PrewakeLead.Std(),
		PortBase:     cfg.PortBase,
		DriftEvery:   cfg.DriftEvery,
	})
	rec.Start()
	defer rec.Stop()

	srv := api.NewServer(mgr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Listen)
	}()

	log.Info("Controller started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

var addAgentCmd = &cobra.Command{
	Use:   "add-agent",
	Short: "Provision a worker host in the controller store",
	Long: `Register a worker host row directly in the controller's store. Run
this against the controller's data directory while the controller is
stopped; the health monitor picks the agent up on the next tick.`,
	RunE: runAddAgent,
}

func init() {
	addAgentCmd.Flags().String("data-dir", "/var/lib/stint", "Controller data directory")
	addAgentCmd.Flags().String("name", "", "Agent name")
	addAgentCmd.Flags().String("ip", "", "Agent IP address")
	addAgentCmd.Flags().Int("port", 5000, "Agent API port")
	addAgentCmd.Flags().String("mac", "", "Agent MAC address (for Wake-on-LAN)")
	addAgentCmd.Flags().Bool("wol", false, "Enable Wake-on-LAN pre-wake")
	addAgentCmd.Flags().Int("cpu", 4, "Total CPU cores")
	addAgentCmd.Flags().Int("mem-gb", 8, "Total memory in GB")
	addAgentCmd.Flags().StringSlice("tags", nil, "Agent tags")
	_ = addAgentCmd.MarkFlagRequired("name")
	_ = addAgentCmd.MarkFlagRequired("ip")
}

func runAddAgent(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	name, _ := cmd.Flags().GetString("name")
	ip, _ := cmd.Flags().GetString("ip")
	port, _ := cmd.Flags().GetInt("port")
	mac, _ := cmd.Flags().GetString("mac")
	wolEnabled, _ := cmd.Flags().GetBool("wol")
	cpu, _ := cmd.Flags().GetInt("cpu")
	memGB, _ := cmd.Flags().GetInt("mem-gb")
	tags, _ := cmd.Flags().GetStringSlice("tags")

	mgr := manager.NewManager(store, nil)
	agent := &types.Agent{
		Name:       name,
		IP:         ip,
		Port:       port,
		MAC:        mac,
		WolEnabled: wolEnabled,
		TotalCPU:   cpu,
		TotalMemGB: memGB,
		Tags:       tags,
	}
	if err := mgr.RegisterAgent(agent); err != nil {
		return err
	}

	fmt.Printf("Agent %d (%s) registered at %s:%d\n", agent.ID, agent.Name, agent.IP, agent.Port)
	return nil
}
