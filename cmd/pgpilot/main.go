package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pgpilot/pgpilot/pkg/api"
	"github.com/pgpilot/pgpilot/pkg/client"
	"github.com/pgpilot/pgpilot/pkg/config"
	"github.com/pgpilot/pgpilot/pkg/healthcheck"
	"github.com/pgpilot/pgpilot/pkg/log"
	"github.com/pgpilot/pgpilot/pkg/metrics"
	"github.com/pgpilot/pgpilot/pkg/monitor"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pgpilot",
	Short: "pgpilot - automated failover for replicated PostgreSQL",
	Long: `pgpilot runs a monitor that tracks postgres nodes organized into
formations and groups, decides which node should be primary and which
should be standbys, and orchestrates failovers when a primary becomes
unhealthy - without losing acknowledged writes.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pgpilot version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("monitor", "http://127.0.0.1:6070", "Monitor API address (client commands)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(failoverCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(formationCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func apiClient() *client.Client {
	addr, _ := rootCmd.PersistentFlags().GetString("monitor")
	return client.NewClient(addr)
}

// Monitor commands

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run and manage the pgpilot monitor",
}

var monitorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitor",
	Long: `Run the monitor: open the metadata store, serve the procedure API,
probe node health, and (optionally) replicate the metadata to standby
monitors over raft.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		if addr, _ := cmd.Flags().GetString("listen-addr"); addr != "" {
			cfg.ListenAddr = addr
		}
		if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
			cfg.DataDir = dir
		}
		if id, _ := cmd.Flags().GetString("node-id"); id != "" {
			cfg.NodeID = id
		}
		if enabled, _ := cmd.Flags().GetBool("raft"); enabled {
			cfg.Raft.Enabled = true
		}
		if addr, _ := cmd.Flags().GetString("raft-bind-addr"); addr != "" {
			cfg.Raft.BindAddr = addr
		}
		if addr, _ := cmd.Flags().GetString("join"); addr != "" {
			cfg.Raft.JoinAddr = addr
		}
		if cfg.NodeID == "" {
			cfg.NodeID = uuid.New().String()
		}

		return runMonitor(cfg)
	},
}

func runMonitor(cfg *config.Config) error {
	metrics.SetVersion(Version)

	m, err := monitor.NewMonitor(cfg)
	if err != nil {
		return fmt.Errorf("failed to start monitor: %v", err)
	}
	metrics.RegisterComponent("store", true, "")

	if cfg.Raft.Enabled {
		if cfg.Raft.JoinAddr == "" {
			if err := m.Bootstrap(cfg.Raft.BindAddr); err != nil {
				return fmt.Errorf("failed to bootstrap raft: %v", err)
			}
			log.Info("bootstrapped a new monitor cluster")
		} else {
			if err := m.Join(cfg.Raft.BindAddr); err != nil {
				return fmt.Errorf("failed to start raft: %v", err)
			}
			leader := client.NewClient(cfg.Raft.JoinAddr)
			if err := leader.JoinCluster(cfg.NodeID, cfg.Raft.BindAddr); err != nil {
				return fmt.Errorf("failed to join monitor cluster: %v", err)
			}
			log.Info("joined the monitor cluster")
		}
		metrics.RegisterComponent("raft", true, "")
	}

	var prober *healthcheck.Prober
	if cfg.Health.Enabled {
		prober = healthcheck.NewProber(m, cfg.Health)
		prober.Start()
	}

	collector := monitor.NewMetricsCollector(m)
	collector.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	server := api.NewServer(m)
	err = server.Start(ctx, cfg.ListenAddr)

	collector.Stop()
	if prober != nil {
		prober.Stop()
	}
	if shutdownErr := m.Shutdown(); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}

// Operator commands

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the current state of a formation",
	RunE: func(cmd *cobra.Command, args []string) error {
		formation, _ := cmd.Flags().GetString("formation")
		group, _ := cmd.Flags().GetInt("group")

		states, err := apiClient().CurrentState(formation, group)
		if err != nil {
			return err
		}

		fmt.Printf("%-6s %-16s %-22s %-20s %-20s %-12s %-8s\n",
			"ID", "Name", "Host:Port", "Reported", "Goal", "LSN", "Health")
		for _, state := range states {
			n := state.Node
			fmt.Printf("%-6d %-16s %-22s %-20s %-20s %-12s %-8s\n",
				n.ID, n.Name, n.Addr(),
				n.ReportedState, n.GoalState, n.ReportedLSN, n.Health)
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the newest monitor events",
	RunE: func(cmd *cobra.Command, args []string) error {
		formation, _ := cmd.Flags().GetString("formation")
		group, _ := cmd.Flags().GetInt("group")
		count, _ := cmd.Flags().GetInt("count")

		events, err := apiClient().LastEvents(formation, group, count)
		if err != nil {
			return err
		}
		for _, event := range events {
			fmt.Printf("%s  %s/%d node %d (%s): %s\n",
				event.Time.Format("2006-01-02 15:04:05"),
				event.Formation, event.GroupID, event.NodeID, event.NodeName,
				event.Description)
		}
		return nil
	},
}

var failoverCmd = &cobra.Command{
	Use:   "failover",
	Short: "Trigger a failover",
	RunE: func(cmd *cobra.Command, args []string) error {
		formation, _ := cmd.Flags().GetString("formation")
		group, _ := cmd.Flags().GetInt("group")

		if err := apiClient().PerformFailover(formation, group); err != nil {
			return err
		}
		fmt.Println("Failover started")
		return nil
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Promote a specific node",
	RunE: func(cmd *cobra.Command, args []string) error {
		formation, _ := cmd.Flags().GetString("formation")
		name, _ := cmd.Flags().GetString("name")

		started, err := apiClient().PerformPromotion(formation, name)
		if err != nil {
			return err
		}
		if started {
			fmt.Println("Failover started")
		} else {
			fmt.Println("Node is already the primary")
		}
		return nil
	},
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Manage node maintenance",
}

var maintenanceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Put a node into maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetInt64("node")
		if err := apiClient().StartMaintenance(nodeID); err != nil {
			return err
		}
		fmt.Println("Maintenance started")
		return nil
	},
}

var maintenanceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Bring a node back from maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetInt64("node")
		if err := apiClient().StopMaintenance(nodeID); err != nil {
			return err
		}
		fmt.Println("Maintenance stopped")
		return nil
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage registered nodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the nodes of a formation",
	RunE: func(cmd *cobra.Command, args []string) error {
		formation, _ := cmd.Flags().GetString("formation")
		group, _ := cmd.Flags().GetInt("group")

		nodes, err := apiClient().GetNodes(formation, group)
		if err != nil {
			return err
		}
		fmt.Printf("%-6s %-16s %-22s %-12s %-8s\n", "ID", "Name", "Host:Port", "LSN", "Primary")
		for _, node := range nodes {
			fmt.Printf("%-6d %-16s %-22s %-12s %-8t\n",
				node.NodeID, node.Name,
				fmt.Sprintf("%s:%d", node.Host, node.Port),
				node.LSN, node.IsPrimary)
		}
		return nil
	},
}

var nodeRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetInt64("node")
		force, _ := cmd.Flags().GetBool("force")
		if err := apiClient().RemoveNode(nodeID, force); err != nil {
			return err
		}
		fmt.Println("Node removal requested")
		return nil
	},
}

var nodeSetPriorityCmd = &cobra.Command{
	Use:   "set-priority",
	Short: "Set a node's candidate priority",
	RunE: func(cmd *cobra.Command, args []string) error {
		formation, _ := cmd.Flags().GetString("formation")
		name, _ := cmd.Flags().GetString("name")
		priority, _ := cmd.Flags().GetInt("priority")
		if err := apiClient().SetCandidatePriority(formation, name, priority); err != nil {
			return err
		}
		fmt.Println("Candidate priority updated")
		return nil
	},
}

var nodeSetQuorumCmd = &cobra.Command{
	Use:   "set-quorum",
	Short: "Set a node's replication quorum participation",
	RunE: func(cmd *cobra.Command, args []string) error {
		formation, _ := cmd.Flags().GetString("formation")
		name, _ := cmd.Flags().GetString("name")
		quorum, _ := cmd.Flags().GetBool("quorum")
		if err := apiClient().SetReplicationQuorum(formation, name, quorum); err != nil {
			return err
		}
		fmt.Println("Replication quorum updated")
		return nil
	},
}

var formationCmd = &cobra.Command{
	Use:   "formation",
	Short: "Manage formations",
}

var formationSetSyncCmd = &cobra.Command{
	Use:   "set-number-sync-standbys",
	Short: "Set a formation's number_sync_standbys",
	RunE: func(cmd *cobra.Command, args []string) error {
		formation, _ := cmd.Flags().GetString("formation")
		n, _ := cmd.Flags().GetInt("count")
		if err := apiClient().SetNumberSyncStandbys(formation, n); err != nil {
			return err
		}
		fmt.Println("number_sync_standbys updated")
		return nil
	},
}

func init() {
	monitorRunCmd.Flags().String("config", "", "Path to the YAML configuration file")
	monitorRunCmd.Flags().String("listen-addr", "", "API listen address")
	monitorRunCmd.Flags().String("data-dir", "", "Data directory")
	monitorRunCmd.Flags().String("node-id", "", "Monitor node id (generated when empty)")
	monitorRunCmd.Flags().Bool("raft", false, "Enable raft replication of the metadata")
	monitorRunCmd.Flags().String("raft-bind-addr", "", "Raft bind address")
	monitorRunCmd.Flags().String("join", "", "API address of an existing monitor to join")
	monitorCmd.AddCommand(monitorRunCmd)

	stateCmd.Flags().String("formation", "default", "Formation name")
	stateCmd.Flags().Int("group", -1, "Group id (-1 for all)")

	eventsCmd.Flags().String("formation", "", "Formation name (empty for all)")
	eventsCmd.Flags().Int("group", -1, "Group id (-1 for all)")
	eventsCmd.Flags().Int("count", 10, "Number of events")

	failoverCmd.Flags().String("formation", "default", "Formation name")
	failoverCmd.Flags().Int("group", 0, "Group id")

	promoteCmd.Flags().String("formation", "default", "Formation name")
	promoteCmd.Flags().String("name", "", "Node name")
	_ = promoteCmd.MarkFlagRequired("name")

	maintenanceStartCmd.Flags().Int64("node", 0, "Node id")
	_ = maintenanceStartCmd.MarkFlagRequired("node")
	maintenanceStopCmd.Flags().Int64("node", 0, "Node id")
	_ = maintenanceStopCmd.MarkFlagRequired("node")
	maintenanceCmd.AddCommand(maintenanceStartCmd)
	maintenanceCmd.AddCommand(maintenanceStopCmd)

	nodeListCmd.Flags().String("formation", "default", "Formation name")
	nodeListCmd.Flags().Int("group", -1, "Group id (-1 for all)")
	nodeRemoveCmd.Flags().Int64("node", 0, "Node id")
	_ = nodeRemoveCmd.MarkFlagRequired("node")
	nodeRemoveCmd.Flags().Bool("force", false, "Delete the row without waiting for the keeper")
	nodeSetPriorityCmd.Flags().String("formation", "default", "Formation name")
	nodeSetPriorityCmd.Flags().String("name", "", "Node name")
	_ = nodeSetPriorityCmd.MarkFlagRequired("name")
	nodeSetPriorityCmd.Flags().Int("priority", 50, "Candidate priority (0..100)")
	nodeSetQuorumCmd.Flags().String("formation", "default", "Formation name")
	nodeSetQuorumCmd.Flags().String("name", "", "Node name")
	_ = nodeSetQuorumCmd.MarkFlagRequired("name")
	nodeSetQuorumCmd.Flags().Bool("quorum", true, "Replication quorum participation")
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeRemoveCmd)
	nodeCmd.AddCommand(nodeSetPriorityCmd)
	nodeCmd.AddCommand(nodeSetQuorumCmd)

	formationSetSyncCmd.Flags().String("formation", "default", "Formation name")
	formationSetSyncCmd.Flags().Int("count", 0, "number_sync_standbys")
	formationCmd.AddCommand(formationSetSyncCmd)
}
