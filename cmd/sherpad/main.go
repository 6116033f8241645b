// sherpad is the lab host daemon: it owns the catalog, the hypervisor and
// container engine connections, and the WebSocket RPC listener.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sherpa-labs/sherpa/pkg/auth"
	"github.com/sherpa-labs/sherpa/pkg/catalog"
	"github.com/sherpa-labs/sherpa/pkg/config"
	"github.com/sherpa-labs/sherpa/pkg/daemon"
	"github.com/sherpa-labs/sherpa/pkg/engine"
	"github.com/sherpa-labs/sherpa/pkg/hyper"
	"github.com/sherpa-labs/sherpa/pkg/nlink"
	"github.com/sherpa-labs/sherpa/pkg/pipeline"
	"github.com/sherpa-labs/sherpa/pkg/server"
	"github.com/sherpa-labs/sherpa/pkg/util"
	"github.com/sherpa-labs/sherpa/pkg/version"
)

var (
	flagRoot          string
	flagLogLevel      string
	flagLibvirtSocket string
	flagLogJSON       bool
	flagForce         bool
	flagLogLines      int
	flagFollow        bool
)

func main() {
	root := &cobra.Command{
		Use:           "sherpad",
		Short:         "sherpa lab host daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagRoot, "root", "", "server root directory (default /opt/sherpa)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the server in the foreground",
		RunE:  runServer,
	}
	runCmd.Flags().StringVar(&flagLibvirtSocket, "libvirt-socket", "", "libvirt unix socket path")
	runCmd.Flags().BoolVar(&flagLogJSON, "log-json", false, "emit logs as JSON")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the server layout and the admin account",
		Long: "Creates the directory layout under the server root, writes the default\n" +
			"configuration, and bootstraps the admin user from SHERPA_ADMIN_PASSWORD.",
		RunE: runInit,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the server in the background",
		RunE:  runStart,
	}
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the background server",
		RunE:  runStop,
	}
	stopCmd.Flags().BoolVar(&flagForce, "force", false, "SIGKILL if the server ignores SIGTERM")
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the background server",
		RunE:  runRestart,
	}
	restartCmd.Flags().BoolVar(&flagForce, "force", false, "SIGKILL if the server ignores SIGTERM")
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the server is running",
		RunE:  runStatus,
	}
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the server log",
		RunE:  runLogs,
	}
	logsCmd.Flags().IntVarP(&flagLogLines, "lines", "n", 100, "number of lines to show")
	logsCmd.Flags().BoolVarP(&flagFollow, "follow", "f", false, "keep printing as the log grows")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("sherpad", version.Info())
		},
	}

	root.AddCommand(runCmd, initCmd, startCmd, stopCmd, restartCmd, statusCmd, logsCmd, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagRoot)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	if err := util.SetLogLevel(level); err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	return cfg, nil
}

func supervisor(cfg *config.Config) *daemon.Supervisor {
	return &daemon.Supervisor{PidFile: cfg.PidFile(), LogFile: cfg.LogFile()}
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureLayout(); err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return err
	}

	store, err := catalog.Open(cfg.ServerRoot)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.CountUsers()
	if err != nil {
		return err
	}
	if n > 0 {
		fmt.Println("server root initialized (users already present, admin bootstrap skipped)")
		return nil
	}

	password := os.Getenv("SHERPA_ADMIN_PASSWORD")
	if password == "" {
		return fmt.Errorf("SHERPA_ADMIN_PASSWORD must be set to bootstrap the admin account")
	}
	if err := auth.CheckPasswordStrength(password); err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	if err := store.CreateUser(&catalog.User{
		Username:     "admin",
		PasswordHash: hash,
		IsAdmin:      true,
	}); err != nil {
		return err
	}

	fmt.Printf("server root initialized at %s, admin account created\n", cfg.ServerRoot)
	return nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagLogJSON {
		util.SetJSONFormat()
	}
	if err := cfg.EnsureLayout(); err != nil {
		return err
	}

	store, err := catalog.Open(cfg.ServerRoot)
	if err != nil {
		return err
	}
	defer store.Close()

	tokens, err := auth.NewTokenManager(cfg.JWTSecretFile())
	if err != nil {
		return err
	}

	nl := nlink.New()
	hv, err := hyper.Connect(flagLibvirtSocket)
	if err != nil {
		return err
	}
	defer hv.Close()
	eng, err := engine.Connect()
	if err != nil {
		return err
	}
	defer eng.Close()

	pipe := pipeline.New(cfg, store, nl, hv, eng)
	srv := server.New(cfg, store, pipe, tokens)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	util.Infof("sherpad %s starting, root %s", version.Version, cfg.ServerRoot)
	return srv.Run(ctx)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureLayout(); err != nil {
		return err
	}

	runArgs := []string{"run"}
	if flagRoot != "" {
		runArgs = append(runArgs, "--root", flagRoot)
	}
	pid, err := supervisor(cfg).Start(runArgs)
	if err != nil {
		return err
	}
	fmt.Printf("sherpad started (pid %d)\n", pid)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := supervisor(cfg).Stop(flagForce); err != nil {
		return err
	}
	fmt.Println("sherpad stopped")
	return nil
}

func runRestart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runArgs := []string{"run"}
	if flagRoot != "" {
		runArgs = append(runArgs, "--root", flagRoot)
	}
	pid, err := supervisor(cfg).Restart(runArgs, flagForce)
	if err != nil {
		return err
	}
	fmt.Printf("sherpad restarted (pid %d)\n", pid)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pid := supervisor(cfg).Running()
	if pid == 0 {
		fmt.Println("sherpad is not running")
		os.Exit(1)
	}
	fmt.Printf("sherpad is running (pid %d)\n", pid)
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return supervisor(cfg).Logs(os.Stdout, flagLogLines, flagFollow)
}
