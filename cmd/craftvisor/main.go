package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/craftvisor"
	"github.com/loykin/craftvisor/internal/logger"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and all subcommands.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}
	statusFlags := &StatusFlags{}
	commandFlags := &CommandFlags{}

	cvCommand := command{out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)

	root.AddCommand(
		createServeCommand(globalFlags),
		createProvisionCommand(cvCommand, globalFlags),
		createStartCommand(cvCommand, apiFlags),
		createStopCommand(cvCommand, apiFlags),
		createStatusCommand(cvCommand, statusFlags),
		createSendCommand(cvCommand, commandFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "craftvisor",
		Short: "Minecraft server supervisor",
		Long: `Craftvisor runs a Minecraft server as a child process, infers its
lifecycle from console output and exposes a small control API.

Examples:
  craftvisor serve --config=craftvisor.toml    # Start the supervisor daemon
  craftvisor start                             # Ask the daemon to boot the server
  craftvisor command say hello                 # Send a console command
  craftvisor status --api-url=http://remote:8080`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL including base path (default "+defaultAPIUrl+")")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.Token, "token", os.Getenv("CRAFTVISOR_API_TOKEN"), "API bearer token (env CRAFTVISOR_API_TOKEN)")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
}

// createStartCommand creates the start subcommand
func createStartCommand(cv command, f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the game server",
		Long: `Ask the daemon to start the game server. The command returns once the
process is spawned; use 'craftvisor status' to see when it is online.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cv.Start(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(cv command, f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the game server gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cv.Stop(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(cv command, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Long: `Show the state of the supervised server.

Examples:
  craftvisor status
  craftvisor status --watch --interval=5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return cv.Status(ctx, *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().BoolVar(&f.Watch, "watch", false, "keep polling until interrupted")
	cmd.Flags().DurationVar(&f.Interval, "interval", 2*time.Second, "poll interval in watch mode")
	return cmd
}

// createSendCommand creates the command subcommand
func createSendCommand(cv command, f *CommandFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "command <text...>",
		Short: "Send a console command to the server",
		Long: `Send one line to the server console. The line is dropped unless the
server is online.

Examples:
  craftvisor command list
  craftvisor command say "restart in 5 minutes"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cv.Command(cmd.Context(), *f, args)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

// createProvisionCommand creates the provision subcommand
func createProvisionCommand(cv command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "provision [config.toml]",
		Short: "Write eula.txt and server.properties without starting",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return cv.Provision(ProvisionFlags{ConfigPath: path})
		},
	}
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the craftvisor daemon",
		Long: `Start the supervisor daemon. It writes the server files, serves the
control API and, with game.auto_start, boots the server. SIGINT or SIGTERM
stop the server gracefully before exiting.

Examples:
  craftvisor serve --config=craftvisor.toml
  craftvisor serve craftvisor.toml --daemonize --pidfile=/run/craftvisor.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServeCommand(cmd.Context(), serveFlags, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func runServeCommand(ctx context.Context, flags *ServeFlags, args []string, out io.Writer) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=config.toml or provide as argument")
	}

	cfg, err := craftvisor.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		_, err := daemonize(flags.PidFile, flags.LogFile, out)
		return err
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	closer, err := logger.Setup(cfg.Log, os.Stderr)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer func() { _ = closer.Close() }()

	app, err := craftvisor.New(cfg, craftvisor.WithLogger(slog.Default()))
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Serve(ctx, nil)
}
