package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/app"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/config"
)

const (
	Version = "1.0.0-dev"
)

// CLI represents the command line interface
type CLI struct {
	args     []string
	commands map[string]*Command
}

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

var commandOrder = []string{"run", "validate", "indexes", "explain", "example-config", "version", "help"}

func main() {
	cli := &CLI{args: os.Args[1:]}
	cli.commands = map[string]*Command{
		"run":            {Name: "run", Description: "Start the pool manager, scaling controller and HTTP API", Usage: "run [--config path] [--log-level level]", Run: cli.runCommand},
		"validate":       {Name: "validate", Description: "Validate configuration file", Usage: "validate [--config path] [--verbose]", Run: cli.validateCommand},
		"indexes":        {Name: "indexes", Description: "Inspect, recommend, create or drop indexes", Usage: "indexes <list|recommend|create|drop> [options]", Run: cli.indexesCommand},
		"explain":        {Name: "explain", Description: "Measure or compare query plans", Usage: "explain --query sql [--compare sql] [--index name]", Run: cli.explainCommand},
		"example-config": {Name: "example-config", Description: "Generate example configuration file", Usage: "example-config [--output path]", Run: cli.exampleConfigCommand},
		"version":        {Name: "version", Description: "Show version information", Usage: "version", Run: cli.versionCommand},
		"help":           {Name: "help", Description: "Show help information", Usage: "help [command]", Run: cli.helpCommand},
	}

	if len(cli.args) == 0 {
		cli.printUsage()
		os.Exit(1)
	}

	commandName := cli.args[0]

	// Handle help flag
	if commandName == "--help" || commandName == "-h" {
		cli.printUsage()
		return
	}

	// Default to run command if not a recognized command
	if _, exists := cli.commands[commandName]; !exists {
		if strings.HasPrefix(commandName, "--") {
			commandName = "run"
		} else {
			fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", commandName)
			cli.printUsage()
			os.Exit(1)
		}
	} else {
		cli.args = cli.args[1:]
	}

	cmd := cli.commands[commandName]
	if err := cmd.Run(cli.args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (cli *CLI) printUsage() {
	fmt.Printf("Postgres Pool Runtime Manager v%s\n", Version)
	fmt.Println("An adaptive Postgres connection pool with query plan and index analysis.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Printf("  %s <command> [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("COMMANDS:")

	for _, name := range commandOrder {
		if cmd, exists := cli.commands[name]; exists {
			fmt.Printf("  %-15s %s\n", cmd.Name, cmd.Description)
		}
	}

	fmt.Println()
	fmt.Println("GLOBAL OPTIONS:")
	fmt.Println("  --help, -h       Show help information")
	fmt.Println()
	fmt.Println("Use \"pgpool-manager help <command>\" for more information about a command.")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Printf("  %s run --config /etc/pgpool/pgpool.yaml\n", os.Args[0])
	fmt.Printf("  %s validate --config ./pgpool.yaml\n", os.Args[0])
	fmt.Printf("  %s indexes recommend\n", os.Args[0])
	fmt.Printf("  %s explain --query \"SELECT * FROM properties WHERE price < 500000\"\n", os.Args[0])
}

func (cli *CLI) parseFlags(args []string, flags map[string]*string) []string {
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "--") {
			flagName := strings.TrimPrefix(arg, "--")

			// Handle --flag=value format
			if strings.Contains(flagName, "=") {
				parts := strings.SplitN(flagName, "=", 2)
				flagName = parts[0]
				if flagVar, exists := flags[flagName]; exists {
					*flagVar = parts[1]
				}
				continue
			}

			// Handle --flag value format
			if flagVar, exists := flags[flagName]; exists {
				if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
					*flagVar = args[i+1]
					i++ // Skip the value
				} else {
					// Boolean flag or missing value
					*flagVar = "true"
				}
				continue
			}
		}

		remaining = append(remaining, arg)
	}

	return remaining
}

func wantsHelp(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// loadConfig loads the file at configPath, or the zero-config defaults when
// it is empty
func (cli *CLI) loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		cfg, err := config.LoadDefault()
		if err != nil {
			return nil, fmt.Errorf("failed to load default configuration: %w", err)
		}
		return cfg, nil
	}

	if err := cli.validateConfigPath(configPath); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (cli *CLI) runCommand(args []string) error {
	var configPath string
	var logLevel string

	flags := map[string]*string{
		"config":    &configPath,
		"log-level": &logLevel,
	}

	remaining := cli.parseFlags(args, flags)
	if wantsHelp(remaining) {
		cli.printRunHelp()
		return nil
	}

	cfg, err := cli.loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := app.NewLogger(cfg.Logging, logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	if configPath == "" {
		logger.Info("Running in zero-config mode with defaults and environment overrides")
	} else {
		logger.Info("Loaded configuration", zap.String("path", configPath))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, err := app.NewManager(ctx, cfg, logger,
		app.WithConfigPath(configPath),
		app.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				logger.Info("Received signal", zap.String("signal", sig.String()))

				if sig == syscall.SIGHUP {
					if err := manager.Reload(ctx); err != nil {
						logger.Error("Failed to reload configuration", zap.Error(err))
					}
					continue
				}

				logger.Info("Shutting down gracefully")
				cancel()
				return
			}
		}
	}()

	logger.Info("Starting Postgres Pool Runtime Manager",
		zap.String("version", Version),
		zap.String("pool", cfg.Database.Name),
		zap.Int("min_conns", cfg.Database.MinConns),
		zap.Int("max_conns", cfg.Database.MaxConns),
		zap.Duration("scaling_interval", cfg.Scaling.Interval),
		zap.String("server_address", cfg.Server.BindAddress))

	if err := manager.Run(ctx); err != nil {
		logger.Error("Manager stopped with error", zap.Error(err))
		return fmt.Errorf("manager stopped with error: %w", err)
	}

	logger.Info("Postgres Pool Runtime Manager stopped")
	return nil
}

func (cli *CLI) validateCommand(args []string) error {
	var configPath string
	var verboseFlag string

	flags := map[string]*string{
		"config":  &configPath,
		"verbose": &verboseFlag,
	}

	remaining := cli.parseFlags(args, flags)
	verbose := verboseFlag == "true"

	if wantsHelp(remaining) {
		cli.printValidateHelp()
		return nil
	}

	if configPath == "" {
		fmt.Println("🔍 Validating zero-config mode with defaults and environment overrides")
	} else {
		fmt.Printf("🔍 Validating configuration file: %s\n", configPath)
	}

	cfg, err := cli.loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	validationResult := config.GetValidationResult(cfg)
	cli.printValidationResults(validationResult, verbose)

	if !validationResult.Valid {
		fmt.Printf("\n❌ Configuration validation failed with %d error(s)\n", len(validationResult.Errors))
		return fmt.Errorf("configuration validation failed")
	}

	if len(validationResult.Warnings) > 0 {
		fmt.Printf("\n⚠️  Found %d warning(s) - configuration is valid but could be improved\n", len(validationResult.Warnings))
	}

	cli.printConfigurationSummary(cfg)

	fmt.Println("\n✅ Configuration validation completed successfully!")
	return nil
}

// printValidationResults prints detailed validation results
func (cli *CLI) printValidationResults(result *config.ValidationResult, verbose bool) {
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Println("✅ Configuration passes all validation checks")
		return
	}

	if len(result.Errors) > 0 {
		fmt.Printf("\n❌ VALIDATION ERRORS (%d):\n", len(result.Errors))
		for i, err := range result.Errors {
			fmt.Printf("  %d. Field: %s\n", i+1, err.Field)
			fmt.Printf("     Error: %s\n", err.Message)
			if err.Suggestion != "" {
				fmt.Printf("     Fix: %s\n", err.Suggestion)
			}
			if verbose && err.Value != nil {
				fmt.Printf("     Current value: %v\n", err.Value)
			}
			fmt.Println()
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\n⚠️  VALIDATION WARNINGS (%d):\n", len(result.Warnings))
		for i, warning := range result.Warnings {
			fmt.Printf("  %d. Field: %s\n", i+1, warning.Field)
			fmt.Printf("     Warning: %s\n", warning.Message)
			if warning.Suggestion != "" {
				fmt.Printf("     Suggestion: %s\n", warning.Suggestion)
			}
			if verbose && warning.Value != nil {
				fmt.Printf("     Current value: %v\n", warning.Value)
			}
			fmt.Println()
		}
	}
}

// printConfigurationSummary prints a summary of valid configuration
func (cli *CLI) printConfigurationSummary(cfg *config.Config) {
	fmt.Println("\n📋 CONFIGURATION SUMMARY:")

	fmt.Printf("🐘 Database:\n")
	fmt.Printf("   Pool: %s\n", cfg.Database.Name)
	fmt.Printf("   Connections: min=%d, max=%d, initial max=%d\n",
		cfg.Database.MinConns, cfg.Database.MaxConns, cfg.Database.InitialMaxConns)
	fmt.Printf("   Connect Timeout: %s\n", cfg.Database.ConnectTimeout)
	fmt.Printf("   Slow Query Threshold: %s\n", cfg.Database.SlowQueryThreshold)
	if cfg.Database.TLS {
		fmt.Printf("   TLS: ✅ Required\n")
	} else {
		fmt.Printf("   TLS: ⚠️  Disabled\n")
	}

	fmt.Printf("\n📈 Scaling:\n")
	fmt.Printf("   Interval: %s (metrics every %s)\n", cfg.Scaling.Interval, cfg.Scaling.MetricsInterval)
	fmt.Printf("   Cooldown: %s\n", cfg.Scaling.Cooldown)
	fmt.Printf("   Scale Up: +%d above %.0f%% utilization\n", cfg.Scaling.ScaleUpIncrement, cfg.Scaling.ScaleUpThreshold*100)
	fmt.Printf("   Scale Down: -%d below %.0f%% utilization\n", cfg.Scaling.ScaleDownDecrement, cfg.Scaling.ScaleDownThreshold*100)
	fmt.Printf("   Peak Hours: %v\n", cfg.Scaling.PeakHours)
	fmt.Printf("   Off-Peak Hours: %v\n", cfg.Scaling.OffPeakHours)

	fmt.Printf("\n🚨 Alerts:\n")
	fmt.Printf("   Utilization: %.0f%%\n", cfg.Alerts.Utilization*100)
	fmt.Printf("   Error Rate: %.1f%%\n", cfg.Alerts.ErrorRate*100)
	fmt.Printf("   Avg Query Time: %s\n", cfg.Alerts.AvgQueryTime)
	fmt.Printf("   Emergency Waiting: %d\n", cfg.Alerts.EmergencyWaiting)

	fmt.Printf("\n🗂️  Indexes:\n")
	fmt.Printf("   Schema: %s\n", cfg.Indexes.Schema)
	if len(cfg.Indexes.Required) == 0 {
		fmt.Printf("   Required: built-in property search set\n")
	} else {
		fmt.Printf("   Required: %d configured\n", len(cfg.Indexes.Required))
	}

	fmt.Printf("\n🌐 Server:\n")
	fmt.Printf("   Bind Address: %s\n", cfg.Server.BindAddress)
	fmt.Printf("   Metrics Path: %s\n", cfg.Server.MetricsPath)
	fmt.Printf("   Health Path: %s\n", cfg.Server.HealthPath)
	if cfg.Server.TLS.Enabled {
		fmt.Printf("   TLS: ✅ Enabled\n")
	} else {
		fmt.Printf("   TLS: ⚠️  Disabled\n")
	}
	if cfg.Server.Auth.Enabled {
		fmt.Printf("   Authentication: ✅ %s\n", cfg.Server.Auth.Type)
	} else {
		fmt.Printf("   Authentication: ⚠️  Disabled\n")
	}
	if cfg.Server.API.Enabled {
		fmt.Printf("   API: ✅ %s (%d req/min per client)\n", cfg.Server.API.BasePath, cfg.Server.API.MaxRequests)
	} else {
		fmt.Printf("   API: Disabled\n")
	}

	fmt.Printf("\n💾 Storage:\n")
	fmt.Printf("   Database: %s\n", cfg.Storage.DatabasePath)
	fmt.Printf("   Retention: Events=%s, Scaling History=%s\n",
		cfg.Storage.Retention.Events, cfg.Storage.Retention.ScalingHistory)

	fmt.Printf("\n📡 Event Sinks:\n")
	if cfg.EventBus.Enabled {
		fmt.Printf("   NATS: ✅ %s (subjects %s.*)\n", cfg.EventBus.URL, cfg.EventBus.SubjectPrefix)
	} else {
		fmt.Printf("   NATS: Disabled\n")
	}
	if cfg.Redis.Enabled {
		fmt.Printf("   Redis: ✅ %s (prefix %s)\n", cfg.Redis.Addr, cfg.Redis.KeyPrefix)
	} else {
		fmt.Printf("   Redis: Disabled\n")
	}

	if cfg.Telemetry.Enabled {
		fmt.Printf("\n🔭 Telemetry: ✅ Enabled (%s exporter)\n", cfg.Telemetry.Exporter.Type)
		fmt.Printf("   Service: %s v%s (%s)\n", cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
		fmt.Printf("   Sampling Rate: %.1f%%\n", cfg.Telemetry.Sampling.Rate*100)
	} else {
		fmt.Printf("\n🔭 Telemetry: ⚠️  Disabled\n")
	}
}

func (cli *CLI) versionCommand(args []string) error {
	fmt.Printf("Postgres Pool Runtime Manager version %s\n", Version)
	fmt.Println("Built with Go")
	fmt.Println("https://github.com/deepfriedcyber/pgpool-runtime-manager")
	return nil
}

func (cli *CLI) helpCommand(args []string) error {
	if len(args) == 0 {
		cli.printUsage()
		return nil
	}

	commandName := args[0]
	switch commandName {
	case "run":
		cli.printRunHelp()
	case "validate":
		cli.printValidateHelp()
	case "indexes":
		cli.printIndexesHelp()
	case "explain":
		cli.printExplainHelp()
	case "example-config":
		cli.printExampleConfigHelp()
	case "version":
		fmt.Println("USAGE: pgpool-manager version")
		fmt.Println("Show version information and build details.")
	default:
		fmt.Printf("Unknown command: %s\n\n", commandName)
		cli.printUsage()
	}

	return nil
}

func (cli *CLI) exampleConfigCommand(args []string) error {
	var outputPath = "pgpool.yaml"

	flags := map[string]*string{
		"output": &outputPath,
	}

	remaining := cli.parseFlags(args, flags)
	if wantsHelp(remaining) {
		cli.printExampleConfigHelp()
		return nil
	}

	if outputPath == "-" {
		_, err := os.Stdout.Write(config.ExampleConfig())
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(outputPath); err == nil {
		return fmt.Errorf("file already exists: %s (use a different path or remove the existing file)", outputPath)
	}

	if err := os.WriteFile(outputPath, config.ExampleConfig(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Example configuration written to: %s\n", outputPath)
	fmt.Println("Edit the file to match your environment and use:")
	fmt.Printf("  pgpool-manager validate --config %s\n", outputPath)
	return nil
}

func (cli *CLI) validateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path cannot be empty")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", path)
	}

	return nil
}

func (cli *CLI) printRunHelp() {
	fmt.Println("USAGE: pgpool-manager run [options]")
	fmt.Println("Start the connection pool with adaptive scaling, metrics and the REST API.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  --config path      Configuration file path (default: zero-config mode)")
	fmt.Println("  --log-level level  Log level: debug, info, warn, error (default: from config)")
	fmt.Println("  --help, -h         Show this help message")
	fmt.Println()
	fmt.Println("SIGNALS:")
	fmt.Println("  SIGINT/SIGTERM    Graceful shutdown")
	fmt.Println("  SIGHUP            Reload scaling and alert settings")
	fmt.Println()
	fmt.Println("ENVIRONMENT:")
	fmt.Println("  DATABASE_URL      Postgres connection string (NEON_DATABASE_URL as fallback)")
	fmt.Println("  NATS_URL          Enable the NATS event publisher")
	fmt.Println("  REDIS_ADDR        Enable the Redis dashboard mirror")
	fmt.Println("  PGPOOL_LOG_LEVEL  Override the configured log level")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  pgpool-manager run")
	fmt.Println("  pgpool-manager run --config /etc/pgpool/pgpool.yaml")
	fmt.Println("  pgpool-manager run --log-level debug")
}

func (cli *CLI) printValidateHelp() {
	fmt.Println("USAGE: pgpool-manager validate [options]")
	fmt.Println("Validate configuration file without connecting to the database.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  --config path  Configuration file path (default: zero-config mode)")
	fmt.Println("  --verbose      Show detailed validation output including current values")
	fmt.Println("  --help, -h     Show this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  pgpool-manager validate")
	fmt.Println("  pgpool-manager validate --config ./pgpool.yaml --verbose")
}

func (cli *CLI) printExampleConfigHelp() {
	fmt.Println("USAGE: pgpool-manager example-config [options]")
	fmt.Println("Generate an annotated example configuration file.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  --output path  Output file path, or - for stdout (default: pgpool.yaml)")
	fmt.Println("  --help, -h     Show this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  pgpool-manager example-config")
	fmt.Println("  pgpool-manager example-config --output /etc/pgpool/pgpool.yaml")
}
