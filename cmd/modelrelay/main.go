// Command modelrelay runs the unified LLM adapter.
//
// Usage:
//
//	modelrelay serve --config config.yaml
//	modelrelay validate --config config.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/coordinator"
	"github.com/modelrelay/modelrelay/pkg/logger"
	"github.com/modelrelay/modelrelay/pkg/registry"
	"github.com/modelrelay/modelrelay/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the adapter server."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration and plugin manifests."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("modelrelay %s\n", version)
	return nil
}

// ServeCmd starts the HTTP/SSE server.
type ServeCmd struct {
	Port       int    `help:"Port to listen on (overrides config)."`
	PluginsDir string `name:"plugins-dir" help:"Plugin manifest directory (overrides config)." type:"path"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.PluginsDir != "" {
		cfg.Plugins.Dir = c.PluginsDir
	}

	configureLogging(cli, cfg)
	defer logger.Close()

	reg := registry.New(cfg.Plugins.Dir)
	if err := reg.LoadAll(); err != nil {
		return fmt.Errorf("failed to load plugin manifests: %w", err)
	}

	coord := coordinator.New(reg)
	defer coord.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Adapter().Info("Shutting down")
		cancel()
	}()

	srv := server.New(&cfg.Server, cfg.Plugins.Dir, coord)
	fmt.Printf("modelrelay listening on http://%s\n", cfg.Server.Address())
	return srv.Start(ctx)
}

// ValidateCmd checks the configuration and manifests without serving.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	reg := registry.New(cfg.Plugins.Dir)
	if err := reg.LoadAll(); err != nil {
		return fmt.Errorf("plugin manifests invalid: %w", err)
	}
	fmt.Println("Configuration is valid")
	return nil
}

func loadConfig(cli *CLI) (*config.Config, error) {
	if cli.Config == "" {
		return config.Default(), nil
	}
	return config.Load(cli.Config)
}

func configureLogging(cli *CLI, cfg *config.Config) {
	level := cfg.Logging.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	opts := logger.Options{
		Dir:            cfg.Logging.Dir,
		Level:          logger.ParseLevel(level),
		LLMLogMaxFiles: cfg.Logging.LLMLogMaxFiles,
		BatchMaxFiles:  cfg.Logging.BatchLogMaxFiles,
		MaxAge:         time.Duration(cfg.Logging.MaxAgeHours) * time.Hour,
	}
	logger.Configure(opts.ApplyEnv())
}

func main() {
	// Missing .env is fine; exported variables win either way.
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("modelrelay"),
		kong.Description("Provider-agnostic LLM adapter server."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
