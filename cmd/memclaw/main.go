package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/memclaw/internal/config"
	"github.com/stellarlinkco/memclaw/internal/logger"
	"github.com/stellarlinkco/memclaw/internal/memory"
	"github.com/stellarlinkco/memclaw/internal/tools"
)

const version = "0.1.0"

// ServiceFactory opens the memory service (allows injecting fakes in tests).
type ServiceFactory func(cfg *config.Config, l *log.Logger, watch bool) (*memory.Service, error)

// DefaultServiceFactory opens the memory service described by cfg.
func DefaultServiceFactory(cfg *config.Config, l *log.Logger, watch bool) (*memory.Service, error) {
	return memory.NewService(memory.Options{
		Workspace:          cfg.Agent.Workspace,
		DBPath:             cfg.DBPath(),
		Oracle:             memory.NewOracleFromConfig(cfg, l),
		ExtractWindow:      cfg.Memory.ExtractWindow,
		RecentDays:         cfg.Memory.RecentDays,
		CompactionCooldown: cfg.CompactionCooldown(),
		CompactionMinFacts: cfg.Memory.Compaction.MinFacts,
		CompactionSchedule: cfg.Memory.Compaction.Schedule,
		Watch:              watch && cfg.Memory.Watch.Enabled,
		WatchDebounce:      cfg.WatchDebounce(),
		Logger:             l,
	})
}

type app struct {
	factory   ServiceFactory
	workspace string
	debug     bool
	stderr    io.Writer
}

func newRootCmd(factory ServiceFactory) *cobra.Command {
	if factory == nil {
		factory = DefaultServiceFactory
	}
	a := &app{factory: factory}

	root := &cobra.Command{
		Use:           "memclaw",
		Short:         "memclaw - automatic long-term memory for coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.workspace, "workspace", "w", "", "Workspace directory (overrides config)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		&cobra.Command{
			Use:   "onboard",
			Short: "Initialize config and workspace",
			RunE:  a.runOnboard,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show memclaw status",
			RunE:  a.runStatus,
		},
		&cobra.Command{
			Use:   "serve",
			Short: "Run the memory pipeline and serve MCP tools on stdio",
			RunE:  a.runServe,
		},
		a.memoryCmd(),
		a.logCmd(),
		a.settingsCmd(),
	)
	return root
}

func main() {
	root := newRootCmd(nil)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if a.workspace != "" {
		cfg.Agent.Workspace = a.workspace
	}
	if a.debug {
		cfg.Log.Debug = true
	}
	return cfg, nil
}

func (a *app) newLogger(cfg *config.Config) *log.Logger {
	opts := []logger.Option{logger.WithDebug(cfg.Log.Debug), logger.WithJSON(cfg.Log.JSON)}
	if a.stderr != nil {
		opts = append(opts, logger.WithWriter(a.stderr))
	}
	return logger.New(opts...)
}

// withService loads config, opens the service and closes it after fn returns.
func (a *app) withService(fn func(svc *memory.Service) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	svc, err := a.factory(cfg, a.newLogger(cfg), false)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}
	defer svc.Close()
	return fn(svc)
}

func (a *app) runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	l := a.newLogger(cfg)
	if cfg.Provider.APIKey == "" && (cfg.Memory.Provider == nil || cfg.Memory.Provider.APIKey == "") {
		l.Warn("no API key set; extraction and compaction stay unavailable until one is configured")
	}

	svc, err := a.factory(cfg, l, true)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start memory: %w", err)
	}
	return tools.NewServer(svc, version, l).Run(ctx)
}

func (a *app) runOnboard(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	ws := cfg.Agent.Workspace
	memDir := filepath.Join(ws, "memory")
	if err := os.MkdirAll(memDir, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	writeIfNotExists(out, filepath.Join(memDir, memory.DocumentName), "")

	fmt.Fprintf(out, "Workspace ready: %s\n", ws)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set MEMCLAW_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Register 'memclaw serve' as an MCP server in your agent")
	return nil
}

func (a *app) runStatus(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	cfg, err := a.loadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Fprintf(out, "Model: %s\n", memoryModel(cfg))
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))

	if _, err := os.Stat(cfg.Agent.Workspace); err != nil {
		fmt.Fprintln(out, "Memory: workspace not found (run 'memclaw onboard')")
		return nil
	}

	svc, err := a.factory(cfg, a.newLogger(cfg), false)
	if err != nil {
		fmt.Fprintf(out, "Memory: error (%v)\n", err)
		return nil
	}
	defer svc.Close()

	stats, err := svc.Stats()
	if err != nil {
		fmt.Fprintf(out, "Memory: error (%v)\n", err)
		return nil
	}
	st := svc.Settings()
	fmt.Fprintf(out, "Memory: %d facts, %d daily logs\n", stats.TotalFacts, stats.DailyLogs)
	fmt.Fprintf(out, "Auto-extract: enabled=%v autoExtract=%v threshold=%.2f every=%ds\n",
		st.Enabled, st.AutoExtract, st.FlushThreshold, st.ExtractIntervalSeconds)
	return nil
}

func memoryModel(cfg *config.Config) string {
	if cfg.Memory.Model != "" {
		return cfg.Memory.Model
	}
	return cfg.Agent.Model
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}
