// Package main is the entry point for the Relay CLI.
// Relay routes AI requests across local and cloud providers with
// complexity-tiered classification, health-aware failover chains, and
// background CLI job management.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/relay/internal/asynccli"
	"github.com/normanking/relay/internal/catalog"
	"github.com/normanking/relay/internal/chain"
	"github.com/normanking/relay/internal/classifier"
	"github.com/normanking/relay/internal/config"
	"github.com/normanking/relay/internal/data"
	"github.com/normanking/relay/internal/delivery"
	"github.com/normanking/relay/internal/executor"
	"github.com/normanking/relay/internal/health"
	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/internal/notify"
	"github.com/normanking/relay/internal/provider"
	"github.com/normanking/relay/internal/secrets"
	"github.com/normanking/relay/internal/tooldispatch"
	"github.com/normanking/relay/internal/usage"
)

var (
	version = "0.1.0"
	cfgPath string
	userID  string
	verbose bool
	log     *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - complexity-tiered AI request router with failover",
		Long: `Relay routes AI requests across local and cloud providers:
  • Keyword + AI classification into five complexity tiers
  • Per-tier failover chains with health-aware availability
  • Cost tracking with a background usage queue
  • Long CLI jobs run in the background with out-of-band delivery

Route a task:            relay route "summarize this repo"
Provider status:         relay status
Usage summary:           relay usage --since 24h`,
		PersistentPreRunE: initLogging,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.relay/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "default", "user scope for routing preferences and usage")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Relay v%s\n", version)
		},
	})

	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════
// LOGGING INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════

func initLogging(cmd *cobra.Command, args []string) error {
	cfg := logging.DefaultConfig()
	if verbose {
		cfg.Level = logging.LevelDebug
	}

	home, err := os.UserHomeDir()
	if err == nil {
		logDir := filepath.Join(home, ".relay", "logs")
		if err := os.MkdirAll(logDir, 0o755); err == nil {
			cfg.FilePath = filepath.Join(logDir, fmt.Sprintf("relay_%s.log", time.Now().Format("2006-01-02")))
		}
	}

	log = logging.New(cfg)
	logging.SetGlobal(log)
	return nil
}

// ═══════════════════════════════════════════════════════════════════════
// APPLICATION WIRING
// ═══════════════════════════════════════════════════════════════════════

// app holds the process-wide singletons in construction order.
type app struct {
	cfg        *config.Config
	store      *data.Store
	keeper     *secrets.Keeper
	registry   *provider.Registry
	tracker    *health.Tracker
	resolver   *chain.Resolver
	classifier *classifier.Classifier
	sink       delivery.Sink
	asyncMgr   *asynccli.Manager
	dispatcher *tooldispatch.Dispatcher
	queue      *usage.Queue
	router     *executor.Router
}

// buildApp constructs the full singleton graph from configuration.
func buildApp() (*app, error) {
	var cfg *config.Config
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	catalog.SetStrategy(catalog.Strategy(cfg.Routing.Strategy))

	store, err := data.NewDB(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	keeper, err := secrets.Load(cfg.Storage.DataDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load secret key: %w", err)
	}

	registry := provider.NewRegistry(cfg.ProviderConfigs())
	if p, err := registry.Get(provider.IDOllama); err == nil {
		if o, ok := unwrapProvider(p).(*provider.OllamaProvider); ok {
			o.WarmupAsync(context.Background())
		}
	}
	tracker := health.NewTracker(registry, health.WithProbeInterval(cfg.ProbeInterval()))
	resolver := chain.NewResolver(store, tracker, registry)
	cls := classifier.New(registry, &storePrefs{store: store},
		classifier.WithSafetyNetModel(cfg.Routing.SafetyNetModel))

	var sink delivery.Sink
	if cfg.Delivery.RedisAddr != "" {
		queue, err := delivery.NewRedisQueue(cfg.Delivery.RedisAddr, cfg.Delivery.RedisPassword, cfg.Delivery.RedisDB)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connect delivery queue: %w", err)
		}
		sink = queue
	} else {
		log.Warn("[Main] no redis configured, deliveries will not survive restarts")
		sink = delivery.NewMemorySink()
	}

	asyncMgr := asynccli.NewManager(registry, sink,
		asynccli.WithStaleThreshold(cfg.StaleThreshold()))

	dispatcher := tooldispatch.NewDispatcher(
		tooldispatch.WithAsyncRunner(asyncMgr),
		tooldispatch.WithSafeRoots(cfg.SafeRoots()...))
	registerCLITools(dispatcher, registry)

	queue := usage.NewQueue(store)
	router := executor.New(cls, resolver, registry, tracker,
		executor.WithUsageQueue(queue),
		executor.WithNotifier(notify.NewLogNotifier()),
		executor.WithAsyncManager(asyncMgr),
		executor.WithRetryBudget(cfg.Routing.RetryBudget))

	return &app{
		cfg:        cfg,
		store:      store,
		keeper:     keeper,
		registry:   registry,
		tracker:    tracker,
		resolver:   resolver,
		classifier: cls,
		sink:       sink,
		asyncMgr:   asyncMgr,
		dispatcher: dispatcher,
		queue:      queue,
		router:     router,
	}, nil
}

// close tears down in reverse construction order. The router stops the
// probe loop, drains the usage queue, and abandons async jobs.
func (a *app) close() {
	a.router.Close()
	if q, ok := a.sink.(*delivery.RedisQueue); ok {
		q.Close()
	}
	a.store.Close()
}

// storePrefs adapts the data layer to the classifier's preference
// source.
type storePrefs struct {
	store *data.Store
}

func (s *storePrefs) ClassifierPrefs(ctx context.Context, uid string) (*classifier.Prefs, error) {
	tr, err := s.store.TaskRoutingFor(ctx, uid)
	if err != nil || tr == nil {
		return nil, err
	}
	return &classifier.Prefs{
		AIClassification: tr.AIClassification,
		ChainJSON:        tr.ClassifierChainJSON,
		TaskRoutingInfo:  routingInfo(tr),
	}, nil
}

// routingInfo renders the user's tier routing for the classifier prompt.
func routingInfo(tr *data.TaskRouting) string {
	if len(tr.TierProviders) == 0 {
		return ""
	}
	var b strings.Builder
	for _, tier := range catalog.Tiers() {
		p, ok := tr.TierProviders[string(tier)]
		if !ok {
			continue
		}
		if model := tr.TierModels[string(tier)]; model != "" {
			fmt.Fprintf(&b, "%s -> %s (%s)\n", tier, p, model)
		} else {
			fmt.Fprintf(&b, "%s -> %s\n", tier, p)
		}
	}
	return strings.TrimSpace(b.String())
}

// registerCLITools exposes the CLI providers as delegation tools.
func registerCLITools(d *tooldispatch.Dispatcher, registry *provider.Registry) {
	cliTools := map[string]string{
		"claudeCliPrompt":   provider.IDCLIClaude,
		"geminiCliPrompt":   provider.IDCLIGemini,
		"opencodeCliPrompt": provider.IDCLIOpencode,
	}
	for toolID, cliID := range cliTools {
		def := tooldispatch.Definition{
			ID:          toolID,
			Name:        toolID,
			Description: fmt.Sprintf("Delegate a prompt to the %s tool in a workspace", cliID),
			Category:    tooldispatch.CategoryCLIDelegation,
			Parameters: map[string]tooldispatch.ParamSpec{
				"prompt":        {Type: tooldispatch.TypeString, Description: "the task to run"},
				"workspacePath": {Type: tooldispatch.TypeString, Description: "working directory", Optional: true},
				"timeoutMs":     {Type: tooldispatch.TypeNumber, Description: "execution budget in ms", Optional: true},
			},
			RequiredParams: []string{"prompt"},
			RequiresAuth:   true,
		}
		id := cliID
		err := d.Register(def, func(ctx context.Context, params map[string]interface{}, ec tooldispatch.ExecContext) (interface{}, error) {
			p, err := registry.Get(id)
			if err != nil {
				return nil, err
			}
			cli, ok := unwrapProvider(p).(provider.CLIExecutor)
			if !ok {
				return nil, fmt.Errorf("%s is not a CLI adapter", id)
			}
			workspace, _ := params["workspacePath"].(string)
			prompt, _ := params["prompt"].(string)
			res, err := cli.Execute(ctx, prompt, provider.CLIExecOptions{WorkspacePath: workspace})
			if err != nil {
				return nil, err
			}
			return res.Content, nil
		})
		if err != nil {
			log.Error("[Main] failed to register tool %s: %v", toolID, err)
		}
	}
}

func unwrapProvider(p provider.Provider) provider.Provider {
	if m, ok := p.(*provider.MetricsProvider); ok {
		return m.Unwrap()
	}
	return p
}

// ═══════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════

func routeCmd() *cobra.Command {
	var forceProvider, forceTier, system string
	cmd := &cobra.Command{
		Use:   "route <task>",
		Short: "Route a task through the failover chain and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.router.Process(cmd.Context(), &executor.Request{
				Task:          strings.Join(args, " "),
				UserID:        userID,
				ForceProvider: forceProvider,
				ForceTier:     forceTier,
				SystemPrompt:  system,
			})
			if err != nil {
				return err
			}

			fmt.Println(res.Content)
			fmt.Printf("\n── %s", res.Provider)
			if res.Model != "" {
				fmt.Printf(" (%s)", res.Model)
			}
			fmt.Printf(" · tier %s · %s", res.Classification.Tier, res.Duration.Round(time.Millisecond))
			if len(res.AttemptedProviders) > 1 {
				fmt.Printf(" · tried %s", strings.Join(res.AttemptedProviders, ", "))
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().StringVar(&forceProvider, "provider", "", "bypass the chain and use this provider")
	cmd.Flags().StringVar(&forceTier, "tier", "", "skip classification and use this tier")
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	return cmd
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <text>",
		Short: "Show the complexity classification for a text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			cls := a.classifier.Classify(cmd.Context(), strings.Join(args, " "), userID, "")
			fmt.Printf("tier:       %s\n", cls.Tier)
			fmt.Printf("confidence: %.2f\n", cls.Confidence)
			fmt.Printf("source:     %s\n", cls.Source)
			if cls.ClassifierProvider != "" {
				fmt.Printf("provider:   %s\n", cls.ClassifierProvider)
			}
			for _, tier := range catalog.Tiers() {
				fmt.Printf("  %-10s %.3f\n", tier, cls.Scores[tier])
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show provider availability and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			fmt.Printf("%-14s %-10s %-6s %s\n", "PROVIDER", "HEALTH", "AVAIL", "REASON")
			for _, id := range a.registry.KnownIDs() {
				h := a.tracker.StatusOf(id)
				av := a.resolver.IsAvailable(cmd.Context(), id, userID)
				avail := "no"
				if av.Available {
					avail = "yes"
				}
				fmt.Printf("%-14s %-10s %-6s %s\n", id, h.Status, avail, av.Reason)
			}
			return nil
		},
	}
}

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Run one health probe pass across all providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			a.tracker.RunProbes(cmd.Context())
			snapshot := a.tracker.Snapshot()
			ids := make([]string, 0, len(snapshot))
			for id := range snapshot {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				h := snapshot[id]
				fmt.Printf("%-14s %s", id, h.Status)
				if h.LastError != "" {
					fmt.Printf("  (%s)", h.LastError)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func usageCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show per-provider usage and cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			summary, err := a.store.UsageSince(cmd.Context(), userID, time.Now().Add(-since))
			if err != nil {
				return err
			}
			if len(summary) == 0 {
				fmt.Println("no usage recorded")
				return nil
			}
			providers := make([]string, 0, len(summary))
			for p := range summary {
				providers = append(providers, p)
			}
			sort.Strings(providers)

			fmt.Printf("%-14s %8s %12s %12s %10s\n", "PROVIDER", "CALLS", "TOKENS IN", "TOKENS OUT", "COST USD")
			var total float64
			for _, p := range providers {
				s := summary[p]
				fmt.Printf("%-14s %8d %12d %12d %10.4f\n", p, s.Calls, s.InputTokens, s.OutputTokens, s.CostUSD)
				total += s.CostUSD
			}
			fmt.Printf("%-14s %8s %12s %12s %10.4f\n", "total", "", "", "", total)
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "aggregation window")
	return cmd
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show in-process provider metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshots := provider.Metrics().Snapshots()
			if len(snapshots) == 0 {
				fmt.Println("no provider calls recorded in this process")
				return nil
			}
			names := make([]string, 0, len(snapshots))
			for name := range snapshots {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%s:\n", name)
				snap := snapshots[name]
				keys := make([]string, 0, len(snap))
				for k := range snap {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Printf("  %-24s %v\n", k, snap[k])
				}
			}
			fmt.Printf("\nestimated total cost: $%.4f\n", provider.Metrics().TotalCost())
			return nil
		},
	}
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List known providers and their profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			fmt.Printf("active strategy: %s\n\n", catalog.ActiveStrategy())
			fmt.Printf("%-14s %-6s %-9s %-8s %s\n", "PROVIDER", "TYPE", "COST", "LATENCY", "CAPABILITIES")
			for _, id := range a.registry.KnownIDs() {
				p := catalog.ProfileOf(id)
				fmt.Printf("%-14s %-6s %-9s %-8s %s\n", id, p.Type, p.Cost, p.Latency, strings.Join(p.Capabilities, ","))
			}
			return nil
		},
	}
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			defs := a.dispatcher.Definitions()
			sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
			for _, def := range defs {
				fmt.Printf("%-20s %-16s %s\n", def.ID, def.Category, def.Description)
			}
			return nil
		},
	}
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage provider API keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <provider> <api-key>",
		Short: "Store an encrypted API key for a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			providerID := provider.NormalizeID(args[0])
			sealed, err := a.keeper.Seal(args[1])
			if err != nil {
				return fmt.Errorf("encrypt key: %w", err)
			}
			err = a.store.UpsertUserProvider(cmd.Context(), &data.UserProvider{
				UserID:   userID,
				Type:     providerID,
				APIKey:   sealed,
				IsActive: true,
			})
			if err != nil {
				return err
			}
			fmt.Printf("stored encrypted key for %s (user %s)\n", providerID, userID)
			return nil
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if cfgPath != "" {
				cfg, err = config.LoadFromPath(cfgPath)
			} else {
				cfg, err = config.Load()
			}
			if err != nil {
				return err
			}
			// Keys never print, even encrypted ones.
			for id, pc := range cfg.Providers {
				if pc.APIKey != "" {
					pc.APIKey = "<set>"
					cfg.Providers[id] = pc
				}
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Run: func(cmd *cobra.Command, args []string) {
			if cfgPath != "" {
				fmt.Println(cfgPath)
				return
			}
			home, err := os.UserHomeDir()
			if err != nil {
				fmt.Println("~/.relay/config.yaml")
				return
			}
			fmt.Println(filepath.Join(home, ".relay", "config.yaml"))
		},
	})
	return cmd
}
