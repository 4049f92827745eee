package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/localharness/harness/internal/app"
	"github.com/localharness/harness/internal/config"
	"github.com/localharness/harness/internal/delta"
	"github.com/localharness/harness/internal/graphrag"
	"github.com/localharness/harness/internal/llm"
	"github.com/localharness/harness/internal/lsp"
	"github.com/localharness/harness/internal/mcp"
	"github.com/localharness/harness/internal/mcptools"
	"github.com/localharness/harness/internal/policy"
	"github.com/localharness/harness/internal/provider"
	"github.com/localharness/harness/internal/shell"
	"github.com/localharness/harness/internal/store"
	"github.com/localharness/harness/internal/subagent"
	"github.com/localharness/harness/internal/treesitter"
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	flagSession := flag.String("s", "", "resume a session by ID")
	flagList := flag.Bool("l", false, "list sessions")
	flagContinue := flag.Bool("c", false, "continue most recent session")
	flag.StringVar(flagSession, "session", "", "resume a session by ID")
	flag.BoolVar(flagList, "list", false, "list sessions")
	flag.BoolVar(flagContinue, "continue", false, "continue most recent session")
	flag.Parse()

	configPath := filepath.Join(".", "config.json")
	if dataDir, err := config.DataDir(); err == nil {
		dataDirPath := filepath.Join(dataDir, "config.json")
		if _, err := os.Stat(dataDirPath); err == nil {
			configPath = dataDirPath
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Printf("Error loading credentials: %v\n", err)
		os.Exit(1)
	}

	registry := buildRegistry(cfg)
	providerName, providerCfg := resolveProvider(cfg, registry)

	prov, err := registry.Create(providerName, providerCfg.Model, provider.Options{
		Temperature: providerCfg.Temperature,
	})
	if err != nil {
		fmt.Printf("Error creating provider: %v\n", err)
		os.Exit(1)
	}
	defer prov.Close()

	svc := setupServices(cfg, creds)
	defer svc.proxy.Close()
	defer svc.lspManager.StopAll(context.Background())
	if svc.webCache != nil {
		defer svc.webCache.Close()
	}

	if *flagList {
		listSessions(svc.webCache)
		return
	}

	tools, err := svc.proxy.ListTools(context.Background())
	if err != nil {
		fmt.Printf("Warning: Failed to list tools: %v\n", err)
		tools = []mcp.Tool{}
	}

	// Register RunAgent/ListAgents after obtaining the tools list: they need
	// the full set to build each sub-agent's filtered proxy.
	agentRunner := mcptools.NewAgentRunner(
		svc.agentRegistry,
		prov,
		svc.lspManager,
		svc.deltaTracker,
		svc.shell,
		svc.webCache,
		svc.exaKey,
		tools,
		0,
	)
	svc.proxy.RegisterTool(mcptools.NewRunAgentTool(), agentRunner.Handle)
	svc.proxy.RegisterTool(mcptools.NewListAgentsTool(), agentRunner.HandleListAgents)

	svc.readHandler.SetCurator(
		fileCurator(prov, svc.proxy, svc.agentRegistry),
		cfg.GraphRAG.FileReadSmallLines,
		cfg.GraphRAG.FileReadLargeLines,
	)
	// The curator's conversation context is the current task list; recent
	// conversation turns are not passed to it.
	svc.readHandler.SetConversationContext(func() string { return svc.scratchpad.Content() })

	var indexing *graphrag.Engine
	if cfg.GraphRAG.Enabled {
		// No concrete Indexer is wired: embeddings and the vector store are
		// out of scope here, so full_indexing only marks a file as indexed.
		indexing = graphrag.NewEngine(nil)
		svc.readHandler.SetIndexingQueue(indexing)
	}

	tools, err = svc.proxy.ListTools(context.Background())
	if err != nil {
		fmt.Printf("Warning: Failed to list tools after agent registration: %v\n", err)
		tools = []mcp.Tool{}
	}

	sessionID, resumeHistory := resolveSession(*flagSession, *flagContinue, svc.webCache)

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Printf("Warning: failed to get working directory: %v\n", err)
		cwd = "."
	}
	tsIndex := treesitter.NewIndex(cwd)
	if err := tsIndex.Build(); err != nil {
		log.Warn().Err(err).Msg("tree-sitter index build failed")
	}

	svc.readHandler.SetTSIndex(tsIndex)
	svc.editHandler.SetTSIndex(tsIndex)

	if svc.deltaTracker != nil {
		svc.deltaTracker.SetSession(sessionID)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	host := app.New(app.Options{
		Provider:      prov,
		ProviderName:  providerName,
		Proxy:         svc.proxy,
		Tools:         tools,
		SystemPrompt:  llm.BuildSystemPrompt(providerCfg.Model, tsIndex),
		Engine:        svc.policyEngine,
		Indexing:      indexing,
		Scratchpad:    svc.scratchpad,
		Cache:         svc.webCache,
		DeltaTracker:  svc.deltaTracker,
		SessionID:     sessionID,
		History:       resumeHistory,
		MaxToolDepth:  llm.DefaultMaxToolDepth,
		MaxIterations: app.DefaultMaxIterations,
		In:            os.Stdin,
		Out:           os.Stdout,
	})

	if err := host.Run(ctx); err != nil {
		fmt.Printf("Error running localharness: %v\n", err)
		os.Exit(1)
	}
}

// fileCurator adapts the file_curator built-in agent into a mcptools.CuratorFunc:
// a direct subagent.Run call rather than a RunAgent tool round-trip, since
// Read needs the curator's raw JSON response, not a tool-result envelope.
func fileCurator(prov provider.Provider, proxy *mcp.Proxy, registry *subagent.Registry) mcptools.CuratorFunc {
	return func(ctx context.Context, mode, fileContent, conversationContext string) (string, error) {
		def, ok := registry.Get("file_curator")
		if !ok {
			return "", fmt.Errorf("file_curator agent not registered")
		}

		prompt := fmt.Sprintf("Mode: %s\n\nRecent conversation:\n%s\n\nFile content:\n%s",
			mode, conversationContext, fileContent)

		result, err := subagent.Run(ctx, subagent.Options{
			Provider:      prov,
			Proxy:         proxy,
			Tools:         nil,
			Prompt:        prompt,
			SystemPrompt:  def.SystemPrompt,
			MaxIterations: def.Capabilities.MaxIterations,
			Depth:         0,
		})
		if err != nil {
			return "", err
		}
		return result.Content, nil
	}
}

func buildRegistry(cfg *config.Config) *provider.Registry {
	registry := provider.NewRegistry()
	for name, providerCfg := range cfg.Providers {
		switch providerCfg.KindOrDefault() {
		case "lmstudio":
			registry.RegisterFactory(name, provider.NewLMStudioFactory(name, providerCfg.Endpoint))
		default:
			registry.RegisterFactory(name, provider.NewOllamaFactory(name, providerCfg.Endpoint))
		}
	}
	return registry
}

func resolveProvider(cfg *config.Config, registry *provider.Registry) (string, config.ProviderConfig) {
	name := cfg.DefaultProvider
	if name == "" {
		providers := registry.List()
		if len(providers) == 0 {
			fmt.Println("Error: No providers configured")
			os.Exit(1)
		}
		name = providers[0]
	}
	pcfg, ok := cfg.Providers[name]
	if !ok {
		fmt.Printf("Error: Provider %q not found\n", name)
		os.Exit(1)
	}
	return name, pcfg
}

type services struct {
	proxy         *mcp.Proxy
	lspManager    *lsp.Manager
	webCache      *store.Cache
	readHandler   *mcptools.ReadHandler
	editHandler   *mcptools.EditHandler
	shellHandler  *mcptools.ShellHandler
	fileTracker   *mcptools.FileReadTracker
	deltaTracker  *delta.Tracker
	scratchpad    *mcptools.Scratchpad
	shell         *shell.Shell
	exaKey        string
	policyEngine  *policy.Engine
	agentRegistry *subagent.Registry
}

func setupServices(cfg *config.Config, creds *config.Credentials) services {
	var mcpClient mcp.UpstreamClient
	if cfg.MCP.Upstream != "" {
		mcpClient = mcp.NewClient(cfg.MCP.Upstream)
	}
	proxy := mcp.NewProxy(mcpClient)
	if err := proxy.Initialize(context.Background()); err != nil {
		fmt.Printf("Warning: MCP init failed: %v\n", err)
	}

	lspManager := lsp.NewManager()
	fileTracker := mcptools.NewFileReadTracker()

	readHandler := mcptools.NewReadHandler(fileTracker, lspManager)
	proxy.RegisterTool(mcptools.NewReadTool(), readHandler.Handle)

	proxy.RegisterTool(mcptools.NewGrepTool(), mcptools.MakeGrepHandler())

	webCache := openWebCache(cfg)

	var dt *delta.Tracker
	if webCache != nil {
		dt = delta.New(webCache.DB())
	}

	editHandler := mcptools.NewEditHandler(fileTracker, lspManager, dt)
	proxy.RegisterTool(mcptools.NewEditTool(), editHandler.Handle)

	proxy.RegisterTool(mcptools.NewWebFetchTool(), mcptools.MakeWebFetchHandler(webCache))

	exaKey := creds.GetAPIKey("exa_ai")
	proxy.RegisterTool(mcptools.NewWebSearchTool(), mcptools.MakeWebSearchHandler(webCache, exaKey, ""))

	sh := shell.New("", shell.DefaultBlockFuncs())
	shellHandler := mcptools.NewShellHandler(sh, dt)
	proxy.RegisterTool(mcptools.NewShellTool(), shellHandler.Handle)

	pad := &mcptools.Scratchpad{}
	proxy.RegisterTool(mcptools.NewTodoWriteTool(), mcptools.MakeTodoWriteHandler(pad))

	proxy.RegisterTool(mcptools.NewGitStatusTool(), mcptools.MakeGitStatusHandler())
	proxy.RegisterTool(mcptools.NewGitDiffTool(), mcptools.MakeGitDiffHandler())

	dataDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Warning: data dir unavailable, permission decisions won't persist: %v\n", err)
	}

	var policyEngine *policy.Engine
	if dataDir != "" {
		policyEngine, err = policy.Load(filepath.Join(dataDir, "policies.json"))
		if err != nil {
			fmt.Printf("Warning: failed to load policy store: %v\n", err)
			policyEngine, _ = policy.Load("")
		}
	} else {
		policyEngine, _ = policy.Load("")
	}

	agentRegistry := subagent.NewRegistry()
	agentsDir := cfg.Agents.Dir
	if agentsDir == "" && dataDir != "" {
		agentsDir = filepath.Join(dataDir, "agents")
	}
	if agentsDir != "" {
		if err := agentRegistry.Reload(agentsDir); err != nil {
			log.Warn().Err(err).Str("dir", agentsDir).Msg("agent reload had errors")
		}
	}

	return services{
		proxy:         proxy,
		lspManager:    lspManager,
		webCache:      webCache,
		readHandler:   readHandler,
		editHandler:   editHandler,
		shellHandler:  shellHandler,
		fileTracker:   fileTracker,
		deltaTracker:  dt,
		scratchpad:    pad,
		shell:         sh,
		exaKey:        exaKey,
		policyEngine:  policyEngine,
		agentRegistry: agentRegistry,
	}
}

func openWebCache(cfg *config.Config) *store.Cache {
	cacheDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Warning: cache dir failed: %v\n", err)
		return nil
	}
	cacheTTL := time.Duration(cfg.Cache.CacheTTLOrDefault()) * time.Hour
	cache, err := store.Open(filepath.Join(cacheDir, "cache.db"), cacheTTL)
	if err != nil {
		fmt.Printf("Warning: cache open failed: %v\n", err)
		return nil
	}
	return cache
}

func newSessionID() string {
	return uuid.NewString()
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "localharness.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	return nil
}

func listSessions(db *store.Cache) {
	if db == nil {
		fmt.Println("No cache available")
		return
	}
	sessions, err := db.ListSessions()
	if err != nil {
		fmt.Printf("Error listing sessions: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return
	}
	for _, s := range sessions {
		ts := s.Timestamp.Format("2006-01-02 15:04")
		preview := s.Preview
		preview = strings.ReplaceAll(preview, "\n", " ")
		if len(preview) > 50 {
			preview = preview[:50]
		}
		fmt.Printf("%s  %s  %s\n", s.ID, ts, preview)
	}
}

func storedToMessages(msgs []store.SessionMessage) []provider.Message {
	return store.ToProviderMessages(msgs)
}

func resolveSession(flagSession string, flagContinue bool, db *store.Cache) (string, []provider.Message) {
	switch {
	case flagSession != "":
		if db != nil {
			ok, err := db.SessionExists(flagSession)
			if err != nil || !ok {
				fmt.Printf("Session %q not found\n", flagSession)
				os.Exit(1)
			}
		}
		msgs := loadHistory(flagSession, db)
		return flagSession, msgs

	case flagContinue:
		if db == nil {
			fmt.Println("No cache available")
			os.Exit(1)
		}
		id, err := db.LatestSessionID()
		if err != nil {
			fmt.Printf("No sessions to continue: %v\n", err)
			os.Exit(1)
		}
		msgs := loadHistory(id, db)
		return id, msgs

	default:
		sid := newSessionID()
		if db != nil {
			if err := db.CreateSession(sid); err != nil {
				fmt.Printf("Warning: failed to create session: %v\n", err)
			}
		}
		return sid, nil
	}
}

func loadHistory(sessionID string, db *store.Cache) []provider.Message {
	if db == nil {
		return nil
	}
	stored, err := db.LoadMessages(sessionID)
	if err != nil {
		fmt.Printf("Warning: failed to load session history: %v\n", err)
		return nil
	}
	return storedToMessages(stored)
}
