// Package core wires every subsystem into one Engine: configuration,
// logging, credential store, provider adapters, cache, audit log,
// orchestrator, and the background runner. The CLI and any embedding
// front-end talk to the Engine only.
package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/crosswire-id/crosswire/internal/audit"
	"github.com/crosswire-id/crosswire/internal/cache"
	"github.com/crosswire-id/crosswire/internal/config"
	"github.com/crosswire-id/crosswire/internal/credstore"
	"github.com/crosswire-id/crosswire/internal/logging"
	"github.com/crosswire-id/crosswire/internal/orchestrator"
	"github.com/crosswire-id/crosswire/internal/provider"
	"github.com/crosswire-id/crosswire/internal/provider/ims"
	"github.com/crosswire-id/crosswire/internal/provider/tracker"
	"github.com/crosswire-id/crosswire/internal/provider/workspace"
	"github.com/crosswire-id/crosswire/internal/retry"
	"github.com/crosswire-id/crosswire/internal/runner"
)

// AppLogFileName is the JSON log file written under the audit directory.
const AppLogFileName = "app.log"

// Options configures Engine startup.
type Options struct {
	ConfigPath  string
	Actor       string
	Interactive bool
}

// Engine is the central coordinator. Fields are exported so front-ends
// can reach individual subsystems; mutations still go through Orch.
type Engine struct {
	Config    config.Config
	SessionID string
	Logger    zerolog.Logger
	Creds     *credstore.Store
	Registry  *provider.Registry
	Cache     *cache.Cache
	Audit     *audit.Log
	Orch      *orchestrator.Orchestrator
	Runner    *runner.Runner

	logFile *os.File
}

// Open loads configuration and brings up every subsystem. On error,
// anything already opened is torn down.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	cfgPath := opts.ConfigPath
	if cfgPath == "" {
		cfgPath = config.ConfigFileName
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.AuditDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.AuditDir, AppLogFileName),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening app log: %w", err)
	}
	logger := logging.NewJSONLogger(logFile, cfg.LogLevel)

	sessionID := uuid.NewString()
	actor := opts.Actor
	if actor == "" {
		actor = "local-admin"
	}
	auditLog, err := audit.Open(cfg.AuditDir, sessionID, actor)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	creds, err := credstore.New(credstore.Options{
		Dir:                cfg.CredentialsDir,
		InteractiveConsent: cfg.InteractiveConsentAllowed && opts.Interactive,
		Logger:             logger,
		Recorder:           auditLog,
	})
	if err != nil {
		auditLog.Close()
		logFile.Close()
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	adapters, scopes, err := buildAdapters(ctx, cfg, creds, logger)
	if err != nil {
		auditLog.Close()
		logFile.Close()
		return nil, err
	}
	registry := provider.NewRegistry(adapters...)

	entityCache := cache.New(cache.Options{
		MaxEntries:    cfg.CacheMaxEntries,
		CollectionTTL: time.Duration(cfg.CacheTTLCollectionS) * time.Second,
		EntityTTL:     time.Duration(cfg.CacheTTLEntityS) * time.Second,
	})

	orch := orchestrator.New(orchestrator.Options{
		Registry: registry,
		Tokens:   creds,
		Scopes:   scopes,
		Cache:    entityCache,
		Audit:    auditLog,
		Logger:   logger,
		Retry: retry.Policy{
			MaxRetries: cfg.RetryMax,
			Base:       time.Duration(cfg.RetryBaseMS) * time.Millisecond,
			JitterPct:  cfg.RetryJitterPct,
		},
		Deadline:          time.Duration(cfg.RequestDeadlineS) * time.Second,
		IdempotencyWindow: time.Duration(cfg.IdempotencyWindowS) * time.Second,
	})

	eng := &Engine{
		Config:    cfg,
		SessionID: sessionID,
		Logger:    logger,
		Creds:     creds,
		Registry:  registry,
		Cache:     entityCache,
		Audit:     auditLog,
		Orch:      orch,
		Runner:    runner.New(cfg.WorkerPoolSize, logger),
		logFile:   logFile,
	}
	logger.Info().Str("session_id", sessionID).Strs("providers", registry.Names()).
		Msg("engine started")
	return eng, nil
}

// buildAdapters constructs one adapter per configured provider. The
// workspace adapter needs a stored credential; IMS and tracker activate
// on their endpoint settings.
func buildAdapters(ctx context.Context, cfg config.Config, creds *credstore.Store, logger zerolog.Logger) ([]provider.Directory, map[string][]string, error) {
	var adapters []provider.Directory
	scopes := make(map[string][]string)

	if creds.HasCredential(provider.Workspace) {
		ws, err := workspace.New(ctx, workspace.Options{
			TokenSource: &credTokenSource{ctx: ctx, creds: creds, provider: provider.Workspace, scopes: workspace.Scopes},
			Domain:      cfg.WorkspaceDomain,
			CustomerID:  cfg.WorkspaceCustomer,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("workspace adapter: %w", err)
		}
		adapters = append(adapters, ws)
		scopes[provider.Workspace] = workspace.Scopes
	}

	if cfg.IMSBaseURL != "" {
		adapters = append(adapters, ims.New(ctx, ims.Options{
			BaseURL:      cfg.IMSBaseURL,
			Realm:        cfg.IMSRealm,
			Domain:       cfg.IMSDomain,
			ClientID:     cfg.IMSClientID,
			ClientSecret: cfg.IMSClientSecret,
		}, logger))
	}

	if cfg.TrackerBaseURL != "" {
		adapters = append(adapters, tracker.New(tracker.Options{
			BaseURL: cfg.TrackerBaseURL,
			Tokens:  tracker.StaticToken(cfg.TrackerToken),
			Logger:  logger,
		}))
	}
	return adapters, scopes, nil
}

// credTokenSource bridges the credential store into the oauth2 transport
// used by the workspace API clients.
type credTokenSource struct {
	ctx      context.Context
	creds    *credstore.Store
	provider string
	scopes   []string
}

func (s *credTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.creds.GetToken(s.ctx, s.provider, s.scopes)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok.AccessToken, Expiry: tok.Expiry}, nil
}

// TickLoop drains runner completions at the configured interval until ctx
// ends. Front-ends with their own event loop call Runner.Tick directly and
// skip this.
func (e *Engine) TickLoop(ctx context.Context) {
	e.Runner.TickLoop(ctx, time.Duration(e.Config.TickIntervalMS)*time.Millisecond)
}

// Close shuts down the runner and flushes the audit log.
func (e *Engine) Close() error {
	e.Runner.Close()
	err := e.Audit.Close()
	if e.logFile != nil {
		if cerr := e.logFile.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
