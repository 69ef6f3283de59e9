// Package server provides the public entry point for initializing the
// opsrelay event gateway.
//
// It lives in pkg/ (not internal/) so that deployment-specific wrappers
// can import it and compose the gateway with their own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jetsmx/opsrelay/internal/actions"
	"github.com/jetsmx/opsrelay/internal/api"
	"github.com/jetsmx/opsrelay/internal/api/handlers"
	"github.com/jetsmx/opsrelay/internal/bus"
	"github.com/jetsmx/opsrelay/internal/config"
	"github.com/jetsmx/opsrelay/internal/dispatch"
	"github.com/jetsmx/opsrelay/internal/normalize"
	"github.com/jetsmx/opsrelay/internal/notify"
	"github.com/jetsmx/opsrelay/internal/registrar"
	"github.com/jetsmx/opsrelay/internal/retention"
	"github.com/jetsmx/opsrelay/internal/rules"
	"github.com/jetsmx/opsrelay/internal/secrets"
	"github.com/jetsmx/opsrelay/internal/signature"
	"github.com/jetsmx/opsrelay/internal/store"
	"github.com/jetsmx/opsrelay/internal/telemetry"
	"github.com/jetsmx/opsrelay/internal/vendors/airtable"
	"github.com/jetsmx/opsrelay/internal/vendors/chatx"
	"github.com/jetsmx/opsrelay/internal/vendors/drivex"
	"github.com/jetsmx/opsrelay/internal/vendors/gmailx"
	"github.com/jetsmx/opsrelay/pkg/models"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized opsrelay gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (PostgreSQL when DATABASE_URL is set,
	// in-memory otherwise).
	Store store.Store

	// Registrar keeps vendor subscriptions registered and renewed. Exposed
	// so main can run the initial EnsureAll before accepting traffic.
	Registrar *registrar.Registrar

	// Janitor prunes expired audit records. Exposed so main can run it as
	// a background goroutine with its own lifecycle.
	Janitor *retention.Janitor

	// Config is the server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all gateway components from the environment and returns
// a ready Server. This is the primary entry point for main.go.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	resolver, err := newSecretResolver(ctx, cfg)
	if err != nil {
		return nil, err
	}
	airtableToken, err := resolver.Resolve(ctx, cfg.Airtable.APIKeyRef)
	if err != nil {
		return nil, fmt.Errorf("resolve airtable token: %w", err)
	}
	webhookSecret, err := resolver.Resolve(ctx, cfg.Airtable.WebhookSecretRef)
	if err != nil {
		return nil, fmt.Errorf("resolve airtable webhook secret: %w", err)
	}
	alertSecret, err := resolver.Resolve(ctx, cfg.Alerts.WebhookSecretRef)
	if err != nil {
		return nil, fmt.Errorf("resolve alert webhook secret: %w", err)
	}

	at := airtable.NewClient(airtableToken, cfg.Airtable.BaseID)
	schema := airtable.NewSchema(at)

	// Google clients come up only when credentials are configured. Without
	// them the gateway still ingests and routes Airtable traffic; mail,
	// Drive and Chat actions fail at dispatch time and get audited.
	var (
		gmailClient *gmailx.Client
		driveClient *drivex.Client
		chatClient  *chatx.Client
	)
	if cfg.Google.CredentialsFile != "" {
		if gmailClient, err = gmailx.NewClient(ctx, cfg.Google.CredentialsFile, cfg.Google.UserEmail); err != nil {
			return nil, fmt.Errorf("init gmail client: %w", err)
		}
		if driveClient, err = drivex.NewClient(ctx, cfg.Google.CredentialsFile); err != nil {
			return nil, fmt.Errorf("init drive client: %w", err)
		}
		if chatClient, err = chatx.NewClient(ctx, cfg.Google.CredentialsFile); err != nil {
			return nil, fmt.Errorf("init chat client: %w", err)
		}
	} else {
		log.Warn().Msg("no Google credentials configured, Gmail/Drive/Chat integration disabled")
	}

	normOpts := []normalize.Option{
		normalize.WithSchema(schema),
		normalize.WithFetchPolicy(cfg.Dispatch.GmailFetchTimeout, cfg.Dispatch.GmailFetchRetries),
	}
	if gmailClient != nil {
		normOpts = append(normOpts, normalize.WithHistory(gmailClient, cfg.Google.UserEmail))
	}
	normalizer := normalize.New(dataStore, normOpts...)

	engine, err := rules.Load(cfg.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("load routing rules: %w", err)
	}

	deps := actions.Deps{
		Records:     at,
		Store:       dataStore,
		Scorer:      actions.NewKeywordScorer(),
		ChatSpace:   cfg.Google.ChatSpace,
		FromAddress: cfg.Google.UserEmail,
	}
	if gmailClient != nil {
		deps.Mail = gmailClient
	}
	if driveClient != nil {
		deps.Drive = driveClient
	}
	if chatClient != nil {
		deps.Chat = chatClient
	}
	registry := dispatch.NewRegistry()
	actions.Register(registry, deps)

	var drivers []notify.ChannelDriver
	if cfg.Alerts.WebhookURL != "" {
		drivers = append(drivers, notify.NewWebhookDriver(cfg.Alerts.WebhookURL, alertSecret))
	}
	if chatClient != nil && cfg.Google.ChatSpace != "" {
		drivers = append(drivers, notify.NewChatDriver(chatClient, cfg.Google.ChatSpace))
	}
	alerts := notify.NewService(drivers...)

	dispatcher := dispatch.New(engine, registry, dataStore, alerts, cfg.Dispatch.ActionTimeout)
	if err := dispatcher.ValidateRules(); err != nil {
		return nil, fmt.Errorf("validate routing rules: %w", err)
	}

	providers := map[models.ResourceType]registrar.Provider{
		models.ResourceAirtableWebhook: airtable.NewWebhookProvider(
			at, cfg.PublicURL+"/webhooks/airtable", cfg.Airtable.WebhookSecretRef, nil),
	}
	if gmailClient != nil {
		topic := fmt.Sprintf("projects/%s/topics/%s", cfg.Google.ProjectID, cfg.Google.TopicGmail)
		providers[models.ResourceGmailWatch] = gmailx.NewWatchProvider(gmailClient, topic, []string{"INBOX"})
	}
	if driveClient != nil {
		providers[models.ResourceDriveWatch] = drivex.NewChangesProvider(driveClient, cfg.PublicURL+"/webhooks/drive")
	}
	reg := registrar.New(dataStore, providers,
		registrar.WithAlerter(alerts),
		registrar.WithPolicy(cfg.Registrar.RenewalWindow, cfg.Registrar.MaxRetries, cfg.Registrar.RetryBase))

	publisher, err := newPublisher(ctx, cfg, dispatcher)
	if err != nil {
		return nil, err
	}

	janitor := retention.NewJanitor(dataStore, cfg.Retention.Interval, cfg.Retention.MaxAge)
	if cfg.Retention.ArchiveDir != "" {
		janitor.SetArchiver(retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, true))
	}

	h := handlers.New(normalizer, publisher, dispatcher, reg, dataStore)
	router := api.NewRouter(cfg, h, signature.New(webhookSecret))

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Registrar:    reg,
		Janitor:      janitor,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return pg, nil
	}
	log.Info().Str("data_dir", cfg.DataDir).Msg("in-memory store initialized")
	return store.NewMemoryStore(cfg.DataDir), nil
}

func newSecretResolver(ctx context.Context, cfg *config.Config) (*secrets.Resolver, error) {
	if cfg.Google.CredentialsFile == "" {
		log.Warn().Msg("no Google credentials configured, secret refs resolve from env only")
		return secrets.NewEnvOnly(), nil
	}
	r, err := secrets.New(ctx, cfg.Google.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("init secret resolver: %w", err)
	}
	return r, nil
}

func newPublisher(ctx context.Context, cfg *config.Config, d *dispatch.Dispatcher) (bus.Publisher, error) {
	if cfg.Google.CredentialsFile == "" {
		log.Warn().Msg("no Google credentials configured, dispatching events inline")
		return &loopback{dispatcher: d}, nil
	}
	ps, err := bus.NewPubSub(ctx, cfg.Google.ProjectID, cfg.Google.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("init pubsub publisher: %w", err)
	}
	return ps, nil
}

// loopback dispatches events synchronously instead of publishing them to
// Pub/Sub. Local-dev substitute for the topic round trip.
type loopback struct {
	dispatcher *dispatch.Dispatcher
}

func (l *loopback) Publish(ctx context.Context, ev *models.Event) error {
	l.dispatcher.Dispatch(ctx, ev)
	return nil
}
