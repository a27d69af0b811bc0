// Package gateway wires the relay together. Prepare runs the startup
// sequence (cloud resolution, token check, identity validation) and binds
// the listener only when every step succeeds; Run serves until shutdown.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/smtp-graph-relay/internal/cloud"
	"github.com/shineum/smtp-graph-relay/internal/config"
	"github.com/shineum/smtp-graph-relay/internal/dispatch"
	"github.com/shineum/smtp-graph-relay/internal/identity"
	"github.com/shineum/smtp-graph-relay/internal/provider"
	"github.com/shineum/smtp-graph-relay/internal/provider/graph"
	"github.com/shineum/smtp-graph-relay/internal/provider/ses"
	"github.com/shineum/smtp-graph-relay/internal/relay"
	"github.com/shineum/smtp-graph-relay/internal/smtp"
	smtptls "github.com/shineum/smtp-graph-relay/internal/tls"
	"github.com/shineum/smtp-graph-relay/internal/token"
)

const metricsShutdownTimeout = 5 * time.Second

// Options carries dependencies that are not part of the configuration.
type Options struct {
	// HTTPClient is used for token and Graph requests. Nil means a client
	// per component with its default timeout.
	HTTPClient *http.Client

	// Profile replaces the cloud profile resolved from graph.cloud.
	Profile *cloud.Profile

	// SESAPI replaces the AWS SES client.
	SESAPI ses.API

	Logger *slog.Logger
}

// Gateway is a relay that passed startup validation and holds a bound
// listener.
type Gateway struct {
	identity relay.Identity
	server   *smtp.Server
	log      *slog.Logger

	metrics         *http.Server
	metricsListener net.Listener
}

type backend interface {
	provider.Provider
	provider.Directory
}

// Prepare validates cfg, proves the credentials and relay identity against
// the mail backend, and binds the SMTP listener. Any failure is returned as
// a *relay.Error and leaves nothing bound.
func Prepare(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b, err := newBackend(ctx, cfg, opts, log)
	if err != nil {
		return nil, err
	}

	id, err := identity.Validate(ctx, b, cfg.Sender())
	if err != nil {
		return nil, err
	}

	d := dispatch.New(b, id, dispatch.Policy{
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		BaseDelay:      cfg.Dispatch.BaseDelay,
		MaxDelay:       cfg.Dispatch.MaxDelay,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		MaxConcurrent:  cfg.Dispatch.MaxConcurrent,
	})

	serverCfg := smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Identity:       id,
		Dispatcher:     d,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxRecipients:  cfg.SMTP.MaxRecipients,
		Logger:         log,
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := smtptls.Config(smtptls.Options{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
			Hostname: cfg.SMTP.Hostname,
		})
		if err != nil {
			return nil, relay.E(relay.KindConfigInconsistency, "gateway.tls", "cannot set up STARTTLS", err)
		}
		serverCfg.TLSConfig = tlsConfig
	}

	g := &Gateway{
		identity: id,
		server:   smtp.New(serverCfg),
		log:      log,
	}

	if cfg.Metrics.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			return nil, relay.E(relay.KindConfigInconsistency, "gateway.metrics", "failed to bind "+cfg.Metrics.Listen, err)
		}
		g.metricsListener = ln
		g.metrics = newMetricsServer()
	}

	if err := g.server.Listen(); err != nil {
		g.closeMetrics()
		return nil, err
	}
	return g, nil
}

// newBackend builds the mail backend. For Graph this resolves the cloud
// profile and acquires the first token, failing on a cloud mismatch
// before any directory request is made.
func newBackend(ctx context.Context, cfg *config.Config, opts Options, log *slog.Logger) (backend, error) {
	switch cfg.Provider {
	case config.ProviderSES:
		if opts.SESAPI != nil {
			return ses.NewWithAPI(opts.SESAPI), nil
		}
		client, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Endpoint:        cfg.SES.Endpoint,
		})
		if err != nil {
			return nil, relay.E(relay.KindConfigInconsistency, "gateway.ses", "cannot create SES client", err)
		}
		log.Info("using AWS SES backend", "region", cfg.SES.Region)
		return client, nil

	default:
		profile := cloud.Resolve(cfg.Graph.Cloud)
		if opts.Profile != nil {
			profile = *opts.Profile
		}
		log.Info("resolved cloud profile",
			"configured", cfg.Graph.Cloud,
			"cloud", profile.Name,
			"authority", profile.AuthorityHost,
			"api", profile.APIBase,
		)

		cred := token.Credential{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
		}
		tokens := token.NewSource(cred, profile, opts.HTTPClient)
		if _, err := tokens.AcquireAndValidate(ctx); err != nil {
			return nil, err
		}

		return graph.New(graph.Config{
			APIBase:         profile.APIBase,
			SaveToSentItems: cfg.Graph.SaveToSentItems,
		}, tokens, opts.HTTPClient), nil
	}
}

func newMetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Identity returns the validated relay identity.
func (g *Gateway) Identity() relay.Identity {
	return g.identity
}

// Addr returns the bound SMTP address.
func (g *Gateway) Addr() string {
	return g.server.Addr()
}

// MetricsAddr returns the bound metrics address, or empty string.
func (g *Gateway) MetricsAddr() string {
	if g.metricsListener == nil {
		return ""
	}
	return g.metricsListener.Addr().String()
}

// Run serves SMTP, and metrics when configured, until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return g.server.Serve(ctx)
	})

	if g.metrics != nil {
		eg.Go(func() error {
			g.log.Info("metrics listening", "addr", g.MetricsAddr())
			if err := g.metrics.Serve(g.metricsListener); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
			defer cancel()
			return g.metrics.Shutdown(sctx)
		})
	}

	return eg.Wait()
}

func (g *Gateway) closeMetrics() {
	if g.metricsListener != nil {
		g.metricsListener.Close()
	}
}
