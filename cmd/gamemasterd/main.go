// Command gamemasterd runs the authoritative Game Master service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/opengame/gamemaster/internal/config"
	"github.com/opengame/gamemaster/internal/devtoken"
	"github.com/opengame/gamemaster/internal/engine"
	"github.com/opengame/gamemaster/internal/hub"
	"github.com/opengame/gamemaster/internal/httpedge"
	"github.com/opengame/gamemaster/internal/identity"
	"github.com/opengame/gamemaster/internal/logging"
	"github.com/opengame/gamemaster/internal/rpcapi"
	"github.com/opengame/gamemaster/internal/sessionmgr"
	"github.com/opengame/gamemaster/internal/shipmap"
	"github.com/opengame/gamemaster/internal/signature"
	"github.com/opengame/gamemaster/internal/skills"
	"github.com/opengame/gamemaster/internal/taskcatalog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gamemasterd",
		Short: "Authoritative multi-session game master for signed social-deduction matches",
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// runServe wires every component in the order the spec requires: config,
// then the immutable ship map and task catalog, then the identity and
// signature verifiers, then the subscription hub (whose sink every new
// session needs), the session manager, and the skill dispatcher, and finally the RPC/HTTP routers before the listener
// starts. Nothing below reaches for a dependency-injection container; boot
// order is explicit and linear.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	ship, err := shipmap.New(shipmap.DefaultRooms())
	if err != nil {
		return fmt.Errorf("build ship map: %w", err)
	}
	catalog, err := taskcatalog.New(taskcatalog.DefaultTasks())
	if err != nil {
		return fmt.Errorf("build task catalog: %w", err)
	}

	var registry identity.OnChainRegistry
	if cfg.RegistryEndpoint != "" {
		registry, err = identity.NewHTTPRegistry(cfg.RegistryEndpoint, 5*time.Second)
		if err != nil {
			return fmt.Errorf("build identity registry client: %w", err)
		}
	} else {
		registry = allowAllRegistry{}
		logger.Warn("no registry endpoint configured; allowing all addresses (development only)")
	}
	identityVerifier, err := identity.New(registry, cfg.RegistryCacheTTL, identity.WithMaxRetries(cfg.RegistryRetries))
	if err != nil {
		return fmt.Errorf("build identity verifier: %w", err)
	}

	sigVerifier, err := signature.New(cfg.SignatureMaxAgeBack, cfg.SignatureMaxSkewFwd)
	if err != nil {
		return fmt.Errorf("build signature verifier: %w", err)
	}

	eventHub := hub.New(hub.WithDropCallback(func(sessionID, subscriberID string) {
		logger.Warn("dropped slow subscriber", logging.String("session_id", sessionID), logging.String("subscriber_id", subscriberID))
	}))

	gameOpts := []engine.Option{
		engine.WithImposterRatio(cfg.Game.ImposterRatio),
		engine.WithTaskCount(cfg.Game.TaskCount),
		engine.WithKillCooldown(cfg.Game.KillCooldown),
		engine.WithDiscussionDuration(cfg.Game.DiscussionDuration),
		engine.WithVotingDuration(cfg.Game.VotingDuration),
		engine.WithMinMaxPlayers(cfg.Game.MinPlayers, cfg.Game.MaxPlayers),
		engine.WithEmergencyMeetings(cfg.Game.EmergencyMeetings),
	}

	sessions, err := sessionmgr.New(func(id string) (*engine.Session, error) {
		// The event sink can only be built once the session id is known, so
		// it is appended here rather than folded into the shared gameOpts
		// slice used by every session.
		opts := append(append([]engine.Option{}, gameOpts...), engine.WithEventSink(eventHub.Sink(id)))
		return engine.New(id, ship, catalog, opts...)
	}, cfg.Game.MaxPlayers, sessionmgr.WithReapGrace(cfg.SessionReapGrace))
	if err != nil {
		return fmt.Errorf("build session manager: %w", err)
	}

	dispatcher := skills.New()

	devIssuer, err := devtoken.New(cfg.DevTokenSecret, cfg.DevTokenTTL)
	if err != nil {
		return fmt.Errorf("build dev token issuer: %w", err)
	}

	rpcServer, err := rpcapi.NewServer(rpcapi.Options{
		Logger:     logger,
		Sessions:   sessions,
		Identity:   identityVerifier,
		Signatures: sigVerifier,
		Dispatcher: dispatcher,
		Hub:        eventHub,
	})
	if err != nil {
		return fmt.Errorf("build rpc server: %w", err)
	}

	metricsRegistry := prometheus.NewRegistry()
	httpedge.NewMetrics(metricsRegistry)

	router := chi.NewRouter()
	rpcServer.Routes(router)
	httpedge.Register(router, httpedge.Options{
		Dispatcher:  dispatcher,
		Sessions:    sessions,
		Ship:        ship,
		Hub:         eventHub,
		AdminToken:  cfg.AdminToken,
		DevTokens:   devIssuer,
		Development: cfg.DevelopmentRoutesEnabled(),
		Registry:    metricsRegistry,
	})

	go reapLoop(sessions, cfg.SessionReapGrace, logger)

	logger.Info("starting gamemaster", logging.String("addr", cfg.Addr), logging.String("mode", string(cfg.Mode)))
	return http.ListenAndServe(cfg.Addr, router)
}

// reapLoop periodically removes ended sessions past their grace
// period, run from its own ticker rather than request-handling paths.
func reapLoop(sessions *sessionmgr.Manager, grace time.Duration, logger *logging.Logger) {
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	ticker := time.NewTicker(grace)
	defer ticker.Stop()
	for range ticker.C {
		removed := sessions.ReapEnded()
		if len(removed) > 0 {
			logger.Info("reaped ended sessions", logging.Strings("session_ids", removed))
		}
	}
}

// allowAllRegistry is used only when no registry endpoint is configured, a
// development convenience explicitly logged as such in runServe.
type allowAllRegistry struct{}

func (allowAllRegistry) IsRegistered(_ context.Context, _ string) (bool, error) {
	return true, nil
}
