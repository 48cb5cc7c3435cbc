// Command fluxauth is a thin CLI wrapper that loads configuration, wires the
// core's packages together, and serves the HTTP surface — the same shape as
// dex's cmd/dex: a cobra root command with a single "serve" subcommand.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxauth/core/config"
	"github.com/fluxauth/core/httpapi"
	"github.com/fluxauth/core/keys"
	"github.com/fluxauth/core/linker"
	"github.com/fluxauth/core/oauthflow"
	"github.com/fluxauth/core/pkg/log"
	"github.com/fluxauth/core/provider"
	"github.com/fluxauth/core/provider/github"
	"github.com/fluxauth/core/provider/oidcgeneric"
	"github.com/fluxauth/core/provider/otp"
	"github.com/fluxauth/core/provider/password"
	"github.com/fluxauth/core/ratelimit"
	"github.com/fluxauth/core/refreshtree"
	"github.com/fluxauth/core/session"
	"github.com/fluxauth/core/signin"
	"github.com/fluxauth/core/storage"
	"github.com/fluxauth/core/storage/memory"
	"github.com/fluxauth/core/trigger"
	"github.com/fluxauth/core/verifycode"
)

func main() {
	if err := commandRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func commandRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fluxauth",
		Short: "fluxauth core: account/session/OAuth lifecycle for a Convex-style backend",
	}
	rootCmd.AddCommand(commandServe())
	return rootCmd
}

func commandServe() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the well-known and sign-in/callback HTTP routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "web-http-addr", ":5556", "HTTP listen address")
	return cmd
}

func runServe(addr string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("fluxauth: loading configuration: %w", err)
	}

	logger := log.New(log.Level(strings.ToUpper(cfg.LogLevel)))

	ks, err := keys.Load([]byte(cfg.JWTPrivateKeyPEM), []byte(cfg.JWKSJSON))
	if err != nil {
		return fmt.Errorf("fluxauth: loading signing keys: %w", err)
	}

	backend := memory.New()
	defer backend.Close()

	now := time.Now
	sessions := session.New(ks, cfg.ConvexSiteURL, now)
	sessions.TotalDuration = cfg.SessionTotalDuration()

	tree := refreshtree.New([]byte(cfg.SiteSecret), sessions, now)
	l := linker.New()
	codes := verifycode.New([]byte(cfg.SiteSecret), ratelimit.New(now), now)
	limiter := ratelimit.New(now)
	oauth := oauthflow.New(l, codes, cfg.SiteURL, now)

	registry := provider.NewRegistry()
	registry.Register(password.New(l, limiter))
	registry.Register(otp.New("email", provider.TypeEmail, logDeliverer(logger, "email")))
	registry.Register(otp.New("phone", provider.TypePhone, logDeliverer(logger, "phone")))
	registerConfiguredProviders(registry, cfg, logger)

	callbackURLFor := func(providerID string) string {
		return cfg.ConvexSiteURL + "/api/auth/callback/" + providerID
	}

	engine := signin.New(registry, sessions, tree, l, codes, oauth, limiter, callbackURLFor, now)

	server := httpapi.NewServer(httpapi.Config{
		Engine:    engine,
		Keys:      ks,
		Logger:    logger,
		IssuerURL: cfg.ConvexSiteURL,
		Backend:   backend,
		Decorate: func(store storage.Store) storage.Store {
			d := trigger.Wrap(store)
			d.On(trigger.TableUsers, trigger.Hooks{
				OnCreate: func(ctx context.Context, doc interface{}) {
					logger.Infof("fluxauth: user created: %+v", doc)
				},
			})
			return d
		},
	})

	logger.Infof("fluxauth: listening on %s", addr)
	return http.ListenAndServe(addr, server)
}

// registerConfiguredProviders wires one provider.FederatedProvider per
// AUTH_{NAME}_ID/_SECRET pair config.Load discovered (spec §8): "github" gets
// the GitHub OAuth provider; every other name is treated as a generic OIDC
// issuer, discovered from AUTH_{NAME}_ISSUER.
func registerConfiguredProviders(registry *provider.Registry, cfg *config.Config, logger log.Logger) {
	for name, creds := range cfg.Providers {
		if creds.ID == "" || creds.Secret == "" {
			continue
		}
		switch name {
		case "github":
			registry.Register(github.New(github.Config{
				ID:           "github",
				ClientID:     creds.ID,
				ClientSecret: creds.Secret,
				Checks:       []string{"state"},
			}))
		default:
			issuer := os.Getenv("AUTH_" + strings.ToUpper(name) + "_ISSUER")
			if issuer == "" {
				logger.Warnf("fluxauth: AUTH_%s_ID set without AUTH_%s_ISSUER, skipping provider %q", strings.ToUpper(name), strings.ToUpper(name), name)
				continue
			}
			p, err := oidcgeneric.New(context.Background(), oidcgeneric.Config{
				ID:           name,
				Issuer:       issuer,
				ClientID:     creds.ID,
				ClientSecret: creds.Secret,
				Scopes:       []string{"openid", "email", "profile"},
				Checks:       []string{"pkce", "state"},
			})
			if err != nil {
				logger.Errorf("fluxauth: discovering OIDC provider %q: %v", name, err)
				continue
			}
			registry.Register(p)
		}
	}
}

// logDeliverer is the default OTP SendFunc until an embedding application
// wires a real email/SMS sender (spec's Non-goals explicitly exclude
// concrete delivery backends).
func logDeliverer(logger log.Logger, kind string) otp.SendFunc {
	return func(ctx context.Context, req provider.DeliveryRequest) error {
		logger.Infof("fluxauth: %s verification code for %s: %s", kind, req.Identifier, req.Token)
		return nil
	}
}
