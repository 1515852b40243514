// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/oidcserver/pkg/oidcserver"
	"github.com/stacklok/oidcserver/pkg/oidcserver/cache"
	"github.com/stacklok/oidcserver/pkg/oidcserver/keys"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the demo authorization server",
	Long: `Start the authorization server with a minimal login page in front of the
authorization and logout endpoints. State lives in memory unless a Redis
address is configured, and a fresh RSA signing key is generated at startup.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("issuer", "http://localhost:8080", "Issuer identifier")
	serveCmd.Flags().String("redis-url", "", "Redis address (host:port); empty keeps state in memory")
	serveCmd.Flags().String("client-id", "demo-client", "Registered client identifier")
	serveCmd.Flags().String("client-secret", "demo-secret", "Registered client secret")
	serveCmd.Flags().StringSlice("redirect-uri", []string{"http://localhost:9090/callback"}, "Registered redirect URIs")
	serveCmd.Flags().StringSlice("logout-redirect-uri", nil, "Registered post-logout redirect URIs")
	serveCmd.Flags().String("data-secret", "", "Symmetric secret for opaque tokens (min 32 bytes); generated when empty")
	serveCmd.Flags().Bool("allow-insecure-http", true, "Accept plain HTTP requests")

	for _, name := range []string{
		"address", "issuer", "redis-url", "client-id", "client-secret",
		"redirect-uri", "logout-redirect-uri", "data-secret", "allow-insecure-http",
	} {
		if err := viper.BindPFlag(name, serveCmd.Flags().Lookup(name)); err != nil {
			slog.Error("failed to bind flag", "flag", name, "error", err)
			os.Exit(1)
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := buildCache(cmd.Context())
	if err != nil {
		return err
	}

	secret := []byte(viper.GetString("data-secret"))
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("failed to generate a data format secret: %w", err)
		}
		logger.Warn("generated an ephemeral data format secret; issued tokens will not survive a restart")
	}

	signingKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate the signing key: %w", err)
	}

	p := &demoProvider{
		clientID:           viper.GetString("client-id"),
		clientSecret:       viper.GetString("client-secret"),
		redirectURIs:       viper.GetStringSlice("redirect-uri"),
		logoutRedirectURIs: viper.GetStringSlice("logout-redirect-uri"),
		users:              map[string]string{"demo": "demo"},
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := oidcserver.DefaultOptions()
	opts.Issuer = viper.GetString("issuer")
	opts.AllowInsecureHTTP = viper.GetBool("allow-insecure-http")
	opts.Provider = p
	opts.Cache = store
	opts.SigningCredentials = []keys.SigningCredential{
		{Algorithm: "RS256", Key: signingKey},
	}
	opts.DataFormatSecret = secret
	opts.Logger = logger
	opts.Registerer = registry

	srv, err := oidcserver.New(opts)
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Handle("/*", srv.Handler(loginUI(srv, p, &opts, logger)))

	address := viper.GetString("address")
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Info("authorization server listening", "address", address, "issuer", opts.Issuer)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}

func buildCache(ctx context.Context) (cache.Cache, error) {
	addr := viper.GetString("redis-url")
	if addr == "" {
		return cache.NewMemoryCache(), nil
	}
	return cache.NewRedisCache(ctx, cache.RedisConfig{
		Addr:      addr,
		KeyPrefix: "oidcserver:",
	})
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Failed}}<p>Invalid username or password.</p>{{end}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="unique_id" value="{{.UniqueID}}">
<label>Username <input type="text" name="username"></label>
<label>Password <input type="password" name="password"></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

// loginUI is the host application behind the middleware: a login form for
// the authorization endpoint and an immediate confirmation for logout.
func loginUI(srv *oidcserver.Server, p *demoProvider, opts *oidcserver.Options, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case opts.LogoutEndpointPath:
			if err := srv.SignOut(w, r); err != nil {
				logger.Error("sign-out failed", "error", err)
			}
			return
		case opts.AuthorizationEndpointPath:
			// Continue below.
		default:
			http.NotFound(w, r)
			return
		}

		username := r.FormValue("username")
		if username != "" {
			if t := p.authenticate(username, r.FormValue("password")); t != nil {
				if err := srv.SignIn(w, r, t); err != nil {
					logger.Error("sign-in failed", "error", err)
				}
				return
			}
		}

		// The form resumes the pending request through unique_id.
		var uniqueID string
		if msg := oidcserver.RequestFromContext(r.Context()); msg != nil {
			uniqueID = msg.UniqueID()
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		err := loginTemplate.Execute(w, map[string]any{
			"Action":   opts.AuthorizationEndpointPath,
			"UniqueID": uniqueID,
			"Failed":   username != "",
		})
		if err != nil {
			logger.Error("failed to render the login page", "error", err)
		}
	})
}
