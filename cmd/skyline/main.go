package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwk"
	slogecho "github.com/samber/slog-echo"
	"github.com/urfave/cli/v2"

	_ "github.com/joho/godotenv/autoload"

	"github.com/skylinehq/skyline/auth"
	"github.com/skylinehq/skyline/identity"
	"github.com/skylinehq/skyline/oauth"
	"github.com/skylinehq/skyline/store"
)

const (
	cookieName   = "sid"
	defaultScope = "atproto transition:generic"
)

func main() {
	app := &cli.App{
		Name:    "skyline",
		Usage:   "web dashboard for managing a bluesky presence",
		Version: versioninfo.Short(),
		Action:  runServer,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "cookie-secret",
				Usage:   "symmetric secret for the session cookie",
				EnvVars: []string{"COOKIE_SECRET"},
			},
			&cli.StringFlag{
				Name:    "public-url",
				Usage:   "base url the client is reachable at. unset means local dev mode",
				EnvVars: []string{"PUBLIC_URL"},
			},
			&cli.StringFlag{
				Name:    "db-path",
				Value:   ":memory:",
				Usage:   "sqlite path for oauth state and sessions",
				EnvVars: []string{"DB_PATH"},
			},
			&cli.StringFlag{
				Name:    "port",
				Value:   "8080",
				EnvVars: []string{"PORT"},
			},
			&cli.StringFlag{
				Name:    "client-jwk-path",
				Usage:   "path to the client's private ES256 jwk. unset means no client assertion",
				EnvVars: []string{"CLIENT_JWK_PATH"},
			},
		},
		Commands: []*cli.Command{
			runGenerateJwks,
		},
	}

	app.RunAndExitOnError()
}

// Server carries the process-wide context: one oauth client, one resolver,
// one database. It is constructed once at startup and passed to every
// handler, never reached through a global.
type Server struct {
	e         *echo.Echo
	svc       *auth.Service
	resolver  *identity.Resolver
	publicUrl string
	clientId  string
	clientJwk jwk.Key
}

func runServer(cmd *cli.Context) error {
	cookieSecret := cmd.String("cookie-secret")
	if cookieSecret == "" {
		return fmt.Errorf("COOKIE_SECRET is not set")
	}

	publicUrl := cmd.String("public-url")
	port := cmd.String("port")
	scope := defaultScope

	baseUrl := publicUrl
	if baseUrl == "" {
		baseUrl = fmt.Sprintf("http://127.0.0.1:%s", port)
	}

	redirectUri := baseUrl + "/oauth/callback"

	// unregistered loopback clients embed their redirect uri and scope in
	// the client id itself
	var clientId string
	if publicUrl != "" {
		clientId = baseUrl + "/client-metadata.json"
	} else {
		clientId = fmt.Sprintf(
			"http://localhost?redirect_uri=%s&scope=%s",
			url.QueryEscape(redirectUri),
			url.QueryEscape(scope),
		)
	}

	var clientJwk jwk.Key
	if p := cmd.String("client-jwk-path"); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("could not read client jwk: %w", err)
		}
		clientJwk, err = oauth.ParseJWKFromBytes(b)
		if err != nil {
			return fmt.Errorf("could not parse client jwk: %w", err)
		}
	}

	oauthClient, err := oauth.NewClient(oauth.ClientArgs{
		ClientJwk:   clientJwk,
		ClientId:    clientId,
		RedirectUri: redirectUri,
	})
	if err != nil {
		return err
	}

	db, err := store.NewDB(cmd.String("db-path"))
	if err != nil {
		return err
	}

	resolver := identity.NewResolver(identity.ResolverArgs{})

	svc, err := auth.NewService(auth.ServiceArgs{
		Client:   oauthClient,
		Resolver: resolver,
		States:   store.NewStateStore(db),
		Sessions: store.NewSessionStore(db),
		Scope:    scope,
	})
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(slog.Default()))
	e.Use(session.Middleware(sessions.NewCookieStore([]byte(cookieSecret))))

	s := &Server{
		e:         e,
		svc:       svc,
		resolver:  resolver,
		publicUrl: baseUrl,
		clientId:  clientId,
		clientJwk: clientJwk,
	}

	e.GET("/", s.handleIndex)
	e.GET("/login", s.handleLoginPage)
	e.POST("/login", s.handleLoginSubmit)
	e.GET("/callback", s.handleCallback)
	e.GET("/dashboard", s.handleDashboard)

	e.POST("/oauth/login", s.handleOauthLogin)
	e.GET("/oauth/callback", s.handleCallback)
	e.GET("/oauth/logout", s.handleLogout)
	e.POST("/oauth/logout", s.handleLogout)

	e.GET("/client-metadata.json", s.handleClientMetadata)
	e.GET("/jwks.json", s.handleJwks)

	httpd := http.Server{
		Addr:    ":" + port,
		Handler: e,
	}

	slog.Info("starting skyline", "addr", httpd.Addr, "client_id", clientId)

	if err := httpd.ListenAndServe(); err != nil {
		return err
	}

	return nil
}
