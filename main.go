// Command roomwatch joins a live broadcast's comment rooms and keeps
// listening until told to stop. It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres (session token store, kv) and runs migrations.
//   - Builds the session: platform client, room dialer, heartbeat, event fan-out.
//   - Auto-connects to the configured broadcast (or the last one, from kv).
//   - Exposes /healthz, /readyz, /metrics, /status, /events and the admin API.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/roomwatch/chat"
	"github.com/onnwee/roomwatch/config"
	"github.com/onnwee/roomwatch/credential"
	"github.com/onnwee/roomwatch/db"
	"github.com/onnwee/roomwatch/nicoapi"
	"github.com/onnwee/roomwatch/server"
	"github.com/onnwee/roomwatch/session"
	"github.com/onnwee/roomwatch/telemetry"
)

const (
	serviceName    = "roomwatch"
	serviceVersion = "1.0.0"
	lastLiveKey    = "last_live"
)

func main() {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load(".env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing(serviceName, serviceVersion)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()
	slog.Info("telemetry initialized", slog.Bool("tracing", telemetry.IsTracingEnabled()))

	var database *sql.DB
	if cfg.DBDsn != "" {
		database, err = openDatabase(cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds := newCredentials(cfg, database)
	api := nicoapi.New(creds, cfg.HTTPTimeout)
	api.Endpoints = nicoapi.Endpoints{
		Watch:     cfg.WatchBaseURL,
		Live:      cfg.LiveBaseURL,
		Community: cfg.CommunityURL,
		Channel:   cfg.ChannelURL,
		User:      cfg.UserURL,
	}

	events := session.NewBroadcaster()
	handlers := session.Handlers{events, session.HandlerFunc(logEvent)}
	if database != nil {
		handlers = append(handlers, rememberLive(ctx, database))
	}
	sess := session.New(session.Options{
		API:               api,
		Credentials:       creds,
		Handler:           handlers,
		Dialer:            newDialer(cfg),
		HeartbeatInterval: cfg.HeartbeatInterval,
		ResFrom:           cfg.RoomResFrom,
	})
	defer sess.Disconnect()

	broadcast := cfg.BroadcastID
	if broadcast == "" && cfg.AutoConnect && database != nil {
		if v, err := db.GetKV(ctx, database, lastLiveKey); err != nil {
			slog.Warn("failed to read last broadcast", slog.Any("err", err))
		} else {
			broadcast = v
		}
	}
	if cfg.AutoConnect && broadcast != "" {
		go autoConnect(ctx, sess, broadcast)
	} else if err := cfg.ValidateListenReady(); err != nil {
		slog.Info("auto connect disabled; use POST /admin/connect", slog.String("reason", err.Error()))
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		go servePprof()
	}

	go func() {
		deps := server.Deps{
			DB:               database,
			Session:          sess,
			Events:           events,
			Credentials:      creds,
			RequireListening: cfg.AutoConnect,
		}
		if err := server.Start(ctx, cfg.HTTPAddr, deps); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// openDatabase connects and migrates. Versioned migrations come first; the
// idempotent embedded statements are the fallback for databases created
// before schema_migrations existed.
func openDatabase(dsn string) (*sql.DB, error) {
	database, err := db.Connect(dsn)
	if err != nil {
		return nil, err
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			_ = database.Close()
			return nil, err
		}
	}
	return database, nil
}

// newCredentials picks the token source and puts a reset-capable cache in
// front of it.
func newCredentials(cfg *config.Config, database *sql.DB) *credential.Cached {
	var src credential.Provider = credential.Static(cfg.SessionToken)
	if cfg.TokenStore == config.TokenStoreDB && database != nil {
		src = credential.StoreProvider{Store: &db.TokenStore{DB: database}, Name: cfg.TokenName}
		slog.Info("session token from database", slog.String("name", cfg.TokenName))
	}
	return &credential.Cached{Source: src, TTL: cfg.TokenCacheTTL}
}

func newDialer(cfg *config.Config) chat.Dialer {
	if cfg.RoomTransport == config.TransportWebSocket {
		return chat.WebSocketDialer{URLTemplate: cfg.RoomWSURLTemplate, Timeout: cfg.RoomDialTimeout}
	}
	return chat.TCPDialer{Timeout: cfg.RoomDialTimeout, KeepAlive: 30 * time.Second}
}

func autoConnect(ctx context.Context, sess *session.Session, broadcast string) {
	slog.Info("auto connecting", slog.String("broadcast", broadcast))
	if err := sess.Connect(ctx, broadcast); err != nil {
		slog.Error("auto connect failed", slog.String("broadcast", broadcast), slog.Any("err", err))
	}
}

func logEvent(ev session.Event) {
	log := slog.With(slog.String("session_id", ev.SessionID), slog.String("event", ev.Kind.String()))
	switch ev.Kind {
	case session.EventPrepared:
		log.Info("live prepared", slog.String("live_id", ev.Live.ID), slog.String("title", ev.Live.Title))
	case session.EventPrepareFailed:
		log.Warn("live prepare failed", slog.String("reason", ev.Reason))
	case session.EventRoomFailed:
		log.Warn("room failed", slog.Any("room", ev.Room), slog.String("reason", ev.Reason))
	case session.EventKickedOut:
		log.Warn("kicked out of the room")
	case session.EventListeningStarted, session.EventFirstChat, session.EventListeningFinished:
		log.Info("session event", slog.Any("room", ev.Room))
	case session.EventChat:
		log.Debug("chat", slog.Any("room", ev.Chat.Room), slog.Int64("no", ev.Chat.No), slog.String("user_id", ev.Chat.UserID))
	}
}

// rememberLive stores the id of every prepared broadcast in kv so a restart
// can resume it.
func rememberLive(ctx context.Context, database *sql.DB) session.Handler {
	return session.HandlerFunc(func(ev session.Event) {
		if ev.Kind != session.EventPrepared || ev.Live == nil {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.SetKV(wctx, database, lastLiveKey, ev.Live.ID); err != nil {
			slog.Warn("failed to remember broadcast", slog.Any("err", err), slog.String("component", "db"))
		}
	})
}

func servePprof() {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	slog.Info("pprof profiling enabled", slog.String("addr", addr))
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil, // default mux exposes /debug/pprof
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("pprof server error", slog.Any("err", err))
	}
}
