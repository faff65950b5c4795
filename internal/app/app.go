package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"example.com/promptctf/internal/config"
	"example.com/promptctf/internal/game"
	"example.com/promptctf/internal/httpapi"
	"example.com/promptctf/internal/migrate"
	"example.com/promptctf/internal/responder"
	"example.com/promptctf/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const pingTimeout = 5 * time.Second

type App struct {
	cfg config.Config
	log *slog.Logger

	db  *pgxpool.Pool
	rdb *redis.Client

	rooms    *game.Registry
	lobby    *game.Matchmaker
	archiver *game.Archiver

	srv *http.Server
}

func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{cfg: cfg, log: log}

	resp, err := newResponder(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var roomOpts []game.RegistryOption

	// --- Postgres (optional) ---
	var results *store.ResultStore
	if cfg.Postgres.URL != "" {
		if cfg.Postgres.RunMigrations {
			if err := migrate.Up(cfg.Postgres.URL, log); err != nil {
				return nil, err
			}
		}
		a.db, err = pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("pgxpool: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = a.db.Ping(pingCtx)
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		results = store.NewResultStore(a.db)
		roomOpts = append(roomOpts, game.WithResults(resultRecorder{results}))
	}

	// --- Redis (optional) ---
	if cfg.Redis.Addr != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
			DB:   cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = a.rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping (%s db=%d): %w", cfg.Redis.Addr, cfg.Redis.DB, err)
		}
		a.archiver = game.NewArchiver(game.NewRedisSnapshotStore(a.rdb, cfg.Redis.SnapshotTTL), log)
		roomOpts = append(roomOpts, game.WithArchive(a.archiver))
	}

	// --- Game ---
	gameCfg := game.Config{
		WaitingDuration: cfg.Game.WaitingDuration,
		DefenseDuration: cfg.Game.DefenseDuration,
		OffenseDuration: cfg.Game.OffenseDuration,
		RoomLinger:      cfg.Game.RoomLinger,
	}
	a.rooms = game.NewRegistry(ctx, gameCfg, resp, log, roomOpts...)

	var boot game.Bootstrapper = a.rooms
	if cfg.Party.GameroomURL != "" {
		boot = game.NewRemoteBootstrapper(cfg.Party.GameroomURL, []byte(cfg.Party.Secret), cfg.Party.BootstrapTokenTTL, nil)
		log.Info("rooms are bootstrapped remotely", "url", cfg.Party.GameroomURL)
	}
	a.lobby = game.NewMatchmaker(boot, log)
	gameSrv := game.NewServer(a.rooms, a.lobby, []byte(cfg.Party.Secret), log)

	// --- Routes ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httpapi.RequestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", httpapi.Healthz)
	gameSrv.Routes(r)
	if results != nil {
		h := &httpapi.ResultsHandler{Results: results, Log: log}
		r.Get("/api/results", h.List)
		r.Get("/api/results/summary", h.Summary)
	}

	a.srv = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	return a, nil
}

func newResponder(ctx context.Context, cfg config.Config) (responder.Responder, error) {
	switch cfg.Responder.Kind {
	case "gemini":
		g, err := responder.NewGemini(ctx, cfg.Responder.GeminiKey, cfg.Responder.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("gemini responder: %w", err)
		}
		return g, nil
	default:
		replies := responder.DefaultReplies
		if cfg.Responder.RepliesFile != "" {
			loaded, err := responder.LoadReplies(cfg.Responder.RepliesFile)
			if err != nil {
				return nil, err
			}
			replies = loaded
		}
		return responder.NewScripted(replies, responder.WithDelay(cfg.Responder.TokenDelay)), nil
	}
}

func (a *App) Handler() http.Handler { return a.srv.Handler }

func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	a.log.Info("http server starting", "addr", a.cfg.HTTP.Addr)

	g.Go(func() error {
		err := a.srv.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return a.lobby.Run(gctx)
	})

	if a.archiver != nil {
		g.Go(func() error {
			return a.archiver.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.log.Info("http server shutting down")
		_ = a.srv.Shutdown(shutdownCtx)
		a.rooms.Close()
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases external clients. Safe to call on a partially built App.
func (a *App) Close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}

// resultRecorder stores finished games as match results.
type resultRecorder struct {
	results *store.ResultStore
}

func (r resultRecorder) Record(ctx context.Context, res game.Result) error {
	return r.results.Save(ctx, toMatchResult(res))
}

func toMatchResult(res game.Result) store.MatchResult {
	out := store.MatchResult{
		MatchID:    res.MatchID,
		Reason:     string(res.Reason),
		Prompts:    res.Prompts,
		FinishedAt: res.FinishedAt,
	}
	if res.Winner >= 0 {
		w := res.Winner
		out.Winner = &w
	}
	return out
}
