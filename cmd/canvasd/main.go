package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"collabcanvas/internal/api"
	"collabcanvas/internal/auth"
	"collabcanvas/internal/bus"
	"collabcanvas/internal/engine"
	"collabcanvas/internal/store"
	"collabcanvas/internal/ws"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// openStore picks the durable store: postgres when DATABASE_URL is set,
// bbolt when CANVAS_DB_PATH is set, in-memory otherwise.
func openStore(ctx context.Context) (store.Store, func(), error) {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Println("store: postgres")
		return pg, pool.Close, nil
	}
	if path := os.Getenv("CANVAS_DB_PATH"); path != "" {
		b, err := store.OpenBolt(path)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("store: bbolt at %s", path)
		return b, func() { b.Close() }, nil
	}
	log.Println("store: in-memory (no DATABASE_URL or CANVAS_DB_PATH set)")
	return store.NewMemory(), func() {}, nil
}

func main() {
	addr := env("CANVAS_ADDR", ":8081")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer closeStore()

	eng := engine.New(st, engine.DefaultConfig())

	var authn auth.Authenticator = auth.AllowAll{}
	if tokens := os.Getenv("CANVAS_AUTH_TOKENS"); tokens != "" {
		authn = auth.NewStaticTokens(auth.ParseTokenMap(tokens))
		log.Println("auth: static tokens")
	} else {
		log.Println("auth: allow-all (dev mode, set CANVAS_AUTH_TOKENS)")
	}

	g, ctx := errgroup.WithContext(ctx)

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			log.Fatalf("could not connect to redis: %v", err)
		}
		relay := bus.NewRedis(rdb, uuid.NewString(), eng)
		eng.SetBus(relay)
		g.Go(func() error { return relay.Run(ctx) })
		log.Printf("bus: redis relay via %s", redisAddr)
	}

	gateway := ws.NewGateway(eng, authn, ws.Config{})
	a := &api.API{Engine: eng}

	r := mux.NewRouter()
	r.HandleFunc("/ws", gateway.HandleWS)
	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/canvas", a.CreateCanvas).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/canvas/{id}", a.GetCanvas).Methods(http.MethodGet)
	r.HandleFunc("/debug/rooms", a.DebugRooms).Methods(http.MethodGet)

	srv := &http.Server{Addr: addr, Handler: r}
	g.Go(func() error {
		log.Printf("canvasd listening on %s", addr)
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil && err != http.ErrServerClosed && err != context.Canceled {
		log.Fatalf("canvasd exited: %v", err)
	}
}
