package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/tochemey/goakt/v3/actor"

	"github.com/lao-tseu-is-alive/go-maze-swarm/internal/observer"
	"github.com/lao-tseu-is-alive/go-maze-swarm/pkg/render"
	"github.com/lao-tseu-is-alive/go-maze-swarm/pkg/simulation"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML or JSON config (defaults apply when empty)")
		seed       = flag.Uint64("seed", 0, "override the config seed (0 keeps it)")
		wsAddr     = flag.String("ws", "", "serve live snapshots on this address, e.g. :8080 (empty to disable)")
	)
	flag.Parse()

	cfg := simulation.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = simulation.LoadConfig(*configPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}

	ctx := context.Background()
	logger := cfg.NewLogger(os.Stdout)

	clock, err := cfg.NewClock(logger)
	if err != nil {
		log.Fatalf("build simulation: %v", err)
	}

	system, err := actor.NewActorSystem("MazeSwarm", actor.WithLogger(logger))
	if err != nil {
		log.Fatalf("create actor system: %v", err)
	}
	if err := system.Start(ctx); err != nil {
		log.Fatalf("start actor system: %v", err)
	}
	defer system.Stop(ctx)

	var observers []simulation.Observer
	if *wsAddr != "" {
		hub := observer.NewHub(logger)
		defer hub.Close()
		srv := &http.Server{Addr: *wsAddr, Handler: hub.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("observer server: %v", err)
			}
		}()
		defer srv.Close()
		observers = append(observers, hub)
	}

	game, err := render.NewGame(ctx, cfg, system, clock, observers...)
	if err != nil {
		log.Fatalf("create game: %v", err)
	}

	ebiten.SetWindowSize(render.Size(cfg))
	ebiten.SetWindowTitle("Maze Swarm")
	if err := ebiten.RunGame(game); err != nil {
		log.Fatal(err)
	}
}
