// Command headless runs the maze swarm without a window. It can stream
// snapshots over websocket, store per-tick metrics in SQLite, record the run
// to a compressed replay and verify such a recording.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tochemey/goakt/v3/actor"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lao-tseu-is-alive/go-maze-swarm/internal/observer"
	"github.com/lao-tseu-is-alive/go-maze-swarm/internal/replay"
	"github.com/lao-tseu-is-alive/go-maze-swarm/internal/store"
	"github.com/lao-tseu-is-alive/go-maze-swarm/pkg/simulation"
)

const askTimeout = 10 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML or JSON config (defaults apply when empty)")
		seed        = flag.Uint64("seed", 0, "override the config seed (0 keeps it)")
		maxTicks    = flag.Uint64("max-ticks", 0, "override the config tick limit (0 keeps it)")
		batch       = flag.Uint("batch", 64, "ticks per advance message when running unpaced")
		wsAddr      = flag.String("ws", "", "serve live snapshots on this address, e.g. :8080 (empty to disable)")
		metricsDB   = flag.String("metrics-db", "", "sqlite file receiving per-tick metrics (empty to disable)")
		recordPath  = flag.String("record", "", "write a replay of the run to this .jsonl.zst file")
		verifyPath  = flag.String("verify", "", "rerun the recording at this path and report the first divergence")
		printSchema = flag.Bool("print-schema", false, "print the config JSON schema and exit")
	)
	flag.Parse()

	if *printSchema {
		b, err := simulation.Schema()
		if err != nil {
			log.Fatalf("schema: %v", err)
		}
		fmt.Println(string(b))
		return
	}

	if *verifyPath != "" {
		n, err := replay.Verify(*verifyPath)
		if err != nil {
			log.Fatalf("verify %s: %v", *verifyPath, err)
		}
		fmt.Printf("%s: %d ticks reproduced\n", *verifyPath, n)
		return
	}

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
	if *maxTicks != 0 {
		cfg.MaxTicks = *maxTicks
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, options{
		batch:     uint32(max(*batch, 1)),
		wsAddr:    *wsAddr,
		metricsDB: *metricsDB,
		record:    *recordPath,
	}); err != nil {
		log.Fatal(err)
	}
}

type options struct {
	batch     uint32
	wsAddr    string
	metricsDB string
	record    string
}

func run(ctx context.Context, cfg *simulation.Config, opts options) error {
	logger := cfg.NewLogger(os.Stderr)

	clock, err := cfg.NewClock(logger)
	if err != nil {
		return fmt.Errorf("build simulation: %w", err)
	}

	runID := uuid.New()
	var observers []simulation.Observer

	if opts.metricsDB != "" {
		db, err := store.Open(opts.metricsDB, logger)
		if err != nil {
			return fmt.Errorf("open metrics db: %w", err)
		}
		defer db.Close()
		if runID, err = db.BeginRun(ctx, cfg); err != nil {
			return err
		}
		observers = append(observers, db)
		defer func() {
			if err := db.FinishRun(context.Background(), clock.TickCount(), clock.Done()); err != nil {
				logger.Errorf("finish run: %v", err)
			}
			if n := db.Dropped(); n > 0 {
				logger.Warnf("%d tick samples dropped", n)
			}
		}()
	}

	if opts.record != "" {
		rec, err := replay.Create(opts.record, replay.Header{RunID: runID, Config: cfg})
		if err != nil {
			return fmt.Errorf("create recording: %w", err)
		}
		observers = append(observers, rec)
		defer func() {
			if err := rec.Close(); err != nil {
				logger.Errorf("close recording: %v", err)
				return
			}
			logger.Infof("recorded %d ticks to %s", rec.Frames(), opts.record)
		}()
	}

	if opts.wsAddr != "" {
		hub := observer.NewHub(logger)
		srv := &http.Server{Addr: opts.wsAddr, Handler: hub.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("observer server: %v", err)
			}
		}()
		defer func() {
			hub.Close()
			_ = srv.Shutdown(context.Background())
		}()
		observers = append(observers, hub)
		logger.Infof("serving snapshots on %s/ws", opts.wsAddr)
	}

	system, err := actor.NewActorSystem("MazeSwarmHeadless", actor.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create actor system: %w", err)
	}
	if err := system.Start(ctx); err != nil {
		return fmt.Errorf("start actor system: %w", err)
	}
	defer system.Stop(context.Background())

	world, err := system.Spawn(ctx, "world", simulation.NewWorldActor(clock, nil, observers...))
	if err != nil {
		return fmt.Errorf("spawn world: %w", err)
	}

	logger.Infof("run %s: %dx%d %s maze, %d agents, seed %d", runID, cfg.Width, cfg.Height, cfg.Generator, cfg.Agents, cfg.Seed)
	start := time.Now()
	tick, done, err := drive(ctx, world, cfg, opts.batch)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	switch {
	case done:
		logger.Infof("all agents reached their targets after %d ticks (%s)", tick, time.Since(start).Round(time.Millisecond))
	case errors.Is(err, context.Canceled):
		logger.Infof("interrupted at tick %d", tick)
	default:
		logger.Infof("stopped at the tick limit %d", tick)
	}
	fmt.Println(clock.Collector().Summary())
	return nil
}

// drive advances the world until every agent is home, the tick limit is hit
// or ctx is cancelled. With a positive tick rate it sends one tick per beat.
func drive(ctx context.Context, world *actor.PID, cfg *simulation.Config, batch uint32) (uint64, bool, error) {
	var beat <-chan time.Time
	if cfg.TicksPerSecond > 0 {
		t := time.NewTicker(time.Duration(float64(time.Second) / cfg.TicksPerSecond))
		defer t.Stop()
		beat = t.C
		batch = 1
	}

	var tick uint64
	for {
		if beat != nil {
			select {
			case <-ctx.Done():
				return tick, false, ctx.Err()
			case <-beat:
			}
		} else if err := ctx.Err(); err != nil {
			return tick, false, err
		}

		n := batch
		if cfg.MaxTicks > 0 {
			n = uint32(min(uint64(n), cfg.MaxTicks-tick))
		}
		if err := actor.Tell(ctx, world, simulation.AdvanceMsg(n)); err != nil {
			return tick, false, err
		}

		resp, err := actor.Ask(ctx, world, simulation.StatusMsg(), askTimeout)
		if err != nil {
			return tick, false, err
		}
		status, ok := resp.(*structpb.Struct)
		if !ok {
			return tick, false, fmt.Errorf("unexpected status reply %T", resp)
		}
		tick = uint64(status.GetFields()["tick"].GetNumberValue())
		if status.GetFields()["done"].GetBoolValue() {
			return tick, true, nil
		}
		if cfg.MaxTicks > 0 && tick >= cfg.MaxTicks {
			return tick, false, nil
		}
	}
}
