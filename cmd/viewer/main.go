package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"voxelview.ai/internal/persistence/indexdb"
	persistlog "voxelview.ai/internal/persistence/log"
	"voxelview.ai/internal/persistence/r2s3"
	"voxelview.ai/internal/source"
	"voxelview.ai/internal/transport/observer"
	"voxelview.ai/internal/tuning"
	"voxelview.ai/internal/viewer"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "http listen address")
		configPath = flag.String("config", "./configs/viewer.yaml", "viewer config")
		dataLoc    = flag.String("data", "./data/terrain", "dataset location: directory, http(s) URL or s3://prefix")
		mirrorURL  = flag.String("mirror", "", "go-getter URL to copy into -data before starting")
		journalDir = flag.String("journal", "", "directory for the chunk load journal (empty to disable)")
		indexPath  = flag.String("index", "", "sqlite load index path (empty to disable)")
		headless   = flag.Bool("headless", false, "fly the configured path with the log renderer instead of serving")
		reindex    = flag.Bool("reindex", false, "rebuild -index load rows from the -journal files and exit")
		duration   = flag.Duration("duration", 30*time.Second, "headless run length")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[viewer] ", log.LstdFlags|log.Lmicroseconds)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Printf("load .env: %v", err)
	}

	tun, err := tuning.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if m := strings.TrimSpace(*mirrorURL); m != "" {
		logger.Printf("mirroring %s -> %s", m, *dataLoc)
		if err := source.Mirror(ctx, m, *dataLoc); err != nil {
			logger.Fatalf("mirror: %v", err)
		}
	}

	bucket, keyPrefix, err := r2s3.FromEnv("VV_R2")
	if err != nil {
		logger.Fatalf("bucket: %v", err)
	}
	loc := *dataLoc
	if loc == "s3://" && keyPrefix != "" {
		loc = "s3://" + keyPrefix
	}
	inner, err := source.Open(loc, bucket, tun.FetchTimeout())
	if err != nil {
		logger.Fatalf("data source: %v", err)
	}
	src, err := source.NewZstd(inner)
	if err != nil {
		logger.Fatalf("zstd: %v", err)
	}
	defer src.Close()

	var journal *persistlog.LoadJournal
	if dir := strings.TrimSpace(*journalDir); dir != "" {
		journal = persistlog.NewLoadJournal(dir)
		defer journal.Close()
	}
	var index *indexdb.SQLiteIndex
	if p := strings.TrimSpace(*indexPath); p != "" {
		index, err = indexdb.OpenSQLite(p)
		if err != nil {
			logger.Fatalf("index: %v", err)
		}
		defer index.Close()
	}

	if *reindex {
		if journal == nil || index == nil {
			logger.Fatalf("-reindex needs -journal and -index")
		}
		n, err := reindexJournal(ctx, journal, index)
		if err != nil {
			logger.Fatalf("reindex: %v", err)
		}
		logger.Printf("reindexed %d loads from %s", n, *journalDir)
		return
	}

	if *headless {
		runHeadless(ctx, logger, src, tun, journal, index, *duration)
		return
	}

	obs := observer.NewServer(observer.Config{
		Source:      src,
		Tuning:      tun,
		Index:       index,
		Journal:     journal,
		Logger:      logger,
		AllowRemote: envBool("VV_ALLOW_REMOTE", false),
		MaxSessions: envInt("VV_MAX_SESSIONS", 8),
	})
	mux := http.NewServeMux()
	mux.Handle("/v1/", obs.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok\n"))
	})
	if envBool("VV_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Shutdown does not track hijacked websocket connections; end the
	// sessions through the observer instead.
	srv.RegisterOnShutdown(obs.Close)
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("serving %s on %s", src, *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	// Sessions record their summaries before the journal and index close.
	obs.Close()
}

func runHeadless(ctx context.Context, logger *log.Logger, src source.Source, tun tuning.Viewer, journal *persistlog.LoadJournal, index *indexdb.SQLiteIndex, d time.Duration) {
	points := make([]mgl64.Vec3, 0, len(tun.Flythrough))
	for _, p := range tun.Flythrough {
		points = append(points, mgl64.Vec3{p[0], p[1], p[2]})
	}
	sid := uuid.NewString()
	renderer := &viewer.LogRenderer{Logger: logger, Every: uint64(tun.FrameRateHz)}
	drv := viewer.NewDriver(viewer.Config{
		Source:   src,
		Tuning:   tun,
		Camera:   viewer.NewPath(points, tun.FlythroughSpeed),
		Renderer: renderer,
		Recorder: &viewer.SessionRecorder{SessionID: sid, Journal: journal, Index: index, Logger: logger},
		Logger:   logger,
	})

	started := time.Now().UTC()
	row := indexdb.SessionRow{ID: sid, Source: src.String(), StartedAt: started.Format(time.RFC3339)}
	if index != nil {
		index.StartSession(row)
	}

	runCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := drv.Run(runCtx)

	sum := drv.Summary()
	if index != nil {
		end := viewer.SessionRow(sid, sum)
		end.Source, end.StartedAt = row.Source, row.StartedAt
		end.EndedAt = time.Now().UTC().Format(time.RFC3339)
		index.EndSession(end)
	}
	c := renderer.Counts()
	logger.Printf("headless session=%s status=%q ticks=%d frames=%d peak_resident=%d fetches=%d failures=%d registered=%d released=%d",
		sid, sum.Status, sum.Ticks, sum.Frames, sum.PeakResident, sum.Cache.Fetches, sum.Cache.Failures, c.Registered, c.Released)
	if err != nil {
		logger.Fatalf("headless: %v", err)
	}
}

// reindexJournal replays every journal file into the index.
func reindexJournal(ctx context.Context, journal *persistlog.LoadJournal, index *indexdb.SQLiteIndex) (int, error) {
	files, err := journal.Files()
	if err != nil {
		return 0, err
	}
	var loads []indexdb.JournaledLoad
	for _, f := range files {
		entries, err := persistlog.ReadLoads(f)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", f, err)
		}
		for _, e := range entries {
			loads = append(loads, indexdb.JournaledLoad{SessionID: e.SessionID, RecordedAt: e.Time, Event: e.Event()})
		}
	}
	return index.Backfill(ctx, loads)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
