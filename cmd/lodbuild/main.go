package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"voxelview.ai/internal/lodbuild"
	"voxelview.ai/internal/persistence/r2s3"
	"voxelview.ai/internal/tuning"
	"voxelview.ai/internal/voxel"
)

func main() {
	var (
		in         = flag.String("in", "", "dense voxel file")
		out        = flag.String("out", "./data/terrain", "output directory")
		configPath = flag.String("config", "./configs/viewer.yaml", "viewer config; its record_schema is the default -schema")
		schema     = flag.String("schema", "", "input record layout: dense49 | dense33 (default: record_schema from -config)")
		base       = flag.Float64("base", 0.5, "base voxel size")
		maxSize    = flag.Float64("max", 4.0, "largest voxel size to emit")
		dim        = flag.Int("dim", 32, "chunk dimension in voxels")
		zst        = flag.Bool("zstd", false, "write zstd-compressed chunk payloads")
		workers    = flag.Int("workers", 0, "chunk writer workers (default: NumCPU)")
		publish    = flag.Bool("publish", false, "upload the output tree to the VV_R2_* bucket")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[lodbuild] ", log.LstdFlags|log.Lmicroseconds)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Printf("load .env: %v", err)
	}
	if strings.TrimSpace(*in) == "" {
		logger.Fatalf("-in is required")
	}
	s, err := inputSchema(*schema, *configPath)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	logger.Printf("input schema %s (%d-byte records)", s.Name, s.RecordSize)
	if err := os.MkdirAll(*out, 0o755); err != nil {
		logger.Fatalf("mkdir %s: %v", *out, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	res, err := lodbuild.BuildFile(ctx, *in, s, *out, lodbuild.Options{
		BaseVoxelSize:  *base,
		MaxVoxelSize:   *maxSize,
		ChunkDimension: *dim,
		Zstd:           *zst,
		Workers:        *workers,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatalf("build: %v", err)
	}
	logger.Printf("wrote %d levels, %d chunks, %d bytes to %s in %s",
		len(res.Manifest.Levels), res.Manifest.ChunkCount(), res.Bytes, *out, time.Since(start).Round(time.Millisecond))

	if !*publish {
		return
	}
	client, prefix, err := r2s3.FromEnv("VV_R2")
	if err != nil {
		logger.Fatalf("bucket: %v", err)
	}
	if client == nil {
		logger.Fatalf("-publish needs VV_R2_ENDPOINT/VV_R2_BUCKET/VV_R2_ACCESS_KEY_ID/VV_R2_SECRET_ACCESS_KEY")
	}
	pub := r2s3.NewPublisher(client, *out, prefix, 4, logger)
	if err := pub.PublishTree(); err != nil {
		logger.Fatalf("publish: %v", err)
	}
	st := pub.Close()
	logger.Printf("published %d files to %s/%s (failed=%d)", st.UploadSuccessTotal, client.Bucket(), prefix, st.UploadFailTotal)
	if st.UploadFailTotal > 0 {
		os.Exit(1)
	}
}

// inputSchema resolves -schema, falling back to the config's record_schema.
// A missing config file means the built-in default.
func inputSchema(name, configPath string) (voxel.Schema, error) {
	if name != "" {
		return voxel.SchemaByName(name)
	}
	tun, err := tuning.Load(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return tuning.Defaults().Schema(), nil
		}
		return voxel.Schema{}, fmt.Errorf("load config: %w", err)
	}
	return tun.Schema(), nil
}
