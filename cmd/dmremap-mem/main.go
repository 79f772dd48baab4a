// Command dmremap-mem runs an in-memory dmremap device for local
// experimentation: it builds a main and spare backend.Memory pair,
// constructs a Device over them, injects a failing sector on request,
// and serves a handful of reads/writes so the lazy remap-installation
// path can be observed end to end without a real disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/dmremap/go-dmremap"
	"github.com/dmremap/go-dmremap/backend"
	"github.com/dmremap/go-dmremap/internal/logging"
)

func main() {
	var (
		sizeStr    = flag.String("size", "64M", "Size of the main memory disk (e.g. 64M, 1G)")
		spareRatio = flag.Float64("spare-ratio", 0.1, "Spare pool size as a fraction of the main disk")
		verbose    = flag.Bool("v", false, "Verbose output")
		failAt     = flag.Uint64("fail-sector", 0, "Inject one media failure at this logical sector on startup, 0 to disable")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	mainSectors := uint64(size) / 512
	spareSectors := uint64(float64(mainSectors) * *spareRatio)
	if spareSectors < 8192+8+1 {
		spareSectors = 8192 + 8 + 1 // room for the five 4 KiB metadata copies (the last starts at sector 8192) plus headroom
	}

	mainBackend := backend.NewMemory(mainSectors)
	spareBackend := backend.NewMemory(spareSectors)
	defer mainBackend.Close()
	defer spareBackend.Close()

	logger.Info("constructing device", "main_sectors", mainSectors, "spare_sectors", spareSectors)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	device, err := dmremap.Construct(ctx, dmremap.DefaultParams("", ""), &dmremap.Options{
		MainDevice:  mainBackend,
		SpareDevice: spareBackend,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to construct device", "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("tearing down device")
		if err := device.Presuspend(); err != nil {
			logger.Error("presuspend failed", "error", err)
			return
		}
		if err := device.Postsuspend(); err != nil {
			logger.Error("postsuspend failed", "error", err)
			return
		}
		if err := device.Destruct(); err != nil {
			logger.Error("destruct failed", "error", err)
		}
	}()

	buf := make([]byte, 512)
	bio := &dmremap.Bio{Sector: 0, Len: 512, Dir: dmremap.DirWrite, Buffer: buf}
	if *failAt != 0 {
		bio.Sector = *failAt
	}
	if _, err := device.Map(ctx, bio); err != nil {
		logger.Warn("initial write failed", "error", err)
	}

	// Armed after the write so the one-shot failure hits the read, the
	// only direction that triggers lazy remap installation.
	if *failAt != 0 {
		mainBackend.FailSectorOnce(*failAt)
		logger.Info("armed one-shot media failure", "sector", *failAt)
	}

	readBio := &dmremap.Bio{Sector: bio.Sector, Len: 512, Dir: dmremap.DirRead, Buffer: make([]byte, 512)}
	result, err := device.Map(ctx, readBio)
	if err != nil {
		logger.Warn("initial read failed", "error", err)
	} else {
		logger.Info("initial read completed", "target", result.Target.String(), "physical_sector", result.PhysicalSector)
	}

	status := device.Status()
	fmt.Printf("state=%s remaps=%d buckets=%d spare_in_use=%d/%d\n",
		status.State, status.RemapCount, status.BucketCount, status.AllocatorInUse, status.AllocatorCapacity)
	fmt.Printf("Press Ctrl+C to stop...\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("received shutdown signal")
}


// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}
