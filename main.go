package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"hlscache-proxy/work/config"
	"hlscache-proxy/work/logger"
	"hlscache-proxy/work/proxy"
	"hlscache-proxy/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// standalone runner: in production the work/proxy facade is driven by a host
// binding layer instead
func main() {

	configPath := flag.String("config", "/settings/config.json", "path to JSON config file")
	flag.Parse()

	// load config, falling back to defaults when the file is absent
	opts, err := config.LoadFile(*configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", *configPath, err)
		log.Printf("Falling back to default configuration...")
		opts = config.DefaultOptions()
	}

	logger.SetLogLevel(opts.LogLevel)

	// show info
	logger.Info("Starting HLS Cache Proxy %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Port: %d", opts.Port)
	logger.Info("  - Cache Dir: %s", opts.CacheDir)
	logger.Info("  - Cache Budget: %s", utils.FormatBytes(opts.MaxCacheBytes))
	logger.Info("  - Max Concurrent Bulk Downloads: %d", opts.MaxConcurrentBulk)
	logger.Info("  - Head-Only Caching: %v", opts.HeadOnly)
	logger.Info("  - Manifest Timeout: %s", opts.ManifestTimeout)
	logger.Info("  - Segment Timeout: %s", opts.SegmentTimeout)
	logger.Info("  - URL Obfuscation: %v", opts.ObfuscateUrls)
	if opts.DiagAddr != "" {
		logger.Info("  - Diagnostics: %s", opts.DiagAddr)
	}

	// fire us up
	if err := proxy.StartServer(opts); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

	// run until asked to stop
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("Shutting down...")
	proxy.Stop()
}
