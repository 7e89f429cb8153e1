package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"

	"github.com/pion/webrtc/v4"

	"canopy/internal/block"
	"canopy/internal/broker"
	"canopy/internal/config"
	"canopy/internal/drive"
	"canopy/internal/identity"
	"canopy/internal/logging"
	"canopy/internal/peerpool"
	"canopy/internal/pointer"
	"canopy/internal/relay"
	"canopy/internal/replicate"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the node configuration file")
	var logLevel string
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger, err := logging.New(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}

	cfg := config.Default()
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SeedFile), 0o700); err != nil {
		log.Fatalf("Failed to create seed directory: %v", err)
	}
	self, err := identity.FromSeedFile(cfg.SeedFile)
	if err != nil {
		log.Fatalf("Failed to load identity: %v", err)
	}
	logger.Info("node identity", "id", self.ID())

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	badgerStore, err := block.OpenBadger(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open block store at %s: %v", cfg.DataDir, err)
	}
	defer badgerStore.Close()

	var rl relay.Relay
	if cfg.Relay != "" {
		rl = relay.NewClient(cfg.Relay, nil)
	} else {
		logger.Warn("no relay configured; running standalone")
		rl = relay.NewMemoryRelay()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Read-capable endpoints serve the broker's fallback path; writable
	// ones additionally receive new local blocks.
	var readClients, writeClients []*block.Client
	for _, b := range cfg.Blobs {
		client := block.NewClient(b.URL, nil)
		readClients = append(readClients, client)
		if b.Write {
			writeClients = append(writeClients, client)
		}
	}

	replicator := replicate.NewReplicator(badgerStore, writeClients, logger)
	replicator.Start(ctx)
	defer replicator.Close()
	store := replicate.NewRecordingStore(badgerStore, replicator.Enqueue)

	serve := func(hash string) ([]byte, bool) {
		return block.GetBytes(store, hash)
	}

	var ice []webrtc.ICEServer
	for _, url := range cfg.ICEServers {
		ice = append(ice, webrtc.ICEServer{URLs: []string{url}})
	}
	transport := peerpool.NewWebRTCTransport(peerpool.NewRelaySignaler(rl, self), self.ID(), ice, logger)
	if err := transport.Start(ctx); err != nil {
		log.Fatalf("Failed to start peer transport: %v", err)
	}
	defer transport.Close()

	follows := peerpool.FollowsFunc(func(id string) bool {
		return slices.Contains(cfg.Follows, id)
	})
	pool := peerpool.NewPool(self, rl, transport, serve, follows, cfg.PoolConfig(), logger)
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("Failed to start peer pool: %v", err)
	}

	fetcher := broker.NewBroker(store,
		broker.WithPeers(pool),
		broker.WithBlobEndpoints(readClients...),
		broker.WithLogger(logger))

	resolver := pointer.NewResolver(rl, pointer.WithLogger(logger))
	d := drive.New(self, store, resolver, drive.WithFetcher(fetcher), drive.WithLogger(logger))

	listen := cfg.Listen
	if listen == "" {
		listen = ":0"
	}
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", listen, err)
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port
	log.Printf("Node API listening on :%d...", actualPort)
	fmt.Printf("canopy://%s\n", self.ID())
	log.Fatal(http.Serve(listener, drive.NewServer(d)))
}
