package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"

	"canopy/internal/block"
	"canopy/internal/logging"
)

func main() {
	var dir string
	flag.StringVar(&dir, "dir", "", "Directory for persistent block storage")
	var s3Bucket string
	flag.StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket to store blocks in")
	var s3Prefix string
	flag.StringVar(&s3Prefix, "s3-prefix", "", "Key prefix within the S3 bucket")
	var readOnly bool
	flag.BoolVar(&readOnly, "read-only", false, "Serve reads only; reject writes")
	var logLevel string
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	var port int
	flag.IntVar(&port, "port", 0, "Port to listen on (0 for random available port)")
	flag.Parse()

	logger, err := logging.New(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}

	var store block.Store
	switch {
	case s3Bucket != "":
		s3Store, err := block.OpenS3(context.Background(), s3Bucket, s3Prefix)
		if err != nil {
			log.Fatalf("Failed to open S3 bucket %s: %v", s3Bucket, err)
		}
		store = s3Store
	case dir != "":
		badgerStore, err := block.OpenBadger(dir)
		if err != nil {
			log.Fatalf("Failed to open block store at %s: %v", dir, err)
		}
		defer badgerStore.Close()
		store = badgerStore
	default:
		store = block.NewMemoryStore()
	}

	server := block.NewServer(store, logger)
	if readOnly {
		server.ReadOnly()
	}

	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", addr, err)
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port
	log.Printf("Blob server listening on :%d...", actualPort)
	switch {
	case s3Bucket != "":
		log.Printf("Using S3 storage in bucket %s", s3Bucket)
	case dir != "":
		log.Printf("Using persistent storage at %s", dir)
	default:
		log.Printf("Using in-memory storage")
	}
	log.Fatal(http.Serve(listener, server))
}
