package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"

	"canopy/internal/relay"
)

func main() {
	var port int
	flag.IntVar(&port, "port", 0, "Port to listen on (0 for random available port)")
	flag.Parse()

	server := relay.NewServer(relay.NewMemoryRelay())

	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", addr, err)
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port
	log.Printf("Relay listening on :%d...", actualPort)
	log.Fatal(http.Serve(listener, server))
}
