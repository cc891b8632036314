// peerdrop-rendezvous is the contact-exchange server.
//
// It accepts TLS (or, when explicitly configured, plain TCP) connections
// from peerdrop clients, mints rooms, collects each client's observed
// socket addresses, and swaps contact sets once both clients in a room
// have finished publishing. It never carries file payload.
//
// Usage:
//
//	peerdrop-rendezvous --key key.pem --certificate cert.pem
//	peerdrop-rendezvous --unencrypted --addresses "127.0.0.1:2311"
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atvirokodosprendimai/peerdrop/pkg/otel"
	"github.com/atvirokodosprendimai/peerdrop/pkg/server"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	keyFile := flag.String("key", "", "Path to the TLS private key (PEM)")
	certFile := flag.String("certificate", "", "Path to the TLS certificate (PEM)")
	unencrypted := flag.Bool("unencrypted", false, "Serve plain TCP instead of TLS")
	addresses := flag.String("addresses", "0.0.0.0:2311 [::]:2311", "Space-separated listen addresses")
	timeout := flag.Int("timeout", 600, "Room TTL in seconds")
	requestLimit := flag.Int("request-limit", 10, "Per-IP per-minute cap on room creation and unknown-room requests")
	verbosity := flag.String("verbosity", "info", "Log level: quiet, info, or debug")
	flag.Parse()

	if err := applyVerbosity(*verbosity); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n", flag.Args())
		os.Exit(2)
	}

	ctx := context.Background()
	otelShutdown, err := otel.Init(ctx, "peerdrop-rendezvous", version)
	if err != nil {
		log.Printf("[OTel] init failed: %v", err)
	}
	defer otelShutdown(ctx)

	cfg := server.Config{
		Addrs:        strings.Fields(*addresses),
		Unencrypted:  *unencrypted,
		RoomTTL:      time.Duration(*timeout) * time.Second,
		RequestLimit: *requestLimit,
	}

	if !*unencrypted {
		if *keyFile == "" || *certFile == "" {
			fmt.Fprintln(os.Stderr, "either --key and --certificate or --unencrypted is required")
			os.Exit(2)
		}
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			log.Printf("[Server] Failed to load TLS key pair: %v", err)
			os.Exit(1)
		}
		cfg.Certificate = &cert
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Printf("[Server] Bad configuration: %v", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		log.Printf("[Server] Startup failed: %v", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("[Server] Shutting down")
	srv.Stop()
}

// applyVerbosity validates the level. The broker logs a single line per
// noteworthy event; "quiet" drops them all, "info" and "debug" keep them,
// and any other level is an error.
func applyVerbosity(level string) error {
	switch level {
	case "debug", "info":
		return nil
	case "quiet":
		log.SetOutput(io.Discard)
		return nil
	default:
		return fmt.Errorf("unknown verbosity %q (want quiet, info, or debug)", level)
	}
}
