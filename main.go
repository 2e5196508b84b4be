package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// RelayConfig is the flag-driven bootstrap configuration.
type RelayConfig struct {
	BrokerURL    string
	ClientID     string
	ControlAddr  string
	ControlToken string
}

func defaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		BrokerURL: "tcp://broker.emqx.io:1883",
	}
}

func main() {
	cfg := defaultRelayConfig()

	flag.StringVar(&cfg.BrokerURL, "broker", cfg.BrokerURL, "MQTT broker URL (e.g. tcp://broker.emqx.io:1883)")
	flag.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "override the generated client_id (advanced)")
	flag.StringVar(&cfg.ControlAddr, "control-addr", "", "optional localhost-only control HTTP addr, e.g. 127.0.0.1:8088 (empty disables it)")
	flag.StringVar(&cfg.ControlToken, "control-token", os.Getenv("RELAY_CONTROL_TOKEN"), "bearer token for the control HTTP surface (or set RELAY_CONTROL_TOKEN)")
	flag.Parse()

	identity, err := NewClientIdentity()
	if err != nil {
		log.Fatalf("identity bootstrap: %v", err)
	}
	if cfg.ClientID != "" {
		identity.ClientID = cfg.ClientID
		// Rebind the MLS credential to the overriding id.
		if identity.Identity, err = BuildIdentityMaterial([]byte(cfg.ClientID)); err != nil {
			log.Fatalf("identity bootstrap: %v", err)
		}
	}
	log.Printf("[main] client_id=%s", identity.ClientID)

	transport, err := NewMQTTTransport(cfg.BrokerURL, identity.ClientID)
	if err != nil {
		// Broker connect failure at startup aborts the process.
		log.Fatalf("broker connect: %v", err)
	}
	defer transport.Close()

	metrics := NewMetrics()
	directory := NewPeerDirectory()
	session := NewSessionManager(identity, transport, directory, metrics)
	if err := session.Bootstrap(); err != nil {
		log.Fatalf("session bootstrap: %v", err)
	}

	dispatcher := NewCommandDispatcher(identity, session)
	loop := NewEventLoop(transport, session, dispatcher, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if cfg.ControlAddr != "" {
		control := NewControlServer(identity, directory, session, cfg.ControlToken)
		go func() {
			log.Printf("[control http] listening on %s (local only)", cfg.ControlAddr)
			if err := startControlServer(cfg.ControlAddr, control.Handler()); err != nil {
				log.Printf("[control http] stopped: %v", err)
			}
		}()
	}

	fmt.Printf(">>> my client_id: %s\n", identity.ClientID)

	go loop.Run(ctx)
	NewREPL(loop).Run(ctx)
}
