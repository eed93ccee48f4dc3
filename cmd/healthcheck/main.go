package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"gestion.org/internal/obs"
	"gestion.org/internal/probe"
)

func main() {
	var (
		addr    = flag.String("addr", envOr("GESTION_GRPC_ADDR", "localhost:9090"), "gRPC address of the identity service")
		service = flag.String("service", "gestion-api", "health service name; empty checks the whole server")
		timeout = flag.Duration("timeout", 5*time.Second, "probe timeout")
	)
	flag.Parse()
	log := obs.Logger()

	client, err := probe.Dial(*addr)
	if err != nil {
		log.WithError(err).WithField("addr", *addr).Fatal("dial identity service")
	}
	defer client.Close()

	ctx, cancel := probe.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := client.Check(ctx, *service); err != nil {
		log.WithError(err).WithField("addr", *addr).Error("health check failed")
		client.Close()
		os.Exit(1)
	}
	fmt.Printf("%s at %s is serving\n", *service, *addr)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
