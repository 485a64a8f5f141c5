// Copyright 2025 The shellybridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package main is the entrypoint for the shellybridge broker.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/turtacn/shellybridge/pkg/broker"
	"github.com/turtacn/shellybridge/pkg/config"
	"github.com/turtacn/shellybridge/pkg/devices"
	"github.com/turtacn/shellybridge/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON configuration file")
	flag.Parse()

	log.Println("Starting shellybridge...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	chain, err := config.BuildAuthChain(cfg.Broker.Auth)
	if err != nil {
		log.Fatalf("Failed to build authentication chain: %v", err)
	}

	directory, closeDirectory, err := buildDirectory(cfg.Broker.Directory)
	if err != nil {
		log.Fatalf("Failed to build device directory: %v", err)
	}
	defer closeDirectory()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := broker.New(broker.Options{
		Auth:      chain,
		Directory: directory,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- b.StartServer(ctx, cfg.Broker.Listen)
	}()

	if cfg.Broker.MetricsPort != "" {
		go metrics.Serve(cfg.Broker.MetricsPort)
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-shutdownChan:
		log.Printf("Received %v, shutting down...", sig)
		cancel()
		<-serveErr
	case err := <-serveErr:
		if err != nil {
			log.Fatalf("Broker server failed: %v", err)
		}
	}

	log.Println("Shutdown complete.")
}

// buildDirectory constructs the configured device directory backend and a
// cleanup function for it.
func buildDirectory(cfg config.DirectoryConfig) (devices.Directory, func(), error) {
	switch cfg.Backend {
	case "", "open":
		return devices.NewOpenDirectory(), func() {}, nil
	case "memory":
		dir := devices.NewMemoryDirectory()
		for _, deviceID := range cfg.Devices {
			dir.Add(deviceID)
		}
		log.Printf("[INFO] Device directory: %d provisioned device(s)", len(cfg.Devices))
		return dir, func() {}, nil
	case "postgres":
		dir, err := devices.NewPostgresDirectory(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return dir, func() {
			if err := dir.Close(); err != nil {
				log.Printf("[WARN] Closing device directory: %v", err)
			}
		}, nil
	default:
		// validateConfig rejects unknown backends before we get here.
		return devices.NewOpenDirectory(), func() {}, nil
	}
}
