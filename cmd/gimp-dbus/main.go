// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Command gimp-dbus serves GIMP procedures to external programs over
// D-Bus, Arrow IPC on stdio or a unix socket, or HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/GlimmerLabs/gimp-dbus/internal/cmd/bridge"
)

func main() {
	fs := flag.NewFlagSet("gimp-dbus", flag.ExitOnError)
	cfg, err := bridge.ParseConfig(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "gimp-dbus: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "gimp-dbus: %v\n", err)
		stop()
		os.Exit(1)
	}
}
