// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// --- Global Command Variables ---
var (
	configPath     string
	devMode        bool
	debugMode      bool
	servePort      int
	serverURL      string
	domainOverride string

	rootCmd = &cobra.Command{
		Use:   "forge",
		Short: "The Aleutian code generation server and its console",
		Long: `Forge runs multi-stage code generation pipelines: a prompt
is routed, planned, implemented in dependency order, verified, and
packaged into a downloadable project.`,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the forge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("forge", Version)
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the forge HTTP server",
		Run:   runServe, // Defined in serve.go
	}

	watchCmd = &cobra.Command{
		Use:   "watch [run_id]",
		Short: "Follow a run's event stream in the terminal",
		Args:  cobra.ExactArgs(1),
		Run:   runWatch, // Defined in watch.go
	}

	newCmd = &cobra.Command{
		Use:   "new [description...]",
		Short: "Create a run from a prompt and watch it to completion",
		Args:  cobra.MinimumNArgs(1),
		Run:   runNew, // Defined in watch.go
	}

	killCmd = &cobra.Command{
		Use:   "kill [run_id]",
		Short: "Stop a run in flight",
		Args:  cobra.ExactArgs(1),
		Run:   runKill, // Defined in watch.go
	}
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the forge.yaml config file")
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Serve canned fixtures instead of calling a model backend")
	serveCmd.Flags().BoolVar(&debugMode, "debug", false, "Debug logging and verbose request logs")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides config and FORGE_PORT)")

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:12270", "Forge server base URL")
	newCmd.Flags().StringVar(&domainOverride, "domain", "", "Pin the project domain (games, webshop, website, general)")

	rootCmd.AddCommand(versionCmd, serveCmd, watchCmd, newCmd, killCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
