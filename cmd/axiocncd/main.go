// Command axiocncd is the CNC controller gateway: it owns the serial ports,
// brokers flow-controlled G-code execution, and exposes both a REST surface
// and a persistent client socket protocol to remote UIs (spec.md §6).
//
// Commands:
//   - run: start the gateway and block serving requests
//   - mkconf: write a config file populated with default values
//   - conf: print the effective configuration
//   - version: print the build version
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is the build version, typically set via -ldflags at build time.
var Version = "dev"

var rootFlags struct {
	host      string
	port      int
	config    string
	watch     []string
	watchPort string
	verbose   bool
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "axiocncd",
		Short: "AxioCNC controller gateway",
		Long: `axiocncd brokers bidirectional communication between remote UIs and
physical CNC motion controllers (Grbl, Marlin, Smoothieware, TinyG/g2core)
over serial, enforcing flow-controlled G-code execution.`,
	}
	rootCmd.PersistentFlags().StringVar(&rootFlags.config, "config", "axiocncd.yml", "path to the configuration file")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newMkconfCmd())
	rootCmd.AddCommand(newConfCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the gateway and block serving requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
	cmd.Flags().StringVar(&rootFlags.host, "host", "", "listen host, overrides the config file")
	cmd.Flags().IntVar(&rootFlags.port, "port", 0, "listen port, overrides the config file")
	cmd.Flags().StringArrayVar(&rootFlags.watch, "watch-directory", nil, "directory to watch for new G-code files; repeatable")
	cmd.Flags().StringVar(&rootFlags.watchPort, "watch-port", "", "port a watch-directory file is loaded onto, overrides the config file")
	cmd.Flags().BoolVar(&rootFlags.verbose, "verbose", false, "enable verbose logging")
	return cmd
}

func newMkconfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkconf",
		Short: "Write a configuration file populated with default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeDefaultConfig(rootFlags.config)
		},
	}
}

func newConfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conf",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootFlags.config)
			if err != nil {
				return err
			}
			return printConfig(cfg)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("axiocncd version %s\n", Version)
		},
	}
}

// runGateway loads configuration, applies any flag overrides, wires every
// collaborator, and serves until a termination signal arrives. Shutdown
// follows cmd/dacsrv/main.go's shape: a signal channel triggers cleanup on
// its own goroutine, then the process exits.
func runGateway() error {
	cfg, err := loadConfig(rootFlags.config)
	if err != nil {
		return err
	}
	if rootFlags.host != "" {
		cfg.Host = rootFlags.host
	}
	if rootFlags.port != 0 {
		cfg.Port = rootFlags.port
	}
	if len(rootFlags.watch) > 0 {
		cfg.WatchDirectories = rootFlags.watch
	}
	if rootFlags.watchPort != "" {
		cfg.WatchPort = rootFlags.watchPort
	}
	if rootFlags.verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	s, err := newServer(cfg)
	if err != nil {
		return err
	}
	s.attachStatusManager(context.Background())
	if err := s.startWatchFolders(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("axiocncd: shutting down")
		s.close()
		os.Exit(0)
	}()

	return s.listenAndServe()
}
