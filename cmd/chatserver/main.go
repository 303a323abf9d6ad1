package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/FHNW-Dream-Team/chat/pkg/server"
	"github.com/spf13/cobra"
)

var (
	configFile  string
	portFlag    int
	httpPort    int
	dbPath      string
	tlsEnabled  bool
	tlsCertFile string
	tlsKeyFile  string
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "chatserver",
	Short: "Run the chatroom server",
	Long: "Serve the pipe-delimited chat protocol over TCP (optionally TLS) and WebSocket.\n" +
		"Settings come from the TOML config file, CHATROOM_* environment variables and flags, in increasing priority.",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configFile, "config", "~/.chatroom/config.toml", "Path to the TOML config file (created with defaults if missing)")
	flags.IntVar(&portFlag, "port", 0, "TCP port (overrides config)")
	flags.IntVar(&httpPort, "http-port", 0, "WebSocket port (overrides config)")
	flags.StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	flags.BoolVar(&tlsEnabled, "tls", false, "Serve the TCP port over TLS")
	flags.StringVar(&tlsCertFile, "tls-cert", "", "TLS certificate file (PEM)")
	flags.StringVar(&tlsKeyFile, "tls-key", "", "TLS private key file (PEM)")
	flags.BoolVar(&debug, "debug", false, "Write debug output to debug.log in the data directory")
}

func run(cmd *cobra.Command, args []string) error {
	tomlConfig, err := server.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	config := tomlConfig.ToServerConfig()

	if cmd.Flags().Changed("port") {
		config.TCPPort = portFlag
	}
	if cmd.Flags().Changed("http-port") {
		config.HTTPPort = httpPort
	}
	if dbPath != "" {
		config.DatabasePath = dbPath
	}
	if cmd.Flags().Changed("tls") {
		config.TLSEnabled = tlsEnabled
	}
	if tlsCertFile != "" {
		config.TLSCertFile = tlsCertFile
	}
	if tlsKeyFile != "" {
		config.TLSKeyFile = tlsKeyFile
	}
	if config.TLSEnabled && (config.TLSCertFile == "" || config.TLSKeyFile == "") {
		return fmt.Errorf("TLS enabled but certificate or key file missing")
	}

	srv, err := server.NewServer(config)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		srv.Stop()
		return fmt.Errorf("failed to start server: %w", err)
	}
	log.Printf("Chatroom server running on %s", srv.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %s, shutting down", sig)

	return srv.Stop()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
