package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"chatsync/config"
	"chatsync/discovery"
	"chatsync/network"
	"chatsync/storage"
)

var (
	relayListen    string
	relayAdvertise bool
)

func init() {
	relayCmd.Flags().StringVar(&relayListen, "listen", "", "Listen address (defaults to relay_listen_address)")
	relayCmd.Flags().BoolVar(&relayAdvertise, "advertise", true, "Advertise the relay on the LAN over mDNS")
	rootCmd.AddCommand(relayCmd)
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve the local document store to chat clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := config.LoadOrCreate()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		dataDir := filepath.Dir(cfgPath)

		st, dbPath, err := storage.Open(config.RelayDataDir(dataDir))
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				log.Printf("database close error: %v", err)
			}
		}()

		address := relayListen
		if address == "" {
			address = cfg.RelayListenAddress
		}
		server, err := network.Listen(address, network.ServerOptions{Store: st})
		if err != nil {
			return fmt.Errorf("start relay: %w", err)
		}
		defer server.Close()

		fmt.Printf("Relay ID:        %s\n", cfg.RelayID)
		fmt.Printf("Database File:   %s\n", dbPath)
		fmt.Printf("Relay URL:       %s\n", server.URL())

		if relayAdvertise {
			port := 0
			if tcp, ok := server.Addr().(*net.TCPAddr); ok {
				port = tcp.Port
			}
			advertiser, err := discovery.StartAdvertiser(discovery.Config{
				RelayID:   cfg.RelayID,
				RelayName: cfg.DisplayName,
				Port:      port,
			})
			if err != nil {
				log.Printf("discovery advertise failed: %v", err)
			} else {
				defer advertiser.Stop()
				fmt.Println("Discovery:       advertising")
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Println("Status:          running (press Ctrl+C to stop)")
		for {
			select {
			case <-ctx.Done():
				fmt.Println("Status:          shutting down")
				return nil
			case err, ok := <-server.Errors():
				if !ok {
					return nil
				}
				log.Printf("relay: %v", err)
			}
		}
	},
}
