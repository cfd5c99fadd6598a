package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"chatsync/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect local configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the identity and engine settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := config.LoadOrCreate()
		if err != nil {
			return err
		}
		settingsPath := config.SettingsPath(filepath.Dir(cfgPath))
		settings, err := config.LoadSettings(settingsPath)
		if err != nil {
			return err
		}

		fmt.Printf("User ID:         %s\n", cfg.UserID)
		fmt.Printf("Display Name:    %s\n", cfg.DisplayName)
		fmt.Printf("Relay URL:       %s\n", cfg.RelayURL)
		fmt.Printf("Relay Listen:    %s\n", cfg.RelayListenAddress)
		fmt.Printf("Relay ID:        %s\n", cfg.RelayID)
		fmt.Printf("Encryption:      %t (%d-bit, %d iterations)\n",
			settings.EnableEncrypt, settings.Encryption.KeyLength, settings.Encryption.Iterations)
		fmt.Printf("Typing:          %t (%dms)\n", settings.EnableTyping, settings.TypingTimeoutMs)
		fmt.Printf("Page Size:       %d\n", settings.MaxPageSize)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config and settings file locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfgPath, err := config.LoadOrCreate()
		if err != nil {
			return err
		}
		dataDir := filepath.Dir(cfgPath)
		fmt.Printf("Config File:     %s\n", cfgPath)
		fmt.Printf("Settings File:   %s\n", config.SettingsPath(dataDir))
		fmt.Printf("Data Directory:  %s\n", dataDir)
		return nil
	},
}
