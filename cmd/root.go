package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Warpchat/internal/config"
	"github.com/BioHazard786/Warpchat/internal/ui"
	"github.com/BioHazard786/Warpchat/internal/version"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warpchat",
	Short: "Peer-to-peer chat and file sharing over WebRTC data channels",
	Long: `Warpchat pairs terminals through a small signaling relay and then talks over a
direct WebRTC data channel. The relay only sees membership and negotiation
traffic; chat text and files travel peer to peer once connected.

Run "warpchat serve" for the relay and "warpchat join" on each side.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd, joinCmd, roomsCmd)
}

func loadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
