package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"bitruisseau/p2p-media/pkg/logger"
	"bitruisseau/p2p-media/relay"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

var relayInteractive bool

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Start the relay broker nodes publish through",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Sugar.Infof("Starting relay on %s", cfg.Relay.Listen)

		server := relay.NewServer(relay.Options{
			Listen:      cfg.Relay.Listen,
			Topic:       cfg.Bus.Topic,
			PeerTimeout: cfg.Relay.PeerTimeout,
			Advertise:   cfg.Relay.Advertise,
		})
		if err := server.Start(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		g := (&app{cfg: cfg}).runBackground(ctx)

		if relayInteractive {
			fmt.Println("BitRuisseau Relay Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			prompt.New(
				func(in string) {
					relayExecutor(in, server, func() {
						stop()
						_ = g.Wait()
					})
				},
				relayCompleter,
				prompt.OptionPrefix("relay> "),
				prompt.OptionTitle("BitRuisseau Relay"),
			).Run()
			server.Stop()
			return nil
		}

		<-ctx.Done()
		server.Stop()
		return g.Wait()
	},
}

func relayExecutor(in string, server *relay.Server, shutdown func()) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping relay...")
		server.Stop()
		shutdown()
		os.Exit(0)
	case "status":
		fmt.Println(server.GetStatus())
	case "list":
		if len(blocks) > 1 && blocks[1] == "clients" {
			clients := server.GetPeersList()
			if len(clients) == 0 {
				fmt.Println("No clients connected.")
				return
			}
			fmt.Println("Connected Clients:")
			for _, c := range clients {
				fmt.Println("- " + c)
			}
		} else {
			fmt.Println("Usage: list clients")
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status        - Show relay status")
		fmt.Println("  list clients  - List connected clients")
		fmt.Println("  exit          - Stop relay and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func relayCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show relay status and stats"},
		{Text: "list clients", Description: "List all connected client addresses"},
		{Text: "exit", Description: "Exit the relay"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.Flags().String("listen", "", "Address the relay listens on (default 0.0.0.0:8000)")
	relayCmd.Flags().Bool("advertise", true, "Advertise the relay over mDNS")
	relayCmd.Flags().BoolVarP(&relayInteractive, "interactive", "i", false, "Start in interactive mode")
}
