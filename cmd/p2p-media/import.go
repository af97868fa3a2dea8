package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	importPeer string
	importHash string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import one song from a peer and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if importPeer == "" || importHash == "" {
			return errors.New("both --peer and --hash are required")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := startApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		song, err := a.findSong(ctx, importPeer, importHash)
		if err != nil {
			return err
		}
		path, err := importWithProgress(ctx, a, song, importPeer)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().StringVarP(&importPeer, "peer", "p", "", "Peer id to import from")
	importCmd.Flags().StringVar(&importHash, "hash", "", "Hash of the song to import")
}
