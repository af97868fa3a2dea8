package main

import (
	"fmt"

	"bitruisseau/p2p-media/pkg/library"

	"github.com/spf13/cobra"
)

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "Print the catalog of the local library",
	RunE: func(cmd *cobra.Command, args []string) error {
		lib, err := library.Open(library.Options{
			Dir:        cfg.Library.Dir,
			Extensions: cfg.Library.Extensions,
			HashCache:  cfg.Library.HashCache,
		})
		if err != nil {
			return err
		}
		defer lib.Close()

		songs, err := lib.ListDescriptors()
		if err != nil {
			return err
		}
		fmt.Println(renderSongs(songs))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(libraryCmd)
}
