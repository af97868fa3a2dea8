package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"bitruisseau/p2p-media/peer"
	"bitruisseau/p2p-media/pkg/logger"
	"bitruisseau/p2p-media/pkg/protocol"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

var nodeInteractive bool

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Start a node sharing the local library",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Sugar.Infof("Starting node %s on %s bus, library %s", cfg.Node.Name, cfg.Bus.Kind, cfg.Library.Dir)
		a, err := startApp(ctx, cfg)
		if err != nil {
			return err
		}
		g := a.runBackground(ctx)

		if nodeInteractive {
			fmt.Println("BitRuisseau Node Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			sh := newShell(ctx, a, func() {
				stop()
				_ = g.Wait()
				_ = a.Close()
			})
			prompt.New(
				sh.execute,
				sh.complete,
				prompt.OptionPrefix(cfg.Node.Name+"> "),
				prompt.OptionTitle("BitRuisseau Node"),
			).Run()
			return nil
		}

		<-ctx.Done()
		logger.Sugar.Info("Stopping node...")
		err = g.Wait()
		if cerr := a.Close(); err == nil {
			err = cerr
		}
		return err
	},
}

// shell is the interactive command loop of a running node.
type shell struct {
	ctx      context.Context
	app      *app
	shutdown func()

	mu     sync.Mutex
	listed map[string][]protocol.SongDescriptor // peer -> catalog as last printed
}

func newShell(ctx context.Context, a *app, shutdown func()) *shell {
	return &shell{
		ctx:      ctx,
		app:      a,
		shutdown: shutdown,
		listed:   make(map[string][]protocol.SongDescriptor),
	}
}

func (s *shell) execute(in string) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping node...")
		s.shutdown()
		os.Exit(0)
	case "peers":
		fmt.Println(renderPeers(s.app.node.Presence().Peers()))
	case "refresh":
		if err := s.app.node.Presence().RequestPresence(s.ctx); err != nil {
			fmt.Printf("Error asking for peers: %v\n", err)
			return
		}
		fmt.Println("Presence request sent.")
	case "catalog":
		if len(blocks) < 2 {
			fmt.Println("Usage: catalog <peer>")
			return
		}
		s.catalog(blocks[1])
	case "import":
		if len(blocks) < 3 {
			fmt.Println("Usage: import <peer> <number|hash>")
			return
		}
		s.importSong(blocks[1], blocks[2])
	case "library":
		if err := s.app.lib.Refresh(); err != nil {
			fmt.Printf("Error scanning library: %v\n", err)
		}
		songs, _ := s.app.lib.ListDescriptors()
		fmt.Println(renderSongs(songs))
	case "status":
		songs, _ := s.app.lib.ListDescriptors()
		fmt.Println(renderStatus(s.app.node.Status(), s.app.lib.Dir(), len(songs)))
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  peers                  - List peers seen online")
		fmt.Println("  refresh                - Ask every peer to announce itself")
		fmt.Println("  catalog <peer>         - Fetch and show a peer's catalog")
		fmt.Println("  import <peer> <n|hash> - Import a song from a peer's catalog")
		fmt.Println("  library                - Rescan and show the local library")
		fmt.Println("  status                 - Show node status")
		fmt.Println("  exit                   - Stop node and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func (s *shell) catalog(peerID string) {
	songs, err := s.app.node.Catalogs().RequestCatalog(s.ctx, peerID)
	if err != nil {
		fmt.Printf("Error fetching catalog: %v\n", err)
		return
	}
	s.mu.Lock()
	s.listed[strings.ToLower(peerID)] = songs
	s.mu.Unlock()
	fmt.Println(renderSongs(songs))
}

// pick resolves a 1-based index into the last printed catalog, or a hash.
func (s *shell) pick(peerID, ref string) (protocol.SongDescriptor, error) {
	s.mu.Lock()
	songs, ok := s.listed[strings.ToLower(peerID)]
	s.mu.Unlock()

	if n, err := strconv.Atoi(ref); err == nil {
		if !ok {
			return protocol.SongDescriptor{}, fmt.Errorf("run 'catalog %s' first", peerID)
		}
		if n < 1 || n > len(songs) {
			return protocol.SongDescriptor{}, fmt.Errorf("no song number %d in the catalog of %s", n, peerID)
		}
		return songs[n-1], nil
	}
	for _, song := range songs {
		if protocol.SameHash(song.Hash, ref) {
			return song, nil
		}
	}
	return s.app.findSong(s.ctx, peerID, ref)
}

func (s *shell) importSong(peerID, ref string) {
	song, err := s.pick(peerID, ref)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	path, err := importWithProgress(s.ctx, s.app, song, peerID)
	if err != nil {
		return
	}
	fmt.Println("Saved to " + path)
}

func (s *shell) complete(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return s.completePeer(d)
	}
	suggestions := []prompt.Suggest{
		{Text: "peers", Description: "List peers seen online"},
		{Text: "refresh", Description: "Ask every peer to announce itself"},
		{Text: "catalog", Description: "Show a peer's catalog"},
		{Text: "import", Description: "Import a song"},
		{Text: "library", Description: "Show the local library"},
		{Text: "status", Description: "Show node status"},
		{Text: "exit", Description: "Exit the node"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(suggestions, d.GetWordBeforeCursor(), true)
}

// completePeer offers online peer ids as the first argument of catalog and import.
func (s *shell) completePeer(d prompt.Document) []prompt.Suggest {
	args := strings.Fields(d.TextBeforeCursor())
	if len(args) == 0 || (args[0] != "catalog" && args[0] != "import") {
		return nil
	}
	if len(args) > 2 || (len(args) == 2 && strings.HasSuffix(d.TextBeforeCursor(), " ")) {
		return nil
	}
	var suggestions []prompt.Suggest
	for _, id := range s.app.node.Presence().ListPeers() {
		suggestions = append(suggestions, prompt.Suggest{Text: id, Description: "online peer"})
	}
	return prompt.FilterHasPrefix(suggestions, d.GetWordBeforeCursor(), true)
}

// importWithProgress imports song and draws its progress on the terminal.
func importWithProgress(ctx context.Context, a *app, song protocol.SongDescriptor, peerID string) (string, error) {
	tracker := peer.NewImportTracker(song.Title, peerID, song.SizeBytes, a.cfg.Protocol.ChunkSize)
	renderer := peer.NewProgressRenderer(tracker, true)
	go renderer.Start()

	path, err := a.node.Transfers().Import(ctx, song, peerID, a.cfg.Library.ImportDir, tracker)
	renderer.Finish(err)
	return path, err
}

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.Flags().BoolVarP(&nodeInteractive, "interactive", "i", false, "Start in interactive mode")
}
