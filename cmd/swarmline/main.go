// Command swarmline downloads a single torrent, either headlessly or with
// an interactive Bubble Tea interface (SPEC_FULL §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mindsgn-studio/swarmline/internal/metainfo"
	"github.com/mindsgn-studio/swarmline/internal/resume"
	"github.com/mindsgn-studio/swarmline/internal/swarm"
	"github.com/mindsgn-studio/swarmline/internal/tracker"
	"github.com/mindsgn-studio/swarmline/internal/tui"
)

func main() {
	var (
		port        = flag.Uint("port", 6881, "TCP port to accept inbound peer connections on")
		bind        = flag.String("bind", "0.0.0.0", "local address to bind the listener to")
		downloadDir = flag.String("download-dir", "./downloads", "directory to write completed pieces into")
		resumeDB    = flag.String("resume-db", "./swarmline.db", "path to the SQLite resume-state database")
		daemon      = flag.Bool("daemon", false, "run headless instead of launching the TUI")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <torrent-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	torrentPath := flag.Arg(0)

	info, err := metainfo.Parse(torrentPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing torrent: %v\n", err)
		os.Exit(1)
	}

	resumeStore, err := resume.Open(*resumeDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening resume database: %v\n", err)
		os.Exit(1)
	}
	defer resumeStore.Close()

	trackerClient := tracker.NewClient(info.Announce)

	s, err := swarm.New(info, *downloadDir, trackerClient,
		swarm.WithListenPort(uint16(*port)),
		swarm.WithBindAddr(*bind),
		swarm.WithResumeStore(resumeStore),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initializing swarm: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error starting swarm: %v\n", err)
		os.Exit(1)
	}

	if *daemon {
		runDaemon(ctx, s)
	} else {
		runTUI(s)
	}
}

func runDaemon(ctx context.Context, s *swarm.Swarm) {
	fmt.Printf("starting download: %s\n", s.Name())
	fmt.Printf("pieces: %d\n", s.NumPieces())

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.NotifyComplete():
			fmt.Println("\ndownload complete")
			return
		case err := <-s.NotifyError():
			fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
		case <-ticker.C:
			fmt.Printf("\rprogress: %.1f%% | downloaded: %d bytes | peers: %d",
				s.Progress()*100, s.Downloaded(), s.PeerCount())
		}
	}
}

func runTUI(s *swarm.Swarm) {
	model := tui.NewModel()
	model.AddSwarm(s.Name(), s)

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error running TUI: %v\n", err)
		os.Exit(1)
	}
}
