// Command magnetget downloads a single magnet link to a directory and
// exits once the download completes: a minimal counterpart to cmd/torrent
// for scripting one-shot fetches.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexflint/go-arg"

	torrent "github.com/quietswarm/torrent"
)

var args struct {
	Magnet string `arg:"positional,required" help:"magnet uri to fetch"`
	Output string `arg:"-o,--output" default:"." help:"directory to save downloaded data in"`
}

func main() {
	arg.MustParse(&args)

	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = args.Output
	cfg.ResumeDBPath = filepath.Join(args.Output, "magnetget-resume.db")

	client, err := torrent.NewClient(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "magnetget: starting client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	loop, err := client.AddTorrentFromMagnet(args.Magnet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "magnetget: adding magnet: %v\n", err)
		os.Exit(1)
	}

	for !loop.Done() {
		time.Sleep(time.Second)
	}
	fmt.Println("magnetget: download complete")
}
