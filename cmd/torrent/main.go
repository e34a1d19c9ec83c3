// Command torrent runs a standalone BitTorrent client: add one or more
// .torrent files or magnet URIs on the command line, download (and seed)
// them until interrupted.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/anacrolix/log"
	"github.com/anacrolix/tagflag"
	"github.com/prometheus/client_golang/prometheus"

	torrent "github.com/quietswarm/torrent"
	"github.com/quietswarm/torrent/dashboard"
)

var flags = struct {
	DataDir      string `help:"directory torrent payload is written to"`
	ResumeDBPath string `help:"bbolt file resume records are persisted to"`
	ListenPort   int    `help:"tcp/utp listen port, 0 for an ephemeral port"`
	DisableUTP   bool   `help:"disable the uTP transport, TCP only"`
	DisableDHT   bool   `help:"disable the DHT peer-discovery node"`
	DisableUPnP  bool   `help:"disable UPnP port mapping"`
	Quiet        bool   `help:"discard the terminal dashboard, log only"`
	tagflag.StartPos
	Torrent []string `arity:"+" help:"torrent file path or magnet uri, repeatable"`
}{
	DataDir:      ".",
	ResumeDBPath: "resume.db",
}

func main() {
	tagflag.Parse(&flags)

	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = flags.DataDir
	cfg.ResumeDBPath = flags.ResumeDBPath
	cfg.ListenPort = flags.ListenPort
	cfg.DisableUTP = flags.DisableUTP
	cfg.DisableDHT = flags.DisableDHT
	cfg.DisableUPnP = flags.DisableUPnP
	cfg.Registerer = prometheus.DefaultRegisterer

	var sink dashboard.Sink
	if !flags.Quiet {
		sink = dashboard.NewTerminalSink(os.Stdout)
	}

	client, err := torrent.NewClient(cfg, sink)
	if err != nil {
		log.Default.Levelf(log.Error, "starting client: %v", err)
		os.Exit(1)
	}
	defer client.Close()

	for _, t := range flags.Torrent {
		if err := addTorrent(client, t); err != nil {
			log.Default.Levelf(log.Error, "adding %s: %v", t, err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

func addTorrent(client *torrent.Client, path string) error {
	if strings.HasPrefix(path, "magnet:") {
		_, err := client.AddTorrentFromMagnet(path)
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = client.AddTorrentFromFile(f)
	return err
}
