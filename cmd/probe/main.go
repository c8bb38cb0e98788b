// Command probe enumerates reachable cards and prints their identity.
package main

import (
	"context"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/rjboer/GoRFHost/config"
	"github.com/rjboer/GoRFHost/radio"
	"github.com/rjboer/GoRFHost/transport"
)

var cli struct {
	Config   string        `help:"Path to the HCL config file."`
	Verbose  bool          `help:"Print debug output."`
	Discover time.Duration `help:"Also browse mDNS for cards for this long." default:"0"`
}

func main() {
	kong.Parse(&cli)
	if cli.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		log.Fatal("config", "err", err)
	}

	opts := []radio.Option{}
	if cfg.Card.Address != "" {
		opts = append(opts, radio.WithAddress(cfg.Card.Address))
	} else {
		opts = append(opts, radio.WithLoopback(transport.LoopbackConfig{}))
	}
	if cli.Discover > 0 || cfg.Card.Discover {
		timeout := cli.Discover
		if timeout == 0 {
			timeout = 3 * time.Second
		}
		opts = append(opts, radio.WithDiscovery(timeout))
	}

	ctx, err := radio.Open(opts...)
	if err != nil {
		log.Fatal("open", "err", err)
	}
	defer ctx.Close()

	for _, id := range ctx.Cards() {
		card, err := ctx.InitCard(id, radio.LevelBasic)
		if err != nil {
			log.Error("init", "card", id, "err", err)
			continue
		}
		caps := card.Capabilities()
		log.Info("card",
			"id", id,
			"serial", card.Serial(),
			"part", card.PartNumber(),
			"firmware", card.FirmwareVersion(),
			"rx_handles", len(caps.RxHandles),
			"tx_handles", len(caps.TxHandles),
			"synced_start", caps.SyncedStart,
			"pps", caps.PPS,
		)
		card.Exit()
	}

	if cfg.Card.SSHHost != "" {
		reader, err := transport.NewSSHInfoReader(transport.SSHInfoConfig{
			Host:    cfg.Card.SSHHost,
			User:    cfg.Card.SSHUser,
			KeyPath: cfg.Card.SSHKeyPath,
		})
		if err != nil {
			log.Fatal("ssh identity", "err", err)
		}
		defer reader.Close()
		info, err := reader.ReadInfo(context.Background())
		if err != nil {
			log.Error("ssh identity", "host", cfg.Card.SSHHost, "err", err)
			return
		}
		log.Info("ssh identity", "serial", info.Serial, "part", info.PartNumber, "firmware", info.FirmwareVersion)
	}
}
