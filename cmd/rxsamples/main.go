// Command rxsamples streams receive blocks from a card, checks
// timestamp continuity, and reports the spectral peak of the last
// block.
package main

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/rjboer/GoRFHost/block"
	"github.com/rjboer/GoRFHost/config"
	"github.com/rjboer/GoRFHost/internal/dsp"
	"github.com/rjboer/GoRFHost/radio"
	"github.com/rjboer/GoRFHost/transport"
)

var cli struct {
	Config  string `help:"Path to the HCL config file."`
	Verbose bool   `help:"Print debug output."`
	Blocks  int    `help:"Number of blocks to pull." default:"64"`
	Handle  int    `help:"Receive handle index." default:"0"`
	PPS     bool   `help:"Gate the start on the next 1PPS edge."`
	Out     string `help:"Write raw interleaved I/Q samples to this file."`
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
		opts = append(opts, radio.WithLoopback(transport.LoopbackConfig{
			SampleRate: cfg.Stream.SampleRate,
			BlockWords: cfg.Stream.BlockWords,
		}))
	}
	ctx, err := radio.Open(opts...)
	if err != nil {
		log.Fatal("open", "err", err)
	}
	defer ctx.Close()

	ids := ctx.Cards()
	if len(ids) == 0 {
		log.Fatal("no cards enumerated")
	}
	card, err := ctx.InitCard(ids[0], radio.LevelFull)
	if err != nil {
		log.Fatal("init", "card", ids[0], "err", err)
	}
	defer card.Exit()

	hdl := block.RxHandle(cli.Handle)
	if err := card.SetSampleRate(cfg.Stream.SampleRate); err != nil {
		log.Fatal("sample rate", "err", err)
	}
	if cfg.Stream.RxLO != 0 {
		if err := card.SetRxLO(hdl, cfg.Stream.RxLO); err != nil {
			log.Fatal("rx lo", "err", err)
		}
	}
	if err := card.SetRxGain(hdl, cfg.Stream.RxGain); err != nil {
		log.Fatal("rx gain", "err", err)
	}

	trig := radio.Immediate
	if cli.PPS {
		trig = radio.OnPPS
		log.Info("waiting for 1PPS edge")
	}
	if err := card.StartRx([]block.RxHandle{hdl}, trig, 0); err != nil {
		log.Fatal("start rx", "err", err)
	}

	var out *os.File
	if cli.Out != "" {
		out, err = os.Create(cli.Out)
		if err != nil {
			log.Fatal("output file", "err", err)
		}
		defer out.Close()
	}

	var (
		prevTS   uint64
		gaps     int
		lastIQ   []int16
		received int
	)
	for received < cli.Blocks {
		blk, err := card.ReceiveTimeout(5 * time.Second)
		if err != nil {
			log.Error("receive", "err", err)
			gaps++
			continue
		}
		if blk.Header.Handle != hdl {
			continue
		}
		if received > 0 && blk.Header.RFTimestamp != prevTS {
			log.Warn("timestamp gap", "expected", prevTS, "got", blk.Header.RFTimestamp)
			gaps++
		}
		prevTS = blk.Header.RFTimestamp + uint64(blk.PayloadWords())
		lastIQ = append(lastIQ[:0], blk.Samples...)
		if out != nil {
			if err := binary.Write(out, binary.LittleEndian, blk.Samples); err != nil {
				log.Fatal("write samples", "err", err)
			}
		}
		received++
	}

	if len(lastIQ) > 0 {
		n := len(lastIQ) / 2
		spec := dsp.NewAnalyzer(n).Spectrum(lastIQ)
		peak := dsp.PeakBin(spec)
		log.Info("spectral peak",
			"offset_hz", dsp.BinFrequency(peak, n, float64(cfg.Stream.SampleRate)),
			"level_dbfs", spec[peak],
		)
	}

	counters := card.Counters()
	log.Info("done",
		"blocks", received,
		"gaps", gaps,
		"delivered", counters.RxDelivered,
		"overruns", counters.RxOverruns,
	)
}
