// Command txsamples transmits a continuous tone, synchronously or
// through the asynchronous worker pool with completion callbacks.
package main

import (
	"sync"
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
	Config     string  `help:"Path to the HCL config file."`
	Verbose    bool    `help:"Print debug output."`
	Blocks     int     `help:"Number of blocks to transmit." default:"64"`
	ToneHz     float64 `help:"Tone offset from the LO in Hz." default:"100000"`
	Timestamps bool    `help:"Use timestamped flow control instead of immediate."`
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
	if cfg.Tx.Workers > 0 {
		opts = append(opts, radio.WithTxWorkers(cfg.Tx.Workers))
	}
	if cfg.Card.Address != "" {
		opts = append(opts, radio.WithAddress(cfg.Card.Address))
	} else {
		opts = append(opts, radio.WithLoopback(transport.LoopbackConfig{
			SampleRate: cfg.Stream.SampleRate,
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

	const hdl = block.TxA1
	if err := card.SetSampleRate(cfg.Stream.SampleRate); err != nil {
		log.Fatal("sample rate", "err", err)
	}
	if cfg.Stream.TxLO != 0 {
		if err := card.SetTxLO(hdl, cfg.Stream.TxLO); err != nil {
			log.Fatal("tx lo", "err", err)
		}
	}
	if err := card.SetTxAttenuation(hdl, cfg.Stream.TxAtten); err != nil {
		log.Fatal("tx attenuation", "err", err)
	}

	if cfg.Tx.Async {
		if err := card.SetTransferMode(radio.TransferAsync); err != nil {
			log.Fatal("transfer mode", "err", err)
		}
	}
	if cli.Timestamps {
		if err := card.SetFlowMode(radio.FlowTimestamps); err != nil {
			log.Fatal("flow mode", "err", err)
		}
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
		failed    int
	)
	if cfg.Tx.Async {
		err := card.RegisterTxCompleteCallback(func(status error, _ *block.TxBlock, user any) {
			mu.Lock()
			if status != nil {
				failed++
				log.Debug("completion", "block", user, "err", status)
			} else {
				completed++
			}
			mu.Unlock()
			wg.Done()
		})
		if err != nil {
			log.Fatal("callback", "err", err)
		}
	}

	if err := card.StartTx([]block.TxHandle{hdl}, radio.Immediate, 0); err != nil {
		log.Fatal("start tx", "err", err)
	}

	payloadWords := block.TxPacketIncrementWords - block.TxHeaderWords
	tone := dsp.Tone(payloadWords, cli.ToneHz, float64(cfg.Stream.SampleRate), 1800)
	ts := card.RFTimestamp() + uint64(cfg.Stream.SampleRate/10)

	sent := 0
	for i := 0; i < cli.Blocks; i++ {
		blk, err := block.NewTxBlock(payloadWords)
		if err != nil {
			log.Fatal("block", "err", err)
		}
		copy(blk.Data, tone)
		if cli.Timestamps {
			blk.Timestamp = ts
			ts += uint64(payloadWords)
		}

		if cfg.Tx.Async {
			wg.Add(1)
		}
		if err := card.Transmit(hdl, blk, i); err != nil {
			if cfg.Tx.Async {
				wg.Done()
			}
			log.Warn("transmit", "block", i, "err", err)
			time.Sleep(time.Millisecond)
			continue
		}
		sent++
	}
	if cfg.Tx.Async {
		wg.Wait()
	}

	counters := card.Counters()
	log.Info("done",
		"submitted", sent,
		"completed", completed,
		"failed", failed,
		"late", counters.TxLate,
		"underruns", counters.TxUnderruns,
	)
	if err := card.StopTx([]block.TxHandle{hdl}, radio.Immediate, 0); err != nil {
		log.Fatal("stop tx", "err", err)
	}
}
