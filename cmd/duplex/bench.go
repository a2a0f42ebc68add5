package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/duplex/internal/device"
	"github.com/samcharles93/duplex/internal/engine"
	"github.com/samcharles93/duplex/internal/reshard"
)

func benchCmd() *cli.Command {
	var (
		sequences    int64
		promptTokens int64
		outputTokens int64
		runs         int64
	)

	flags := append(engineFlags(), loggingFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "sequences",
			Aliases:     []string{"n"},
			Usage:       "number of sequences per run",
			Value:       64,
			Destination: &sequences,
		},
		&cli.Int64Flag{
			Name:        "prompt-tokens",
			Usage:       "prompt length per sequence",
			Value:       128,
			Destination: &promptTokens,
		},
		&cli.Int64Flag{
			Name:        "output-tokens",
			Usage:       "tokens to generate per sequence",
			Value:       32,
			Destination: &outputTokens,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &runs,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Run a synthetic workload through the engine and report throughput",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyEngineConfig(cmd, cfg)
			econf := engineConfig()

			fmt.Println("=== duplex bench ===")
			fmt.Printf("Layouts:   prefill %s, decode %s\n", econf.LayoutPrefill, econf.LayoutDecode)
			fmt.Printf("Shape:     %d layers, %d heads, dim %d\n", econf.Shape.Layers, econf.Shape.Heads, econf.Shape.HeadDim)
			fmt.Printf("Buffer:    %d host slots, %d device KV\n", econf.HostSlots, econf.DeviceKVCapacity)
			fmt.Printf("Workload:  %d sequences x (%d prompt + %d output)\n", sequences, promptTokens, outputTokens)
			fmt.Printf("CPUs:      %d (GOMAXPROCS %d)\n", runtime.NumCPU(), runtime.GOMAXPROCS(0))
			fmt.Println()

			for run := int64(1); run <= runs; run++ {
				if err := benchRun(ctx, econf, int(run), int(sequences), int(promptTokens), int(outputTokens)); err != nil {
					return cli.Exit(fmt.Sprintf("error: run %d: %v", run, err), 1)
				}
			}
			return nil
		},
	}
}

func benchRun(ctx context.Context, econf engine.Config, run int, sequences, promptTokens, outputTokens int) error {
	eng, err := engine.New(
		econf,
		&device.SimKernel{},
		device.MemcpyTransfer{},
		reshard.NewSimStore(weightStoreBytes),
		buildLogger(),
	)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(runCtx) }()

	prompt := make([]int, promptTokens)
	for i := range prompt {
		prompt[i] = (run*7919 + i) % 32000
	}

	start := time.Now()
	ids := make([]string, sequences)
	for i := range ids {
		id, err := eng.Submit(ctx, prompt, outputTokens)
		if err != nil {
			return fmt.Errorf("submit sequence %d: %w", i, err)
		}
		ids[i] = id
	}

	for _, id := range ids {
		for {
			snap, err := eng.Poll(id)
			if err != nil {
				return err
			}
			if snap.Finished {
				if snap.Error != "" {
					return fmt.Errorf("sequence %s: %s", id, snap.Error)
				}
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}
	elapsed := time.Since(start)

	cancel()
	if err := <-runDone; err != nil {
		return err
	}

	st := eng.Status()
	total := sequences * outputTokens
	fmt.Printf("Run %d:  %s  %.0f tok/s  (%d batches, %d reshards, %d swap-outs, %d swap-ins)\n",
		run, elapsed.Round(time.Millisecond),
		float64(total)/elapsed.Seconds(),
		st.Metrics.Batches, st.Metrics.Reshards, st.Metrics.SwapOuts, st.Metrics.SwapIns)
	return nil
}
