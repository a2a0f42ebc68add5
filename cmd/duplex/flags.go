package main

import "github.com/urfave/cli/v3"

var (
	prefillTP     int64
	prefillPP     int64
	decodeTP      int64
	decodePP      int64
	dataParallel  int64
	layers        int64
	heads         int64
	headDim       int64
	hostSlots     int64
	deviceKV      int64
	tokensPerSlot int64
	prefetchRate  float64

	logLevel  string
	logFormat string
	debug     bool
)

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "prefill-tp",
			Usage:       "tensor-parallel degree for the prefill layout",
			Value:       2,
			Destination: &prefillTP,
		},
		&cli.Int64Flag{
			Name:        "prefill-pp",
			Usage:       "pipeline-parallel degree for the prefill layout",
			Value:       1,
			Destination: &prefillPP,
		},
		&cli.Int64Flag{
			Name:        "decode-tp",
			Usage:       "tensor-parallel degree for the decode layout",
			Value:       1,
			Destination: &decodeTP,
		},
		&cli.Int64Flag{
			Name:        "decode-pp",
			Usage:       "pipeline-parallel degree for the decode layout",
			Value:       2,
			Destination: &decodePP,
		},
		&cli.Int64Flag{
			Name:        "data-parallel",
			Aliases:     []string{"dp"},
			Usage:       "data-parallel degree, fixed for both layouts",
			Value:       1,
			Destination: &dataParallel,
		},
		&cli.Int64Flag{
			Name:        "layers",
			Usage:       "model layer count",
			Value:       8,
			Destination: &layers,
		},
		&cli.Int64Flag{
			Name:        "heads",
			Usage:       "attention head count",
			Value:       8,
			Destination: &heads,
		},
		&cli.Int64Flag{
			Name:        "head-dim",
			Usage:       "attention head dimension",
			Value:       16,
			Destination: &headDim,
		},
		&cli.Int64Flag{
			Name:        "host-slots",
			Usage:       "host KV buffer capacity in sequence slots",
			Value:       16,
			Destination: &hostSlots,
		},
		&cli.Int64Flag{
			Name:        "device-kv",
			Usage:       "per-device KV budget in sequences",
			Value:       16,
			Destination: &deviceKV,
		},
		&cli.Int64Flag{
			Name:        "tokens-per-slot",
			Usage:       "prompt tokens per host buffer slot",
			Value:       512,
			Destination: &tokensPerSlot,
		},
		&cli.Float64Flag{
			Name:        "prefetch-rate",
			Usage:       "swap-in pacing in float32 values per second (0 = unpaced)",
			Destination: &prefetchRate,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
