package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/duplex/internal/engine"
	"github.com/samcharles93/duplex/internal/kv"
	"github.com/samcharles93/duplex/internal/layout"
	"github.com/samcharles93/duplex/internal/logger"
)

// Config represents the configuration file (~/.config/duplex/config.yaml).
// File values apply only where the corresponding CLI flag was not set.
type Config struct {
	Engine engine.Config `yaml:"engine"`

	ServerAddress string `yaml:"server_address"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "duplex", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or doesn't parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyEngineConfig merges file defaults under the engine flags.
func applyEngineConfig(c *cli.Command, cfg Config) {
	fe := cfg.Engine
	if fe.LayoutPrefill.TensorParallel > 0 && !c.IsSet("prefill-tp") {
		prefillTP = int64(fe.LayoutPrefill.TensorParallel)
	}
	if fe.LayoutPrefill.PipelineParallel > 0 && !c.IsSet("prefill-pp") {
		prefillPP = int64(fe.LayoutPrefill.PipelineParallel)
	}
	if fe.LayoutDecode.TensorParallel > 0 && !c.IsSet("decode-tp") {
		decodeTP = int64(fe.LayoutDecode.TensorParallel)
	}
	if fe.LayoutDecode.PipelineParallel > 0 && !c.IsSet("decode-pp") {
		decodePP = int64(fe.LayoutDecode.PipelineParallel)
	}
	if fe.LayoutPrefill.DataParallel > 0 && !c.IsSet("data-parallel") && !c.IsSet("dp") {
		dataParallel = int64(fe.LayoutPrefill.DataParallel)
	}
	if fe.Shape.Layers > 0 && !c.IsSet("layers") {
		layers = int64(fe.Shape.Layers)
	}
	if fe.Shape.Heads > 0 && !c.IsSet("heads") {
		heads = int64(fe.Shape.Heads)
	}
	if fe.Shape.HeadDim > 0 && !c.IsSet("head-dim") {
		headDim = int64(fe.Shape.HeadDim)
	}
	if fe.HostSlots > 0 && !c.IsSet("host-slots") {
		hostSlots = int64(fe.HostSlots)
	}
	if fe.DeviceKVCapacity > 0 && !c.IsSet("device-kv") {
		deviceKV = int64(fe.DeviceKVCapacity)
	}
	if fe.TokensPerSlot > 0 && !c.IsSet("tokens-per-slot") {
		tokensPerSlot = int64(fe.TokensPerSlot)
	}
	if fe.PrefetchRate > 0 && !c.IsSet("prefetch-rate") {
		prefetchRate = fe.PrefetchRate
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// engineConfig assembles the engine configuration from the resolved flags.
func engineConfig() engine.Config {
	return engine.Config{
		LayoutPrefill: layout.Layout{
			TensorParallel:   int(prefillTP),
			PipelineParallel: int(prefillPP),
			DataParallel:     int(dataParallel),
		},
		LayoutDecode: layout.Layout{
			TensorParallel:   int(decodeTP),
			PipelineParallel: int(decodePP),
			DataParallel:     int(dataParallel),
		},
		Shape: kv.Shape{
			Layers:  int(layers),
			Heads:   int(heads),
			HeadDim: int(headDim),
		},
		HostSlots:        int(hostSlots),
		DeviceKVCapacity: int(deviceKV),
		TokensPerSlot:    int(tokensPerSlot),
		PrefetchRate:     prefetchRate,
	}
}

func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.Default()
	default:
		return logger.Pretty(os.Stderr, level)
	}
}
