package cmd

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/llmcore/emelcore/core/bufalloc"
)

// BufferSpec is one buffer's configuration in a run config file.
type BufferSpec struct {
	ID        int32  `yaml:"id"`
	Alignment uint64 `yaml:"alignment"`
	MaxSize   uint64 `yaml:"max_size"`
}

// RunConfig is the optional --config file's structure: a list of buffer
// specs to pass to bufalloc.Initialize, read with strict field checking
// (a typo'd key is rejected rather than silently ignored).
type RunConfig struct {
	Buffers []BufferSpec `yaml:"buffers"`
}

func loadRunConfig(path string) (RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("cmd: load run config: %w", err)
	}
	var cfg RunConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return RunConfig{}, fmt.Errorf("cmd: parse run config %s: %w", path, err)
	}
	return cfg, nil
}

func (c RunConfig) toBufalloc() map[int32]bufalloc.Config {
	out := make(map[int32]bufalloc.Config, len(c.Buffers))
	for _, b := range c.Buffers {
		out[b.ID] = bufalloc.Config{Alignment: b.Alignment, MaxSize: b.MaxSize}
	}
	return out
}
