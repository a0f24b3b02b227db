// Package cmd implements the demo CLI entrypoint: delegates to Cobra's
// root command, mirroring the reference implementation's cmd/root.go
// structure.
package cmd

import (
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/llmcore/emelcore/core/batch"
	"github.com/llmcore/emelcore/core/bufalloc"
	"github.com/llmcore/emelcore/core/graph"
	"github.com/llmcore/emelcore/core/kvcache"
)

var (
	logLevel      string
	nTokens       int
	nUbatch       int
	splitMode     string
	kvSize        int
	nStream       int
	nPad          int
	nodeAllocSize int
	configPath    string
)

var rootCmd = &cobra.Command{
	Use:   "emelcore",
	Short: "Graph memory planner, KV cache, and batch pipeline demo",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sanitize and split a synthetic decode batch, then plan/allocate and reserve KV cells for it",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		requestID := uuid.New().String()
		log := logrus.WithField("request_id", requestID)

		var mode batch.Mode
		switch splitMode {
		case "simple":
			mode = batch.ModeSimple
		case "equal":
			mode = batch.ModeEqual
		case "seq":
			mode = batch.ModeSeq
		default:
			log.Fatalf("unknown split mode %q", splitMode)
		}

		log.Infof("sanitizing %d tokens", nTokens)
		sb, err := batch.NewSanitizer().Sanitize(batch.Request{NTokens: nTokens})
		if err != nil {
			log.Fatalf("sanitize: %v", err)
		}

		res, err := batch.NewSplitter().Split(sb, mode, nUbatch, false)
		if err != nil {
			log.Fatalf("split: %v", err)
		}
		log.Infof("split into %d micro-batches: sizes=%v outputs_total=%d", len(res.UbatchSizes), res.UbatchSizes, res.TotalOutputs)

		cache, err := kvcache.New(int32(kvSize), int32(nStream), int32(nPad))
		if err != nil {
			log.Fatalf("kvcache.New: %v", err)
		}
		if err := cache.Prepare(res.UbatchSizes, int32(kvSize)); err != nil {
			log.Fatalf("kvcache.Prepare: %v", err)
		}
		for k, size := range res.UbatchSizes {
			tokens := make([]kvcache.TokenMeta, size)
			for i := range tokens {
				var mask kvcache.SeqMask
				mask.Set(0)
				tokens[i] = kvcache.TokenMeta{Pos: int32(i), Mask: mask}
			}
			if err := cache.Apply(k, tokens); err != nil {
				log.Fatalf("kvcache.Apply(%d): %v", k, err)
			}
		}
		log.Infof("kv cache now holds %d tokens", cache.KVTokens)

		bufConfigs := map[int32]bufalloc.Config{0: {Alignment: 16, MaxSize: 0}}
		if configPath != "" {
			runCfg, err := loadRunConfig(configPath)
			if err != nil {
				log.Fatalf("%v", err)
			}
			if parsed := runCfg.toBufalloc(); len(parsed) > 0 {
				bufConfigs = parsed
			}
		}

		alloc := bufalloc.New()
		if err := alloc.Initialize(bufConfigs); err != nil {
			log.Fatalf("bufalloc.Initialize: %v", err)
		}
		g := syntheticGraph(int32(nodeAllocSize))
		if err := alloc.Reserve(g); err != nil {
			log.Fatalf("bufalloc.Reserve: %v", err)
		}
		if err := alloc.AllocGraph(g); err != nil {
			log.Fatalf("bufalloc.AllocGraph: %v", err)
		}
		size, err := alloc.BufferSize(0)
		if err != nil {
			log.Fatalf("bufalloc.BufferSize: %v", err)
		}
		log.Infof("planned buffer 0 at %d bytes", size)
	},
}

// syntheticGraph builds a minimal input->output graph to exercise the
// planner/allocator pipeline without requiring a real model loader.
func syntheticGraph(nodeSize int32) graph.View {
	noSrc := [graph.MaxSources]int32{-1, -1, -1, -1}
	src := noSrc
	src[0] = 0
	return graph.View{
		Leafs: []graph.TensorDesc{{TensorID: 0, AllocSize: 64, SrcIDs: noSrc, IsInput: true}},
		Nodes: []graph.TensorDesc{{TensorID: 1, AllocSize: nodeSize, SrcIDs: src, IsOutput: true}},
	}
}

// Execute runs the root command, exiting the process on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().IntVar(&nTokens, "tokens", 10, "Number of tokens in the synthetic decode batch")
	runCmd.Flags().IntVar(&nUbatch, "ubatch", 4, "Micro-batch token limit")
	runCmd.Flags().StringVar(&splitMode, "split", "simple", "Split mode: simple, equal, or seq")
	runCmd.Flags().IntVar(&kvSize, "kv-size", 64, "Total KV cache cells")
	runCmd.Flags().IntVar(&nStream, "kv-streams", 1, "Number of KV cache streams")
	runCmd.Flags().IntVar(&nPad, "kv-pad", 1, "KV cache slot alignment padding")
	runCmd.Flags().IntVar(&nodeAllocSize, "node-size", 256, "Synthetic graph output node size in bytes")
	runCmd.Flags().StringVar(&configPath, "config", "", "Optional YAML file with a buffers: [] list overriding the default single-buffer setup")

	rootCmd.AddCommand(runCmd)
}
