// Command zramtrain drives the zero-RAM LSTM training core end to end:
// shard a token corpus, allocate a weight catalog, and run epochs through
// trainer.Trainer.
package main

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dayson/ztrain/adam"
	"github.com/dayson/ztrain/dataset"
	"github.com/dayson/ztrain/eventsink"
	"github.com/dayson/ztrain/lstm"
	"github.com/dayson/ztrain/mathengine"
	"github.com/dayson/ztrain/mathengine/device"
	"github.com/dayson/ztrain/mathengine/host"
	"github.com/dayson/ztrain/swapstore"
	"github.com/dayson/ztrain/tensorstore"
	"github.com/dayson/ztrain/trainer"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		corpusPath  string
		sessionDir  string
		vocabSize   int
		embedSize   int
		hiddenSize  int
		seqLen      int
		batchSize   int
		padToken    int
		epochs      int
		useHostRef  bool
		seed        int64
		valFraction float64
	)

	cmd := &cobra.Command{
		Use:           "zramtrain",
		Short:         "Train a zero-RAM LSTM over a token corpus",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sink := eventsink.Default()
			sessionID := uuid.NewString()

			tokens, err := readTokens(corpusPath)
			if err != nil {
				return err
			}

			store, err := tensorstore.Open(filepath.Join(sessionDir, "tensors"))
			if err != nil {
				return err
			}
			swap, err := swapstore.Open(filepath.Join(sessionDir, "swap"))
			if err != nil {
				return err
			}

			var engine mathengine.Engine
			if useHostRef {
				engine = host.New()
			} else {
				engine = device.New(sink)
			}
			defer engine.Close()

			cfg := lstm.Config{
				VocabSize:     vocabSize,
				EmbeddingSize: embedSize,
				HiddenSize:    hiddenSize,
				OutputSize:    vocabSize,
			}

			catalog, err := lstm.New(store, engine, cfg, defaultInitializer, seed)
			if err != nil {
				return err
			}

			data, err := dataset.Open(filepath.Join(sessionDir, "dataset.blk"), seqLen)
			if err != nil {
				return err
			}
			if err := data.Initialize(tokens, vocabSize, int32(padToken), batchSize, valFraction); err != nil {
				return err
			}

			core, err := lstm.NewCore(store, swap, engine, cfg, sink)
			if err != nil {
				return err
			}

			opt := adam.New(store, engine)

			t := trainer.New(core, catalog, store, swap, engine, opt, data, cfg, sessionID, trainer.WithSink(sink))
			checkpointPath := filepath.Join(sessionDir, "model.json")
			return t.RunEpochs(epochs, checkpointPath, nil)
		},
	}

	cmd.Flags().StringVar(&corpusPath, "corpus", "", "path to a raw int32-token-per-4-bytes corpus file")
	cmd.Flags().StringVar(&sessionDir, "session-dir", "", "directory for tensors, swap files and checkpoints")
	cmd.Flags().IntVar(&vocabSize, "vocab-size", 256, "vocabulary size")
	cmd.Flags().IntVar(&embedSize, "embedding-size", 64, "embedding dimension")
	cmd.Flags().IntVar(&hiddenSize, "hidden-size", 128, "hidden state dimension")
	cmd.Flags().IntVar(&seqLen, "seq-len", 32, "BPTT sequence length (context)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 8, "pairs packed per dataset block")
	cmd.Flags().IntVar(&padToken, "pad-token", 0, "token id used to pad a corpus shorter than seq-len+1")
	cmd.Flags().Float64Var(&valFraction, "val-fraction", 0.1, "fraction of blocks reserved for validation")
	cmd.Flags().IntVar(&epochs, "epochs", 1, "number of epochs")
	cmd.Flags().BoolVar(&useHostRef, "host-engine", false, "use the gonum-backed reference engine instead of the device engine")
	cmd.Flags().Int64Var(&seed, "seed", 1, "weight init seed")
	cmd.MarkFlagRequired("corpus")
	cmd.MarkFlagRequired("session-dir")

	return cmd
}

// readTokens decodes a corpus file of little-endian int32 token ids.
func readTokens(path string) ([]int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tokens := make([]int32, len(data)/4)
	for i := range tokens {
		tokens[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return tokens, nil
}

// defaultInitializer is the weight initializer this command always passes
// to lstm.New: a Gaussian scaled by 1/(rows+cols), not an orthogonal/SVD
// init.
func defaultInitializer(rows, cols int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	scale := float32(1) / float32(rows+cols)
	out := make([][]float32, rows)
	for i := range out {
		row := make([]float32, cols)
		for j := range row {
			row[j] = float32(r.NormFloat64()) * scale
		}
		out[i] = row
	}
	return out
}
