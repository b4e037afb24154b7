package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/arrowsink"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/monitoring"
	"github.com/23skdu/longbow-bodkin/internal/search"
)

var (
	prompt      = flag.String("prompt", "1 2 3", "Space-separated prompt token IDs")
	maxLength   = flag.Int("max-length", 32, "Maximum sequence length including the prompt")
	numBeams    = flag.Int("beams", 1, "Number of beams (1 selects greedy decode)")
	numReturn   = flag.Int("return", 1, "Number of sequences to return per batch element")
	vocabSize   = flag.Int("vocab", 256, "Vocabulary size of the toy model")
	minLength   = flag.Int("min-length", 0, "Minimum length before eos is allowed")
	repPenalty  = flag.Float64("rep-penalty", 1.0, "Repetition penalty (1.0 disables)")
	seed        = flag.Int64("seed", 42, "Toy model seed")
	metricsAddr = flag.String("metrics", ":9090", "Address to serve health and Prometheus metrics")
	flightAddr  = flag.String("flight", "", "Optional Arrow Flight address to publish results to")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (json, console)")
)

// toyModel emits deterministic pseudo-logits so the decode loop can run
// without real model weights.
type toyModel struct {
	stream *device.Stream
	vocab  int
	eos    int32
	rng    *rand.Rand
}

func (m *toyModel) Forward(tokens *device.IntBuffer, inputLength int) *device.FloatBuffer {
	rows := tokens.Dims()[0]
	logits := device.NewFloatBuffer("toy_logits", rows, 1, m.vocab)
	raw := make([]float32, rows*m.vocab)
	for r := 0; r < rows; r++ {
		for v := 0; v < m.vocab; v++ {
			raw[r*m.vocab+v] = m.rng.Float32() * 4
		}
		// Make eos increasingly attractive as sequences grow.
		raw[r*m.vocab+int(m.eos)] += float32(inputLength) * 0.2
	}
	logits.CopyFromHost(m.stream, raw)
	return logits
}

func parsePrompt(s string) ([]int32, error) {
	var ids []int32
	for _, f := range strings.Fields(s) {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid prompt token %q: %w", f, err)
		}
		ids = append(ids, int32(id))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("empty prompt")
	}
	return ids, nil
}

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log.With("bodkin")

	cfg := config.Default()
	cfg.MetricsAddr = *metricsAddr
	cfg.FlightAddr = *flightAddr
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.MaxLength = *maxLength
	cfg.NumBeams = *numBeams
	cfg.NumReturnBeams = *numReturn
	cfg.MinLength = *minLength
	cfg.RepetitionPenalty = float32(*repPenalty)
	cfg.VocabSize = *vocabSize
	cfg.EOSTokenID = *vocabSize - 1
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", "error", err)
	}

	promptIDs, err := parsePrompt(*prompt)
	if err != nil {
		log.Fatal("invalid prompt", "error", err)
	}
	for _, id := range promptIDs {
		if int(id) < 0 || int(id) >= cfg.VocabSize {
			log.Fatal("prompt token outside vocabulary", "token", id, "vocab", cfg.VocabSize)
		}
	}

	hm := monitoring.NewHealthMonitor()
	go func() {
		if err := hm.Start(cfg.MetricsAddr); err != nil {
			log.Warn("health monitor stopped", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	stream := device.NewStreamWithDepth(cfg.StreamDepth)
	defer stream.Close()

	model := &toyModel{
		stream: stream,
		vocab:  cfg.VocabSize,
		eos:    int32(cfg.EOSTokenID),
		rng:    rand.New(rand.NewSource(*seed)),
	}

	var procs []search.Processor
	if cfg.MinLength > 0 {
		procs = append(procs, search.MinLength{Min: cfg.MinLength})
	}
	if cfg.RepetitionPenalty != 1.0 {
		procs = append(procs, search.RepetitionPenalty{Penalty: cfg.RepetitionPenalty})
	}

	params := search.Params{
		BatchSize:      1,
		NumBeams:       cfg.NumBeams,
		SequenceLength: len(promptIDs),
		MaxLength:      cfg.MaxLength,
		VocabSize:      cfg.VocabSize,
		EOSTokenID:     int32(cfg.EOSTokenID),
		PadTokenID:     int32(cfg.PadTokenID),
		InputIDs:       promptIDs,
		LengthPenalty:  cfg.LengthPenalty,
		EarlyStopping:  cfg.EarlyStopping,
		Stream:         stream,
	}

	s, err := search.New(params, procs...)
	if err != nil {
		log.Fatal("failed to create search", "error", err)
	}
	defer s.Close()

	log.Info("starting decode", "prompt_len", len(promptIDs),
		"max_length", cfg.MaxLength, "num_beams", cfg.NumBeams)

	start := time.Now()
	steps := 0
	interrupted := false
decode:
	for !s.IsDone() {
		select {
		case <-sigChan:
			log.Warn("interrupt received, stopping decode")
			interrupted = true
			break decode
		default:
		}

		stepStart := time.Now()
		logits := model.Forward(s.Sequences().CurrentDeviceSequences(), s.Sequences().SequenceLength())
		s.Step(logits)
		logits.Free()
		steps++
		hm.RecordStep(cfg.NumBeams, time.Since(stepStart))
	}
	stream.Synchronize()
	hm.RecordDeviceMemory(device.AllocatedBytes())

	duration := time.Since(start)
	log.Info("decode complete", "steps", steps,
		"final_length", s.Sequences().SequenceLength(),
		"duration", duration.String(),
		"tokens_per_sec", fmt.Sprintf("%.2f", float64(steps)/duration.Seconds()))

	var gens []arrowsink.Generation
	if cfg.IsBeamSearch() && !interrupted {
		out := make([]int32, cfg.NumReturnBeams*cfg.MaxLength)
		scores := make([]float32, cfg.NumReturnBeams)
		if err := s.Finalize(cfg.NumReturnBeams, out, scores); err != nil {
			log.Fatal("finalize failed", "error", err)
		}
		for r := 0; r < cfg.NumReturnBeams; r++ {
			seq := out[r*cfg.MaxLength : (r+1)*cfg.MaxLength]
			fmt.Printf("beam %d (score %.4f): %v\n", r, scores[r], seq)
			gens = append(gens, arrowsink.Generation{
				Batch:  0,
				Rank:   int32(r),
				Score:  scores[r],
				Tokens: append([]int32(nil), seq...),
			})
		}
	} else {
		seqs := s.Sequences()
		seqs.SyncToHost(stream)
		seq := seqs.Sequence(0)
		fmt.Printf("greedy: %v\n", seq)
		gens = append(gens, arrowsink.Generation{
			Batch:  0,
			Rank:   0,
			Tokens: append([]int32(nil), seq...),
		})
	}

	if cfg.FlightAddr != "" && !interrupted {
		pub, err := arrowsink.NewPublisher(cfg.FlightAddr)
		if err != nil {
			log.Fatal("failed to connect to Flight server", "error", err)
		}
		defer pub.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pub.Publish(ctx, gens); err != nil {
			log.Fatal("failed to publish generations", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	hm.Stop(ctx)
}
