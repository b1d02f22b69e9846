// Command fluency-listen runs the live quiz: it listens on the configured
// capture device, transcribes each utterance and prints the category terms
// found so far.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-fluency/internal/config"
	"github.com/loqalabs/loqa-fluency/internal/runtime"
	"github.com/loqalabs/loqa-fluency/internal/stream"
	"github.com/loqalabs/loqa-fluency/internal/stt"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		category    string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "fluency.yaml", "Path to configuration file")
	flag.StringVar(&category, "category", "animals", "Vocabulary category to score against")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, category); err != nil {
		fmt.Fprintf(os.Stderr, "fluency-listen: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, category string) error {
	logger := runtime.NewLogger(cfg.Telemetry)

	vocab, matcher, err := runtime.NewVocabulary(cfg.Keywords)
	if err != nil {
		return err
	}
	terms, err := vocab.Terms(category)
	if err != nil {
		return fmt.Errorf("%w (available: %s)", err, strings.Join(vocab.Categories(), ", "))
	}

	chain, err := runtime.NewDecodeChain(cfg.Decode, logger)
	if err != nil {
		return err
	}
	recognizer, closeRecognizer, err := runtime.NewRecognizer(cfg.STT)
	if err != nil {
		return err
	}
	defer closeRecognizer()
	scheduler := stt.NewScheduler(recognizer, chain, logger)

	classifier, err := runtime.NewClassifier(cfg.VAD)
	if err != nil {
		return err
	}

	embedded, busClient, err := runtime.ConnectBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()
	defer busClient.Close()

	source, err := runtime.NewCaptureSource(ctx, cfg.Capture)
	if err != nil {
		return err
	}
	defer source.Close()

	streamCfg, err := runtime.StreamConfig(cfg, category, terms)
	if err != nil {
		return err
	}
	pipeline := stream.New(streamCfg, source, classifier, scheduler, matcher, busClient, logger)
	pipeline.OnResult(func(res stream.Result) {
		if res.Text == "" {
			return
		}
		fmt.Println(resultLine(res))
	})

	fmt.Printf("類別: %s (%d 個詞), 請開始說話, Ctrl+C 結束\n", vocab.Label(category), terms.Len())
	logger.Info("listening",
		slog.String("session_id", pipeline.SessionID()),
		slog.String("category", category),
		slog.String("capture", cfg.Capture.Mode))

	if err := pipeline.Run(ctx); err != nil {
		return err
	}

	answered := pipeline.Answered()
	fmt.Printf("\n總計 %d 個: %s\n", len(answered), strings.Join(answered, "、"))
	if dropped := pipeline.Dropped(); dropped > 0 {
		logger.Warn("segments dropped under load", slog.Int64("dropped", dropped))
	}
	return nil
}

// resultLine renders one transcribed utterance: what was heard, any newly
// credited terms and the running total.
func resultLine(res stream.Result) string {
	line := fmt.Sprintf("辨識: %s", res.Text)
	if len(res.NewlyFound) > 0 {
		line += fmt.Sprintf(" | 新答對: %s", strings.Join(res.NewlyFound, "、"))
	}
	return line + fmt.Sprintf(" | 累計 %d", res.Total)
}
