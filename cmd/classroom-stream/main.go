// Command classroom-stream wires a live classroom speech stream into the
// pipeline: captures one microphone channel with malgo, feeds it to the ASR
// session, and lets the Pipeline Orchestrator carry fragments through to
// translated display segments on the event bus.
//
// Grounded on the teacher's cmd/agent/main.go: .env loading, env-var
// provider selection, a malgo capture device, and a Ctrl+C shutdown — here
// capture-only (no duplex/playback loop, since nothing in this system
// synthesizes audio back into the room) and wired to Pipeline instead of
// Orchestrator/ManagedStream.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/classbridge-ai/stream-interpreter/pkg/asr"
	"github.com/classbridge-ai/stream-interpreter/pkg/bus"
	"github.com/classbridge-ai/stream-interpreter/pkg/domain"
	"github.com/classbridge-ai/stream-interpreter/pkg/pipeline"
	"github.com/classbridge-ai/stream-interpreter/pkg/translate"
)

const sampleRate = 16000

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("note: no .env file found, using system environment variables")
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()
	logger := zapLogger{zlog.Sugar()}

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	otel.SetTracerProvider(tp)

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if deepgramKey == "" {
		log.Fatal("error: DEEPGRAM_API_KEY must be set")
	}

	sourceLang := domain.Language(os.Getenv("SOURCE_LANGUAGE"))
	if sourceLang == "" {
		sourceLang = "en"
	}
	targetLang := domain.Language(os.Getenv("TARGET_LANGUAGE"))
	if targetLang == "" {
		targetLang = "es"
	}

	translator := selectTranslator(os.Getenv("TRANSLATION_PROVIDER"))

	b := bus.New(nil)
	logStatusAndErrors(b, logger)

	cfg := pipeline.Config{
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
		ASR: asr.Config{
			Host:             deepgramHost(),
			APIKey:           deepgramKey,
			Model:            "nova-2",
			SourceLanguage:   sourceLang,
			SupportsLanguage: deepgramSupports,
			SampleRate:       sampleRate,
			Endpointing:      300,
			UtteranceEndMs:   1000,
			SmartFormat:      true,
			Punctuate:        true,
		},
		Translator: translator,
	}

	p := pipeline.New(b, cfg, logger)

	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	go serveMetrics(metricsAddr, logger)

	ctx := context.Background()
	if err := p.Start(ctx, "session-1"); err != nil {
		log.Fatalf("failed to start pipeline: %v", err)
	}
	logger.Info("classroom stream started", "source", sourceLang, "target", targetLang)

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatalf("failed to init audio context: %v", err)
	}
	defer mctx.Uninit()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = sampleRate

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if len(pInput) == 0 {
			return
		}
		frame := make([]byte, len(pInput))
		copy(frame, pInput)
		if err := p.SendAudio(ctx, frame); err != nil {
			logger.Warn("failed to forward audio frame", "error", err)
		}
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatalf("failed to init capture device: %v", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatalf("failed to start capture device: %v", err)
	}
	fmt.Println("listening on microphone, press Ctrl+C to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Println("shutting down...")
	stopCtx, cancel := context.WithTimeout(context.Background(), pipeline.DefaultStopGrace+time.Second)
	defer cancel()
	if err := p.Stop(stopCtx, "session-1"); err != nil {
		logger.Error("error stopping pipeline", "error", err)
	}
}

func selectTranslator(name string) translate.Translator {
	switch name {
	case "openai":
		key := mustEnv("OPENAI_API_KEY")
		return translate.NewOpenAITranslator(key, "")
	case "google":
		key := mustEnv("GOOGLE_API_KEY")
		return translate.NewGoogleTranslator(key, "")
	case "anthropic":
		fallthrough
	default:
		key := mustEnv("ANTHROPIC_API_KEY")
		return translate.NewAnthropicTranslator(key, "")
	}
}

func mustEnv(name string) string {
	v := os.Getenv(name)
	if v == "" {
		log.Fatalf("error: %s must be set", name)
	}
	return v
}

func deepgramHost() string {
	if h := os.Getenv("DEEPGRAM_HOST"); h != "" {
		return h
	}
	return "api.deepgram.com"
}

// deepgramSupports is a conservative allowlist of languages Deepgram's
// nova-2 model serves natively; anything else falls back to the
// multilingual token (unset here, so unsupported languages fail fast
// during BuildURL rather than silently mis-transcribing).
func deepgramSupports(l domain.Language) bool {
	switch l {
	case "en", "es", "fr", "de", "it", "pt", "nl", "ja", "ko", "zh", "hi", "ru":
		return true
	default:
		return false
	}
}

func serveMetrics(addr string, logger domain.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server exited", "error", err)
	}
}

func logStatusAndErrors(b *bus.Bus, logger domain.Logger) {
	ch, _ := b.Subscribe()
	go func() {
		for ev := range ch {
			switch ev.Kind {
			case bus.KindStatus:
				status := ev.Payload.(bus.StatusPayload)
				logger.Info("status", "state", status.State)
			case bus.KindError:
				errPayload := ev.Payload.(bus.ErrorPayload)
				if errPayload.Fatal {
					logger.Error("fatal error", "code", errPayload.Code, "message", errPayload.Message)
				} else {
					logger.Warn("recoverable error", "code", errPayload.Code, "message", errPayload.Message)
				}
			}
		}
	}()
}

// zapLogger adapts zap's sugared logger to domain.Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (z zapLogger) Debug(msg string, args ...interface{}) { z.s.Debugw(msg, args...) }
func (z zapLogger) Info(msg string, args ...interface{})  { z.s.Infow(msg, args...) }
func (z zapLogger) Warn(msg string, args ...interface{})  { z.s.Warnw(msg, args...) }
func (z zapLogger) Error(msg string, args ...interface{}) { z.s.Errorw(msg, args...) }
