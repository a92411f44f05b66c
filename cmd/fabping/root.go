package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/rocketbitz/fabrpc/codec"
	"github.com/rocketbitz/fabrpc/config"
	"github.com/rocketbitz/fabrpc/fabric/sockets"
	"github.com/rocketbitz/fabrpc/transport"
)

const version = "0.3.0"

var (
	cfg    *config.Config
	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "fabping",
		Short: "fabrpc echo server and latency probe",
		Long: fmt.Sprintf(`fabping (v%s)

Serves and exercises fabrpc request/response connections over the TCP
sockets provider. Settings come from flags, FABRPC_* environment variables,
.env files and an optional YAML config file, in that order of precedence.`, version),
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of fabping",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("fabping v%s\n", version)
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd, pingCmd, versionCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to a YAML config file")
	flags.Bool("debug", false, "enable development logging at debug level")
	flags.String("address", "127.0.0.1:7471", "TCP address to serve on or dial")
	flags.String("metrics-address", "", "expose /metrics on this address when set")
	flags.String("metrics-backend", config.MetricsPrometheus, "metrics exporter (prometheus, victoria)")
	flags.String("name", "", "transport name used in logs and metrics")
	flags.Int("max-message-size", transport.DefaultMaxMessageSize, "largest encoded message in bytes")
	flags.Int("completion-queue-capacity", transport.DefaultCompletionQueueCapacity, "buffered completions per queue")
	flags.Int("receive-credits", transport.DefaultReceiveCredits, "receives kept posted at all times")
	flags.Int("region-pool-capacity", transport.DefaultRegionPoolCapacity, "idle send regions kept for reuse (negative disables pooling)")
	flags.String("compression", "none", "payload compression (none, zstd, lz4)")
	flags.Int("compression-min-size", codec.DefaultMinCompressSize, "smallest payload worth compressing")
	flags.Duration("call-timeout", transport.DefaultCallTimeout, "deadline applied to calls without one")
	flags.Int("workers", transport.DefaultWorkers, "concurrent request handlers per connection")
	flags.Bool("reply-on-error", false, "answer failed requests with an empty response")
	flags.Int("registration-limit", 0, "cap on live memory registrations per connection (0 is unlimited)")
}

// setup loads .env files and configuration, then builds the logger.
func setup(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	path, _ := cmd.Flags().GetString("config")
	loaded, err := config.Load(path, cmd.Flags())
	if err != nil {
		return err
	}
	cfg = loaded

	if cfg.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	return nil
}

func socketOptions() []sockets.Option {
	return []sockets.Option{
		sockets.WithLogger(logger.Named("sockets")),
		sockets.WithRegistrationLimit(cfg.RegistrationLimit),
		sockets.WithMaxFrame(cfg.MaxMessageSize),
	}
}

// instrument fills the observability hooks of tc.
func instrument(tc *transport.Config, hook transport.MetricHook) {
	tc.StructuredLogger = logger.Sugar()
	tc.Tracer = transport.NewOTelTracer(otel.Tracer("github.com/rocketbitz/fabrpc/cmd/fabping"))
	tc.Metrics = hook
}

// newMetrics builds the configured metric hook and the handler that exports it.
func newMetrics() (transport.MetricHook, http.Handler, error) {
	switch strings.ToLower(cfg.MetricsBackend) {
	case config.MetricsVictoria:
		vm := transport.NewVictoriaMetrics(transport.VictoriaMetricsOptions{})
		handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			vm.WritePrometheus(w)
			metrics.WriteProcessMetrics(w)
		})
		return vm, handler, nil
	default:
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		hook, err := transport.NewPrometheusMetrics(transport.PrometheusMetricsOptions{Registerer: reg})
		if err != nil {
			return nil, nil, err
		}
		return hook, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
	}
}
