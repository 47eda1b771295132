package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	servicebus "github.com/glimte/servicebus"
	"github.com/glimte/servicebus/config"
	"github.com/glimte/servicebus/contracts"
	"github.com/glimte/servicebus/health"
	"github.com/glimte/servicebus/internal/codec"
	"github.com/glimte/servicebus/messaging"
	"github.com/glimte/servicebus/metrics"
	rabbitmqTransport "github.com/glimte/servicebus/transports/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath string
	url        string
	queue      string
	verbose    bool
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "servicebus",
		Short: "Send, publish and consume messages on a service bus",
		Long: `servicebus is a command line client for a RabbitMQ backed service bus.
It can run a consuming endpoint, send and publish messages and issue requests.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML bus configuration")
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "RabbitMQ connection URL")
	rootCmd.PersistentFlags().StringVarP(&flags.queue, "queue", "q", "", "Queue this endpoint consumes from")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		runCommand(&flags),
		sendCommand(&flags),
		publishCommand(&flags),
		requestCommand(&flags),
		depthCommand(&flags),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(flags *globalFlags) (config.BusConfig, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.LoadFile(flags.configPath)
		if err != nil {
			return config.BusConfig{}, err
		}
		cfg = loaded
	}

	var overrides []config.Option
	if flags.url != "" {
		overrides = append(overrides, config.WithURL(flags.url))
	}
	if flags.queue != "" {
		overrides = append(overrides, config.WithQueue(flags.queue))
	}
	cfg = config.Merge(cfg, overrides...)
	return cfg, cfg.Validate()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// node is a started bus with the broker it runs on
type node struct {
	bus    *servicebus.Bus
	broker *rabbitmqTransport.Broker
	logger *slog.Logger
}

func (n *node) Close() error {
	return n.bus.Close(context.Background())
}

// startBus builds and initializes a RabbitMQ bus. The caller closes it.
func startBus(ctx context.Context, flags *globalFlags, options ...servicebus.Option) (*node, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger := newLogger(flags.verbose)

	broker, err := rabbitmqTransport.NewBroker(cfg, rabbitmqTransport.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	bus, err := servicebus.New(cfg, broker, append([]servicebus.Option{servicebus.WithLogger(logger)}, options...)...)
	if err != nil {
		return nil, err
	}
	if err := bus.Init(ctx); err != nil {
		_ = bus.Close(context.Background())
		return nil, fmt.Errorf("failed to initialize bus: %w", err)
	}
	return &node{bus: bus, broker: broker, logger: logger}, nil
}

func jsonMessage(body string) (*contracts.Message, error) {
	if body == "" {
		return &contracts.Message{}, nil
	}
	if !codec.Valid([]byte(body)) {
		return nil, errors.New("message body must be valid JSON")
	}
	return &contracts.Message{Body: []byte(body)}, nil
}

func runCommand(flags *globalFlags) *cobra.Command {
	var (
		metricsAddr      string
		types            []string
		reply            bool
		queueThreshold   int
		pendingThreshold int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume messages and log them until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			registry := prometheus.NewRegistry()
			collector := metrics.NewCollector(registry)
			if err := collector.Register(); err != nil {
				return fmt.Errorf("failed to register metrics: %w", err)
			}

			n, err := startBus(ctx, flags, servicebus.WithMetrics(collector))
			if err != nil {
				return err
			}
			bus, logger := n.bus, n.logger

			handler := messaging.HandlerFunc(func(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, r messaging.ReplyFunc) error {
				logger.Info("received message",
					"typeName", typeName,
					"messageId", headers.MessageID,
					"source", headers.SourceAddress,
					"retryCount", headers.RetryCount,
					"body", string(msg.Body),
				)
				if reply && headers.RequestMessageID != "" {
					return r(ctx, typeName+"Reply", msg)
				}
				return nil
			})

			if len(types) == 0 {
				types = []string{messaging.Wildcard}
			}
			for _, typeName := range types {
				if _, err := bus.AddHandler(ctx, typeName, handler); err != nil {
					_ = bus.Close(context.Background())
					return fmt.Errorf("failed to add handler for %s: %w", typeName, err)
				}
			}

			server := &http.Server{
				Addr:              metricsAddr,
				Handler:           serveMux(registry, healthRegistry(n, queueThreshold, pendingThreshold)),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "error", err)
				}
			}()

			logger.Info("consuming", "queue", bus.Address(), "types", types, "metrics", metricsAddr)
			<-ctx.Done()

			shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
			defer stop()
			_ = server.Shutdown(shutdownCtx)
			return bus.Close(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Address serving /metrics and /healthz")
	cmd.Flags().IntVar(&queueThreshold, "queue-threshold", 10000, "Queue depth reported as degraded")
	cmd.Flags().IntVar(&pendingThreshold, "pending-threshold", 1000, "Pending requests reported as degraded")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "Message types to handle (default all)")
	cmd.Flags().BoolVar(&reply, "reply", false, "Echo requests back as <type>Reply")
	return cmd
}

func healthRegistry(n *node, queueThreshold, pendingThreshold int) *health.Registry {
	registry := health.NewRegistry()
	registry.SetMetadata("queue", n.bus.Address())
	registry.SetMetadata("version", version)
	registry.Register(
		health.NewConnectionChecker(n.broker),
		health.NewQueueChecker(n.broker, n.bus.Address(), queueThreshold),
		health.NewRequestsChecker(n.bus, pendingThreshold),
		health.NewRuntimeChecker(0),
	)
	return registry
}

func serveMux(metricsRegistry *prometheus.Registry, healthRegistry *health.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.Handler(healthRegistry, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())
	return mux
}

func sendCommand(flags *globalFlags) *cobra.Command {
	var priority uint8

	cmd := &cobra.Command{
		Use:   "send <endpoint> <type> [json-body]",
		Short: "Send a message point-to-point",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := jsonMessage(optionalArg(args, 2))
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			n, err := startBus(ctx, flags)
			if err != nil {
				return err
			}
			defer n.Close()
			bus := n.bus

			return bus.Send(ctx, []string{args[0]}, args[1], msg, outgoingHeaders(priority))
		},
	}
	cmd.Flags().Uint8VarP(&priority, "priority", "p", 0, "Message priority")
	return cmd
}

func publishCommand(flags *globalFlags) *cobra.Command {
	var priority uint8

	cmd := &cobra.Command{
		Use:   "publish <type> [json-body]",
		Short: "Publish a message to every subscriber of its type",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := jsonMessage(optionalArg(args, 1))
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			n, err := startBus(ctx, flags)
			if err != nil {
				return err
			}
			defer n.Close()
			bus := n.bus

			return bus.Publish(ctx, args[0], msg, outgoingHeaders(priority))
		},
	}
	cmd.Flags().Uint8VarP(&priority, "priority", "p", 0, "Message priority")
	return cmd
}

func requestCommand(flags *globalFlags) *cobra.Command {
	var (
		endpoints []string
		expected  int
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "request <type> [json-body]",
		Short: "Send or publish a request and print the replies",
		Long: `Without --endpoint the request is published and --expected replies are
awaited; -1 collects every reply until the timeout. With --endpoint one reply
per endpoint is awaited.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := jsonMessage(optionalArg(args, 1))
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			n, err := startBus(ctx, flags)
			if err != nil {
				return err
			}
			defer n.Close()
			bus := n.bus

			var (
				mu    sync.Mutex
				count int
				done  = make(chan struct{})
			)
			want := expected
			if len(endpoints) > 0 {
				want = len(endpoints)
			}
			callback := func(ctx context.Context, reply *contracts.Message, headers *contracts.Headers, typeName string) {
				mu.Lock()
				defer mu.Unlock()
				count++
				fmt.Fprintf(cmd.OutOrStdout(), "%s from %s: %s\n", typeName, headers.SourceAddress, reply.Body)
				if want > 0 && count == want {
					close(done)
				}
			}

			var id string
			if len(endpoints) > 0 {
				id, err = bus.SendRequest(ctx, endpoints, args[0], msg, nil, timeout, callback)
			} else {
				id, err = bus.PublishRequest(ctx, args[0], msg, nil, expected, timeout, callback)
			}
			if err != nil {
				return err
			}
			if id == "" {
				return errors.New("request was vetoed by an outgoing filter")
			}

			select {
			case <-done:
			case <-time.After(timeout):
			case <-ctx.Done():
			}

			mu.Lock()
			defer mu.Unlock()
			if want > 0 && count < want {
				return fmt.Errorf("received %d of %d replies", count, want)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&endpoints, "endpoint", "e", nil, "Send to these endpoints instead of publishing")
	cmd.Flags().IntVarP(&expected, "expected", "n", 1, "Replies to wait for when publishing, -1 for all")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for replies")
	return cmd
}

func depthCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "depth <queue-name>...",
		Short: "Print the number of ready messages in queues",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			broker, err := rabbitmqTransport.NewBroker(cfg, rabbitmqTransport.WithLogger(newLogger(flags.verbose)))
			if err != nil {
				return err
			}
			if err := broker.Connect(ctx); err != nil {
				return err
			}
			defer broker.Close()

			for _, queue := range args {
				depth, err := broker.QueueDepth(ctx, queue)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %d\n", queue, depth)
			}
			return nil
		},
	}
}

func optionalArg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func outgoingHeaders(priority uint8) *contracts.Headers {
	headers := &contracts.Headers{}
	if priority > 0 {
		headers.SetPriority(priority)
	}
	return headers
}
