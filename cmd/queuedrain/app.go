package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/finch-technologies/queue-drain/config"
	"github.com/finch-technologies/queue-drain/deadletter"
	"github.com/finch-technologies/queue-drain/drain"
	"github.com/finch-technologies/queue-drain/encryption/kms"
	"github.com/finch-technologies/queue-drain/log"
	"github.com/finch-technologies/queue-drain/metrics"
	"github.com/finch-technologies/queue-drain/queue"
	"github.com/finch-technologies/queue-drain/sentry"
	"github.com/finch-technologies/queue-drain/store"
	"github.com/finch-technologies/queue-drain/tracing"
	"github.com/finch-technologies/queue-drain/utils"
)

const serviceName = "queue-drain"

type logFields struct {
	Service string
	SiteId  string
}

// app holds everything a command needs for one process lifetime.
type app struct {
	cfg       config.Config
	transport queue.DrainTransport
	store     store.Store
	drain     *drain.Drain
	metrics   *metrics.PrometheusCollector
	shutdown  []func(ctx context.Context) error
}

// newApp wires the configured transport, store and sinks into a drain.
// Anything already opened is closed again when a later step fails.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	log.SetDefault(log.New(ctx, logFields{Service: serviceName, SiteId: cfg.SiteIdentifier}))

	a := &app{cfg: cfg}
	if err := a.wire(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}

	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := &a.cfg

	if cfg.Aws.SecretKms != "" {
		cipher, err := kms.New(ctx, kms.KMSConfig{Region: cfg.Aws.Region, EndpointUrl: cfg.Aws.EndpointUrl})
		if err != nil {
			return err
		}
		if err := cfg.ResolveCredentials(ctx, cipher); err != nil {
			return err
		}
	}

	sentry.Init(sentry.Options{
		Dsn:         cfg.Sentry.Dsn,
		Environment: cfg.Environment,
		SampleRate:  cfg.Sentry.SampleRate,
	})

	shutdownTracing, err := tracing.Init(ctx, tracing.Options{
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: serviceName,
		SiteId:      cfg.SiteIdentifier,
	})
	if err != nil {
		return err
	}
	a.shutdown = append(a.shutdown, shutdownTracing)

	a.transport, err = queue.New(ctx, queue.QueueConfig{
		Driver:          queue.QueueDriver(cfg.Queue.Driver),
		Url:             cfg.Queue.Url,
		Region:          cfg.Aws.Region,
		AccessKeyId:     cfg.Aws.AccessKeyId,
		SecretAccessKey: cfg.Aws.SecretAccessKey,
		EndpointUrl:     cfg.Aws.EndpointUrl,
		RedisAddr:       cfg.Queue.RedisAddr,
		RedisPassword:   cfg.Queue.RedisPassword,
		RedisDb:         cfg.Queue.RedisDb,
		RedisQueueName:  cfg.Queue.RedisQueueName,
	})
	if err != nil {
		return err
	}
	if closer, ok := a.transport.(io.Closer); ok {
		a.shutdown = append(a.shutdown, func(context.Context) error { return closer.Close() })
	}

	a.store, err = store.New(ctx, store.StoreConfig{
		Driver:          store.StoreDriver(cfg.Store.Driver),
		Table:           cfg.Store.Table,
		DatabaseUrl:     cfg.Store.DatabaseUrl,
		RunMigrations:   cfg.Store.RunMigrations,
		Region:          cfg.Aws.Region,
		AccessKeyId:     cfg.Aws.AccessKeyId,
		SecretAccessKey: cfg.Aws.SecretAccessKey,
		EndpointUrl:     cfg.Aws.EndpointUrl,
	})
	if err != nil {
		return err
	}
	a.shutdown = append(a.shutdown, func(context.Context) error { return a.store.Close() })

	sink, err := deadletter.New(ctx, deadletter.Config{
		Driver:          deadletter.Driver(cfg.DeadLetter.Driver),
		Bucket:          cfg.DeadLetter.Bucket,
		Prefix:          cfg.DeadLetter.Prefix,
		Path:            cfg.DeadLetter.Path,
		Region:          cfg.Aws.Region,
		AccessKeyId:     cfg.Aws.AccessKeyId,
		SecretAccessKey: cfg.Aws.SecretAccessKey,
		EndpointUrl:     cfg.Aws.EndpointUrl,
	})
	if err != nil {
		return err
	}

	a.metrics, err = metrics.NewDrainCollector("queue_drain")
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	a.drain, err = drain.New(a.transport, a.store, drain.Options{
		MaxMessages:       cfg.Fetch.MaxMessages,
		MaxBatchPerCall:   cfg.Fetch.MaxBatchPerCall,
		VisibilityTimeout: cfg.Fetch.VisibilityTimeout,
		WaitTimeSeconds:   cfg.Fetch.WaitTimeSeconds,
		ShortPoll:         cfg.Fetch.WaitTimeSeconds == 0,
		Filter:            drain.SiteFilter(cfg.TenantAttribute, cfg.SiteIdentifier),
		DecodePolicy:      drain.DecodePolicy(cfg.DecodePolicy),
		DeadLetter:        sink,
		Metrics:           a.metrics,
	})
	if err != nil {
		return err
	}

	return nil
}

// runOnce performs a single cycle and reports stage failures to sentry. A
// panic inside the cycle is returned as an error so the run loop survives it.
func (a *app) runOnce(ctx context.Context) (drain.CycleResult, error) {
	var result drain.CycleResult
	var err error

	utils.TryCatch(func() {
		result, err = a.drain.Run(ctx)
	}, func(e error, stackTrace string) {
		log.ErrorStack(stackTrace, "drain cycle panicked: %v", e)
		err = fmt.Errorf("drain cycle panicked: %w", e)
	})

	if err != nil {
		sentry.CaptureException(err, map[string]string{
			"stage":  drain.Stage(err),
			"siteid": a.cfg.SiteIdentifier,
		})
	}
	return result, err
}

// loop runs a cycle every interval until ctx is cancelled. A cycle already
// in progress is allowed to finish so no delivery is left half handled.
func (a *app) loop(ctx context.Context, interval time.Duration) {
	for {
		if _, err := a.runOnce(context.WithoutCancel(ctx)); err != nil {
			log.Errorf("drain cycle failed: %v", err)
		}

		utils.Sleep(ctx, interval)
		if ctx.Err() != nil {
			return
		}
	}
}

// serve runs the drain loop next to the metrics server. When the metrics
// server fails the loop stops after its current cycle and the error is returned.
func (a *app) serve(ctx context.Context, addr string, interval time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metricsErr := make(chan error, 1)
	go func() {
		err := a.serveMetrics(ctx, addr)
		if err != nil {
			log.Errorf("stopping drain: %v", err)
			cancel()
		}
		metricsErr <- err
	}()

	a.loop(ctx, interval)
	cancel()

	return <-metricsErr
}

// serveMetrics exposes /metrics and /healthz until ctx is cancelled.
func (a *app) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.GetMetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go utils.Try(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}, log.Default())

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}

	return nil
}

func (a *app) close(ctx context.Context) {
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		if err := a.shutdown[i](ctx); err != nil {
			log.Warningf("shutdown: %v", err)
		}
	}
	sentry.Flush(2 * time.Second)
}

func pollInterval(cfg config.Config) time.Duration {
	return utils.DurationOrDefault(cfg.PollInterval, time.Minute)
}
