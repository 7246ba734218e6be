package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/subgate/subgate/internal/config"
	"github.com/subgate/subgate/internal/db"
	"github.com/subgate/subgate/internal/esp"
	"github.com/subgate/subgate/internal/gateway"
	"github.com/subgate/subgate/internal/health"
	"github.com/subgate/subgate/internal/ledger"
	"github.com/subgate/subgate/internal/logging"
	"github.com/subgate/subgate/internal/metrics"
	"github.com/subgate/subgate/internal/newsletter"
	"github.com/subgate/subgate/internal/subscriber"
	"github.com/subgate/subgate/internal/task"
	"github.com/subgate/subgate/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	logger := logging.New("worker")

	shutdown, err := tracing.InitTracing(ctx, "subgate-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("db schema failed")
	}

	publisher, err := task.NewNSQPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.TasksTopic, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer publisher.Stop()

	registry := newsletter.NewRegistry(newsletter.NewPGSource(pool))
	espClient := esp.NewRESTClient(cfg.ESP, registry, logger)
	svc := gateway.NewService(registry, espClient, subscriber.NewPGStore(pool), espClient.ListNames(), logger)
	led := ledger.New(ledger.NewPGStore(pool), publisher, logger)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Handler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	conf := nsq.NewConfig()
	conf.MaxInFlight = 100
	conf.MaxAttempts = 0 // attempts bounded by our own retry policy
	consumer, err := nsq.NewConsumer(cfg.NSQ.TasksTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	w := &worker{svc: svc, ledger: led, retry: cfg.Retry, logger: logger}

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse() // we manually requeue or finish
		defer func() {
			if !m.HasResponded() {
				logger.Plain().Warn("message had no response, finishing")
				m.Finish()
			}
		}()
		w.handle(ctx, m)
		return nil
	}))

	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("nsq lookupd connect failed")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker stopped")
}

type worker struct {
	svc    *gateway.Service
	ledger *ledger.Ledger
	retry  config.Retry
	logger *logging.Logger
}

func (w *worker) handle(ctx context.Context, m *nsq.Message) {
	t, err := task.Decode(m.Body)
	if err != nil {
		w.logger.Plain().WithError(err).Error("bad task envelope")
		metrics.RecordTask("unknown", "failed")
		m.Finish() // terminal: don't retry bad payloads
		return
	}

	ctx = tracing.ExtractTraceFromNSQ(ctx, t.Trace)
	ctx, span := tracing.StartSpan(ctx, "worker.task",
		attribute.String("task_id", t.ID),
		attribute.String("task_name", t.Name),
		attribute.Int("attempt", int(m.Attempts)),
	)
	defer span.End()

	err = w.execute(ctx, t)
	if err == nil {
		metrics.RecordTask(t.Name, "ok")
		m.Finish()
		return
	}
	tracing.SetSpanError(ctx, err)

	// attempts counts deliveries including this one; MaxAttempts bounds
	// the retries after the original run, so the last requeue happens
	// when they are equal.
	attempt := int(m.Attempts) - 1
	if esp.Retryable(err) && int(m.Attempts) <= w.retry.MaxAttempts {
		delay := task.Backoff(attempt, w.retry.BaseDelay)
		w.logger.WithContext(ctx).WithTask(t.Name).
			WithField("task_id", t.ID).
			WithField("delay", delay.String()).
			WithError(err).
			Warn("transient failure, requeueing")
		metrics.RecordTask(t.Name, "retry")
		metrics.RecordRetry(string(esp.CodeOf(err)))
		m.Requeue(delay)
		return
	}

	trace := fmt.Sprintf("final failure on attempt %d: %v", m.Attempts, err)
	if lerr := w.ledger.Record(ctx, t, err, trace); lerr != nil {
		w.logger.WithContext(ctx).WithTask(t.Name).WithError(lerr).Error("ledger write failed, requeueing task")
		m.Requeue(w.retry.BaseDelay)
		return
	}
	metrics.RecordTask(t.Name, "failed")
	m.Finish()
}

// execute dispatches a decoded envelope onto the orchestrator.
func (w *worker) execute(ctx context.Context, t *task.Task) error {
	switch t.Name {
	case task.NameUpdateUser:
		var p task.UpdateUserPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return esp.UsageError(fmt.Sprintf("bad %s payload: %v", t.Name, err))
		}
		_, err := w.svc.UpdateUser(ctx, gateway.UpdateRequest{
			Mode:           p.Mode,
			Email:          p.Email,
			Token:          p.Token,
			Newsletters:    p.Newsletters,
			Lang:           p.APILang,
			Country:        p.Country,
			Format:         p.Format,
			SourceURL:      p.SourceURL,
			OptIn:          p.OptIn,
			TriggerWelcome: p.TriggerWelcome,
		})
		return err
	case task.NameConfirmUser:
		var p task.ConfirmUserPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return esp.UsageError(fmt.Sprintf("bad %s payload: %v", t.Name, err))
		}
		return w.svc.ConfirmUser(ctx, p.Token)
	case task.NameSendMessage:
		var p task.SendMessagePayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return esp.UsageError(fmt.Sprintf("bad %s payload: %v", t.Name, err))
		}
		return w.svc.SendMessage(ctx, p.MessageID, p.Email, p.Token, p.Format)
	case task.NameSendRecovery:
		var p task.SendRecoveryPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return esp.UsageError(fmt.Sprintf("bad %s payload: %v", t.Name, err))
		}
		return w.svc.SendRecoveryMessage(ctx, p.Email)
	case task.NameRecordUnsubReason:
		var p task.UnsubReasonPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return esp.UsageError(fmt.Sprintf("bad %s payload: %v", t.Name, err))
		}
		return w.svc.RecordUnsubReason(ctx, p.Token, p.Reason)
	case task.NameAddSMSUser:
		var p task.AddSMSUserPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return esp.UsageError(fmt.Sprintf("bad %s payload: %v", t.Name, err))
		}
		return w.svc.AddSMSUser(ctx, p.MessageName, p.Mobile, p.OptIn)
	}
	return esp.UsageError(fmt.Sprintf("unknown task %q", t.Name))
}
