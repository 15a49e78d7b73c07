package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/andrej220/vwt/internal/serverutil"
	"github.com/andrej220/vwt/pkg/config"
	"github.com/andrej220/vwt/pkg/consumer"
	"github.com/andrej220/vwt/pkg/fleet"
	"github.com/andrej220/vwt/pkg/lg"
	"github.com/andrej220/vwt/pkg/metrics"
	shared "github.com/andrej220/vwt/pkg/shared-models"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type requestSource interface {
	Fetch(ctx context.Context) (consumer.Message[shared.Request], error)
	Commit(ctx context.Context, m consumer.Message[shared.Request]) error
	Close() error
}

type publisher interface {
	Publish(ctx context.Context, key []byte, v any) error
	Close() error
}

// Service runs queued requests against the fleet and publishes the results.
type Service struct {
	requests  requestSource
	responses publisher
	enqueue   publisher
	// archive is optional.
	archive  archive
	metrics  *metrics.Collector
	timeout  time.Duration
	newFleet func(*config.Config) (*fleet.Fleet, error)
	logger   lg.Logger

	mu    sync.RWMutex
	fleet *fleet.Fleet
}

func newService(cfg *config.Config, o options, requests requestSource, responses, enqueue publisher, logger lg.Logger) (*Service, error) {
	collector := metrics.NewCollector()
	s := &Service{
		requests:  requests,
		responses: responses,
		enqueue:   enqueue,
		metrics:   collector,
		timeout:   o.RequestTimeout,
		logger:    logger,
		newFleet: func(c *config.Config) (*fleet.Fleet, error) {
			return fleet.New(c, fleet.Options{Logger: logger, Metrics: collector})
		},
	}
	if err := s.Reload(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload swaps in a fleet built from cfg. Requests in flight finish on the old
// fleet first.
func (s *Service) Reload(cfg *config.Config) error {
	f, err := s.newFleet(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.fleet
	s.fleet = f
	s.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Warn("closing previous fleet", lg.Err(err))
		}
	}
	s.logger.Info("fleet ready", lg.Int("hosts", len(cfg.Hosts)), lg.Int("max_parallel", cfg.MaxParallel))
	return nil
}

// Run consumes requests until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	for {
		m, err := s.requests.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, consumer.ErrBadMessage) {
				s.logger.Warn("skipping message", lg.Err(err))
				continue
			}
			s.logger.Error("fetch failed", lg.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if err := s.process(ctx, m); err != nil {
			s.logger.Error("request not acknowledged", lg.String("exuid", m.Payload.ExecutionUID.String()), lg.Err(err))
		}
	}
}

// process runs one request and commits it once the response is published.
func (s *Service) process(ctx context.Context, m consumer.Message[shared.Request]) error {
	req := m.Payload
	resp := s.handle(ctx, req)
	if s.archive != nil {
		if err := s.archive.Save(ctx, resp); err != nil {
			s.logger.Error("Failed to archive response", lg.String("exuid", req.ExecutionUID.String()), lg.Err(err))
		}
	}
	if err := s.responses.Publish(ctx, req.ExecutionUID[:], resp); err != nil {
		return err
	}
	return s.requests.Commit(ctx, m)
}

func (s *Service) handle(ctx context.Context, req shared.Request) shared.Response {
	ctx, cancel := context.WithTimeout(lg.Attach(ctx, s.logger), s.timeout)
	defer cancel()

	s.mu.RLock()
	results, err := s.fleet.Handle(ctx, req)
	s.mu.RUnlock()

	resp := shared.Response{
		ExecutionUID: req.ExecutionUID,
		Operation:    req.Operation,
		Results:      results,
		FinishedAt:   time.Now().UTC(),
	}
	if err != nil {
		resp.Error = err.Error()
		s.logger.Warn("request rejected", lg.String("exuid", req.ExecutionUID.String()), lg.Err(err))
		return resp
	}
	for _, r := range results {
		if !r.Success {
			resp.Failed++
		}
	}
	return resp
}

// ServeHTTP queues a validated request and answers with its execution id.
func (s *Service) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	request, ok := serverutil.RequestFrom[shared.Request](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	request.ExecutionUID = uuid.New()

	if err := s.enqueue.Publish(r.Context(), request.ExecutionUID[:], request); err != nil {
		s.logger.Error("Failed to queue request", lg.Err(err))
		http.Error(rw, "Failed to process request", http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	_, _ = rw.Write([]byte(`{"exuid":"` + request.ExecutionUID.String() + `"}` + "\n"))
}

// Handler is the service's HTTP surface.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/requests", serverutil.NewValidationHandler[shared.Request](config.Validator(), s))
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok\n"))
	})
	return mux
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := []error{s.requests.Close(), s.responses.Close(), s.enqueue.Close(), s.fleet.Close()}
	if s.archive != nil {
		errs = append(errs, s.archive.Close())
	}
	return errors.Join(errs...)
}
