package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andrej220/vwt/pkg/config"
	"github.com/andrej220/vwt/pkg/consumer"
	"github.com/andrej220/vwt/pkg/executor/executortest"
	"github.com/andrej220/vwt/pkg/fleet"
	"github.com/andrej220/vwt/pkg/lg"
	"github.com/andrej220/vwt/pkg/metrics"
	shared "github.com/andrej220/vwt/pkg/shared-models"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

type fakeSource struct {
	mu        sync.Mutex
	queue     []consumer.Message[shared.Request]
	errs      []error
	committed []uuid.UUID
}

func (f *fakeSource) Fetch(ctx context.Context) (consumer.Message[shared.Request], error) {
	f.mu.Lock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return consumer.Message[shared.Request]{}, err
	}
	if len(f.queue) > 0 {
		m := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return consumer.Message[shared.Request]{}, ctx.Err()
}

func (f *fakeSource) Commit(_ context.Context, m consumer.Message[shared.Request]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, m.Payload.ExecutionUID)
	return nil
}

func (f *fakeSource) Commits() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.committed...)
}

func (f *fakeSource) Close() error { return nil }

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	sent []json.RawMessage
}

func (p *fakePublisher) Publish(_ context.Context, _ []byte, v any) error {
	if p.err != nil {
		return p.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, b)
	return nil
}

func (p *fakePublisher) Sent() []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]json.RawMessage(nil), p.sent...)
}

func (p *fakePublisher) Close() error { return nil }

func newTestService(t *testing.T, src *fakeSource, out, in *fakePublisher) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.Hosts = []string{"web1", "web2"}
	cfg.User = "root"
	cfg.RetryDelay = 0.001
	require.NoError(t, cfg.Validate())

	collector := metrics.NewCollector()
	s := &Service{
		requests:  src,
		responses: out,
		enqueue:   in,
		metrics:   collector,
		timeout:   5 * time.Second,
		logger:    lg.Discard,
		newFleet: func(c *config.Config) (*fleet.Fleet, error) {
			return fleet.New(c, fleet.Options{Dialer: executortest.NewDialer(), Metrics: collector})
		},
	}
	require.NoError(t, s.Reload(cfg))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func msg(req shared.Request) consumer.Message[shared.Request] {
	return consumer.Message[shared.Request]{Payload: req}
}

func TestProcessPublishesAndCommits(t *testing.T) {
	src, out := &fakeSource{}, &fakePublisher{}
	s := newTestService(t, src, out, &fakePublisher{})

	id := uuid.New()
	require.NoError(t, s.process(context.Background(), msg(shared.Request{
		ExecutionUID: id,
		Operation:    shared.OpExecute,
		Hosts:        []string{"web1", "web2"},
		Command:      "echo hi",
	})))

	require.Len(t, out.Sent(), 1)
	var resp shared.Response
	require.NoError(t, json.Unmarshal(out.Sent()[0], &resp))
	assert.Equal(t, id, resp.ExecutionUID)
	assert.Zero(t, resp.Failed)
	assert.Empty(t, resp.Error)
	assert.Equal(t, "hi", strings.TrimSpace(resp.Results["web1"].Output))
	assert.Equal(t, []uuid.UUID{id}, src.Commits())
}

func TestProcessReportsRejectedRequest(t *testing.T) {
	src, out := &fakeSource{}, &fakePublisher{}
	s := newTestService(t, src, out, &fakePublisher{})

	id := uuid.New()
	require.NoError(t, s.process(context.Background(), msg(shared.Request{
		ExecutionUID: id,
		Operation:    shared.OpExecute,
		Hosts:        []string{"web1"},
	})))

	var resp shared.Response
	require.NoError(t, json.Unmarshal(out.Sent()[0], &resp))
	assert.Contains(t, resp.Error, "invalid configuration")
	assert.Empty(t, resp.Results)
	assert.Equal(t, []uuid.UUID{id}, src.Commits())
}

func TestProcessKeepsUnpublishedRequest(t *testing.T) {
	src := &fakeSource{}
	s := newTestService(t, src, &fakePublisher{err: kafka.LeaderNotAvailable}, &fakePublisher{})

	err := s.process(context.Background(), msg(shared.Request{
		ExecutionUID: uuid.New(),
		Operation:    shared.OpExecute,
		Hosts:        []string{"web1"},
		Command:      "true",
	}))
	assert.ErrorIs(t, err, kafka.LeaderNotAvailable)
	assert.Empty(t, src.Commits())
}

func TestRunSkipsBadMessagesUntilCancelled(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	src := &fakeSource{
		errs: []error{consumer.ErrBadMessage},
		queue: []consumer.Message[shared.Request]{
			msg(shared.Request{ExecutionUID: ids[0], Operation: shared.OpExecute, Hosts: []string{"web1"}, Command: "true"}),
			msg(shared.Request{ExecutionUID: ids[1], Operation: shared.OpExecute, Hosts: []string{"web2"}, Command: "false"}),
		},
	}
	out := &fakePublisher{}
	s := newTestService(t, src, out, &fakePublisher{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(src.Commits()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, ids, src.Commits())
	var resp shared.Response
	require.NoError(t, json.Unmarshal(out.Sent()[1], &resp))
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, "CommandFailed", resp.Results["web2"].ErrorKind)
}

func TestHTTPSurface(t *testing.T) {
	in := &fakePublisher{}
	s := newTestService(t, &fakeSource{}, &fakePublisher{}, in)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/requests",
		strings.NewReader(`{"operation":"execute","hosts":["web1"],"command":"uptime"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var ack struct {
		ExUID uuid.UUID `json:"exuid"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	require.Len(t, in.Sent(), 1)
	var queued shared.Request
	require.NoError(t, json.Unmarshal(in.Sent()[0], &queued))
	assert.Equal(t, ack.ExUID, queued.ExecutionUID)
	assert.Equal(t, "uptime", queued.Command)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader(`{"operation":"reboot"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err := s.fleet.Handle(context.Background(), shared.Request{Operation: shared.OpExecute, Hosts: []string{"web1"}, Command: "true"})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vwt_operations_total")
}

func TestEnqueueFailure(t *testing.T) {
	s := newTestService(t, &fakeSource{}, &fakePublisher{}, &fakePublisher{err: errors.New("broker down")})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/requests",
		strings.NewReader(`{"operation":"execute","hosts":["web1"],"command":"uptime"}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestParseOptions(t *testing.T) {
	o, err := parseOptions([]string{"-debug", "-brokers", "k1:9092, k2:9092", "-mongo-uri", "mongodb://db"})
	require.NoError(t, err)
	assert.True(t, o.Log.Debug)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, o.Brokers)
	st, cfg := o.storeType()
	assert.Equal(t, config.MongoStore, st)
	assert.Equal(t, "mongodb://db", cfg.(*config.MongoConfig).URI)

	o, err = parseOptions(nil)
	require.NoError(t, err)
	st, _ = o.storeType()
	assert.Equal(t, config.FileStore, st)

	_, err = parseOptions([]string{"-brokers", " , "})
	assert.Error(t, err)
	_, err = parseOptions([]string{"-response-topic", defaultRequestTopic})
	assert.Error(t, err)
}

type fakeArchive struct {
	mu    sync.Mutex
	saved map[string]shared.Response
	err   error
}

func (a *fakeArchive) Save(_ context.Context, resp shared.Response) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.saved == nil {
		a.saved = map[string]shared.Response{}
	}
	a.saved[archiveID(resp)] = resp
	return nil
}

func (a *fakeArchive) Close() error { return nil }

func TestProcessArchivesResponses(t *testing.T) {
	src, out := &fakeSource{}, &fakePublisher{}
	s := newTestService(t, src, out, &fakePublisher{})
	a := &fakeArchive{}
	s.archive = a

	id := uuid.New()
	req := shared.Request{ExecutionUID: id, Operation: shared.OpExecute, Hosts: []string{"web1"}, Command: "false"}
	require.NoError(t, s.process(context.Background(), msg(req)))
	require.NoError(t, s.process(context.Background(), msg(req)))

	require.Len(t, a.saved, 1)
	got := a.saved["execute_"+id.String()]
	assert.Equal(t, 1, got.Failed)

	a.err = errors.New("archive down")
	require.NoError(t, s.process(context.Background(), msg(req)), "archive failures do not hold back the response")
	assert.Len(t, out.Sent(), 3)
	assert.Len(t, src.Commits(), 3)
}

func TestArchivedResponseDocument(t *testing.T) {
	id := uuid.New()
	resp := shared.Response{
		ExecutionUID: id,
		Operation:    shared.OpChain,
		Failed:       1,
		FinishedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Results: map[string]shared.OperationResult{
			"web1": {Host: "web1", Operation: shared.OpChain, Success: true},
		},
	}
	raw, err := bson.Marshal(newArchivedResponse(resp))
	require.NoError(t, err)

	var doc bson.M
	require.NoError(t, bson.Unmarshal(raw, &doc))
	assert.Equal(t, "chain_"+id.String(), doc["_id"])
	assert.Equal(t, id.String(), doc["exuid"])
	assert.EqualValues(t, 1, doc["failed"])
	assert.NotContains(t, doc, "error")
	assert.NotNil(t, doc["results"])
}

func TestMongoArchiveRejectsBadURI(t *testing.T) {
	_, err := newMongoArchive("not-a-mongo-uri", "vwt", "responses")
	assert.Error(t, err)
}
