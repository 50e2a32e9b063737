package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/tumor-intake/internal/model"
	"github.com/jwalitptl/tumor-intake/internal/repository"
	"github.com/jwalitptl/tumor-intake/internal/workflow"
	"github.com/jwalitptl/tumor-intake/pkg/messaging/redis"
	"github.com/jwalitptl/tumor-intake/pkg/metrics"
)

type fakeRepo struct {
	mu      sync.Mutex
	entries []*model.AuditEntry
	err     error
	filter  repository.AuditFilter
}

func (f *fakeRepo) Create(ctx context.Context, e *model.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeRepo) List(ctx context.Context, filter repository.AuditFilter) ([]*model.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	return f.entries, nil
}

func (f *fakeRepo) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func patient(id int) *int { return &id }

func TestNewServiceRequiresKey(t *testing.T) {
	_, err := NewService("  ")
	assert.Error(t, err)
}

func TestPseudonymIsStableAndKeyed(t *testing.T) {
	a, err := NewService("key-a")
	require.NoError(t, err)
	b, err := NewService("key-b")
	require.NoError(t, err)

	p := a.Pseudonym("DOC1")
	assert.Len(t, p, 32)
	assert.Equal(t, p, a.Pseudonym("DOC1"))
	assert.NotEqual(t, p, a.Pseudonym("DOC2"))
	assert.NotEqual(t, p, b.Pseudonym("DOC1"))
	assert.NotContains(t, p, "DOC1")
	assert.Empty(t, a.Pseudonym(""))
}

func TestEntryMapsEvent(t *testing.T) {
	s, err := NewService("k")
	require.NoError(t, err)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	e := s.Entry(workflow.Event{
		Type:       workflow.EventPredictionFailed,
		SessionID:  "sess-1",
		DoctorCode: "DOC1",
		ModelType:  model.ModelGompertz,
		PatientID:  patient(7),
		From:       workflow.StateSubmitting,
		To:         workflow.StateFormEntry,
		Detail:     "Invalid data",
		At:         at,
	})

	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.Equal(t, s.Pseudonym("DOC1"), e.Actor)
	assert.Equal(t, "prediction_failed", e.Action)
	assert.Equal(t, OutcomeFailure, e.Outcome)
	assert.Equal(t, "gompertz", e.ModelType)
	assert.Equal(t, int64(7), e.PatientID.Int64)
	assert.True(t, e.PatientID.Valid)
	assert.Equal(t, "submitting -> form_entry: Invalid data", e.Detail)
	assert.Equal(t, at, e.CreatedAt)
}

func TestOutcomes(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, outcomeOf(workflow.EventLoginSucceeded))
	assert.Equal(t, OutcomeFailure, outcomeOf(workflow.EventStaleResult))
	assert.Equal(t, OutcomeInfo, outcomeOf(workflow.EventPatientSelected))
}

func TestOnEventStoresAndPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	sub := client.Subscribe(ctx, "intake.events")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	repo := &fakeRepo{}
	m := metrics.New("test")
	s, err := NewService("k",
		WithRepository(repo),
		WithBroker(redis.NewRedisBrokerFromClient(client, nil), "intake.events"),
		WithMetrics(m),
	)
	require.NoError(t, err)

	s.OnEvent(ctx, workflow.Event{Type: workflow.EventLoginSucceeded, SessionID: "sess-1", DoctorCode: "DOC1", At: time.Now()})

	require.Len(t, repo.entries, 1)
	assert.Equal(t, s.Pseudonym("DOC1"), repo.entries[0].Actor)

	select {
	case msg := <-sub.Channel():
		assert.NotContains(t, msg.Payload, "DOC1")
		var decoded struct {
			ID         string           `json:"id"`
			Type       string           `json:"type"`
			OccurredAt time.Time        `json:"occurred_at"`
			Payload    model.AuditEntry `json:"payload"`
		}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &decoded))
		assert.Equal(t, "intake.login_succeeded", decoded.Type)
		assert.Equal(t, "sess-1", decoded.Payload.SessionID)
		assert.Equal(t, repo.entries[0].ID.String(), decoded.ID)
		assert.Equal(t, decoded.Payload.ID.String(), decoded.ID)
		assert.True(t, decoded.OccurredAt.Equal(repo.entries[0].CreatedAt))
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditEvents.WithLabelValues("login_succeeded", "stored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditEvents.WithLabelValues("login_succeeded", "published")))
}

func TestRecordReportsStoreFailure(t *testing.T) {
	m := metrics.New("test")
	s, err := NewService("k", WithRepository(&fakeRepo{err: errors.New("db down")}), WithMetrics(m))
	require.NoError(t, err)

	err = s.Record(context.Background(), workflow.Event{Type: workflow.EventNewPrediction})
	assert.ErrorContains(t, err, "db down")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditEvents.WithLabelValues("new_prediction", "store_failed")))

	// OnEvent swallows the failure.
	s.OnEvent(context.Background(), workflow.Event{Type: workflow.EventNewPrediction})
}

func TestListFiltersByPseudonym(t *testing.T) {
	repo := &fakeRepo{}
	s, err := NewService("k", WithRepository(repo))
	require.NoError(t, err)

	_, err = s.List(context.Background(), "DOC1", repository.AuditFilter{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, s.Pseudonym("DOC1"), repo.filter.Actor)
	assert.Equal(t, 5, repo.filter.Limit)

	_, err = (&Service{}).List(context.Background(), "", repository.AuditFilter{})
	assert.Error(t, err)
}
