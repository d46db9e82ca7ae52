package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cappuccinotm/hookrelay/app/delivery"
	"github.com/cappuccinotm/hookrelay/app/errs"
	"github.com/cappuccinotm/hookrelay/app/queue"
	"github.com/cappuccinotm/hookrelay/app/store"
	"github.com/cappuccinotm/hookrelay/pkg/logx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRest_ingestCtrl(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		q := &queueMock{}
		svc := &Rest{
			Logger: logx.NopLogger(),
			Subscriptions: &subsEngineMock{
				GetFunc: func(_ context.Context, subID string) (store.Subscription, error) {
					assert.Equal(t, "sub-1", subID)
					return store.Subscription{ID: "sub-1", TargetURL: "https://example.com"}, nil
				},
			},
			Queue: q,
		}
		ts := httptest.NewServer(svc.routes())
		defer ts.Close()

		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/ingest/sub-1",
			bytes.NewReader([]byte(`{"order_id":42}`)))
		require.NoError(t, err)
		req.Header.Set("X-Event-Type", "order.created")
		req.Header.Set("X-Signature", "deadbeef")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.NotEmpty(t, body["webhook_id"])

		require.Len(t, q.puts, 1)
		job := q.puts[0].job
		assert.Equal(t, body["webhook_id"], job.WebhookID)
		assert.Equal(t, "sub-1", job.SubscriptionID)
		assert.Equal(t, `{"order_id":42}`, string(job.Payload))
		assert.Equal(t, "order.created", job.EventType)
		assert.Equal(t, "deadbeef", job.Signature)
		assert.Equal(t, 1, job.AttemptNumber)
		assert.Zero(t, q.puts[0].delay, "the first attempt is due immediately")
	})

	t.Run("unknown subscription", func(t *testing.T) {
		svc := &Rest{
			Logger: logx.NopLogger(),
			Subscriptions: &subsEngineMock{
				GetFunc: func(context.Context, string) (store.Subscription, error) {
					return store.Subscription{}, errs.ErrNotFound
				},
			},
			Queue: &queueMock{},
		}
		ts := httptest.NewServer(svc.routes())
		defer ts.Close()

		resp, err := http.Post(ts.URL+"/api/v1/ingest/unknown", "application/json",
			bytes.NewReader([]byte(`{}`)))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("invalid json", func(t *testing.T) {
		q := &queueMock{}
		svc := &Rest{
			Logger: logx.NopLogger(),
			Subscriptions: &subsEngineMock{
				GetFunc: func(context.Context, string) (store.Subscription, error) {
					return store.Subscription{ID: "sub-1", TargetURL: "https://example.com"}, nil
				},
			},
			Queue: q,
		}
		ts := httptest.NewServer(svc.routes())
		defer ts.Close()

		resp, err := http.Post(ts.URL+"/api/v1/ingest/sub-1", "application/json",
			bytes.NewReader([]byte(`{broken`)))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Empty(t, q.puts, "nothing may be enqueued")
	})

	t.Run("filtered event type", func(t *testing.T) {
		q := &queueMock{}
		svc := &Rest{
			Logger: logx.NopLogger(),
			Subscriptions: &subsEngineMock{
				GetFunc: func(context.Context, string) (store.Subscription, error) {
					return store.Subscription{ID: "sub-1", TargetURL: "https://example.com",
						Events: []string{"order.created"}}, nil
				},
			},
			Queue: q,
		}
		ts := httptest.NewServer(svc.routes())
		defer ts.Close()

		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/ingest/sub-1",
			bytes.NewReader([]byte(`{}`)))
		require.NoError(t, err)
		req.Header.Set("X-Event-Type", "user.deleted")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Empty(t, q.puts, "nothing may be enqueued")
	})
}

func TestRest_statusCtrl(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		now := time.Date(2023, time.August, 8, 16, 30, 0, 0, time.UTC)
		svc := &Rest{
			Logger: logx.NopLogger(),
			Status: &delivery.Aggregator{Attempts: &attemptsMock{
				ListByWebhookFunc: func(_ context.Context, webhookID string) ([]store.DeliveryAttempt, error) {
					assert.Equal(t, "wh-1", webhookID)
					return []store.DeliveryAttempt{
						{WebhookID: "wh-1", SubscriptionID: "sub-1", AttemptNumber: 1,
							Outcome: store.OutcomeSuccess, StatusCode: 200, Timestamp: now},
					}, nil
				},
			}},
		}
		ts := httptest.NewServer(svc.routes())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/api/v1/status/wh-1")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var status delivery.Status
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		assert.Equal(t, "wh-1", status.WebhookID)
		assert.Equal(t, delivery.SummaryDelivered, status.Summary)
		assert.Equal(t, 1, status.TotalAttempts)
		assert.Equal(t, 200, status.LastStatusCode)
	})

	t.Run("not found", func(t *testing.T) {
		svc := &Rest{
			Logger: logx.NopLogger(),
			Status: &delivery.Aggregator{Attempts: &attemptsMock{
				ListByWebhookFunc: func(context.Context, string) ([]store.DeliveryAttempt, error) {
					return nil, nil
				},
			}},
		}
		ts := httptest.NewServer(svc.routes())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/api/v1/status/unknown")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestRest_listAttemptsCtrl(t *testing.T) {
	t.Run("with limit", func(t *testing.T) {
		svc := &Rest{
			Logger: logx.NopLogger(),
			Status: &delivery.Aggregator{Attempts: &attemptsMock{
				ListBySubscriptionFunc: func(_ context.Context, subID string, limit int) ([]store.DeliveryAttempt, error) {
					assert.Equal(t, "sub-1", subID)
					assert.Equal(t, 5, limit)
					return []store.DeliveryAttempt{{ID: "att-1", WebhookID: "wh-1"}}, nil
				},
			}},
		}
		ts := httptest.NewServer(svc.routes())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/api/v1/subscriptions/sub-1/attempts?limit=5")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var attempts []store.DeliveryAttempt
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&attempts))
		require.Len(t, attempts, 1)
		assert.Equal(t, "att-1", attempts[0].ID)
	})

	t.Run("empty list", func(t *testing.T) {
		svc := &Rest{
			Logger: logx.NopLogger(),
			Status: &delivery.Aggregator{Attempts: &attemptsMock{
				ListBySubscriptionFunc: func(_ context.Context, _ string, limit int) ([]store.DeliveryAttempt, error) {
					assert.Equal(t, delivery.DefaultAttemptsLimit, limit)
					return nil, nil
				},
			}},
		}
		ts := httptest.NewServer(svc.routes())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/api/v1/subscriptions/sub-1/attempts")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `[]`, string(body), "empty list is not null")
	})
}

func TestRest_subscriptionCtrls(t *testing.T) {
	t.Run("create", func(t *testing.T) {
		svc := &Rest{
			Logger: logx.NopLogger(),
			Subscriptions: &subsEngineMock{
				CreateFunc: func(_ context.Context, sub store.Subscription) (string, error) {
					assert.Equal(t, "https://example.com/hook", sub.TargetURL)
					assert.Equal(t, []string{"order.created"}, sub.Events)
					return "sub-1", nil
				},
			},
		}
		ts := httptest.NewServer(svc.routes())
		defer ts.Close()

		resp, err := http.Post(ts.URL+"/api/v1/subscriptions", "application/json",
			bytes.NewReader([]byte(`{"target_url":"https://example.com/hook","events":["order.created"]}`)))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		var sub store.Subscription
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
		assert.Equal(t, "sub-1", sub.ID)
	})

	t.Run("create without target url", func(t *testing.T) {
		svc := &Rest{Logger: logx.NopLogger(), Subscriptions: &subsEngineMock{}}
		ts := httptest.NewServer(svc.routes())
		defer ts.Close()

		resp, err := http.Post(ts.URL+"/api/v1/subscriptions", "application/json",
			bytes.NewReader([]byte(`{"events":["order.created"]}`)))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("create with relative target url", func(t *testing.T) {
		svc := &Rest{Logger: logx.NopLogger(), Subscriptions: &subsEngineMock{}}
		ts := httptest.NewServer(svc.routes())
		defer ts.Close()

		resp, err := http.Post(ts.URL+"/api/v1/subscriptions", "application/json",
			bytes.NewReader([]byte(`{"target_url":"/hook"}`)))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("get not found", func(t *testing.T) {
		svc := &Rest{
			Logger: logx.NopLogger(),
			Subscriptions: &subsEngineMock{
				GetFunc: func(context.Context, string) (store.Subscription, error) {
					return store.Subscription{}, errs.ErrNotFound
				},
			},
		}
		ts := httptest.NewServer(svc.routes())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/api/v1/subscriptions/unknown")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("update", func(t *testing.T) {
		updated := false
		svc := &Rest{
			Logger: logx.NopLogger(),
			Subscriptions: &subsEngineMock{
				UpdateFunc: func(_ context.Context, sub store.Subscription) error {
					updated = true
					assert.Equal(t, "sub-1", sub.ID, "the id comes from the path, not the body")
					assert.Equal(t, "https://example.com/v2", sub.TargetURL)
					return nil
				},
			},
		}
		ts := httptest.NewServer(svc.routes())
		defer ts.Close()

		req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/subscriptions/sub-1",
			bytes.NewReader([]byte(`{"target_url":"https://example.com/v2"}`)))
		require.NoError(t, err)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, updated)
	})

	t.Run("delete", func(t *testing.T) {
		deleted := false
		svc := &Rest{
			Logger: logx.NopLogger(),
			Subscriptions: &subsEngineMock{
				DeleteFunc: func(_ context.Context, subID string) error {
					deleted = true
					assert.Equal(t, "sub-1", subID)
					return nil
				},
			},
		}
		ts := httptest.NewServer(svc.routes())
		defer ts.Close()

		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/subscriptions/sub-1", http.NoBody)
		require.NoError(t, err)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.True(t, deleted)
	})

	t.Run("list", func(t *testing.T) {
		svc := &Rest{
			Logger: logx.NopLogger(),
			Subscriptions: &subsEngineMock{
				ListFunc: func(context.Context) ([]store.Subscription, error) {
					return []store.Subscription{{ID: "sub-1"}, {ID: "sub-2"}}, nil
				},
			},
		}
		ts := httptest.NewServer(svc.routes())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/api/v1/subscriptions")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var subs []store.Subscription
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&subs))
		assert.Len(t, subs, 2)
	})
}

type subsEngineMock struct {
	CreateFunc func(ctx context.Context, sub store.Subscription) (string, error)
	GetFunc    func(ctx context.Context, subID string) (store.Subscription, error)
	UpdateFunc func(ctx context.Context, sub store.Subscription) error
	DeleteFunc func(ctx context.Context, subID string) error
	ListFunc   func(ctx context.Context) ([]store.Subscription, error)
}

func (m *subsEngineMock) Create(ctx context.Context, sub store.Subscription) (string, error) {
	return m.CreateFunc(ctx, sub)
}

func (m *subsEngineMock) Get(ctx context.Context, subID string) (store.Subscription, error) {
	return m.GetFunc(ctx, subID)
}

func (m *subsEngineMock) Update(ctx context.Context, sub store.Subscription) error {
	return m.UpdateFunc(ctx, sub)
}

func (m *subsEngineMock) Delete(ctx context.Context, subID string) error {
	return m.DeleteFunc(ctx, subID)
}

func (m *subsEngineMock) List(ctx context.Context) ([]store.Subscription, error) {
	return m.ListFunc(ctx)
}

type attemptsMock struct {
	CreateFunc             func(ctx context.Context, att store.DeliveryAttempt) (string, error)
	ListByWebhookFunc      func(ctx context.Context, webhookID string) ([]store.DeliveryAttempt, error)
	ListBySubscriptionFunc func(ctx context.Context, subID string, limit int) ([]store.DeliveryAttempt, error)
	PurgeFunc              func(ctx context.Context, olderThan time.Time, batch int) (int, error)
}

func (m *attemptsMock) Create(ctx context.Context, att store.DeliveryAttempt) (string, error) {
	return m.CreateFunc(ctx, att)
}

func (m *attemptsMock) ListByWebhook(ctx context.Context, webhookID string) ([]store.DeliveryAttempt, error) {
	return m.ListByWebhookFunc(ctx, webhookID)
}

func (m *attemptsMock) ListBySubscription(ctx context.Context, subID string, limit int) ([]store.DeliveryAttempt, error) {
	return m.ListBySubscriptionFunc(ctx, subID, limit)
}

func (m *attemptsMock) Purge(ctx context.Context, olderThan time.Time, batch int) (int, error) {
	return m.PurgeFunc(ctx, olderThan, batch)
}

type queueMock struct {
	mu   sync.Mutex
	puts []struct {
		job   store.DeliveryJob
		delay time.Duration
	}
}

func (m *queueMock) Put(_ context.Context, job store.DeliveryJob, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = append(m.puts, struct {
		job   store.DeliveryJob
		delay time.Duration
	}{job: job, delay: delay})
	return nil
}

func (m *queueMock) Consume(context.Context, queue.Handler) error { return nil }

func (m *queueMock) Ack(context.Context, string) error { return nil }
