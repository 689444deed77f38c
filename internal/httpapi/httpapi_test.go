package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/eventpipe/aggregate"
	"github.com/get-eventually/eventpipe/command"
	"github.com/get-eventually/eventpipe/correlation"
	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/internal/activity"
	"github.com/get-eventually/eventpipe/internal/httpapi"
	"github.com/get-eventually/eventpipe/internal/offers"
	"github.com/get-eventually/eventpipe/internal/readmodel"
	"github.com/get-eventually/eventpipe/logger"
	"github.com/get-eventually/eventpipe/projection"
	"github.com/get-eventually/eventpipe/version"
)

type checkFunc func(ctx context.Context) error

func (f checkFunc) Ping(ctx context.Context) error { return f(ctx) }

type dispatcherFunc func(ctx context.Context, cmd command.GenericEnvelope) (command.Result, error)

func (f dispatcherFunc) Dispatch(ctx context.Context, cmd command.GenericEnvelope) (command.Result, error) {
	return f(ctx, cmd)
}

// projecting publishes committed Domain Events straight into the
// Projection Manager, standing in for the broker.
type projecting struct{ manager *projection.Manager }

func (p projecting) Publish(ctx context.Context, events ...event.Persisted) error {
	for _, evt := range events {
		if err := p.manager.Process(ctx, evt); err != nil {
			return err
		}
	}

	return nil
}

type feedFunc func(ctx context.Context, accountID string, limit int64) ([]activity.Entry, error)

func (f feedFunc) Feed(ctx context.Context, accountID string, limit int64) ([]activity.Entry, error) {
	return f(ctx, accountID, limit)
}

type fixture struct {
	echo    *echo.Echo
	store   *event.InMemoryStore
	markers *projection.InMemoryMarkerStore
	api     httpapi.API
}

func newFixture(t *testing.T, customize ...func(*httpapi.API)) fixture {
	t.Helper()

	store := event.NewInMemoryStore()
	appender := correlation.Appender{Appender: store, Generator: func() string { return "generated" }}
	log := event.FusedStore{Appender: appender, Streamer: store, VersionReader: store}

	accounts := readmodel.NewMemory(readmodel.Accounts)
	orders := readmodel.NewMemory(readmodel.Orders)
	markers := new(projection.InMemoryMarkerStore)
	manager := projection.NewManager(store, markers, []projection.Projection{accounts, orders})

	bus := command.NewBus()
	offers.Register(bus,
		aggregate.NewEventSourcedRepository(log, offers.AccountType),
		aggregate.NewEventSourcedRepository(log, offers.OrderType),
		command.WithPublisher(projecting{manager: manager}),
	)

	registry := prometheus.NewRegistry()

	api := httpapi.API{
		Commands:    offers.Commands,
		Dispatcher:  bus,
		Accounts:    accounts,
		Orders:      orders,
		Projections: manager,
		Shadows: func() []projection.Projection {
			return []projection.Projection{readmodel.NewMemory(readmodel.Accounts), readmodel.NewMemory(readmodel.Orders)}
		},
		Checks: map[string]httpapi.Checker{
			"postgres": checkFunc(func(context.Context) error { return nil }),
		},
		Gatherer:         registry,
		Metrics:          httpapi.NewMetrics(registry),
		Logger:           logger.NewTest(t),
		NewCorrelationID: func() string { return "corr-1" },
	}

	for _, f := range customize {
		f(&api)
	}

	return fixture{echo: httpapi.New(api), store: store, markers: markers, api: api}
}

func (f fixture) do(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	return rec
}

func (f fixture) command(commandType, aggregateID, payload string, headers ...string) *httptest.ResponseRecorder {
	body := `{"commandType":"` + commandType + `","aggregateId":"` + aggregateID + `","payload":` + payload + `}`
	return f.do(http.MethodPost, "/commands", body, headers...)
}

type commandResponse struct {
	AggregateID   string          `json:"aggregateId"`
	Version       version.Version `json:"version"`
	CorrelationID string          `json:"correlationId"`
	Events        []struct {
		ID             string                 `json:"id"`
		Type           string                 `json:"type"`
		StreamID       string                 `json:"streamId"`
		Version        version.Version        `json:"version"`
		SequenceNumber version.SequenceNumber `json:"sequenceNumber"`
		RecordedAt     time.Time              `json:"recordedAt"`
	} `json:"events"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())

	return v
}

func TestPostCommands(t *testing.T) {
	t.Run("accepted commands return the committed events", func(t *testing.T) {
		f := newFixture(t)

		rec := f.command("OpenAccount", "acc-1", `{"owner":"alice"}`,
			httpapi.HeaderCorrelationID, "req-42",
			httpapi.HeaderActor, "support@offers",
		)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, "req-42", rec.Header().Get(httpapi.HeaderCorrelationID))

		resp := decode[commandResponse](t, rec)
		assert.Equal(t, "acc-1", resp.AggregateID)
		assert.Equal(t, version.Version(1), resp.Version)
		assert.Equal(t, "req-42", resp.CorrelationID)
		require.Len(t, resp.Events, 1)
		assert.Equal(t, "LoyaltyAccountOpened", resp.Events[0].Type)
		assert.Equal(t, "acc-1", resp.Events[0].StreamID)
		assert.NotZero(t, resp.Events[0].SequenceNumber)

		events, err := event.StreamToSlice(context.Background(), func(ctx context.Context, stream event.StreamWrite) error {
			return f.store.Stream(ctx, stream, "acc-1", version.SelectFromBeginning)
		})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "req-42", events[0].Metadata[correlation.CorrelationIDKey])
		assert.Equal(t, "support@offers", events[0].Metadata[correlation.ActorKey])
	})

	t.Run("a correlation id is generated when missing", func(t *testing.T) {
		f := newFixture(t)

		rec := f.command("OpenAccount", "acc-1", `{"owner":"alice"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "corr-1", rec.Header().Get(httpapi.HeaderCorrelationID))
	})

	t.Run("rule violations are unprocessable", func(t *testing.T) {
		f := newFixture(t)

		require.Equal(t, http.StatusCreated, f.command("OpenAccount", "acc-1", `{"owner":"alice"}`).Code)

		rec := f.command("OpenAccount", "acc-1", `{"owner":"bob"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), offers.ErrAccountAlreadyOpen.Error())

		rec = f.command("CreditPoints", "acc-2", `{"amount":10}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("malformed requests are bad requests", func(t *testing.T) {
		f := newFixture(t)

		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/commands", `{"commandType":`).Code)
		assert.Equal(t, http.StatusBadRequest, f.command("LaunchRocket", "acc-1", `{}`).Code)
		assert.Equal(t, http.StatusBadRequest, f.command("OpenAccount", "", `{"owner":"alice"}`).Code)
		assert.Equal(t, http.StatusBadRequest, f.command("CreditPoints", "acc-1", `{"amount":"many"}`).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/commands",
			`{"commandType":"OpenAccount","aggregateId":"acc-1","payload":{},"extra":true}`).Code)
	})

	t.Run("infrastructure failures map to status codes", func(t *testing.T) {
		testCases := []struct {
			name     string
			err      error
			expected int
		}{
			{"conflict after retries", version.ConflictError{StreamID: "acc-1", Expected: 1, Actual: 2}, http.StatusConflict},
			{"storage failure", event.NewStorageError("append", errors.New("connection refused")), http.StatusServiceUnavailable},
			{"unregistered command", command.ErrNoHandler, http.StatusBadRequest},
			{"anything else", errors.New("boom"), http.StatusInternalServerError},
		}

		for _, tc := range testCases {
			tc := tc
			t.Run(tc.name, func(t *testing.T) {
				f := newFixture(t, func(api *httpapi.API) {
					api.Dispatcher = dispatcherFunc(func(context.Context, command.GenericEnvelope) (command.Result, error) {
						return command.Result{}, tc.err
					})
				})

				rec := f.command("OpenAccount", "acc-1", `{"owner":"alice"}`)
				assert.Equal(t, tc.expected, rec.Code)
			})
		}
	})
}

func TestReadModels(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusCreated, f.command("OpenAccount", "acc-1", `{"owner":"alice"}`).Code)
	require.Equal(t, http.StatusCreated, f.command("CreditPoints", "acc-1", `{"amount":100,"reason":"welcome"}`).Code)
	require.Equal(t, http.StatusCreated, f.command("PlaceOrder", "ord-1", `{"accountId":"acc-1","offerId":"spa-day","points":40}`).Code)

	rec := f.do(http.MethodGet, "/accounts/acc-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, readmodel.AccountBalance{
		AccountID: "acc-1",
		Owner:     "alice",
		Balance:   100,
		Version:   2,
	}, decode[readmodel.AccountBalance](t, rec))

	rec = f.do(http.MethodGet, "/orders/ord-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	order := decode[readmodel.OrderSummary](t, rec)
	assert.Equal(t, offers.StatusPending, order.Status)
	assert.Equal(t, int64(40), order.Points)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/accounts/acc-404", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/orders/ord-404", "").Code)

	t.Run("activity is not routed without a feed", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/accounts/acc-1/activity", "").Code)
	})
}

func TestActivityFeed(t *testing.T) {
	var requested int64

	f := newFixture(t, func(api *httpapi.API) {
		api.Activity = feedFunc(func(_ context.Context, accountID string, limit int64) ([]activity.Entry, error) {
			requested = limit

			if accountID == "acc-broken" {
				return nil, errors.New("redis: connection refused")
			}

			return []activity.Entry{{AccountID: accountID, Kind: "PointsCredited", Points: 10}}, nil
		})
	})

	rec := f.do(http.MethodGet, "/accounts/acc-1/activity?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5), requested)
	assert.Contains(t, rec.Body.String(), `"kind":"PointsCredited"`)

	rec = f.do(http.MethodGet, "/accounts/acc-1/activity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(20), requested)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/accounts/acc-1/activity?limit=-1", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/accounts/acc-broken/activity", "").Code)
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		rec := newFixture(t).do(http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok","checks":{"postgres":"ok"}}`, rec.Body.String())
	})

	t.Run("failing dependency", func(t *testing.T) {
		f := newFixture(t, func(api *httpapi.API) {
			api.Checks["broker"] = checkFunc(func(context.Context) error { return errors.New("nats: no servers available") })
		})

		rec := f.do(http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.JSONEq(t,
			`{"status":"unavailable","checks":{"postgres":"ok","broker":"nats: no servers available"}}`,
			rec.Body.String(),
		)
	})
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusCreated, f.command("OpenAccount", "acc-1", `{"owner":"alice"}`).Code)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/accounts/acc-404", "").Code)

	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `eventpipe_http_requests_total{method="POST",route="/commands",status="201"} 1`)
	assert.Contains(t, rec.Body.String(), `eventpipe_http_requests_total{method="GET",route="/accounts/:id",status="404"} 1`)
}

func TestProjectionAdmin(t *testing.T) {
	t.Run("rebuild is requested, not run", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(http.MethodPost, "/admin/projections/rebuild", `{"reason":"schema fix"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)

		marker, found, err := f.markers.Load(context.Background())
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, marker.Requested)
		assert.Equal(t, "schema fix", marker.Reason)

		rec = f.do(http.MethodPost, "/admin/projections/rebuild", "")
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Contains(t, rec.Body.String(), "requested by operator")
	})

	t.Run("verify compares live projections with a replay", func(t *testing.T) {
		f := newFixture(t)

		require.Equal(t, http.StatusCreated, f.command("OpenAccount", "acc-1", `{"owner":"alice"}`).Code)
		require.Equal(t, http.StatusCreated, f.command("CreditPoints", "acc-1", `{"amount":100}`).Code)

		rec := f.do(http.MethodGet, "/admin/projections/verify", "")
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[struct {
			Equal   bool                `json:"equal"`
			Reports []projection.Report `json:"reports"`
		}](t, rec)
		assert.True(t, resp.Equal)
		assert.Len(t, resp.Reports, 2)
	})
}
