// Package httpapi is the HTTP surface of the offers marketplace:
// command submission, read model queries, health checks, metrics
// and the projection admin endpoints.
package httpapi

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/get-eventually/eventpipe/command"
	"github.com/get-eventually/eventpipe/internal/activity"
	"github.com/get-eventually/eventpipe/internal/readmodel"
	"github.com/get-eventually/eventpipe/logger"
	"github.com/get-eventually/eventpipe/projection"
)

// Request headers mapped onto the Command metadata.
const (
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderCausationID   = "X-Causation-Id"
	HeaderActor         = "X-Actor"
)

// Checker is a dependency checked by the health check,
// e.g. the database pool or the broker.
type Checker interface {
	Ping(ctx context.Context) error
}

// ProjectionAdmin is the part of the Projection Manager exposed to operators.
type ProjectionAdmin interface {
	RequestRebuild(ctx context.Context, reason string) error
	Verify(ctx context.Context, shadows []projection.Projection) ([]projection.Report, error)
}

// FeedReader returns the activity feed of an account.
type FeedReader interface {
	Feed(ctx context.Context, accountID string, limit int64) ([]activity.Entry, error)
}

// API holds the dependencies of the HTTP handlers.
type API struct {
	Commands   *command.Registry
	Dispatcher command.Dispatcher

	Accounts readmodel.Reader[readmodel.AccountBalance]
	Orders   readmodel.Reader[readmodel.OrderSummary]
	Activity FeedReader // Optional.

	Projections ProjectionAdmin
	// Shadows returns fresh, empty instances of the live Projections,
	// used to verify them against a replay of the Event Log.
	Shadows func() []projection.Projection

	Checks   map[string]Checker
	Gatherer prometheus.Gatherer
	Metrics  *Metrics // Optional.
	Logger   logger.Logger

	// NewCorrelationID is called for requests without a correlation id.
	// Defaults to random UUIDs.
	NewCorrelationID func() string
}

// Register wires up all the routes on the provided Echo instance.
func Register(e *echo.Echo, api API) {
	if api.NewCorrelationID == nil {
		api.NewCorrelationID = uuid.NewString
	}

	e.Use(middleware.Recover())
	e.Use(api.Metrics.Middleware())

	e.GET("/healthz", healthz(api.Checks, api.Logger))

	if api.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(api.Gatherer, promhttp.HandlerOpts{})))
	}

	e.POST("/commands", postCommands(api))
	e.GET("/accounts/:id", getRow(api.Accounts, api.Logger))
	e.GET("/orders/:id", getRow(api.Orders, api.Logger))

	if api.Activity != nil {
		e.GET("/accounts/:id/activity", getActivity(api.Activity, api.Logger))
	}

	admin := e.Group("/admin")
	admin.POST("/projections/rebuild", postRebuild(api.Projections, api.Logger))
	admin.GET("/projections/verify", getVerify(api.Projections, api.Shadows, api.Logger))
}

// New returns an Echo instance with all the routes registered.
func New(api API) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	Register(e, api)

	return e
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondError(c echo.Context, status int, err error) error {
	return c.JSON(status, errorResponse{Error: err.Error()})
}

