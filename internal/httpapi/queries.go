package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/get-eventually/eventpipe/internal/activity"
	"github.com/get-eventually/eventpipe/internal/readmodel"
	"github.com/get-eventually/eventpipe/logger"
)

const (
	defaultFeedLimit = 20
	healthTimeout    = 2 * time.Second
)

func getRow[T any](reader readmodel.Reader[T], l logger.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		row, err := reader.Get(c.Request().Context(), c.Param("id"))
		if errors.Is(err, readmodel.ErrNotFound) {
			return respondError(c, http.StatusNotFound, err)
		}

		if err != nil {
			logger.Error(l, "Failed to read model row",
				logger.With("id", c.Param("id")),
				logger.With("error", err),
			)

			return respondError(c, http.StatusServiceUnavailable, err)
		}

		return c.JSON(http.StatusOK, row)
	}
}

type activityResponse struct {
	AccountID string           `json:"accountId"`
	Entries   []activity.Entry `json:"entries"`
}

func getActivity(feed FeedReader, l logger.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := int64(defaultFeedLimit)

		if param := c.QueryParam("limit"); param != "" {
			n, err := strconv.ParseInt(param, 10, 64)
			if err != nil || n <= 0 {
				return respondError(c, http.StatusBadRequest, errors.New("invalid limit"))
			}

			limit = n
		}

		entries, err := feed.Feed(c.Request().Context(), c.Param("id"), limit)
		if err != nil {
			logger.Error(l, "Failed to read activity feed",
				logger.With("account.id", c.Param("id")),
				logger.With("error", err),
			)

			return respondError(c, http.StatusServiceUnavailable, err)
		}

		if entries == nil {
			entries = []activity.Entry{}
		}

		return c.JSON(http.StatusOK, activityResponse{AccountID: c.Param("id"), Entries: entries})
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthz(checks map[string]Checker, l logger.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK

		for name, check := range checks {
			if err := check.Ping(ctx); err != nil {
				logger.Error(l, "Health check failed",
					logger.With("check", name),
					logger.With("error", err),
				)

				resp.Checks[name] = err.Error()
				resp.Status = "unavailable"
				status = http.StatusServiceUnavailable

				continue
			}

			resp.Checks[name] = "ok"
		}

		return c.JSON(status, resp)
	}
}
