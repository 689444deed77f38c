package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/get-eventually/eventpipe/logger"
	"github.com/get-eventually/eventpipe/projection"
)

const defaultRebuildReason = "requested by operator"

type rebuildRequest struct {
	Reason string `json:"reason"`
}

type verifyResponse struct {
	Equal   bool                `json:"equal"`
	Reports []projection.Report `json:"reports"`
}

// postRebuild only marks the Projections for rebuild: the rebuild runs
// at the next start of the process.
func postRebuild(admin ProjectionAdmin, l logger.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req rebuildRequest

		err := json.NewDecoder(io.LimitReader(c.Request().Body, postCommandMaxSize)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			return respondError(c, http.StatusBadRequest, err)
		}

		if req.Reason == "" {
			req.Reason = defaultRebuildReason
		}

		if err := admin.RequestRebuild(c.Request().Context(), req.Reason); err != nil {
			logger.Error(l, "Failed to request projections rebuild", logger.With("error", err))
			return respondError(c, http.StatusServiceUnavailable, err)
		}

		logger.Info(l, "Projections rebuild requested", logger.With("reason", req.Reason))

		return c.JSON(http.StatusAccepted, rebuildRequest{Reason: req.Reason})
	}
}

func getVerify(admin ProjectionAdmin, shadows func() []projection.Projection, l logger.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		reports, err := admin.Verify(c.Request().Context(), shadows())
		if err != nil {
			logger.Error(l, "Failed to verify projections", logger.With("error", err))
			return respondError(c, http.StatusServiceUnavailable, err)
		}

		resp := verifyResponse{Equal: true, Reports: reports}

		for _, report := range reports {
			if !report.Equal {
				resp.Equal = false

				logger.Error(l, "Projection differs from the Event Log replay",
					logger.With("projection", report.Projection),
					logger.With("diff", report.Diff),
				)
			}
		}

		return c.JSON(http.StatusOK, resp)
	}
}
