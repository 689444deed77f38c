package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/get-eventually/eventpipe/command"
	"github.com/get-eventually/eventpipe/correlation"
	"github.com/get-eventually/eventpipe/event"
	"github.com/get-eventually/eventpipe/logger"
	"github.com/get-eventually/eventpipe/message"
	"github.com/get-eventually/eventpipe/version"
)

const postCommandMaxSize = 1 << 20

type commandRequest struct {
	CommandType string          `json:"commandType"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
}

type eventSummary struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	StreamID       string                 `json:"streamId"`
	Version        version.Version        `json:"version"`
	SequenceNumber version.SequenceNumber `json:"sequenceNumber"`
	RecordedAt     time.Time              `json:"recordedAt"`
}

type commandResponse struct {
	AggregateID   string          `json:"aggregateId"`
	Version       version.Version `json:"version"`
	CorrelationID string          `json:"correlationId"`
	Events        []eventSummary  `json:"events"`
}

func summarize(events []event.Persisted) []eventSummary {
	summaries := make([]eventSummary, 0, len(events))

	for _, evt := range events {
		summaries = append(summaries, eventSummary{
			ID:             evt.ID.String(),
			Type:           evt.Type(),
			StreamID:       string(evt.StreamID),
			Version:        evt.Version,
			SequenceNumber: evt.SequenceNumber,
			RecordedAt:     evt.RecordedAt,
		})
	}

	return summaries
}

// commandMetadata maps the correlation headers onto the Command metadata.
func commandMetadata(r *http.Request, newID func() string) message.Metadata {
	correlationID := r.Header.Get(HeaderCorrelationID)
	if correlationID == "" {
		correlationID = newID()
	}

	metadata := message.Metadata{}.With(correlation.CorrelationIDKey, correlationID)

	if causationID := r.Header.Get(HeaderCausationID); causationID != "" {
		metadata = metadata.With(correlation.CausationIDKey, causationID)
	}

	if actor := r.Header.Get(HeaderActor); actor != "" {
		metadata = metadata.With(correlation.ActorKey, actor)
	}

	return metadata
}

// commandStatus maps the outcome of a dispatched Command to a status code.
func commandStatus(err error) int {
	var (
		conflict version.ConflictError
		storage  *event.StorageError
	)

	switch {
	case command.IsDomainRuleViolation(err):
		return http.StatusUnprocessableEntity
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &storage):
		return http.StatusServiceUnavailable
	case errors.Is(err, command.ErrNoHandler):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func postCommands(api API) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req commandRequest

		dec := json.NewDecoder(io.LimitReader(c.Request().Body, postCommandMaxSize))
		dec.DisallowUnknownFields()

		if err := dec.Decode(&req); err != nil {
			return respondError(c, http.StatusBadRequest, fmt.Errorf("invalid body, %w", err))
		}

		if req.CommandType == "" || req.AggregateID == "" {
			return respondError(c, http.StatusBadRequest, errors.New("commandType and aggregateId are required"))
		}

		cmd, err := api.Commands.Decode(req.CommandType, req.AggregateID, req.Payload)
		if err != nil {
			return respondError(c, http.StatusBadRequest, err)
		}

		metadata := commandMetadata(c.Request(), api.NewCorrelationID)
		correlationID := metadata[correlation.CorrelationIDKey]
		c.Response().Header().Set(HeaderCorrelationID, correlationID)

		result, err := api.Dispatcher.Dispatch(c.Request().Context(), command.GenericEnvelope{
			Message:  cmd,
			Metadata: metadata,
		})
		if err != nil {
			status := commandStatus(err)

			log := logger.Debug
			if status >= http.StatusInternalServerError {
				log = logger.Error
			}

			log(api.Logger, "Command failed",
				logger.With("command", req.CommandType),
				logger.With("aggregate.id", req.AggregateID),
				logger.With("correlation.id", correlationID),
				logger.With("status", status),
				logger.With("error", err),
			)

			return respondError(c, status, err)
		}

		return c.JSON(http.StatusCreated, commandResponse{
			AggregateID:   result.AggregateID,
			Version:       result.Version,
			CorrelationID: correlationID,
			Events:        summarize(result.Events),
		})
	}
}
