package config_handler

import (
	"context"

	"switchboard/internal/logger"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
)

// ConfigReloader refreshes one cached configuration set, e.g. the rules of
// every account or the active flows.
type ConfigReloader interface {
	Reload(ctx context.Context) error
}

type ReloaderFunc func(ctx context.Context) error

func (f ReloaderFunc) Reload(ctx context.Context) error {
	return f(ctx)
}

// Handler routes config_update envelopes to the reloader registered for
// their event type. Event types without a reloader are ignored.
type Handler struct {
	reloaders map[string]ConfigReloader
	logger    logger.Logger
}

func NewHandler(log logger.Logger) *Handler {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Handler{reloaders: make(map[string]ConfigReloader), logger: log}
}

func (h *Handler) WithReloader(eventType string, reloader ConfigReloader) *Handler {
	h.reloaders[eventType] = reloader
	return h
}

func (h *Handler) HandleConfigUpdateEvent(ctx context.Context, envelope *models.Envelope) error {
	if envelope.Kind != models.KindConfigUpdate {
		h.logger.WarnwCtx(ctx, "Unexpected envelope kind on config topic", "id", envelope.ID, "kind", envelope.Kind)
		return nil
	}

	var event models.ConfigUpdateEvent
	if err := envelope.DecodePayload(&event); err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to unmarshal config event", "error", err, "id", envelope.ID)
		return apperrors.ErrValidation.WithCause(err).WithMessage("malformed config update event").AsFatal()
	}
	if event.EventType == "" {
		h.logger.WarnwCtx(ctx, "Config event missing event_type", "id", envelope.ID)
		return nil
	}

	reloader, ok := h.reloaders[event.EventType]
	if !ok {
		return nil
	}

	h.logger.InfowCtx(ctx, "Received config update event",
		"event_type", event.EventType,
		"action", event.Action,
		"account_id", event.AccountID,
		"object_id", event.ObjectID,
	)

	if err := reloader.Reload(ctx); err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to reload after config update", "event_type", event.EventType, "error", err)
		return err
	}
	h.logger.InfowCtx(ctx, "Reloaded after config update", "event_type", event.EventType, "action", event.Action)
	return nil
}
