package app

import (
	"context"
	"encoding/json"

	"assistant-core/internal/common/errors"
	"assistant-core/internal/common/logging"
	"assistant-core/internal/oauth2"
	"assistant-core/internal/storage"
)

// workPayload is the JSON shape of queue item payloads the default handler
// understands.
type workPayload struct {
	Provider string `json:"provider"`
	Action   string `json:"action"`
}

// workHandler is the default queue handler: it resolves a valid access
// token for the item's subject before acknowledging the work. Embedders
// with real deferred work supply their own Handler to app.New.
type workHandler struct {
	manager *oauth2.Manager
	logger  logging.Logger
}

func (h *workHandler) Handle(ctx context.Context, item *storage.QueueItem) error {
	var payload workPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		// a payload that cannot be decoded will never succeed
		return errors.ValidationError("queue item payload is not valid JSON").WithContext("payload_key", item.PayloadKey)
	}
	if payload.Provider == "" {
		return errors.ValidationError("queue item payload missing provider").WithContext("payload_key", item.PayloadKey)
	}

	token, err := h.manager.GetValidToken(ctx, item.Subject, payload.Provider)
	if err != nil {
		return err
	}

	h.logger.Debug("Resolved token for deferred work",
		logging.String("subject", item.Subject),
		logging.String("provider", payload.Provider),
		logging.String("action", payload.Action),
		logging.Time("token_expiry", token.Expiry),
	)
	return nil
}
