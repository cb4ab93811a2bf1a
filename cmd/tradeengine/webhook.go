package main

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/aashi6126/optiontrader/internal/admission"
	"github.com/aashi6126/optiontrader/internal/config"
	"github.com/aashi6126/optiontrader/internal/observ"
	"github.com/aashi6126/optiontrader/internal/store"
)

// webhookBody is the inbound alert payload.
type webhookBody struct {
	Secret  string   `json:"secret"`
	Ticker  string   `json:"ticker"`
	Action  string   `json:"action"`
	Price   *float64 `json:"price"`
	Comment string   `json:"comment"`
	Source  string   `json:"source"`
}

// registerWebhook mounts POST /webhook on mux; the body may arrive as
// application/json or text/plain.
func registerWebhook(mux *http.ServeMux, pipeline *admission.Pipeline, cfg config.Root) {
	mux.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "rejected", "message": "could not read body"})
			return
		}

		body, parseErr := parseWebhookBody(r.Header.Get("Content-Type"), raw)
		if parseErr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "rejected", "message": parseErr.Error()})
			return
		}

		action, actionErr := parseAction(body.Action)
		if actionErr != nil || body.Ticker == "" {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"status": "rejected", "message": "schema violation: missing or invalid ticker/action"})
			return
		}

		if body.Secret != cfg.Webhook.Secret {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"status": "rejected", "message": "secret mismatch"})
			return
		}

		in := admission.AlertInput{
			RawPayload: string(raw),
			Ticker:     strings.ToUpper(body.Ticker),
			Action:     action,
			Direction:  directionFor(action),
			Secret:     body.Secret,
			IsExternal: true,
			Source:     store.SourceExternal,
		}
		if body.Price != nil {
			in.SignalPrice = *body.Price
			in.HasSignalPrice = true
		}

		outcome := pipeline.Admit(context.Background(), in)
		switch {
		case outcome.Accepted:
			writeJSON(w, http.StatusOK, map[string]any{"status": "processed", "message": "trade created", "trade_id": outcome.TradeID})
		case outcome.Rejected:
			writeJSON(w, http.StatusOK, map[string]any{"status": "rejected", "message": outcome.Reason})
		default:
			observ.Log("webhook_internal_error", map[string]any{"kind": outcome.Kind, "detail": outcome.Detail})
			writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": outcome.Detail, "kind": outcome.Kind})
		}
	})
}

func parseWebhookBody(contentType string, raw []byte) (webhookBody, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	var body webhookBody
	switch mediaType {
	case "text/plain", "":
		// TradingView-style plain-text alerts carry a raw JSON body
		// in practice despite the text/plain content type.
		if err := json.Unmarshal(raw, &body); err != nil {
			return webhookBody{}, err
		}
	default:
		if err := json.Unmarshal(raw, &body); err != nil {
			return webhookBody{}, err
		}
	}
	return body, nil
}

func parseAction(a string) (store.AlertAction, error) {
	switch strings.ToUpper(a) {
	case "BUY_CALL":
		return store.ActionBuyCall, nil
	case "BUY_PUT":
		return store.ActionBuyPut, nil
	case "CLOSE":
		return store.ActionClose, nil
	default:
		return "", errUnknownAction
	}
}

func directionFor(a store.AlertAction) store.Direction {
	if a == store.ActionBuyPut {
		return store.DirectionPut
	}
	return store.DirectionCall
}

var errUnknownAction = &unknownActionError{}

type unknownActionError struct{}

func (e *unknownActionError) Error() string { return "unknown action" }
