package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aashi6126/optiontrader/internal/config"
	"github.com/aashi6126/optiontrader/internal/eventbus"
	"github.com/aashi6126/optiontrader/internal/store"
)

// registerAdmin mounts the read/write control-surface endpoints:
// EnabledStrategy list/enable/disable, favorites CRUD, and the override
// record. No further business logic lives here; each handler is a thin
// read/write against the store (or, for overrides, the mutex-guarded
// OverrideState broadcast on the event bus).
func registerAdmin(mux *http.ServeMux, st store.Store, bus *eventbus.Bus, overrides *config.OverrideState) {
	mux.HandleFunc("/admin/strategies", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			list, err := st.ListEnabledStrategies()
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, list)
		case http.MethodPost:
			var s store.EnabledStrategy
			if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
				return
			}
			s.EnabledAt = time.Now().UTC()
			if err := st.EnableStrategy(s); err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "enabled"})
		case http.MethodDelete:
			ticker, timeframe, signalType := r.URL.Query().Get("ticker"), r.URL.Query().Get("timeframe"), r.URL.Query().Get("signal_type")
			if err := st.DisableStrategy(ticker, timeframe, signalType); err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "disabled"})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/admin/overrides", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, overrides.Get())
		case http.MethodPost:
			var next config.Overrides
			if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
				return
			}
			stored := overrides.Set(next)
			bus.Publish("overrides_changed", stored)
			writeJSON(w, http.StatusOK, stored)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/admin/favorites", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			list, err := st.ListFavorites()
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, list)
		case http.MethodPost:
			var f store.Favorite
			if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
				return
			}
			f.CreatedAt = time.Now().UTC()
			if err := st.SaveFavorite(f); err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "saved"})
		case http.MethodDelete:
			if err := st.DeleteFavorite(r.URL.Query().Get("name")); err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}
