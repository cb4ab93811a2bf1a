package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aashi6126/optiontrader/internal/config"
	"github.com/aashi6126/optiontrader/internal/eventbus"
	"github.com/aashi6126/optiontrader/internal/store"
)

func TestAdminStrategies_EnableListDisable(t *testing.T) {
	st := newWebhookTestStore(t)
	mux := http.NewServeMux()
	registerAdmin(mux, st, eventbus.New(8), config.NewOverrideState())

	body, _ := json.Marshal(store.EnabledStrategy{Ticker: "SPY", Timeframe: "1m", SignalType: "ema_cross"})
	req := httptest.NewRequest(http.MethodPost, "/admin/strategies", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("enable: want 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/strategies", nil))
	var list []store.EnabledStrategy
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].Ticker != "SPY" {
		t.Fatalf("want one enabled strategy for SPY, got %+v", list)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/strategies?ticker=SPY&timeframe=1m&signal_type=ema_cross", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("disable: want 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/strategies", nil))
	list = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list after disable: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("want no enabled strategies after disable, got %+v", list)
	}
}

func TestAdminOverrides_PostThenGetRoundTrips(t *testing.T) {
	st := newWebhookTestStore(t)
	bus := eventbus.New(8)
	id, ch := bus.Subscribe()
	defer bus.Unsubscribe(id)

	mux := http.NewServeMux()
	registerAdmin(mux, st, bus, config.NewOverrideState())

	body, _ := json.Marshal(config.Overrides{IgnoreSessionWindow: true, UseMarketOnExit: true})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/overrides", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("post override: want 200, got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case msg := <-ch:
		if msg.EventName != "overrides_changed" {
			t.Fatalf("want overrides_changed event, got %s", msg.EventName)
		}
	default:
		t.Fatalf("want the override change published on the event bus")
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/overrides", nil))
	var got config.Overrides
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode overrides: %v", err)
	}
	if !got.IgnoreSessionWindow || !got.UseMarketOnExit {
		t.Fatalf("want both override flags set, got %+v", got)
	}
}

func TestAdminFavorites_SaveListDelete(t *testing.T) {
	st := newWebhookTestStore(t)
	mux := http.NewServeMux()
	registerAdmin(mux, st, eventbus.New(8), config.NewOverrideState())

	body, _ := json.Marshal(store.Favorite{Name: "fav1", Ticker: "SPY"})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/favorites", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("save: want 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/favorites", nil))
	var favs []store.Favorite
	if err := json.Unmarshal(rec.Body.Bytes(), &favs); err != nil {
		t.Fatalf("decode favorites: %v", err)
	}
	if len(favs) != 1 || favs[0].Name != "fav1" {
		t.Fatalf("want one favorite named fav1, got %+v", favs)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/favorites?name=fav1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: want 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/favorites", nil))
	favs = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &favs); err != nil {
		t.Fatalf("decode favorites after delete: %v", err)
	}
	if len(favs) != 0 {
		t.Fatalf("want no favorites after delete, got %+v", favs)
	}
}
