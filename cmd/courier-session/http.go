package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/CourierDesk/internal/integrations/ordersapi"
	"github.com/BearBump/CourierDesk/internal/models"
	"github.com/BearBump/CourierDesk/internal/services/actions"
	"github.com/BearBump/CourierDesk/internal/services/orderstate"
	"github.com/BearBump/CourierDesk/internal/services/payment"
	"github.com/BearBump/CourierDesk/internal/services/progress"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

type sessionHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	session *session
}

func runSessionHTTPServer(ctx context.Context, opts sessionHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8090"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: newSessionRouter(ctx, opts)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type orderView struct {
	models.Order
	Progress progress.Progress `json:"progress"`
}

// newSessionRouter: ctx is the session lifetime; action handlers do not stop when a client
// disconnects mid-request, otherwise the pending entry and the resync would be cut short.
func newSessionRouter(ctx context.Context, opts sessionHTTPOpts) http.Handler {
	s := opts.session
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		avail, _ := s.store.Snapshot(orderstate.ViewAvailable)
		mine, _ := s.store.Snapshot(orderstate.ViewMine)
		writeJSON(w, http.StatusOK, map[string]any{
			"userId":  s.id.UserID,
			"channel": s.channel.Stats(),
			"views": map[string]any{
				"available": viewStats(avail),
				"mine":      viewStats(mine),
			},
			"pending": s.actions.Pending(),
		})
	})

	r.Get("/orders/available", func(w http.ResponseWriter, r *http.Request) {
		snap, _ := s.store.Snapshot(orderstate.ViewAvailable)
		writeJSON(w, http.StatusOK, snap)
	})

	r.Get("/orders/mine", func(w http.ResponseWriter, r *http.Request) {
		snap, _ := s.store.Snapshot(orderstate.ViewMine)
		out := make([]orderView, 0, len(snap.Orders))
		for _, o := range snap.Orders {
			out = append(out, orderView{Order: o, Progress: progress.Of(o.Status)})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"view":      snap.View,
			"seq":       snap.Seq,
			"updatedAt": snap.UpdatedAt,
			"lastError": snap.LastError,
			"orders":    out,
		})
	})

	r.Post("/orders/{id}/accept", func(w http.ResponseWriter, r *http.Request) {
		err := s.actions.Accept(ctx, chi.URLParam(r, "id"))
		writeActionResult(w, "accepted", err)
	})

	r.Post("/orders/{id}/confirm-delivery", func(w http.ResponseWriter, r *http.Request) {
		err := s.actions.ConfirmDelivery(ctx, chi.URLParam(r, "id"))
		writeActionResult(w, "delivered", err)
	})

	r.Post("/refresh", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.InvalidateAll(ctx); err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"refreshed": true})
	})

	// Страница возврата платёжного провайдера; повторный заход не шлёт подтверждение ещё раз.
	r.Get("/payment/return", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.payments.HandleRedirect(ctx, r.URL.Query()))
	})

	r.Post("/payment/{ref}/retry", func(w http.ResponseWriter, r *http.Request) {
		ref := chi.URLParam(r, "ref")
		if s.limiter != nil {
			ok, n, err := s.limiter.Allow(r.Context(), "courier:payment:retry:"+s.id.UserID+":"+ref)
			if err != nil {
				slog.Warn("retry limiter unavailable", "txn_ref", ref, "error", err.Error())
			} else if !ok {
				writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "too many retries", "attempts": n})
				return
			}
		}
		res, err := s.payments.Retry(ctx, ref)
		switch {
		case errors.Is(err, payment.ErrUnknownRef):
			writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
			return
		case errors.Is(err, payment.ErrNotRetryable):
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Get("/payment/{ref}", func(w http.ResponseWriter, r *http.Request) {
		st, err := s.payments.Status(r.Context(), chi.URLParam(r, "ref"))
		switch {
		case errors.Is(err, payment.ErrUnknownRef):
			writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		case err != nil:
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		default:
			writeJSON(w, http.StatusOK, st)
		}
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		cfg := s.cfg
		// Без секретов: только то, что влияет на поведение сессии.
		writeJSON(w, http.StatusOK, map[string]any{
			"userId":               s.id.UserID,
			"apiBaseURL":           cfg.API.BaseURL,
			"apiFake":              cfg.API.Fake,
			"transport":            cfg.Notifications.Transport,
			"hubURL":               cfg.Notifications.HubURL,
			"reconnectDelaySec":    cfg.Notifications.ReconnectDelaySeconds,
			"reconnectMaxAttempts": cfg.Notifications.ReconnectMaxAttempts,
			"paymentRecordBackend": cfg.Payment.RecordBackend,
			"journalEnabled":       cfg.Kafka.JournalEnabled,
		})
	})

	if opts.swaggerPath != "" {
		if fi, err := os.Stat(opts.swaggerPath); err == nil {
			r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Cache-Control", "no-store")
				http.ServeFile(w, r, opts.swaggerPath)
			})
			swaggerURL := fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
			r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
		} else {
			slog.Warn("swagger file not found, /docs disabled", "path", opts.swaggerPath)
		}
	}

	return r
}

func viewStats(snap orderstate.ViewSnapshot) map[string]any {
	return map[string]any{
		"count":          len(snap.Orders),
		"seq":            snap.Seq,
		"updatedAt":      snap.UpdatedAt,
		"lastError":      snap.LastError,
		"staleDiscarded": snap.Stale,
	}
}

func writeActionResult(w http.ResponseWriter, okKey string, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{okKey: true})
	case errors.Is(err, actions.ErrAlreadyPending):
		// повторный клик молча поглощаем
		writeJSON(w, http.StatusAccepted, map[string]any{"pending": true})
	case errors.Is(err, actions.ErrEmptyOrderID):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case ordersapi.IsConflict(err):
		writeJSON(w, http.StatusConflict, map[string]any{"conflict": true, "error": err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
