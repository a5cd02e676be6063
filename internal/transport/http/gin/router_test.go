package httpgin

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jbae-dev/stagepass/internal/service/payment"
	"github.com/jbae-dev/stagepass/internal/service/reservation"
	"github.com/jbae-dev/stagepass/internal/service/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRespondErrStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusNoContent},
		{"missing session header", session.ErrMissingSessionHeader, http.StatusUnauthorized},
		{"invalid session", session.ErrInvalidSession, http.StatusUnauthorized},
		{"invalid waiting token", session.ErrInvalidWaitingToken, http.StatusUnauthorized},
		{"schedule mismatch", session.ErrScheduleMismatch, http.StatusForbidden},
		{"duplicate token use", session.ErrDuplicateTokenUse, http.StatusConflict},
		{"seat already held", reservation.ErrSeatAlreadyHeld, http.StatusConflict},
		{"seat sold", reservation.ErrSeatSold, http.StatusConflict},
		{"hold expired", reservation.ErrSeatHoldExpired, http.StatusConflict},
		{"not held by user", reservation.ErrSeatNotHeldByUser, http.StatusConflict},
		{"reservation not found", reservation.ErrReservationNotFound, http.StatusNotFound},
		{"not owner", reservation.ErrNotOwner, http.StatusForbidden},
		{"no price", reservation.ErrPriceGradeNotFound, http.StatusUnprocessableEntity},
		{"payment not found", payment.ErrPaymentNotFound, http.StatusNotFound},
		{"payment conflict", payment.ErrInvalidTransition, http.StatusConflict},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
		{"wrapped sentinel", errors.Join(errors.New("ctx"), reservation.ErrSeatSold), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			respondErr(c, tt.err)
			c.Writer.WriteHeaderNow()

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestWriteJSONWithCache(t *testing.T) {
	payload := map[string]int{"a": 1}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	writeJSONWithCache(c, http.StatusOK, payload, "public, max-age=15", true)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("no ETag header")
	}

	var out map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if out["a"] != 1 {
		t.Errorf("body = %v", out)
	}

	// Same payload with a matching If-None-Match gets a 304.
	w2 := httptest.NewRecorder()
	c2, _ := gin.CreateTestContext(w2)
	c2.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c2.Request.Header.Set("If-None-Match", etag)

	writeJSONWithCache(c2, http.StatusOK, payload, "public, max-age=15", true)
	c2.Writer.WriteHeaderNow()

	if w2.Code != http.StatusNotModified {
		t.Errorf("status = %d, want 304", w2.Code)
	}
	if w2.Body.Len() != 0 {
		t.Errorf("304 carried a body: %s", w2.Body.String())
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	t.Run("generates when absent", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		if w.Header().Get("X-Request-ID") == "" {
			t.Error("no X-Request-ID generated")
		}
	})

	t.Run("echoes when present", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "req-123")

		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if got := w.Header().Get("X-Request-ID"); got != "req-123" {
			t.Errorf("X-Request-ID = %q, want req-123", got)
		}
	})
}

func TestLoggingMiddlewarePassesThrough(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := gin.New()
	r.Use(LoggingMiddleware(logger))
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok?q=1", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", w.Body.String())
	}
}
