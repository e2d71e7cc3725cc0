package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"wrap-studio/app/config"
	"wrap-studio/app/logger"

	"github.com/gin-gonic/gin"
)

var fixedNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newAuth(cfg config.InternalConfig) *InternalAuth {
	if cfg.HMACSkewSeconds == 0 {
		cfg.HMACSkewSeconds = 300
	}
	a := NewInternalAuth(cfg, logger.NewNop())
	a.now = func() time.Time { return fixedNow }
	return a
}

func signedHeader(secret string, ts int64, body string) http.Header {
	h := http.Header{}
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderSignature, "sha256="+Sign(secret, ts, []byte(body)))
	return h
}

func withHeader(h http.Header) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/internal/generation/worker-tick", nil)
	r.Header = h
	return r
}

func TestVerifyHMAC(t *testing.T) {
	a := newAuth(config.InternalConfig{HMACSecret: "hmac-secret"})
	body := `{"batchSize":2}`

	if !a.Verify(withHeader(signedHeader("hmac-secret", fixedNow.Unix(), body)), []byte(body)) {
		t.Fatal("valid signature rejected")
	}
	if a.Verify(withHeader(signedHeader("other-secret", fixedNow.Unix(), body)), []byte(body)) {
		t.Fatal("signature with wrong secret accepted")
	}
	if a.Verify(withHeader(signedHeader("hmac-secret", fixedNow.Unix()-1, body)), []byte(`{"batchSize":5}`)) {
		t.Fatal("signature over different body accepted")
	}
}

func TestVerifyHMACUppercaseWithoutPrefix(t *testing.T) {
	a := newAuth(config.InternalConfig{HMACSecret: "hmac-secret"})
	ts := fixedNow.Unix()

	h := http.Header{}
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderSignature, strings.ToUpper(Sign("hmac-secret", ts, nil)))
	if !a.Verify(withHeader(h), nil) {
		t.Fatal("uppercase signature without prefix rejected")
	}
}

func TestVerifyHMACSkew(t *testing.T) {
	a := newAuth(config.InternalConfig{HMACSecret: "hmac-secret", HMACSkewSeconds: 300})

	cases := []struct {
		name string
		ts   int64
		ok   bool
	}{
		{"inside window", fixedNow.Unix() - 299, true},
		{"future inside window", fixedNow.Unix() + 300, true},
		{"too old", fixedNow.Unix() - 301, false},
		{"too far ahead", fixedNow.Unix() + 301, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := a.Verify(withHeader(signedHeader("hmac-secret", tc.ts, "")), nil); got != tc.ok {
				t.Fatalf("Verify = %v, want %v", got, tc.ok)
			}
		})
	}

	h := http.Header{}
	h.Set(HeaderTimestamp, "not-a-number")
	h.Set(HeaderSignature, Sign("hmac-secret", 0, nil))
	if a.Verify(withHeader(h), nil) {
		t.Fatal("non numeric timestamp accepted")
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	a := newAuth(config.InternalConfig{HMACSecret: "hmac-secret"})
	h := signedHeader("hmac-secret", fixedNow.Unix(), "{}")

	if !a.Verify(withHeader(h), []byte("{}")) {
		t.Fatal("first request rejected")
	}
	if a.Verify(withHeader(h), []byte("{}")) {
		t.Fatal("replayed request accepted")
	}
}

func TestVerifyLegacyToken(t *testing.T) {
	a := newAuth(config.InternalConfig{WorkerSecret: "legacy"})

	h := http.Header{}
	h.Set(HeaderWorkerSecret, "legacy")
	if !a.Verify(withHeader(h), nil) {
		t.Fatal("worker secret header rejected")
	}

	h = http.Header{}
	h.Set("Authorization", "Bearer legacy")
	if !a.Verify(withHeader(h), nil) {
		t.Fatal("bearer token rejected")
	}

	h = http.Header{}
	h.Set(HeaderWorkerSecret, "wrong")
	if a.Verify(withHeader(h), nil) {
		t.Fatal("wrong token accepted")
	}
	if a.Verify(withHeader(http.Header{}), nil) {
		t.Fatal("missing token accepted")
	}
}

func TestVerifyLegacyTokenWithHMACConfigured(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderWorkerSecret, "legacy")

	allowed := newAuth(config.InternalConfig{WorkerSecret: "legacy", HMACSecret: "hmac-secret", AllowLegacyToken: true})
	if !allowed.Verify(withHeader(h), nil) {
		t.Fatal("legacy token rejected while allowed")
	}

	strict := newAuth(config.InternalConfig{WorkerSecret: "legacy", HMACSecret: "hmac-secret", AllowLegacyToken: false})
	if strict.Verify(withHeader(h), nil) {
		t.Fatal("legacy token accepted while disabled")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(a *InternalAuth) *gin.Engine {
		r := gin.New()
		r.POST("/tick", a.Middleware(), func(c *gin.Context) {
			raw, _ := c.GetRawData()
			c.String(http.StatusOK, string(raw))
		})
		return r
	}

	t.Run("not configured", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/tick", nil)
		newRouter(newAuth(config.InternalConfig{})).ServeHTTP(w, req)
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", w.Code)
		}
	})

	t.Run("unauthorized", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/tick", strings.NewReader("{}"))
		req.Header.Set(HeaderWorkerSecret, "nope")
		newRouter(newAuth(config.InternalConfig{WorkerSecret: "legacy"})).ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
	})

	t.Run("signed body reaches handler", func(t *testing.T) {
		body := `{"batchSize":3}`
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/tick", strings.NewReader(body))
		for k, v := range signedHeader("hmac-secret", fixedNow.Unix(), body) {
			req.Header[k] = v
		}
		newRouter(newAuth(config.InternalConfig{HMACSecret: "hmac-secret"})).ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if w.Body.String() != body {
			t.Fatalf("handler body = %q, want %q", w.Body.String(), body)
		}
	})
}
