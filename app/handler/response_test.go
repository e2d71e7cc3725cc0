package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"wrap-studio/app/guard"
	"wrap-studio/app/service"

	"github.com/gin-gonic/gin"
)

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: 提示词不能为空", service.ErrInvalidRequest), http.StatusBadRequest},
		{service.ErrInsufficientCredits, http.StatusPaymentRequired},
		{&service.PolicyError{}, http.StatusUnprocessableEntity},
		{service.ErrTaskNotFound, http.StatusNotFound},
		{service.ErrTaskNotRefundable, http.StatusConflict},
		{service.ErrWorkerDisabled, http.StatusServiceUnavailable},
		{service.ErrSweeperDisabled, http.StatusServiceUnavailable},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := errorStatus(tc.err); got != tc.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestRespondErrorPolicyCarriesGuardResult(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	verdict := guard.Default().Evaluate("给我一模一样的漫威官方海报logo贴膜")
	respondError(c, &service.PolicyError{Result: verdict})

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	var resp struct {
		Code int          `json:"code"`
		Data guard.Result `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Action != guard.ActionReject || resp.Data.ReasonCode != guard.ReasonProtectedIPReject {
		t.Fatalf("unexpected guard result: %+v", resp.Data)
	}
}

func TestRespondErrorHidesInternalErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	respondError(c, errors.New("pq: connection refused"))
	if strings.Contains(w.Body.String(), "pq:") {
		t.Fatalf("internal error leaked: %s", w.Body.String())
	}
}

func TestParseTickRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		body string
		want int
	}{
		{"", 0},
		{`{"batchSize":4}`, 4},
		{"not json", 0},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
		if got := parseTickRequest(c).BatchSize; got != tc.want {
			t.Errorf("parseTickRequest(%q) = %d, want %d", tc.body, got, tc.want)
		}
	}
}
