package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/wanhub/internal/auth"
	"github.com/danmuck/wanhub/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("hub-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordDispatch("socket", "read")
	SetListedWatchers("reactor-a", 3)
	ForgetReactor("reactor-a")
	RecordCallbackPanic("timer")
	RecordExchange("matched")
	SetHubConnections("hub-a", 1)
	RecordAccept("hub-a", "accepted")
	RecordFrame("hub-a", "in", 0x70)
	RecordHubFault("hub-a", "framing")
}

func TestCommandLabelIsBounded(t *testing.T) {
	testlog.Start(t)
	if CommandLabel(0x70) != "ping" || CommandLabel(0x71) != "pong" {
		t.Fatalf("ping/pong labels wrong")
	}
	if CommandLabel(200) != "other" {
		t.Fatalf("unknown command label=%q", CommandLabel(200))
	}
}

func TestAdminRouterRoutes(t *testing.T) {
	testlog.Start(t)
	r := NewAdminRouter(AdminConfig{
		Node:   "hub-a",
		Token:  "secret",
		Status: func() any { return map[string]int{"connections": 2} },
	})

	tests := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{name: "health open", path: "/health", status: http.StatusOK},
		{name: "metrics open", path: "/metrics", status: http.StatusOK},
		{name: "status without token", path: "/status", status: http.StatusUnauthorized},
		{name: "status wrong token", path: "/status", token: "nope", status: http.StatusUnauthorized},
		{name: "status with token", path: "/status", token: "secret", status: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("status: got=%d want=%d body=%s", rec.Code, tc.status, rec.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body["connections"] != 2 {
		t.Fatalf("status body=%v", body)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "wanhub_http_requests_total") {
		t.Fatalf("metrics output missing http counter")
	}
}

func TestAdminRouterOpenStatusWithoutToken(t *testing.T) {
	testlog.Start(t)
	r := NewAdminRouter(AdminConfig{Node: "hub-b"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got=%d", rec.Code)
	}
}

func TestAdminRouterValidatorOverridesToken(t *testing.T) {
	testlog.Start(t)
	current := "first"
	r := NewAdminRouter(AdminConfig{
		Node:  "hub-c",
		Token: "static",
		Validator: auth.FuncValidator(func(token string) error {
			if token != current {
				return auth.ErrUnauthorized
			}
			return nil
		}),
	})
	code := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := code("static"); got != http.StatusUnauthorized {
		t.Fatalf("static token accepted: %d", got)
	}
	if got := code("first"); got != http.StatusOK {
		t.Fatalf("validator token refused: %d", got)
	}
	current = "second"
	if got := code("first"); got != http.StatusUnauthorized {
		t.Fatalf("rotated token still accepted: %d", got)
	}
	if got := code("second"); got != http.StatusOK {
		t.Fatalf("new token refused: %d", got)
	}
}
