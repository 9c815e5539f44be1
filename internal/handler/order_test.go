package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"externalorder/internal/model"
	"externalorder/internal/service"
	"externalorder/internal/storage"
)

type fakeOrderService struct {
	order     *model.ExternalOrder
	source    service.Source
	page      *model.PageResult
	err       error
	gotOrder  model.ExternalOrder
	gotUpdate model.UpdateRequest
	gotDelete model.DeleteRequest
	gotQuery  service.PageQuery
	gotGet    [2]string
}

func (f *fakeOrderService) Insert(_ context.Context, o model.ExternalOrder) (*model.ExternalOrder, error) {
	f.gotOrder = o
	if f.err != nil {
		return nil, f.err
	}
	return &o, nil
}

func (f *fakeOrderService) Update(_ context.Context, req model.UpdateRequest) error {
	f.gotUpdate = req
	return f.err
}

func (f *fakeOrderService) Delete(_ context.Context, req model.DeleteRequest) error {
	f.gotDelete = req
	return f.err
}

func (f *fakeOrderService) Get(_ context.Context, platform, tid string) (*model.ExternalOrder, service.Source, error) {
	f.gotGet = [2]string{platform, tid}
	if f.err != nil {
		return nil, "", f.err
	}
	return f.order, f.source, nil
}

func (f *fakeOrderService) PageQuery(_ context.Context, q service.PageQuery) (*model.PageResult, error) {
	f.gotQuery = q
	if f.err != nil {
		return nil, f.err
	}
	return f.page, nil
}

type envelope struct {
	Code model.ResponseCode `json:"code"`
	Data json.RawMessage    `json:"data"`
	Msg  string             `json:"msg"`
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode envelope: %v (%s)", err, rec.Body.String())
		}
	}
	return rec, env
}

func TestQueryOrderHandler(t *testing.T) {
	t.Parallel()

	t.Run("hit reports source", func(t *testing.T) {
		svc := &fakeOrderService{order: &model.ExternalOrder{FromPlatform: "jd", Tid: "1"}, source: service.SourceCache}
		rec, env := do(t, NewRouter(svc, ""), http.MethodGet, "/api/external-order/query?from_platform=jd&tid=1", "", nil)

		if rec.Code != http.StatusOK || env.Code != model.CodeSuccess || env.Msg != "from cache" {
			t.Fatalf("unexpected response %d %+v", rec.Code, env)
		}
		if svc.gotGet != [2]string{"jd", "1"} {
			t.Fatalf("unexpected identity %v", svc.gotGet)
		}
		if !strings.Contains(string(env.Data), `"tid":"1"`) {
			t.Fatalf("expected order payload, got %s", env.Data)
		}
	})

	t.Run("not found", func(t *testing.T) {
		svc := &fakeOrderService{err: storage.ErrOrderNotFound}
		rec, env := do(t, NewRouter(svc, ""), http.MethodGet, "/api/external-order/query?from_platform=jd&tid=1", "", nil)

		if rec.Code != http.StatusNotFound || env.Code != model.CodeFail || string(env.Data) != "null" {
			t.Fatalf("unexpected response %d %+v", rec.Code, env)
		}
	})
}

func TestPageQueryHandler(t *testing.T) {
	t.Parallel()

	svc := &fakeOrderService{page: &model.PageResult{Total: 3, Page: 2, Size: 1}}
	h := NewRouter(svc, "")

	rec, env := do(t, h, http.MethodGet, "/api/external-order/page-query?page=2&size=1&from=2025-01-01&to=2025-01-31T23:59:59Z", "", nil)
	if rec.Code != http.StatusOK || env.Code != model.CodeSuccess {
		t.Fatalf("unexpected response %d %+v", rec.Code, env)
	}
	if svc.gotQuery.Page != 2 || svc.gotQuery.Size != 1 {
		t.Fatalf("unexpected query %+v", svc.gotQuery)
	}
	if svc.gotQuery.From == nil || !svc.gotQuery.From.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected from %v", svc.gotQuery.From)
	}
	if svc.gotQuery.To == nil || svc.gotQuery.To.Day() != 31 {
		t.Fatalf("unexpected to %v", svc.gotQuery.To)
	}

	do(t, h, http.MethodGet, "/api/external-order/page-query?from=2025-03-01&to=2025-03-01", "", nil)
	wantTo := time.Date(2025, 3, 1, 23, 59, 59, 999999000, time.UTC)
	if svc.gotQuery.To == nil || !svc.gotQuery.To.Equal(wantTo) {
		t.Fatalf("date-only to must cover the whole day, got %v", svc.gotQuery.To)
	}
	if !svc.gotQuery.From.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("date-only from must start at midnight, got %v", svc.gotQuery.From)
	}

	for _, target := range []string{
		"/api/external-order/page-query?page=x",
		"/api/external-order/page-query?size=x",
		"/api/external-order/page-query?from=yesterday",
	} {
		rec, env := do(t, h, http.MethodGet, target, "", nil)
		if rec.Code != http.StatusBadRequest || env.Code != model.CodeFail {
			t.Fatalf("%s: expected 400, got %d %+v", target, rec.Code, env)
		}
	}
}

func TestWriteHandlers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		path           string
		body           string
		serviceErr     error
		expectedStatus int
		expectedCode   model.ResponseCode
	}{
		{name: "insert", path: "/insert", body: `{"from_platform":"jd","tid":"1","status":"CREATED"}`, expectedStatus: http.StatusOK, expectedCode: model.CodeSuccess},
		{name: "insert bad json", path: "/insert", body: `{`, expectedStatus: http.StatusBadRequest, expectedCode: model.CodeFail},
		{name: "insert validation", path: "/insert", body: `{}`, serviceErr: fmt.Errorf("%w: %w", service.ErrValidation, model.ErrTidRequired), expectedStatus: http.StatusBadRequest, expectedCode: model.CodeFail},
		{name: "insert duplicate", path: "/insert", body: `{}`, serviceErr: storage.ErrOrderExists, expectedStatus: http.StatusConflict, expectedCode: model.CodeFail},
		{name: "insert rejected by database", path: "/insert", body: `{}`, serviceErr: fmt.Errorf("insert external order: %w: %w", storage.ErrInvalidRecord, errors.New("numeric field overflow")), expectedStatus: http.StatusBadRequest, expectedCode: model.CodeFail},
		{name: "insert store down", path: "/insert", body: `{}`, serviceErr: errors.New("connection refused"), expectedStatus: http.StatusInternalServerError, expectedCode: model.CodeFail},
		{name: "update", path: "/update", body: `{"eo":{"from_platform":"jd","tid":"1","status":"CREATED"},"event":"pay"}`, expectedStatus: http.StatusOK, expectedCode: model.CodeSuccess},
		{name: "update zero rows", path: "/update", body: `{"eo":{}}`, serviceErr: storage.ErrRowsAffected, expectedStatus: http.StatusConflict, expectedCode: model.CodeFail},
		{name: "update rejected transition", path: "/update", body: `{"eo":{}}`, serviceErr: service.ErrTransitionRejected, expectedStatus: http.StatusConflict, expectedCode: model.CodeFail},
		{name: "delete", path: "/delete", body: `{"from_platform":"jd","tid":"1"}`, expectedStatus: http.StatusOK, expectedCode: model.CodeSuccess},
		{name: "delete twice", path: "/delete", body: `{"from_platform":"jd","tid":"1"}`, serviceErr: storage.ErrRowsAffected, expectedStatus: http.StatusConflict, expectedCode: model.CodeFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeOrderService{err: tt.serviceErr}
			rec, env := do(t, NewRouter(svc, ""), http.MethodPost, "/api/external-order"+tt.path, tt.body, nil)

			if rec.Code != tt.expectedStatus || env.Code != tt.expectedCode {
				t.Fatalf("expected %d/%d, got %d %+v", tt.expectedStatus, tt.expectedCode, rec.Code, env)
			}
			wantData := "true"
			if tt.expectedCode == model.CodeFail {
				wantData = "false"
				if env.Msg == "" {
					t.Fatalf("expected failure cause in msg")
				}
			}
			if string(env.Data) != wantData {
				t.Fatalf("expected data %s, got %s", wantData, env.Data)
			}
		})
	}
}

func TestWriteHandlers_DecodeRequests(t *testing.T) {
	t.Parallel()

	svc := &fakeOrderService{}
	h := NewRouter(svc, "")

	do(t, h, http.MethodPost, "/api/external-order/update", `{"eo":{"from_platform":"jd","tid":"1","status":"CREATED"},"event":"pay"}`, nil)
	if svc.gotUpdate.Event != "pay" || svc.gotUpdate.Order.Tid != "1" {
		t.Fatalf("unexpected update request %+v", svc.gotUpdate)
	}

	do(t, h, http.MethodPost, "/api/external-order/delete", `{"from_platform":"jd","tid":"9"}`, nil)
	if svc.gotDelete != (model.DeleteRequest{FromPlatform: "jd", Tid: "9"}) {
		t.Fatalf("unexpected delete request %+v", svc.gotDelete)
	}
}

func TestRouter_AuthOnWrites(t *testing.T) {
	t.Parallel()

	const secret = "s3cret"
	svc := &fakeOrderService{order: &model.ExternalOrder{Tid: "1"}, source: service.SourceDatabase}
	h := NewRouter(svc, secret)

	rec, _ := do(t, h, http.MethodPost, "/api/external-order/delete", `{"from_platform":"jd","tid":"1"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "gateway"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec, _ = do(t, h, http.MethodPost, "/api/external-order/delete", `{"from_platform":"jd","tid":"1"}`,
		map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}

	rec, _ = do(t, h, http.MethodGet, "/api/external-order/query?from_platform=jd&tid=1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reads stay open, got %d", rec.Code)
	}
}

// Not parallel: swaps the default logger.
func TestWriteHandlers_LogCaller(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	const secret = "s3cret"
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "order-gateway"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rec, _ := do(t, NewRouter(&fakeOrderService{}, secret), http.MethodPost, "/api/external-order/delete",
		`{"from_platform":"jd","tid":"1"}`, map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"caller":"order-gateway"`) {
		t.Fatalf("expected caller in log, got %s", buf.String())
	}

	buf.Reset()
	do(t, NewRouter(&fakeOrderService{}, ""), http.MethodPost, "/api/external-order/delete", `{"from_platform":"jd","tid":"1"}`, nil)
	if !strings.Contains(buf.String(), `"caller":"anonymous"`) {
		t.Fatalf("expected anonymous caller in log, got %s", buf.String())
	}
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	rec, env := do(t, NewRouter(&fakeOrderService{}, ""), http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || env.Msg != "ok" {
		t.Fatalf("unexpected health response %d %+v", rec.Code, env)
	}
}
