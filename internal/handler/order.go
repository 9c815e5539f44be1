package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"externalorder/internal/model"
	"externalorder/internal/mw"
	"externalorder/internal/service"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

const dateLayout = "2006-01-02"

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", dateLayout}

type OrderService interface {
	Insert(ctx context.Context, order model.ExternalOrder) (*model.ExternalOrder, error)
	Update(ctx context.Context, req model.UpdateRequest) error
	Delete(ctx context.Context, req model.DeleteRequest) error
	Get(ctx context.Context, platform, tid string) (*model.ExternalOrder, service.Source, error)
	PageQuery(ctx context.Context, q service.PageQuery) (*model.PageResult, error)
}

func QueryOrderHandler(svc OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		order, src, err := svc.Get(r.Context(), q.Get("from_platform"), q.Get("tid"))
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeResponse(w, http.StatusOK, model.OK(order, "from "+string(src)))
	}
}

func PageQueryHandler(svc OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pq, err := parsePageQuery(r)
		if err != nil {
			writeFailure(w, err, nil)
			return
		}

		res, err := svc.PageQuery(r.Context(), pq)
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeResponse(w, http.StatusOK, model.OK(res, "success"))
	}
}

func InsertOrderHandler(svc OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var order model.ExternalOrder
		if err := decodeBody(w, r, &order); err != nil {
			writeFailure(w, err, false)
			return
		}

		caller := callerOf(r)
		slog.Info("insert external order requested", "caller", caller, "platform", order.FromPlatform, "tid", order.Tid)
		if _, err := svc.Insert(r.Context(), order); err != nil {
			slog.Error("insert external order failed", "caller", caller, "tid", order.Tid, "error", err)
			writeFailure(w, err, false)
			return
		}
		writeResponse(w, http.StatusOK, model.OK(true, "success"))
	}
}

func UpdateOrderHandler(svc OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.UpdateRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeFailure(w, err, false)
			return
		}

		caller := callerOf(r)
		slog.Info("update external order requested", "caller", caller, "platform", req.Order.FromPlatform, "tid", req.Order.Tid, "event", req.Event)
		if err := svc.Update(r.Context(), req); err != nil {
			slog.Error("update external order failed", "caller", caller, "tid", req.Order.Tid, "error", err)
			writeFailure(w, err, false)
			return
		}
		writeResponse(w, http.StatusOK, model.OK(true, "success"))
	}
}

func DeleteOrderHandler(svc OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.DeleteRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeFailure(w, err, false)
			return
		}

		caller := callerOf(r)
		slog.Info("delete external order requested", "caller", caller, "platform", req.FromPlatform, "tid", req.Tid)
		if err := svc.Delete(r.Context(), req); err != nil {
			slog.Error("delete external order failed", "caller", caller, "tid", req.Tid, "error", err)
			writeFailure(w, err, false)
			return
		}
		writeResponse(w, http.StatusOK, model.OK(true, "success"))
	}
}

func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, http.StatusOK, model.OK(nil, "ok"))
}

// callerOf names the authenticated caller, or "anonymous" when auth is off.
func callerOf(r *http.Request) string {
	if caller, ok := mw.CallerFromContext(r.Context()); ok {
		return caller
	}
	return "anonymous"
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json: %v", errBadRequest, err)
	}
	return nil
}

func parsePageQuery(r *http.Request) (service.PageQuery, error) {
	q := r.URL.Query()
	var pq service.PageQuery
	var err error

	if v := q.Get("page"); v != "" {
		if pq.Page, err = strconv.Atoi(v); err != nil {
			return pq, fmt.Errorf("%w: page must be a number", errBadRequest)
		}
	}
	if v := q.Get("size"); v != "" {
		if pq.Size, err = strconv.Atoi(v); err != nil {
			return pq, fmt.Errorf("%w: size must be a number", errBadRequest)
		}
	}
	if pq.From, err = parseTime(q.Get("from")); err != nil {
		return pq, err
	}
	if pq.To, err = parseTime(q.Get("to")); err != nil {
		return pq, err
	}
	// A date-only upper bound includes the whole day.
	if pq.To != nil && isDateOnly(q.Get("to")) {
		end := pq.To.AddDate(0, 0, 1).Add(-time.Microsecond)
		pq.To = &end
	}
	return pq, nil
}

func isDateOnly(v string) bool {
	_, err := time.Parse(dateLayout, v)
	return err == nil
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: unsupported time %q", errBadRequest, v)
}
