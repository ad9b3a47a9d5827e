package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/ingestion"
	"PerpLiquidator/internal/liqerr"
	"PerpLiquidator/internal/lock"
	fpmath "PerpLiquidator/internal/math"
	"PerpLiquidator/internal/observability"
	"PerpLiquidator/internal/query"
	"PerpLiquidator/internal/service"
	"PerpLiquidator/internal/state"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 16

var errForbidden = errors.New("admin token required")

// requestError marks a malformed request; it maps to 400.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(format string, args ...interface{}) error {
	return &requestError{err: fmt.Errorf(format, args...)}
}

type apiHandler func(w http.ResponseWriter, r *http.Request, params map[string]string) error

type api struct {
	liq        *service.Liquidator
	qs         *query.QueryService
	admin      *ingestion.AdminIngestService
	adminToken string
	decimals   int
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

type route struct {
	method   string
	pattern  string
	endpoint string
	admin    bool
	handler  apiHandler
}

// NewHTTPHandler builds the JSON API on a grpc-gateway ServeMux, plus the
// health and metrics endpoints.
func NewHTTPHandler(deps *ServerDeps) (http.Handler, error) {
	a := &api{
		liq:        deps.Liquidator,
		qs:         deps.Query,
		admin:      deps.Admin,
		adminToken: deps.AdminToken,
		decimals:   deps.Query.Decimals(),
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}

	routes := []route{
		{http.MethodGet, "/v1/positions", "list_positions", false, a.listPositions},
		{http.MethodGet, "/v1/positions/{owner}", "get_position", false, a.getPosition},
		{http.MethodPost, "/v1/positions/{owner}/liquidate", "liquidate", false, a.liquidate(event.LiquidationKindPartial)},
		{http.MethodPost, "/v1/positions/{owner}/liquidate-full", "liquidate_full", false, a.liquidate(event.LiquidationKindFull)},
		{http.MethodGet, "/v1/positions/{owner}/records", "records", false, a.records},
		{http.MethodGet, "/v1/accounts/{owner}/balance", "balance", false, a.balance},
		{http.MethodGet, "/v1/insurance", "insurance", false, a.insurance},
		{http.MethodGet, "/v1/admin/integrity", "integrity", true, a.integrity},
	}
	if a.admin != nil {
		routes = append(routes,
			route{http.MethodPost, "/v1/admin/positions", "admin_position", true, a.injectPosition},
			route{http.MethodPost, "/v1/admin/insurance/contributions", "admin_contribution", true, a.injectContribution},
			route{http.MethodPost, "/v1/admin/prices", "admin_price", true, a.injectPrice},
		)
	}

	mux := runtime.NewServeMux()
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, a.instrument(rt)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if deps.Gatherer != nil {
		httpMux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	httpMux.Handle("/", mux)

	return httpMux, nil
}

func (a *api) instrument(rt route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		err := a.authorizeAdmin(rt, r)
		if err == nil {
			err = rt.handler(rec, r, params)
		}
		if err != nil {
			a.writeError(rec, rt.endpoint, err)
		}

		if a.metrics != nil {
			a.metrics.QueryRequests.WithLabelValues(rt.endpoint, strconv.Itoa(rec.status)).Inc()
			a.metrics.QueryDuration.WithLabelValues(rt.endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (a *api) authorizeAdmin(rt route, r *http.Request) error {
	if !rt.admin || a.adminToken == "" {
		return nil
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) != 1 {
		return errForbidden
	}
	return nil
}

// --- Query routes ---

func (a *api) listPositions(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	positions, err := a.qs.ListPositions(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
	return nil
}

func (a *api) getPosition(w http.ResponseWriter, r *http.Request, params map[string]string) error {
	owner, err := ownerParam(params)
	if err != nil {
		return err
	}
	resp, err := a.qs.GetPosition(r.Context(), owner)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (a *api) records(w http.ResponseWriter, r *http.Request, params map[string]string) error {
	owner, err := ownerParam(params)
	if err != nil {
		return err
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			return badRequest("invalid limit %q", v)
		}
	}
	records, err := a.qs.GetRecords(r.Context(), owner, limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"owner": owner, "records": records})
	return nil
}

func (a *api) balance(w http.ResponseWriter, r *http.Request, params map[string]string) error {
	owner, err := ownerParam(params)
	if err != nil {
		return err
	}
	resp, err := a.qs.GetBalance(r.Context(), owner)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (a *api) insurance(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	resp, err := a.qs.GetFund(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

// --- Liquidation routes ---

type liquidateRequest struct {
	Liquidator string `json:"liquidator"`
	RequestID  string `json:"request_id"`
}

func (a *api) liquidate(kind event.LiquidationKind) apiHandler {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) error {
		owner, err := ownerParam(params)
		if err != nil {
			return err
		}
		var body liquidateRequest
		if err := decodeBody(r, &body); err != nil {
			return err
		}

		var liquidator uuid.UUID
		if body.Liquidator != "" {
			if liquidator, err = uuid.Parse(body.Liquidator); err != nil {
				return badRequest("invalid liquidator: %v", err)
			}
		}
		key := body.RequestID
		if key == "" {
			key = r.Header.Get("Idempotency-Key")
		}

		res, err := a.liq.Execute(r.Context(), service.Command{
			Kind:           kind,
			Owner:          owner,
			Liquidator:     liquidator,
			IdempotencyKey: key,
		})
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, a.qs.Liquidation(res))
		return nil
	}
}

// --- Admin routes ---

func (a *api) integrity(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	report, err := a.qs.VerifyIntegrity(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, report)
	return nil
}

type positionRequest struct {
	Owner      string `json:"owner"`
	Symbol     string `json:"symbol"`
	Size       string `json:"size"`
	EntryPrice string `json:"entry_price"`
	Collateral string `json:"collateral"`
	IsLong     bool   `json:"is_long"`
	Leverage   uint32 `json:"leverage"`
}

func (a *api) injectPosition(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	var body positionRequest
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	owner, err := uuid.Parse(body.Owner)
	if err != nil {
		return badRequest("invalid owner: %v", err)
	}
	size, err := a.parseUint("size", body.Size)
	if err != nil {
		return err
	}
	entry, err := a.parseUint("entry_price", body.EntryPrice)
	if err != nil {
		return err
	}
	collateral, err := a.parseInt("collateral", body.Collateral)
	if err != nil {
		return err
	}

	pos := state.Position{
		Owner:      owner,
		Symbol:     body.Symbol,
		Size:       size,
		EntryPrice: entry,
		Collateral: collateral,
		IsLong:     body.IsLong,
		Leverage:   body.Leverage,
	}
	if err := a.admin.InjectPosition(r.Context(), pos); err != nil {
		return badRequest("%v", err)
	}
	resp, err := a.qs.GetPosition(r.Context(), owner)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, resp)
	return nil
}

type contributionRequest struct {
	Authority string `json:"authority"`
	Amount    string `json:"amount"`
	Ref       string `json:"ref"`
}

func (a *api) injectContribution(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	var body contributionRequest
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	authority, err := uuid.Parse(body.Authority)
	if err != nil {
		return badRequest("invalid authority: %v", err)
	}
	amount, err := a.parseUint("amount", body.Amount)
	if err != nil {
		return err
	}
	if _, err := a.admin.InjectContribution(r.Context(), authority, amount, body.Ref); err != nil {
		return err
	}
	resp, err := a.qs.GetFund(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

type priceRequest struct {
	Feed  string `json:"feed"`
	Price string `json:"price"`
	Conf  string `json:"conf"`
}

func (a *api) injectPrice(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	var body priceRequest
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	if body.Feed == "" {
		return badRequest("feed is required")
	}
	price, err := a.parseInt("price", body.Price)
	if err != nil {
		return err
	}
	var conf uint64
	if body.Conf != "" {
		if conf, err = a.parseUint("conf", body.Conf); err != nil {
			return err
		}
	}
	if err := a.admin.InjectPrice(body.Feed, price, conf, -int32(a.decimals)); err != nil {
		return badRequest("%v", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"feed": body.Feed, "price": body.Price})
	return nil
}

// --- helpers ---

func (a *api) parseUint(field, s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, badRequest("%s: %v", field, err)
	}
	v, err := fpmath.FromDecimalUint(d, a.decimals)
	if err != nil {
		return 0, badRequest("%s: %v", field, err)
	}
	return v, nil
}

func (a *api) parseInt(field, s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, badRequest("%s: %v", field, err)
	}
	v, err := fpmath.FromDecimal(d, a.decimals)
	if err != nil {
		return 0, badRequest("%s: %v", field, err)
	}
	return v, nil
}

func ownerParam(params map[string]string) (uuid.UUID, error) {
	owner, err := uuid.Parse(params["owner"])
	if err != nil {
		return uuid.Nil, badRequest("invalid owner: %v", err)
	}
	return owner, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("decode body: %v", err)
	}
	return nil
}

// ErrorStatus maps an error to its HTTP status and gRPC code. Liquidation
// errors map by category: validation is 422, numeric 500, policy 409 and
// authorization 403.
func ErrorStatus(err error) (int, codes.Code) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, codes.InvalidArgument
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, codes.PermissionDenied
	case errors.Is(err, service.ErrPositionNotFound):
		return http.StatusNotFound, codes.NotFound
	case errors.Is(err, lock.ErrNotAcquired):
		return http.StatusServiceUnavailable, codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codes.DeadlineExceeded
	}

	code, ok := liqerr.CodeOf(err)
	if !ok {
		return http.StatusInternalServerError, codes.Internal
	}
	switch code.Category() {
	case liqerr.CategoryValidation:
		return http.StatusUnprocessableEntity, codes.InvalidArgument
	case liqerr.CategoryPolicy:
		return http.StatusConflict, codes.FailedPrecondition
	case liqerr.CategoryAuthorization:
		return http.StatusForbidden, codes.PermissionDenied
	default:
		return http.StatusInternalServerError, codes.Internal
	}
}

type errorBody struct {
	Code     int32  `json:"code"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message"`
}

func (a *api) writeError(w http.ResponseWriter, endpoint string, err error) {
	httpStatus, grpcCode := ErrorStatus(err)
	st := status.New(grpcCode, err.Error())

	body := errorBody{
		Code:    int32(st.Code()),
		Status:  st.Code().String(),
		Message: st.Message(),
	}
	if code, ok := liqerr.CodeOf(err); ok {
		body.Reason = code.String()
		body.Category = code.Category().String()
	}

	if httpStatus >= http.StatusInternalServerError {
		a.logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
	} else {
		a.logger.Debug().Err(err).Str("endpoint", endpoint).Int("status", httpStatus).Msg("request rejected")
	}
	writeJSON(w, httpStatus, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
