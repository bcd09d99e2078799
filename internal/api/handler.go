// Package api 配對服務的 HTTP 入口
//
// 路由：
//
//	POST /matchmake/{method}/{roomName}   joinOrCreate / create / join / joinById
//	GET  /matchmake/{roomName}            列出可加入的房間
//	GET  /health
//	GET  /stats
//	GET  /metrics
//
// joinById 的 {roomName} 是房間 ID。請求 body 是客戶端選項（JSON 物件，可省略）。
// 成功回傳座位保留；失敗回傳 {"code": 42xx, "error": "..."}。
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
	"github.com/koopa0/system-design/14-matchmaker/internal/matchmaker"
	"github.com/koopa0/system-design/14-matchmaker/internal/room"
	apperrors "github.com/koopa0/system-design/14-matchmaker/pkg/errors"
	"github.com/koopa0/system-design/14-matchmaker/pkg/logger"
)

// maxBodySize 客戶端選項的大小上限
const maxBodySize = 64 << 10

// Handler HTTP 請求處理器
type Handler struct {
	matchmaker *matchmaker.MatchMaker
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
}

// NewHandler 建立 HTTP 處理器；gatherer 為 nil 時不提供 /metrics
func NewHandler(mm *matchmaker.MatchMaker, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	return &Handler{
		matchmaker: mm,
		gatherer:   gatherer,
		logger:     logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("POST /matchmake/{method}/{roomName}", wrap(h.matchmake))
	mux.HandleFunc("GET /matchmake/{roomName}", wrap(h.listRooms))

	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// matchmake 處理四種配對方法
func (h *Handler) matchmake(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")
	target := r.PathValue("roomName")

	options, err := decodeOptions(w, r)
	if err != nil {
		h.errorResponse(w, apperrors.New(apperrors.MatchmakeUnhandled, "invalid options: "+err.Error()), http.StatusBadRequest)
		return
	}

	var res *matchmaker.SeatReservation
	switch method {
	case "joinOrCreate":
		res, err = h.matchmaker.JoinOrCreate(r.Context(), target, options)
	case "create":
		res, err = h.matchmaker.Create(r.Context(), target, options)
	case "join":
		res, err = h.matchmaker.Join(r.Context(), target, options)
	case "joinById":
		res, err = h.matchmaker.JoinByID(r.Context(), target, options)
	default:
		h.errorResponse(w, apperrors.Newf(apperrors.MatchmakeUnhandled, "unknown matchmake method %q", method), http.StatusBadRequest)
		return
	}

	if err != nil {
		h.logger.InfoContext(r.Context(), "matchmake failed", "method", method, "target", target, "error", err)
		appErr := apperrors.EnsureCode(err, apperrors.MatchmakeUnhandled)
		h.errorResponse(w, appErr, statusOf(appErr.Code))
		return
	}
	h.jsonResponse(w, res, http.StatusOK)
}

func decodeOptions(w http.ResponseWriter, r *http.Request) (room.Options, error) {
	options := room.Options{}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&options)
	if errors.Is(err, io.EOF) {
		return room.Options{}, nil
	}
	if err != nil {
		return nil, err
	}
	return options, nil
}

// listRooms 列出可加入的公開房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	listings, err := h.matchmaker.Query(r.Context(), driver.Conditions{
		driver.FieldName:     r.PathValue("roomName"),
		driver.FieldLocked:   false,
		driver.FieldPrivate:  false,
		driver.FieldUnlisted: false,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "query rooms", "error", err)
		h.errorResponse(w, apperrors.Wrap(err, apperrors.MatchmakeUnhandled, "query failed"), http.StatusInternalServerError)
		return
	}
	if listings == nil {
		listings = []driver.Listing{}
	}
	h.jsonResponse(w, listings, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status":    "healthy",
		"processId": h.matchmaker.ProcessID(),
		"time":      time.Now().Unix(),
	}, http.StatusOK)
}

// stats 本程序的房間與連線數
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.matchmaker.Stats(), http.StatusOK)
}

// statusOf 錯誤碼對應的 HTTP 狀態碼
func statusOf(code apperrors.Code) int {
	switch code {
	case apperrors.MatchmakeNoHandler, apperrors.MatchmakeInvalidCriteria, apperrors.MatchmakeInvalidRoomID:
		return http.StatusNotFound
	case apperrors.MatchmakeExpired:
		return http.StatusGone
	case apperrors.AuthFailed:
		return http.StatusUnauthorized
	case apperrors.ApplicationError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// jsonResponse 回傳 JSON
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

// errorResponse 回傳錯誤碼與訊息
func (h *Handler) errorResponse(w http.ResponseWriter, err *apperrors.AppError, status int) {
	h.jsonResponse(w, map[string]any{
		"code":  int(err.Code),
		"error": err.Message,
	}, status)
}

// loggerMiddleware 為每個請求加上 request ID 並記錄結果
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(logger.WithRequestID(r.Context(), requestID))

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(ww, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.ErrorContext(r.Context(), "panic while serving request",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path)
				h.errorResponse(w, apperrors.New(apperrors.MatchmakeUnhandled, "internal server error"), http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
