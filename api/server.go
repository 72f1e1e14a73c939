// Package api is the thin HTTP shell over Handler: registering requests,
// reading back responses, and exposing Prometheus metrics.
//
// Grounded on the teacher's dashboard.Server (mux + CORS + JSON
// encode/decode pattern), re-routed through go-chi/chi and go-chi/cors
// instead of a bare http.ServeMux.
package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fetchkit/reqorchestrator/handler"
	"github.com/fetchkit/reqorchestrator/logger"
)

// dateLayout matches the original's "%Y-%m-%d %H:%M:%S" min_date/max_date
// format.
const dateLayout = "2006-01-02 15:04:05"

// addRequestForm is the validated shape of a POST / body.
type addRequestForm struct {
	URLHex        string `validate:"required,hexadecimal"`
	HeaderHex     string `validate:"omitempty,hexadecimal"`
	StatusCodeCSV string `validate:"required"`
	MinDate       string `validate:"omitempty"`
	MaxDate       string `validate:"omitempty"`
}

// Server exposes Handler over HTTP.
type Server struct {
	handler  *handler.Handler
	validate *validator.Validate
	log      *logger.Logger
	router   chi.Router
}

// New creates a Server wired to handler.
func New(h *handler.Handler, log *logger.Logger) *Server {
	s := &Server{
		handler:  h,
		validate: validator.New(),
		log:      log,
	}
	s.router = s.newRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	}))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Post("/", s.handleAddRequest)
	r.Get("/", s.handleGetResponse)
	return r
}

// ListenAndServe starts the HTTP server on addr and blocks until the
// process exits or an error occurs.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.log.Infof("api: listening on %s", addr)
	return srv.ListenAndServe()
}

func (s *Server) handleAddRequest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	form := addRequestForm{
		URLHex:        r.FormValue("url"),
		HeaderHex:     r.FormValue("header"),
		StatusCodeCSV: r.FormValue("status_code"),
		MinDate:       r.FormValue("min_date"),
		MaxDate:       r.FormValue("max_date"),
	}
	if form.StatusCodeCSV == "" {
		form.StatusCodeCSV = "200"
	}
	if err := s.validate.Struct(form); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}

	rawURL, err := decodeHex(form.URLHex)
	if err != nil {
		http.Error(w, "url is not valid hex", http.StatusBadRequest)
		return
	}

	headers := map[string]string{}
	if form.HeaderHex != "" {
		headerJSON, err := decodeHex(form.HeaderHex)
		if err != nil {
			http.Error(w, "header is not valid hex", http.StatusBadRequest)
			return
		}
		if err := json.Unmarshal([]byte(headerJSON), &headers); err != nil {
			http.Error(w, "header is not valid json", http.StatusBadRequest)
			return
		}
	}

	statusCodes, err := parseStatusCodes(form.StatusCodeCSV)
	if err != nil {
		http.Error(w, "status_code must be a comma-separated list of integers", http.StatusBadRequest)
		return
	}

	minDate, maxDate, err := parseDateWindow(form.MinDate, form.MaxDate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	requestID, err := s.handler.AddRequest(r.Context(), rawURL, headers, statusCodes, minDate, maxDate)
	if err != nil {
		s.log.Errorf("api: add request: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]int64{"request_id": requestID})
}

func (s *Server) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	var requestID int64
	if raw := r.URL.Query().Get("request_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "request_id must be an integer", http.StatusBadRequest)
			return
		}
		requestID = id
	}

	resp, ok, err := s.handler.GetResponse(r.Context(), requestID, "", nil, nil, time.Time{}, time.Time{})
	if err != nil {
		s.log.Errorf("api: get response: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSON(w, map[string]any{})
		return
	}

	writeJSON(w, map[string]any{
		"ResponseId": resp.ID,
		"RequestId":  resp.RequestID,
		"Timestamp":  resp.RequestedAt.Format(dateLayout),
		"StatusCode": resp.StatusCode,
		"Header":     resp.Headers,
		"Content":    hex.EncodeToString(resp.Content),
	})
}

func decodeHex(s string) (string, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parseStatusCodes(csv string) ([]int, error) {
	parts := strings.Split(csv, ",")
	codes := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		codes = append(codes, n)
	}
	return codes, nil
}

func parseDateWindow(minRaw, maxRaw string) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	minDate, maxDate := now, now

	if minRaw != "" {
		t, err := time.Parse(dateLayout, minRaw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		minDate = t.UTC()
	}
	if maxRaw != "" {
		t, err := time.Parse(dateLayout, maxRaw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		maxDate = t.UTC()
	}
	return minDate, maxDate, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
