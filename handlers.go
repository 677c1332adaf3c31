package main

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/spillguard/spill-detection-service/bind"
	"github.com/spillguard/spill-detection-service/detections"
	"github.com/spillguard/spill-detection-service/logger"
	"github.com/spillguard/spill-detection-service/models"
	"github.com/spillguard/spill-detection-service/perr"
	"github.com/spillguard/spill-detection-service/vessels"
)

const (
	maxUploadBytes  = 20 << 20
	requestIDHeader = "X-Request-ID"
)

type AppState struct {
	Detector    *detections.Detector
	Vessels     *vessels.Service
	Pool        *ModelSessionPool
	Checkpoint  string
	StoreKind   string
	Now         func() time.Time
	CORSOrigins []string
}

type predictRequest struct {
	Image string `json:"image" validate:"required,image_payload"`
}

type PredictResponse struct {
	IsSpill        bool           `json:"is_spill"`
	OilPercentage  float64        `json:"oil_percentage"`
	Confidence     float64        `json:"confidence"`
	AnnotatedImage string         `json:"annotated_image"`
	Message        string         `json:"message"`
	Details        PredictDetails `json:"details"`
}

type PredictDetails struct {
	Threshold   float64         `json:"threshold"`
	OilPixels   int             `json:"oil_pixels"`
	TotalPixels int             `json:"total_pixels"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	Regions     []models.Region `json:"regions"`
}

type OilSpillData struct {
	IsSpill       bool       `json:"is_spill"`
	OilPercentage float64    `json:"oil_percentage"`
	Confidence    float64    `json:"confidence"`
	AnalysisImage string     `json:"analysisImage,omitempty"`
	Message       string     `json:"message,omitempty"`
	Error         *perr.Wire `json:"error,omitempty"`
}

type VesselResponse struct {
	Name               string        `json:"name"`
	MMSI               string        `json:"mmsi"`
	IMO                int64         `json:"imo"`
	Latitude           float64       `json:"latitude"`
	Longitude          float64       `json:"longitude"`
	Speed              float64       `json:"speed"`
	Course             float64       `json:"course"`
	Heading            float64       `json:"heading"`
	Timestamp          *time.Time    `json:"timestamp"`
	CachedAt           time.Time     `json:"cachedAt"`
	Cached             bool          `json:"cached"`
	Weather            *string       `json:"weather"`
	WeatherDescription *string       `json:"weatherDescription"`
	Temperature        *float64      `json:"temperature"`
	WindSpeed          *float64      `json:"windspeed"`
	Humidity           *float64      `json:"humidity"`
	Pressure           *float64      `json:"pressure,omitempty"`
	Clouds             *float64      `json:"clouds,omitempty"`
	Rain               *string       `json:"rain,omitempty"`
	SatelliteImage     *string       `json:"satelliteImage"`
	OilSpillData       *OilSpillData `json:"oilSpillData"`
	ImageryError       *perr.Wire    `json:"imageryError,omitempty"`
}

// routes wraps the router in CORS so preflights are answered before route
// method matching
func (s *AppState) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, accessLogMiddleware)
	r.HandleFunc("/predict", s.handlePredict).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/vessel-position", s.handleVesselPosition).Methods(http.MethodGet)
	s.addMonitoringRoutes(r)
	return corsMiddleware(s.CORSOrigins)(r)
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	})
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

func (s *AppState) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	imgBytes, err := readImagePayload(r)
	if err != nil {
		sendErrorResponse(w, r, err)
		return
	}

	res, err := s.Detector.DetectBytes(r.Context(), imgBytes)
	if err != nil {
		sendErrorResponse(w, r, err)
		return
	}

	regions := res.Regions
	if regions == nil {
		regions = []models.Region{}
	}
	writeJSON(w, http.StatusOK, PredictResponse{
		IsSpill:        res.IsSpill,
		OilPercentage:  res.CoveragePercent,
		Confidence:     res.MaxConfidence,
		AnnotatedImage: base64.StdEncoding.EncodeToString(res.Overlay),
		Message:        getSpillMessage(res),
		Details: PredictDetails{
			Threshold:   res.Threshold,
			OilPixels:   res.SpillPixels,
			TotalPixels: res.TotalPixels,
			Width:       res.Width,
			Height:      res.Height,
			Regions:     regions,
		},
	})
}

func (s *AppState) handleVesselPosition(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Vessels.ResolveAndDetect(r.Context(), r.URL.Query().Get("name"), s.Now())
	if err != nil {
		sendErrorResponse(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vesselResponse(rep))
}

func vesselResponse(rep *vessels.Report) VesselResponse {
	v := rep.Vessel
	resp := VesselResponse{
		Name:         v.Name,
		MMSI:         v.MMSI,
		IMO:          v.IMO,
		Latitude:     v.Latitude,
		Longitude:    v.Longitude,
		Course:       v.Course,
		Heading:      v.Heading,
		CachedAt:     v.CachedAt,
		Cached:       rep.Cached,
		ImageryError: rep.ImageryError,
	}
	if !v.ObservedAt.IsZero() {
		ts := v.ObservedAt
		resp.Timestamp = &ts
	}
	if wx := v.Weather; wx != nil {
		resp.Weather = wx.Condition
		resp.WeatherDescription = wx.Description
		resp.Temperature = wx.Temperature
		resp.WindSpeed = wx.WindSpeed
		resp.Humidity = wx.Humidity
		resp.Pressure = wx.Pressure
		resp.Clouds = wx.Clouds
		resp.Rain = wx.Rain
	}
	if rep.SatelliteImage != nil {
		img := base64.StdEncoding.EncodeToString(rep.SatelliteImage)
		resp.SatelliteImage = &img
	}
	switch {
	case rep.Detection != nil:
		resp.OilSpillData = &OilSpillData{
			IsSpill:       rep.Detection.IsSpill,
			OilPercentage: rep.Detection.CoveragePercent,
			Confidence:    rep.Detection.MaxConfidence,
			AnalysisImage: base64.StdEncoding.EncodeToString(rep.Detection.Overlay),
			Message:       getSpillMessage(rep.Detection),
		}
	case rep.DetectionError != nil:
		resp.OilSpillData = &OilSpillData{Error: rep.DetectionError}
	}
	return resp
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := map[string]any{
		"checkpoint":   s.Checkpoint,
		"model_loaded": s.Pool != nil,
		"threshold":    s.Detector.Config().Threshold,
		"store":        s.StoreKind,
		"cpu_features": detections.CPUFeatures(),
		"goroutines":   runtime.NumGoroutine(),
	}
	if s.Pool != nil {
		response["pool"] = s.Pool.GetMetrics()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"model_loaded": s.Pool != nil,
	})
}

// readImagePayload accepts a JSON body with a base64 image, a multipart form
// with a file field, or the raw image bytes
func readImagePayload(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/json":
		return handleJSONRequest(r)
	case "multipart/form-data":
		return handleMultipartRequest(r)
	default:
		return handleRawRequest(r)
	}
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	req, err := bind.ParseJSON[predictRequest](r, bind.JSONOptions{MaxBytes: maxUploadBytes * 2})
	if err != nil {
		return nil, err
	}
	return decodeBase64Image(req.Image, maxUploadBytes)
}

// decodeBase64Image strips an optional data URI prefix and enforces limit on
// the decoded size
func decodeBase64Image(s string, limit int) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeInvalidInput, "image is not valid base64")
	}
	if len(raw) > limit {
		return nil, perr.InvalidInputf("image exceeds %d bytes", limit)
	}
	return raw, nil
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeInvalidInput, "invalid multipart form")
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeInvalidInput, "multipart form has no file field")
	}
	defer file.Close()

	return readLimited(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	return readLimited(r.Body)
}

func readLimited(src io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(src, maxUploadBytes+1))
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeInvalidInput, "failed to read image")
	}
	if len(raw) > maxUploadBytes {
		return nil, perr.InvalidInputf("image exceeds %d bytes", maxUploadBytes)
	}
	if len(raw) == 0 {
		return nil, perr.InvalidInputf("no image provided")
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Get().Error().Err(err).Msg("failed to write response")
	}
}

func sendErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status, wire := perr.HTTP(err)
	ev := logger.C(r.Context()).Warn()
	if status >= http.StatusInternalServerError {
		ev = logger.C(r.Context()).Error()
	}
	ev.Err(err).Int("status", status).Str("code", string(wire.Code)).Msg("request failed")
	writeJSON(w, status, wire)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequest(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.C(r.Context()).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("latency", time.Since(start)).
			Msg("http request")
	})
}
