package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/floodwatch-tech/floodwatch/core/logger"
	"github.com/floodwatch-tech/floodwatch/core/schema"
	"github.com/floodwatch-tech/floodwatch/gateway"
	"github.com/floodwatch-tech/floodwatch/gateway/pending"
	"github.com/floodwatch-tech/floodwatch/gateway/session"
	"github.com/floodwatch-tech/floodwatch/gateway/whitelist"
	"github.com/floodwatch-tech/floodwatch/storage"
)

const registrationSchemaID = "https://floodwatch.example/schemas/registration.json"

const registrationSchema = `
{
	"$id": "https://floodwatch.example/schemas/registration.json",
	"type": "object",
	"required": ["device_token", "warning_level", "danger_level"],
	"properties": {
		"device_token": { "type": "string", "minLength": 8 },
		"warning_level": { "type": "number", "minimum": 0 },
		"danger_level": { "type": "number", "minimum": 0 },
		"sensor_height": { "type": "number", "minimum": 0 }
	}
}`

// registrationRequest is the operator-facing registration body. The device
// identity comes from the route, not the body.
type registrationRequest struct {
	DeviceID     string  `json:"device_id"`
	DeviceToken  string  `json:"device_token"`
	WarningLevel float64 `json:"warning_level"`
	DangerLevel  float64 `json:"danger_level"`
	SensorHeight float64 `json:"sensor_height,omitempty"`
}

// Service is the REST interface for the floodwatch gateway
type Service struct {
	gateway   *gateway.Gateway
	whitelist *whitelist.Store
	storage   *storage.API
	validator *schema.Validator
}

// Builder is a builder helper for the Service
type Builder struct {
	// Gateway is the gateway core. This is mandatory.
	Gateway *gateway.Gateway
	// Whitelist is the allow-list store, used for the whitelist routes.
	// This is mandatory.
	Whitelist *whitelist.Store
	// Storage is the telemetry store backing the readings route. The
	// route is not registered when no storage is configured.
	Storage *storage.API
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// JWTSecret enables bearer token authentication on all routes when
	// set. Tokens must be HMAC-signed with this secret.
	JWTSecret string
}

// New returns a new API service and adds its routes to the router.
func New(b *Builder) *Service {
	if b.Gateway == nil {
		panic("gateway is missing")
	}
	if b.Whitelist == nil {
		panic("whitelist store is missing")
	}
	if b.Router == nil {
		panic("router is missing")
	}

	validator, err := schema.NewValidator([]string{registrationSchema}, nil)
	if err != nil {
		panic(err)
	}

	s := &Service{
		gateway:   b.Gateway,
		whitelist: b.Whitelist,
		storage:   b.Storage,
		validator: validator,
	}
	if len(b.JWTSecret) > 0 {
		b.Router.Use(newAuthMiddleware([]byte(b.JWTSecret)))
	}
	s.handleRoutes(b.Router)
	return s
}

// newAuthMiddleware returns a middleware handler to validate
// HMAC-signed JWT bearer tokens.
func newAuthMiddleware(secret []byte) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(auth, "Bearer ")
			token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			h.ServeHTTP(w, r)
		})
	}
}

func (s *Service) handleRoutes(router *mux.Router) {
	logger.Default().Info("api: handle route /devices/{device_id}/registration POST")
	logger.Default().Info("api: handle route /devices/{device_id}/commands POST")
	logger.Default().Info("api: handle route /whitelist/refresh POST")
	logger.Default().Info("api: handle route /whitelist/{device_id} GET")
	logger.Default().Info("api: handle route /health GET")

	router.HandleFunc("/devices/{device_id}/registration", s.registerDevice).Methods(http.MethodPost)
	router.HandleFunc("/devices/{device_id}/commands", s.publishCommand).Methods(http.MethodPost)
	if s.storage != nil {
		logger.Default().Info("api: handle route /devices/{device_id}/readings GET")
		router.HandleFunc("/devices/{device_id}/readings", s.recentReadings).Methods(http.MethodGet)
	}
	router.HandleFunc("/whitelist/refresh", s.refreshWhitelist).Methods(http.MethodPost)
	router.HandleFunc("/whitelist/{device_id}", s.whitelistStatus).Methods(http.MethodGet)
	router.HandleFunc("/health", s.health).Methods(http.MethodGet)
}

func (s *Service) registerDevice(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	deviceID := params["device_id"]
	ctx, rlog := logger.ContextWithLoggerDevice(r.Context(), deviceID)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}
	if err := s.validator.ValidateBytes(body, registrationSchemaID); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	request := registrationRequest{}
	if err := json.Unmarshal(body, &request); err != nil {
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return
	}
	request.DeviceID = deviceID
	payload, _ := json.Marshal(request)

	timeout := time.Duration(0)
	if t := r.URL.Query().Get("timeout"); len(t) > 0 {
		seconds, err := strconv.Atoi(t)
		if err != nil || seconds <= 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = time.Duration(seconds) * time.Second
	}

	response, err := s.gateway.RegisterDevice(ctx, deviceID, payload, timeout)
	switch {
	case errors.Is(err, gateway.ErrAlreadyRegistered):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "ignored",
			"message": "device already registered",
		})
		return
	case errors.Is(err, pending.ErrAlreadyPending):
		http.Error(w, "a registration for this device is already pending", http.StatusConflict)
		return
	case errors.Is(err, pending.ErrTimeout):
		http.Error(w, "timeout waiting for device registration", http.StatusGatewayTimeout)
		return
	case errors.Is(err, session.ErrNotConnected):
		http.Error(w, "broker connection is down", http.StatusServiceUnavailable)
		return
	case err != nil:
		rlog.Errorln("registration failed:", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(response)
}

func (s *Service) publishCommand(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	deviceID := params["device_id"]
	ctx, _ := logger.ContextWithLoggerDevice(r.Context(), deviceID)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return
	}

	err = s.gateway.PublishCommand(ctx, deviceID, body)
	switch {
	case errors.Is(err, gateway.ErrNotWhitelisted):
		http.Error(w, "device is not whitelisted", http.StatusForbidden)
		return
	case errors.Is(err, session.ErrNotConnected):
		http.Error(w, "broker connection is down", http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) recentReadings(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	deviceID := params["device_id"]

	limit := 0
	if l := r.URL.Query().Get("limit"); len(l) > 0 {
		var err error
		limit, err = strconv.Atoi(l)
		if err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	readings, err := s.storage.RecentReadings(r.Context(), deviceID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(readings)
}

func (s *Service) refreshWhitelist(w http.ResponseWriter, r *http.Request) {
	count, err := s.whitelist.Refresh(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Warningln("on-demand whitelist refresh failed:", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"device_count": count})
}

func (s *Service) whitelistStatus(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	deviceID := params["device_id"]
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		DeviceID   string `json:"device_id"`
		Authorized bool   `json:"authorized"`
	}{
		DeviceID:   deviceID,
		Authorized: s.whitelist.Contains(deviceID),
	})
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		State     string `json:"state"`
		Connected bool   `json:"connected"`
		Devices   int    `json:"devices"`
	}{
		State:     s.gateway.State().String(),
		Connected: s.gateway.Connected(),
		Devices:   s.whitelist.Count(),
	})
}
