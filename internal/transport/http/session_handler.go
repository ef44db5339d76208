package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"school-assistant/internal/app"
	"school-assistant/internal/bridge"
	"school-assistant/internal/domain"
)

// SessionDeps is what every device's SessionBootstrap is built from.
type SessionDeps struct {
	Store       app.KeyValueStore
	Auth        app.Authenticator
	Validator   func(initData string) bool
	Recorder    app.Recorder
	Log         logrus.FieldLogger
	AuthTimeout time.Duration
	// IdleTimeout bounds how long an unused device stays registered.
	IdleTimeout time.Duration
	Now         func() time.Time
}

// DefaultDeviceIdleTimeout applies when SessionDeps.IdleTimeout is zero.
const DefaultDeviceIdleTimeout = time.Hour

// SessionHandler serves the identity endpoints. It keeps one bootstrap per
// device id, each over its own namespace of the shared store.
type SessionHandler struct {
	deps     SessionDeps
	validate *validator.Validate

	mu      sync.Mutex
	devices map[string]*device
}

type device struct {
	boot     *app.SessionBootstrap
	webApp   *bridge.WebApp
	lastSeen time.Time
}

func NewSessionHandler(deps SessionDeps) *SessionHandler {
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	if deps.IdleTimeout <= 0 {
		deps.IdleTimeout = DefaultDeviceIdleTimeout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &SessionHandler{
		deps:     deps,
		validate: v,
		devices:  make(map[string]*device),
	}
}

// Register mounts the session routes on mux.
func (h *SessionHandler) Register(mux *http.ServeMux, wrap func(path string, next http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(_ string, next http.Handler) http.Handler { return next }
	}
	routes := map[string]http.HandlerFunc{
		"/api/session/init":    h.Init,
		"/api/session/refresh": h.Refresh,
		"/api/session/points":  h.Points,
		"/api/session/logout":  h.Logout,
	}
	for path, fn := range routes {
		mux.Handle(path, wrap(path, postOnly(fn)))
	}
}

type initRequest struct {
	DeviceID string            `json:"device_id" validate:"required,max=64,printascii"`
	InitData string            `json:"init_data" validate:"max=4096"`
	User     *domain.HostUser  `json:"user"`
	Theme    map[string]string `json:"theme"`
}

type deviceRequest struct {
	DeviceID string `json:"device_id" validate:"required,max=64,printascii"`
}

type pointsRequest struct {
	DeviceID string `json:"device_id" validate:"required,max=64,printascii"`
	Delta    int    `json:"delta" validate:"gte=0,lte=100000"`
}

type sessionResponse struct {
	User      *domain.UserIdentity `json:"user"`
	Source    app.IdentitySource   `json:"source,omitempty"`
	Alerts    []string             `json:"alerts"`
	Theme     map[string]string    `json:"theme,omitempty"`
	Available bool                 `json:"available"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
	Retry  bool              `json:"retry,omitempty"`
}

// Init resolves the device's identity. The bootstrap is built on first use and
// rebuilt from this request whenever the device holds no identity.
func (h *SessionHandler) Init(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if !h.decode(w, r, &req) {
		return
	}

	d := h.device(req)
	user, err := d.boot.Initialize(r.Context())
	if err != nil {
		h.fail(w, req.DeviceID, err)
		return
	}
	writeJSON(w, http.StatusOK, h.response(d, &user))
}

// Refresh re-authenticates an already initialized device.
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, ok := h.lookup(w, req.DeviceID)
	if !ok {
		return
	}
	user, err := d.boot.Refresh(r.Context())
	if err != nil {
		h.fail(w, req.DeviceID, err)
		return
	}
	writeJSON(w, http.StatusOK, h.response(d, &user))
}

// Points credits a non-negative delta to the device's identity.
func (h *SessionHandler) Points(w http.ResponseWriter, r *http.Request) {
	var req pointsRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, ok := h.lookup(w, req.DeviceID)
	if !ok {
		return
	}
	user, ok, err := d.boot.AwardPoints(r.Context(), req.Delta)
	if err != nil {
		h.fail(w, req.DeviceID, err)
		return
	}
	if !ok {
		h.fail(w, req.DeviceID, domain.ErrNoIdentity)
		return
	}
	writeJSON(w, http.StatusOK, h.response(d, &user))
}

// Logout clears the device's identity. The next init rebuilds the device from
// its own request.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, ok := h.lookup(w, req.DeviceID)
	if !ok {
		return
	}
	if err := d.boot.Logout(r.Context()); err != nil {
		h.fail(w, req.DeviceID, err)
		return
	}
	writeJSON(w, http.StatusOK, h.response(d, nil))
}

func (h *SessionHandler) device(req initRequest) *device {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.deps.Now()
	if d, ok := h.devices[req.DeviceID]; ok {
		if _, active := d.boot.Current(); active {
			d.lastSeen = now
			return d
		}
	}

	webApp := bridge.New(bridge.Options{InitData: req.InitData, Hint: req.User, Theme: req.Theme})
	opts := []app.BootstrapOption{
		app.WithNotifier(app.NewAlertNotifier(webApp)),
		app.WithLogger(h.deps.Log.WithField("device_id", req.DeviceID)),
	}
	if req.InitData != "" {
		opts = append(opts, app.WithBridge(webApp))
	}
	if h.deps.Auth != nil {
		opts = append(opts, app.WithAuthenticator(h.deps.Auth))
	}
	if h.deps.Validator != nil {
		opts = append(opts, app.WithValidator(h.deps.Validator))
	}
	if h.deps.Recorder != nil {
		opts = append(opts, app.WithRecorder(h.deps.Recorder))
	}
	if h.deps.AuthTimeout > 0 {
		opts = append(opts, app.WithAuthTimeout(h.deps.AuthTimeout))
	}

	store := app.Namespace(h.deps.Store, "device:"+req.DeviceID+":")
	d := &device{boot: app.NewSessionBootstrap(store, opts...), webApp: webApp, lastSeen: now}
	h.devices[req.DeviceID] = d
	return d
}

func (h *SessionHandler) lookup(w http.ResponseWriter, deviceID string) (*device, bool) {
	h.mu.Lock()
	d, ok := h.devices[deviceID]
	if ok {
		d.lastSeen = h.deps.Now()
	}
	h.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "device not initialized"})
	}
	return d, ok
}

// SweepIdle forgets devices unused for longer than the idle timeout and
// reports how many went. Their identities stay in the store.
func (h *SessionHandler) SweepIdle() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.deps.Now().Add(-h.deps.IdleTimeout)
	evicted := 0
	for id, d := range h.devices {
		if d.lastSeen.After(cutoff) {
			continue
		}
		d.webApp.Close()
		delete(h.devices, id)
		evicted++
	}
	return evicted
}

func (h *SessionHandler) response(d *device, user *domain.UserIdentity) sessionResponse {
	resp := sessionResponse{
		Source:    d.boot.Source(),
		Alerts:    d.webApp.DrainAlerts(),
		Theme:     d.webApp.ThemeParams(),
		Available: d.webApp.Ready(),
	}
	if resp.Alerts == nil {
		resp.Alerts = []string{}
	}
	if user != nil && user.ID != 0 {
		resp.User = user
	}
	return resp
}

func (h *SessionHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: fields})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

func (h *SessionHandler) fail(w http.ResponseWriter, deviceID string, err error) {
	switch {
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.deps.Log.WithError(err).WithField("device_id", deviceID).Error("identity store unavailable")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "storage unavailable", Retry: true})
	case errors.Is(err, domain.ErrNoIdentity):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "no active identity"})
	case errors.Is(err, domain.ErrNegativePoints):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		h.deps.Log.WithError(err).WithField("device_id", deviceID).Error("session request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func postOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
