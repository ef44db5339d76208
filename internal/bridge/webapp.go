// Package bridge models the host messenger's mini-app bridge as seen from the
// server: the signed initData payload the webview forwards, the profile hint it
// carries, and the alerts the app wants the host to show.
package bridge

import (
	"encoding/json"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"school-assistant/internal/domain"
)

// Event names a host bridge notification.
type Event string

const (
	EventViewportChanged Event = "viewportChanged"
	EventPopupOpened     Event = "popupOpened"
	EventClosed          Event = "closed"
)

var (
	ErrClosed     = errors.New("bridge closed")
	ErrEmptyAlert = errors.New("empty alert text")

	hashPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

// Options describes what the webview forwarded.
type Options struct {
	InitData string
	Hint     *domain.HostUser
	Theme    map[string]string
}

// Handler receives bridge events.
type Handler func(Event)

// WebApp is one webview's bridge. It is safe for concurrent use.
type WebApp struct {
	initData string
	hint     *domain.HostUser
	theme    map[string]string

	mu       sync.Mutex
	expanded bool
	closed   bool
	alerts   []string
	nextID   int
	handlers map[Event]map[int]Handler
}

func New(opts Options) *WebApp {
	theme := make(map[string]string, len(opts.Theme))
	for k, v := range opts.Theme {
		theme[k] = v
	}
	var hint *domain.HostUser
	if opts.Hint != nil {
		h := *opts.Hint
		hint = &h
	}
	return &WebApp{
		initData: opts.InitData,
		hint:     hint,
		theme:    theme,
		handlers: make(map[Event]map[int]Handler),
	}
}

// Ready reports whether the host handed over a payload and is still open.
func (w *WebApp) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed && w.initData != ""
}

// Expand asks the host to use the full viewport.
func (w *WebApp) Expand() {
	w.mu.Lock()
	if w.closed || w.expanded {
		w.mu.Unlock()
		return
	}
	w.expanded = true
	w.mu.Unlock()
	w.emit(EventViewportChanged)
}

func (w *WebApp) Expanded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expanded
}

func (w *WebApp) InitData() string { return w.initData }

// UserHint returns the explicit hint, else the user object embedded in
// initData, else nil.
func (w *WebApp) UserHint() *domain.HostUser {
	if w.hint != nil {
		h := *w.hint
		return &h
	}
	return userFromInitData(w.initData)
}

func (w *WebApp) ThemeParams() map[string]string {
	out := make(map[string]string, len(w.theme))
	for k, v := range w.theme {
		out[k] = v
	}
	return out
}

// ShowAlert queues a popup for the host.
func (w *WebApp) ShowAlert(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyAlert
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.alerts = append(w.alerts, text)
	w.mu.Unlock()
	w.emit(EventPopupOpened)
	return nil
}

// DrainAlerts returns and forgets every queued alert.
func (w *WebApp) DrainAlerts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.alerts
	w.alerts = nil
	return out
}

func (w *WebApp) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	w.emit(EventClosed)
}

func (w *WebApp) IsClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// OnEvent registers h for ev and returns an id for OffEvent.
func (w *WebApp) OnEvent(ev Event, h Handler) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	if w.handlers[ev] == nil {
		w.handlers[ev] = make(map[int]Handler)
	}
	w.handlers[ev][w.nextID] = h
	return w.nextID
}

func (w *WebApp) OffEvent(ev Event, id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.handlers[ev], id)
}

func (w *WebApp) emit(ev Event) {
	w.mu.Lock()
	hs := make([]Handler, 0, len(w.handlers[ev]))
	for _, h := range w.handlers[ev] {
		hs = append(hs, h)
	}
	w.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// IsValidData reports whether initData looks like a signed host payload. It
// does not check the signature; see Verifier.
func IsValidData(initData string) bool {
	if strings.TrimSpace(initData) == "" {
		return false
	}
	values, err := url.ParseQuery(initData)
	if err != nil {
		return false
	}
	return hashPattern.MatchString(values.Get("hash")) && values.Get("auth_date") != ""
}

func userFromInitData(initData string) *domain.HostUser {
	if initData == "" {
		return nil
	}
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil
	}
	raw := values.Get("user")
	if raw == "" {
		return nil
	}
	var u domain.HostUser
	if err := json.Unmarshal([]byte(raw), &u); err != nil || u.ID == 0 {
		return nil
	}
	return &u
}
