// Package api serves the clock's configuration API and status page.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrockway/network-clock/control/clock"
	"github.com/jrockway/network-clock/control/config"
	"github.com/jrockway/network-clock/control/history"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionCookie is the name of the login cookie.
const SessionCookie = "ESPSESSIONID"

// SessionLifetime is how long a login lasts.
const SessionLifetime = 24 * time.Hour

// Request types accepted by POST /api.
const (
	TypeBrightness = 0
	TypeNetwork    = 1
	TypeDevice     = 2
	TypeServer     = 3
	TypeProvision  = 4
)

var (
	requestsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests",
		Help: "count of api requests by handler and result",
	}, []string{"handler", "code"})
	loginsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_logins",
		Help: "count of login attempts by result",
	}, []string{"result"})
)

// Clock is the part of the clock the API controls.
type Clock interface {
	Status() clock.Status
	Apply(ctx context.Context, c config.Config) error
	Resync() error
	Reprovision() error
}

// Journal is the sync history shown on the status page.
type Journal interface {
	RecentSyncs(ctx context.Context, n int) ([]history.Sync, error)
	RecentFailures(ctx context.Context, n int) ([]history.Failure, error)
}

// Server handles HTTP requests.
type Server struct {
	config  *config.Store
	clock   Clock
	journal Journal // may be nil
	now     func() time.Time
	files   http.FileSystem // nil unless ServeFiles was called
	hidden  []string

	sessionsMu sync.Mutex
	sessions   map[string]time.Time // token -> expiry; must hold sessionsMu
}

// New returns a server.  journal may be nil.
func New(cfg *config.Store, c Clock, journal Journal) *Server {
	return &Server{
		config:   cfg,
		clock:    c,
		journal:  journal,
		now:      time.Now,
		sessions: make(map[string]time.Time),
	}
}

// Register adds the server's routes to mux.  Any GET that no other route matches is served from
// the web root.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api", s.ServeAPI)
	mux.HandleFunc("POST /api", s.ServeUpdate)
	mux.HandleFunc("POST /{$}", s.ServeUpdate)
	mux.HandleFunc("POST /login", s.ServeLogin)
	mux.HandleFunc("GET /status", s.ServeStatus)
	mux.HandleFunc("GET /", s.ServeFile)
}

func reply(w http.ResponseWriter, handler string, code int, body interface{}) {
	requestsCounter.WithLabelValues(handler, fmt.Sprintf("%d", code)).Inc()
	w.Header().Set("content-type", "application/json")
	w.Header().Set("cache-control", "no-cache")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("write %s reply: %v", handler, err)
	}
}

type result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func fail(w http.ResponseWriter, handler string, code int, err error) {
	reply(w, handler, code, result{Error: err.Error()})
}

// authenticated reports whether the request carries a live session.
func (s *Server) authenticated(r *http.Request) bool {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return false
	}
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	expiry, ok := s.sessions[c.Value]
	if !ok {
		return false
	}
	if s.now().After(expiry) {
		delete(s.sessions, c.Value)
		return false
	}
	return true
}

// State is the body of GET /api.  Everything but Auth is omitted until the client logs in.
type State struct {
	Auth       bool   `json:"auth"`
	SSID       string `json:"ssid,omitempty"`
	PSK        string `json:"psk,omitempty"`
	Name       string `json:"dname,omitempty"`
	LoginName  string `json:"lname,omitempty"`
	Brightness *uint8 `json:"bright,omitempty"`
	Time       int64  `json:"time,omitempty"` // local time, offset already applied
	TimeOffset *int   `json:"timezone,omitempty"`
	Server     string `json:"server,omitempty"`
	SyncState  string `json:"sync_state,omitempty"`
	LastSync   int64  `json:"last_sync,omitempty"`
	Display    string `json:"display,omitempty"`
}

// ServeAPI returns the device's settings and state.
func (s *Server) ServeAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("access-control-allow-origin", "*")
	if !s.authenticated(r) {
		reply(w, "api", http.StatusOK, State{})
		return
	}
	cfg := s.config.Get()
	st := s.clock.Status()
	reply(w, "api", http.StatusOK, State{
		Auth:       true,
		SSID:       cfg.Network.SSID,
		PSK:        cfg.Network.PSK,
		Name:       cfg.Device.Name,
		LoginName:  cfg.Device.LoginName,
		Brightness: &cfg.Device.Brightness,
		Time:       st.Reading.Local,
		TimeOffset: &cfg.Device.TimeOffset,
		Server:     st.Server,
		SyncState:  st.Sync.State.String(),
		LastSync:   st.Sync.LastSync,
		Display:    st.Display,
	})
}

// Number is an integer that may arrive as a JSON number or as a string holding one.  The web UI
// sends form values, which are strings.
type Number int

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = bytes.TrimSpace([]byte(s))
	}
	x, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("parse number %s: %w", b, err)
	}
	*n = Number(x)
	return nil
}

// Update is the body of POST /api.  Type selects which fields are read.
type Update struct {
	Type       Number  `json:"type"`
	Brightness *Number `json:"bright"`
	SSID       *string `json:"ssid"`
	PSK        *string `json:"psk"`
	Name       *string `json:"dname"`
	LoginName  *string `json:"lname"`
	Password   *string `json:"dpass"`
	TimeOffset *Number `json:"timezone"`
	Server     *string `json:"server"`
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// brightness converts the requested level.  Levels above the maximum are clamped when the config
// is saved.
func (u Update) brightness() (*uint8, error) {
	if u.Brightness == nil {
		return nil, nil
	}
	n := *u.Brightness
	if n < 0 {
		return nil, fmt.Errorf("negative brightness %d", n)
	}
	b := uint8(math.MaxUint8)
	if n < math.MaxUint8 {
		b = uint8(n)
	}
	return &b, nil
}

func (u Update) timeOffset() *int {
	if u.TimeOffset == nil {
		return nil
	}
	m := int(*u.TimeOffset)
	return &m
}

// apply returns a function that makes the changes u asks for, and whether a resync or
// reprovision should follow.
func (u Update) apply() (f func(c *config.Config), resync, provision bool, err error) {
	bright, err := u.brightness()
	if err != nil {
		return nil, false, false, err
	}
	offset := u.timeOffset()
	switch u.Type {
	case TypeBrightness:
		if bright == nil {
			return nil, false, false, fmt.Errorf("brightness update without bright")
		}
		return func(c *config.Config) { c.Device.Brightness = *bright }, false, false, nil
	case TypeNetwork:
		return func(c *config.Config) {
			set(&c.Network.SSID, u.SSID)
			set(&c.Network.PSK, u.PSK)
		}, false, false, nil
	case TypeDevice:
		return func(c *config.Config) {
			set(&c.Device.Name, u.Name)
			set(&c.Device.LoginName, u.LoginName)
			set(&c.Device.Password, u.Password)
			set(&c.Device.Brightness, bright)
			set(&c.Device.TimeOffset, offset)
		}, false, false, nil
	case TypeServer:
		return func(c *config.Config) { set(&c.Sync.Server, u.Server) }, true, false, nil
	case TypeProvision:
		return func(c *config.Config) {}, false, true, nil
	}
	return nil, false, false, fmt.Errorf("unknown update type %d", u.Type)
}

// ServeUpdate changes settings.  Changes are saved, then applied to the running clock.
func (s *Server) ServeUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.authenticated(r) {
		fail(w, "update", http.StatusUnauthorized, fmt.Errorf("not logged in"))
		return
	}
	var u Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&u); err != nil {
		fail(w, "update", http.StatusBadRequest, fmt.Errorf("decode update: %w", err))
		return
	}
	f, resync, provision, err := u.apply()
	if err != nil {
		fail(w, "update", http.StatusBadRequest, err)
		return
	}
	cfg, err := s.config.Update(f)
	if err != nil {
		fail(w, "update", http.StatusBadRequest, err)
		return
	}
	if err := s.clock.Apply(r.Context(), cfg); err != nil {
		fail(w, "update", http.StatusServiceUnavailable, fmt.Errorf("saved, but not applied: %w", err))
		return
	}
	if resync {
		if err := s.clock.Resync(); err != nil {
			fail(w, "update", http.StatusServiceUnavailable, fmt.Errorf("saved, but not resynced: %w", err))
			return
		}
	}
	if provision {
		if err := s.clock.Reprovision(); err != nil {
			fail(w, "update", http.StatusServiceUnavailable, fmt.Errorf("saved, but not reprovisioned: %w", err))
			return
		}
	}
	reply(w, "update", http.StatusOK, result{Success: true})
}

// Login is the body of POST /login.
type Login struct {
	Username     string `json:"USERNAME"`
	Password     string `json:"PASSWORD"`
	Disconnected bool   `json:"DISCONNECTED"`
}

// ServeLogin starts or ends a session.
func (s *Server) ServeLogin(w http.ResponseWriter, r *http.Request) {
	var l Login
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&l); err != nil {
		fail(w, "login", http.StatusBadRequest, fmt.Errorf("decode login: %w", err))
		return
	}
	if l.Disconnected {
		if c, err := r.Cookie(SessionCookie); err == nil {
			s.sessionsMu.Lock()
			delete(s.sessions, c.Value)
			s.sessionsMu.Unlock()
		}
		http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
		loginsCounter.WithLabelValues("logout").Inc()
		reply(w, "login", http.StatusOK, result{Success: true})
		return
	}
	cfg := s.config.Get()
	if l.Username == "" || l.Username != cfg.Device.LoginName || l.Password != cfg.Device.Password {
		loginsCounter.WithLabelValues("denied").Inc()
		fail(w, "login", http.StatusUnauthorized, fmt.Errorf("bad username or password"))
		return
	}
	token := uuid.NewString()
	now := s.now()
	s.sessionsMu.Lock()
	for t, expiry := range s.sessions {
		if now.After(expiry) {
			delete(s.sessions, t)
		}
	}
	s.sessions[token] = now.Add(SessionLifetime)
	s.sessionsMu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: token, Path: "/", MaxAge: int(SessionLifetime.Seconds()), HttpOnly: true, SameSite: http.SameSiteStrictMode})
	loginsCounter.WithLabelValues("ok").Inc()
	reply(w, "login", http.StatusOK, result{Success: true})
}
