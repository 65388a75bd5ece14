package api

import (
	_ "embed"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/jrockway/network-clock/control/clock"
	"github.com/jrockway/network-clock/control/history"
)

var (
	//go:embed status.html.tmpl
	statusHTML string
	funcMap    = template.FuncMap{
		"unixtime":   formatUnixTime,
		"utctime":    formatUTCTime,
		"localtime":  formatLocalTime,
		"duration":   formatDuration,
		"offset":     formatOffset,
		"correction": formatCorrection,
	}
	statusTemplate = template.Must(template.New("status").Funcs(funcMap).Parse(statusHTML))
)

type statusPage struct {
	Name     string
	Clock    clock.Status
	Syncs    []history.Sync
	Failures []history.Failure
}

// ServeStatus renders the status page.
func (s *Server) ServeStatus(w http.ResponseWriter, r *http.Request) {
	page := statusPage{
		Name:  s.config.Get().Device.Name,
		Clock: s.clock.Status(),
	}
	if s.journal != nil {
		var err error
		if page.Syncs, err = s.journal.RecentSyncs(r.Context(), 10); err != nil {
			log.Printf("status page: %v", err)
		}
		if page.Failures, err = s.journal.RecentFailures(r.Context(), 10); err != nil {
			log.Printf("status page: %v", err)
		}
	}
	requestsCounter.WithLabelValues("status", "200").Inc()
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := statusTemplate.Execute(w, page); err != nil {
		log.Printf("execute template: %v", err)
	}
}

func formatUnixTime(x int64) string {
	if x == 0 {
		return "never"
	}
	return formatUTCTime(time.Unix(x, 0))
}

func formatUTCTime(t time.Time) string { return t.In(time.UTC).Format(time.UnixDate) }

func formatLocalTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("Mon Jan _2 15:04:05 2006")
}

func formatDuration(d time.Duration) string { return d.Truncate(time.Millisecond).String() }

func formatOffset(minutes int) string {
	sign := "+"
	if minutes < 0 {
		sign = "-"
		minutes = -minutes
	}
	return fmt.Sprintf("UTC%s%02d:%02d", sign, minutes/60, minutes%60)
}

func formatCorrection(d time.Duration) string {
	var fast string
	if d < 0 {
		d = -d
		fast = "fast"
	} else {
		fast = "slow"
	}
	return fmt.Sprintf("clock was %s %s", d.String(), fast)
}
