package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/a-h/templ"
	"github.com/markus-barta/harmonyfast/internal/config"
	"github.com/markus-barta/harmonyfast/internal/coordinator"
)

// StatusPage renders the current state and the recent transition log.
func StatusPage(st stateView, cat *config.Catalog, logs []coordinator.LogEntry) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b strings.Builder
		esc := templ.EscapeString

		b.WriteString(`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`)
		b.WriteString(`<meta name="viewport" content="width=device-width, initial-scale=1">`)
		b.WriteString(`<title>Harmony</title></head><body>`)

		activity := st.ActivityName
		if activity == "" {
			activity = "unknown"
		}
		conn := "disconnected"
		if st.Connected {
			conn = "connected"
		}
		fmt.Fprintf(&b, `<h1>%s</h1>`, esc(activity))
		fmt.Fprintf(&b, `<p id="phase">%s · queue %d · in flight %d · hub %s</p>`,
			esc(string(st.Phase)), st.QueueDepth, st.InFlight, conn)
		if st.LastError != nil {
			fmt.Fprintf(&b, `<p id="last-error">%s: %s</p>`,
				st.LastError.At.Format("15:04:05"), esc(st.LastError.Message))
		}

		b.WriteString(`<h2>Activities</h2><ul>`)
		for _, alias := range cat.ActivityAliases() {
			fmt.Fprintf(&b, `<li>%s</li>`, esc(alias))
		}
		b.WriteString(`</ul><h2>Devices</h2><ul>`)
		for _, alias := range cat.DeviceAliases() {
			fmt.Fprintf(&b, `<li>%s</li>`, esc(alias))
		}
		b.WriteString(`</ul><h2>Log</h2><ol>`)
		for i := len(logs) - 1; i >= 0; i-- {
			e := logs[i]
			fmt.Fprintf(&b, `<li class="%s">%s %s %s</li>`,
				esc(string(e.Level)), e.Timestamp.Format("15:04:05.000"), e.Level.Icon(), esc(e.Message))
		}
		b.WriteString(`</ol></body></html>`)

		_, err := io.WriteString(w, b.String())
		return err
	})
}

func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	page := StatusPage(s.stateView(s.ctl.Snapshot()), s.catalog.Load(), s.ctl.RecentLogs(50))
	templ.Handler(page).ServeHTTP(w, r)
}
