package serialmux

import (
	"bytes"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"unicode/utf8"

	"tailscale.com/tsweb"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// AttachAdminRoutes registers the serial debug pages under /debug/:
// a command form, an SSE tail of decoded frames and a JSON status view.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("send-command", "send a command to the serial port", s.serveCommandForm)
	debug.HandleFunc("serial-status", "serial multiplexer subscribers and drops", s.serveStatus)
	debug.HandleSilentFunc("send-command-api", s.serveSendCommand)
	debug.HandleSilentFunc("tail", s.serveTail)
	debug.HandleSilentFunc("tail.js", serveTailScript)
}

// Status is a point-in-time view of the multiplexer.
type Status struct {
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
	Closed      bool   `json:"closed"`
}

// Status reports the current subscriber count and drop total.
func (s *SerialMux[T]) Status() Status {
	s.subscriberMu.Lock()
	n := len(s.subscribers)
	s.subscriberMu.Unlock()
	return Status{Subscribers: n, Dropped: s.dropped.Load(), Closed: s.closing.Load()}
}

func (s *SerialMux[T]) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Status())
}

func (s *SerialMux[T]) serveCommandForm(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := sendCommandTemplate.Execute(&buf, nil); err != nil {
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func (s *SerialMux[T]) serveSendCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	command := strings.TrimSpace(r.FormValue("command"))
	if command == "" {
		http.Error(w, "Missing command", http.StatusBadRequest)
		return
	}
	if err := s.SendCommand(command); err != nil {
		http.Error(w, "Failed to write command", http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "Wrote command %q to serial port", command)
}

// serveTail streams one server-sent event per frame until the client goes
// away or the mux closes.
func (s *SerialMux[T]) serveTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	id, frames := s.Subscribe()
	defer s.Unsubscribe(id)

	fmt.Fprint(w, ": ping\n\n")
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", describeFrame(frame)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func serveTailScript(w http.ResponseWriter, r *http.Request) {
	js, err := adminTemplateFS.ReadFile("templates/tail.js")
	if err != nil {
		http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(js)
}

// describeFrame renders a frame for the tail view: printable text as-is,
// anything else as hex.
func describeFrame(frame []byte) string {
	printable := utf8.Valid(frame) && !bytes.ContainsFunc(frame, func(r rune) bool {
		return r < 0x20 && r != '\t'
	})
	if printable {
		return string(frame)
	}
	return hex.EncodeToString(frame)
}
