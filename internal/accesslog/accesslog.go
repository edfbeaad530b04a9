package accesslog

import (
	"encoding/json"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// Config controls sampling and which fields are emitted. Empty Fields means all.
type Config struct {
	Sampling float64
	Fields   []string
}

// Entry is one access-log record.
type Entry struct {
	Time         time.Time `json:"time"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Protocol     string    `json:"protocol"`
	Status       int       `json:"status"`
	Duration     int64     `json:"duration_ms"`
	RemoteIP     string    `json:"remote_ip"`
	UserAgent    string    `json:"user_agent"`
	Referer      string    `json:"referer"`
	Service      string    `json:"service,omitempty"`
	Route        string    `json:"route,omitempty"`
	Upstream     string    `json:"upstream,omitempty"`
	BytesWritten int64     `json:"bytes_written"`
}

// Logger writes one JSON object per line. A nil *Logger discards everything.
type Logger struct {
	mu      sync.Mutex
	enc     *json.Encoder
	cfg     Config
	allowed map[string]bool
	sample  func() float64
}

func New(w io.Writer, cfg Config) *Logger {
	if w == nil {
		w = io.Discard
	}
	if cfg.Sampling <= 0 || cfg.Sampling > 1 {
		cfg.Sampling = 1
	}
	l := &Logger{enc: json.NewEncoder(w), cfg: cfg, sample: rand.Float64}
	if len(cfg.Fields) > 0 {
		l.allowed = make(map[string]bool, len(cfg.Fields))
		for _, f := range cfg.Fields {
			l.allowed[f] = true
		}
	}
	return l
}

func (l *Logger) Log(e Entry) {
	if l == nil {
		return
	}
	if l.cfg.Sampling < 1.0 && l.sample() > l.cfg.Sampling {
		return
	}
	var out any = e
	if l.allowed != nil {
		out = l.filter(e)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(out); err != nil {
		log.Printf("[accesslog] %v", err)
	}
}

func (l *Logger) filter(e Entry) map[string]any {
	all := map[string]any{
		"time":          e.Time,
		"method":        e.Method,
		"path":          e.Path,
		"protocol":      e.Protocol,
		"status":        e.Status,
		"duration_ms":   e.Duration,
		"remote_ip":     e.RemoteIP,
		"user_agent":    e.UserAgent,
		"referer":       e.Referer,
		"service":       e.Service,
		"route":         e.Route,
		"upstream":      e.Upstream,
		"bytes_written": e.BytesWritten,
	}
	m := make(map[string]any, len(l.allowed))
	for k := range l.allowed {
		if v, ok := all[k]; ok {
			m[k] = v
		}
	}
	return m
}

// ResponseWriter records the status code and body size written through it.
type ResponseWriter struct {
	http.ResponseWriter
	Status int
	Bytes  int64
}

func (w *ResponseWriter) WriteHeader(code int) {
	if w.Status == 0 {
		w.Status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *ResponseWriter) Write(b []byte) (int, error) {
	if w.Status == 0 {
		w.Status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.Bytes += int64(n)
	return n, err
}

func (w *ResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *ResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// StatusCode is the written status, 200 if nothing was written.
func (w *ResponseWriter) StatusCode() int {
	if w.Status == 0 {
		return http.StatusOK
	}
	return w.Status
}
