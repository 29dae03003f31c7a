// Package diag keeps recent log lines in memory and serves them to the
// debugging views of the shell.
package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/webshell/internal/util"
)

const DefaultCapacity = 500

// LogEntry is one captured line. Lines written by go-log carry their level,
// logger name and fields; anything else only has Msg.
type LogEntry struct {
	TS     time.Time      `json:"ts"`
	Level  string         `json:"level,omitempty"`
	Logger string         `json:"logger,omitempty"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Filter narrows the feed to some loggers and a minimum level.
// The zero Filter matches everything.
type Filter struct {
	Loggers  map[string]bool
	MinLevel string
}

var levelRank = map[string]int{
	"debug":  0,
	"info":   1,
	"warn":   2,
	"error":  3,
	"dpanic": 4,
	"panic":  5,
	"fatal":  6,
}

// FilterFromQuery reads ?logger=a,b and ?level=warn.
func FilterFromQuery(q url.Values) (Filter, error) {
	var f Filter
	for _, raw := range q["logger"] {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				if f.Loggers == nil {
					f.Loggers = make(map[string]bool)
				}
				f.Loggers[name] = true
			}
		}
	}
	if lv := strings.ToLower(strings.TrimSpace(q.Get("level"))); lv != "" {
		if _, ok := levelRank[lv]; !ok {
			return Filter{}, fmt.Errorf("unknown level %q", lv)
		}
		f.MinLevel = lv
	}
	return f, nil
}

// Match reports whether e passes the filter. Lines without a level count
// as info.
func (f Filter) Match(e LogEntry) bool {
	if len(f.Loggers) > 0 && !f.Loggers[e.Logger] {
		return false
	}
	if f.MinLevel == "" {
		return true
	}
	rank, ok := levelRank[e.Level]
	if !ok {
		rank = levelRank["info"]
	}
	return rank >= levelRank[f.MinLevel]
}

type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]

	subs map[chan LogEntry]Filter

	partial bytes.Buffer
	now     func() time.Time
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = DefaultCapacity
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]Filter),
		now:     time.Now,
	}
}

// Write implements io.Writer. Input is split into lines; blank lines are
// dropped and a trailing partial line waits for its newline.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)

	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}

		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)

		if strings.TrimSpace(line) == "" {
			continue
		}

		e := b.parse(line)
		b.entries.Push(e)
		b.broadcastLocked(e)
	}

	return len(p), nil
}

// parse decodes a go-log JSON line. Other text is kept as the message.
func (b *LogBuffer) parse(line string) LogEntry {
	e := LogEntry{TS: b.now(), Msg: line}
	if !strings.HasPrefix(line, "{") {
		return e
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return e
	}
	msg, ok := raw["msg"].(string)
	if !ok {
		return e
	}

	e.Msg = msg
	e.Level, _ = raw["level"].(string)
	e.Logger, _ = raw["logger"].(string)
	if ts, ok := raw["ts"].(string); ok {
		if t, err := time.Parse("2006-01-02T15:04:05.000Z0700", ts); err == nil {
			e.TS = t
		}
	}
	for _, k := range []string{"msg", "level", "logger", "ts", "caller"} {
		delete(raw, k)
	}
	if len(raw) > 0 {
		e.Fields = raw
	}
	return e
}

func (b *LogBuffer) broadcastLocked(e LogEntry) {
	for ch, f := range b.subs {
		if !f.Match(e) {
			continue
		}
		select {
		case ch <- e:
		default:
			// slow subscriber
		}
	}
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

// Recent returns up to n of the newest entries matching f, oldest first.
// n <= 0 means all of them.
func (b *LogBuffer) Recent(f Filter, n int) []LogEntry {
	return b.entries.Select(n, f.Match)
}

// Subscribe delivers new entries matching f until cancel is called.
func (b *LogBuffer) Subscribe(f Filter) (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = f
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Capture copies every log line emitted through go-log into b until ctx
// is done.
func (b *LogBuffer) Capture(ctx context.Context) error {
	pr := logging.NewPipeReader(logging.PipeFormat(logging.JSONOutput))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(b, pr)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	_ = pr.Close()
	<-done
	return nil
}

// GET /__shell/logs?logger=proxy,shell&level=warn&n=100
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	f, err := FilterFromQuery(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := 0
	if raw := q.Get("n"); raw != "" {
		if n, err = strconv.Atoi(raw); err != nil || n < 0 {
			http.Error(w, "n must be a non-negative number", http.StatusBadRequest)
			return
		}
	}

	out := b.Recent(f, n)
	if out == nil {
		out = []LogEntry{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

// GET /__shell/logs/stream  (Server-Sent Events), tail only; takes the
// same logger and level filters as /__shell/logs.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f, err := FilterFromQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := b.Subscribe(f)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, e LogEntry) {
	b, _ := json.Marshal(e)
	_, _ = io.WriteString(w, "event: message\n")
	_, _ = io.WriteString(w, "data: "+string(b)+"\n\n")
}
