package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/tracer"
)

// AuditedEvents are the bus events that change what code the fabric runs.
var AuditedEvents = []domain.EventType{
	domain.EventComponentCreated,
	domain.EventComponentFailed,
	domain.EventAdaptation,
	domain.EventRegistryBackup,
}

// AuditEntry is one line of the audit log.
type AuditEntry struct {
	Timestamp  time.Time         `json:"timestamp"`
	Event      domain.EventType  `json:"event"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// RetentionPolicy controls how long audit entries are kept.
type RetentionPolicy struct {
	MaxAge  time.Duration // 0 = no limit
	MaxSize int64         // bytes; 0 = no limit
}

// AuditLog appends AuditEntries to a JSONL file.
type AuditLog struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention *RetentionPolicy
}

// NewAuditLog opens path for appending, creating it with 0600 permissions.
func NewAuditLog(path string) (*AuditLog, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{file: f, path: path}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// SetRetention configures the policy EnforceRetention applies.
func (a *AuditLog) SetRetention(policy RetentionPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retention = &policy
}

// Log writes entry as a single JSON line and mirrors it onto the active
// span, if any.
func (a *AuditLog) Log(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return domain.NewDomainError("AuditLog.Log", domain.ErrIO, err.Error())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return domain.NewDomainError("AuditLog.Log", domain.ErrIO, err.Error())
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, len(entry.Detail))
		for k, v := range entry.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(entry.Event), trace.WithAttributes(attrs...))
	}
	return nil
}

// Attach records every audited bus event until the returned function is
// called. Write failures are logged, never propagated to publishers.
func (a *AuditLog) Attach(bus domain.EventBus, logger *slog.Logger) func() {
	handler := func(ctx context.Context, ev domain.Event) {
		entry := AuditEntry{
			Timestamp:  ev.Timestamp,
			Event:      ev.Type,
			WorkflowID: ev.WorkflowID,
			Detail:     flattenPayload(ev.Payload),
		}
		if err := a.Log(ctx, entry); err != nil {
			logger.Warn("audit write failed", "event", string(ev.Type), "error", err)
		}
	}

	unsubs := make([]func(), 0, len(AuditedEvents))
	for _, t := range AuditedEvents {
		unsubs = append(unsubs, bus.Subscribe(t, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// flattenPayload turns a JSON object into string fields. Nested values are
// kept as compact JSON.
func flattenPayload(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return map[string]string{"payload": string(raw)}
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		var s string
		if json.Unmarshal(v, &s) == nil {
			out[k] = s
			continue
		}
		out[k] = string(v)
	}
	return out
}

// Close closes the log file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention rewrites the log keeping only entries that satisfy the
// retention policy, oldest dropped first. It is safe to call while the log
// is in use.
func (a *AuditLog) EnforceRetention(ctx context.Context) (removed int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	policy := a.retention
	if policy == nil || (policy.MaxAge == 0 && policy.MaxSize == 0) {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if policy.MaxAge == 0 {
		info, err := os.Stat(a.path)
		if err != nil {
			return 0, fmt.Errorf("stat audit log: %w", err)
		}
		if info.Size() <= policy.MaxSize {
			return 0, nil
		}
	}

	var cutoff time.Time
	if policy.MaxAge > 0 {
		cutoff = time.Now().Add(-policy.MaxAge)
	}

	if err := a.file.Close(); err != nil {
		return 0, fmt.Errorf("close for retention: %w", err)
	}
	// Whatever happens below, leave an open handle behind.
	defer func() {
		if f, oerr := openAppend(a.path); oerr == nil {
			a.file = f
		} else if err == nil {
			err = fmt.Errorf("reopen after retention: %w", oerr)
		}
	}()

	kept, keptSize, dropped, err := readKept(a.path, cutoff)
	if err != nil {
		return 0, err
	}
	removed = dropped

	if policy.MaxSize > 0 {
		for len(kept) > 0 && keptSize > policy.MaxSize {
			keptSize -= int64(len(kept[0])) + 1
			kept = kept[1:]
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}

	tmpPath := a.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, line := range kept {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, a.path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename temp file: %w", err)
	}
	return removed, nil
}

// readKept returns the lines at path not older than cutoff.
func readKept(path string, cutoff time.Time) (kept [][]byte, size int64, dropped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open for reading: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff) {
				dropped++
				continue
			}
		}
		kept = append(kept, append([]byte(nil), line...))
		size += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("scan audit log: %w", err)
	}
	return kept, size, dropped, nil
}

// ParseRetentionMaxSize parses a size such as "100MB", "1GB" or "512".
func ParseRetentionMaxSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.mult
			s = strings.TrimSuffix(s, unit.suffix)
			break
		}
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("parse size %q: invalid", s)
	}
	return n * multiplier, nil
}
