package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/usecase/eventbus"
)

func readEntries(t *testing.T, path string) []AuditEntry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("Unmarshal %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func newTestLog(t *testing.T) (*AuditLog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := NewAuditLog(path)
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}
	return log, path
}

func TestAuditLog_WriteAndRead(t *testing.T) {
	log, path := newTestLog(t)

	entry := AuditEntry{
		Event:  domain.EventComponentCreated,
		Detail: map[string]string{"kind": "tool", "name": "word_count"},
	}
	if err := log.Log(context.Background(), entry); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Event != domain.EventComponentCreated {
		t.Errorf("Event = %q", entries[0].Event)
	}
	if entries[0].Detail["name"] != "word_count" {
		t.Errorf("Detail[name] = %q", entries[0].Detail["name"])
	}
	if entries[0].Timestamp.IsZero() {
		t.Error("timestamp should be filled in")
	}
}

func TestAuditLog_FilePermissions(t *testing.T) {
	log, path := newTestLog(t)
	log.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}
}

func TestNewAuditLogInvalidPath(t *testing.T) {
	if _, err := NewAuditLog("/nonexistent/dir/audit.jsonl"); err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestAuditLog_WriteAfterClose(t *testing.T) {
	log, _ := newTestLog(t)
	log.Close()

	err := log.Log(context.Background(), AuditEntry{Event: domain.EventComponentFailed})
	if err == nil {
		t.Error("expected error writing to a closed log")
	}
}

func TestAuditLog_ConcurrentWrites(t *testing.T) {
	log, path := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			log.Log(context.Background(), AuditEntry{
				Event:  domain.EventAdaptation,
				Detail: map[string]string{"i": fmt.Sprint(i)},
			})
		}(i)
	}
	wg.Wait()
	log.Close()

	if got := len(readEntries(t, path)); got != 50 {
		t.Errorf("got %d entries, want 50", got)
	}
}

func TestAuditLog_SpanRecording(t *testing.T) {
	log, _ := newTestLog(t)
	defer log.Close()

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	defer tp.Shutdown(context.Background())
	otel.SetTracerProvider(tp)

	ctx, span := otel.Tracer("test").Start(context.Background(), "test-span")
	defer span.End()
	if !span.IsRecording() {
		t.Fatal("span should be recording")
	}

	if err := log.Log(ctx, AuditEntry{Event: domain.EventComponentCreated, Detail: map[string]string{"name": "x"}}); err != nil {
		t.Fatalf("Log with active span: %v", err)
	}
}

func TestAuditLog_AttachRecordsAuditedEvents(t *testing.T) {
	log, path := newTestLog(t)
	bus := eventbus.New(logger.Discard())

	detach := log.Attach(bus, logger.Discard())
	ctx := context.Background()
	bus.Emit(ctx, domain.EventComponentCreated, "", map[string]any{"kind": "agent", "name": "text_analyzer", "lines": 64})
	bus.Emit(ctx, domain.EventStepCompleted, "wf-1", map[string]any{"agent": "text_analyzer"})
	bus.Emit(ctx, domain.EventAdaptation, "wf-1", map[string]any{"strategy": "fallback", "tools": []string{"a"}})
	bus.Close()
	detach()
	log.Close()

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (step events are not audited)", len(entries))
	}
	byEvent := map[domain.EventType]AuditEntry{}
	for _, e := range entries {
		byEvent[e.Event] = e
	}
	created := byEvent[domain.EventComponentCreated]
	if created.Detail["name"] != "text_analyzer" || created.Detail["lines"] != "64" {
		t.Errorf("created detail = %v", created.Detail)
	}
	adapted := byEvent[domain.EventAdaptation]
	if adapted.WorkflowID != "wf-1" || adapted.Detail["tools"] != `["a"]` {
		t.Errorf("adaptation entry = %+v", adapted)
	}
}

func TestFlattenPayload(t *testing.T) {
	if got := flattenPayload(nil); got != nil {
		t.Errorf("nil payload = %v", got)
	}
	got := flattenPayload(json.RawMessage(`"just a string"`))
	if got["payload"] != `"just a string"` {
		t.Errorf("non-object payload = %v", got)
	}
}

func writeLines(t *testing.T, log *AuditLog, entries ...AuditEntry) {
	t.Helper()
	for _, e := range entries {
		if err := log.Log(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
}

func TestAuditLog_EnforceRetention_MaxAge(t *testing.T) {
	log, path := newTestLog(t)
	old := time.Now().Add(-48 * time.Hour)
	writeLines(t, log,
		AuditEntry{Timestamp: old, Event: domain.EventComponentCreated},
		AuditEntry{Timestamp: old, Event: domain.EventComponentFailed},
		AuditEntry{Event: domain.EventAdaptation},
	)

	log.SetRetention(RetentionPolicy{MaxAge: 24 * time.Hour})
	removed, err := log.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	// The log keeps accepting writes after the rewrite.
	writeLines(t, log, AuditEntry{Event: domain.EventRegistryBackup})
	log.Close()

	entries := readEntries(t, path)
	if len(entries) != 2 || entries[0].Event != domain.EventAdaptation || entries[1].Event != domain.EventRegistryBackup {
		t.Errorf("entries after retention = %+v", entries)
	}
}

func TestAuditLog_EnforceRetention_MaxSize(t *testing.T) {
	log, path := newTestLog(t)
	for i := 0; i < 20; i++ {
		writeLines(t, log, AuditEntry{Event: domain.EventComponentCreated, Detail: map[string]string{"i": fmt.Sprint(i)}})
	}

	log.SetRetention(RetentionPolicy{MaxSize: 500})
	removed, err := log.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed == 0 {
		t.Fatal("expected entries to be removed")
	}
	log.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > 500 {
		t.Errorf("size after retention = %d, want <= 500", info.Size())
	}
	entries := readEntries(t, path)
	if last := entries[len(entries)-1]; last.Detail["i"] != "19" {
		t.Errorf("newest entry should survive, last = %+v", last)
	}
}

func TestAuditLog_EnforceRetention_NoPolicy(t *testing.T) {
	log, _ := newTestLog(t)
	defer log.Close()
	writeLines(t, log, AuditEntry{Event: domain.EventComponentCreated})

	removed, err := log.EnforceRetention(context.Background())
	if err != nil || removed != 0 {
		t.Errorf("EnforceRetention without policy = (%d, %v)", removed, err)
	}
}

func TestParseRetentionMaxSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"512", 512, false},
		{"100B", 100, false},
		{"4KB", 4 << 10, false},
		{"10mb", 10 << 20, false},
		{" 1GB ", 1 << 30, false},
		{"lots", 0, true},
		{"-5MB", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseRetentionMaxSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRetentionMaxSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRetentionMaxSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
