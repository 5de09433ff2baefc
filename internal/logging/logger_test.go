package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{"create logger with service name", "deskrelay-api"},
		{"create logger with empty service name", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)

			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	logger := New("test-service")

	t.Run("without trace context", func(t *testing.T) {
		entry := logger.WithContext(context.Background())
		if entry.Service != "test-service" {
			t.Errorf("Service = %q", entry.Service)
		}
		if entry.TraceID != "" {
			t.Errorf("TraceID = %q, want empty without a span", entry.TraceID)
		}
	})

	t.Run("with trace context", func(t *testing.T) {
		tracer := otel.Tracer("test-tracer")
		ctx, span := tracer.Start(context.Background(), "test-span")
		defer span.End()

		entry := logger.WithContext(ctx)
		if entry.TraceID == "" {
			t.Error("TraceID should be populated from the active span")
		}
	})
}

func TestLogEntry_FluentSetters(t *testing.T) {
	entry := New("test-service").Plain().
		WithEvent("evt-42").
		WithDelivery(512).
		WithModule("crm").
		WithTraceID("abc123").
		WithField("endpoint", "https://hooks.example.com").
		WithFields(map[string]any{"attempt": 3})

	if entry.EventID != "evt-42" {
		t.Errorf("EventID = %q", entry.EventID)
	}
	if entry.DeliveryID != 512 {
		t.Errorf("DeliveryID = %d", entry.DeliveryID)
	}
	if entry.ModuleSlug != "crm" {
		t.Errorf("ModuleSlug = %q", entry.ModuleSlug)
	}
	if entry.TraceID != "abc123" {
		t.Errorf("TraceID = %q", entry.TraceID)
	}
	if entry.Fields["endpoint"] != "https://hooks.example.com" {
		t.Errorf("Fields[endpoint] = %v", entry.Fields["endpoint"])
	}
	if entry.Fields["attempt"] != 3 {
		t.Errorf("Fields[attempt] = %v", entry.Fields["attempt"])
	}
}

func TestLogEntry_WithError(t *testing.T) {
	t.Run("non-nil error is recorded", func(t *testing.T) {
		err := errors.New("connection refused")
		entry := New("test").Plain().WithError(err)
		if entry.Fields["error"] != err.Error() {
			t.Errorf("Fields[error] = %v, want %q", entry.Fields["error"], err.Error())
		}
	})

	t.Run("nil error adds nothing", func(t *testing.T) {
		entry := &LogEntry{}
		entry.WithError(nil)
		if entry.Fields != nil && entry.Fields["error"] != nil {
			t.Error("nil error should not add an error field")
		}
	})
}

func TestLogEntry_Output(t *testing.T) {
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	outputChan := make(chan string, 1)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		outputChan <- buf.String()
	}()

	New("test-service").Plain().
		WithEvent("evt-1").
		WithField("attempt", 2).
		Warnf("delivery rescheduled after %d attempts", 2)

	w.Close()
	output := <-outputChan

	var entry LogEntry
	if err := json.Unmarshal([]byte(output), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, output)
	}
	if entry.Level != LevelWarn {
		t.Errorf("Level = %q, want warn", entry.Level)
	}
	if entry.Message != "delivery rescheduled after 2 attempts" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.Service != "test-service" {
		t.Errorf("Service = %q", entry.Service)
	}
	if entry.EventID != "evt-1" {
		t.Errorf("EventID = %q", entry.EventID)
	}
	if entry.Time.IsZero() || entry.Time.After(time.Now().Add(time.Second)) {
		t.Errorf("Time = %v", entry.Time)
	}
}

func TestDefaultLogger(t *testing.T) {
	SetDefaultService("deskrelay-test")
	defer SetDefaultService("deskrelay")

	entry := Plain()
	if entry.Service != "deskrelay-test" {
		t.Errorf("default logger service = %q, want deskrelay-test", entry.Service)
	}

	entry = WithFields(map[string]any{"k": "v"})
	if entry.Fields["k"] != "v" {
		t.Errorf("WithFields did not carry fields: %v", entry.Fields)
	}

	entry = WithContext(context.Background())
	if entry.Service != "deskrelay-test" {
		t.Errorf("WithContext service = %q", entry.Service)
	}
}
