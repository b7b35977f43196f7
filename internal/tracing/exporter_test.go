package tracing

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func spanStub(name string, attrs ...attribute.KeyValue) tracetest.SpanStub {
	return tracetest.SpanStub{
		Name:       name,
		StartTime:  time.Now(),
		EndTime:    time.Now().Add(time.Millisecond),
		Attributes: attrs,
	}
}

func readRecords(t *testing.T, path string) []SpanRecord {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var records []SpanRecord
	decoder := json.NewDecoder(file)
	for {
		var record SpanRecord
		if err := decoder.Decode(&record); err != nil {
			break
		}
		records = append(records, record)
	}
	return records
}

func TestFileExporter_CreatesFileWithParents(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "nested", "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	_, err = os.Stat(tracePath)
	require.NoError(t, err)
	require.NoError(t, exporter.Shutdown(context.Background()))
}

func TestFileExporter_AppendsToExistingFile(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")
	require.NoError(t, os.WriteFile(tracePath, []byte(`{"existing":"data"}`+"\n"), 0644))

	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	stub := spanStub("append-span")
	require.NoError(t, exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, exporter.Shutdown(context.Background()))

	content, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	require.Contains(t, string(content), `{"existing":"data"}`)
	require.Contains(t, string(content), "append-span")
}

func TestFileExporter_RecordShape(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")
	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	stub := tracetest.SpanStub{
		Name:      "deliver-span",
		SpanKind:  trace.SpanKindInternal,
		StartTime: time.Now(),
		EndTime:   time.Now().Add(100 * time.Millisecond),
		Status:    sdktrace.Status{Code: codes.Ok},
		Attributes: []attribute.KeyValue{
			attribute.String("session.id", "s-123"),
			attribute.Int("queue.pending", 2),
		},
		Events: []sdktrace.Event{{
			Name:       "message.queued",
			Time:       time.Now(),
			Attributes: []attribute.KeyValue{attribute.String("queue.id", "q-1")},
		}},
	}

	require.NoError(t, exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, exporter.Shutdown(context.Background()))

	records := readRecords(t, tracePath)
	require.Len(t, records, 1)
	record := records[0]

	require.Equal(t, "deliver-span", record.Name)
	require.Equal(t, "INTERNAL", record.Kind)
	require.Equal(t, "OK", record.Status)
	require.Greater(t, record.DurationMs, 0.0)
	require.Equal(t, "s-123", record.Attributes["session.id"])
	require.EqualValues(t, 2, record.Attributes["queue.pending"])
	require.Len(t, record.Events, 1)
	require.Equal(t, "message.queued", record.Events[0].Name)
	require.Equal(t, "q-1", record.Events[0].Attributes["queue.id"])
}

func TestFileExporter_ErrorStatus(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")
	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	stub := spanStub("error-span")
	stub.Status = sdktrace.Status{Code: codes.Error, Description: "adapter start failed"}

	require.NoError(t, exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, exporter.Shutdown(context.Background()))

	records := readRecords(t, tracePath)
	require.Len(t, records, 1)
	require.Equal(t, "ERROR", records[0].Status)
	require.Equal(t, "adapter start failed", records[0].StatusMsg)
}

func TestFileExporter_ConcurrentExports(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")
	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	var wg sync.WaitGroup
	const workers, perWorker = 10, 50
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				stub := spanStub("concurrent-span", attribute.Int("worker", worker))
				_ = exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()})
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, exporter.Shutdown(context.Background()))

	records := readRecords(t, tracePath)
	require.Len(t, records, workers*perWorker)
	for _, record := range records {
		require.Equal(t, "concurrent-span", record.Name)
	}
}

func TestFileExporter_EmptyBatchAndIdempotentShutdown(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")
	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	require.NoError(t, exporter.ExportSpans(context.Background(), nil))
	require.NoError(t, exporter.Shutdown(context.Background()))
	require.NoError(t, exporter.Shutdown(context.Background()))

	info, err := os.Stat(tracePath)
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

func TestSpanKindToString(t *testing.T) {
	cases := []struct {
		kind trace.SpanKind
		want string
	}{
		{trace.SpanKindInternal, "INTERNAL"},
		{trace.SpanKindServer, "SERVER"},
		{trace.SpanKindClient, "CLIENT"},
		{trace.SpanKindProducer, "PRODUCER"},
		{trace.SpanKindConsumer, "CONSUMER"},
		{trace.SpanKindUnspecified, "UNSPECIFIED"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, spanKindToString(tc.kind))
	}
}
