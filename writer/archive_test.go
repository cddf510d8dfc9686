package writer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "ratedash/config"
	"ratedash/models"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func archiveConfig() *appconfig.Config {
	cfg := appconfig.Defaults()
	cfg.Storage.S3.Enabled = true
	cfg.Storage.S3.Bucket = "trace-archive"
	cfg.Storage.S3.Region = "us-east-1"
	cfg.Storage.S3.FlushInterval = time.Hour
	return &cfg
}

func appendTrace(t *testing.T, l *JSONLog, id string) {
	t.Helper()
	status := 200
	ev := models.TraceEvent{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Method:    "GET",
		URLBase:   "https://api.exchangerate.host/timeseries",
		Status:    &status,
		Headers:   map[string]string{models.AuthHeaderKey: models.AuthSet},
		Query:     models.TraceQuery{Start: "2024-01-01", End: "2024-01-31", Symbols: "EUR"},
	}
	if err := l.Append(ev); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestFlushArchivesOnlyNewRecords(t *testing.T) {
	traces := NewJSONLog(filepath.Join(t.TempDir(), "trace.jsonl"))
	putter := &fakePutter{}
	a := newTraceArchiver(archiveConfig(), traces, putter)

	appendTrace(t, traces, "one")
	appendTrace(t, traces, "two")

	n, err := a.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 2 || len(putter.inputs) != 1 {
		t.Fatalf("expected 2 records in 1 upload, got %d records / %d uploads", n, len(putter.inputs))
	}
	if !bytes.HasPrefix(putter.bodies[0], []byte("PAR1")) {
		t.Fatalf("uploaded body is not parquet")
	}
	key := *putter.inputs[0].Key
	if !strings.HasPrefix(key, "traces/year=") || !strings.HasSuffix(key, ".parquet") {
		t.Fatalf("unexpected key %q", key)
	}
	if *putter.inputs[0].Bucket != "trace-archive" {
		t.Fatalf("unexpected bucket %q", *putter.inputs[0].Bucket)
	}

	n, err = a.Flush(context.Background())
	if err != nil || n != 0 || len(putter.inputs) != 1 {
		t.Fatalf("second flush should be a no-op: n=%d err=%v uploads=%d", n, err, len(putter.inputs))
	}

	appendTrace(t, traces, "three")
	n, err = a.Flush(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 new record, got %d (%v)", n, err)
	}
}

func TestFlushKeepsOffsetOnUploadFailure(t *testing.T) {
	traces := NewJSONLog(filepath.Join(t.TempDir(), "trace.jsonl"))
	putter := &fakePutter{err: errors.New("s3 down")}
	a := newTraceArchiver(archiveConfig(), traces, putter)
	appendTrace(t, traces, "one")

	if _, err := a.Flush(context.Background()); err == nil {
		t.Fatalf("expected upload error")
	}

	putter.err = nil
	n, err := a.Flush(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("record should be retried: n=%d err=%v", n, err)
	}
}

func TestToTraceRecordTransportFailure(t *testing.T) {
	rec := toTraceRecord(models.TraceEvent{ID: "x", Error: "dial tcp: refused"})
	if rec.Status != -1 {
		t.Fatalf("status = %d, want -1", rec.Status)
	}
	if rec.Error == "" {
		t.Fatalf("error not carried")
	}
}
