package writer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "ratedash/config"
	"ratedash/logger"
	"ratedash/models"
)

// TraceRecord is the parquet row layout for archived trace events.
type TraceRecord struct {
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp  int64  `parquet:"name=ts, type=INT64"`
	Method     string `parquet:"name=method, type=BYTE_ARRAY, convertedtype=UTF8"`
	URLBase    string `parquet:"name=url_base, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status     int32  `parquet:"name=status, type=INT32"`
	DurationMs int64  `parquet:"name=duration_ms, type=INT64"`
	Auth       string `parquet:"name=auth, type=BYTE_ARRAY, convertedtype=UTF8"`
	Start      string `parquet:"name=start, type=BYTE_ARRAY, convertedtype=UTF8"`
	End        string `parquet:"name=end, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbols    string `parquet:"name=symbols, type=BYTE_ARRAY, convertedtype=UTF8"`
	Error      string `parquet:"name=error, type=BYTE_ARRAY, convertedtype=UTF8"`
	Provenance string `parquet:"name=provenance, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements source.ParquetFile for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (m *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(m.buffer.Len()), nil
}
func (m *memoryFileWriter) Read(b []byte) (int, error)  { return m.buffer.Read(b) }
func (m *memoryFileWriter) Write(b []byte) (int, error) { return m.buffer.Write(b) }
func (m *memoryFileWriter) Close() error                { return nil }
func (m *memoryFileWriter) Bytes() []byte               { return m.buffer.Bytes() }

// objectPutter is the subset of the S3 client the archiver needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// TraceArchiver periodically copies trace records that have not been archived
// yet into a parquet object on S3. The trace log itself is never modified.
type TraceArchiver struct {
	config   *appconfig.Config
	source   *JSONLog
	s3Client objectPutter
	mu       sync.Mutex
	running  bool
	offset   int
	log      *logger.Log
}

// NewTraceArchiver builds an archiver for the trace log using the S3 settings
// in cfg.
func NewTraceArchiver(ctx context.Context, cfg *appconfig.Config, traces *JSONLog) (*TraceArchiver, error) {
	s3cfg := cfg.Storage.S3
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(s3cfg.Region)}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	a := newTraceArchiver(cfg, traces, client)
	a.log.WithComponent("trace_archiver").WithFields(logger.Fields{
		"bucket":     s3cfg.Bucket,
		"region":     s3cfg.Region,
		"endpoint":   s3cfg.Endpoint,
		"path_style": s3cfg.PathStyle,
		"interval":   s3cfg.FlushInterval.String(),
	}).Info("trace archiver initialized")
	return a, nil
}

func newTraceArchiver(cfg *appconfig.Config, traces *JSONLog, client objectPutter) *TraceArchiver {
	return &TraceArchiver{
		config:   cfg,
		source:   traces,
		s3Client: client,
		log:      logger.GetLogger(),
	}
}

// Run archives on every flush interval until ctx is cancelled, then performs
// a final flush.
func (a *TraceArchiver) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("trace archiver already running")
	}
	a.running = true
	a.mu.Unlock()

	log := a.log.WithComponent("trace_archiver")
	ticker := time.NewTicker(a.config.Storage.S3.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := a.Flush(context.WithoutCancel(ctx)); err != nil {
				log.WithError(err).Warn("final trace archive failed")
			}
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			return nil
		case <-ticker.C:
			if _, err := a.Flush(ctx); err != nil {
				log.WithError(err).Warn("trace archive failed")
			}
		}
	}
}

// Flush uploads every complete trace line appended since the previous flush
// and returns the number of records archived.
func (a *TraceArchiver) Flush(ctx context.Context) (int, error) {
	data, err := a.source.ReadAll()
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	offset := a.offset
	a.mu.Unlock()
	if offset > len(data) {
		// log was replaced underneath us; start over
		offset = 0
	}

	pending := data[offset:]
	end := bytes.LastIndexByte(pending, '\n')
	if end < 0 {
		return 0, nil
	}
	pending = pending[:end+1]

	records := parseTraceLines(pending)
	if len(records) > 0 {
		now := time.Now().UTC()
		key := a.generateS3Key(now)
		body, err := a.createParquetFile(records)
		if err != nil {
			return 0, err
		}
		if err := a.uploadToS3(ctx, key, body, len(records)); err != nil {
			return 0, err
		}
	}

	a.mu.Lock()
	a.offset = offset + len(pending)
	a.mu.Unlock()
	return len(records), nil
}

func parseTraceLines(data []byte) []TraceRecord {
	records := make([]TraceRecord, 0)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev models.TraceEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		records = append(records, toTraceRecord(ev))
	}
	return records
}

func toTraceRecord(ev models.TraceEvent) TraceRecord {
	status := int32(-1)
	if ev.Status != nil {
		status = int32(*ev.Status)
	}
	return TraceRecord{
		ID:         ev.ID,
		Timestamp:  ev.Timestamp.UnixMilli(),
		Method:     ev.Method,
		URLBase:    ev.URLBase,
		Status:     status,
		DurationMs: ev.DurationMs,
		Auth:       ev.Headers[models.AuthHeaderKey],
		Start:      ev.Query.Start,
		End:        ev.Query.End,
		Symbols:    ev.Query.Symbols,
		Error:      ev.Error,
		Provenance: string(ev.Provenance),
	}
}

func (a *TraceArchiver) generateS3Key(ts time.Time) string {
	prefix := a.config.Storage.S3.Prefix
	if prefix == "" {
		prefix = "traces"
	}
	partition := fmt.Sprintf("year=%04d/month=%02d/day=%02d", ts.Year(), ts.Month(), ts.Day())
	name := fmt.Sprintf("trace_%s_%s.parquet", ts.Format("20060102150405"), uuid.New().String()[:8])
	return path.Join(prefix, partition, name)
}

func (a *TraceArchiver) createParquetFile(records []TraceRecord) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(TraceRecord), 2)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch a.config.Storage.S3.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, r := range records {
		if err := pw.Write(r); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (a *TraceArchiver) uploadToS3(ctx context.Context, key string, data []byte, count int) error {
	bucket := a.config.Storage.S3.Bucket
	_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"compression":      a.config.Storage.S3.Compression,
			"record-count":     fmt.Sprintf("%d", count),
			"ratedash-version": a.config.App.Version,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", bucket, err)
	}

	a.log.WithComponent("trace_archiver").WithFields(logger.Fields{
		"s3_key":    key,
		"records":   count,
		"file_size": len(data),
	}).Info("trace batch archived")
	return nil
}
