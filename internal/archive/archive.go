// Package archive drains settled event history out of the registry into an
// object store. Events are exported as newline-delimited JSON batches and
// deleted from the registry only after the object write succeeds, so a crash
// between the two can duplicate an export but never lose one.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/willynikes2/GenOS/internal/model"
)

const (
	DefaultRetain    = 72 * time.Hour
	DefaultInterval  = time.Hour
	DefaultBatchSize = 512

	contentType = "application/x-ndjson"
)

// EventStore is the slice of the registry the archiver reads and prunes.
type EventStore interface {
	EventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Event, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time, upToSeq int64) (int64, error)
}

// ObjectClient is the slice of the MinIO client the archiver uses.
type ObjectClient interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
}

var _ ObjectClient = (*minio.Client)(nil)

// NewClient dials an S3-compatible endpoint with static credentials.
func NewClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
}

type Options struct {
	// Bucket receives the exported batches.
	Bucket string

	// Retain is how long events stay queryable in the registry before they
	// are moved out.
	Retain time.Duration

	// Interval is the cadence of export runs.
	Interval time.Duration

	// BatchSize caps the events per exported object.
	BatchSize int
}

func (o Options) withDefaults() Options {
	if o.Retain <= 0 {
		o.Retain = DefaultRetain
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

// Archiver moves aged events from the registry to the object store.
type Archiver struct {
	store  EventStore
	client ObjectClient
	logger *slog.Logger
	opts   Options
}

func New(store EventStore, client ObjectClient, logger *slog.Logger, opts Options) *Archiver {
	return &Archiver{
		store:  store,
		client: client,
		logger: logger,
		opts:   opts.withDefaults(),
	}
}

// EnsureBucket creates the archive bucket if it does not exist yet.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.opts.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", a.opts.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.opts.Bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %q: %w", a.opts.Bucket, err)
	}
	return nil
}

// Run exports on the configured cadence until the context ends.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.ExportOnce(ctx)
			if err != nil {
				exportErrorsTotal.Inc()
				a.logger.Error("event export failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("events archived", "events", n, "bucket", a.opts.Bucket)
			}
		}
	}
}

// ExportOnce drains every event older than the retention window, batch by
// batch, and returns how many were moved. Each batch lands as one object
// keyed by export day and sequence range.
func (a *Archiver) ExportOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-a.opts.Retain)
	var moved int
	for {
		batch, err := a.store.EventsBefore(ctx, cutoff, a.opts.BatchSize)
		if err != nil {
			return moved, fmt.Errorf("load events: %w", err)
		}
		if len(batch) == 0 {
			return moved, nil
		}

		if err := a.exportBatch(ctx, batch); err != nil {
			return moved, err
		}

		last := batch[len(batch)-1].Seq
		if _, err := a.store.DeleteEventsBefore(ctx, cutoff, last); err != nil {
			return moved, fmt.Errorf("prune exported events: %w", err)
		}
		moved += len(batch)
		exportsTotal.Inc()
		eventsExportedTotal.Add(float64(len(batch)))

		if len(batch) < a.opts.BatchSize {
			return moved, nil
		}
	}
}

func (a *Archiver) exportBatch(ctx context.Context, batch []model.Event) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range batch {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
	}

	key := objectKey(batch)
	_, err := a.client.PutObject(ctx, a.opts.Bucket, key, &buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// objectKey names a batch by the day of its newest event and its sequence
// range. Re-exporting after a crash overwrites the same key range instead of
// piling up duplicates.
func objectKey(batch []model.Event) string {
	first, last := batch[0], batch[len(batch)-1]
	return fmt.Sprintf("events/%s/%012d-%012d.ndjson",
		last.CreatedAt.UTC().Format("2006/01/02"), first.Seq, last.Seq)
}
