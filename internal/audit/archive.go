package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// ObjectAPI is the subset of the S3 client used by the Archiver.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds the connection parameters of the archive bucket.
type S3Config struct {
	Region    string
	Bucket    string
	Endpoint  string // optional; set for MinIO and other S3-compatible stores
	PathStyle bool
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Archiver copies activity entries to object storage as NDJSON batches.
// The sequence number of the last archived entry is kept in a cursor
// object under the same prefix, so a restarted archiver resumes where
// the previous one stopped.
type Archiver struct {
	log       Log
	client    ObjectAPI
	bucket    string
	prefix    string
	batchSize int
	logger    *zap.Logger
	onBatch   func(entries int)
	settle    time.Duration
	now       func() time.Time
}

// DefaultSettleWindow is how long a gap in the sequence may stay open before
// the archiver treats it as a rolled-back append and moves past it.
const DefaultSettleWindow = time.Minute

// NewArchiver creates an Archiver writing to bucket under prefix.
func NewArchiver(log Log, client ObjectAPI, bucket, prefix string, batchSize int, logger *zap.Logger) *Archiver {
	if batchSize <= 0 {
		batchSize = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archiver{
		log:       log,
		client:    client,
		bucket:    bucket,
		prefix:    prefix,
		batchSize: batchSize,
		logger:    logger,
		settle:    DefaultSettleWindow,
		now:       time.Now,
	}
}

// SettleWindow sets how long a sequence gap holds the cursor back. A
// sequence number is allocated before its append commits, so an entry
// committed late can sit below entries that are already visible.
func (a *Archiver) SettleWindow(d time.Duration) {
	if d > 0 {
		a.settle = d
	}
}

// OnBatch registers fn to be called with the entry count of every batch
// written. It must be set before Run.
func (a *Archiver) OnBatch(fn func(entries int)) {
	a.onBatch = fn
}

func (a *Archiver) cursorKey() string {
	return a.prefix + "_cursor"
}

// BatchKey returns the object key of the batch spanning [first, last].
func (a *Archiver) BatchKey(first, last int64) string {
	return fmt.Sprintf("%s%020d-%020d.ndjson", a.prefix, first, last)
}

// Cursor returns the sequence number of the last archived entry, or 0.
func (a *Archiver) Cursor(ctx context.Context) (int64, error) {
	key := a.cursorKey()
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &a.bucket, Key: &key})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return 0, nil
		}
		return 0, fmt.Errorf("read archive cursor: %w", err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return 0, fmt.Errorf("read archive cursor: %w", err)
	}
	seq, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse archive cursor %q: %w", raw, err)
	}
	return seq, nil
}

// ExportOnce archives every entry after the cursor, one batch object per
// batchSize entries, and returns the number of entries written.
func (a *Archiver) ExportOnce(ctx context.Context) (int, error) {
	cursor, err := a.Cursor(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		batch, err := a.log.ActivityAfter(ctx, cursor, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("read activity after %d: %w", cursor, err)
		}
		batch = a.settled(cursor, batch)
		if len(batch) == 0 {
			return total, nil
		}

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, s := range batch {
			if err := enc.Encode(s); err != nil {
				return total, fmt.Errorf("encode activity %d: %w", s.Seq, err)
			}
		}

		first, last := batch[0].Seq, batch[len(batch)-1].Seq
		key := a.BatchKey(first, last)
		if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      &a.bucket,
			Key:         &key,
			Body:        bytes.NewReader(buf.Bytes()),
			ContentType: aws.String("application/x-ndjson"),
		}); err != nil {
			return total, fmt.Errorf("put %s: %w", key, err)
		}

		cursorKey := a.cursorKey()
		if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      &a.bucket,
			Key:         &cursorKey,
			Body:        strings.NewReader(strconv.FormatInt(last, 10)),
			ContentType: aws.String("text/plain"),
		}); err != nil {
			return total, fmt.Errorf("advance archive cursor: %w", err)
		}

		a.logger.Info("activity archived",
			zap.String("key", key),
			zap.Int("entries", len(batch)),
		)
		if a.onBatch != nil {
			a.onBatch(len(batch))
		}
		cursor = last
		total += len(batch)
		if len(batch) < a.batchSize {
			return total, nil
		}
	}
}

// settled returns the prefix of batch that can be archived without skipping
// an append still in flight. A gap in front of an entry younger than the
// settle window stops the batch there.
func (a *Archiver) settled(cursor int64, batch []Sequenced) []Sequenced {
	next := cursor + 1
	for i, s := range batch {
		if s.Seq != next && a.now().Sub(s.Entry.Timestamp) < a.settle {
			if i == 0 {
				a.logger.Debug("archive waiting on sequence gap",
					zap.Int64("missing", next), zap.Int64("seen", s.Seq))
			}
			return batch[:i]
		}
		next = s.Seq + 1
	}
	return batch
}

// Run exports on every tick until ctx is cancelled. Failed runs are logged
// and retried on the next tick.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.ExportOnce(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("activity archive failed", zap.Error(err))
			}
		}
	}
}
