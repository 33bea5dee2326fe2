// Package s3blob keeps the trade logs of resolved markets in an S3-compatible
// bucket (AWS, MinIO, R2). Each market has one JSONL object under the
// configured prefix, written once and never modified.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	appcfg "github.com/alanyoungcy/polyclob/internal/config"
	"github.com/alanyoungcy/polyclob/internal/domain"
)

const (
	// DefaultPrefix is used when the configuration leaves the prefix empty.
	DefaultPrefix = "archive/trades/"

	logSuffix      = ".jsonl"
	logContentType = "application/x-ndjson"

	// metaTrades is the object metadata key holding the trade count.
	metaTrades = "trades"

	// partSize is the S3 minimum part size; larger logs upload in parts.
	partSize int64 = 5 * 1024 * 1024
)

// objectAPI is the part of the S3 client the store reads with.
type objectAPI interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// LogStore reads and writes archived trade logs, one object per market.
type LogStore struct {
	api    objectAPI
	up     uploader
	bucket string
	prefix string
}

// Open connects to the configured bucket. A custom endpoint selects an
// S3-compatible provider; path-style addressing is usually needed for MinIO.
func Open(ctx context.Context, cfg appcfg.S3Config) (*LogStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3blob: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3blob: region is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	up := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
	})
	return newLogStore(client, up, cfg.Bucket, cfg.Prefix), nil
}

func newLogStore(api objectAPI, up uploader, bucket, prefix string) *LogStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &LogStore{api: api, up: up, bucket: bucket, prefix: prefix}
}

// key is the object holding marketID's log.
func (s *LogStore) key(marketID string) string {
	return s.prefix + marketID + logSuffix
}

// marketOf inverts key. Objects outside the layout report false.
func (s *LogStore) marketOf(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, s.prefix)
	if !ok {
		return "", false
	}
	id, ok = strings.CutSuffix(id, logSuffix)
	return id, ok && id != "" && !strings.Contains(id, "/")
}

// Health checks that the bucket is reachable with the configured credentials.
func (s *LogStore) Health(ctx context.Context) error {
	if _, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3blob: bucket %s: %w", s.bucket, err)
	}
	return nil
}

// HasLog reports whether marketID has already been archived.
func (s *LogStore) HasLog(ctx context.Context, marketID string) (bool, error) {
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(marketID)),
	})
	switch {
	case err == nil:
		return true, nil
	case isMissing(err):
		return false, nil
	default:
		return false, fmt.Errorf("s3blob: head log %s: %w", marketID, err)
	}
}

// PutLog uploads marketID's trade log. trades is recorded in the object
// metadata so listings need not download the log to count it.
func (s *LogStore) PutLog(ctx context.Context, marketID string, body io.Reader, trades int) error {
	_, err := s.up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(marketID)),
		Body:        body,
		ContentType: aws.String(logContentType),
		Metadata:    map[string]string{metaTrades: strconv.Itoa(trades)},
	})
	if err != nil {
		return fmt.Errorf("s3blob: upload log %s: %w", marketID, err)
	}
	return nil
}

// OpenLog streams marketID's archived log; the caller closes it. A market
// that was never archived returns domain.ErrNotFound.
func (s *LogStore) OpenLog(ctx context.Context, marketID string) (io.ReadCloser, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(marketID)),
	})
	if isMissing(err) {
		return nil, fmt.Errorf("s3blob: log %s: %w", marketID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("s3blob: open log %s: %w", marketID, err)
	}
	return out.Body, nil
}

// Logs lists every archived trade log under the prefix.
func (s *LogStore) Logs(ctx context.Context) ([]domain.TradeLog, error) {
	var logs []domain.TradeLog
	pages := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list logs: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			id, ok := s.marketOf(key)
			if !ok {
				continue
			}
			tl := domain.TradeLog{MarketID: id, Key: key, Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				tl.LastModified = *obj.LastModified
			}
			logs = append(logs, tl)
		}
	}
	return logs, nil
}

// isMissing matches GetObject's NoSuchKey, HeadObject's NotFound and the
// bare 404 some compatible providers return.
func isMissing(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound
}

// normaliseEndpoint prepends a scheme to a bare host.
func normaliseEndpoint(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
