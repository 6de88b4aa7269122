package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	appconfig "fundingflow/config"
	"fundingflow/internal/models"
	"fundingflow/logger"
)

const snapshotObject = "funding_rates.json"

// objectAPI is the part of the S3 client the store needs.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store mirrors the snapshot to an S3 object and, when archiving is on,
// uploads every checkpoint as a dated parquet file.
type S3Store struct {
	client      objectAPI
	bucket      string
	prefix      string
	archive     bool
	compression string
	version     string
	log         *logger.Log
}

// NewS3Store loads AWS configuration and builds the client. Static keys in
// cfg take precedence over the default credential chain.
func NewS3Store(ctx context.Context, cfg appconfig.S3Config, version string) (*S3Store, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("s3 storage disabled")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3Store(client, cfg, version), nil
}

func newS3Store(client objectAPI, cfg appconfig.S3Config, version string) *S3Store {
	return &S3Store{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		archive:     cfg.Archive,
		compression: cfg.Compression,
		version:     version,
		log:         logger.GetLogger(),
	}
}

func (s *S3Store) Name() string { return "s3://" + s.bucket + "/" + s.snapshotKey() }

func (s *S3Store) snapshotKey() string {
	return path.Join(s.prefix, snapshotObject)
}

// archiveKey lays archives out by UTC date so they can be scanned as a
// partitioned table.
func archiveKey(prefix string, at time.Time, id string) string {
	at = at.UTC()
	return path.Join(
		prefix,
		"archive",
		fmt.Sprintf("date=%s", at.Format("2006-01-02")),
		fmt.Sprintf("funding_rates_%s_%s.parquet", at.Format("20060102T150405Z"), id),
	)
}

func (s *S3Store) Save(ctx context.Context, snap models.Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.snapshotKey()),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"total-symbols":       fmt.Sprintf("%d", len(snap.Records)),
			"fundingflow-version": s.version,
		},
	}); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}

	if !s.archive || len(snap.Records) == 0 {
		return nil
	}

	parquetData, err := EncodeParquet(snap, s.compression)
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}
	key := archiveKey(s.prefix, time.UnixMilli(snap.SnapshotTimestamp), uuid.NewString())
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(parquetData),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":        "parquet",
			"compression":         s.compression,
			"fundingflow-version": s.version,
		},
	}); err != nil {
		return fmt.Errorf("upload archive %s: %w", key, err)
	}

	s.log.WithComponent("snapshot_s3").WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(parquetData),
		"records":   len(snap.Records),
	}).Debug("snapshot archive uploaded")
	return nil
}

// Load fetches the mirrored snapshot. A missing object is a cold start.
func (s *S3Store) Load(ctx context.Context) (*models.Snapshot, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.snapshotKey()),
	})
	if err != nil {
		var missing *s3types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, nil
		}
		return nil, fmt.Errorf("download snapshot: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot body: %w", err)
	}
	snap, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}
	return snap, nil
}
