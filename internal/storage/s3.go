package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Config struct {
	Region   string
	Endpoint string // set for S3-compatible stores (MinIO, R2, LocalStack)
	Profile  string
	// Static credentials; the default AWS chain is used when empty.
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// s3API is the subset of *s3.Client the backend calls.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Storage stores artifacts in S3. The chunked strategy is a multipart
// upload whose parts are sent one at a time; S3 requires every part but
// the last to be at least 5 MiB.
type S3Storage struct {
	client s3API
	opts   Options
}

func NewS3Storage(ctx context.Context, cfg S3Config, opts Options) (*S3Storage, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Storage(client, opts), nil
}

func newS3Storage(client s3API, opts Options) *S3Storage {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &S3Storage{client: client, opts: opts}
}

func (s *S3Storage) Upload(ctx context.Context, obj Object, body io.ReaderAt, size int64, progress ProgressFunc) (*UploadResult, error) {
	if SelectStrategy(size, s.opts.SingleShotThreshold) == StrategyChunked {
		return s.uploadMultipart(ctx, obj, body, size, progress)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(obj.Bucket),
		Key:           aws.String(obj.Path),
		Body:          io.NewSectionReader(body, 0, size),
		ContentLength: aws.Int64(size),
		ContentType:   optional(obj.ContentType),
		CacheControl:  cacheControl(obj.CacheControl),
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", obj.Path, err)
	}
	if progress != nil {
		progress(size, size)
	}
	return &UploadResult{Strategy: StrategySingleShot, Chunks: 1, Bytes: size}, nil
}

func (s *S3Storage) uploadMultipart(ctx context.Context, obj Object, body io.ReaderAt, size int64, progress ProgressFunc) (*UploadResult, error) {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:       aws.String(obj.Bucket),
		Key:          aws.String(obj.Path),
		ContentType:  optional(obj.ContentType),
		CacheControl: cacheControl(obj.CacheControl),
	})
	if err != nil {
		return nil, fmt.Errorf("create multipart upload %s: %w", obj.Path, err)
	}
	uploadID := created.UploadId

	abort := func(cause error) error {
		_, aerr := s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(obj.Bucket),
			Key:      aws.String(obj.Path),
			UploadId: uploadID,
		})
		if aerr != nil {
			return errors.Join(cause, fmt.Errorf("abort multipart upload: %w", aerr))
		}
		return cause
	}

	var (
		sent  int64
		parts []types.CompletedPart
		buf   = make([]byte, min(s.opts.ChunkSize, size))
	)
	for sent < size {
		if err := ctx.Err(); err != nil {
			return nil, abort(fmt.Errorf("upload stopped at offset %d: %w", sent, err))
		}

		chunk := buf[:min(s.opts.ChunkSize, size-sent)]
		if err := readChunk(body, chunk, sent); err != nil {
			return nil, abort(err)
		}

		partNumber := int32(len(parts) + 1)
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(obj.Bucket),
			Key:           aws.String(obj.Path),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(chunk),
			ContentLength: aws.Int64(int64(len(chunk))),
		})
		if err != nil {
			return nil, abort(fmt.Errorf("part %d at offset %d: %w", partNumber, sent, err))
		}

		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)})
		sent += int64(len(chunk))
		if progress != nil {
			progress(sent, size)
		}
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(obj.Bucket),
		Key:             aws.String(obj.Path),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return nil, abort(fmt.Errorf("complete multipart upload: %w", err))
	}

	return &UploadResult{Strategy: StrategyChunked, Chunks: len(parts), Bytes: sent}, nil
}

func (s *S3Storage) Download(ctx context.Context, bucket, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	return out.Body, nil
}

// Delete is idempotent: S3 reports success for keys that do not exist.
func (s *S3Storage) Delete(ctx context.Context, bucket, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", path, err)
	}
	return nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return aws.String(v)
}

func cacheControl(maxAge string) *string {
	if maxAge == "" {
		return nil
	}
	return aws.String("max-age=" + maxAge)
}
