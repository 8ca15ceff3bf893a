package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/filerift/filerift/internal/logger"
)

// s3MinPartSize is the S3 multipart minimum (5 MiB). Uploads smaller
// than one part go through a single PutObject instead.
const s3MinPartSize = 5 * 1024 * 1024

// S3Store stores blobs as objects in an S3 (or S3-compatible) bucket.
//
// Uploads stream through the multipart API so the server never buffers
// more than one part in memory. Resume at a byte offset is not
// expressible over multipart uploads, so OpenPut with offset > 0
// returns ErrResumeUnsupported and the engine restarts from zero.
type S3Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	partSize  uint64
}

// S3Options configures NewS3Store.
type S3Options struct {
	// Endpoint overrides the S3 endpoint (MinIO, Ceph). Empty uses AWS.
	Endpoint string

	// Region is the bucket region.
	Region string

	// Bucket is the bucket name.
	Bucket string

	// KeyPrefix is prepended to every object key.
	KeyPrefix string

	// AccessKey / SecretKey are static credentials. Empty falls back to
	// the standard AWS credential chain.
	AccessKey string
	SecretKey string

	// UsePathStyle forces path-style addressing.
	UsePathStyle bool

	// PartSize overrides the multipart part size. Minimum 5 MiB.
	PartSize uint64
}

// NewS3Store builds the S3-backed blob store.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 blob store requires a bucket")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	partSize := opts.PartSize
	if partSize < s3MinPartSize {
		partSize = s3MinPartSize
	}

	return &S3Store{
		client:    client,
		bucket:    opts.Bucket,
		keyPrefix: opts.KeyPrefix,
		partSize:  partSize,
	}, nil
}

// Close releases nothing; the S3 client has no shutdown.
func (s *S3Store) Close() error {
	return nil
}

var _ BlobStore = (*S3Store)(nil)

func (s *S3Store) objectKey(key string) string {
	return s.keyPrefix + key
}

// OpenPut opens a multipart write sink at key.
func (s *S3Store) OpenPut(ctx context.Context, key string, offset uint64) (WriteSink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset > 0 {
		return nil, ErrResumeUnsupported
	}
	return &s3Sink{store: s, ctx: ctx, key: s.objectKey(key)}, nil
}

// OpenGet opens a completed blob for reading.
func (s *S3Store) OpenGet(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

// OpenPartial always fails: S3 keeps no readable partial state.
func (s *S3Store) OpenPartial(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, ErrNotFound
}

// Delete removes the object at key. Idempotent: S3 deletes of missing
// objects succeed.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// s3Sink buffers writes up to one part and flushes them through the
// multipart API. Small blobs (a single short part) use PutObject.
type s3Sink struct {
	store *S3Store
	ctx   context.Context
	key   string

	buf       bytes.Buffer
	uploadID  string
	partNum   int32
	completed []types.CompletedPart
	closed    bool
}

func (w *s3Sink) Write(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	n, _ := w.buf.Write(p)
	for uint64(w.buf.Len()) >= w.store.partSize {
		if err := w.flushPart(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// flushPart uploads one full part from the buffer.
func (w *s3Sink) flushPart() error {
	if w.uploadID == "" {
		out, err := w.store.client.CreateMultipartUpload(w.ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(w.store.bucket),
			Key:    aws.String(w.key),
		})
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", err)
		}
		w.uploadID = aws.ToString(out.UploadId)
	}

	part := w.buf.Next(int(w.store.partSize))
	w.partNum++
	num := w.partNum

	out, err := w.store.client.UploadPart(w.ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.store.bucket),
		Key:        aws.String(w.key),
		UploadId:   aws.String(w.uploadID),
		PartNumber: aws.Int32(num),
		Body:       bytes.NewReader(part),
	})
	if err != nil {
		return fmt.Errorf("upload part %d: %w", num, err)
	}
	w.completed = append(w.completed, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(num),
	})
	return nil
}

// Close completes the object. S3 acknowledges completion only after the
// object is durable, which satisfies the durable-close contract.
func (w *s3Sink) Close() error {
	if w.closed {
		return os.ErrClosed
	}
	w.closed = true

	// Single short part: plain PutObject.
	if w.uploadID == "" {
		_, err := w.store.client.PutObject(w.ctx, &s3.PutObjectInput{
			Bucket: aws.String(w.store.bucket),
			Key:    aws.String(w.key),
			Body:   bytes.NewReader(w.buf.Bytes()),
		})
		if err != nil {
			return fmt.Errorf("put object: %w", err)
		}
		return nil
	}

	if w.buf.Len() > 0 {
		if err := w.flushPart(); err != nil {
			return err
		}
	}

	_, err := w.store.client.CompleteMultipartUpload(w.ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(w.store.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: w.completed,
		},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload: %w", err)
	}
	return nil
}

// Abort discards the upload. There is no resumable state on S3.
func (w *s3Sink) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.uploadID == "" {
		return nil
	}
	_, err := w.store.client.AbortMultipartUpload(w.ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.store.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
	if err != nil {
		// The out-of-band GC of incomplete multipart uploads will catch
		// it; losing the abort is not fatal.
		logger.Warn("abort multipart upload failed", "key", w.key, "error", err)
	}
	return nil
}
