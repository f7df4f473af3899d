package remote

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/objcat/objcat/internal/logging"
	"github.com/objcat/objcat/internal/metrics"
)

// s3DeleteBatchMax is the DeleteObjects API limit per request.
const s3DeleteBatchMax = 1000

// S3Store implements Store over an S3-compatible service.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// Dial builds an S3Store from a connection config. It is the production
// DialFunc.
func Dial(ctx context.Context, cfg Config) (Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &TransferError{Op: "dial", Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
	}, nil
}

// List returns one page of the bucket's flat key space.
func (s *S3Store) List(ctx context.Context, continuationToken string) (*ListPage, error) {
	start := time.Now()

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}
	if continuationToken != "" {
		input.ContinuationToken = aws.String(continuationToken)
	}

	result, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		metrics.RecordRemoteOperation("list", time.Since(start), false)
		return nil, &TransferError{Op: "list", Err: err}
	}
	metrics.RecordRemoteOperation("list", time.Since(start), true)

	page := &ListPage{
		Entries: make([]ObjectDescriptor, 0, len(result.Contents)),
	}
	for _, obj := range result.Contents {
		page.Entries = append(page.Entries, ObjectDescriptor{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
			StorageClass: string(obj.StorageClass),
		})
	}
	if result.NextContinuationToken != nil {
		page.NextToken = aws.ToString(result.NextContinuationToken)
	}
	return page, nil
}

// Head returns metadata for a single key.
func (s *S3Store) Head(ctx context.Context, key string) (*ObjectMeta, error) {
	start := time.Now()

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordRemoteOperation("head", time.Since(start), false)
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, NotFoundError{Key: key}
		}
		return nil, &TransferError{Op: "head", Key: key, Err: err}
	}
	metrics.RecordRemoteOperation("head", time.Since(start), true)

	return &ObjectMeta{
		Size:         aws.ToInt64(head.ContentLength),
		LastModified: aws.ToTime(head.LastModified),
		ContentType:  aws.ToString(head.ContentType),
		StorageClass: string(head.StorageClass),
	}, nil
}

// Get streams a single object's content.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, *ObjectMeta, error) {
	start := time.Now()

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordRemoteOperation("get", time.Since(start), false)
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, nil, NotFoundError{Key: key}
		}
		return nil, nil, &TransferError{Op: "get", Key: key, Err: err}
	}
	metrics.RecordRemoteOperation("get", time.Since(start), true)

	meta := &ObjectMeta{
		Size:         aws.ToInt64(result.ContentLength),
		LastModified: aws.ToTime(result.LastModified),
		ContentType:  aws.ToString(result.ContentType),
		StorageClass: string(result.StorageClass),
	}
	return result.Body, meta, nil
}

// Put uploads content to a key. Large or progress-tracked uploads go
// through the multipart uploader; empty marker objects use a plain put.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (*ObjectMeta, error) {
	start := time.Now()

	if body != nil && (opts.OnProgress != nil || size > manager.DefaultUploadPartSize) {
		body = newProgressReader(body, size, opts.OnProgress)
		input := &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   body,
		}
		if opts.ContentType != "" {
			input.ContentType = aws.String(opts.ContentType)
		}
		if _, err := s.uploader.Upload(ctx, input); err != nil {
			metrics.RecordRemoteOperation("put", time.Since(start), false)
			return nil, &TransferError{Op: "put", Key: key, Err: err}
		}
	} else {
		input := &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          body,
			ContentLength: aws.Int64(size),
		}
		if opts.ContentType != "" {
			input.ContentType = aws.String(opts.ContentType)
		}
		if _, err := s.client.PutObject(ctx, input); err != nil {
			metrics.RecordRemoteOperation("put", time.Since(start), false)
			return nil, &TransferError{Op: "put", Key: key, Err: err}
		}
	}

	metrics.RecordRemoteOperation("put", time.Since(start), true)
	metrics.RecordBytesUploaded(size)
	logging.Debug("remote put", zap.String("key", key), zap.Int64("size", size))

	return &ObjectMeta{Size: size, LastModified: time.Now().UTC()}, nil
}

// Copy duplicates srcKey to dstKey within the bucket.
func (s *S3Store) Copy(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()

	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(s.bucket + "/" + srcKey),
	})
	if err != nil {
		metrics.RecordRemoteOperation("copy", time.Since(start), false)
		return &TransferError{Op: "copy", Key: srcKey, Err: err}
	}

	metrics.RecordRemoteOperation("copy", time.Since(start), true)
	logging.Debug("remote copy", zap.String("src", srcKey), zap.String("dst", dstKey))
	return nil
}

// DeleteMany removes keys in batches of the API limit, reporting a
// per-key outcome in input order.
func (s *S3Store) DeleteMany(ctx context.Context, keys []string) ([]DeleteResult, error) {
	results := make([]DeleteResult, 0, len(keys))

	for len(keys) > 0 {
		batch := keys
		if len(batch) > s3DeleteBatchMax {
			batch = batch[:s3DeleteBatchMax]
		}
		keys = keys[len(batch):]

		objects := make([]types.ObjectIdentifier, len(batch))
		for i, key := range batch {
			objects[i] = types.ObjectIdentifier{Key: aws.String(key)}
		}

		start := time.Now()
		result, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects},
		})
		if err != nil {
			metrics.RecordRemoteOperation("delete_many", time.Since(start), false)
			return nil, &TransferError{Op: "delete", Err: err}
		}
		metrics.RecordRemoteOperation("delete_many", time.Since(start), true)

		failed := make(map[string]error, len(result.Errors))
		for _, e := range result.Errors {
			failed[aws.ToString(e.Key)] = &TransferError{
				Op:  "delete",
				Key: aws.ToString(e.Key),
				Err: &deleteError{code: aws.ToString(e.Code), message: aws.ToString(e.Message)},
			}
		}
		for _, key := range batch {
			results = append(results, DeleteResult{Key: key, Err: failed[key]})
		}
	}

	return results, nil
}

type deleteError struct {
	code    string
	message string
}

func (e *deleteError) Error() string {
	return e.code + ": " + e.message
}

// progressReader counts bytes as they are consumed by the uploader and
// reports them to the progress callback.
type progressReader struct {
	r        io.Reader
	total    int64
	loaded   atomic.Int64
	progress ProgressFunc
}

func newProgressReader(r io.Reader, total int64, progress ProgressFunc) *progressReader {
	return &progressReader{r: r, total: total, progress: progress}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 && p.progress != nil {
		p.progress(p.loaded.Add(int64(n)), p.total)
	}
	return n, err
}
