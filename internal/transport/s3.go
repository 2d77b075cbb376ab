package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	nethttp "net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"

	"github.com/runsync/runsync/internal/constants"
	"github.com/runsync/runsync/internal/http"
	"github.com/runsync/runsync/internal/logging"
	"github.com/runsync/runsync/internal/util/buffers"
)

// S3 copies trees to and from an S3 compatible object store. The remote
// path is the key prefix inside the endpoint's bucket.
type S3 struct {
	logger     *logging.Logger
	httpClient *nethttp.Client
	retry      http.Config

	mu      sync.Mutex
	clients map[string]*s3.Client
}

// NewS3 creates the S3 binding.
func NewS3(opts Options) *S3 {
	opts = opts.withDefaults()
	return &S3{
		logger:     opts.Logger,
		httpClient: opts.HTTPClient,
		retry:      http.DefaultConfig(),
		clients:    map[string]*s3.Client{},
	}
}

// Method implements Transport.
func (t *S3) Method() string { return MethodS3 }

func (t *S3) client(ctx context.Context, ep Endpoint) (*s3.Client, error) {
	if ep.S3Bucket == "" {
		return nil, fmt.Errorf("host %s has no s3_bucket", ep.Name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[ep.Name]; ok {
		return c, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if ep.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(ep.S3Region))
	}
	if t.httpClient != nil {
		loadOpts = append(loadOpts, awsconfig.WithHTTPClient(t.httpClient))
	}
	if ep.S3AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(ep.S3AccessKey, ep.S3SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	c := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if ep.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(ep.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	t.clients[ep.Name] = c
	return c, nil
}

// Push implements Transport.
func (t *S3) Push(ctx context.Context, localPath string, remote Endpoint, remotePath string) error {
	c, err := t.client(ctx, remote)
	if err != nil {
		return wrap(MethodS3, "push", localPath, err)
	}
	prefix := objectKey(remotePath)

	info, err := os.Stat(localPath)
	if err != nil {
		return wrap(MethodS3, "push", localPath, err)
	}
	if !info.IsDir() {
		return wrap(MethodS3, "push", localPath, t.putFile(ctx, c, remote.S3Bucket, localPath, prefix, info.Size()))
	}

	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		return t.putFile(ctx, c, remote.S3Bucket, p, path.Join(prefix, filepath.ToSlash(rel)), fi.Size())
	})
	return wrap(MethodS3, "push", localPath, err)
}

func (t *S3) putFile(ctx context.Context, c *s3.Client, bucket, local, key string, size int64) error {
	if size > constants.MultipartThreshold {
		return t.putMultipart(ctx, c, bucket, local, key, size)
	}

	err := http.ExecuteWithRetry(ctx, t.retry, func() error {
		f, err := os.Open(local)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = c.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(size),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	t.logger.Debug().Str("key", key).Str("size", humanize.Bytes(uint64(size))).Msg("object uploaded")
	return nil
}

// putMultipart uploads parts sequentially from one pooled buffer.
func (t *S3) putMultipart(ctx context.Context, c *s3.Client, bucket, local, key string, size int64) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	var createResp *s3.CreateMultipartUploadOutput
	err = http.ExecuteWithRetry(ctx, t.retry, func() error {
		var err error
		createResp, err = c.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create multipart upload: %w", err)
	}
	uploadID := createResp.UploadId

	abort := func(cause error) error {
		// Best effort; an orphaned upload only costs storage until lifecycle cleanup.
		_, _ = c.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
		return cause
	}

	buf := buffers.GetPartBuffer()
	defer buffers.PutPartBuffer(buf)

	var parts []types.CompletedPart
	for partNumber := int32(1); ; partNumber++ {
		n, readErr := io.ReadFull(f, *buf)
		if n == 0 {
			if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
				break
			}
			return abort(readErr)
		}
		data := (*buf)[:n]

		partCtx, cancel := context.WithTimeout(ctx, constants.PartTimeout)
		var etag *string
		err := http.ExecuteWithRetry(partCtx, t.retry, func() error {
			resp, err := c.UploadPart(partCtx, &s3.UploadPartInput{
				Bucket:        aws.String(bucket),
				Key:           aws.String(key),
				UploadId:      uploadID,
				PartNumber:    aws.Int32(partNumber),
				Body:          bytes.NewReader(data),
				ContentLength: aws.Int64(int64(n)),
			})
			if err != nil {
				return err
			}
			etag = resp.ETag
			return nil
		})
		cancel()
		if err != nil {
			return abort(fmt.Errorf("upload part %d: %w", partNumber, err))
		}
		parts = append(parts, types.CompletedPart{ETag: etag, PartNumber: aws.Int32(partNumber)})

		if readErr == io.ErrUnexpectedEOF || readErr == io.EOF {
			break
		}
		if readErr != nil {
			return abort(readErr)
		}
	}

	err = http.ExecuteWithRetry(ctx, t.retry, func() error {
		_, err := c.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(bucket),
			Key:             aws.String(key),
			UploadId:        uploadID,
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		return err
	})
	if err != nil {
		return abort(fmt.Errorf("failed to complete multipart upload: %w", err))
	}
	t.logger.Debug().Str("key", key).Int("parts", len(parts)).
		Str("size", humanize.Bytes(uint64(size))).Msg("multipart upload complete")
	return nil
}

// Pull implements Transport. A prefix naming a single object is written to
// localPath itself; otherwise objects are laid out below localPath.
func (t *S3) Pull(ctx context.Context, remote Endpoint, remotePath, localPath string) error {
	c, err := t.client(ctx, remote)
	if err != nil {
		return wrap(MethodS3, "pull", remotePath, err)
	}
	prefix := objectKey(remotePath)

	pager := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{
		Bucket: aws.String(remote.S3Bucket),
		Prefix: aws.String(prefix),
	})
	found := 0
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return wrap(MethodS3, "pull", remotePath, fmt.Errorf("list %s: %w", prefix, err))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			target, ok := localTarget(prefix, key, localPath)
			if !ok {
				continue
			}
			if err := t.getObject(ctx, c, remote.S3Bucket, key, target); err != nil {
				return wrap(MethodS3, "pull", remotePath, err)
			}
			found++
		}
	}
	if found == 0 {
		return wrap(MethodS3, "pull", remotePath, fmt.Errorf("no objects under %s", prefix))
	}
	return nil
}

func (t *S3) getObject(ctx context.Context, c *s3.Client, bucket, key, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	return http.ExecuteWithRetry(ctx, t.retry, func() error {
		resp, err := c.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, resp.Body); err != nil {
			out.Close()
			return fmt.Errorf("get %s: %w", key, err)
		}
		return out.Close()
	})
}

func objectKey(remotePath string) string {
	return strings.Trim(filepath.ToSlash(remotePath), "/")
}

// localTarget maps an object key under prefix to a local path. Keys that
// merely share a string prefix (run1 vs run10) are rejected.
func localTarget(prefix, key, localPath string) (string, bool) {
	if key == prefix {
		return localPath, true
	}
	if !strings.HasPrefix(key, prefix+"/") {
		return "", false
	}
	rel := strings.TrimPrefix(key, prefix+"/")
	if rel == "" {
		return "", false
	}
	return filepath.Join(localPath, filepath.FromSlash(rel)), true
}
