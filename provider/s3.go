package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ensure interface is implemented
var (
	_ Conn         = (*S3Provider)(nil)
	_ ServerCopier = (*S3Provider)(nil)
	_ AtomicWriter = (*S3Provider)(nil)
)

// S3Config describes an S3-compatible endpoint.
type S3Config struct {
	// Endpoint is a full URL; empty means AWS itself.
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	// InsecureTLS skips certificate verification for self-hosted endpoints.
	InsecureTLS bool
}

type S3Provider struct {
	client   *s3.Client
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Provider creates a new S3Provider with static credentials.
func NewS3Provider(ctx context.Context, cfg S3Config) (*S3Provider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	}
	if cfg.InsecureTLS {
		opts = append(opts, config.WithHTTPClient(awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		})))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Provider{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// buildKey constructs the full S3 key based on the provider's prefix
func (p *S3Provider) buildKey(subPath string) string {
	subPath = strings.TrimPrefix(subPath, "/")
	if p.prefix == "" {
		return subPath
	}
	// Avoid double slashes
	key := path.Join(p.prefix, subPath)
	return strings.TrimPrefix(key, "/")
}

func dirPrefixOf(key string) string {
	if key == "" || strings.HasSuffix(key, "/") {
		return key
	}
	return key + "/"
}

// Stat returns the FileInfo for the given path. A key prefix with objects
// below it is reported as a directory.
func (p *S3Provider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	key := p.buildKey(pth)

	if key != "" {
		headOut, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			var modTime time.Time
			if headOut.LastModified != nil {
				modTime = *headOut.LastModified
			}
			return &basicFileInfo{
				name:    path.Base(key),
				size:    aws.ToInt64(headOut.ContentLength),
				modTime: modTime,
			}, nil
		}
	}

	listOut, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(dirPrefixOf(key)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("stat failed for %q: %w", pth, err)
	}
	if key == "" || len(listOut.Contents) > 0 || len(listOut.CommonPrefixes) > 0 {
		return &basicFileInfo{name: path.Base("/" + key), isDir: true}, nil
	}

	return nil, fmt.Errorf("s3 stat %s: %w", pth, fs.ErrNotExist)
}

// List returns the contents of the given directory.
func (p *S3Provider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	dirPrefix := dirPrefixOf(p.buildKey(pth))

	var infos []FileInfo
	var continuationToken *string

	for {
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(dirPrefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", pth, err)
		}

		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), dirPrefix), "/")
			infos = append(infos, &basicFileInfo{name: name, isDir: true})
		}

		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), dirPrefix)
			if name == "" || strings.HasSuffix(name, "/") { // directory placeholders
				continue
			}
			var modTime time.Time
			if obj.LastModified != nil {
				modTime = *obj.LastModified
			}
			infos = append(infos, &basicFileInfo{
				name:    name,
				size:    aws.ToInt64(obj.Size),
				modTime: modTime,
			})
		}

		if aws.ToBool(out.IsTruncated) {
			continuationToken = out.NextContinuationToken
		} else {
			break
		}
	}

	return infos, nil
}

// OpenRead opens a file for streaming reads.
func (p *S3Provider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.buildKey(pth)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("s3 open %s: %w", pth, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to open read %q: %w", pth, err)
	}
	return out.Body, nil
}

// OpenWrite streams an upload through the multipart uploader.
func (p *S3Provider) OpenWrite(ctx context.Context, pth string, metadata FileInfo) (io.WriteCloser, error) {
	key := p.buildKey(pth)
	pr, pw := io.Pipe()
	errChan := make(chan error, 1)

	go func() {
		_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
			Body:   pr,
		})
		pr.CloseWithError(err)
		errChan <- err
	}()

	return &asyncWriter{pw: pw, errChan: errChan, label: "s3 upload"}, nil
}

// MkdirAll writes a 0-byte placeholder object ending in '/'.
func (p *S3Provider) MkdirAll(ctx context.Context, pth string) error {
	key := dirPrefixOf(p.buildKey(pth))
	if key == "" {
		return nil
	}
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(""),
	})
	if err != nil {
		return fmt.Errorf("failed to write directory placeholder: %w", err)
	}
	return nil
}

func (p *S3Provider) keysUnder(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

func (p *S3Provider) Remove(ctx context.Context, pth string, recursive bool) error {
	key := p.buildKey(pth)
	info, err := p.Stat(ctx, pth)
	if err != nil {
		return err
	}
	keys := []string{key}
	if info.IsDir() {
		if key == "" {
			return errors.New("s3: refusing to remove bucket root")
		}
		under, err := p.keysUnder(ctx, dirPrefixOf(key))
		if err != nil {
			return fmt.Errorf("s3 remove %s: %w", pth, err)
		}
		if len(under) > 1 && !recursive {
			return fmt.Errorf("s3 remove %s: directory not empty", pth)
		}
		keys = under
	}

	for len(keys) > 0 {
		n := min(len(keys), 1000)
		ids := make([]types.ObjectIdentifier, 0, n)
		for _, k := range keys[:n] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(p.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("s3 remove %s: %w", pth, err)
		}
		keys = keys[n:]
	}
	return nil
}

func (p *S3Provider) copySource(key string) string {
	parts := strings.Split(p.bucket+"/"+key, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

// ServerCopy duplicates an object inside the bucket.
func (p *S3Provider) ServerCopy(ctx context.Context, src, dst string) error {
	_, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.bucket),
		Key:        aws.String(p.buildKey(dst)),
		CopySource: aws.String(p.copySource(p.buildKey(src))),
	})
	if err != nil {
		return fmt.Errorf("s3 copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

// Rename copies every object under oldPath to newPath, then deletes the
// originals. S3 has no atomic rename.
func (p *S3Provider) Rename(ctx context.Context, oldPath, newPath string) error {
	info, err := p.Stat(ctx, oldPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if err := p.ServerCopy(ctx, oldPath, newPath); err != nil {
			return err
		}
		return p.Remove(ctx, oldPath, false)
	}

	oldPrefix := dirPrefixOf(p.buildKey(oldPath))
	newPrefix := dirPrefixOf(p.buildKey(newPath))
	keys, err := p.keysUnder(ctx, oldPrefix)
	if err != nil {
		return fmt.Errorf("s3 rename %s: %w", oldPath, err)
	}
	for _, k := range keys {
		_, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(p.bucket),
			Key:        aws.String(newPrefix + strings.TrimPrefix(k, oldPrefix)),
			CopySource: aws.String(p.copySource(k)),
		})
		if err != nil {
			return fmt.Errorf("s3 rename %s: %w", oldPath, err)
		}
	}
	return p.Remove(ctx, oldPath, true)
}

// AtomicWrites reports true: an object only appears once its upload
// completes.
func (p *S3Provider) AtomicWrites() bool { return true }

// RenameReplaces is true since a rename is a copy over the target key.
func (p *S3Provider) RenameReplaces() bool { return true }

// Ping checks that the bucket is reachable with the given credentials.
func (p *S3Provider) Ping(ctx context.Context) error {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)})
	return err
}

func (p *S3Provider) Close() error { return nil }

// asyncWriter feeds a pipe consumed by a background upload and reports the
// upload's result from Close.
type asyncWriter struct {
	pw      *io.PipeWriter
	errChan <-chan error
	label   string
}

func (w *asyncWriter) Write(p []byte) (n int, err error) {
	return w.pw.Write(p)
}

func (w *asyncWriter) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	// Wait for upload to complete
	if err := <-w.errChan; err != nil {
		return fmt.Errorf("%s failed: %w", w.label, err)
	}
	return nil
}

// Abort stops the upload; the partial object is never committed.
func (w *asyncWriter) Abort(err error) {
	w.pw.CloseWithError(err)
	<-w.errChan
}
