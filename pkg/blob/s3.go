package blob

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// S3Store keeps blobs as digest-keyed objects in an S3 bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config selects the bucket and, for MinIO or LocalStack, a custom
// endpoint that forces path-style addressing.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3Store builds the client from the ambient AWS credential chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "loading AWS config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) key(digest string) string {
	return s.prefix + digest
}

// Put verifies the content against the digest, then uploads unless the
// object is already present.
func (s *S3Store) Put(ctx context.Context, digest string, r io.Reader) error {
	if err := CheckDigest(digest); err != nil {
		return err
	}
	data, err := verify(digest, r)
	if err != nil {
		return err
	}
	if ok, err := s.Exists(ctx, digest); err == nil && ok {
		return nil
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(digest)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "s3 put %s", digest)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, digest string) ([]byte, error) {
	if err := CheckDigest(digest); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(digest)),
	})
	if err != nil {
		return nil, lrserr.NotFoundf("no blob stored for %s", digest)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "s3 get %s", digest)
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, digest string) (bool, error) {
	if err := CheckDigest(digest); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(digest)),
	})
	return err == nil, nil
}

func (s *S3Store) Delete(ctx context.Context, digest string) error {
	if err := CheckDigest(digest); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(digest)),
	})
	if err != nil {
		return lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "s3 delete %s", digest)
	}
	return nil
}
