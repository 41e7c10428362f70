package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/retry"
)

// S3API is the subset of *s3.Client used for downloads.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// s3Client builds the client on first use so plain HTTP setups never touch
// the AWS credential chain.
func (f *Fetcher) s3Client(ctx context.Context) (S3API, error) {
	f.s3Once.Do(func() {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			f.s3Err = fmt.Errorf("load aws config: %w", err)
			return
		}
		f.s3 = s3.NewFromConfig(cfg)
	})
	return f.s3, f.s3Err
}

func (f *Fetcher) openS3(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	rawURL := u.String()
	bucket, key, err := splitS3URL(u)
	if err != nil {
		return nil, 0, payload.NetworkError("parse url", rawURL, err)
	}
	client, err := f.s3Client(ctx)
	if err != nil {
		return nil, 0, payload.NetworkError("get object", rawURL, err)
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, s3Error(ctx, "get object", rawURL, err)
	}

	total := int64(-1)
	if out.ContentLength != nil {
		total = aws.ToInt64(out.ContentLength)
	}
	return out.Body, total, nil
}

func (f *Fetcher) statS3(ctx context.Context, u *url.URL) (int64, error) {
	rawURL := u.String()
	bucket, key, err := splitS3URL(u)
	if err != nil {
		return -1, payload.NetworkError("parse url", rawURL, err)
	}
	client, err := f.s3Client(ctx)
	if err != nil {
		return -1, payload.NetworkError("head object", rawURL, err)
	}

	out, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return -1, s3Error(ctx, "head object", rawURL, err)
	}
	if out.ContentLength == nil {
		return -1, nil
	}
	return aws.ToInt64(out.ContentLength), nil
}

// s3Error classifies an SDK error. Missing objects are permanent; everything
// else is assumed transient since the SDK has already applied its own retries
// for throttling.
func s3Error(ctx context.Context, op, rawURL string, err error) error {
	nerr := payload.NetworkError(op, rawURL, err)

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) || ctx.Err() != nil {
		return nerr
	}
	return retry.Retryable(nerr)
}
