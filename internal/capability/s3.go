package capability

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"freighter/internal/model"
)

// S3Pusher delivers artifacts to S3-compatible object stores. Host
// references look like "s3://bucket"; the object key is the destination
// path joined with "<jobID>.artifact". Secrets are "ACCESS_KEY:SECRET_KEY"
// pairs, resolved per attempt and scoped to one client.
type S3Pusher struct {
	cfg      aws.Config
	endpoint string
}

// NewS3Pusher loads the ambient AWS config once; credentials are supplied
// per push. endpoint overrides the S3 endpoint for compatible stores
// (MinIO and friends) and switches to path-style addressing.
func NewS3Pusher(ctx context.Context, region, endpoint string) (*S3Pusher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("s3 pusher: %w", err)
	}
	return &S3Pusher{cfg: cfg, endpoint: endpoint}, nil
}

func (p *S3Pusher) Push(ctx context.Context, req model.PushRequest) error {
	bucket, err := s3Bucket(req.HostRef)
	if err != nil {
		return err
	}
	access, secret, ok := strings.Cut(req.Secret.Reveal(), ":")
	if !ok || access == "" || secret == "" {
		return fmt.Errorf("push %s: malformed access key pair: %w", req.HostRef, ErrAuthFailed)
	}

	client := s3.NewFromConfig(p.cfg, func(o *s3.Options) {
		o.Credentials = credentials.NewStaticCredentialsProvider(access, secret, "")
		// The transfer stage owns retries; do not stack SDK retries on top.
		o.RetryMaxAttempts = 1
		if p.endpoint != "" {
			o.BaseEndpoint = aws.String(p.endpoint)
			o.UsePathStyle = true
		}
	})

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(s3Key(req.DestinationPath, req.JobID)),
		Body:          req.Body,
		ContentLength: aws.Int64(req.Size),
	})
	if err != nil {
		return classifyS3(req.HostRef, err)
	}
	return nil
}

// classifyS3 maps S3 API rejections onto the pipeline's terminal errors;
// everything else stays retryable.
func classifyS3(hostRef string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return fmt.Errorf("push %s: %s: %w", hostRef, apiErr.ErrorCode(), ErrAuthFailed)
		case "NoSuchBucket", "PermanentRedirect":
			return fmt.Errorf("push %s: %s: %w", hostRef, apiErr.ErrorCode(), ErrDestinationInvalid)
		}
	}
	return fmt.Errorf("push %s: %w", hostRef, err)
}

func s3Bucket(hostRef string) (string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(hostRef), "s3://")
	if !ok {
		return "", fmt.Errorf("host %q is not an s3 reference: %w", hostRef, ErrDestinationInvalid)
	}
	bucket := strings.Trim(rest, "/")
	if bucket == "" || strings.Contains(bucket, "/") {
		return "", fmt.Errorf("host %q: bucket required: %w", hostRef, ErrDestinationInvalid)
	}
	return bucket, nil
}

func s3Key(dest, jobID string) string {
	key := path.Join(strings.TrimPrefix(path.Clean("/"+dest), "/"), jobID+".artifact")
	return strings.TrimPrefix(key, "/")
}
