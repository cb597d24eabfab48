// Package report archives run reports as JSON objects in S3-compatible
// storage.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/3cpo-dev/frigg/pkg/api"
)

type Options struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint selects an S3-compatible service instead of AWS.
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Archiver uploads reports to <prefix>/<run-id>.json.
type Archiver struct {
	s3     *s3.Client
	bucket string
	prefix string
}

func NewArchiver(ctx context.Context, o Options) (*Archiver, error) {
	if o.Bucket == "" {
		return nil, errors.New("report: bucket required")
	}
	region := o.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if o.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(opts *s3.Options) {
		if o.Endpoint != "" {
			opts.BaseEndpoint = aws.String(o.Endpoint)
			opts.UsePathStyle = true
		}
	})
	return &Archiver{s3: client, bucket: o.Bucket, prefix: o.Prefix}, nil
}

// Key returns the object key of a run's report.
func (a *Archiver) Key(runID string) string {
	return path.Join(a.prefix, runID+".json")
}

// Upload stores r and returns the s3:// URL of the object.
func (a *Archiver) Upload(ctx context.Context, r api.RunReport) (string, error) {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	key := a.Key(r.ID)
	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("upload report %s: %s: %s", key, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return "", fmt.Errorf("upload report %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
