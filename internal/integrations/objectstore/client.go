package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the minimal S3 interface required by Client.
// *s3.Client from aws-sdk-go-v2 satisfies this interface.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client stores audio artifacts in a single S3 bucket.
type Client struct {
	api     s3API
	bucket  string
	region  string
	baseURL string
}

type Option func(*Client)

// WithPublicBaseURL makes PublicURL return baseURL/key, e.g. a CDN in front
// of the bucket.
func WithPublicBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

// WithRegion sets the region used for virtual-hosted bucket URLs.
func WithRegion(region string) Option {
	return func(c *Client) {
		c.region = strings.TrimSpace(region)
	}
}

func New(api s3API, bucket string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("objectstore: api must not be nil")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("objectstore: bucket must not be empty")
	}
	c := &Client{api: api, bucket: bucket}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Upload writes data under key and returns the public locator of the object.
func (c *Client) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("objectstore: key must not be empty")
	}
	if len(data) == 0 {
		return "", errors.New("objectstore: refusing to upload empty object")
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := c.api.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("objectstore: put %s/%s: %w", c.bucket, key, err)
	}
	return c.PublicURL(key), nil
}

// PublicURL returns the locator clients use to fetch key.
func (c *Client) PublicURL(key string) string {
	escaped := escapeKey(strings.TrimLeft(key, "/"))
	if c.baseURL != "" {
		return c.baseURL + "/" + escaped
	}
	if c.region == "" || c.region == "us-east-1" {
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", c.bucket, escaped)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", c.bucket, c.region, escaped)
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
