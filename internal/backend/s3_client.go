package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

const unsignedPayload = "UNSIGNED-PAYLOAD"

// S3Config holds S3 connection configuration.
type S3Config struct {
	Endpoint       string // scheme optional, https assumed
	BucketName     string
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool // path-style URLs (MinIO, localstack)

	// Credentials overrides AccessKey/SecretKey, e.g. with the AWS
	// default chain. Requests are sent unsigned when both are empty.
	Credentials aws.CredentialsProvider
}

// S3Client implements ObjectStore for S3-compatible storage.
type S3Client struct {
	config      *S3Config
	scheme      string
	host        string
	httpClient  *http.Client
	credentials aws.CredentialsProvider
	signer      *v4.Signer
	now         func() time.Time
}

// NewS3Client creates a new S3Client. Uploads carry no client timeout;
// callers bound them with their context.
func NewS3Client(config *S3Config) *S3Client {
	scheme, host := splitEndpoint(config.Endpoint)

	creds := config.Credentials
	if creds == nil && config.AccessKey != "" {
		creds = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, ""))
	}

	return &S3Client{
		config: config,
		scheme: scheme,
		host:   host,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		credentials: creds,
		signer: v4.NewSigner(func(o *v4.SignerOptions) {
			// S3 keys are escaped once, not twice.
			o.DisableURIPathEscaping = true
		}),
		now: time.Now,
	}
}

func splitEndpoint(endpoint string) (scheme, host string) {
	scheme = "https"
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		scheme = "http"
		endpoint = strings.TrimPrefix(endpoint, "http://")
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
	}
	return scheme, strings.TrimSuffix(endpoint, "/")
}

// Put uploads an object with a streaming body.
func (c *S3Client) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	req, err := c.newRequest(ctx, http.MethodPut, key, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	if err := c.sign(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Op: "s3 put", StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

// URL returns the object URL for key.
func (c *S3Client) URL(key string) string {
	host, path := c.hostAndPath(key)
	return fmt.Sprintf("%s://%s%s", c.scheme, host, path)
}

func (c *S3Client) hostAndPath(key string) (host, path string) {
	if c.config.ForcePathStyle {
		return c.host, "/" + c.config.BucketName + "/" + uriEncodePath(key)
	}
	return c.config.BucketName + "." + c.host, "/" + uriEncodePath(key)
}

func (c *S3Client) newRequest(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	host, path := c.hostAndPath(key)

	req, err := http.NewRequestWithContext(ctx, method, c.scheme+"://"+host+path, body)
	if err != nil {
		return nil, err
	}
	req.Host = host
	return req, nil
}

// sign adds an AWS Signature V4 Authorization header. The body is not
// hashed so uploads can stream from disk.
func (c *S3Client) sign(ctx context.Context, req *http.Request) error {
	req.Header.Set("X-Amz-Content-Sha256", unsignedPayload)
	if c.credentials == nil {
		return nil
	}

	creds, err := c.credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("resolve s3 credentials: %w", err)
	}
	if err := c.signer.SignHTTP(ctx, creds, req, unsignedPayload, "s3", c.config.Region, c.now().UTC()); err != nil {
		return fmt.Errorf("sign s3 request: %w", err)
	}
	return nil
}

// uriEncodePath encodes each path segment per the SigV4 rules
// (unreserved characters kept, '/' kept between segments).
func uriEncodePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = strings.ReplaceAll(url.PathEscape(s), "+", "%2B")
	}
	return strings.Join(segments, "/")
}
