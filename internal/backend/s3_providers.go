package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
)

// ObjectStoreConfig selects and configures an S3-compatible provider.
type ObjectStoreConfig struct {
	Provider   string `yaml:"provider"`   // aws | minio | r2
	Endpoint   string `yaml:"endpoint"`   // minio only
	AccountID  string `yaml:"account_id"` // r2 only
	BucketName string `yaml:"bucket"`
	Region     string `yaml:"region"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	UseSSL     bool   `yaml:"use_ssl"`
}

// NewObjectStore builds an S3Client for the configured provider.
//   - aws: virtual-host style, regional endpoint s3.<region>.amazonaws.com;
//     without static keys the AWS default credential chain is used
//   - minio: path style, region fixed to us-east-1
//   - r2: virtual-host style on <account>.r2.cloudflarestorage.com, region "auto"
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*S3Client, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}

	s3cfg := &S3Config{
		BucketName: cfg.BucketName,
		AccessKey:  cfg.AccessKey,
		SecretKey:  cfg.SecretKey,
	}

	switch strings.ToLower(cfg.Provider) {
	case "", "aws":
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		s3cfg.Region = region
		s3cfg.Endpoint = AWSEndpointForRegion(region)
		if cfg.AccessKey == "" {
			awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
			if err != nil {
				return nil, fmt.Errorf("load aws credentials: %w", err)
			}
			s3cfg.Credentials = awsCfg.Credentials
		}
	case "minio":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("minio endpoint is required")
		}
		endpoint := cfg.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			if cfg.UseSSL {
				endpoint = "https://" + endpoint
			} else {
				endpoint = "http://" + endpoint
			}
		}
		s3cfg.Endpoint = endpoint
		s3cfg.Region = "us-east-1"
		s3cfg.ForcePathStyle = true
	case "r2":
		if cfg.AccountID == "" {
			return nil, fmt.Errorf("r2 account id is required")
		}
		s3cfg.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
		s3cfg.Region = "auto"
	default:
		return nil, fmt.Errorf("unknown object store provider %q", cfg.Provider)
	}

	return NewS3Client(s3cfg), nil
}

// AWSEndpointForRegion returns the S3 endpoint for a region.
func AWSEndpointForRegion(region string) string {
	if region == "us-east-1" {
		return "https://s3.amazonaws.com"
	}
	return fmt.Sprintf("https://s3.%s.amazonaws.com", region)
}
