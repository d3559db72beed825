package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

// S3 providers.
const (
	ProviderAWS   = "aws"
	ProviderMinIO = "minio"
	ProviderR2    = "r2"
)

// Regional AWS S3 endpoints.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-west-2":      "s3.eu-west-2.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"eu-north-1":     "s3.eu-north-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ap-southeast-2": "s3.ap-southeast-2.amazonaws.com",
	"ap-south-1":     "s3.ap-south-1.amazonaws.com",
	"ca-central-1":   "s3.ca-central-1.amazonaws.com",
	"sa-east-1":      "s3.sa-east-1.amazonaws.com",
}

// S3Config configures the object-store asset backend.
type S3Config struct {
	Provider        string `yaml:"provider"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Endpoint        string `yaml:"endpoint"`
	AccountID       string `yaml:"account_id"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
}

// Resolved is the client endpoint derived from an S3Config.
type Resolved struct {
	URL       string
	Region    string
	PathStyle bool
}

// Resolve derives the endpoint, region and addressing style for the provider.
//   - aws: regional endpoint, virtual-host style; Endpoint overrides the regional host.
//   - minio: Endpoint with scheme from UseSSL, path style, region us-east-1.
//   - r2: https://<account>.r2.cloudflarestorage.com, region auto.
func (c S3Config) Resolve() (Resolved, error) {
	if c.Bucket == "" {
		return Resolved{}, apperrors.New(apperrors.ErrInvalid, "s3 bucket is required")
	}

	switch strings.ToLower(c.Provider) {
	case "", ProviderAWS:
		region := c.Region
		if region == "" {
			region = "us-east-1"
		}
		if c.Endpoint != "" {
			return Resolved{URL: withScheme(c.Endpoint, true), Region: region}, nil
		}
		host, ok := awsEndpoints[region]
		if !ok {
			host = fmt.Sprintf("s3.%s.amazonaws.com", region)
		}
		return Resolved{URL: "https://" + host, Region: region}, nil

	case ProviderMinIO:
		if c.Endpoint == "" {
			return Resolved{}, apperrors.New(apperrors.ErrInvalid, "minio endpoint is required")
		}
		region := c.Region
		if region == "" {
			region = "us-east-1"
		}
		return Resolved{URL: withScheme(c.Endpoint, c.UseSSL), Region: region, PathStyle: true}, nil

	case ProviderR2:
		if !validR2Account(c.AccountID) {
			return Resolved{}, apperrors.New(apperrors.ErrInvalid, "r2 account id must be 32 hex characters")
		}
		return Resolved{URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.AccountID), Region: "auto"}, nil

	default:
		return Resolved{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown s3 provider %q", c.Provider))
	}
}

func withScheme(endpoint string, useSSL bool) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/")
}

func validR2Account(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// ObjectAPI is the subset of the S3 client used by S3Backend.
type ObjectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Backend stores assets in a bucket. Folders are key prefixes marked by a
// zero-byte "<prefix>/" object; a folder id is its prefix.
type S3Backend struct {
	client ObjectAPI
	bucket string
	log    *logging.Logger
}

// NewS3Backend builds an S3 client from cfg.
func NewS3Backend(ctx context.Context, cfg S3Config, logger *logging.Logger) (*S3Backend, error) {
	resolved, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(resolved.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "load aws config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(resolved.URL)
		o.UsePathStyle = resolved.PathStyle
	})
	return NewS3BackendWithClient(client, cfg.Bucket, logger), nil
}

// NewS3BackendWithClient wraps an existing object client.
func NewS3BackendWithClient(client ObjectAPI, bucket string, logger *logging.Logger) *S3Backend {
	if logger == nil {
		logger = logging.Nop()
	}
	return &S3Backend{
		client: client,
		bucket: bucket,
		log:    logger.With(map[string]interface{}{"component": "asset_s3", "bucket": bucket}),
	}
}

func folderPrefix(name, parentID string) string {
	return path.Join(parentID, name)
}

// FindFolder implements Backend.
func (b *S3Backend) FindFolder(ctx context.Context, name, parentID string) (string, bool, error) {
	prefix := folderPrefix(name, parentID)
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(prefix + "/"),
	})
	if err == nil {
		return prefix, true, nil
	}
	if isNotFound(err) {
		return "", false, nil
	}
	return "", false, objectError("head "+prefix, err)
}

// CreateFolder implements Backend.
func (b *S3Backend) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	prefix := folderPrefix(name, parentID)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(prefix + "/"),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String(FolderMimeType),
	})
	if err != nil {
		return "", objectError("create folder "+prefix, err)
	}
	return prefix, nil
}

// Upload implements Backend. The object key is the folder prefix plus the filename.
func (b *S3Backend) Upload(ctx context.Context, ur UploadRequest) (string, error) {
	key := path.Join(ur.FolderID, ur.Filename)
	mimeType := ur.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(ur.Data),
		ContentLength: aws.Int64(int64(len(ur.Data))),
		ContentType:   aws.String(mimeType),
		Metadata:      ur.Metadata,
	})
	if err != nil {
		return "", objectError("put "+key, err)
	}

	b.log.Debug("Asset uploaded", map[string]interface{}{"key": key, "bytes": len(ur.Data)})
	return key, nil
}

// Disconnect implements Backend. Static credentials hold no session.
func (b *S3Backend) Disconnect() {}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nk *types.NoSuchKey
	if errors.As(err, &nk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

// objectError maps SDK failures onto the engine's error codes.
func objectError(op string, err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		mapped := apperrors.FromStatus(re.HTTPStatusCode(), "")
		return apperrors.Wrap(apperrors.CodeOf(mapped), op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperrors.Transport(op, err)
}

var _ Backend = (*S3Backend)(nil)
