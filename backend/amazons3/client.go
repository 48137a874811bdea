package amazons3

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsretry "github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/flow"
)

// API is the part of the S3 client used by sources
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Uploader stores objects. *manager.Uploader implements it.
type Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Client bundles the S3 API with an upload manager
type Client struct {
	API      API
	Uploader Uploader
}

// ClientOptions are the connection settings of an AmazonS3 address
type ClientOptions struct {
	Region           string
	EndpointOverride string
	ForcePathStyle   bool
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
}

// ClientOptionsFrom reads connection settings from addr
func ClientOptionsFrom(addr flow.DataAddress) ClientOptions {
	pathStyle, _ := strconv.ParseBool(addr.Property(ForcePathStyleProperty))
	return ClientOptions{
		Region:           addr.Property(RegionProperty),
		EndpointOverride: addr.Property(EndpointOverrideProperty),
		ForcePathStyle:   pathStyle,
		AccessKeyID:      addr.Property(AccessKeyIDProperty),
		SecretAccessKey:  addr.Property(SecretAccessKeyProperty),
		SessionToken:     addr.Property(SessionTokenProperty),
	}
}

// ClientFactory builds a client for a set of connection settings
type ClientFactory func(ctx context.Context, opts ClientOptions) (*Client, error)

// NewAWSClient builds a client from the default AWS configuration chain
// with the default retry policy.
func NewAWSClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	return NewAWSClientFactory(errors.DefaultRetryConfig())(ctx, opts)
}

// NewAWSClientFactory returns a ClientFactory whose clients retry failed
// requests under policy. Static credentials and an endpoint override on the
// address take precedence over the default configuration chain.
func NewAWSClientFactory(policy errors.RetryConfig) ClientFactory {
	return func(ctx context.Context, opts ClientOptions) (*Client, error) {
		loadOpts := []func(*config.LoadOptions) error{
			config.WithRegion(opts.Region),
			config.WithRetryer(func() aws.Retryer { return NewRetryer(policy) }),
		}
		if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
			creds := credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken)
			loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
		}

		awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, errors.WrapFatal(err, "amazons3", "NewAWSClient", "load aws config")
		}

		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if opts.EndpointOverride != "" {
				o.BaseEndpoint = aws.String(opts.EndpointOverride)
			}
			o.UsePathStyle = opts.ForcePathStyle
		})
		return &Client{API: client, Uploader: manager.NewUploader(client)}, nil
	}
}

// NewRetryer maps policy onto the SDK standard retryer. The SDK still
// decides which errors are retryable; policy sets how often and how long
// to wait.
func NewRetryer(policy errors.RetryConfig) aws.Retryer {
	return awsretry.NewStandard(func(o *awsretry.StandardOptions) {
		if policy.MaxAttempts > 0 {
			o.MaxAttempts = policy.MaxAttempts
		}
		if policy.MaxBackoff > 0 {
			o.MaxBackoff = policy.MaxBackoff
		}
		o.Backoff = backoff(policy)
	})
}

// backoff adapts the policy's exponential delays to awsretry.BackoffDelayer
type backoff errors.RetryConfig

func (b backoff) BackoffDelay(attempt int, _ error) (time.Duration, error) {
	cfg := errors.RetryConfig(b).ToRetryConfig()
	return cfg.Delay(attempt), nil
}

// clientCache reuses one client per distinct set of connection settings
type clientCache struct {
	factory ClientFactory
	mu      sync.Mutex
	clients map[ClientOptions]*Client
}

func newClientCache(factory ClientFactory) *clientCache {
	if factory == nil {
		factory = NewAWSClient
	}
	return &clientCache{factory: factory, clients: make(map[ClientOptions]*Client)}
}

func (c *clientCache) get(ctx context.Context, opts ClientOptions) (*Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[opts]; ok {
		return client, nil
	}
	client, err := c.factory(ctx, opts)
	if err != nil {
		return nil, err
	}
	c.clients[opts] = client
	return client, nil
}
