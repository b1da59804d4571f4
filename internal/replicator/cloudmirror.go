package replicator

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	gcs "cloud.google.com/go/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// CloudMirror ships the same optimised per-batch operations the
// replicator sends to filesystem/HTTP peers to a cloud object store
// instead, for off-site backup (spec.md §4.10 step 3, supplemented by
// SPEC_FULL.md §4.14). Adapted from the full StorageBackend
// implementations in internal/storage/{aws,gcp,azure}.go, narrowed to
// the two operations a mirror target actually needs.
type CloudMirror interface {
	PutObject(bucket, key string, body []byte) error
	DeleteObject(bucket, key string) error
}

// mirrorKey maps a BleepStore bucket/key pair onto the mirror's flat
// key namespace, honoring the configured prefix.
func mirrorKey(prefix, bucket, key string) string {
	if prefix == "" {
		return bucket + "/" + key
	}
	return strings.TrimRight(prefix, "/") + "/" + bucket + "/" + key
}

// NewCloudMirror builds the configured mirror target, or nil if
// provider is "none" (the default, which wires nothing and costs
// nothing at startup).
func NewCloudMirror(ctx context.Context, provider, bucket, prefix, awsRegion, gcpProject, azureAccountURL string) (CloudMirror, error) {
	switch strings.ToLower(provider) {
	case "", "none":
		return nil, nil
	case "aws":
		return newAWSMirror(ctx, bucket, prefix, awsRegion)
	case "gcp":
		return newGCPMirror(ctx, bucket, prefix, gcpProject)
	case "azure":
		return newAzureMirror(ctx, bucket, prefix, azureAccountURL)
	default:
		return nil, fmt.Errorf("replicator: unknown cloud mirror provider %q", provider)
	}
}

// --- AWS S3 ---

type awsMirror struct {
	client *s3.Client
	bucket string
	prefix string
}

func newAWSMirror(ctx context.Context, bucket, prefix, region string) (*awsMirror, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for cloud mirror: %w", err)
	}
	return &awsMirror{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

func (m *awsMirror) PutObject(bucket, key string, body []byte) error {
	_, err := m.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(mirrorKey(m.prefix, bucket, key)),
		Body:   bytes.NewReader(body),
	})
	return err
}

func (m *awsMirror) DeleteObject(bucket, key string) error {
	_, err := m.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(mirrorKey(m.prefix, bucket, key)),
	})
	return err
}

// --- Google Cloud Storage ---

type gcpMirror struct {
	client *gcs.Client
	bucket string
	prefix string
}

func newGCPMirror(ctx context.Context, bucket, prefix, _ string) (*gcpMirror, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client for cloud mirror: %w", err)
	}
	return &gcpMirror{client: client, bucket: bucket, prefix: prefix}, nil
}

func (m *gcpMirror) PutObject(bucket, key string, body []byte) error {
	ctx := context.Background()
	w := m.client.Bucket(m.bucket).Object(mirrorKey(m.prefix, bucket, key)).NewWriter(ctx)
	if _, err := w.Write(body); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (m *gcpMirror) DeleteObject(bucket, key string) error {
	return m.client.Bucket(m.bucket).Object(mirrorKey(m.prefix, bucket, key)).Delete(context.Background())
}

// --- Azure Blob Storage ---

type azureMirror struct {
	client *azblob.Client
	bucket string // container name
	prefix string
}

func newAzureMirror(ctx context.Context, container, prefix, accountURL string) (*azureMirror, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential for cloud mirror: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client for cloud mirror: %w", err)
	}
	return &azureMirror{client: client, bucket: container, prefix: prefix}, nil
}

func (m *azureMirror) PutObject(bucket, key string, body []byte) error {
	_, err := m.client.UploadBuffer(context.Background(), m.bucket, mirrorKey(m.prefix, bucket, key), body, nil)
	return err
}

func (m *azureMirror) DeleteObject(bucket, key string) error {
	_, err := m.client.DeleteBlob(context.Background(), m.bucket, mirrorKey(m.prefix, bucket, key), nil)
	return err
}
