package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"whispey/credits/pkg/config"
	"whispey/credits/pkg/logging"
)

// Config holds the S3-compatible storage settings
type Config struct {
	Endpoint     string  `json:"endpoint"`
	AccessKey    string  `json:"access_key"`
	SecretKey    string  `json:"secret_key"`
	Region       string  `json:"region"`
	BucketPrefix string  `json:"bucket_prefix"`
	CostPerGB    float64 `json:"cost_per_gb"`
}

// Validate reports whether the configuration is usable
func (c Config) Validate() error {
	if c.Endpoint == "" || c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("incomplete S3 configuration")
	}
	return nil
}

// LoadConfig resolves storage settings for a workspace. Workspace-scoped
// settings win over the global row, which wins over environment variables.
// An empty workspaceID skips the workspace lookup.
func LoadConfig(ctx context.Context, db *sql.DB, workspaceID string) (*Config, error) {
	if workspaceID != "" {
		cfg, err := configFromSettings(ctx, db, `
			SELECT value FROM settings_workspace WHERE workspace_id = $1 AND key = 's3_config'
		`, workspaceID)
		if err != nil {
			return nil, err
		}
		if cfg != nil {
			return cfg, nil
		}
	}

	cfg, err := configFromSettings(ctx, db, `
		SELECT value FROM settings_global WHERE key = 's3_config'
	`)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}

	return &Config{
		Endpoint:     config.GetEnv("S3_ENDPOINT", ""),
		AccessKey:    config.GetEnv("S3_ACCESS_KEY", ""),
		SecretKey:    config.GetEnv("S3_SECRET_KEY", ""),
		Region:       config.GetEnv("S3_REGION", "us-east-1"),
		BucketPrefix: config.GetEnv("S3_BUCKET_PREFIX", "whispey-"),
		CostPerGB:    config.GetEnvFloat("S3_COST_PER_GB", 0.023),
	}, nil
}

func configFromSettings(ctx context.Context, db *sql.DB, query string, args ...interface{}) (*Config, error) {
	var raw []byte
	err := db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 settings: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 settings: %w", err)
	}
	return &cfg, nil
}

// s3API is the slice of the S3 client the manager uses
type s3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// UploadResult reports the outcome of putting one object
type UploadResult struct {
	Success   bool   `json:"success"`
	URL       string `json:"url,omitempty"`
	Error     string `json:"error,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// BucketUsage summarizes the contents and cost of one bucket
type BucketUsage struct {
	BucketName           string  `json:"bucket_name"`
	ObjectCount          int     `json:"object_count"`
	TotalSizeBytes       int64   `json:"total_size_bytes"`
	TotalSizeGB          float64 `json:"total_size_gb"`
	EstimatedMonthlyCost float64 `json:"estimated_monthly_cost"`
}

// MigrationResult reports a best-effort bucket-to-bucket copy. Per-object
// failures are collected rather than aborting the migration.
type MigrationResult struct {
	ObjectsCopied int      `json:"objects_copied"`
	ObjectsFailed int      `json:"objects_failed"`
	Errors        []string `json:"errors,omitempty"`
}

// GlobalStorageStats aggregates usage across all agent and KB buckets
type GlobalStorageStats struct {
	TotalAgents      int           `json:"total_agents"`
	TotalKBs         int           `json:"total_kbs"`
	TotalBuckets     int           `json:"total_buckets"`
	TotalSizeGB      float64       `json:"total_size_gb"`
	TotalMonthlyCost float64       `json:"total_monthly_cost"`
	AgentsUsage      []BucketUsage `json:"agents_usage"`
	KBsUsage         []BucketUsage `json:"kbs_usage"`
}

// Manager provisions and inspects per-service buckets on an S3-compatible
// store (Ceph RGW, MinIO). Callers construct it with resolved configuration;
// it never reads settings itself.
type Manager struct {
	client s3API
	cfg    Config
	db     *sql.DB
	logger logging.Logger
}

// NewManager builds a storage manager from resolved configuration
func NewManager(cfg Config, db *sql.DB, logger logging.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		// Path-style addressing is required for Ceph RGW
		o.UsePathStyle = true
	})

	return &Manager{client: client, cfg: cfg, db: db, logger: logger}, nil
}

// BucketName builds the canonical bucket name for a service
func (m *Manager) BucketName(bucketType, serviceID, projectID string) string {
	prefix := m.cfg.BucketPrefix
	if prefix == "" {
		prefix = "whispey-"
	}
	return strings.ToLower(fmt.Sprintf("%s%s-%s-%s", prefix, bucketType, serviceID, projectID))
}

// EnsureAgentBucket creates the bucket for an agent if it does not exist
// and returns its name
func (m *Manager) EnsureAgentBucket(ctx context.Context, agentID, projectID string) (string, error) {
	return m.ensureBucket(ctx, m.BucketName("agent", agentID, projectID))
}

// EnsureKnowledgeBaseBucket creates the bucket for a knowledge base if it
// does not exist and returns its name
func (m *Manager) EnsureKnowledgeBaseBucket(ctx context.Context, kbID, projectID string) (string, error) {
	return m.ensureBucket(ctx, m.BucketName("kb", kbID, projectID))
}

func (m *Manager) ensureBucket(ctx context.Context, bucketName string) (string, error) {
	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucketName)})
	if err == nil {
		return bucketName, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("failed to check bucket %s: %w", bucketName, err)
	}

	if _, err := m.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucketName)}); err != nil {
		return "", fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
	}

	m.logger.WithField("bucket", bucketName).Info("Created storage bucket")
	return bucketName, nil
}

// Upload puts an object under the dated key layout {category}/{year}/{month}/{name}
func (m *Manager) Upload(ctx context.Context, bucketName, category, fileName string, content []byte, contentType string) UploadResult {
	now := time.Now()
	key := fmt.Sprintf("%s/%d/%d/%s", category, now.Year(), int(now.Month()), fileName)

	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"upload-timestamp": now.UTC().Format(time.RFC3339),
			"file-type":        category,
		},
	})
	if err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"bucket": bucketName,
			"key":    key,
		}).Error("Failed to upload object")
		return UploadResult{Success: false, Error: err.Error()}
	}

	return UploadResult{
		Success:   true,
		URL:       fmt.Sprintf("%s/%s/%s", strings.TrimRight(m.cfg.Endpoint, "/"), bucketName, key),
		SizeBytes: int64(len(content)),
	}
}

// UploadKBFile stores a knowledge base document
func (m *Manager) UploadKBFile(ctx context.Context, bucketName, fileName string, content []byte, contentType string) UploadResult {
	if contentType == "" {
		contentType = "application/pdf"
	}
	return m.Upload(ctx, bucketName, "kb-files", fileName, content, contentType)
}

// UploadAudioFile stores a call recording
func (m *Manager) UploadAudioFile(ctx context.Context, bucketName, fileName string, content []byte, contentType string) UploadResult {
	if contentType == "" {
		contentType = "audio/wav"
	}
	return m.Upload(ctx, bucketName, "calls", fileName, content, contentType)
}

// GetBucketUsage lists a bucket and prices its contents
func (m *Manager) GetBucketUsage(ctx context.Context, bucketName string) (*BucketUsage, error) {
	usage := &BucketUsage{BucketName: bucketName}

	var continuation *string
	for {
		out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucketName),
			ContinuationToken: continuation,
		})
		if err != nil {
			m.logger.WithError(err).WithField("bucket", bucketName).Error("Failed to list bucket")
			return nil, fmt.Errorf("failed to list bucket %s: %w", bucketName, err)
		}

		for _, object := range out.Contents {
			usage.ObjectCount++
			usage.TotalSizeBytes += aws.ToInt64(object.Size)
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}

	usage.TotalSizeGB = float64(usage.TotalSizeBytes) / (1024 * 1024 * 1024)
	usage.EstimatedMonthlyCost = usage.TotalSizeGB * m.cfg.CostPerGB
	return usage, nil
}

// DeleteOldObjects removes objects last modified before the retention cutoff
// and returns the number deleted
func (m *Manager) DeleteOldObjects(ctx context.Context, bucketName string, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		olderThanDays = 90
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	deleted := 0
	var continuation *string
	for {
		out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucketName),
			ContinuationToken: continuation,
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to list bucket %s: %w", bucketName, err)
		}

		for _, object := range out.Contents {
			if object.LastModified == nil || !object.LastModified.Before(cutoff) {
				continue
			}
			if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucketName),
				Key:    object.Key,
			}); err != nil {
				return deleted, fmt.Errorf("failed to delete %s: %w", aws.ToString(object.Key), err)
			}
			deleted++
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}

	if deleted > 0 {
		m.logger.WithFields(logging.Fields{
			"bucket":  bucketName,
			"deleted": deleted,
		}).Info("Deleted expired objects")
	}
	return deleted, nil
}

// MigrateBucket copies every object from one bucket to another, creating the
// destination if needed. Failures are collected per object so one bad key
// never aborts the rest.
func (m *Manager) MigrateBucket(ctx context.Context, sourceBucket, destBucket string) (*MigrationResult, error) {
	if _, err := m.ensureBucket(ctx, destBucket); err != nil {
		return nil, err
	}

	result := &MigrationResult{}
	var continuation *string
	for {
		out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(sourceBucket),
			ContinuationToken: continuation,
		})
		if err != nil {
			return result, fmt.Errorf("failed to list source bucket %s: %w", sourceBucket, err)
		}

		for _, object := range out.Contents {
			key := aws.ToString(object.Key)
			_, err := m.client.CopyObject(ctx, &s3.CopyObjectInput{
				Bucket:     aws.String(destBucket),
				Key:        object.Key,
				CopySource: aws.String(sourceBucket + "/" + key),
			})
			if err != nil {
				result.ObjectsFailed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", key, err))
				continue
			}
			result.ObjectsCopied++
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}

	m.logger.WithFields(logging.Fields{
		"source": sourceBucket,
		"dest":   destBucket,
		"copied": result.ObjectsCopied,
		"failed": result.ObjectsFailed,
	}).Info("Bucket migration finished")

	return result, nil
}

// TestConnection probes the endpoint with a HeadBucket on a well-known name.
// A NotFound response still proves the endpoint answers.
func (m *Manager) TestConnection(ctx context.Context) error {
	prefix := m.cfg.BucketPrefix
	if prefix == "" {
		prefix = "whispey-"
	}
	testBucket := prefix + "test-connection"

	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(testBucket)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("storage connection test failed: %w", err)
	}
	return nil
}

// CalculateStorageCost prices a size at the configured per-GB rate
func CalculateStorageCost(sizeGB, costPerGB float64) float64 {
	return sizeGB * costPerGB
}

// GetGlobalStorageStats aggregates usage across every provisioned bucket.
// Buckets that fail to list are skipped.
func (m *Manager) GetGlobalStorageStats(ctx context.Context) (*GlobalStorageStats, error) {
	agentBuckets, err := m.bucketNames(ctx, `
		SELECT s3_bucket_name FROM pype_voice_agents WHERE s3_bucket_name IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}

	kbBuckets, err := m.bucketNames(ctx, `
		SELECT s3_bucket_name FROM pype_voice_knowledge_bases WHERE s3_bucket_name IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}

	stats := &GlobalStorageStats{
		TotalAgents: len(agentBuckets),
		TotalKBs:    len(kbBuckets),
	}

	for _, bucket := range agentBuckets {
		usage, err := m.GetBucketUsage(ctx, bucket)
		if err != nil {
			continue
		}
		stats.AgentsUsage = append(stats.AgentsUsage, *usage)
		stats.TotalSizeGB += usage.TotalSizeGB
		stats.TotalMonthlyCost += usage.EstimatedMonthlyCost
	}

	for _, bucket := range kbBuckets {
		usage, err := m.GetBucketUsage(ctx, bucket)
		if err != nil {
			continue
		}
		stats.KBsUsage = append(stats.KBsUsage, *usage)
		stats.TotalSizeGB += usage.TotalSizeGB
		stats.TotalMonthlyCost += usage.EstimatedMonthlyCost
	}

	stats.TotalBuckets = len(stats.AgentsUsage) + len(stats.KBsUsage)
	return stats, nil
}

func (m *Manager) bucketNames(ctx context.Context, query string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query bucket names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noBucket *types.NoSuchBucket
	return errors.As(err, &notFound) || errors.As(err, &noBucket)
}
