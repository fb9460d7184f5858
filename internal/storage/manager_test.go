package storage

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"whispey/credits/pkg/logging"
)

// fakeS3 is an in-memory stand-in for the S3 API slice the manager uses
type fakeS3 struct {
	buckets map[string][]types.Object

	createdBuckets []string
	putKeys        []string
	copiedKeys     []string
	deletedKeys    []string

	headErr   error
	copyErrOn string
	pageSize  int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{buckets: map[string][]types.Object{}}
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.buckets[aws.ToString(params.Bucket)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	name := aws.ToString(params.Bucket)
	f.buckets[name] = []types.Object{}
	f.createdBuckets = append(f.createdBuckets, name)
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.putKeys = append(f.putKeys, aws.ToString(params.Key))
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	key := aws.ToString(params.Key)
	if f.copyErrOn != "" && key == f.copyErrOn {
		return nil, fmt.Errorf("access denied")
	}
	f.copiedKeys = append(f.copiedKeys, key)
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deletedKeys = append(f.deletedKeys, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	objects, ok := f.buckets[aws.ToString(params.Bucket)]
	if !ok {
		return nil, &types.NoSuchBucket{}
	}

	start := 0
	if params.ContinuationToken != nil {
		fmt.Sscanf(aws.ToString(params.ContinuationToken), "%d", &start)
	}

	pageSize := f.pageSize
	if pageSize <= 0 {
		pageSize = len(objects)
	}

	end := start + pageSize
	if end >= len(objects) {
		return &s3.ListObjectsV2Output{
			Contents:    objects[start:],
			IsTruncated: aws.Bool(false),
		}, nil
	}
	return &s3.ListObjectsV2Output{
		Contents:              objects[start:end],
		IsTruncated:           aws.Bool(true),
		NextContinuationToken: aws.String(fmt.Sprintf("%d", end)),
	}, nil
}

func testManager(fake *fakeS3) *Manager {
	return &Manager{
		client: fake,
		cfg: Config{
			Endpoint:     "https://rgw.example.com",
			AccessKey:    "ak",
			SecretKey:    "sk",
			BucketPrefix: "whispey-",
			CostPerGB:    0.023,
		},
		logger: logging.NewLogger(),
	}
}

func TestBucketName_Lowercased(t *testing.T) {
	m := testManager(newFakeS3())

	got := m.BucketName("agent", "Agent-ABC", "Proj-1")
	want := "whispey-agent-agent-abc-proj-1"
	if got != want {
		t.Fatalf("BucketName = %q, want %q", got, want)
	}
}

func TestEnsureAgentBucket_CreatesOnlyWhenMissing(t *testing.T) {
	fake := newFakeS3()
	m := testManager(fake)

	name, err := m.EnsureAgentBucket(context.Background(), "a1", "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "whispey-agent-a1-p1" {
		t.Fatalf("unexpected bucket name %q", name)
	}
	if len(fake.createdBuckets) != 1 {
		t.Fatalf("expected one create, got %v", fake.createdBuckets)
	}

	// Second call finds the bucket and does not create again
	if _, err := m.EnsureAgentBucket(context.Background(), "a1", "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.createdBuckets) != 1 {
		t.Fatalf("bucket created twice: %v", fake.createdBuckets)
	}
}

func TestEnsureBucket_PropagatesNonNotFoundErrors(t *testing.T) {
	fake := newFakeS3()
	fake.headErr = fmt.Errorf("connection refused")
	m := testManager(fake)

	if _, err := m.EnsureKnowledgeBaseBucket(context.Background(), "kb1", "p1"); err == nil {
		t.Fatal("expected error for unreachable endpoint")
	}
	if len(fake.createdBuckets) != 0 {
		t.Fatalf("must not create on transport errors: %v", fake.createdBuckets)
	}
}

func TestUpload_DatedKeyLayout(t *testing.T) {
	fake := newFakeS3()
	fake.buckets["whispey-kb-k1-p1"] = []types.Object{}
	m := testManager(fake)

	result := m.UploadKBFile(context.Background(), "whispey-kb-k1-p1", "handbook.pdf", []byte("pdf"), "")
	if !result.Success {
		t.Fatalf("expected success: %+v", result)
	}
	if result.SizeBytes != 3 {
		t.Fatalf("unexpected size: %d", result.SizeBytes)
	}

	now := time.Now()
	wantKey := fmt.Sprintf("kb-files/%d/%d/handbook.pdf", now.Year(), int(now.Month()))
	if len(fake.putKeys) != 1 || fake.putKeys[0] != wantKey {
		t.Fatalf("expected key %q, got %v", wantKey, fake.putKeys)
	}
	if !strings.HasSuffix(result.URL, "/whispey-kb-k1-p1/"+wantKey) {
		t.Fatalf("unexpected URL %q", result.URL)
	}
}

func TestGetBucketUsage_PaginatesAndPrices(t *testing.T) {
	fake := newFakeS3()
	fake.pageSize = 2
	gb := int64(1024 * 1024 * 1024)
	fake.buckets["b"] = []types.Object{
		{Key: aws.String("a"), Size: aws.Int64(gb)},
		{Key: aws.String("b"), Size: aws.Int64(gb)},
		{Key: aws.String("c"), Size: aws.Int64(2 * gb)},
	}
	m := testManager(fake)

	usage, err := m.GetBucketUsage(context.Background(), "b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usage.ObjectCount != 3 {
		t.Fatalf("pagination lost objects: %+v", usage)
	}
	if usage.TotalSizeGB != 4 {
		t.Fatalf("expected 4 GB, got %f", usage.TotalSizeGB)
	}
	if usage.EstimatedMonthlyCost != 4*0.023 {
		t.Fatalf("expected cost %f, got %f", 4*0.023, usage.EstimatedMonthlyCost)
	}
}

func TestDeleteOldObjects_OnlyBeforeCutoff(t *testing.T) {
	fake := newFakeS3()
	old := time.Now().AddDate(0, 0, -120)
	recent := time.Now().AddDate(0, 0, -10)
	fake.buckets["b"] = []types.Object{
		{Key: aws.String("stale-1"), LastModified: aws.Time(old)},
		{Key: aws.String("fresh"), LastModified: aws.Time(recent)},
		{Key: aws.String("stale-2"), LastModified: aws.Time(old)},
		{Key: aws.String("no-timestamp")},
	}
	m := testManager(fake)

	deleted, err := m.DeleteOldObjects(context.Background(), "b", 90)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deletions, got %d", deleted)
	}
	if len(fake.deletedKeys) != 2 || fake.deletedKeys[0] != "stale-1" || fake.deletedKeys[1] != "stale-2" {
		t.Fatalf("wrong objects deleted: %v", fake.deletedKeys)
	}
}

func TestMigrateBucket_CollectsPerObjectFailures(t *testing.T) {
	fake := newFakeS3()
	fake.buckets["src"] = []types.Object{
		{Key: aws.String("ok-1")},
		{Key: aws.String("bad")},
		{Key: aws.String("ok-2")},
	}
	fake.copyErrOn = "bad"
	m := testManager(fake)

	result, err := m.MigrateBucket(context.Background(), "src", "dst")
	if err != nil {
		t.Fatalf("per-object failures must not abort migration: %v", err)
	}
	if result.ObjectsCopied != 2 || result.ObjectsFailed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Errors) != 1 || !strings.HasPrefix(result.Errors[0], "bad:") {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	// Destination bucket is created before copying
	if len(fake.createdBuckets) != 1 || fake.createdBuckets[0] != "dst" {
		t.Fatalf("destination not created: %v", fake.createdBuckets)
	}
}

func TestTestConnection(t *testing.T) {
	fake := newFakeS3()
	m := testManager(fake)

	// NotFound on the probe bucket still proves the endpoint answers
	if err := m.TestConnection(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fake.headErr = fmt.Errorf("connection refused")
	if err := m.TestConnection(context.Background()); err == nil {
		t.Fatal("expected error for unreachable endpoint")
	}
}

func TestCalculateStorageCost(t *testing.T) {
	if got := CalculateStorageCost(10, 0.023); got != 0.23 {
		t.Fatalf("expected 0.23, got %f", got)
	}
	if got := CalculateStorageCost(0, 0.023); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
}

func TestLoadConfig_WorkspaceOverridesGlobal(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`FROM settings_workspace`).WithArgs("ws-1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).
			AddRow(`{"endpoint":"https://ws.example.com","access_key":"ak","secret_key":"sk","cost_per_gb":0.05}`))

	cfg, err := LoadConfig(context.Background(), db, "ws-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Endpoint != "https://ws.example.com" || cfg.CostPerGB != 0.05 {
		t.Fatalf("workspace settings not applied: %+v", cfg)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLoadConfig_FallsBackToGlobalSettings(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`FROM settings_workspace`).WithArgs("ws-1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectQuery(`FROM settings_global`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).
			AddRow(`{"endpoint":"https://global.example.com","access_key":"ak","secret_key":"sk"}`))

	cfg, err := LoadConfig(context.Background(), db, "ws-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Endpoint != "https://global.example.com" {
		t.Fatalf("global settings not applied: %+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Endpoint: "e", AccessKey: "a", SecretKey: "s"}).Validate(); err != nil {
		t.Fatalf("complete config must validate: %v", err)
	}
	if err := (Config{Endpoint: "e"}).Validate(); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}
