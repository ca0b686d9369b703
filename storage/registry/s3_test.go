package registry

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const testBucket = "oauth-registry"

func setupFakeS3(t *testing.T) S3Config {
	t.Helper()
	backend := s3mem.New()
	faker := gofakes3.New(backend)
	server := httptest.NewServer(faker.Server())
	t.Cleanup(server.Close)

	if err := backend.CreateBucket(testBucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return S3Config{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		Region:    "us-east-1",
		Bucket:    testBucket,
		Key:       "registry.yaml",
		AccessKey: "test",
		SecretKey: "test",
		Insecure:  true,
	}
}

func putObject(t *testing.T, cfg S3Config, body string) {
	t.Helper()
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: false,
		Region: cfg.Region,
	})
	if err != nil {
		t.Fatalf("minio client: %v", err)
	}
	_, err = client.PutObject(context.Background(), cfg.Bucket, cfg.Key,
		bytes.NewReader([]byte(body)), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/yaml"})
	if err != nil {
		t.Fatalf("put object: %v", err)
	}
}

func TestNewS3SourceValidation(t *testing.T) {
	if _, err := NewS3Source(S3Config{Endpoint: "localhost:9000"}); err == nil {
		t.Error("NewS3Source() accepted a config without bucket and key")
	}
}

func TestLoadS3(t *testing.T) {
	cfg := setupFakeS3(t)
	putObject(t, cfg, validDoc)

	src, err := NewS3Source(cfg)
	if err != nil {
		t.Fatalf("NewS3Source() error = %v", err)
	}

	r := New(nil)
	if err := r.LoadS3(context.Background(), src); err != nil {
		t.Fatalf("LoadS3() error = %v", err)
	}
	if _, err := r.GetClient(context.Background(), "backend"); err != nil {
		t.Errorf("GetClient() error = %v", err)
	}
}

func TestLoadS3MissingObject(t *testing.T) {
	cfg := setupFakeS3(t)
	src, err := NewS3Source(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := New(nil).LoadS3(context.Background(), src); err == nil {
		t.Error("LoadS3() succeeded for a missing object")
	}
}

func TestPollS3Reloads(t *testing.T) {
	cfg := setupFakeS3(t)
	putObject(t, cfg, validDoc)

	src, err := NewS3Source(cfg)
	if err != nil {
		t.Fatal(err)
	}
	r := New(nil)
	if err := r.LoadS3(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.PollS3(ctx, src, 20*time.Millisecond)

	putObject(t, cfg, validDoc+"  - id: user-789\n")
	waitFor(t, func() bool {
		_, err := r.GetUser(context.Background(), "user-789")
		return err == nil
	})
}
