package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/chatsql/chatsql/internal/archive"
	"github.com/chatsql/chatsql/internal/query"
)

func TestPutUsesPrefixAndContentType(t *testing.T) {
	fake := &fakeBucket{}
	store, err := newWithClient("results", "chatsql/prod", fake)
	if err != nil {
		t.Fatalf("newWithClient() error = %v", err)
	}

	_, err = store.Put(context.Background(), "/org-1/s-1/t-1.parquet", bytes.NewBufferString("abc"), 3, archive.PutOptions{ContentType: archive.ContentType})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if fake.lastBucket != "results" || fake.lastKey != "chatsql/prod/org-1/s-1/t-1.parquet" {
		t.Fatalf("bucket/key = %q/%q", fake.lastBucket, fake.lastKey)
	}
	if fake.lastContentType != archive.ContentType {
		t.Fatalf("content type = %q", fake.lastContentType)
	}
}

func TestRejectsKeysEscapingPrefix(t *testing.T) {
	store, _ := newWithClient("results", "", &fakeBucket{})
	for _, key := range []string{"../secrets", "..", "", "a/../../b"} {
		if _, err := store.Put(context.Background(), key, bytes.NewBufferString("x"), 1, archive.PutOptions{}); err == nil {
			t.Fatalf("Put(%q) expected validation error", key)
		}
	}
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	fake := &fakeBucket{}
	store, _ := newWithClient("results", "", fake)
	if err := store.ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if !fake.created {
		t.Fatal("expected CreateBucket to be called")
	}
}

func TestDeleteIgnoresMissingObject(t *testing.T) {
	store, _ := newWithClient("results", "", &fakeBucket{deleteErr: archive.ErrObjectNotFound})
	if err := store.Delete(context.Background(), "org/s/t.parquet"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
}

func TestStatMapsNotFound(t *testing.T) {
	store, _ := newWithClient("results", "", &fakeBucket{statErr: archive.ErrObjectNotFound})
	if _, err := store.Stat(context.Background(), "org/s/t.parquet"); !errors.Is(err, archive.ErrObjectNotFound) {
		t.Fatalf("Stat() error = %v", err)
	}
}

func TestArchiverWritesThroughStore(t *testing.T) {
	fake := &fakeBucket{}
	store, _ := newWithClient("results", "archives", fake)
	key, err := archive.NewArchiver(store).Save(context.Background(), "org-1", "s-1", "t-1", query.Result{Columns: []string{"id"}})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if key != "org-1/s-1/t-1.parquet" || fake.lastKey != "archives/org-1/s-1/t-1.parquet" {
		t.Fatalf("key = %q, stored = %q", key, fake.lastKey)
	}
	if len(fake.lastBody) == 0 {
		t.Fatal("expected parquet payload")
	}
}

func TestParseEndpoint(t *testing.T) {
	endpoint, secure, err := parseEndpoint("https://minio.example.com", false)
	if err != nil || endpoint != "minio.example.com" || !secure {
		t.Fatalf("parseEndpoint(https) = %q, %v, %v", endpoint, secure, err)
	}
	endpoint, secure, err = parseEndpoint("localhost:9000", false)
	if err != nil || endpoint != "localhost:9000" || secure {
		t.Fatalf("parseEndpoint(plain) = %q, %v, %v", endpoint, secure, err)
	}
}

func TestNewRequiresEndpointAndBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{Bucket: "b"}); err == nil {
		t.Fatal("expected endpoint error")
	}
	if _, err := New(context.Background(), Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected bucket error")
	}
}

type fakeBucket struct {
	lastBucket      string
	lastKey         string
	lastContentType string
	lastBody        []byte
	exists          bool
	created         bool
	deleteErr       error
	statErr         error
}

func (f *fakeBucket) Put(_ context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (archive.ObjectInfo, error) {
	f.lastBucket = bucket
	f.lastKey = key
	f.lastContentType = contentType
	f.lastBody, _ = io.ReadAll(reader)
	return archive.ObjectInfo{Key: key, Size: size}, nil
}

func (f *fakeBucket) Get(_ context.Context, _, key string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(key)), nil
}

func (f *fakeBucket) Stat(_ context.Context, _, key string) (archive.ObjectInfo, error) {
	if f.statErr != nil {
		return archive.ObjectInfo{}, f.statErr
	}
	return archive.ObjectInfo{Key: key, Size: 10, LastModified: time.Now().UTC()}, nil
}

func (f *fakeBucket) Delete(_ context.Context, _, _ string) error {
	return f.deleteErr
}

func (f *fakeBucket) BucketExists(_ context.Context, _ string) (bool, error) {
	return f.exists, nil
}

func (f *fakeBucket) CreateBucket(_ context.Context, _, _ string) error {
	f.created = true
	return nil
}
