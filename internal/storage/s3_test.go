package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type fakeS3 struct {
	objects      map[string][]byte
	contentTypes map[string]string
	puts         int
	headErr      error
	putErr       error
	bucketExists bool
	created      bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts++
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if in.ContentLength != nil && *in.ContentLength != int64(len(data)) {
		return nil, errors.New("content length mismatch")
	}
	f.objects[*in.Key] = data
	f.contentTypes[*in.Key] = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.bucketExists {
		return &s3.HeadBucketOutput{}, nil
	}
	return nil, &types.NotFound{}
}

func (f *fakeS3) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = true
	f.bucketExists = true
	return &s3.CreateBucketOutput{}, nil
}

func newTestS3Store(t *testing.T, client *fakeS3) *S3Store {
	t.Helper()
	return &S3Store{client: client, bucket: "vidchain", gateway: "http://s3.test/vidchain", tempDir: t.TempDir()}
}

func TestS3PutStoresUnderCID(t *testing.T) {
	client := newFakeS3()
	store := newTestS3Store(t, client)

	content := "webm bytes"
	hash, err := store.Put(context.Background(), "talk.webm", strings.NewReader(content))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if hash != CIDOf([]byte(content)) {
		t.Errorf("expected key to be the content CID, got %s", hash)
	}
	if string(client.objects[hash]) != content {
		t.Errorf("stored bytes mismatch: %q", client.objects[hash])
	}
	if client.contentTypes[hash] != "video/webm" {
		t.Errorf("expected video/webm, got %s", client.contentTypes[hash])
	}
	if store.URL(hash) != "http://s3.test/vidchain/"+hash {
		t.Errorf("unexpected URL %s", store.URL(hash))
	}
}

func TestS3PutIsIdempotent(t *testing.T) {
	client := newFakeS3()
	store := newTestS3Store(t, client)

	first, err := store.Put(context.Background(), "a.mp4", strings.NewReader("same"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Put(context.Background(), "b.mp4", strings.NewReader("same"))
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("same content produced different hashes %s and %s", first, second)
	}
	if client.puts != 1 {
		t.Errorf("expected a single upload, got %d", client.puts)
	}
}

func TestS3PutRejectedByService(t *testing.T) {
	client := newFakeS3()
	client.putErr = &smithy.GenericAPIError{Code: "EntityTooLarge", Message: "Your proposed upload exceeds the maximum allowed size"}
	store := newTestS3Store(t, client)

	_, err := store.Put(context.Background(), "big.mp4", strings.NewReader("x"))
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if !strings.HasPrefix(rejected.Reason, "EntityTooLarge") {
		t.Errorf("unexpected reason %q", rejected.Reason)
	}
}

func TestS3PutTransportFailure(t *testing.T) {
	client := newFakeS3()
	client.putErr = errors.New("dial tcp: connection refused")
	store := newTestS3Store(t, client)

	_, err := store.Put(context.Background(), "clip.mp4", strings.NewReader("x"))
	if !errors.Is(err, ErrUpload) {
		t.Fatalf("expected ErrUpload, got %v", err)
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		t.Error("transport failure must not be reported as a rejection")
	}
}

func TestS3PutHeadFailure(t *testing.T) {
	client := newFakeS3()
	client.headErr = errors.New("timeout")
	store := newTestS3Store(t, client)

	if _, err := store.Put(context.Background(), "clip.mp4", strings.NewReader("x")); !errors.Is(err, ErrUpload) {
		t.Fatalf("expected ErrUpload, got %v", err)
	}
	if client.puts != 0 {
		t.Error("should not upload when existence check fails")
	}
}

func TestS3EnsureBucketCreatesMissingBucket(t *testing.T) {
	client := newFakeS3()
	store := newTestS3Store(t, client)
	if err := store.EnsureBucket(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !client.created {
		t.Error("expected bucket to be created")
	}
}

func TestNewS3StoreRequiresNoNetwork(t *testing.T) {
	store, err := NewS3Store(context.Background(), S3Config{
		Endpoint:  "http://localhost:9000",
		Bucket:    "test",
		AccessKey: "test",
		SecretKey: "test",
	})
	if err != nil {
		t.Fatalf("expected no error creating storage client, got: %v", err)
	}
	if store.URL("bafy") != "http://localhost:9000/test/bafy" {
		t.Errorf("unexpected URL %s", store.URL("bafy"))
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := sanitizeFilename("my \"clip\"\n.mp4"); got != "my _clip__.mp4" {
		t.Errorf("unexpected sanitized name %q", got)
	}
}
