package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// apiError implements smithy.APIError for test assertions.
type apiError struct {
	code string
	msg  string
}

func (e *apiError) Error() string                 { return e.msg }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.msg }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

// memS3 is an in-memory S3 backend.
type memS3 struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	putErr       error
}

func newMemS3() *memS3 {
	return &memS3{objects: make(map[string][]byte), contentTypes: make(map[string]string)}
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, &apiError{code: "NoSuchKey", msg: "no such key"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Key] = data
	if in.ContentType != nil {
		m.contentTypes[*in.Key] = *in.ContentType
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[*in.Key]; !ok {
		return nil, &apiError{code: "NotFound", msg: "not found"}
	}
	return &s3.HeadObjectOutput{}, nil
}

func readAll(t *testing.T, fs FileStore, path string) string {
	t.Helper()
	r, err := fs.Read(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestTranscriptsSave_Local(t *testing.T) {
	dir := t.TempDir()
	local, err := NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	ts := NewTranscripts(local, "local")

	url, err := ts.Save(context.Background(), "sess-1", []byte(`[{"text":"hi"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(url, "file://") || !strings.HasSuffix(url, "transcripts/sess-1.json") {
		t.Errorf("unexpected url %q", url)
	}
	if got := readAll(t, local, TranscriptPath("sess-1")); got != `[{"text":"hi"}]` {
		t.Errorf("stored %q", got)
	}
	if ts.Backend() != "local" {
		t.Errorf("backend = %q", ts.Backend())
	}
}

func TestTranscriptsSave_S3(t *testing.T) {
	mem := newMemS3()
	store := NewS3(mem, "bucket", "/gateway/")
	ts := NewTranscripts(store, "s3")

	url, err := ts.Save(context.Background(), "sess-1", []byte("[]"))
	if err != nil {
		t.Fatal(err)
	}
	if url != "s3://bucket/gateway/transcripts/sess-1.json" {
		t.Errorf("url = %q", url)
	}
	if got := string(mem.objects["gateway/transcripts/sess-1.json"]); got != "[]" {
		t.Errorf("stored %q", got)
	}
	if ct := mem.contentTypes["gateway/transcripts/sess-1.json"]; ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestTranscriptsSave_UploadError(t *testing.T) {
	mem := newMemS3()
	mem.putErr = errors.New("access denied")
	ts := NewTranscripts(NewS3(mem, "bucket", ""), "s3")

	if _, err := ts.Save(context.Background(), "sess-1", []byte("[]")); err == nil {
		t.Fatal("expected upload error")
	}
}

func TestS3_NotFound(t *testing.T) {
	store := NewS3(newMemS3(), "bucket", "")
	ctx := context.Background()

	if _, err := store.Read(ctx, "missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
	ok, err := store.Exists(ctx, "missing")
	if err != nil || ok {
		t.Errorf("Exists = %v, %v; want false, nil", ok, err)
	}
}

func TestS3_WriteDeleteExists(t *testing.T) {
	store := NewS3(newMemS3(), "bucket", "p")
	ctx := context.Background()

	if err := Put(ctx, store, "a.bin", []byte("data")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Exists(ctx, "a.bin"); !ok {
		t.Fatal("expected object to exist")
	}
	if got := readAll(t, store, "a.bin"); got != "data" {
		t.Errorf("got %q", got)
	}
	if err := store.Delete(ctx, "a.bin"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Exists(ctx, "a.bin"); ok {
		t.Fatal("expected object to be deleted")
	}
}

func TestS3Writer_WriteAfterClose(t *testing.T) {
	store := NewS3(newMemS3(), "bucket", "")
	w, _ := store.Write(context.Background(), "x")
	w.Close()
	if _, err := w.Write([]byte("late")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("expected os.ErrClosed, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestLocal_DeleteIdempotent(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := local.Delete(ctx, "ghost"); err != nil {
		t.Fatal(err)
	}
	if err := Put(ctx, local, "nested/dir/f", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := local.Exists(ctx, "nested/dir/f"); !ok {
		t.Fatal("expected file to exist")
	}
	if err := local.Delete(ctx, "nested/dir/f"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := local.Exists(ctx, "nested/dir/f"); ok {
		t.Fatal("file should be gone after delete")
	}
}

func TestNewS3Client(t *testing.T) {
	client := NewS3Client(S3Config{
		Region:          "us-east-1",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
	})
	if client == nil {
		t.Fatal("expected client")
	}
	opts := client.Options()
	if !opts.UsePathStyle {
		t.Error("expected path-style addressing with custom endpoint")
	}
	creds, err := opts.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if creds.AccessKeyID != "id" {
		t.Errorf("access key = %q", creds.AccessKeyID)
	}
}
