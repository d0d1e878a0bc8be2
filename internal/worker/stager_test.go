package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/me/fairq/internal/config"
)

func TestFileStager_StageIn(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "ckpt")
	if err := os.WriteFile(srcFile, []byte("step 7"), 0o644); err != nil {
		t.Fatal(err)
	}

	stager := NewFileStager("")
	for _, loc := range []string{"file://" + srcFile, srcFile} {
		dst := filepath.Join(dstDir, "in", "ckpt")
		if err := stager.StageIn(context.Background(), loc, dst); err != nil {
			t.Fatalf("StageIn(%q): %v", loc, err)
		}
		data, _ := os.ReadFile(dst)
		if string(data) != "step 7" {
			t.Errorf("content = %q, want step 7", data)
		}
	}
}

func TestFileStager_StageIn_UnsupportedScheme(t *testing.T) {
	err := NewFileStager("").StageIn(context.Background(), "s3://bucket/key", filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, ErrUnsupportedLocation) {
		t.Errorf("err = %v, want ErrUnsupportedLocation", err)
	}
}

func TestFileStager_StageOut_InPlace(t *testing.T) {
	src := filepath.Join(t.TempDir(), "result")
	if err := os.WriteFile(src, []byte("42"), 0o644); err != nil {
		t.Fatal(err)
	}

	loc, size, err := NewFileStager("").StageOut(context.Background(), src, "t1/1/result")
	if err != nil {
		t.Fatalf("StageOut: %v", err)
	}
	if loc != "file://"+src {
		t.Errorf("location = %q, want file://%s", loc, src)
	}
	if size != 2 {
		t.Errorf("size = %d, want 2", size)
	}
}

func TestFileStager_StageOut_Copy(t *testing.T) {
	src := filepath.Join(t.TempDir(), "result")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	shared := t.TempDir()

	loc, _, err := NewFileStager(shared).StageOut(context.Background(), src, "t1/2/result")
	if err != nil {
		t.Fatalf("StageOut: %v", err)
	}
	want := filepath.Join(shared, "t1", "2", "result")
	if loc != "file://"+want {
		t.Errorf("location = %q, want file://%s", loc, want)
	}
	data, _ := os.ReadFile(want)
	if string(data) != "hello" {
		t.Errorf("copied content = %q", data)
	}
}

func TestFileStager_StageOut_Missing(t *testing.T) {
	_, _, err := NewFileStager("").StageOut(context.Background(), "/nonexistent/result", "k")
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}

// fakeS3 keeps objects in memory.
type fakeS3 struct {
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Stager_RoundTrip(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	stager := newS3StagerWithClient(fake, "artifacts", "/runs/")

	src := filepath.Join(t.TempDir(), "checkpoint.out")
	if err := os.WriteFile(src, []byte("epoch=3"), 0o644); err != nil {
		t.Fatal(err)
	}
	loc, size, err := stager.StageOut(context.Background(), src, "t1/1/checkpoint")
	if err != nil {
		t.Fatalf("StageOut: %v", err)
	}
	if loc != "s3://artifacts/runs/t1/1/checkpoint" {
		t.Errorf("location = %q", loc)
	}
	if size != 7 {
		t.Errorf("size = %d, want 7", size)
	}
	if got := aws.ToInt64(fake.puts[0].ContentLength); got != 7 {
		t.Errorf("ContentLength = %d, want 7", got)
	}

	dst := filepath.Join(t.TempDir(), "checkpoint.in")
	if err := stager.StageIn(context.Background(), loc, dst); err != nil {
		t.Fatalf("StageIn: %v", err)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "epoch=3" {
		t.Errorf("downloaded = %q", data)
	}
}

func TestS3Stager_StageIn_Errors(t *testing.T) {
	stager := newS3StagerWithClient(&fakeS3{objects: map[string][]byte{}}, "artifacts", "")

	err := stager.StageIn(context.Background(), "file:///tmp/x", filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, ErrUnsupportedLocation) {
		t.Errorf("file location: err = %v, want ErrUnsupportedLocation", err)
	}
	err = stager.StageIn(context.Background(), "s3://artifacts/missing", filepath.Join(t.TempDir(), "x"))
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("missing object: err = %v", err)
	}
}

func TestNewStager(t *testing.T) {
	st, err := NewStager(context.Background(), config.ArtifactConfig{Backend: "local", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	if _, ok := st.(*FileStager); !ok {
		t.Errorf("local stager = %T", st)
	}

	st, err = NewStager(context.Background(), config.ArtifactConfig{
		Backend: "s3",
		S3: config.S3Config{
			Bucket: "b", Region: "us-east-1", Endpoint: "http://localhost:9000",
			AccessKeyID: "k", SecretAccessKey: "s", ForcePathStyle: true,
		},
	})
	if err != nil {
		t.Fatalf("s3: %v", err)
	}
	if _, ok := st.(*S3Stager); !ok {
		t.Errorf("s3 stager = %T", st)
	}

	if _, err := NewStager(context.Background(), config.ArtifactConfig{Backend: "gcs"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
