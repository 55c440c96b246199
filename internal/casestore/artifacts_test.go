package casestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"case-pipeline/internal/config"
)

func TestLocalUploaderWritesUnderBaseDir(t *testing.T) {
	dir := t.TempDir()
	up, err := NewUploader(context.Background(), config.Config{
		ArtifactDestination: "local",
		ArtifactDir:         dir,
	})
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}

	url, err := up.Upload(context.Background(), "cases/case-1/draft-1.md", []byte("# Draft"), "text/markdown")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "cases", "case-1", "draft-1.md"))
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if string(data) != "# Draft" {
		t.Fatalf("unexpected content: %q", data)
	}
	if url == "" {
		t.Fatal("expected a location back")
	}
}

func TestLocalUploaderSanitizesKey(t *testing.T) {
	dir := t.TempDir()
	up, err := NewUploader(context.Background(), config.Config{ArtifactDir: dir})
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}

	if _, err := up.Upload(context.Background(), "../escape.md", []byte("x"), "text/markdown"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.md")); err != nil {
		t.Fatalf("sanitized path not used: %v", err)
	}
}

func TestS3DestinationRequiresBucket(t *testing.T) {
	_, err := NewUploader(context.Background(), config.Config{ArtifactDestination: "s3"})
	if err == nil {
		t.Fatal("expected error for missing bucket")
	}
}
