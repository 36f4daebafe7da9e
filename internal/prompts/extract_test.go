package prompts

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExtractToDataDir(t *testing.T) {
	dataDir := t.TempDir()

	// First extraction should create all files.
	if err := ExtractToDataDir(dataDir); err != nil {
		t.Fatalf("ExtractToDataDir() error: %v", err)
	}

	systemDir := filepath.Join(dataDir, "prompts", "system")
	for _, name := range SystemPrompts {
		path := filepath.Join(systemDir, name)
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("expected file %s to exist: %v", name, err)
			continue
		}
		if info.Size() == 0 {
			t.Errorf("expected file %s to be non-empty", name)
		}
	}

	// The uploads directory should also be created.
	uploadDir := filepath.Join(dataDir, "prompts", "uploads")
	info, err := os.Stat(uploadDir)
	if err != nil {
		t.Fatalf("expected uploads directory to exist: %v", err)
	}
	if !info.IsDir() {
		t.Errorf("expected %s to be a directory", uploadDir)
	}
}

func TestExtractToDataDir_SkipsExisting(t *testing.T) {
	dataDir := t.TempDir()

	// Run initial extraction.
	if err := ExtractToDataDir(dataDir); err != nil {
		t.Fatalf("ExtractToDataDir() first call error: %v", err)
	}

	// Overwrite one file with replacement content.
	replacedPath := filepath.Join(dataDir, "prompts", "system", SystemPrompts[0])
	replaced := []byte("replacement content")
	if err := os.WriteFile(replacedPath, replaced, 0640); err != nil {
		t.Fatalf("writing replacement file: %v", err)
	}

	// Second extraction should not overwrite the replacement.
	if err := ExtractToDataDir(dataDir); err != nil {
		t.Fatalf("ExtractToDataDir() second call error: %v", err)
	}

	got, err := os.ReadFile(replacedPath)
	if err != nil {
		t.Fatalf("reading replacement file: %v", err)
	}
	if string(got) != string(replaced) {
		t.Errorf("expected replacement content to be preserved, got %q", string(got))
	}
}

func TestSystemDir(t *testing.T) {
	got := SystemDir("/data")
	want := filepath.Join("/data", "prompts", "system")
	if got != want {
		t.Errorf("SystemDir() = %q, want %q", got, want)
	}
}

func TestUploadDir(t *testing.T) {
	got := UploadDir("/data")
	want := filepath.Join("/data", "prompts", "uploads")
	if got != want {
		t.Errorf("UploadDir() = %q, want %q", got, want)
	}
}

func TestExtractToDataDir_CreatesDirectory(t *testing.T) {
	dataDir := t.TempDir()
	nested := filepath.Join(dataDir, "deep", "nested")

	if err := ExtractToDataDir(nested); err != nil {
		t.Fatalf("ExtractToDataDir() error: %v", err)
	}

	systemDir := filepath.Join(nested, "prompts", "system")
	info, err := os.Stat(systemDir)
	if err != nil {
		t.Fatalf("expected directory %s to exist: %v", systemDir, err)
	}
	if !info.IsDir() {
		t.Errorf("expected %s to be a directory", systemDir)
	}
}
