package fsutil

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestReadFileScoped_Missing(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{
		filepath.Join(dir, "does-not-exist.json"),
		filepath.Join(dir, "nodir", "state.json"),
	} {
		_, err := ReadFileScoped(p)
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("ReadFileScoped(%q) error = %v, want ErrNotExist", p, err)
		}
	}
}

func TestReadFileScoped_DirectoryAsPath(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "runs")
	if err := os.MkdirAll(sub, 0o750); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFileScoped(sub); err == nil {
		t.Error("expected error when reading a directory")
	}
}

func TestReadFileScoped_UnnormalizedPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	data, err := ReadFileScoped(filepath.Join(dir, "runs", "..", ".", "state.json"))
	if err != nil {
		t.Fatalf("ReadFileScoped: %v", err)
	}
	if string(data) != "{}" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestReadJSON_Malformed(t *testing.T) {
	p := filepath.Join(t.TempDir(), "entity.json")
	if err := os.WriteFile(p, []byte(`{"entity_id": `), 0o600); err != nil {
		t.Fatal(err)
	}
	var v map[string]any
	err := ReadJSON(p, &v)
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		t.Fatalf("ReadJSON error = %v, want *json.SyntaxError", err)
	}
}

func TestWriteJSON_Unmarshalable(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.json")
	if err := WriteJSON(p, map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatal("expected marshal error")
	}
	if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("nothing should be written on marshal failure, stat err = %v", err)
	}
}

func TestWriteJSON_ParentIsFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "entities")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := WriteJSON(filepath.Join(blocker, "api.json"), map[string]any{}); err == nil {
		t.Fatal("expected error when the parent path is a file")
	}
}

func TestValidID_TooLong(t *testing.T) {
	long := make([]byte, 201)
	for i := range long {
		long[i] = 'a'
	}
	if ValidID(string(long)) {
		t.Error("ids longer than 200 bytes must be rejected")
	}
	if !ValidID(string(long[:200])) {
		t.Error("a 200 byte id is valid")
	}
}
