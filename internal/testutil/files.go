package testutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// FileExists reports whether path exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WriteFile writes data to dir/name, creating dir, and returns the path.
func WriteFile(dir, name string, data []byte) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// VerifyFileSize checks that path is exactly want bytes.
func VerifyFileSize(path string, want int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() != want {
		return fmt.Errorf("%s: size %d, want %d", path, info.Size(), want)
	}
	return nil
}

// VerifyFileContent checks that path holds exactly want.
func VerifyFileContent(path string, want []byte) error {
	got, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("%s: content differs (%d bytes, want %d)", path, len(got), len(want))
	}
	return nil
}

// ZipPayload returns n bytes starting with the ZIP signature.
func ZipPayload(n int) []byte {
	data := make([]byte, max(n, len(ZipSignature)))
	copy(data, ZipSignature)
	return data
}
