package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// CacheKey identifies a unit's result independently of its ID. It changes
// whenever the theory content, the executable, the lemma, the options or
// the resource budget change.
func CacheKey(u Unit) (string, error) {
	theoryHash, err := fileHash(u.TheoryFile)
	if err != nil {
		return "", fmt.Errorf("hash theory: %w", err)
	}
	fi, err := os.Stat(u.Executable)
	if err != nil {
		return "", fmt.Errorf("stat executable: %w", err)
	}
	exe := fmt.Sprintf("%s_%d_%d", u.Executable, fi.ModTime().UnixNano(), fi.Size())

	parts := []string{
		theoryHash,
		exe,
		u.LemmaLabel(),
		strings.Join(sorted(u.Options), ","),
		strings.Join(sorted(u.PreprocessFlags), ","),
		fmt.Sprintf("%d", u.Resources.Cores),
		fmt.Sprintf("%d", u.Resources.MemoryGB),
		fmt.Sprintf("%d", u.Resources.TimeoutS),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), nil
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sorted(items []string) []string {
	out := append([]string(nil), items...)
	sort.Strings(out)
	return out
}
