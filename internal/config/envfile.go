package config

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// EnvFileName is the file looked up in the working directory and its parent.
const EnvFileName = ".env"

// Candidates returns the env file locations for workDir in lookup order:
// the directory itself first, then its parent.
func Candidates(workDir string) []string {
	dir := filepath.Clean(workDir)
	out := []string{filepath.Join(dir, EnvFileName)}
	if parent := filepath.Dir(dir); parent != dir {
		out = append(out, filepath.Join(parent, EnvFileName))
	}
	return out
}

// FindFile returns the first candidate that exists as a regular file.
// Files are never merged; a local file shadows the parent one completely.
func FindFile(workDir string) (string, bool) {
	for _, p := range Candidates(workDir) {
		st, err := os.Stat(p)
		if err == nil && !st.IsDir() {
			return p, true
		}
	}
	return "", false
}

// ParseEnv reads KEY=VALUE lines. Blank lines, '#' comments and lines
// without '=' are skipped. A single pair of matching quotes around the
// value is removed.
func ParseEnv(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	first := true
	for sc.Scan() {
		line := sc.Bytes()
		if first {
			line = stripBOM(line)
			first = false
		}

		text := strings.TrimSpace(strings.TrimRight(string(line), "\r"))
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		key, val, ok := strings.Cut(text, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = unquote(strings.TrimSpace(val))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadEnvFile parses the env file at path.
func ReadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseEnv(f)
}

func unquote(v string) string {
	if len(v) < 2 {
		return v
	}
	first, last := v[0], v[len(v)-1]
	if (first == '"' || first == '\'') && first == last {
		return v[1 : len(v)-1]
	}
	return v
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	return bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})
}

// loadFile resolves and reads the env file for workDir. A file that exists
// but can't be read is logged and treated as absent.
func loadFile(workDir string) (string, map[string]string) {
	path, ok := FindFile(workDir)
	if !ok {
		log.Debugw("no env file found", "candidates", Candidates(workDir))
		return "", nil
	}

	vals, err := ReadEnvFile(path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			log.Errorw("env file not readable", "path", path, "err", err)
		} else {
			log.Errorw("failed to read env file", "path", path, "err", err)
		}
		return "", nil
	}

	log.Infow("loaded env file", "path", path, "keys", len(vals))
	return path, vals
}
