package config

import (
	"bufio"
	"os"
	"strings"
)

// LoadSecretsEnv reads KEY=VALUE pairs from path. Lines starting with # are
// ignored; a missing file yields no secrets.
func LoadSecretsEnv(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{}, nil // not fatal if missing
	}
	defer f.Close()
	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.Trim(strings.TrimSpace(line[i+1:]), `"`)
			out[k] = v
		}
	}
	return out, s.Err()
}
