package fingerprint

import (
	"testing"

	"github.com/3cpo-dev/dim/pkg/api"
)

func BenchmarkOf(b *testing.B) {
	b.ReportAllocs()
	cfg := api.Configuration{
		"name":    "worker",
		"command": "/usr/bin/worker",
		"args":    []any{"--queue", "jobs", "--concurrency", 8},
		"env":     map[string]any{"REGION": "eu-west-1", "LOG": "info"},
	}

	for i := 0; i < b.N; i++ {
		if _, err := Of(cfg); err != nil {
			b.Fatal(err)
		}
	}
}
