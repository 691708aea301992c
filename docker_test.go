package tripmate_test

import (
	"os"
	"strings"
	"testing"
)

func readFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("%s should exist: %v", name, err)
	}
	return string(data)
}

func TestDockerfileMultiStageBuild(t *testing.T) {
	content := readFile(t, "Dockerfile")

	if !strings.Contains(content, "FROM golang:") {
		t.Error("Dockerfile should contain a Go builder stage (FROM golang:)")
	}

	// 最終ステージは軽量イメージであること
	var lastFrom string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "FROM ") {
			lastFrom = trimmed
		}
	}
	if !strings.Contains(lastFrom, "gcr.io/distroless") {
		t.Errorf("final stage should use distroless, got: %s", lastFrom)
	}
}

func TestDockerfileBinaryAndEntrypoint(t *testing.T) {
	content := readFile(t, "Dockerfile")

	if !strings.Contains(content, "./cmd/tripmate") {
		t.Error("Dockerfile should build ./cmd/tripmate")
	}
	if !strings.Contains(content, `ENTRYPOINT ["/usr/local/bin/tripmate"]`) {
		t.Error("Dockerfile should use the tripmate binary as ENTRYPOINT")
	}
	// distrolessにはcurlがないため、バイナリ自身のサブコマンドでヘルスチェックする
	if !strings.Contains(content, `"healthcheck"`) {
		t.Error("Dockerfile HEALTHCHECK should use the healthcheck subcommand")
	}
}

func TestDockerComposeServices(t *testing.T) {
	content := readFile(t, "docker-compose.yml")

	for _, svc := range []string{"api:", "worker:", "migrate:", "db:", "nats:"} {
		if !strings.Contains(content, svc) {
			t.Errorf("docker-compose.yml should contain service %q", svc)
		}
	}
	if !strings.Contains(content, "image: postgres:") {
		t.Error("docker-compose.yml should use PostgreSQL image")
	}
	if !strings.Contains(content, `command: ["migrate"]`) {
		t.Error("migrate service should run the migrate subcommand")
	}
}

func TestDockerComposeNetworks(t *testing.T) {
	content := readFile(t, "docker-compose.yml")

	if !strings.Contains(content, "internal: true") {
		t.Error("docker-compose.yml should define an internal network (internal: true)")
	}
	if !strings.Contains(content, "external:") {
		t.Error("docker-compose.yml should define an external network for the api service")
	}
}
