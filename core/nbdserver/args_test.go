package nbdserver

import (
	"strings"
	"testing"

	"github.com/openbmc-project/virtual-media/core/nbd"
)

func testConfig(t *testing.T) ClientConfig {
	t.Helper()
	dev, err := nbd.Parse("/dev/nbd0")
	if err != nil {
		t.Fatal(err)
	}
	return ClientConfig{Device: dev, UnixSocket: "/run/virtual-media/S0.sock"}
}

func TestFileServerArgsReadOnly(t *testing.T) {
	args := FileServerArgs(testConfig(t), "/scratch/S0/image.iso", false)

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--readonly") {
		t.Fatalf("expected --readonly in %v", args)
	}
	if !strings.Contains(joined, "file=/scratch/S0/image.iso") {
		t.Fatalf("expected file= backend arg in %v", args)
	}
	if !strings.Contains(joined, "--unix /run/virtual-media/S0.sock") {
		t.Fatalf("expected --unix socket arg in %v", args)
	}
}

func TestHTTPSServerArgsWithCredentials(t *testing.T) {
	args := HTTPSServerArgs(testConfig(t), "https://example/image.iso", true, "alice", "/tmp/secret")

	joined := strings.Join(args, " ")
	for _, want := range []string{"sslverify=false", "url=https://example/image.iso", "user=alice", "password=+/tmp/secret"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in %v", want, args)
		}
	}
	if strings.Contains(joined, "--readonly") {
		t.Fatalf("rw mount should not pass --readonly: %v", args)
	}
}

func TestHTTPSServerArgsWithoutCredentials(t *testing.T) {
	args := HTTPSServerArgs(testConfig(t), "https://example/image.iso", false, "", "")
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "user=") || strings.Contains(joined, "password=") {
		t.Fatalf("expected no credential args: %v", args)
	}
}

func TestClientArgsWithTuning(t *testing.T) {
	cfg := testConfig(t)
	cfg.BlockSize = 4096
	cfg.Timeout = 30

	args := ClientArgs(cfg)
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-b 4096") || !strings.Contains(joined, "-t 30") {
		t.Fatalf("expected tuning flags in %v", args)
	}
}
