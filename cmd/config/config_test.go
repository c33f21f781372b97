package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"github.com/nimbusid/profileserver/internal/testutil"
)

func TestLoadConfigDefault(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")
	if AppConfig.Server.ListenAddr != "0.0.0.0:9420" {
		t.Fatalf("unexpected listen addr: %s", AppConfig.Server.ListenAddr)
	}
}

func TestLoadConfigOverride(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("bootstrap")
	if AppConfig.Neighborhood.ActionConcurrency != 10 {
		t.Fatalf("expected ActionConcurrency 10, got %d", AppConfig.Neighborhood.ActionConcurrency)
	}
	if AppConfig.Gossip.ReconnectBackoffMS != 5000 {
		t.Fatalf("expected reconnect backoff override")
	}
}

func TestLoadConfigSandbox(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	data := []byte("server:\n  listen_addr: sandbox:1\nneighborhood:\n  action_concurrency: 42\n")
	if err := sb.WriteFile("config/default.yaml", data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")

	if AppConfig.Server.ListenAddr != "sandbox:1" {
		t.Fatalf("expected listen addr sandbox:1, got %s", AppConfig.Server.ListenAddr)
	}
	if AppConfig.Neighborhood.ActionConcurrency != 42 {
		t.Fatalf("expected ActionConcurrency 42, got %d", AppConfig.Neighborhood.ActionConcurrency)
	}
}
