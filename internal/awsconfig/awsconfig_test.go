package awsconfig

import (
	"context"
	"testing"
)

func TestLoadStaticCredentials(t *testing.T) {
	cfg, err := Load(context.Background(), Settings{Region: "eu-west-1", AccessKey: "AKID", SecretKey: "SECRET"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Region != "eu-west-1" {
		t.Errorf("Region = %q", cfg.Region)
	}
	creds, err := cfg.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if creds.AccessKeyID != "AKID" || creds.SecretAccessKey != "SECRET" {
		t.Errorf("unexpected credentials %+v", creds)
	}
}

func TestLoadDefaultRegion(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	cfg, err := Load(context.Background(), Settings{AccessKey: "a", SecretKey: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Region != "us-east-1" {
		t.Errorf("Region = %q, want us-east-1", cfg.Region)
	}
}
