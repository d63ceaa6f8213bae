package objectstore

import "testing"

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:      "s3.amazonaws.com",
		Region:        "us-west-2",
		UseSSL:        true,
		ReleaseBucket: "stack-release",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if valid.StaticCredentials() {
		t.Fatalf("expected credential chain without keys")
	}

	invalid := valid
	invalid.Endpoint = "https://s3.amazonaws.com"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}

	halfKeys := valid
	halfKeys.AccessKey = "a"
	if err := halfKeys.Validate(); err == nil {
		t.Fatalf("Validate() expected error for access key without secret")
	}

	noBucket := valid
	noBucket.ReleaseBucket = " "
	if err := noBucket.Validate(); err == nil {
		t.Fatalf("Validate() expected error for missing bucket")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SPOTBUILD_S3_ENDPOINT", "localhost:9000")
	t.Setenv("SPOTBUILD_S3_USE_SSL", "false")
	t.Setenv("SPOTBUILD_S3_ACCESS_KEY", "a")
	t.Setenv("SPOTBUILD_S3_SECRET_KEY", "b")

	cfg, err := ConfigFromEnv("stack-release", "us-east-1")
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.UseSSL || cfg.Endpoint != "localhost:9000" || cfg.ReleaseBucket != "stack-release" || cfg.Region != "us-east-1" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !cfg.StaticCredentials() {
		t.Fatalf("expected static credentials")
	}
}
