package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spotbuild/spotbuild/internal/platform/env"
)

// Config points at the S3-compatible endpoint holding release markers. Empty
// keys select the AWS credential chain (env, shared file, instance role).
type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	SessionToken  string
	Region        string
	UseSSL        bool
	ReleaseBucket string
}

func ConfigFromEnv(releaseBucket, region string) (Config, error) {
	useSSL, err := env.Bool("SPOTBUILD_S3_USE_SSL", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("SPOTBUILD_S3_ENDPOINT", "s3.amazonaws.com"),
		AccessKey:     env.String("SPOTBUILD_S3_ACCESS_KEY", ""),
		SecretKey:     env.String("SPOTBUILD_S3_SECRET_KEY", ""),
		SessionToken:  env.String("SPOTBUILD_S3_SESSION_TOKEN", ""),
		Region:        env.String("SPOTBUILD_S3_REGION", region),
		UseSSL:        useSSL,
		ReleaseBucket: env.String("SPOTBUILD_RELEASE_BUCKET", releaseBucket),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.ReleaseBucket) == "" {
		return errors.New("release bucket is required")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("access key and secret key must be set together")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

func (c Config) StaticCredentials() bool {
	return c.AccessKey != "" && c.SecretKey != ""
}
