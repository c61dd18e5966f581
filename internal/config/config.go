// Package config gathers every runtime setting in one place. Only main reads
// the environment; everything else receives values from Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ovaphlow/pitchfork/service-account/internal/media"
	"github.com/ovaphlow/pitchfork/service-account/internal/token"
)

const (
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

type Config struct {
	Env        string
	HTTPAddr   string
	APIPrefix  string
	CORSOrigin string

	Token token.Config

	StoreDriver  string
	BoltPath     string
	StoreTimeout time.Duration

	Media         media.Config
	UploadTimeout time.Duration
	UploadTmpDir  string

	MaxJSONBytes   int64
	MaxUploadBytes int64

	PasswordHasher string
}

// Production reports whether cookies must be marked Secure.
func (c Config) Production() bool { return c.Env == "production" }

// FromEnv reads the configuration and validates it. Missing token secrets are
// fatal; everything else has a development default.
func FromEnv() (Config, error) {
	var errs []error
	dur := func(key string, def time.Duration) time.Duration {
		d, err := ParseDuration(getenv(key, ""), def)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	size := func(key string, def int64) int64 {
		v := getenv(key, "")
		if v == "" {
			return def
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid size %q", key, v))
			return def
		}
		return n
	}

	c := Config{
		Env:        getenv("APP_ENV", "development"),
		HTTPAddr:   getenv("HTTP_ADDR", "0.0.0.0:8000"),
		APIPrefix:  "/" + strings.Trim(getenv("API_PREFIX", "/api/v1"), "/"),
		CORSOrigin: getenv("CORS_ORIGIN", ""),
		Token: token.Config{
			Issuer:        getenv("TOKEN_ISSUER", "service-account"),
			AccessSecret:  []byte(os.Getenv("ACCESS_TOKEN_SECRET")),
			AccessTTL:     dur("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshSecret: []byte(os.Getenv("REFRESH_TOKEN_SECRET")),
			RefreshTTL:    dur("REFRESH_TOKEN_EXPIRY", 10*24*time.Hour),
		},
		StoreDriver:  strings.ToLower(getenv("STORE_DRIVER", DriverPostgres)),
		BoltPath:     getenv("BOLT_PATH", "data/users.db"),
		StoreTimeout: dur("STORE_TIMEOUT", 5*time.Second),
		Media: media.Config{
			Bucket:        os.Getenv("S3_BUCKET"),
			Region:        getenv("S3_REGION", "us-east-1"),
			Endpoint:      os.Getenv("S3_ENDPOINT"),
			AccessKey:     os.Getenv("S3_ACCESS_KEY"),
			SecretKey:     os.Getenv("S3_SECRET_KEY"),
			PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
			KeyPrefix:     getenv("S3_KEY_PREFIX", "users/"),
		},
		UploadTimeout:  dur("UPLOAD_TIMEOUT", 30*time.Second),
		UploadTmpDir:   getenv("UPLOAD_TMP_DIR", os.TempDir()),
		MaxJSONBytes:   size("MAX_JSON_BYTES", 16<<10),
		MaxUploadBytes: size("MAX_UPLOAD_BYTES", 10<<20),
		PasswordHasher: getenv("PASSWORD_HASHER", "bcrypt"),
	}

	if len(c.Token.AccessSecret) == 0 {
		errs = append(errs, errors.New("ACCESS_TOKEN_SECRET is required"))
	}
	if len(c.Token.RefreshSecret) == 0 {
		errs = append(errs, errors.New("REFRESH_TOKEN_SECRET is required"))
	}
	if c.StoreDriver != DriverPostgres && c.StoreDriver != DriverBolt {
		errs = append(errs, fmt.Errorf("STORE_DRIVER: unknown driver %q", c.StoreDriver))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// ParseDuration accepts Go durations ("15m", "1h30m") and whole days ("10d").
// An empty value yields def.
func ParseDuration(v string, def time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return def, fmt.Errorf("invalid duration %q", v)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
