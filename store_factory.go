package imgd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/imgd/internal/storage"
	awsstore "pkt.systems/imgd/internal/storage/aws"
	azurestore "pkt.systems/imgd/internal/storage/azure"
	"pkt.systems/imgd/internal/storage/disk"
	"pkt.systems/imgd/internal/storage/memory"
	"pkt.systems/imgd/internal/storage/s3"
)

const storeProbeTimeout = 10 * time.Second

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// bucketProber is implemented by the object stores that can verify their
// bucket at startup.
type bucketProber interface {
	BucketExists(ctx context.Context) (bool, error)
}

// openStore selects the artifact store from the scheme of cfg.Store.
func openStore(ctx context.Context, cfg Config) (storage.Store, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	var store storage.Store
	switch u.Scheme {
	case "memory", "mem":
		memCfg, err := BuildMemoryConfig(cfg)
		if err != nil {
			return nil, err
		}
		return memory.NewWithConfig(memCfg), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azureCfg)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		if store, err = s3.New(s3cfg); err != nil {
			return nil, err
		}
	case "aws":
		awscfg, _, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		if store, err = awsstore.New(awscfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	if err := ensureBucketReady(ctx, store); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func ensureBucketReady(ctx context.Context, store storage.Store) error {
	prober, ok := store.(bucketProber)
	if !ok {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, storeProbeTimeout)
	defer cancel()
	exists, err := prober.BucketExists(probeCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket does not exist")
	}
	return nil
}

// BuildMemoryConfig parses mem:// URLs. An optional max-bytes query parameter
// caps the payload held (for example mem://?max-bytes=256MB).
func BuildMemoryConfig(cfg Config) (memory.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return memory.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	var memCfg memory.Config
	if v := strings.TrimSpace(u.Query().Get("max-bytes")); v != "" {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return memory.Config{}, fmt.Errorf("memory store max-bytes: %w", err)
		}
		memCfg.MaxBytes = int64(n)
	}
	return memCfg, nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	// disk://relative/path puts the first segment in Host.
	root := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		root = "/" + host + "/" + strings.TrimPrefix(root, "/")
	}
	if strings.Trim(root, "/") == "" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/imgd)")
	}
	return disk.Config{
		Root:         filepath.Clean(root),
		MinFreeBytes: cfg.DiskMinFreeBytes,
	}, nil
}

// BuildGenericS3Config parses s3://host[:port]/bucket[/prefix] URLs that target
// S3-compatible services such as MinIO.
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := !strings.EqualFold(query.Get("scheme"), "http")
	if ok, set := queryBool(query, "tls"); set {
		secure = ok
	}
	if ok, set := queryBool(query, "secure"); set {
		secure = ok
	}
	if ok, set := queryBool(query, "insecure"); set && ok {
		secure = false
	}
	forcePath, _ := queryBool(query, "path-style")
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		PartSize:       cfg.S3MaxPartSize,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs that target AWS S3 through
// the AWS SDK and its default credential chain.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("IMGD_AWS_REGION", "AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store requires region (set --aws-region or IMGD_AWS_REGION)")
	}
	insecure, _ := queryBool(query, "insecure")
	pathStyle, _ := queryBool(query, "path-style")
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return awsstore.Config{
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       insecure,
		ForcePathStyle: pathStyle,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
	}, summarizeAWSCredentials(), nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("IMGD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("IMGD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN", "AZURE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("IMGD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("IMGD_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("IMGD_S3_SESSION_TOKEN")
		source = "env:IMGD_S3_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("IMGD_S3_ROOT_USER"))
		secretKey = os.Getenv("IMGD_S3_ROOT_PASSWORD")
		source = "env:IMGD_S3_ROOT_USER"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		// Nil lets the store fall back to the AWS and MinIO env chain.
		return nil, CredentialSummary{Source: "chain"}, nil
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func summarizeAWSCredentials() CredentialSummary {
	switch {
	case strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")) != "":
		return CredentialSummary{
			AccessKey: strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")),
			HasSecret: strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != "",
			Source:    "env:AWS_ACCESS_KEY_ID",
		}
	case strings.TrimSpace(os.Getenv("AWS_PROFILE")) != "":
		return CredentialSummary{Source: "profile:" + strings.TrimSpace(os.Getenv("AWS_PROFILE"))}
	default:
		return CredentialSummary{Source: "auto"}
	}
}

// splitBucketPath splits "/bucket/some/prefix" into its bucket and prefix.
func splitBucketPath(path string) (string, string) {
	path = strings.Trim(path, "/")
	bucket, prefix, _ := strings.Cut(path, "/")
	return strings.TrimSpace(bucket), strings.Trim(prefix, "/")
}

// queryBool reports the parsed value of key and whether it was set to a
// valid boolean.
func queryBool(q url.Values, key string) (bool, bool) {
	v := q.Get(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
