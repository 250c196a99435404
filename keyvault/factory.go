package keyvault

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/spf13/afero"

	"github.com/cloudvolt/diskcryptd/interfaces"
)

// SecretStoreFactory creates secret stores from location URIs.
type SecretStoreFactory struct {
	fs  afero.Fs
	log *slog.Logger
}

// NewSecretStoreFactory returns a factory. The filesystem is only used by
// file:// stores.
func NewSecretStoreFactory(fs afero.Fs, log *slog.Logger) *SecretStoreFactory {
	return &SecretStoreFactory{fs: fs, log: log}
}

// SecretStoreFor creates a secret store from a location URI.
//
// Supported schemes:
//   - file:///path                                      local directory
//   - vault://host:port/mount/path?token=...&scheme=…   HashiCorp Vault KV v2
//   - s3://[KEY:SECRET@]bucket/prefix?region=…&endpoint=…  S3-compatible object storage
func (f *SecretStoreFactory) SecretStoreFor(locationURI string) (interfaces.SecretStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid secret store URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.createFileStore(u)
	case "vault":
		return f.createVaultStore(u)
	case "s3":
		return f.createS3Store(u)
	default:
		return nil, fmt.Errorf("unsupported secret store scheme: %s", u.Scheme)
	}
}

func (f *SecretStoreFactory) createFileStore(u *url.URL) (interfaces.SecretStore, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", u.String())
	}
	f.log.Debug("Creating file secret store", slog.String("path", path))
	return NewFileSecretStore(f.fs, path, f.log)
}

func (f *SecretStoreFactory) createVaultStore(u *url.URL) (interfaces.SecretStore, error) {
	query := u.Query()

	scheme := query.Get("scheme")
	if scheme == "" {
		scheme = "https"
	}
	address := scheme + "://" + u.Host

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	mountPath := "secret"
	dataPath := "diskcryptd"
	if len(parts) >= 1 && parts[0] != "" {
		mountPath = parts[0]
	}
	if len(parts) == 2 {
		dataPath = parts[1]
	}

	f.log.Debug("Creating Vault secret store",
		slog.String("address", address),
		slog.String("mountPath", mountPath))
	return NewVaultSecretStore(address, mountPath, dataPath, query.Get("token"), f.log)
}

func (f *SecretStoreFactory) createS3Store(u *url.URL) (interfaces.SecretStore, error) {
	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	f.log.Debug("Creating S3 secret store", slog.String("bucket", u.Host))
	return NewS3SecretStore(u.Host, strings.TrimPrefix(u.Path, "/"), region, query.Get("endpoint"), accessKey, secretKey, f.log)
}
