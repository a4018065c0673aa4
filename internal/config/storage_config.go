// helpers for the optional remote stores, a thin layer above the general
// config that the storage package consumes.
package config

import (
	"fmt"
	"net/url"
)

// DatabaseDSN returns the PostgreSQL connection string for the history log
func (c PostgresConfig) DatabaseDSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ValidateStorage checks the settings of every enabled remote store
func (c StorageConfig) ValidateStorage() error {
	if c.MinIO.Enabled {
		if c.MinIO.Endpoint == "" {
			return fmt.Errorf("storage.minio.endpoint is required when MinIO is enabled")
		}
		if c.MinIO.Bucket == "" {
			return fmt.Errorf("storage.minio.bucket is required when MinIO is enabled")
		}
	}
	if c.Postgres.Enabled {
		if c.Postgres.Host == "" {
			return fmt.Errorf("storage.postgres.host is required for the history log")
		}
		if c.Postgres.Database == "" {
			return fmt.Errorf("storage.postgres.database is required for the history log")
		}
	}
	return nil
}
