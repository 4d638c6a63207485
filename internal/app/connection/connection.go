// Package connection manages pooled, retrying connections to managed
// database instances, keyed by project, instance, and database.
package connection

import (
	"context"
	"fmt"
)

// Engine identifies the database engine of a managed instance.
type Engine string

const (
	EnginePostgres Engine = "postgres"
	EngineMySQL    Engine = "mysql"
)

// Info describes one endpoint the manager can connect to.
type Info struct {
	Project  string
	Instance string
	Database string
	Host     string
	Port     int
	User     string
	Password string
	Engine   Engine
}

// Key returns the pool key for this endpoint.
func (i Info) Key() string {
	return fmt.Sprintf("%s:%s:%s", i.Project, i.Instance, i.Database)
}

// DSN returns the driver connection string with credentials.
// WARNING: do not log this - use String() for logging.
func (i Info) DSN() string {
	port := i.Port
	switch i.Engine {
	case EngineMySQL:
		if port <= 0 {
			port = 3306
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", i.User, i.Password, i.Host, port, i.Database)
	default:
		if port <= 0 {
			port = 5432
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=require&connect_timeout=10",
			i.User, i.Password, i.Host, port, i.Database)
	}
}

// String returns a credential-free description safe for logging.
func (i Info) String() string {
	return fmt.Sprintf("%s:%s/%s (%s@%s)", i.Project, i.Instance, i.Database, i.User, i.Host)
}

// DatabaseInfo is one catalog row returned by a database listing.
type DatabaseInfo struct {
	Name      string `json:"name"`
	Owner     string `json:"owner,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
}

// Client is an open connection to one database on a managed instance.
type Client interface {
	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
	// ListDatabases returns the instance's catalog with size metadata.
	ListDatabases(ctx context.Context) ([]DatabaseInfo, error)
	// Close releases the underlying pool. Safe to call more than once.
	Close()
}

// Dialer opens a Client for an endpoint. Injectable for tests.
type Dialer func(ctx context.Context, info Info) (Client, error)

// DefaultDialer opens a real client for the endpoint's engine.
func DefaultDialer(ctx context.Context, info Info) (Client, error) {
	switch info.Engine {
	case EngineMySQL:
		return dialMySQL(ctx, info)
	default:
		return dialPostgres(ctx, info)
	}
}
