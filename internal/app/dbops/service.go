// Package dbops wraps the dump and restore tools as black-box primitives.
// The engine treats exports and imports as opaque subprocess invocations;
// everything interesting about their internals stays out of the core.
package dbops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/dataport/dataport/internal/app/connection"
	"github.com/dataport/dataport/internal/pkg/logger"
)

// ExportOptions controls a single database dump.
type ExportOptions struct {
	SchemaOnly bool
	DataOnly   bool
}

// ImportOptions controls a single database restore.
type ImportOptions struct {
	SchemaOnly bool
	DataOnly   bool
}

// ExportResult describes a completed dump.
type ExportResult struct {
	Database   string `json:"database"`
	BackupFile string `json:"backup_file"`
	SizeBytes  int64  `json:"size_bytes"`
}

// Runner executes a subprocess and returns its combined output. Injectable
// for tests.
type Runner func(ctx context.Context, name string, args []string, env []string) ([]byte, error)

func defaultRunner(ctx context.Context, name string, args []string, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// Service invokes the engine-appropriate dump/restore tools.
type Service struct {
	workDir string
	runner  Runner
}

// NewService creates a dbops service staging dump files under workDir.
// An empty workDir uses a fresh temp directory.
func NewService(workDir string) (*Service, error) {
	if workDir == "" {
		dir, err := os.MkdirTemp("", "dataport-dump-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create staging directory: %w", err)
		}
		workDir = dir
	} else if err := os.MkdirAll(workDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Service{workDir: workDir, runner: defaultRunner}, nil
}

// WithRunner overrides the subprocess runner. For tests.
func (s *Service) WithRunner(r Runner) *Service {
	s.runner = r
	return s
}

// WorkDir returns the staging directory.
func (s *Service) WorkDir() string {
	return s.workDir
}

// ExportDatabase dumps one database to a staging file and returns its
// location and size.
func (s *Service) ExportDatabase(ctx context.Context, info connection.Info, database string, opts ExportOptions) (*ExportResult, error) {
	backupFile := filepath.Join(s.workDir, fmt.Sprintf("%s_%s_%s.dump", info.Project, info.Instance, database))

	var name string
	var args, env []string
	switch info.Engine {
	case connection.EngineMySQL:
		name = "mysqldump"
		args = []string{
			"--host", info.Host,
			"--user", info.User,
			"--result-file", backupFile,
			"--single-transaction",
		}
		if opts.SchemaOnly {
			args = append(args, "--no-data")
		}
		if opts.DataOnly {
			args = append(args, "--no-create-info")
		}
		args = append(args, database)
		env = []string{"MYSQL_PWD=" + info.Password}
	default:
		name = "pg_dump"
		args = []string{
			"--host", info.Host,
			"--username", info.User,
			"--dbname", database,
			"--format", "custom",
			"--file", backupFile,
			"--no-owner",
			"--no-privileges",
		}
		if opts.SchemaOnly {
			args = append(args, "--schema-only")
		}
		if opts.DataOnly {
			args = append(args, "--data-only")
		}
		env = []string{"PGPASSWORD=" + info.Password}
	}

	logger.Debug("exporting database", "database", database, "instance", info.Instance, "tool", name)
	if out, err := s.runner(ctx, name, args, env); err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w: %s", name, database, err, string(out))
	}

	size := int64(0)
	if fi, err := os.Stat(backupFile); err == nil {
		size = fi.Size()
	}
	return &ExportResult{Database: database, BackupFile: backupFile, SizeBytes: size}, nil
}

// ImportDatabase restores a dump into the named database on the target.
// jobs sets the parallel restore workers where the tool supports them.
func (s *Service) ImportDatabase(ctx context.Context, info connection.Info, database, backupFile string, jobs int, opts ImportOptions) error {
	var name string
	var args, env []string
	switch info.Engine {
	case connection.EngineMySQL:
		name = "mysql"
		args = []string{
			"--host", info.Host,
			"--user", info.User,
			"--execute", fmt.Sprintf("source %s", backupFile),
			database,
		}
		env = []string{"MYSQL_PWD=" + info.Password}
	default:
		name = "pg_restore"
		args = []string{
			"--host", info.Host,
			"--username", info.User,
			"--dbname", database,
			"--no-owner",
			"--no-privileges",
			"--clean",
			"--if-exists",
		}
		if jobs > 1 {
			args = append(args, "--jobs", strconv.Itoa(jobs))
		}
		if opts.SchemaOnly {
			args = append(args, "--schema-only")
		}
		if opts.DataOnly {
			args = append(args, "--data-only")
		}
		args = append(args, backupFile)
		env = []string{"PGPASSWORD=" + info.Password}
	}

	logger.Debug("importing database", "database", database, "instance", info.Instance, "tool", name)
	if out, err := s.runner(ctx, name, args, env); err != nil {
		return fmt.Errorf("%s failed for %s: %w: %s", name, database, err, string(out))
	}
	return nil
}

// Cleanup removes the staging directory and everything in it.
func (s *Service) Cleanup() error {
	return os.RemoveAll(s.workDir)
}
