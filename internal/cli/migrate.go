package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dataport/dataport/internal/app/connection"
	"github.com/dataport/dataport/internal/app/credentials"
	"github.com/dataport/dataport/internal/app/dbops"
	"github.com/dataport/dataport/internal/app/migration"
	"github.com/dataport/dataport/internal/app/parser"
	"github.com/dataport/dataport/internal/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var migrateFlags struct {
	sourceProject  string
	sourceInstance string
	targetProject  string
	targetInstance string
	databases      []string
	mappingFile    string
	strategy       string
	conflict       string

	includeAll         bool
	retryAttempts      int
	jobs               int
	dryRun             bool
	schemaOnly         bool
	dataOnly           bool
	forceCompatibility bool
	maxParallel        int
	stopOnError        bool
	retryFailed        bool
	user               string
	password           string
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run a migration between managed instances",
	Long: `Run a migration. Either give one source and one target inline, or
point --mapping-file at an instance list (json/yaml/csv/txt) describing a
batch topology.`,
	RunE: runMigrate,
}

func init() {
	f := migrateCmd.Flags()
	f.StringVar(&migrateFlags.sourceProject, "source-project", "", "source project ID")
	f.StringVar(&migrateFlags.sourceInstance, "source-instance", "", "source instance name")
	f.StringVar(&migrateFlags.targetProject, "target-project", "", "target project ID")
	f.StringVar(&migrateFlags.targetInstance, "target-instance", "", "target instance name")
	f.StringSliceVar(&migrateFlags.databases, "databases", nil, "explicit databases to migrate")
	f.StringVar(&migrateFlags.mappingFile, "mapping-file", "", "instance list file for batch topologies")
	f.StringVar(&migrateFlags.strategy, "strategy", "", "migration strategy (default: recommended for topology)")
	f.StringVar(&migrateFlags.conflict, "conflict-resolution", "fail", "duplicate database policy (fail|prefix|suffix|merge)")

	f.BoolVar(&migrateFlags.includeAll, "include-all", false, "migrate every non-system database")
	f.IntVar(&migrateFlags.retryAttempts, "retry-attempts", 3, "connection retry attempts")
	f.IntVar(&migrateFlags.jobs, "jobs", 1, "parallel restore workers per database")
	f.BoolVar(&migrateFlags.dryRun, "dry-run", false, "simulate export/import")
	f.BoolVar(&migrateFlags.schemaOnly, "schema-only", false, "migrate schema only")
	f.BoolVar(&migrateFlags.dataOnly, "data-only", false, "migrate data only")
	f.BoolVar(&migrateFlags.forceCompatibility, "force-compatibility", false, "suppress strategy compatibility warnings")
	f.IntVar(&migrateFlags.maxParallel, "max-parallel", 2, "concurrent migrations in a batch")
	f.BoolVar(&migrateFlags.stopOnError, "stop-on-error", false, "skip queued tasks after the first failure")
	f.BoolVar(&migrateFlags.retryFailed, "retry-failed", false, "retry failed tasks once")
	f.StringVar(&migrateFlags.user, "user", "", "database user")
	f.StringVar(&migrateFlags.password, "password", "", "database password (prefer DATAPORT_PASSWORD)")

	_ = viper.BindPFlag("max_parallel", f.Lookup("max-parallel"))
	_ = viper.BindPFlag("retry_attempts", f.Lookup("retry-attempts"))

	rootCmd.AddCommand(migrateCmd)
}

func buildMapping() (*migration.Mapping, error) {
	if migrateFlags.mappingFile != "" {
		spec, err := parser.ParseFile(migrateFlags.mappingFile)
		if err != nil {
			return nil, err
		}
		if spec.Strategy == "" {
			spec.Strategy = migrateFlags.strategy
		}
		if spec.ConflictResolution == "" {
			spec.ConflictResolution = migrateFlags.conflict
		}
		return spec.ToMapping()
	}

	if migrateFlags.sourceProject == "" || migrateFlags.sourceInstance == "" {
		return nil, fmt.Errorf("either --mapping-file or --source-project/--source-instance is required")
	}
	if migrateFlags.targetProject == "" || migrateFlags.targetInstance == "" {
		return nil, fmt.Errorf("--target-project and --target-instance are required")
	}

	return migration.NewBuilder(migration.Strategy(migrateFlags.strategy)).
		AddSource(migration.InstanceRef{
			Project:   migrateFlags.sourceProject,
			Instance:  migrateFlags.sourceInstance,
			Databases: migrateFlags.databases,
		}).
		AddTarget(migration.InstanceRef{
			Project:  migrateFlags.targetProject,
			Instance: migrateFlags.targetInstance,
		}).
		ConflictResolution(migration.ConflictResolution(migrateFlags.conflict)).
		Build()
}

func resolveTaskCredentials(ctx context.Context, tasks []migration.Task) {
	store, err := credentials.NewFileStore("")
	if err != nil {
		logger.Warn("credential store unavailable", "error", err)
		return
	}
	resolver := credentials.NewResolver(store).
		WithFallback(migrateFlags.user, passwordFromEnv())

	fill := func(ref *migration.InstanceRef) {
		if ref.User != "" && ref.Password != "" {
			return
		}
		creds, err := resolver.Resolve(ctx, ref.Project, ref.Instance)
		if err != nil {
			return
		}
		if ref.User == "" {
			ref.User = creds.User
		}
		if ref.Password == "" {
			ref.Password = creds.Password
		}
	}
	for i := range tasks {
		fill(&tasks[i].Source)
		fill(&tasks[i].Target)
	}
}

func passwordFromEnv() string {
	if migrateFlags.password != "" {
		return migrateFlags.password
	}
	return os.Getenv("DATAPORT_PASSWORD")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	mapping, err := buildMapping()
	if err != nil {
		return err
	}

	summary, err := mapping.Summary()
	if err != nil {
		return err
	}
	logger.Info("mapping built",
		"pattern", summary.MappingType, "strategy", summary.Strategy,
		"migrations", summary.TotalMigrations)

	compat := migration.ValidateStrategyCompatibility(mapping.Strategy, mapping.Pattern())
	if !compat.Compatible && !migrateFlags.forceCompatibility {
		for _, w := range compat.Warnings {
			logger.Warn(w)
		}
	}
	for _, w := range mapping.Warnings() {
		logger.Warn(w)
	}

	tasks, err := mapping.Expand()
	if err != nil {
		return err
	}
	resolveTaskCredentials(ctx, tasks)

	conns := connection.NewManager(connection.Options{
		RetryAttempts: migrateFlags.retryAttempts,
	})
	defer conns.CloseAll()

	ops, err := dbops.NewService("")
	if err != nil {
		return err
	}
	defer ops.Cleanup()

	opts := migration.Options{
		IncludeAll:         migrateFlags.includeAll,
		RetryAttempts:      migrateFlags.retryAttempts,
		Jobs:               migrateFlags.jobs,
		DryRun:             migrateFlags.dryRun,
		Verbose:            verbose,
		SchemaOnly:         migrateFlags.schemaOnly,
		DataOnly:           migrateFlags.dataOnly,
		ForceCompatibility: migrateFlags.forceCompatibility,
		MaxParallel:        migrateFlags.maxParallel,
		StopOnError:        migrateFlags.stopOnError,
		RetryFailed:        migrateFlags.retryFailed,
	}

	progress := func(phase migration.CoordinatorPhase, index, total int, status string) {
		logger.Info("batch progress", "phase", phase, "task", fmt.Sprintf("%d/%d", index, total), "status", status)
	}

	coordinator := migration.NewCoordinator(conns, ops, opts, progress)
	report, err := coordinator.Run(ctx, tasks)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if len(report.Failed) > 0 {
		return fmt.Errorf("%d of %d migrations failed (%.0fs)",
			len(report.Failed), report.Summary.TaskCount,
			report.Summary.Duration.Round(time.Second).Seconds())
	}
	return nil
}
