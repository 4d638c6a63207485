package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dataport/dataport/internal/app/connection"
	"github.com/dataport/dataport/internal/app/dbops"
)

type fakeClient struct {
	pingErr error
}

func (c *fakeClient) Ping(context.Context) error { return c.pingErr }
func (c *fakeClient) ListDatabases(context.Context) ([]connection.DatabaseInfo, error) {
	return nil, nil
}
func (c *fakeClient) Close() {}

type fakeConns struct {
	mu sync.Mutex

	databases  []connection.DatabaseInfo
	listErr    error
	testErrs   map[string]error // keyed by instance name
	connectErr error
	pingErr    error

	locked    []string
	closedAll int
}

func (f *fakeConns) Connect(ctx context.Context, info connection.Info) (connection.Client, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &fakeClient{pingErr: f.pingErr}, nil
}

func (f *fakeConns) TestConnection(ctx context.Context, info connection.Info) error {
	if err, ok := f.testErrs[info.Instance]; ok {
		return err
	}
	return nil
}

func (f *fakeConns) ListDatabases(ctx context.Context, info connection.Info) ([]connection.DatabaseInfo, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.databases, nil
}

func (f *fakeConns) LockKey(info connection.Info) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = append(f.locked, info.Key())
	return func() {}
}

func (f *fakeConns) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedAll++
}

type fakeOps struct {
	mu sync.Mutex

	exported []string
	imported []string

	exportErrFor string
	importErrFor string
}

func (f *fakeOps) ExportDatabase(ctx context.Context, info connection.Info, database string, opts dbops.ExportOptions) (*dbops.ExportResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if database == f.exportErrFor {
		return nil, errors.New("pg_dump exited with status 1")
	}
	f.exported = append(f.exported, database)
	return &dbops.ExportResult{Database: database, SizeBytes: 100}, nil
}

func (f *fakeOps) ImportDatabase(ctx context.Context, info connection.Info, database, backupFile string, jobs int, opts dbops.ImportOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if database == f.importErrFor {
		return errors.New("pg_restore exited with status 1")
	}
	f.imported = append(f.imported, database)
	return nil
}

func testTask() Task {
	return Task{
		ID:     "task-1",
		Source: InstanceRef{Project: "p1", Instance: "src", Version: "POSTGRES_13"},
		Target: InstanceRef{Project: "p2", Instance: "dst", Version: "POSTGRES_15"},
	}
}

func TestEngineRunVisitsPhasesInOrder(t *testing.T) {
	conns := &fakeConns{databases: []connection.DatabaseInfo{
		{Name: "app", SizeBytes: 1000},
		{Name: "billing", SizeBytes: 500},
	}}
	ops := &fakeOps{}

	eng := NewEngine(testTask(), Options{IncludeAll: true}, conns, ops)
	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	completed := eng.State().CompletedPhases()
	if len(completed) != len(Phases) {
		t.Fatalf("completed phases = %v, want all of %v", completed, Phases)
	}
	for i, want := range Phases {
		if completed[i] != want {
			t.Errorf("phase[%d] = %s, want %s", i, completed[i], want)
		}
	}

	if !result.Success {
		t.Error("result.Success = false")
	}
	if result.ProcessedDatabases != 2 {
		t.Errorf("processed = %d, want 2", result.ProcessedDatabases)
	}
	if eng.State().Status() != StatusCompleted {
		t.Errorf("status = %s, want completed", eng.State().Status())
	}
	if got := eng.State().Metrics().TotalSize; got != 1500 {
		t.Errorf("total size = %d, want 1500", got)
	}
	if len(ops.imported) != 2 {
		t.Errorf("imported = %v, want 2 databases", ops.imported)
	}
	if conns.closedAll != 0 {
		t.Error("task drained the shared pool")
	}
}

func TestEngineExcludesSystemDatabases(t *testing.T) {
	conns := &fakeConns{databases: []connection.DatabaseInfo{
		{Name: "postgres"},
		{Name: "template0"},
		{Name: "template1"},
		{Name: "app", SizeBytes: 10},
	}}
	ops := &fakeOps{}

	eng := NewEngine(testTask(), Options{IncludeAll: true}, conns, ops)
	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.ProcessedDatabases != 1 {
		t.Errorf("processed = %d, want 1 (system databases excluded)", result.ProcessedDatabases)
	}
	if len(ops.exported) != 1 || ops.exported[0] != "app" {
		t.Errorf("exported = %v, want [app]", ops.exported)
	}
}

func TestEngineHonorsExplicitDatabaseList(t *testing.T) {
	conns := &fakeConns{databases: []connection.DatabaseInfo{
		{Name: "app", SizeBytes: 10},
		{Name: "billing", SizeBytes: 20},
		{Name: "audit", SizeBytes: 30},
	}}
	ops := &fakeOps{}

	task := testTask()
	task.Databases = []string{"billing"}
	eng := NewEngine(task, Options{}, conns, ops)
	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.ProcessedDatabases != 1 {
		t.Errorf("processed = %d, want 1", result.ProcessedDatabases)
	}
	if len(ops.exported) != 1 || ops.exported[0] != "billing" {
		t.Errorf("exported = %v, want [billing]", ops.exported)
	}
}

func TestEngineEmptyDiscoveryIsFatal(t *testing.T) {
	conns := &fakeConns{databases: []connection.DatabaseInfo{
		{Name: "postgres"}, {Name: "template0"},
	}}
	eng := NewEngine(testTask(), Options{IncludeAll: true}, conns, &fakeOps{})

	_, err := eng.Run(context.Background())
	if !errors.Is(err, ErrNoDatabases) {
		t.Fatalf("err = %v, want ErrNoDatabases", err)
	}
	if got := FailurePhase(err); got != PhaseDiscovery {
		t.Errorf("failure phase = %s, want %s", got, PhaseDiscovery)
	}
	if eng.State().Status() != StatusFailed {
		t.Errorf("status = %s, want failed", eng.State().Status())
	}
	// Cleanup still ran.
	completed := eng.State().CompletedPhases()
	if len(completed) == 0 || completed[len(completed)-1] != PhaseCleanup {
		t.Errorf("cleanup did not run, phases = %v", completed)
	}
}

func TestEnginePreflightFailureAttributed(t *testing.T) {
	conns := &fakeConns{
		databases: []connection.DatabaseInfo{{Name: "app"}},
		testErrs:  map[string]error{"dst": errors.New("connection refused")},
	}
	ops := &fakeOps{}
	eng := NewEngine(testTask(), Options{IncludeAll: true}, conns, ops)

	_, err := eng.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded with unreachable target")
	}
	if got := FailurePhase(err); got != PhasePreflight {
		t.Errorf("failure phase = %s, want %s", got, PhasePreflight)
	}
	if len(ops.exported) != 0 {
		t.Errorf("export ran after preflight failure: %v", ops.exported)
	}
}

func TestEngineExportFailureStopsImport(t *testing.T) {
	conns := &fakeConns{databases: []connection.DatabaseInfo{
		{Name: "app"}, {Name: "billing"},
	}}
	ops := &fakeOps{exportErrFor: "billing"}
	eng := NewEngine(testTask(), Options{IncludeAll: true}, conns, ops)

	_, err := eng.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded despite export failure")
	}
	if got := FailurePhase(err); got != PhaseExport {
		t.Errorf("failure phase = %s, want %s", got, PhaseExport)
	}
	if len(ops.imported) != 0 {
		t.Errorf("import ran after export failure: %v", ops.imported)
	}
	completed := eng.State().CompletedPhases()
	if len(completed) == 0 || completed[len(completed)-1] != PhaseCleanup {
		t.Errorf("cleanup did not run, phases = %v", completed)
	}
}

func TestEngineDryRunSkipsOperations(t *testing.T) {
	conns := &fakeConns{databases: []connection.DatabaseInfo{
		{Name: "app", SizeBytes: 100},
	}}
	ops := &fakeOps{exportErrFor: "app"} // would fail if actually called
	eng := NewEngine(testTask(), Options{IncludeAll: true, DryRun: true}, conns, ops)

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("dry run returned error: %v", err)
	}
	if !result.DryRun {
		t.Error("result.DryRun = false")
	}
	if result.ProcessedDatabases != 1 {
		t.Errorf("processed = %d, want 1", result.ProcessedDatabases)
	}
	if len(ops.exported) != 0 || len(ops.imported) != 0 {
		t.Errorf("dry run invoked operations: exported=%v imported=%v", ops.exported, ops.imported)
	}
	for _, d := range result.DatabaseDetails {
		if d.Status != "simulated" {
			t.Errorf("database %s status = %s, want simulated", d.Name, d.Status)
		}
	}
}

func TestEngineAppliesRenames(t *testing.T) {
	conns := &fakeConns{databases: []connection.DatabaseInfo{
		{Name: "app", SizeBytes: 10},
	}}
	ops := &fakeOps{}

	task := testTask()
	task.Renames = map[string]string{"app": "src_app"}
	eng := NewEngine(task, Options{IncludeAll: true}, conns, ops)

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(ops.imported) != 1 || ops.imported[0] != "src_app" {
		t.Errorf("imported = %v, want [src_app]", ops.imported)
	}
	if result.DatabaseDetails[0].TargetName != "src_app" {
		t.Errorf("target name = %s, want src_app", result.DatabaseDetails[0].TargetName)
	}
}

func TestEngineImportSerializesOnTarget(t *testing.T) {
	conns := &fakeConns{databases: []connection.DatabaseInfo{{Name: "app"}}}
	eng := NewEngine(testTask(), Options{IncludeAll: true}, conns, &fakeOps{})

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(conns.locked) != 1 {
		t.Fatalf("lock acquisitions = %v, want exactly one", conns.locked)
	}
	if want := "p2:dst:postgres"; conns.locked[0] != want {
		t.Errorf("locked key = %s, want %s", conns.locked[0], want)
	}
}

func TestEnginePostValidationFailureIsFatal(t *testing.T) {
	conns := &fakeConns{
		databases: []connection.DatabaseInfo{{Name: "app"}},
		pingErr:   errors.New("database does not accept connections"),
	}
	eng := NewEngine(testTask(), Options{IncludeAll: true}, conns, &fakeOps{})

	_, err := eng.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded despite post-validation failure")
	}
	if got := FailurePhase(err); got != PhasePostValidation {
		t.Errorf("failure phase = %s, want %s", got, PhasePostValidation)
	}
	var pv *PostValidationError
	if !errors.As(err, &pv) {
		t.Fatalf("err = %T, want *PostValidationError", err)
	}
	if pv.Database != "app" {
		t.Errorf("failing database = %s, want app", pv.Database)
	}
}

func TestEngineCancelBeforeRun(t *testing.T) {
	conns := &fakeConns{databases: []connection.DatabaseInfo{{Name: "app"}}}
	ops := &fakeOps{}
	eng := NewEngine(testTask(), Options{IncludeAll: true}, conns, ops)

	eng.State().Cancel()
	_, err := eng.Run(context.Background())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if eng.State().Status() != StatusCancelled {
		t.Errorf("status = %s, want cancelled", eng.State().Status())
	}
	if len(ops.exported) != 0 {
		t.Errorf("cancelled run exported: %v", ops.exported)
	}
	if conns.closedAll != 0 {
		t.Error("cancelled task drained the shared pool")
	}
}

// Two tasks share one connection manager; the first task finishing must
// not pull pooled connections out from under the second.
func TestEngineLeavesSharedPoolToBatchOwner(t *testing.T) {
	conns := &fakeConns{databases: []connection.DatabaseInfo{{Name: "app"}}}
	ops := &fakeOps{}

	first := NewEngine(testTask(), Options{IncludeAll: true}, conns, ops)
	if _, err := first.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if conns.closedAll != 0 {
		t.Fatalf("closedAll = %d after first task, want 0", conns.closedAll)
	}

	second := NewEngine(testTask(), Options{IncludeAll: true}, conns, ops)
	if _, err := second.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if conns.closedAll != 0 {
		t.Errorf("closedAll = %d after batch, want 0 (pool is the coordinator's)", conns.closedAll)
	}
}

func TestEngineInvalidOptionsFailValidation(t *testing.T) {
	eng := NewEngine(testTask(), Options{SchemaOnly: true, DataOnly: true}, &fakeConns{}, &fakeOps{})
	_, err := eng.Run(context.Background())
	if err == nil {
		t.Fatal("Run accepted schemaOnly+dataOnly")
	}
	if got := FailurePhase(err); got != PhaseValidation {
		t.Errorf("failure phase = %s, want %s", got, PhaseValidation)
	}
	var cfg *ConfigError
	if !errors.As(err, &cfg) {
		t.Fatalf("err = %T, want *ConfigError", err)
	}
}

func TestEngineMySQLSystemDatabases(t *testing.T) {
	conns := &fakeConns{databases: []connection.DatabaseInfo{
		{Name: "mysql"}, {Name: "sys"},
		{Name: "information_schema"}, {Name: "performance_schema"},
		{Name: "shop", SizeBytes: 5},
	}}
	ops := &fakeOps{}

	task := testTask()
	task.Source.Version = "MYSQL_8_0"
	task.Target.Version = "MYSQL_8_0"
	eng := NewEngine(task, Options{IncludeAll: true}, conns, ops)

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.ProcessedDatabases != 1 {
		t.Errorf("processed = %d, want 1", result.ProcessedDatabases)
	}
	if fmt.Sprint(ops.exported) != "[shop]" {
		t.Errorf("exported = %v, want [shop]", ops.exported)
	}
}
