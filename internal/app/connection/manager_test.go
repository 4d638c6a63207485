package connection

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubClient struct {
	closed  int
	pingErr error
	catalog []DatabaseInfo
}

func (c *stubClient) Ping(context.Context) error { return c.pingErr }
func (c *stubClient) ListDatabases(context.Context) ([]DatabaseInfo, error) {
	return c.catalog, nil
}
func (c *stubClient) Close() { c.closed++ }

type stubDialer struct {
	calls   int
	failFor int // fail this many leading attempts
	err     error
	client  *stubClient
}

func (d *stubDialer) dial(ctx context.Context, info Info) (Client, error) {
	d.calls++
	if d.calls <= d.failFor {
		return nil, d.err
	}
	if d.client == nil {
		d.client = &stubClient{}
	}
	return d.client, nil
}

func testInfo(database string) Info {
	return Info{
		Project:  "proj",
		Instance: "inst",
		Database: database,
		Host:     "10.0.0.5",
		User:     "admin",
		Engine:   EnginePostgres,
	}
}

func newTestManager(d *stubDialer) *Manager {
	m := NewManager(Options{Dialer: d.dial, RetryAttempts: 3, RetryBackoff: time.Millisecond})
	m.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return m
}

func TestManagerPoolsByKey(t *testing.T) {
	d := &stubDialer{}
	m := newTestManager(d)
	ctx := context.Background()

	c1, err := m.Connect(ctx, testInfo("app"))
	if err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	c2, err := m.Connect(ctx, testInfo("app"))
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if c1 != c2 {
		t.Error("same key returned different clients")
	}
	if d.calls != 1 {
		t.Errorf("dialer calls = %d, want 1", d.calls)
	}

	// A different database is a different pool entry.
	if _, err := m.Connect(ctx, testInfo("billing")); err != nil {
		t.Fatalf("Connect other database: %v", err)
	}
	if d.calls != 2 {
		t.Errorf("dialer calls = %d, want 2", d.calls)
	}
	if m.Size() != 2 {
		t.Errorf("pool size = %d, want 2", m.Size())
	}
}

func TestManagerRetriesThenSucceeds(t *testing.T) {
	var delays []time.Duration
	d := &stubDialer{failFor: 2, err: errors.New("connection reset")}
	m := NewManager(Options{Dialer: d.dial, RetryAttempts: 3, RetryBackoff: 10 * time.Millisecond})
	m.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	if _, err := m.Connect(context.Background(), testInfo("app")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if d.calls != 3 {
		t.Errorf("dialer calls = %d, want 3", d.calls)
	}
	// Backoff doubles between attempts.
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Errorf("backoff delays = %v, want [10ms 20ms]", delays)
	}
}

func TestManagerExhaustionReturnsClassifiedError(t *testing.T) {
	cause := errors.New("pq: password authentication failed for user \"admin\"")
	d := &stubDialer{failFor: 100, err: cause}
	m := newTestManager(d)

	_, err := m.Connect(context.Background(), testInfo("app"))
	if err == nil {
		t.Fatal("Connect succeeded with failing dialer")
	}
	if d.calls != 3 {
		t.Errorf("dialer calls = %d, want 3", d.calls)
	}

	var connErr *Error
	if !errors.As(err, &connErr) {
		t.Fatalf("err = %T, want *Error", err)
	}
	if connErr.Kind != KindAuthFailure {
		t.Errorf("kind = %s, want %s", connErr.Kind, KindAuthFailure)
	}
	if connErr.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", connErr.Attempts)
	}
	if connErr.Project != "proj" || connErr.Instance != "inst" || connErr.Database != "app" {
		t.Errorf("endpoint = %s:%s/%s", connErr.Project, connErr.Instance, connErr.Database)
	}
	if !errors.Is(err, cause) {
		t.Error("classified error does not wrap the cause")
	}
	if m.Size() != 0 {
		t.Errorf("failed connect left a pool entry, size = %d", m.Size())
	}
}

func TestManagerConnectCancelledContext(t *testing.T) {
	d := &stubDialer{failFor: 100, err: errors.New("connection refused")}
	m := newTestManager(d)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Connect(ctx, testInfo("app"))
	if err == nil {
		t.Fatal("Connect succeeded with cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want wrapped context.Canceled", err)
	}
	// First attempt runs, then the cancelled context ends the backoff.
	if d.calls != 1 {
		t.Errorf("dialer calls = %d, want 1", d.calls)
	}
}

func TestManagerCancelDuringBackoff(t *testing.T) {
	d := &stubDialer{failFor: 100, err: errors.New("connection refused")}
	// Real backoff, long enough that only early cancellation can end the
	// wait within the test deadline.
	m := NewManager(Options{Dialer: d.dial, RetryAttempts: 3, RetryBackoff: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := m.Connect(ctx, testInfo("app"))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want wrapped context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect kept waiting out the backoff after cancellation")
	}
	if d.calls != 1 {
		t.Errorf("dialer calls = %d, want 1", d.calls)
	}
}

func TestManagerTestConnection(t *testing.T) {
	d := &stubDialer{client: &stubClient{}}
	m := newTestManager(d)

	if err := m.TestConnection(context.Background(), testInfo("app")); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}

	d.client.pingErr = errors.New("terminating connection")
	if err := m.TestConnection(context.Background(), testInfo("app")); err == nil {
		t.Error("TestConnection ignored ping failure")
	}
}

func TestManagerListDatabases(t *testing.T) {
	d := &stubDialer{client: &stubClient{catalog: []DatabaseInfo{
		{Name: "app", SizeBytes: 42},
	}}}
	m := newTestManager(d)

	dbs, err := m.ListDatabases(context.Background(), testInfo("postgres"))
	if err != nil {
		t.Fatalf("ListDatabases: %v", err)
	}
	if len(dbs) != 1 || dbs[0].Name != "app" || dbs[0].SizeBytes != 42 {
		t.Errorf("catalog = %v", dbs)
	}
}

func TestManagerLockKeySerializes(t *testing.T) {
	d := &stubDialer{}
	m := newTestManager(d)
	info := testInfo("app")

	unlock := m.LockKey(info)

	acquired := make(chan struct{})
	go func() {
		u := m.LockKey(info)
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second LockKey acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second LockKey never acquired after release")
	}
}

func TestManagerLockKeyBeforeConnect(t *testing.T) {
	d := &stubDialer{}
	m := newTestManager(d)
	info := testInfo("app")

	// Locking first creates a clientless entry; Connect must fill it in
	// rather than shadow it.
	unlock := m.LockKey(info)
	unlock()
	if m.Size() != 1 {
		t.Fatalf("pool size after LockKey = %d, want 1", m.Size())
	}

	c1, err := m.Connect(context.Background(), info)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c2, err := m.Connect(context.Background(), info)
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if c1 != c2 {
		t.Error("entry created by LockKey was not reused")
	}
	if d.calls != 1 {
		t.Errorf("dialer calls = %d, want 1", d.calls)
	}
	if m.Size() != 1 {
		t.Errorf("pool size = %d, want 1", m.Size())
	}
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	d := &stubDialer{}
	m := newTestManager(d)
	info := testInfo("app")

	if _, err := m.Connect(context.Background(), info); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	key := info.Key()

	m.CloseConnection(key)
	m.CloseConnection(key)
	if d.client.closed != 1 {
		t.Errorf("client closed %d times, want 1", d.client.closed)
	}
	if m.Size() != 0 {
		t.Errorf("pool size = %d, want 0", m.Size())
	}

	// Reconnect, then drain everything twice.
	if _, err := m.Connect(context.Background(), info); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	m.CloseAll()
	m.CloseAll()
	if m.Size() != 0 {
		t.Errorf("pool size after CloseAll = %d, want 0", m.Size())
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorKind
	}{
		{"googleapi: Error 403: Cloud SQL Admin API has not been enabled", KindAPIDisabled},
		{"rpc error: permission denied on resource", KindPermissionDenied},
		{"googleapi: Error 403: Forbidden", KindPermissionDenied},
		{"invalid project id format: my_project!", KindInvalidProject},
		{"instance not found", KindNotFound},
		{"dial tcp: lookup db.internal: no such host", KindNotFound},
		{"database \"app\" does not exist", KindNotFound},
		{"pq: password authentication failed for user \"admin\"", KindAuthFailure},
		{"Access denied for user 'root'@'10.0.0.1'", KindAuthFailure},
		{"connection reset by peer", KindAuthFailure},
	}
	for _, c := range cases {
		if got := Classify(errors.New(c.msg)); got != c.want {
			t.Errorf("Classify(%q) = %s, want %s", c.msg, got, c.want)
		}
	}
	if got := Classify(nil); got != KindAuthFailure {
		t.Errorf("Classify(nil) = %s, want %s", got, KindAuthFailure)
	}
}

func TestInfoKeyAndString(t *testing.T) {
	info := testInfo("app")
	if got, want := info.Key(), "proj:inst:app"; got != want {
		t.Errorf("Key() = %s, want %s", got, want)
	}
	// The loggable form must not leak credentials.
	info.Password = "s3cret"
	if s := info.String(); s != "proj:inst/app (admin@10.0.0.5)" {
		t.Errorf("String() = %s", s)
	}
}
