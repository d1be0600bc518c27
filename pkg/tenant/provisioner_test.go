package tenant

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB records every Exec and can fail statements matching a substring.
type fakeDB struct {
	mu       sync.Mutex
	execs    []string
	failOnce map[string]error
	delay    time.Duration
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return pgconn.CommandTag{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	for sub, err := range f.failOnce {
		if strings.Contains(sql, sub) {
			delete(f.failOnce, sub)
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) count(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.execs {
		if strings.Contains(s, sub) {
			n++
		}
	}
	return n
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestEnsureTargetIssuesDDLOnce(t *testing.T) {
	db := &fakeDB{}
	p := NewProvisioner(db, NewGate(), "dsn", discard())
	target := Target{Schema: "T1-public", Table: "state", Tenant: "T1"}

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.EnsureTarget(context.Background(), target)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("EnsureTarget[%d]: %v", i, err)
		}
	}
	if got := db.count("CREATE SCHEMA"); got != 1 {
		t.Errorf("CREATE SCHEMA executed %d times, want 1", got)
	}
	if got := db.count("CREATE TABLE"); got != 1 {
		t.Errorf("CREATE TABLE executed %d times, want 1", got)
	}
	if got := db.count("INSERT INTO pluggable_metadata.tenant"); got != 1 {
		t.Errorf("registry insert executed %d times, want 1", got)
	}

	// A later call is served from the memo.
	if err := p.EnsureTarget(context.Background(), target); err != nil {
		t.Fatalf("EnsureTarget after memoization: %v", err)
	}
	if got := len(db.execs); got != 3 {
		t.Errorf("total execs = %d, want 3", got)
	}
}

func TestEnsureTargetFailureIsRetryable(t *testing.T) {
	boom := errors.New("boom")
	db := &fakeDB{failOnce: map[string]error{"CREATE TABLE": boom}}
	p := NewProvisioner(db, NewGate(), "dsn", discard())
	target := Target{Schema: "T2-public", Table: "state", Tenant: "T2"}

	if err := p.EnsureTarget(context.Background(), target); !errors.Is(err, boom) {
		t.Fatalf("EnsureTarget error = %v, want %v", err, boom)
	}
	if err := p.EnsureTarget(context.Background(), target); err != nil {
		t.Fatalf("EnsureTarget retry: %v", err)
	}

	// The schema succeeded on the first attempt and must not repeat.
	if got := db.count("CREATE SCHEMA"); got != 1 {
		t.Errorf("CREATE SCHEMA executed %d times, want 1", got)
	}
	if got := db.count("CREATE TABLE"); got != 2 {
		t.Errorf("CREATE TABLE executed %d times, want 2", got)
	}
	if got := db.count("INSERT INTO pluggable_metadata.tenant"); got != 1 {
		t.Errorf("registry insert executed %d times, want 1", got)
	}
}

func TestEnsureTargetDistinctDatabases(t *testing.T) {
	gate := NewGate()
	dbA := &fakeDB{}
	dbB := &fakeDB{}
	pA := NewProvisioner(dbA, gate, "dsn-a", discard())
	pB := NewProvisioner(dbB, gate, "dsn-b", discard())
	target := Target{Schema: "T3-public", Table: "state", Tenant: "T3"}

	if err := pA.EnsureTarget(context.Background(), target); err != nil {
		t.Fatalf("EnsureTarget A: %v", err)
	}
	if err := pB.EnsureTarget(context.Background(), target); err != nil {
		t.Fatalf("EnsureTarget B: %v", err)
	}

	// Same target name and shared gate, different databases: both must be
	// provisioned.
	if got := dbA.count("CREATE SCHEMA"); got != 1 {
		t.Errorf("database A CREATE SCHEMA executed %d times, want 1", got)
	}
	if got := dbB.count("CREATE SCHEMA"); got != 1 {
		t.Errorf("database B CREATE SCHEMA executed %d times, want 1", got)
	}
}

func TestEnsureTargetMemoLivesInGate(t *testing.T) {
	gate := NewGate()
	target := Target{Schema: "T5-public", Table: "state", Tenant: "T5"}

	dbA := &fakeDB{}
	if err := NewProvisioner(dbA, gate, "dsn", discard()).EnsureTarget(context.Background(), target); err != nil {
		t.Fatalf("EnsureTarget first engine: %v", err)
	}

	// A second engine on the same database and gate, as after a
	// re-initialization, is served from the memo.
	dbB := &fakeDB{}
	if err := NewProvisioner(dbB, gate, "dsn", discard()).EnsureTarget(context.Background(), target); err != nil {
		t.Fatalf("EnsureTarget second engine: %v", err)
	}
	if got := len(dbB.execs); got != 0 {
		t.Errorf("second engine executed %d statements, want 0", got)
	}

	// A fresh gate carries nothing over from the old one.
	dbC := &fakeDB{}
	if err := NewProvisioner(dbC, NewGate(), "dsn", discard()).EnsureTarget(context.Background(), target); err != nil {
		t.Fatalf("EnsureTarget fresh gate: %v", err)
	}
	if got := dbC.count("CREATE SCHEMA"); got != 1 {
		t.Errorf("fresh gate CREATE SCHEMA executed %d times, want 1", got)
	}
	if got := dbC.count("CREATE TABLE"); got != 1 {
		t.Errorf("fresh gate CREATE TABLE executed %d times, want 1", got)
	}
}

func TestEnsureTargetWaiterCancellation(t *testing.T) {
	db := &fakeDB{delay: 200 * time.Millisecond}
	p := NewProvisioner(db, NewGate(), "dsn", discard())
	target := Target{Schema: "T4-public", Table: "state", Tenant: "T4"}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := p.EnsureTarget(ctx, target); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("EnsureTarget error = %v, want deadline exceeded", err)
	}

	// The schema flight outlives the waiter and memoizes on completion;
	// the follow-up call only provisions what is still missing.
	time.Sleep(800 * time.Millisecond)
	if err := p.EnsureTarget(context.Background(), target); err != nil {
		t.Fatalf("EnsureTarget after flight completed: %v", err)
	}
	if got := db.count("CREATE SCHEMA"); got != 1 {
		t.Errorf("CREATE SCHEMA executed %d times, want 1", got)
	}
	if got := db.count("CREATE TABLE"); got != 1 {
		t.Errorf("CREATE TABLE executed %d times, want 1", got)
	}
}
