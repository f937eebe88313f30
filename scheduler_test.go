package tinysql

import (
	"context"
	"testing"
	"time"
)

func TestSchedulerRunsOnceJob(t *testing.T) {
	db := NewDB()
	ctx := context.Background()

	stmt := MustParseSQL("CREATE TABLE jobs_ran (id INT)")
	if _, err := Execute(ctx, db, "default", stmt); err != nil {
		t.Fatalf("create table: %v", err)
	}

	sched := NewScheduler(db, "default")
	runAt := time.Now().Add(-time.Second) // already due
	job := &CatalogJob{
		Name:         "seed-row",
		ScheduleType: "ONCE",
		RunAt:        &runAt,
		Enabled:      true,
		SQLText:      "INSERT INTO jobs_ran VALUES (1)",
	}
	if err := sched.AddJob(job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if err := sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rs, err := Execute(ctx, db, "default", MustParseSQL("SELECT * FROM jobs_ran"))
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if len(rs.Rows) > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("ONCE job did not run within deadline")
}

func TestSQLJobExecutorRunsStatement(t *testing.T) {
	db := NewDB()
	ctx := context.Background()

	stmt := MustParseSQL("CREATE TABLE direct_exec (id INT)")
	if _, err := Execute(ctx, db, "default", stmt); err != nil {
		t.Fatalf("create table: %v", err)
	}

	exec := &SQLJobExecutor{DB: db, Tenant: "default"}
	if _, err := exec.ExecuteSQL(ctx, "INSERT INTO direct_exec VALUES (42)"); err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}

	rs, err := Execute(ctx, db, "default", MustParseSQL("SELECT * FROM direct_exec"))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rs.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rs.Rows))
	}
}
