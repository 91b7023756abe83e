package scheduler

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"conveyor/internal/platform/clock"
	perr "conveyor/internal/platform/errors"
	"conveyor/internal/platform/logger"
	"conveyor/internal/platform/store"
	"conveyor/internal/queue/schema"
)

type cmdTag struct {
	s string
	n int64
}

func (c cmdTag) String() string      { return c.s }
func (c cmdTag) RowsAffected() int64 { return c.n }

type execRec struct {
	sql  string
	args []any
}

// fakeDB scripts query results by SQL substring and records every exec
type fakeDB struct {
	execs   []execRec
	execTag cmdTag

	queryData map[string][][]any // substring -> rows
	rowVals   []any
	rowSQLs   []string
	rowArgs   [][]any
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (store.CommandTag, error) {
	f.execs = append(f.execs, execRec{sql: sql, args: args})
	return f.execTag, nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (store.Rows, error) {
	for sub, data := range f.queryData {
		if strings.Contains(sql, sub) {
			return &fakeRows{data: data, idx: -1}, nil
		}
	}
	return &fakeRows{idx: -1}, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) store.Row {
	f.rowSQLs = append(f.rowSQLs, sql)
	f.rowArgs = append(f.rowArgs, args)
	return &fakeRow{vals: f.rowVals}
}

func (f *fakeDB) Tx(ctx context.Context, fn func(q store.RowQuerier) error) error { return fn(f) }

func (f *fakeDB) execsMatching(sub string) []execRec {
	var out []execRec
	for _, e := range f.execs {
		if strings.Contains(e.sql, sub) {
			out = append(out, e)
		}
	}
	return out
}

type fakeRows struct {
	data [][]any
	idx  int
}

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.data)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.idx]
	if len(dest) != len(row) {
		return errors.New("dest len mismatch")
	}
	for i := range dest {
		dv := reflect.ValueOf(dest[i]).Elem()
		sv := reflect.ValueOf(row[i])
		if !sv.IsValid() {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}
		if sv.Type().AssignableTo(dv.Type()) {
			dv.Set(sv)
			continue
		}
		if sv.Type().ConvertibleTo(dv.Type()) {
			dv.Set(sv.Convert(dv.Type()))
			continue
		}
		return errors.New("type mismatch")
	}
	return nil
}
func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

type fakeRow struct{ vals []any }

func (r *fakeRow) Scan(dest ...any) error {
	for i := range dest {
		if i < len(r.vals) {
			reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(r.vals[i]))
		}
	}
	return nil
}

func newScheduler(t *testing.T, db *fakeDB, wall clock.Wall) *Scheduler {
	t.Helper()
	s, err := New(db, schema.Names{}, wall, logger.Logger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func jobRowFor(name, topic, cronExpr string, coalesce bool, last time.Time) []any {
	return []any{name, topic, cronExpr, []byte(`{"n":1}`), true, coalesce, last}
}

func TestParseCron(t *testing.T) {
	t.Parallel()

	if _, err := ParseCron("*/10 * * * * *"); err != nil {
		t.Fatalf("six-field cron: %v", err)
	}
	if _, err := ParseCron("0 0 3 * * 1"); err != nil {
		t.Fatalf("weekly cron: %v", err)
	}
	// five fields is the classic format, not ours
	if _, err := ParseCron("* * * * *"); !perr.IsValidation(err) {
		t.Fatalf("five-field cron should be Validation, got %v", err)
	}
	if _, err := ParseCron("every day at noon"); !perr.IsValidation(err) {
		t.Fatalf("garbage should be Validation, got %v", err)
	}
}

func TestDueTimes_CatchUp(t *testing.T) {
	t.Parallel()

	sched, err := ParseCron("*/10 * * * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	last := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	due := dueTimes(sched, last, now, false)
	if len(due) != 3 {
		t.Fatalf("due = %v, want 3 fires", due)
	}
	wantSecs := []int{10, 20, 30}
	for i, at := range due {
		if at.Second() != wantSecs[i] {
			t.Fatalf("fire %d at %v, want second %d", i, at, wantSecs[i])
		}
	}
}

func TestDueTimes_CoalesceKeepsLatest(t *testing.T) {
	t.Parallel()

	sched, _ := ParseCron("*/10 * * * * *")
	last := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	due := dueTimes(sched, last, now, true)
	if len(due) != 1 || due[0].Second() != 30 {
		t.Fatalf("coalesced due = %v, want only 12:00:30", due)
	}
}

func TestDueTimes_NothingDue(t *testing.T) {
	t.Parallel()

	sched, _ := ParseCron("*/10 * * * * *")
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	if due := dueTimes(sched, now, now, false); len(due) != 0 {
		t.Fatalf("due = %v, want none", due)
	}
}

func TestDueTimes_BacklogIsCapped(t *testing.T) {
	t.Parallel()

	sched, _ := ParseCron("* * * * * *")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	due := dueTimes(sched, now.Add(-time.Hour), now, false)
	if len(due) != maxCatchUp {
		t.Fatalf("backlog = %d, want cap %d", len(due), maxCatchUp)
	}
}

func TestScheduleTimer_RequiresDue(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, &fakeDB{}, nil)
	if _, err := s.ScheduleTimer(context.Background(), "t", nil, time.Time{}); !perr.IsValidation(err) {
		t.Fatalf("zero due should be Validation, got %v", err)
	}
}

func TestScheduleTimer_InsertsReadyRow(t *testing.T) {
	t.Parallel()

	db := &fakeDB{rowVals: []any{"timer-1"}}
	s := newScheduler(t, db, nil)

	id, err := s.ScheduleTimer(context.Background(), "billing.close", []byte(`{}`), time.Now().Add(time.Hour))
	if err != nil || id != "timer-1" {
		t.Fatalf("ScheduleTimer: id=%q err=%v", id, err)
	}
}

func TestCancelTimer(t *testing.T) {
	t.Parallel()

	db := &fakeDB{execTag: cmdTag{s: "DELETE 1", n: 1}}
	s := newScheduler(t, db, nil)

	ok, err := s.CancelTimer(context.Background(), "timer-1")
	if err != nil || !ok {
		t.Fatalf("CancelTimer: ok=%v err=%v", ok, err)
	}
	del := db.execsMatching("DELETE FROM infra.timers")
	if len(del) != 1 || !strings.Contains(del[0].sql, "status = 'ready'") {
		t.Fatalf("cancel must only delete pending timers: %v", del)
	}

	db.execTag = cmdTag{s: "DELETE 0", n: 0}
	ok, err = s.CancelTimer(context.Background(), "timer-1")
	if err != nil || ok {
		t.Fatalf("fired timer: ok=%v err=%v", ok, err)
	}
}

func TestCreateOrUpdateJob_ValidatesCron(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, &fakeDB{}, nil)
	err := s.CreateOrUpdateJob(context.Background(), NewJob("j", "t", "not a cron", nil))
	if !perr.IsValidation(err) {
		t.Fatalf("bad cron should be Validation, got %v", err)
	}
	err = s.CreateOrUpdateJob(context.Background(), Job{Name: "j"})
	if !perr.IsValidation(err) {
		t.Fatalf("missing fields should be Validation, got %v", err)
	}
}

func TestCreateOrUpdateJob_Upserts(t *testing.T) {
	t.Parallel()

	db := &fakeDB{execTag: cmdTag{s: "INSERT 0 1", n: 1}}
	s := newScheduler(t, db, nil)

	j := NewJob("nightly", "report.gen", "0 0 3 * * *", []byte(`{}`))
	if err := s.CreateOrUpdateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateOrUpdateJob: %v", err)
	}
	ups := db.execsMatching("ON CONFLICT (name) DO UPDATE")
	if len(ups) != 1 {
		t.Fatalf("upserts = %v", db.execs)
	}
	if ups[0].args[0] != "nightly" || ups[0].args[4] != true {
		t.Fatalf("args = %v", ups[0].args)
	}
}

func TestSetJobEnabled_NotFound(t *testing.T) {
	t.Parallel()

	db := &fakeDB{execTag: cmdTag{s: "UPDATE 0", n: 0}}
	s := newScheduler(t, db, nil)
	if err := s.SetJobEnabled(context.Background(), "ghost", false); !perr.IsCode(err, perr.ErrorCodeNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestTick_CatchUpInsertsEveryMissedFire(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	last := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	db := &fakeDB{
		execTag: cmdTag{s: "INSERT 0 1", n: 1},
		queryData: map[string][][]any{
			"FOR UPDATE SKIP LOCKED": {jobRowFor("nightly", "report.gen", "*/10 * * * * *", false, last)},
		},
	}
	s := newScheduler(t, db, clock.Fixed(now))

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 3 {
		t.Fatalf("Tick = %d runs, want 3", n)
	}

	inserts := db.execsMatching("INSERT INTO infra.job_runs")
	if len(inserts) != 3 {
		t.Fatalf("run inserts = %d", len(inserts))
	}
	// scheduled_for walks the missed fires in order
	for i, wantSec := range []int{10, 20, 30} {
		at := inserts[i].args[2].(time.Time)
		if at.Second() != wantSec {
			t.Fatalf("insert %d scheduled_for %v, want second %d", i, at, wantSec)
		}
	}

	adv := db.execsMatching("SET last_scheduled_at")
	if len(adv) != 1 {
		t.Fatalf("advances = %v", adv)
	}
	if got := adv[0].args[1].(time.Time); got.Second() != 30 {
		t.Fatalf("last_scheduled_at advanced to %v, want 12:00:30", got)
	}
}

func TestTick_CoalesceInsertsOnlyLatest(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	last := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	db := &fakeDB{
		execTag: cmdTag{s: "INSERT 0 1", n: 1},
		queryData: map[string][][]any{
			"FOR UPDATE SKIP LOCKED": {jobRowFor("nightly", "report.gen", "*/10 * * * * *", true, last)},
		},
	}
	s := newScheduler(t, db, clock.Fixed(now))

	n, err := s.Tick(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Tick = %d, %v; want 1 coalesced run", n, err)
	}
	if at := db.execsMatching("INSERT INTO infra.job_runs")[0].args[2].(time.Time); at.Second() != 30 {
		t.Fatalf("coalesced run at %v, want 12:00:30", at)
	}
}

func TestTick_NothingDueTouchesNothing(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	db := &fakeDB{
		queryData: map[string][][]any{
			"FOR UPDATE SKIP LOCKED": {jobRowFor("nightly", "report.gen", "*/10 * * * * *", false, now)},
		},
	}
	s := newScheduler(t, db, clock.Fixed(now))

	n, err := s.Tick(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Tick = %d, %v; want 0", n, err)
	}
	if len(db.execs) != 0 {
		t.Fatalf("idle tick must not write: %v", db.execs)
	}
}

func TestTick_SkipsUnparseableJob(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	last := now.Add(-25 * time.Second)
	db := &fakeDB{
		execTag: cmdTag{s: "INSERT 0 1", n: 1},
		queryData: map[string][][]any{
			"FOR UPDATE SKIP LOCKED": {
				jobRowFor("broken", "x", "mangled by hand", false, last),
				jobRowFor("healthy", "report.gen", "*/10 * * * * *", false, last),
			},
		},
	}
	s := newScheduler(t, db, clock.Fixed(now))

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n == 0 {
		t.Fatalf("healthy job must still fire")
	}
	for _, e := range db.execsMatching("INSERT INTO infra.job_runs") {
		if e.args[1] == "broken" {
			t.Fatalf("broken job must be skipped, not fired")
		}
	}
}
