package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"strata/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDB struct {
	execFn     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	queries    []string
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, sql)
	if f.queryFn != nil {
		return f.queryFn(ctx, sql, args...)
	}
	return &fakeRows{}, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.queries = append(f.queries, sql)
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeRow{err: pgx.ErrNoRows}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.err != nil || r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	current := r.rows[r.idx-1]
	if len(dest) != len(current) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignScan(dest[i], current[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, errors.New("no current row")
	}
	return append([]any(nil), r.rows[r.idx-1]...), nil
}

func assignScan(dest any, value any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := value.(string)
		if !ok {
			return errors.New("value is not string")
		}
		*d = v
	case *bool:
		v, ok := value.(bool)
		if !ok {
			return errors.New("value is not bool")
		}
		*d = v
	case *[]byte:
		v, ok := value.([]byte)
		if !ok {
			return errors.New("value is not []byte")
		}
		*d = append((*d)[:0], v...)
	case *time.Time:
		v, ok := value.(time.Time)
		if !ok {
			return errors.New("value is not time.Time")
		}
		*d = v
	case *models.ObjectState:
		v, ok := value.(string)
		if !ok {
			return errors.New("value is not state string")
		}
		*d = models.ObjectState(v)
	case *models.ControlGroup:
		v, ok := value.(string)
		if !ok {
			return errors.New("value is not control group string")
		}
		*d = models.ControlGroup(v)
	default:
		return errors.New("unsupported scan destination")
	}
	return nil
}

var dsCreated = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func datastreamValues() []any {
	return []any{"demo:1", "DS1", "DS1.0", "A", "M", "image/jpeg", "", dsCreated, []byte("bytes")}
}

func TestDatastreamLatestVersion(t *testing.T) {
	t.Parallel()

	db := &fakeDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
		if !strings.Contains(sql, "ORDER BY created_at DESC") {
			t.Errorf("empty version should select latest: %s", sql)
		}
		return fakeRow{values: datastreamValues()}
	}}
	repo := &Repository{DB: db}

	ds, content, err := repo.Datastream(context.Background(), "demo:1", "DS1", "")
	if err != nil {
		t.Fatalf("datastream: %v", err)
	}
	if ds.PID != "demo:1" || ds.DSID != "DS1" || ds.VersionID != "DS1.0" {
		t.Errorf("datastream = %+v", ds)
	}
	if ds.ControlGroup != models.ControlGroupManaged || ds.MIMEType != "image/jpeg" {
		t.Errorf("datastream = %+v", ds)
	}
	if string(content) != "bytes" || ds.Size != 5 {
		t.Errorf("content = %q size = %d", content, ds.Size)
	}
}

func TestDatastreamByVersion(t *testing.T) {
	t.Parallel()

	db := &fakeDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
		if !strings.Contains(sql, "version_id=$3") {
			t.Errorf("explicit version should filter by version_id: %s", sql)
		}
		return fakeRow{values: datastreamValues()}
	}}
	repo := &Repository{DB: db}
	if _, _, err := repo.Datastream(context.Background(), "demo:1", "DS1", "DS1.0"); err != nil {
		t.Fatalf("datastream: %v", err)
	}
}

func TestDatastreamNotFound(t *testing.T) {
	t.Parallel()

	repo := &Repository{DB: &fakeDB{}}
	_, _, err := repo.Datastream(context.Background(), "demo:1", "NOPE", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDatastreamAsOf(t *testing.T) {
	t.Parallel()

	db := &fakeDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
		if !strings.Contains(sql, "created_at<=$3") {
			t.Errorf("as-of lookup should bound created_at: %s", sql)
		}
		return fakeRow{values: datastreamValues()}
	}}
	repo := &Repository{DB: db}
	ds, _, err := repo.DatastreamAsOf(context.Background(), "demo:1", "DS1", dsCreated.Add(time.Hour))
	if err != nil {
		t.Fatalf("as of: %v", err)
	}
	if !ds.CreatedAt.Equal(dsCreated) {
		t.Errorf("created at = %v", ds.CreatedAt)
	}
}

func TestObjectStateCached(t *testing.T) {
	t.Parallel()

	calls := 0
	db := &fakeDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
		calls++
		return fakeRow{values: []any{"A"}}
	}}
	repo := &Repository{DB: db, Cache: NewMemoryCache(), StateTTL: time.Minute}

	for i := 0; i < 3; i++ {
		state, err := repo.ObjectState(context.Background(), "demo:1")
		if err != nil {
			t.Fatalf("object state: %v", err)
		}
		if state != models.StateActive {
			t.Errorf("state = %q", state)
		}
	}
	if calls != 1 {
		t.Errorf("db calls = %d, want 1 with warm cache", calls)
	}
}

func TestObjectStateNotFound(t *testing.T) {
	t.Parallel()

	repo := &Repository{DB: &fakeDB{}}
	_, err := repo.ObjectState(context.Background(), "demo:absent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestBindingRowsOrderedWithParms(t *testing.T) {
	t.Parallel()

	db := &fakeDB{queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		if strings.Contains(sql, "FROM method_parms") {
			return &fakeRows{rows: [][]any{{"lang", false, "en"}}}, nil
		}
		if !strings.Contains(sql, "ORDER BY bind_key, seq") {
			t.Errorf("binding rows must be ordered: %s", sql)
		}
		return &fakeRows{rows: [][]any{
			{"DS1", "http://c.example/a", "DS1", "DS1.0", "E", "http://svc.example", "/scale?src=(DS1)", "http", "A", dsCreated},
		}}, nil
	}}
	repo := &Repository{DB: db}

	rows, err := repo.BindingRows(context.Background(), "demo:1", "demo:d1", "getScaled")
	if err != nil {
		t.Fatalf("binding rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	row := rows[0]
	if row.BindKey != "DS1" || row.ControlGroup != models.ControlGroupExternal {
		t.Errorf("row = %+v", row)
	}
	if len(row.ParmDefs) != 1 || row.ParmDefs[0].Name != "lang" || row.ParmDefs[0].DefaultValue != "en" {
		t.Errorf("parm defs = %+v", row.ParmDefs)
	}
}

func TestBindingRowsEmptyIsNotFound(t *testing.T) {
	t.Parallel()

	repo := &Repository{DB: &fakeDB{}}
	_, err := repo.BindingRows(context.Background(), "demo:1", "demo:d1", "m")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRules(t *testing.T) {
	t.Parallel()

	db := &fakeDB{queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		return &fakeRows{rows: [][]any{{"DS1", true}, {"SIDE", false}}}, nil
	}}
	repo := &Repository{DB: db}

	rules, err := repo.Rules(context.Background(), "demo:d1", "m")
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	if len(rules) != 2 || !rules[0].Required || rules[1].Required {
		t.Errorf("rules = %+v", rules)
	}
}
