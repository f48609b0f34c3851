package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"strata/pkg/binding"
	"strata/pkg/models"
)

// ErrNotFound is returned when an object, datastream, or binding is absent.
var ErrNotFound = errors.New("store: not found")

type repoDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository reads digital objects, datastream content, and service-binding
// rows. Binding rows come back pre-sorted by bind key, which the assembler
// relies on for multi-valued keys.
type Repository struct {
	DB       repoDB
	Cache    Cache
	StateTTL time.Duration
}

// Datastream resolves pid+dsid+versionID to its metadata and stored bytes.
// An empty versionID selects the newest version.
func (r *Repository) Datastream(ctx context.Context, pid, dsid, versionID string) (models.Datastream, []byte, error) {
	const cols = `pid, dsid, version_id, state, control_group, mime_type, COALESCE(location, ''), created_at, content`
	var row pgx.Row
	if versionID == "" {
		row = r.DB.QueryRow(ctx, `SELECT `+cols+` FROM datastreams WHERE pid=$1 AND dsid=$2 ORDER BY created_at DESC LIMIT 1`, pid, dsid)
	} else {
		row = r.DB.QueryRow(ctx, `SELECT `+cols+` FROM datastreams WHERE pid=$1 AND dsid=$2 AND version_id=$3`, pid, dsid, versionID)
	}
	var ds models.Datastream
	var content []byte
	err := row.Scan(&ds.PID, &ds.DSID, &ds.VersionID, &ds.State, &ds.ControlGroup, &ds.MIMEType, &ds.Location, &ds.CreatedAt, &content)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Datastream{}, nil, ErrNotFound
	}
	if err != nil {
		return models.Datastream{}, nil, fmt.Errorf("datastream %s/%s: %w", pid, dsid, err)
	}
	ds.Size = int64(len(content))
	return ds, content, nil
}

// DatastreamAsOf resolves the version of pid+dsid that was current at asOf:
// the newest version created at or before that instant.
func (r *Repository) DatastreamAsOf(ctx context.Context, pid, dsid string, asOf time.Time) (models.Datastream, []byte, error) {
	const cols = `pid, dsid, version_id, state, control_group, mime_type, COALESCE(location, ''), created_at, content`
	row := r.DB.QueryRow(ctx, `SELECT `+cols+` FROM datastreams WHERE pid=$1 AND dsid=$2 AND created_at<=$3 ORDER BY created_at DESC LIMIT 1`, pid, dsid, asOf)
	var ds models.Datastream
	var content []byte
	err := row.Scan(&ds.PID, &ds.DSID, &ds.VersionID, &ds.State, &ds.ControlGroup, &ds.MIMEType, &ds.Location, &ds.CreatedAt, &content)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Datastream{}, nil, ErrNotFound
	}
	if err != nil {
		return models.Datastream{}, nil, fmt.Errorf("datastream %s/%s as of %s: %w", pid, dsid, asOf.Format(time.RFC3339), err)
	}
	ds.Size = int64(len(content))
	return ds, content, nil
}

// ObjectState looks up an object's lifecycle state, serving hot lookups from
// the TTL cache when one is configured.
func (r *Repository) ObjectState(ctx context.Context, pid string) (models.ObjectState, error) {
	if r.Cache != nil {
		if v, err := r.Cache.Get(ctx, "objstate:"+pid); err == nil && v != "" {
			return models.ObjectState(v), nil
		}
	}
	var state string
	err := r.DB.QueryRow(ctx, `SELECT state FROM objects WHERE pid=$1`, pid).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("object state %s: %w", pid, err)
	}
	if r.Cache != nil {
		ttl := r.StateTTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		_ = r.Cache.Set(ctx, "objstate:"+pid, state, ttl)
	}
	return models.ObjectState(state), nil
}

// BindingRows loads the ordered binding-info rows for one dissemination,
// with each row carrying the method's parameter definitions.
func (r *Repository) BindingRows(ctx context.Context, pid, deploymentPID, method string) ([]binding.Row, error) {
	parmDefs, err := r.methodParms(ctx, deploymentPID, method)
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.Query(ctx, `
		SELECT bind_key, location, dsid, version_id, control_group, address_location, operation_location, protocol, state, created_at
		FROM service_bindings
		WHERE pid=$1 AND deployment_pid=$2 AND method=$3
		ORDER BY bind_key, seq
	`, pid, deploymentPID, method)
	if err != nil {
		return nil, fmt.Errorf("binding rows %s/%s.%s: %w", pid, deploymentPID, method, err)
	}
	defer rows.Close()
	var out []binding.Row
	for rows.Next() {
		var br binding.Row
		var protocol string
		if err := rows.Scan(&br.BindKey, &br.Location, &br.DSID, &br.VersionID, &br.ControlGroup,
			&br.AddressLocation, &br.OperationLocation, &protocol, &br.State, &br.CreatedAt); err != nil {
			return nil, fmt.Errorf("binding rows %s/%s.%s: %w", pid, deploymentPID, method, err)
		}
		br.Protocol = binding.Protocol(protocol)
		br.ParmDefs = parmDefs
		out = append(out, br)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Rules implements binding.SpecReader from the deployment's stored input spec.
func (r *Repository) Rules(ctx context.Context, deploymentPID, method string) ([]binding.Rule, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT bind_key, required FROM binding_rules WHERE deployment_pid=$1 AND method=$2
	`, deploymentPID, method)
	if err != nil {
		return nil, fmt.Errorf("binding rules %s.%s: %w", deploymentPID, method, err)
	}
	defer rows.Close()
	var out []binding.Rule
	for rows.Next() {
		var rule binding.Rule
		if err := rows.Scan(&rule.BindKey, &rule.Required); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *Repository) methodParms(ctx context.Context, deploymentPID, method string) ([]models.ParmDef, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT name, required, COALESCE(default_value, '') FROM method_parms WHERE deployment_pid=$1 AND method=$2
	`, deploymentPID, method)
	if err != nil {
		return nil, fmt.Errorf("method parms %s.%s: %w", deploymentPID, method, err)
	}
	defer rows.Close()
	var out []models.ParmDef
	for rows.Next() {
		var def models.ParmDef
		if err := rows.Scan(&def.Name, &def.Required, &def.DefaultValue); err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}
