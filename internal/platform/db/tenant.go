package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
	DBTxKey     contextKey = "db_tx"
	DBPoolKey   contextKey = "db_pool"
)

// TenantHeader lets service callers without a tenant claim pick a tenant.
const TenantHeader = "X-Tenant-ID"

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ErrTenantMismatch means the request header names a different tenant than
// the caller's token.
var ErrTenantMismatch = errors.New("tenant header does not match token tenant")

// SchemaName maps a tenant identifier to its PostgreSQL schema.
func SchemaName(tenantID string) string {
	return "tenant_" + tenantID
}

// TenantMiddleware pins one pooled connection per request with search_path
// set to the caller's tenant schema. Requests wait for a pinned slot before
// touching the pool, and their forks draw from a separate slot budget.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	var budget *ConnBudget
	if pool != nil {
		budget = NewConnBudget(pool.Config().MaxConns)
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, err := resolveTenant(c, defaultTenant)
			if err != nil {
				return echo.NewHTTPError(http.StatusForbidden, err.Error())
			}
			if !tenantIDPattern.MatchString(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx := c.Request().Context()
			unpin, err := budget.pin(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer unpin()

			ctx, release, err := acquireTenant(ctx, pool, tenantID)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer release()
			ctx = context.WithValue(ctx, dbForkKey, &forkState{budget: budget})

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)
			return next(c)
		}
	}
}

// resolveTenant prefers the token's tenant claim. A header may only repeat
// it; without a claim the header or the default applies.
func resolveTenant(c echo.Context, defaultTenant string) (string, error) {
	header := c.Request().Header.Get(TenantHeader)
	if claim, ok := c.Get("jwt_tenant_id").(string); ok && claim != "" {
		if header != "" && header != claim {
			return "", ErrTenantMismatch
		}
		return claim, nil
	}
	if header != "" {
		return header, nil
	}
	return defaultTenant, nil
}

func setSearchPath(ctx context.Context, conn *pgxpool.Conn, tenantID string) error {
	_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{SchemaName(tenantID)}.Sanitize()+", public")
	return err
}

func acquireTenant(ctx context.Context, pool *pgxpool.Pool, tenantID string) (context.Context, func(), error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, func() {}, fmt.Errorf("acquire connection: %w", err)
	}
	if err := setSearchPath(ctx, conn, tenantID); err != nil {
		conn.Release()
		return ctx, func() {}, fmt.Errorf("set search_path for %s: %w", tenantID, err)
	}
	ctx = context.WithValue(ctx, DBPoolKey, pool)
	return WithTenantConn(ctx, tenantID, conn), conn.Release, nil
}

// WithTenantConn stores a tenant-scoped connection in ctx. Any transaction
// already in ctx belongs to another connection and is hidden.
func WithTenantConn(ctx context.Context, tenantID string, conn *pgxpool.Conn) context.Context {
	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	ctx = context.WithValue(ctx, DBTxKey, nil)
	return context.WithValue(ctx, DBConnKey, conn)
}

// AcquireTenant acquires a connection outside of an HTTP request, e.g. for
// CLI commands and background sweeps. The caller must call release.
func AcquireTenant(ctx context.Context, pool *pgxpool.Pool, tenantID string) (context.Context, func(), error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return ctx, func() {}, fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}
	return acquireTenant(ctx, pool, tenantID)
}

// Fork gives ctx its own connection to the same tenant. A pgx connection
// runs one query at a time, so concurrent readers each fork. Inside a
// request a fork never waits on the pool: once the fork budget is spent it
// queues for the pinned connection instead. Without a tenant connection in
// ctx, Fork returns ctx unchanged.
func Fork(ctx context.Context) (context.Context, func(), error) {
	pool, _ := ctx.Value(DBPoolKey).(*pgxpool.Pool)
	tenantID := TenantFromContext(ctx)
	if pool == nil || tenantID == "" {
		return ctx, func() {}, nil
	}
	st, _ := ctx.Value(dbForkKey).(*forkState)
	if st == nil {
		return acquireTenant(ctx, pool, tenantID)
	}
	done, fresh := st.claim()
	if !fresh {
		return ctx, done, nil
	}
	fctx, release, err := acquireTenant(ctx, pool, tenantID)
	if err != nil {
		done()
		return ctx, func() {}, err
	}
	return fctx, func() {
		release()
		done()
	}, nil
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TxFromContext retrieves an open transaction from context.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the context's tenant connection, or a
// savepoint when one is already open, and returns a context carrying it.
// Repositories prefer the transaction when present.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	var (
		tx  pgx.Tx
		err error
	)
	if parent := TxFromContext(ctx); parent != nil {
		tx, err = parent.Begin(ctx)
	} else {
		conn := ConnFromContext(ctx)
		if conn == nil {
			return ctx, nil, errors.New("no database connection in context")
		}
		tx, err = conn.Begin(ctx)
	}
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// TenantFromSchema is the inverse of SchemaName.
func TenantFromSchema(schema string) (string, bool) {
	id, ok := strings.CutPrefix(schema, "tenant_")
	if !ok || !tenantIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

// ListTenants returns every tenant with a schema in the database.
func ListTenants(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `SELECT schema_name FROM information_schema.schemata
		WHERE schema_name LIKE 'tenant\_%' ORDER BY schema_name`)
	if err != nil {
		return nil, fmt.Errorf("list tenant schemas: %w", err)
	}
	schemas, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list tenant schemas: %w", err)
	}
	var tenants []string
	for _, schema := range schemas {
		if id, ok := TenantFromSchema(schema); ok {
			tenants = append(tenants, id)
		}
	}
	return tenants, nil
}

// CreateTenantSchema creates the tenant's schema and applies every migration
// in source. It returns how many migrations ran.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, source fs.FS) (int, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return 0, fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}
	schema := SchemaName(tenantID)
	n, err := NewMigrator(pool, source).Up(ctx, schema)
	if err != nil {
		return n, fmt.Errorf("migrate %s: %w", schema, err)
	}
	return n, nil
}
