package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
)

type fakeTx struct{ pgx.Tx }

func tenantContext(header, claim string) echo.Context {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/p1/nudges", nil)
	if header != "" {
		req.Header.Set(TenantHeader, header)
	}
	c := echo.New().NewContext(req, httptest.NewRecorder())
	if claim != "" {
		c.Set("jwt_tenant_id", claim)
	}
	return c
}

func TestResolveTenant(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		claim   string
		want    string
		wantErr error
	}{
		{"default", "", "", "default", nil},
		{"header only", "clinic_north", "", "clinic_north", nil},
		{"claim only", "", "clinic_south", "clinic_south", nil},
		{"header repeats claim", "clinic_south", "clinic_south", "clinic_south", nil},
		{"header contradicts claim", "clinic_north", "clinic_south", "", ErrTenantMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveTenant(tenantContext(tt.header, tt.claim), "default")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("tenant = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveTenant_IgnoresQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?tenant_id=other", nil)
	c := echo.New().NewContext(req, httptest.NewRecorder())
	got, _ := resolveTenant(c, "default")
	if got != "default" {
		t.Errorf("expected query parameter to be ignored, got %q", got)
	}
}

func TestTenantMiddleware_RejectsBeforeAcquire(t *testing.T) {
	tests := []struct {
		name   string
		header string
		claim  string
		status int
	}{
		{"mismatch", "clinic_north", "clinic_south", http.StatusForbidden},
		{"invalid id", "north; DROP SCHEMA", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// nil pool: rejection must happen before any acquire.
			mw := TenantMiddleware(nil, "default")
			err := mw(func(c echo.Context) error {
				t.Fatal("handler must not run")
				return nil
			})(tenantContext(tt.header, tt.claim))

			he, ok := err.(*echo.HTTPError)
			if !ok || he.Code != tt.status {
				t.Fatalf("expected %d, got %v", tt.status, err)
			}
		})
	}
}

func TestTenantIDPattern(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"default", true},
		{"clinic_7", true},
		{"A1B2", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"'; DROP TABLE", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tenantIDPattern.MatchString(tt.input); got != tt.valid {
			t.Errorf("tenantIDPattern.MatchString(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestContextAccessors_Empty(t *testing.T) {
	ctx := context.Background()
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx")
	}
	if TenantFromContext(ctx) != "" {
		t.Error("expected empty tenant")
	}
}

func TestContextAccessors_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	ctx = context.WithValue(ctx, DBTxKey, "not-a-tx")
	ctx = context.WithValue(ctx, TenantIDKey, 12345)
	if ConnFromContext(ctx) != nil || TxFromContext(ctx) != nil || TenantFromContext(ctx) != "" {
		t.Error("expected zero values for wrongly typed context entries")
	}
}

func TestWithTenantConn_HidesOuterTx(t *testing.T) {
	var outer fakeTx
	ctx := context.WithValue(context.Background(), DBTxKey, &outer)
	ctx = WithTenantConn(ctx, "north", nil)

	if TenantFromContext(ctx) != "north" {
		t.Errorf("expected north, got %s", TenantFromContext(ctx))
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected the outer transaction to be hidden")
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	if _, _, err := WithTx(context.Background()); err == nil {
		t.Error("expected error when no connection in context")
	}
}

func TestFork_WithoutTenantIsNoop(t *testing.T) {
	ctx := context.WithValue(context.Background(), TenantIDKey, "north")
	forked, release, err := Fork(ctx)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	release()
	if forked != ctx {
		t.Error("expected ctx unchanged without a pool")
	}
}

func TestAcquireTenant_InvalidID(t *testing.T) {
	ctx, release, err := AcquireTenant(context.Background(), nil, "bad-id")
	if err == nil {
		t.Fatal("expected error for invalid tenant ID")
	}
	release()
	if ConnFromContext(ctx) != nil {
		t.Error("expected no connection in context after failure")
	}
}

func TestCreateTenantSchema_InvalidIDs(t *testing.T) {
	for _, id := range []string{"invalid-id!", "tenant.with.dot", "ten ant", "drop;table"} {
		if _, err := CreateTenantSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for invalid tenant ID %q", id)
		}
	}
}

func TestSchemaName(t *testing.T) {
	if got := SchemaName("default"); got != "tenant_default" {
		t.Errorf("expected tenant_default, got %s", got)
	}
}

func TestTenantFromSchema(t *testing.T) {
	tests := []struct {
		schema string
		id     string
		ok     bool
	}{
		{"tenant_default", "default", true},
		{"tenant_clinic_7", "clinic_7", true},
		{"tenant_", "", false},
		{"public", "", false},
		{"tenant_bad-id", "", false},
	}
	for _, tt := range tests {
		id, ok := TenantFromSchema(tt.schema)
		if id != tt.id || ok != tt.ok {
			t.Errorf("TenantFromSchema(%q) = %q, %v; want %q, %v", tt.schema, id, ok, tt.id, tt.ok)
		}
		if ok && SchemaName(id) != tt.schema {
			t.Errorf("SchemaName(%q) does not round-trip", id)
		}
	}
}
