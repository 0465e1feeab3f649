package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, target string) Params {
	t.Helper()
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
	return FromContext(c)
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		target string
		limit  int
		offset int
	}{
		{"/", DefaultLimit, 0},
		{"/?limit=5&offset=10", 5, 10},
		{"/?limit=500", MaxLimit, 0},
		{"/?limit=-3&offset=-1", DefaultLimit, 0},
		{"/?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			p := paramsFor(t, tt.target)
			if p.Limit != tt.limit || p.Offset != tt.offset {
				t.Errorf("got limit=%d offset=%d, want limit=%d offset=%d", p.Limit, p.Offset, tt.limit, tt.offset)
			}
		})
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	r := NewResponse([]int{1, 2}, 5, Params{Limit: 2, Offset: 2})
	if !r.HasMore {
		t.Error("expected HasMore when offset+limit < total")
	}
	r = NewResponse([]int{5}, 5, Params{Limit: 2, Offset: 4})
	if r.HasMore {
		t.Error("expected no more results on the last page")
	}
}

func TestWithLinks(t *testing.T) {
	r := NewResponse(nil, 50, Params{Limit: 10, Offset: 20}).WithLinks("/api/v1/patients/p1/nudges/history")

	if r.Links.Self != "/api/v1/patients/p1/nudges/history?limit=10&offset=20" {
		t.Errorf("unexpected self link %s", r.Links.Self)
	}
	if r.Links.Next != "/api/v1/patients/p1/nudges/history?limit=10&offset=30" {
		t.Errorf("unexpected next link %s", r.Links.Next)
	}
	if r.Links.Prev != "/api/v1/patients/p1/nudges/history?limit=10&offset=10" {
		t.Errorf("unexpected prev link %s", r.Links.Prev)
	}

	first := NewResponse(nil, 5, Params{Limit: 10}).WithLinks("/x")
	if first.Links.Next != "" || first.Links.Prev != "" {
		t.Errorf("expected only a self link on a single page, got %+v", first.Links)
	}
}

func TestPreviousOffset_Floor(t *testing.T) {
	if got := (Params{Limit: 20, Offset: 5}).PreviousOffset(); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}
