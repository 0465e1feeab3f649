package scheduling

import (
	"reflect"
	"testing"
)

func TestNormalizeStatuses(t *testing.T) {
	got := NormalizeStatuses([]string{"Scheduled", " CONFIRMED ", "", "booked"})
	want := []string{"scheduled", "confirmed", "booked"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeStatuses() = %v, want %v", got, want)
	}
}

func TestUpcomingStatuses(t *testing.T) {
	if !reflect.DeepEqual(NormalizeStatuses(UpcomingStatuses), UpcomingStatuses) {
		t.Error("expected upcoming statuses to already be normalized")
	}
}
