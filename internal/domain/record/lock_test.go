package record

import (
	"testing"
	"time"
)

func TestDeriveLock(t *testing.T) {
	now := time.Now()
	timed := &TimeMarker{Code: "recovery_discharge", Time: &now}
	timeless := &TimeMarker{Code: "recovery_discharge"}

	cases := []struct {
		name     string
		old      *TimeMarker
		incoming *TimeMarker
		locked   bool
		want     lockAction
	}{
		{"omitted leaves unlocked alone", nil, nil, false, lockNone},
		{"omitted leaves locked alone", timed, nil, true, lockNone},
		{"time gained engages", nil, timed, false, lockEngage},
		{"time still present while unlocked repairs", timed, timed, false, lockEngage},
		{"time still present while locked holds", timed, timed, true, lockNone},
		{"time cleared releases", timed, timeless, true, lockRelease},
		{"timeless while unlocked is a no-op", nil, timeless, false, lockNone},
		{"timeless when it never had time holds the lock", timeless, timeless, true, lockNone},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := deriveLock(tc.old, tc.incoming, tc.locked); got != tc.want {
				t.Fatalf("deriveLock = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMergeMarkers(t *testing.T) {
	t1 := time.Now().Add(-time.Hour)
	t2 := time.Now()

	existing := []TimeMarker{
		{Code: "induction_start", Time: &t1},
		{Code: "incision", Time: &t1},
	}
	merged := mergeMarkers(existing, []TimeMarker{
		{Code: "incision", Time: &t2},
		{Code: "recovery_discharge", Time: &t2},
	})

	if len(merged) != 3 {
		t.Fatalf("got %d markers, want 3", len(merged))
	}
	// Existing codes keep their position; new codes append.
	if merged[0].Code != "induction_start" || merged[1].Code != "incision" || merged[2].Code != "recovery_discharge" {
		t.Fatalf("unexpected order: %+v", merged)
	}
	if !merged[1].Time.Equal(t2) {
		t.Fatal("incision should carry the incoming time")
	}
}

func TestHasValidTime(t *testing.T) {
	var zero time.Time
	now := time.Now()

	if (&TimeMarker{Code: "x"}).HasValidTime() {
		t.Fatal("nil time should not be valid")
	}
	if (&TimeMarker{Code: "x", Time: &zero}).HasValidTime() {
		t.Fatal("zero time should not be valid")
	}
	if !(&TimeMarker{Code: "x", Time: &now}).HasValidTime() {
		t.Fatal("real time should be valid")
	}
}
