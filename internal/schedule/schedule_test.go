package schedule

import (
	"errors"
	"testing"
	"time"
)

func mustParse(t *testing.T, v string) time.Time {
	t.Helper()
	ts, err := Parse(v, time.UTC)
	if err != nil {
		t.Fatalf("parse %q: %v", v, err)
	}
	return ts
}

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "05/03/2026 08:30", want: time.Date(2026, 3, 5, 8, 30, 0, 0, time.UTC)},
		{in: " 31/12/2026 23:59 ", want: time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC)},
		{in: "2026-03-05 08:30", wantErr: true},
		{in: "32/01/2026 08:30", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in, nil)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidDateTime) {
				t.Fatalf("Parse(%q) err=%v, want ErrInvalidDateTime", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q) unexpected err: %v", tc.in, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("Parse(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestPastGrace(t *testing.T) {
	dep := mustParse(t, "10/06/2026 09:00")
	if PastGrace(dep, dep.Add(14*time.Minute), DefaultGracePeriod) {
		t.Fatalf("T+14m must still be within grace")
	}
	if PastGrace(dep, dep.Add(15*time.Minute), DefaultGracePeriod) {
		t.Fatalf("T+15m is the boundary and not past grace")
	}
	if !PastGrace(dep, dep.Add(16*time.Minute), DefaultGracePeriod) {
		t.Fatalf("T+16m must be past grace")
	}
}

func TestStartReached(t *testing.T) {
	dep := mustParse(t, "10/06/2026 09:00")
	if StartReached(dep, dep.Add(-time.Second)) {
		t.Fatalf("start must not be reached before departure")
	}
	if !StartReached(dep, dep) {
		t.Fatalf("start must be reached at departure")
	}
}

func TestNextWeekKeepsWallClock(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	dep, err := Parse("25/03/2026 08:00", loc)
	if err != nil {
		t.Fatal(err)
	}
	next := NextWeek(dep)
	if got := Format(next); got != "01/04/2026 08:00" {
		t.Fatalf("next week = %s", got)
	}
}

func TestParseWeekdays(t *testing.T) {
	got, err := ParseWeekdays([]string{"Monday", "friday", "MONDAY"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != time.Monday || got[1] != time.Friday {
		t.Fatalf("unexpected weekdays %v", got)
	}
	if _, err := ParseWeekdays([]string{"Funday"}); err == nil {
		t.Fatalf("expected error for unknown day")
	}
}

func TestConflicts(t *testing.T) {
	// 10/06/2026 is a Wednesday.
	wed9 := mustParse(t, "10/06/2026 09:00")
	wed930 := mustParse(t, "10/06/2026 09:30")
	wed11 := mustParse(t, "10/06/2026 11:00")
	nextWed915 := mustParse(t, "17/06/2026 09:15")
	prevWed915 := mustParse(t, "03/06/2026 09:15")

	cases := []struct {
		name string
		a, b Slot
		want bool
	}{
		{"one-off close", Slot{Departure: wed9}, Slot{Departure: wed930}, true},
		{"one-off far", Slot{Departure: wed9}, Slot{Departure: wed11}, false},
		{"one-off next week", Slot{Departure: wed9}, Slot{Departure: nextWed915}, false},
		{"recurring vs later one-off", Slot{Departure: wed9, Days: []time.Weekday{time.Wednesday}}, Slot{Departure: nextWed915}, true},
		{"recurring vs earlier one-off", Slot{Departure: wed9, Days: []time.Weekday{time.Wednesday}}, Slot{Departure: prevWed915}, false},
		{"recurring other day", Slot{Departure: wed9, Days: []time.Weekday{time.Monday}}, Slot{Departure: nextWed915}, false},
		{"both recurring shared day", Slot{Departure: wed9, Days: []time.Weekday{time.Monday, time.Friday}}, Slot{Departure: wed930, Days: []time.Weekday{time.Friday}}, true},
		{"both recurring no shared day", Slot{Departure: wed9, Days: []time.Weekday{time.Monday}}, Slot{Departure: wed930, Days: []time.Weekday{time.Friday}}, false},
	}
	for _, tc := range cases {
		if got := Conflicts(tc.a, tc.b, ConflictWindow); got != tc.want {
			t.Errorf("%s: Conflicts=%v want %v", tc.name, got, tc.want)
		}
		if got := Conflicts(tc.b, tc.a, ConflictWindow); got != tc.want {
			t.Errorf("%s (swapped): Conflicts=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestClockDistanceWrapsMidnight(t *testing.T) {
	a := mustParse(t, "10/06/2026 23:40")
	b := mustParse(t, "10/06/2026 00:10")
	if d := clockDistance(a, b); d != 30*time.Minute {
		t.Fatalf("clockDistance=%v", d)
	}
}
