package timedrule

import (
	"testing"
	"time"
)

func at(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestEveryMacro(t *testing.T) {
	now := at(2023, 6, 1, 10, 0)
	r, err := Parse("@every 5m", now)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !r.NextExecution().Equal(now) {
		t.Fatalf("first fire should be immediate: got %v", r.NextExecution())
	}
	r.MarkExecuted(now)
	want := now.Add(5 * time.Minute)
	if !r.NextExecution().Equal(want) {
		t.Fatalf("got %v want %v", r.NextExecution(), want)
	}
}

func TestCronliteWildcardEverything(t *testing.T) {
	now := at(2023, 6, 1, 10, 30)
	r, err := Parse("* * *", now)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !r.IsUp(now) {
		t.Fatal("wildcard rule should always be up")
	}
}

func TestCronliteFixedMinuteRollsToNextHour(t *testing.T) {
	// fires only at minute 5 of every hour; starting at 10:30 the next
	// firing must be 11:05, not a same-hour candidate.
	now := at(2023, 6, 1, 10, 30)
	r, err := Parse("5 * *", now)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := at(2023, 6, 1, 11, 5)
	if !r.NextExecution().Equal(want) {
		t.Fatalf("got %v want %v", r.NextExecution(), want)
	}
}

func TestCronliteDayOfWeekRollsForward(t *testing.T) {
	// 2023-06-01 is a Thursday (weekday 4). Restrict to Monday (1) at 09:00.
	now := at(2023, 6, 1, 10, 30)
	r, err := Parse("0 9 MON", now)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := at(2023, 6, 5, 9, 0) // next Monday
	if !r.NextExecution().Equal(want) {
		t.Fatalf("got %v want %v", r.NextExecution(), want)
	}
}

func TestCronliteCommaListMinuteWildcardHour(t *testing.T) {
	now := at(2023, 6, 1, 10, 16)
	r, err := Parse("0,15,30,45 * *", now)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := at(2023, 6, 1, 10, 30)
	if !r.NextExecution().Equal(want) {
		t.Fatalf("got %v want %v", r.NextExecution(), want)
	}
}

func TestCronliteMidnightRollover(t *testing.T) {
	now := at(2023, 6, 1, 23, 45)
	r, err := Parse("0 0 *", now)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := at(2023, 6, 2, 0, 0)
	if !r.NextExecution().Equal(want) {
		t.Fatalf("got %v want %v", r.NextExecution(), want)
	}
}

func TestParseRejectsOutOfRangeHour(t *testing.T) {
	if _, err := Parse("0 24 *", time.Now()); err == nil {
		t.Fatal("expected rejection of hour=24")
	}
}

func TestParseRejectsMalformedExpression(t *testing.T) {
	for _, expr := range []string{"", "5 5", "5 5 5 5", "@every 5", "@every x5m"} {
		if _, err := Parse(expr, time.Now()); err == nil {
			t.Fatalf("expected error for %q", expr)
		}
	}
}

func TestDayNamesCaseInsensitive(t *testing.T) {
	now := at(2023, 6, 1, 0, 0)
	if _, err := Parse("0 0 mon,wed,fri", now); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}
