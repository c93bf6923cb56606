package cmd

import (
	"testing"
	"time"
)

func TestParseDay(t *testing.T) {
	if got, err := parseDay(""); err != nil || got != 0 {
		t.Fatalf("empty: %d, %v", got, err)
	}

	got, err := parseDay("2024-06-01")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 6, 1, 0, 0, 0, 0, time.Local).Unix()
	if got != want {
		t.Fatalf("parseDay = %d, want %d", got, want)
	}

	if _, err := parseDay("june 1st"); err == nil {
		t.Fatal("expected error for unparseable date")
	}
}

func TestFormatTs(t *testing.T) {
	cases := []struct {
		sec  float64
		want string
	}{
		{0, "0:00"},
		{4, "0:04"},
		{59.6, "1:00"},
		{125, "2:05"},
	}
	for _, tc := range cases {
		if got := formatTs(tc.sec); got != tc.want {
			t.Errorf("formatTs(%v) = %q, want %q", tc.sec, got, tc.want)
		}
	}
}
