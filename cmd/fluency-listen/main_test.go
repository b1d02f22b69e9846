package main

import (
	"testing"

	"github.com/loqalabs/loqa-fluency/internal/stream"
)

func TestResultLineReportsTotalForEveryTranscript(t *testing.T) {
	cases := []struct {
		res  stream.Result
		want string
	}{
		{stream.Result{Text: "貓 狗", NewlyFound: []string{"狗", "貓"}, Total: 2}, "辨識: 貓 狗 | 新答對: 狗、貓 | 累計 2"},
		{stream.Result{Text: "又是貓", Total: 2}, "辨識: 又是貓 | 累計 2"},
	}
	for _, tc := range cases {
		if got := resultLine(tc.res); got != tc.want {
			t.Fatalf("resultLine(%+v) = %q, want %q", tc.res, got, tc.want)
		}
	}
}
