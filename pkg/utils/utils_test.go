package utils

import "testing"

func TestAlignTo(t *testing.T) {
	cases := []struct{ val, align, want uint64 }{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{17, 1, 17},
		{5, 0, 5},
	}
	for _, tc := range cases {
		if got := AlignTo(tc.val, tc.align); got != tc.want {
			t.Errorf("AlignTo(%d, %d) = %d, want %d", tc.val, tc.align, got, tc.want)
		}
	}
}

func TestRemovePrefix(t *testing.T) {
	if s, ok := RemovePrefix("$1234", "$"); !ok || s != "1234" {
		t.Errorf("got %q, %v", s, ok)
	}
	if s, ok := RemovePrefix("1234", "$"); ok || s != "1234" {
		t.Errorf("got %q, %v", s, ok)
	}
}
