package util

import "testing"

func TestMinMax(t *testing.T) {
	if Min(3, 5) != 3 {
		t.Fatalf("Min(3, 5) != 3")
	}
	if Min(5, 3) != 3 {
		t.Fatalf("Min(5, 3) != 3")
	}
	if Max(3, 5) != 5 {
		t.Fatalf("Max(3, 5) != 5")
	}
	if Max(5, 3) != 5 {
		t.Fatalf("Max(5, 3) != 5")
	}
}

func TestRounddown(t *testing.T) {
	cases := []struct{ v, b, want uintptr }{
		{0, 4096, 0},
		{1, 4096, 0},
		{4095, 4096, 0},
		{4096, 4096, 4096},
		{4097, 4096, 4096},
		{8192, 4096, 8192},
	}
	for _, c := range cases {
		if got := Rounddown(c.v, c.b); got != c.want {
			t.Errorf("Rounddown(%d, %d) = %d, want %d", c.v, c.b, got, c.want)
		}
	}
}

func TestRoundup(t *testing.T) {
	cases := []struct{ v, b, want uintptr }{
		{0, 4096, 0},
		{1, 4096, 4096},
		{4095, 4096, 4096},
		{4096, 4096, 4096},
		{4097, 4096, 8192},
	}
	for _, c := range cases {
		if got := Roundup(c.v, c.b); got != c.want {
			t.Errorf("Roundup(%d, %d) = %d, want %d", c.v, c.b, got, c.want)
		}
	}
}

func TestIntSignedness(t *testing.T) {
	if Min(-5, 3) != -5 {
		t.Fatalf("Min(-5, 3) != -5 for signed ints")
	}
	if Max(-5, 3) != 3 {
		t.Fatalf("Max(-5, 3) != 3 for signed ints")
	}
}
