package version

import "testing"

func TestParseEquivalences(t *testing.T) {
	cases := []struct {
		a, b string
	}{
		{"1.2.3", "v1.2.3"},
		{"1.2.3", "V1.2.3"},
		{"1.2.3-beta", "1.2.3"},
		{"1.2.3+build5", "1.2.3"},
		{"1", "1.0.0"},
		{"1.2", "1.2.0"},
		{"1_2_3", "1.2.3"},
	}
	for _, tc := range cases {
		a, b := Parse(tc.a), Parse(tc.b)
		if !a.Comparable() || !b.Comparable() {
			t.Fatalf("Parse(%q)/Parse(%q) should be comparable", tc.a, tc.b)
		}
		if a.Compare(b) != 0 {
			t.Fatalf("Parse(%q) should equal Parse(%q)", tc.a, tc.b)
		}
	}
}

func TestParseOrdering(t *testing.T) {
	cases := []struct {
		lower, higher string
	}{
		{"1.9.0", "1.10.0"},
		{"1.2.3", "1.2.4"},
		{"1.2.3", "2.0.0"},
		{"0.9", "1"},
		{"1.2.3", "1.2.3.1"},
		{"2024.9.1", "2024.10.0"},
	}
	for _, tc := range cases {
		a, b := Parse(tc.lower), Parse(tc.higher)
		if !a.Less(b) {
			t.Fatalf("expected %q < %q", tc.lower, tc.higher)
		}
		if b.Less(a) {
			t.Fatalf("did not expect %q < %q", tc.higher, tc.lower)
		}
	}
}

func TestParseIsTotal(t *testing.T) {
	for _, s := range []string{"", "v", "beta", "latest", "-", "...", "v-", "release_candidate"} {
		key := Parse(s)
		if key.Comparable() {
			t.Fatalf("Parse(%q) should be incomparable", s)
		}
	}
}

func TestParseDiscardsNonNumericSegments(t *testing.T) {
	// "1.2.3-beta" and "1.2.3-4" differ: the digit segment after the dash counts.
	if Parse("1.2.3-4").Compare(Parse("1.2.3")) <= 0 {
		t.Fatal("expected trailing numeric segment to order higher")
	}
	if Parse("1.2rc1.3").Compare(Parse("1.2.3")) != 0 {
		t.Fatal("expected leading digit run of each segment to be used")
	}
}
