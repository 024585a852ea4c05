package version

import (
	"context"
	"sort"
	"testing"
)

func TestCompareRPM(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "2.0", -1},
		{"2.0.1", "2.0", 1},
		{"2.10", "2.9", 1},
		{"1.01", "1.1", 0},
		{"1.0", "1.0.0", -1},
		{"1.0a", "1.0", 1},
		{"a", "1", -1},
		{"1.0~rc1", "1.0", -1},
		{"1.0~rc1", "1.0~rc2", -1},
		{"1.0^git1", "1.0", 1},
		{"1.0^git1", "1.0.1", -1},
		{"1:1.0-1", "2.0-1", 1},
		{"0:2.0-1", "2.0-1", 0},
		{"1.0-1", "1.0-2", -1},
		{"1.0-1", "1.0", 1},
		{"1:2.0-1", "1:1.9-3", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			if got := CompareRPM(tt.a, tt.b); got != tt.want {
				t.Errorf("CompareRPM(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestCompareDebian(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "1.00", 0},
		{"0:1.0", "1.0", 0},
		{"1.0~rc1", "1.0", -1},
		{"1.0~~", "1.0~", -1},
		{"1:1.0", "2.0", 1},
		{"1.0-1", "1.0-2", -1},
		{"1.0a", "1.0", 1},
		{"1.0+b1", "1.0", 1},
		{"2.10", "2.9", 1},
		{"2:8.2.3995-1ubuntu2.15", "2:8.2.3995-1ubuntu2", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			if got := CompareDebian(tt.a, tt.b); got != tt.want {
				t.Errorf("CompareDebian(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestCompareGeneric(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0.0", 0},
		{"1.0.a", "1.0", -1},
		{"1.10", "1.9", 1},
		{"1.0.rc1", "1.0.rc2", -1},
		{"2", "1.9.9", 1},
		{"1.0.0.1", "1", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			if got := CompareGeneric(tt.a, tt.b); got != tt.want {
				t.Errorf("CompareGeneric(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestComparatorOrdering(t *testing.T) {
	samples := map[string][]string{
		"rpm":     {"1.0", "1.0~rc1", "1.0^post", "1.0.1", "2:0.1", "1.0-1", "1.0-2", "1.0a", "10", "9.9"},
		"deb":     {"1.0", "1.0~rc1", "1.0+b1", "1:0.1", "1.0-1", "1.0-2", "1.0a", "10", "9.9", "1.0~~"},
		"generic": {"1.0", "1.0.0", "1.0.a", "1.0.b", "1.1", "2", "1.9.9", "0.9"},
	}

	ctx := context.Background()
	for eco, versions := range samples {
		t.Run(eco, func(t *testing.T) {
			cmp, err := ForEcosystem(eco)
			if err != nil {
				t.Fatalf("ForEcosystem(%q) error = %v", eco, err)
			}
			c := func(a, b string) int {
				n, err := cmp.Compare(ctx, a, b)
				if err != nil {
					t.Fatalf("Compare(%q, %q) error = %v", a, b, err)
				}
				return n
			}

			for _, a := range versions {
				if c(a, a) != 0 {
					t.Errorf("compare(%q, %q) != 0", a, a)
				}
				for _, b := range versions {
					if c(a, b) != -c(b, a) {
						t.Errorf("compare(%q, %q) = %d but compare(%q, %q) = %d", a, b, c(a, b), b, a, c(b, a))
					}
				}
			}

			sorted := append([]string(nil), versions...)
			sort.SliceStable(sorted, func(i, j int) bool { return c(sorted[i], sorted[j]) < 0 })
			for i := 0; i < len(sorted); i++ {
				for j := i + 1; j < len(sorted); j++ {
					if c(sorted[i], sorted[j]) > 0 {
						t.Errorf("ordering not transitive: %q sorted before %q", sorted[i], sorted[j])
					}
				}
			}
		})
	}
}

func TestForEcosystemUnknown(t *testing.T) {
	if _, err := ForEcosystem("cargo"); err == nil {
		t.Error("expected error for unknown ecosystem")
	}
}

func TestParseEVR(t *testing.T) {
	evr := ParseEVR("1:2.4.6-3.el9")
	if evr.Epoch != "1" || evr.Version != "2.4.6" || evr.Release != "3.el9" {
		t.Errorf("ParseEVR() = %+v", evr)
	}
	if got := (EVR{Epoch: "0", Version: "1.2", Release: "1"}).String(); got != "1.2-1" {
		t.Errorf("String() = %q, want %q", got, "1.2-1")
	}
}

func TestSplitConstraint(t *testing.T) {
	tests := []struct {
		in, op, v string
	}{
		{"1.2", "=", "1.2"},
		{">= 1.2", ">=", "1.2"},
		{"<=1.2-3", "<=", "1.2-3"},
		{"==1:2.0", "==", "1:2.0"},
		{" > 2", ">", "2"},
		{"<3", "<", "3"},
		{"=4", "=", "4"},
		{"", "=", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			op, v := SplitConstraint(tt.in)
			if op != tt.op || v != tt.v {
				t.Errorf("SplitConstraint(%q) = %q, %q, want %q, %q", tt.in, op, v, tt.op, tt.v)
			}
		})
	}
}
