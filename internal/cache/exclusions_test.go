package cache

import "testing"

func TestExclusionListExactAndPattern(t *testing.T) {
	el, err := NewExclusionList(
		[]string{"gpt-4o-realtime", ""},
		[]string{`^o[0-9]+(-.*)?$`},
	)
	if err != nil {
		t.Fatalf("NewExclusionList: %v", err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"gpt-4o-realtime", true},
		{"gpt-4o", false},
		{"o1", true},
		{"o3-mini", true},
		{"not-o1", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := el.Excluded(tc.model); got != tc.want {
			t.Errorf("Excluded(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}

	if el.Rules() != 2 {
		t.Fatalf("Rules() = %d, want 2 (empty strings dropped)", el.Rules())
	}
}

func TestExclusionListInvalidPattern(t *testing.T) {
	if _, err := NewExclusionList(nil, []string{"("}); err == nil {
		t.Fatal("expected compile error for invalid pattern")
	}
}

func TestExclusionListNilSafe(t *testing.T) {
	var el *ExclusionList
	if el.Excluded("gpt-4o") {
		t.Fatal("nil list must exclude nothing")
	}
	if el.Rules() != 0 {
		t.Fatal("nil list has no rules")
	}
}
