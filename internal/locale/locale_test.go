package locale

import "testing"

func TestParse(t *testing.T) {
	cases := map[string]Locale{"BR": BR, "br": BR, " es ": ES}
	for in, want := range cases {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Parse(%q) = %q, want %q", in, got, want)
		}
	}
	for _, in := range []string{"", "US", "PT-BR"} {
		if _, err := Parse(in); err == nil {
			t.Fatalf("Parse(%q) expected error", in)
		}
	}
}

func TestCurrency(t *testing.T) {
	if BR.Currency() != "BRL" || ES.Currency() != "USD" {
		t.Fatalf("unexpected currencies %s %s", BR.Currency(), ES.Currency())
	}
}
