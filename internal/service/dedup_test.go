package service

import "testing"

func TestDiffersBySequelNumber(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"toy story", "toy story 2", true},
		{"rocky", "rocky ii", true},
		{"star wars episode iv", "star wars episode v", true},
		{"the godfather part ii", "the godfather part iii", true},
		{"three colours blue", "three colours red", false},
		{"crouching tiger hidden dragon", "crouching tiger hiden dragon", false},
		{"heat", "heathers", false},
		{"paris texas", "paris texas", false},
	}
	for _, tt := range tests {
		if got := differsBySequelNumber(tt.a, tt.b); got != tt.want {
			t.Errorf("differsBySequelNumber(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestEditSimilarity(t *testing.T) {
	if got := editSimilarity("heat", "heathers"); got >= 0.9 {
		t.Errorf("heat/heathers = %.2f, should stay below the merge threshold", got)
	}
	if got := editSimilarity("crouching tiger hidden dragon", "crouching tiger hiden dragon"); got < 0.9 {
		t.Errorf("single typo = %.2f, want >= 0.9", got)
	}
	if got := editSimilarity("", ""); got != 1 {
		t.Errorf("empty = %.2f, want 1", got)
	}
}
