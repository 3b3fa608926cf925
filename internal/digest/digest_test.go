package digest

import "testing"

func TestRewardSignal(t *testing.T) {
	cases := []struct {
		text string
		want float64
	}{
		{"thanks, that was exactly it", 1.0},
		{"perfect", 1.0},
		{"that's not what I asked for", -1.0},
		{"no, the other one", -1.0},
		{"what about the second option", 0},
		{"", 0},
	}
	for _, c := range cases {
		if got := rewardSignal(c.text); got != c.want {
			t.Errorf("rewardSignal(%q) = %f, want %f", c.text, got, c.want)
		}
	}
}

func TestRewardSignalPositiveBeatsNegative(t *testing.T) {
	// Positive phrases are checked first
	if got := rewardSignal("thanks, but that's not quite right"); got != 1.0 {
		t.Errorf("got %f, want 1.0", got)
	}
}

func TestFloatSlice(t *testing.T) {
	if got := floatSlice([]float64{1, 2}); len(got) != 2 {
		t.Errorf("direct slice: %v", got)
	}
	// JSON round trips produce []any
	if got := floatSlice([]any{1.5, 2.5}); len(got) != 2 || got[0] != 1.5 {
		t.Errorf("decoded slice: %v", got)
	}
	if got := floatSlice("nope"); got != nil {
		t.Errorf("non-slice: %v", got)
	}
}
