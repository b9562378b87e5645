package slotpolicy

import (
	"regexp"
	"testing"
)

func TestParseRange(t *testing.T) {
	cases := []struct {
		in        string
		wantStart int
		wantEnd   int
	}{
		{"1-3", 1, 3},
		{"4-5", 4, 5},
		{"", 1, 5},
		{"garbage", 1, 5},
		{"1-", 1, 5},
		{"-5", 1, 5},
	}
	for _, c := range cases {
		got := ParseRange(c.in)
		if got.Start != c.wantStart || got.End != c.wantEnd {
			t.Errorf("ParseRange(%q) = %+v, want {%d %d}", c.in, got, c.wantStart, c.wantEnd)
		}
	}
}

func TestMaxSlot(t *testing.T) {
	p := New("1-3", "4-5")
	if got := p.MaxSlot(); got != 5 {
		t.Errorf("MaxSlot() = %d, want 5", got)
	}
}

func TestClassify(t *testing.T) {
	p := New("1-3", "4-5")
	cases := []struct {
		slot int
		want Class
	}{
		{0, Invalid},
		{1, Named},
		{3, Named},
		{4, Random},
		{5, Random},
		{6, Invalid},
		{-1, Invalid},
	}
	for _, c := range cases {
		if got := p.Classify(c.slot); got != c.want {
			t.Errorf("Classify(%d) = %v, want %v", c.slot, got, c.want)
		}
	}
}

func TestClassify_OverlappingRangesNamedWins(t *testing.T) {
	p := New("1-5", "3-8")
	if got := p.Classify(4); got != Named {
		t.Errorf("Classify(4) in overlap = %v, want Named", got)
	}
}

func TestClassify_OutsideBothRangesButWithinMax(t *testing.T) {
	// named=1-2, random=6-8, max=8. slot=4 is outside both but <= max.
	p := New("1-2", "6-8")
	if got := p.Classify(4); got != Named {
		t.Errorf("Classify(4) outside both ranges = %v, want Named", got)
	}
}

func TestName_NamedSlotOne(t *testing.T) {
	p := New("1-3", "4-5")
	name, err := p.Name("alice", 1)
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	if name != "alice" {
		t.Errorf("Name(alice, 1) = %q, want %q", name, "alice")
	}
}

func TestName_NamedSlotThree(t *testing.T) {
	p := New("1-3", "4-5")
	name, err := p.Name("bob", 3)
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	if name != "bob-3" {
		t.Errorf("Name(bob, 3) = %q, want %q", name, "bob-3")
	}
}

func TestName_RandomSlot(t *testing.T) {
	p := New("1-3", "4-5")
	name, err := p.Name("carol", 4)
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	re := regexp.MustCompile(`^carol-[a-z0-9]{6}$`)
	if !re.MatchString(name) {
		t.Errorf("Name(carol, 4) = %q, want match of %s", name, re.String())
	}
}

func TestName_InvalidSlot(t *testing.T) {
	p := New("1-3", "4-5")
	if _, err := p.Name("dave", 9); err == nil {
		t.Error("Name(dave, 9) expected error for invalid slot, got nil")
	}
}

func TestRandomSuffix_Format(t *testing.T) {
	re := regexp.MustCompile(`^[a-z0-9]{6}$`)
	for i := 0; i < 20; i++ {
		s, err := RandomSuffix()
		if err != nil {
			t.Fatalf("RandomSuffix: %v", err)
		}
		if !re.MatchString(s) {
			t.Errorf("RandomSuffix() = %q, want match of %s", s, re.String())
		}
	}
}
