package vision

import (
	"image"
	"testing"
)

func TestBaselineConsecutive(t *testing.T) {
	b := NewBaseline(Consecutive, DefaultMaxHold)
	f1, f2 := grayFrame(4, 4, 1), grayFrame(4, 4, 2)

	if b.Reference() != nil {
		t.Fatal("reference before first frame")
	}
	b.Update(f1, false)
	b.Update(f2, true)
	if b.Reference() != f2 {
		t.Fatal("consecutive policy must always advance")
	}
}

func TestBaselineSettleHoldsDuringChange(t *testing.T) {
	b := NewBaseline(Settle, 3)
	quiet := grayFrame(4, 4, 0)
	b.Update(quiet, false)

	for i := 0; i < 2; i++ {
		b.Update(grayFrame(4, 4, 200), true)
		if b.Reference() != quiet {
			t.Fatalf("step %d: reference advanced during change", i)
		}
	}
	last := grayFrame(4, 4, 200)
	b.Update(last, true)
	if b.Reference() != last {
		t.Fatal("reference not rebased after MaxHold")
	}

	settled := grayFrame(4, 4, 5)
	b.Update(settled, false)
	if b.Reference() != settled {
		t.Fatal("quiet frame must advance reference")
	}
}

func TestBaselineFirstFrameAlwaysTaken(t *testing.T) {
	b := NewBaseline(Settle, 0)
	f := grayFrame(2, 2, 9)
	b.Update(f, true)
	if b.Reference() != f {
		t.Fatal("first frame must become reference")
	}
	for i := 0; i < 100; i++ {
		b.Update(grayFrame(2, 2, 100), true)
	}
	if b.Reference() != f {
		t.Fatal("maxHold <= 0 must never force a rebase")
	}
	b.Reset()
	if b.Reference() != nil {
		t.Fatal("Reset kept reference")
	}
}

// Изменение, которое держится несколько кадров, видно на каждом из них
// при Settle и только на первом при Consecutive.
func TestBaselinePersistentChange(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	dark := grayFrame(64, 64, 0)
	lit := withSquare(dark, image.Rect(10, 10, 40, 40), 255)
	frames := []*image.Gray{dark, lit, lit, lit, dark}

	run := func(policy BaselinePolicy) []bool {
		b := NewBaseline(policy, DefaultMaxHold)
		var out []bool
		for _, f := range frames {
			regions, err := d.Detect(b.Reference(), f)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			out = append(out, len(regions) > 0)
			b.Update(f, len(regions) > 0)
		}
		return out
	}

	tests := []struct {
		policy BaselinePolicy
		want   []bool
	}{
		{Settle, []bool{false, true, true, true, false}},
		{Consecutive, []bool{false, true, false, false, true}},
	}
	for _, tt := range tests {
		got := run(tt.policy)
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("policy %d: changed = %v, want %v", tt.policy, got, tt.want)
			}
		}
	}
}
