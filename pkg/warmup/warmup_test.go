package warmup

import "testing"

func TestCounterCountsDown(t *testing.T) {
	var c Counter
	if c.Active() {
		t.Fatal("zero counter should be inactive")
	}

	c.Reset(3)
	for i := 0; i < 3; i++ {
		if !c.Active() {
			t.Fatalf("tick %d: counter went inactive early", i)
		}
		c.Tick()
	}
	if c.Active() {
		t.Errorf("counter should be inactive after 3 ticks, remaining=%d", c.Remaining())
	}

	c.Tick()
	if c.Remaining() != 0 {
		t.Errorf("counter went negative: %d", c.Remaining())
	}
}

func TestCounterResetNegative(t *testing.T) {
	var c Counter
	c.Reset(-4)
	if c.Active() || c.Remaining() != 0 {
		t.Errorf("negative reset: remaining=%d", c.Remaining())
	}
}
