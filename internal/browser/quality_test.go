package browser

import "testing"

func TestQualityControllerStartsAtDefault(t *testing.T) {
	q := NewQualityController()
	if got := q.Quality(); got != QualityDefault {
		t.Fatalf("got %d, want %d", got, QualityDefault)
	}
}

func TestQualityControllerStepsDownAfterHysteresis(t *testing.T) {
	q := NewQualityController()

	for i := 0; i < hysteresisSamples-1; i++ {
		if _, changed := q.Observe(500); changed {
			t.Fatalf("changed before hysteresis threshold at sample %d", i)
		}
	}
	newQuality, changed := q.Observe(500)
	if !changed {
		t.Fatal("expected quality to change on the hysteresisSamples-th high-latency sample")
	}
	if newQuality != QualityDefault-QualityStep {
		t.Fatalf("got %d, want %d", newQuality, QualityDefault-QualityStep)
	}
}

func TestQualityControllerStepsUpAfterHysteresis(t *testing.T) {
	q := NewQualityController()

	for i := 0; i < hysteresisSamples; i++ {
		q.Observe(50)
	}
	if got := q.Quality(); got != QualityDefault+QualityStep {
		t.Fatalf("got %d, want %d", got, QualityDefault+QualityStep)
	}
}

func TestQualityControllerClampsAtBounds(t *testing.T) {
	q := NewQualityController()

	// Drive far below QualityMin with many rounds of sustained high latency.
	for round := 0; round < 20; round++ {
		for i := 0; i < hysteresisSamples; i++ {
			q.Observe(1000)
		}
	}
	if got := q.Quality(); got != QualityMin {
		t.Fatalf("got %d, want clamped at %d", got, QualityMin)
	}

	q2 := NewQualityController()
	for round := 0; round < 20; round++ {
		for i := 0; i < hysteresisSamples; i++ {
			q2.Observe(10)
		}
	}
	if got := q2.Quality(); got != QualityMax {
		t.Fatalf("got %d, want clamped at %d", got, QualityMax)
	}
}

func TestQualityControllerMidRangeSampleResetsStreaks(t *testing.T) {
	q := NewQualityController()

	q.Observe(500)
	q.Observe(500)
	// A low sample pulls the EWMA back into the mid-range, resetting the
	// streak; the very next high sample alone can't re-cross hysteresisSamples.
	q.Observe(10)
	if _, changed := q.Observe(500); changed {
		t.Fatal("streak should have been reset by the low-latency sample")
	}
}

func TestQualityControllerNoChangeWithinSteadyLatency(t *testing.T) {
	q := NewQualityController()
	for i := 0; i < 10; i++ {
		if _, changed := q.Observe(250); changed {
			t.Fatalf("unexpected change at steady mid-range latency, sample %d", i)
		}
	}
	if got := q.Quality(); got != QualityDefault {
		t.Fatalf("got %d, want unchanged %d", got, QualityDefault)
	}
}
