package metrics

type nopCounter struct{}

func (nopCounter) Inc()        {}
func (nopCounter) Add(float64) {}

type nopGauge struct{}

func (nopGauge) Set(float64) {}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopCounter returns a no-op Counter.
func NopCounter() Counter { return nopCounter{} }

// NopGauge returns a no-op Gauge.
func NopGauge() Gauge { return nopGauge{} }

// NopTimer returns a no-op Timer.
func NopTimer() Timer { return nopTimer{} }
