package types

// MetricSet maps a metric name to the median of its repeated measurements.
type MetricSet map[string]float64

// Get returns the value for name and whether it was measured.
func (m MetricSet) Get(name string) (float64, bool) {
	v, ok := m[name]
	return v, ok
}

// Lookup returns a pointer to the value, or nil when it was not measured.
func (m MetricSet) Lookup(name string) *float64 {
	v, ok := m[name]
	if !ok {
		return nil
	}
	return &v
}

// Clone returns a copy that can be handed to other goroutines.
func (m MetricSet) Clone() MetricSet {
	if m == nil {
		return nil
	}
	out := make(MetricSet, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
