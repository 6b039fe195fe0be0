package metric

// MetricItem is one module's counter bundle. Implementations serialize
// their own fields; the set only routes by label.
type MetricItem interface {
	JSONString() string
}

type mockMetricItem struct {
	name string
}

func (mock *mockMetricItem) JSONString() string {
	return mock.name
}
