package metrics

// Collectors shared by every binary that publishes or consumes events.
var (
	EventsPublished = NewCounterVec(Opts{
		Name: "sync_events_published_total",
		Help: "Events handed to the broker, by topic, event name and result.",
	}, []string{"topic", "event", "result"})

	EventsConsumed = NewCounterVec(Opts{
		Name: "sync_events_consumed_total",
		Help: "Deliveries processed by the consumer loop, by topic, event name and outcome.",
	}, []string{"topic", "event", "outcome"})

	HandlerRetries = NewCounterVec(Opts{
		Name: "sync_handler_retries_total",
		Help: "In-place handler retries after an apply failure.",
	}, []string{"topic", "event"})

	DeliveriesInFlight = NewGaugeVec(Opts{
		Name: "sync_deliveries_in_flight",
		Help: "Deliveries currently being handled, by topic.",
	}, []string{"topic"})
)

func init() {
	Default.MustRegister(EventsPublished, EventsConsumed, HandlerRetries, DeliveriesInFlight)
}
