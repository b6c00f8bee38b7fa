package stack

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/deploy"
)

type meteredPublisher struct {
	next   deploy.Publisher
	events *prometheus.CounterVec
}

// Metered counts every published event by stream and type before handing
// it to next. Result and error events therefore give provisioning and deploy
// outcome totals.
func Metered(next deploy.Publisher, reg prometheus.Registerer) deploy.Publisher {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deploy_manager",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Progress, log and outcome events by stream",
	}, []string{"stream", "type"})
	if reg != nil {
		if err := reg.Register(events); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					events = existing
				}
			}
		}
	}
	return meteredPublisher{next: next, events: events}
}

func (m meteredPublisher) Publish(topic string, ev domain.Event) {
	stream, _, _ := strings.Cut(topic, ":")
	m.events.With(prometheus.Labels{"stream": stream, "type": string(ev.Type)}).Inc()
	if m.next != nil {
		m.next.Publish(topic, ev)
	}
}
