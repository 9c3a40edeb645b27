/*
Package events provides an in-process publish/subscribe broker for cluster
events.

The reconciler publishes state changes (members joining and leaving, configs
published, secrets rotated) and alerts (handoff timeouts, invariant
violations). Alerts carry SeverityWarning or SeverityCritical.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			if ev.Alert() {
				log.Logger.Warn().Str("type", string(ev.Type)).Msg(ev.Message)
			}
		}
	}()

Publish never blocks the caller. Each subscriber has a small buffer and a
slow subscriber misses events rather than stalling the broker. The broker
also keeps a bounded history, served by the API's ListEvents method.
*/
package events
