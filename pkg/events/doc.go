/*
Package events fans monitor and state events out to subscribers.

A Broker never blocks its publisher: when its queue or a subscriber's
buffer is full the event is dropped and counted in Dropped. A nil *Broker
accepts and discards every event, so components can publish without
checking whether anyone listens.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	for ev := range sub {
		fmt.Println(ev.Type, ev.Resource, ev.Message)
	}
*/
package events
