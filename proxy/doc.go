/*
Package proxy lets one process use the properties, methods and live sequences of an object living in another process, over any Transport that can send named events to a peer, receive named events, and report peer termination.

Both sides share a Descriptor naming the channel and the kind of every exposed member:

	var Clock = proxy.Descriptor{
		Channel: "clock",
		Properties: map[string]proxy.Kind{
			"zone":      proxy.KindValue,
			"add":       proxy.KindFunction,
			"ticks":     proxy.KindStream,
			"countdown": proxy.KindStreamFactory,
		},
	}

The serving side registers a target with a Registry, and the calling side builds a Client:

	unregister, err := registry.Register(clock, Clock, transport)
	...
	client, err := proxy.NewClient(Clock, transport)
	sum, err := client.Call("add", 4, 5).Await(ctx)

Every access returns a Future or a Stream. Members that are not declared, or are used with another kind, fail locally without a round trip.

The protocol has five requests (get, apply, subscribe, applySubscribe, unsubscribe) and four responses (result, error, next, complete). Get and apply carry a correlation id and are answered by exactly one result or error sent to that id. Subscribe-class requests carry a subscription id chosen by the client; the server sends next, then one complete or error, to that id. Unsubscribe is best effort and is not answered.

Subscriptions are owned by the peer that opened them. When the transport reports that a peer terminated, every subscription it held is torn down and nothing more is sent to it.

Errors cross the boundary as SerializedError values and come back as *RemoteError, whose Error() is the original message. errors.Is distinguishes ErrCapability, ErrProtocol, ErrUnavailable and ErrApplication.
*/
package proxy
