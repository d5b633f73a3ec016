// Package relay is a transactional email pipeline for agent inboxes.
//
// Outbound mail is accepted by Send, recorded as queued and handed to the
// provider by a send_email task. Inbound mail arrives as a signed provider
// notification, is recorded as received and parsed by a
// process_inbound_email task that extracts one-time codes, links and the
// sender's display name. Every lifecycle change is recorded as an Event,
// published on the service's event bus and delivered to the inbox's webhook
// destinations by deliver_webhook tasks.
//
// # Basic Usage
//
//	svc, err := relay.NewService(
//	    relay.WithStore(memory.New()),
//	    relay.WithSender(sender),
//	    relay.WithVerifier(verifier),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	go svc.Run(ctx) // task workers
//
//	msg, err := svc.Send(ctx, relay.SendRequest{
//	    From:    "agent@inbox.example.com",
//	    To:      "user@example.com",
//	    Subject: "Hello",
//	    Text:    "Hi there",
//	})
//
// # Message Lifecycle
//
// Outbound: queued -> sending -> sent | failed, then sent -> delivered | bounced
// from provider notifications. Inbound: received -> parsed ->
// delivered_to_customer, or received -> parse_failed. A parse failure keeps
// the raw content for inspection and still emits message.received; it is
// only retried through ReplayInbound.
//
// All status updates carry the version the caller read. A concurrent
// update makes the store reject the write and the caller re-reads.
//
// # Tasks
//
// Work runs on the dispatch package's durable queue with at-least-once
// semantics. Handlers return dispatch.Result: OK, Transient (retried with
// exponential backoff until the kind's attempt limit) or Permanent. Defaults
// are 5 attempts for send_email, 3 for process_inbound_email and 8 for
// deliver_webhook.
//
// # Events
//
// Events use github.com/rbaliyan/event/v3. Pass WithRedisClient or
// WithEventTransport to publish beyond the process; WithEventSink adds
// sinks such as eventstream/kafka.
//
// # Storage Backends
//
//   - PostgreSQL (store/postgres)
//   - MongoDB (store/mongo)
//   - In-memory (store/memory) for tests and single-process use
package relay
