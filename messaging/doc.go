// Package messaging implements sealchat's message envelope and the
// per-conversation reconciler.
//
// The reconciler consumes the synchronized store's change stream for a
// conversation, deduplicates at-least-once deliveries, decrypts inbound
// envelopes, verifies their integrity tags, merges status updates and
// maintains the authoritative in-memory message list.
//
// Example:
//
//	conv := messaging.NewConversation("alice", "bob", st, keys, notifier)
//	if err := conv.Subscribe(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer conv.Close()
//
//	if _, err := conv.Send(ctx, "hello"); err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range conv.Messages() {
//	    fmt.Println(msg.SenderID, msg.Body)
//	}
package messaging
