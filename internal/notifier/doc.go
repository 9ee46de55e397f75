// Package notifier delivers chapter alerts to the configured channels.
//
// A Sender is one delivery channel (pushover, discord, webhook, telegram).
// The Service fans a Message out to every configured channel sequentially.
// Each channel gets its own retry budget, all channels share one token
// bucket, and a failing channel never prevents delivery on the others.
//
// # Outcomes
//
// Dispatch returns one storage.ChannelOutcome per configured channel:
// sent, failed (retries exhausted or permanent rejection) or skipped
// (the item's preferences disable the channel). Callers persist the
// outcomes in the notification history.
//
// # Credentials
//
// Debug reports channel configuration with tokens and webhook URLs masked,
// so it is safe to print from the CLI or the diagnostics listener.
package notifier
