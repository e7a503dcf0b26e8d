// Package webhooks delivers signed billing events to an operator-configured
// endpoint.
//
// Each event is POSTed as JSON with an X-Kantong-Signature header of the
// form "sha256=<hex hmac>" computed over the body with the shared secret.
// Failed deliveries are retried with exponential backoff.
//
//	notifier := webhooks.NewNotifier(webhooks.Config{URL: url, Secret: secret}, metrics)
//	notifier.Publish(ctx, webhooks.EventSubscriptionActivated, data)
package webhooks
