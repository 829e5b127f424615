// Package notifier formats status-change events and delivers them to chat
// and, optionally, to a Discord webhook.
//
// Delivery is asynchronous: Notify* calls enqueue and return. A single worker
// drains the queue in order, paced by a token bucket, retrying transient send
// failures. Failures are logged and never surface to callers.
package notifier
