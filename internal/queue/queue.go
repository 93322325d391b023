// Package queue provides the lease-based work queue that feeds the workers.
//
// A received message is hidden from other consumers for the lease duration.
// The consumer either deletes it, extends the lease, or lets the lease lapse,
// after which the message is delivered again with an incremented delivery
// count. Every lease operation takes the receipt of the latest lease; extending
// a lease returns a new receipt and invalidates the old one.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrLeaseLost is returned when the receipt no longer identifies the
	// current lease (the message was re-leased, deleted or dead-lettered).
	ErrLeaseLost = errors.New("queue: lease lost")
	// ErrInvalidReceipt is returned when a receipt cannot be decoded.
	ErrInvalidReceipt = errors.New("queue: invalid receipt")
)

// Message is a leased queue entry.
type Message struct {
	// ID identifies the message across deliveries.
	ID string
	// Body is the payload, a job ID.
	Body string
	// DeliveryCount is the number of times the message has been received,
	// including this delivery.
	DeliveryCount int
	// Receipt is the lease token of this delivery.
	Receipt string
}

// DeadLetter is a message moved to the dead-letter destination.
type DeadLetter struct {
	ID            string
	Body          string
	DeliveryCount int
	Reason        string
	At            time.Time
}

// LeaseQueue is the port the worker and the upload flow depend on.
type LeaseQueue interface {
	// Ensure creates the queue and its dead-letter destination. It is idempotent.
	Ensure(ctx context.Context) error
	// Send enqueues body and returns the message ID.
	Send(ctx context.Context, body string) (string, error)
	// Receive leases at most one visible message. It returns nil, nil when
	// nothing is visible.
	Receive(ctx context.Context, lease time.Duration) (*Message, error)
	// ExtendLease makes the message invisible for lease from now and returns
	// the receipt that replaces receipt.
	ExtendLease(ctx context.Context, receipt string, lease time.Duration) (string, error)
	// Delete removes the leased message permanently.
	Delete(ctx context.Context, receipt string) error
	// DeadLetter moves the leased message to the dead-letter destination and
	// removes it from the queue in one step.
	DeadLetter(ctx context.Context, receipt, reason string) error
}

func encodeReceipt(messageID, token string) string {
	return messageID + ":" + token
}

func decodeReceipt(receipt string) (messageID, token string, err error) {
	messageID, token, ok := strings.Cut(receipt, ":")
	if !ok || messageID == "" || token == "" {
		return "", "", ErrInvalidReceipt
	}
	return messageID, token, nil
}
