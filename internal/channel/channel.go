// Package channel defines the outbound send capability and the per-tenant
// registry of live connections.
//
// The engine never owns a channel's protocol state: a Channel is a narrow
// capability object (send + status) provided by a transport adapter, and the
// registry only tracks which tenants currently hold one.
package channel

import (
	"context"
	"errors"
)

// Status is the lifecycle state of a tenant's outbound connection.
// "absent" is represented by the tenant missing from the registry.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusDisconnected Status = "disconnected"
)

// SendOptions controls the call shape of a send.
//
// LinkPreview requests preview expansion from the underlying platform; the
// dispatcher sets it whenever the message text contains a URL, because the
// protocol renders previews differently depending on how the send is issued.
type SendOptions struct {
	LinkPreview bool
}

// Channel is a live, send-capable connection for one tenant.
type Channel interface {
	Send(ctx context.Context, groupID, text string, opt *SendOptions) error
	Status() Status
}

// ErrAlreadyRegistered is returned by Registry.Register when the tenant
// already holds a live channel; a tenant may not have two concurrent
// outbound connections.
var ErrAlreadyRegistered = errors.New("channel already registered for tenant")

// ErrNotConnected is the terminal failure detail for tasks dispatched while
// the tenant has no live channel.
var ErrNotConnected = errors.New("channel not connected")
