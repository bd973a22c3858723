// Package presence manages the connection to the desktop presence service
// and turns page views into presence activities.
package presence

import "context"

// Client is one handle to the external presence service. A handle is used for
// a single login; reconnecting creates a new one.
type Client interface {
	// Login connects and authenticates. Handlers may fire before it returns.
	Login(ctx context.Context, clientID string) error
	SetActivity(ctx context.Context, a Activity) error
	ClearActivity(ctx context.Context) error
	Close() error
}

// User identifies the account the presence service logged in as.
type User struct {
	ID       string
	Username string
}

// Handlers are the lifecycle callbacks a Client reports to.
type Handlers struct {
	Connected    func()
	Ready        func(User)
	Disconnected func(err error)
	Error        func(err error)
}

// ClientFactory creates a new client bound to the given handlers.
type ClientFactory func(h Handlers) Client
