package server

import (
	"context"
	"database/sql"

	"github.com/onnwee/roomwatch/credential"
	"github.com/onnwee/roomwatch/live"
	"github.com/onnwee/roomwatch/session"
)

// Controller is the part of *session.Session the HTTP surface drives.
type Controller interface {
	Connect(ctx context.Context, broadcastID string) error
	Disconnect()
	Comment(ctx context.Context, text string, anonymous bool) error
	FindChat(room live.RoomPosition, no int64) (live.Chat, error)
	ReportNG(ctx context.Context, c live.Chat) error
	ReserveCredentialReset() bool
	Status() session.Status
}

// Deps are the collaborators of the HTTP handlers. DB and Events may be nil.
type Deps struct {
	DB          *sql.DB
	Session     Controller
	Events      *session.Broadcaster
	Credentials credential.Provider
	// RequireListening makes /readyz fail until the session is listening.
	RequireListening bool
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx  context.Context
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{ctx: ctx, deps: deps}
}
