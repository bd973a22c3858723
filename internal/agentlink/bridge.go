package agentlink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ashureev/webpresence/internal/domain"
)

// Bridge actions accepted on stdin.
const (
	ActionActivated               = "activated"
	ActionUpdated                 = "updated"
	ActionGetState                = "getState"
	ActionToggle                  = "toggle"
	ActionUpdatePreferences       = "updatePreferences"
	ActionResetPreferences        = "resetPreferences"
	ActionAddDisabledSite         = "addDisabledSite"
	ActionRemoveDisabledSite      = "removeDisabledSite"
	ActionAddAlwaysEnabledSite    = "addAlwaysEnabledSite"
	ActionRemoveAlwaysEnabledSite = "removeAlwaysEnabledSite"
)

const maxCommandSize = 1 << 20

// Command is one newline-delimited JSON request from the browser side.
type Command struct {
	Action      string                   `json:"action"`
	Tab         *domain.Tab              `json:"tab,omitempty"`
	Status      string                   `json:"status,omitempty"`
	Enabled     *bool                    `json:"enabled,omitempty"`
	Preferences *domain.PreferencesPatch `json:"preferences,omitempty"`
	Domain      string                   `json:"domain,omitempty"`
}

// Reply is written for every command and for every state change.
type Reply struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
	*State
}

// Bridge speaks NDJSON with a native-messaging style host process.
type Bridge struct {
	link   *Link
	logger *slog.Logger

	outMu sync.Mutex
	out   *json.Encoder
}

// NewBridge creates a bridge writing replies to out.
func NewBridge(link *Link, out io.Writer, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{link: link, logger: logger, out: json.NewEncoder(out)}
}

// Run handles commands from in until EOF or ctx is done. State changes of
// the link are pushed as unsolicited "state" replies.
func (b *Bridge) Run(ctx context.Context, in io.Reader) error {
	b.link.Subscribe(b.Notify)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCommandSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var cmd Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			b.logger.Warn("Malformed bridge command", "error", err)
			b.write(Reply{Type: "error", Error: "malformed command"})
			continue
		}
		b.write(b.Handle(ctx, cmd))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read commands: %w", err)
	}
	return nil
}

// Handle executes one command and returns the reply.
func (b *Bridge) Handle(ctx context.Context, cmd Command) Reply {
	var st State
	switch cmd.Action {
	case ActionActivated, ActionUpdated:
		if cmd.Tab == nil {
			return errorReply("missing tab")
		}
		if cmd.Action == ActionActivated {
			b.link.TabActivated(ctx, *cmd.Tab)
		} else {
			b.link.TabUpdated(ctx, *cmd.Tab, cmd.Status == "complete")
		}
		st = b.link.State()
	case ActionGetState:
		st = b.link.State()
	case ActionToggle:
		enabled := !b.link.State().Enabled
		if cmd.Enabled != nil {
			enabled = *cmd.Enabled
		}
		st = b.link.Toggle(ctx, enabled)
	case ActionUpdatePreferences:
		if cmd.Preferences == nil {
			return errorReply("missing preferences")
		}
		st = b.link.UpdatePreferences(ctx, *cmd.Preferences)
	case ActionResetPreferences:
		st = b.link.ResetPreferences(ctx)
	case ActionAddDisabledSite, ActionRemoveDisabledSite, ActionAddAlwaysEnabledSite, ActionRemoveAlwaysEnabledSite:
		if cmd.Domain == "" {
			return errorReply("missing domain")
		}
		st = b.siteAction(ctx, cmd.Action, cmd.Domain)
	default:
		return errorReply(fmt.Sprintf("unknown action %q", cmd.Action))
	}
	return Reply{Type: domain.TypeState, State: &st}
}

func (b *Bridge) siteAction(ctx context.Context, action, site string) State {
	switch action {
	case ActionAddDisabledSite:
		return b.link.AddDisabledSite(ctx, site)
	case ActionRemoveDisabledSite:
		return b.link.RemoveDisabledSite(ctx, site)
	case ActionAddAlwaysEnabledSite:
		return b.link.AddAlwaysEnabledSite(ctx, site)
	default:
		return b.link.RemoveAlwaysEnabledSite(ctx, site)
	}
}

// Notify pushes st to the host.
func (b *Bridge) Notify(st State) {
	b.write(Reply{Type: domain.TypeState, State: &st})
}

func (b *Bridge) write(r Reply) {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if err := b.out.Encode(r); err != nil {
		b.logger.Warn("Failed to write bridge reply", "error", err)
	}
}

func errorReply(msg string) Reply {
	return Reply{Type: "error", Error: msg}
}
