// Package toolcall validates and persists records submitted by the agent
// through the submission tool, answering every call exactly once.
package toolcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-intake/internal/log"
	"github.com/teslashibe/go-intake/pkg/directory"
	"github.com/teslashibe/go-intake/pkg/engine"
	"github.com/teslashibe/go-intake/pkg/store"
)

// DefaultToolName is the submission tool exposed to the agent.
const DefaultToolName = "submitRecord"

// Argument names of the submission tool.
const (
	FieldLocation       = "locationName"
	FieldOrganization   = "organizationName"
	FieldSubject        = "subjectName"
	FieldBirthDate      = "subjectBirthDate"
	FieldEffectiveUntil = "effectiveUntil"
)

// SubmitTool declares the submission tool under the given name.
func SubmitTool(name string) engine.Tool {
	if name == "" {
		name = DefaultToolName
	}
	return engine.Tool{
		Name:        name,
		Description: "Submit the completed record once every field has been collected from the caller.",
		Fields: []engine.Field{
			{Name: FieldLocation, Description: "City or location of the organization."},
			{Name: FieldOrganization, Description: "Name of the organization."},
			{Name: FieldSubject, Description: "Full name of the person the record is about."},
			{Name: FieldBirthDate, Description: "Date of birth of that person."},
			{Name: FieldEffectiveUntil, Description: "How long the record applies, for example until Friday."},
		},
	}
}

// Saver persists records. store.Store satisfies it.
type Saver interface {
	SaveRecord(ctx context.Context, r *store.Record) error
}

// Listener is told about every newly persisted record.
type Listener func(store.Record)

// Result is the outcome of one call.
type Result struct {
	Response engine.ToolResponse
	// Record is set only by the call that persisted it.
	Record *store.Record
	// Repeat is true when the call id had been handled before.
	Repeat bool
}

// Router handles submission tool calls for one directory snapshot.
type Router struct {
	toolName  string
	snapshot  *directory.Snapshot
	saver     Saver
	listeners []Listener
	now       func() time.Time
	logger    *slog.Logger

	mu    sync.Mutex
	calls map[string]*pending
}

type pending struct {
	done   chan struct{}
	result Result
}

// Option configures a Router.
type Option func(*Router)

// WithToolName overrides DefaultToolName.
func WithToolName(name string) Option {
	return func(r *Router) {
		if name != "" {
			r.toolName = name
		}
	}
}

// WithListener registers a listener for persisted records.
func WithListener(l Listener) Option {
	return func(r *Router) {
		r.listeners = append(r.listeners, l)
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

// New creates a Router over snapshot that persists through saver.
func New(snapshot *directory.Snapshot, saver Saver, opts ...Option) *Router {
	r := &Router{
		toolName: DefaultToolName,
		snapshot: snapshot,
		saver:    saver,
		now:      time.Now,
		logger:   log.L(),
		calls:    make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "toolcall")
	return r
}

// ToolName returns the name of the tool this router answers.
func (r *Router) ToolName() string {
	return r.toolName
}

// Handles reports whether calls named name are routed here.
func (r *Router) Handles(name string) bool {
	return name == r.toolName
}

// Handle validates, persists and answers one call. A call id seen before
// returns the first result without persisting again. Persistence is not
// cancelled with ctx once a directory match has been found.
func (r *Router) Handle(ctx context.Context, call engine.ToolCall) Result {
	r.mu.Lock()
	if p, ok := r.calls[call.ID]; ok && call.ID != "" {
		r.mu.Unlock()
		select {
		case <-p.done:
			res := p.result
			res.Record = nil
			res.Repeat = true
			return res
		case <-ctx.Done():
			return Result{Response: r.respond(call, engine.ResultFailed, "The request was cancelled.", nil), Repeat: true}
		}
	}
	p := &pending{done: make(chan struct{})}
	if call.ID != "" {
		r.calls[call.ID] = p
	}
	r.mu.Unlock()

	p.result = r.handle(ctx, call)
	close(p.done)
	return p.result
}

func (r *Router) handle(ctx context.Context, call engine.ToolCall) Result {
	logger := r.logger.With("call_id", call.ID)

	if missing := missingArgs(call.Args); len(missing) > 0 {
		logger.Info("submission incomplete", "missing", missing)
		return Result{Response: r.respond(call, engine.ResultRejected,
			fmt.Sprintf("Missing fields: %s. Ask the caller for them and submit again.", strings.Join(missing, ", ")), nil)}
	}

	location := call.Args[FieldLocation]
	organization := call.Args[FieldOrganization]
	entry, ok := r.snapshot.Match(location, organization)
	if !ok {
		logger.Info("organization not found", "organization", organization, "location", location)
		return Result{Response: r.respond(call, engine.ResultRejected,
			fmt.Sprintf("%q in %q was not found in the directory. Ask the caller to repeat the organization and location.", organization, location),
			map[string]any{"reason": "not_found"})}
	}

	rec := &store.Record{
		OrganizationID:   entry.ID,
		LocationName:     entry.LocationName,
		OrganizationName: entry.OrganizationName,
		SubjectName:      strings.TrimSpace(call.Args[FieldSubject]),
		SubjectBirthDate: strings.TrimSpace(call.Args[FieldBirthDate]),
		EffectiveUntil:   strings.TrimSpace(call.Args[FieldEffectiveUntil]),
		Status:           store.StatusCollected,
		SavedAt:          r.now().UTC().Truncate(time.Microsecond),
		ToolCallID:       call.ID,
	}

	err := r.saver.SaveRecord(context.WithoutCancel(ctx), rec)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		logger.Info("record already saved")
		return Result{Response: r.respond(call, engine.ResultSuccess, "The record was already saved.", nil)}
	case err != nil:
		logger.Error("saving record failed", "error", err)
		return Result{Response: r.respond(call, engine.ResultFailed,
			"The record could not be saved. Apologize and ask the caller to try again later.", nil)}
	}

	logger.Info("record saved", "record_id", rec.ID, "organization_id", rec.OrganizationID)
	for _, l := range r.listeners {
		l(*rec)
	}
	return Result{
		Response: r.respond(call, engine.ResultSuccess,
			fmt.Sprintf("Record for %s saved. Thank the caller and say goodbye.", rec.OrganizationName),
			map[string]any{"recordId": rec.ID, "organizationId": rec.OrganizationID}),
		Record: rec,
	}
}

func (r *Router) respond(call engine.ToolCall, result engine.Result, msg string, extra map[string]any) engine.ToolResponse {
	return engine.ToolResponse{ID: call.ID, Name: call.Name, Result: result, Message: msg, Extra: extra}
}

func missingArgs(args map[string]string) []string {
	var missing []string
	for _, f := range []string{FieldLocation, FieldOrganization, FieldSubject, FieldBirthDate, FieldEffectiveUntil} {
		if strings.TrimSpace(args[f]) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}
