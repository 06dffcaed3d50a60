package toolcall

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-intake/internal/log"
	"github.com/teslashibe/go-intake/pkg/directory"
	"github.com/teslashibe/go-intake/pkg/engine"
	"github.com/teslashibe/go-intake/pkg/store"
)

type fakeSaver struct {
	mu      sync.Mutex
	records []store.Record
	err     error
	delay   time.Duration
	ctxErrs []error
}

func (f *fakeSaver) SaveRecord(ctx context.Context, r *store.Record) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	if f.err != nil {
		return f.err
	}
	r.ID = "rec-" + r.ToolCallID
	f.records = append(f.records, *r)
	return nil
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func snapshot() *directory.Snapshot {
	return directory.NewSnapshot([]directory.Entry{
		{ID: "s1", OrganizationName: "Lincoln School", LocationName: "Springfield"},
	}, nil)
}

func submit(id string, location, organization string) engine.ToolCall {
	return engine.ToolCall{
		ID:   id,
		Name: DefaultToolName,
		Args: map[string]string{
			FieldLocation:       location,
			FieldOrganization:   organization,
			FieldSubject:        "Bart Simpson",
			FieldBirthDate:      "2015-04-01",
			FieldEffectiveUntil: "Friday",
		},
	}
}

var fixedNow = time.Date(2025, 3, 3, 9, 30, 0, 0, time.UTC)

func newRouter(saver Saver, opts ...Option) *Router {
	opts = append([]Option{WithLogger(log.Discard()), WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(snapshot(), saver, opts...)
}

func TestHandleMatchPersists(t *testing.T) {
	saver := &fakeSaver{}
	var heard []store.Record
	r := newRouter(saver, WithListener(func(rec store.Record) { heard = append(heard, rec) }))

	res := r.Handle(context.Background(), submit("c1", " springfield", "LINCOLN school"))

	if res.Response.Result != engine.ResultSuccess {
		t.Fatalf("result = %v (%s)", res.Response.Result, res.Response.Message)
	}
	if res.Response.ID != "c1" || res.Response.Name != DefaultToolName {
		t.Errorf("response ids = %q/%q", res.Response.ID, res.Response.Name)
	}
	if res.Record == nil || res.Record.OrganizationID != "s1" {
		t.Fatalf("record = %+v", res.Record)
	}
	rec := *res.Record
	if rec.Status != store.StatusCollected || !rec.SavedAt.Equal(fixedNow) {
		t.Errorf("status/savedAt = %s/%v", rec.Status, rec.SavedAt)
	}
	if rec.OrganizationName != "Lincoln School" || rec.LocationName != "Springfield" {
		t.Errorf("record should carry directory names: %+v", rec)
	}
	if saver.count() != 1 || len(heard) != 1 {
		t.Errorf("saves = %d, listener calls = %d", saver.count(), len(heard))
	}
	if res.Response.Extra["organizationId"] != "s1" {
		t.Errorf("extra = %v", res.Response.Extra)
	}
}

func TestHandleMismatchRejects(t *testing.T) {
	saver := &fakeSaver{}
	r := newRouter(saver)

	res := r.Handle(context.Background(), submit("c1", "Springfield", "Lincoln"))

	if res.Response.Result != engine.ResultRejected {
		t.Errorf("result = %v", res.Response.Result)
	}
	if !strings.Contains(res.Response.Message, "not found") {
		t.Errorf("message = %q", res.Response.Message)
	}
	if res.Record != nil || saver.count() != 0 {
		t.Error("nothing should be persisted")
	}
}

func TestHandleMissingFields(t *testing.T) {
	saver := &fakeSaver{}
	call := submit("c1", "Springfield", "Lincoln School")
	delete(call.Args, FieldBirthDate)
	call.Args[FieldSubject] = "  "

	res := newRouter(saver).Handle(context.Background(), call)

	if res.Response.Result != engine.ResultRejected {
		t.Fatalf("result = %v", res.Response.Result)
	}
	for _, f := range []string{FieldSubject, FieldBirthDate} {
		if !strings.Contains(res.Response.Message, f) {
			t.Errorf("message %q should name %s", res.Response.Message, f)
		}
	}
	if saver.count() != 0 {
		t.Error("nothing should be persisted")
	}
}

func TestHandleRepeatIDPersistsOnce(t *testing.T) {
	saver := &fakeSaver{}
	r := newRouter(saver)

	first := r.Handle(context.Background(), submit("c1", "Springfield", "Lincoln School"))
	second := r.Handle(context.Background(), submit("c1", "Springfield", "Lincoln School"))

	if saver.count() != 1 {
		t.Fatalf("saves = %d, want 1", saver.count())
	}
	if !second.Repeat || second.Record != nil {
		t.Errorf("second = %+v", second)
	}
	if second.Response.Result != first.Response.Result {
		t.Errorf("repeat answered %v, first %v", second.Response.Result, first.Response.Result)
	}
}

func TestHandleConcurrentRepeat(t *testing.T) {
	saver := &fakeSaver{delay: 20 * time.Millisecond}
	r := newRouter(saver)

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Handle(context.Background(), submit("same", "Springfield", "Lincoln School"))
		}(i)
	}
	wg.Wait()

	if saver.count() != 1 {
		t.Errorf("saves = %d, want 1", saver.count())
	}
	originals := 0
	for _, res := range results {
		if !res.Repeat {
			originals++
		}
		if res.Response.Result != engine.ResultSuccess {
			t.Errorf("result = %v", res.Response.Result)
		}
	}
	if originals != 1 {
		t.Errorf("originals = %d, want 1", originals)
	}
}

func TestHandlePersistenceFailure(t *testing.T) {
	saver := &fakeSaver{err: errors.New("disk full")}
	var heard int
	r := newRouter(saver, WithListener(func(store.Record) { heard++ }))

	res := r.Handle(context.Background(), submit("c1", "Springfield", "Lincoln School"))

	if res.Response.Result != engine.ResultFailed {
		t.Errorf("result = %v", res.Response.Result)
	}
	if res.Record != nil || heard != 0 {
		t.Error("failed save must not emit a record")
	}
}

func TestHandleStoreDuplicateIsSuccess(t *testing.T) {
	saver := &fakeSaver{err: store.ErrDuplicate}
	res := newRouter(saver).Handle(context.Background(), submit("c1", "Springfield", "Lincoln School"))

	if res.Response.Result != engine.ResultSuccess || res.Record != nil {
		t.Errorf("res = %+v", res)
	}
}

func TestHandleSaveSurvivesCancel(t *testing.T) {
	saver := &fakeSaver{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := newRouter(saver).Handle(ctx, submit("c1", "Springfield", "Lincoln School"))

	if res.Response.Result != engine.ResultSuccess {
		t.Fatalf("result = %v", res.Response.Result)
	}
	if saver.ctxErrs[0] != nil {
		t.Errorf("save saw cancelled context: %v", saver.ctxErrs[0])
	}
}

func TestSubmitTool(t *testing.T) {
	tool := SubmitTool("")
	if tool.Name != DefaultToolName || len(tool.Fields) != 5 {
		t.Errorf("tool = %+v", tool)
	}
	r := New(snapshot(), &fakeSaver{}, WithToolName("submitSickNote"), WithLogger(log.Discard()))
	if !r.Handles("submitSickNote") || r.Handles(DefaultToolName) {
		t.Error("tool name option ignored")
	}
}
