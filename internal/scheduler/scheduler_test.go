package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/model"
	"pricewatch/internal/notifier"
	"pricewatch/internal/pricesource"
	"pricewatch/internal/storage"
	"pricewatch/internal/transport"
	logx "pricewatch/pkg/logx"
)

type fakeSource struct {
	price decimal.Decimal
	err   error
	calls atomic.Int32

	entered chan struct{} // optional; signalled on each Fetch
	release chan struct{} // optional; Fetch blocks until closed
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(ctx context.Context, _ model.Options) (decimal.Decimal, error) {
	f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return decimal.Zero, &pricesource.FetchError{Kind: pricesource.KindTimeout, Err: ctx.Err()}
		}
	}
	return f.price, f.err
}

type recNotifier struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (r *recNotifier) Notify(_ context.Context, m transport.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

func (r *recNotifier) all() []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Message(nil), r.msgs...)
}

// flakyStore fails the next failAppends appends, and every MarkFired while
// failMarks is set.
type flakyStore struct {
	storage.Store
	failAppends atomic.Int32
	failMarks   atomic.Bool
	appends     atomic.Int32
}

func (f *flakyStore) Append(ctx context.Context, obs model.Observation) error {
	if f.failAppends.Load() > 0 {
		f.failAppends.Add(-1)
		return &storage.Error{Kind: storage.WriteFailure, Op: "append", Err: errors.New("disk full")}
	}
	f.appends.Add(1)
	return f.Store.Append(ctx, obs)
}

func (f *flakyStore) MarkFired(ctx context.Context, window string) error {
	if f.failMarks.Load() {
		return &storage.Error{Kind: storage.WriteFailure, Op: "mark fired", Err: errors.New("read-only")}
	}
	return f.Store.MarkFired(ctx, window)
}

type recAdapter struct {
	mu   sync.Mutex
	sent []transport.Message
}

func (a *recAdapter) Name() string { return "rec" }

func (a *recAdapter) Send(_ context.Context, m transport.Message) error {
	a.mu.Lock()
	a.sent = append(a.sent, m)
	a.mu.Unlock()
	return nil
}

func (a *recAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

type harness struct {
	svc   *Service
	src   *fakeSource
	store *flakyStore
	note  *recNotifier
}

func newHarness(t *testing.T, loc *time.Location) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		src:   &fakeSource{price: decimal.RequireFromString("1399.00")},
		store: &flakyStore{Store: st},
		note:  &recNotifier{},
	}
	h.svc = New(Config{
		Enabled:        true,
		Location:       loc,
		DefaultTime:    "09:00",
		DefaultEnabled: true,
		Product:        Product{Name: "Flaxby", URL: "https://example.com/p", Currency: "£"},
		Priority:       transport.PriorityHigh,
		Tags:           []string{"bed", "money"},
	}, h.src, h.store, h.note, logx.Nop(), nil)
	return h
}

func (h *harness) history(t *testing.T) []model.Observation {
	t.Helper()
	all, err := h.store.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	return all
}

func (h *harness) lastFired(t *testing.T) string {
	t.Helper()
	sc, ok, err := h.store.GetSchedule(context.Background())
	if err != nil || !ok {
		t.Fatalf("GetSchedule ok=%v err=%v", ok, err)
	}
	return sc.LastFired
}

func TestTickFiresOncePerWindow(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Europe/London")
	h := newHarness(t, loc)
	ctx := context.Background()

	steps := []struct {
		at   time.Time
		want State
	}{
		{time.Date(2026, 1, 15, 8, 59, 50, 0, loc), StateIdle},
		{time.Date(2026, 1, 15, 9, 0, 5, 0, loc), StateFired},
		{time.Date(2026, 1, 15, 9, 0, 15, 0, loc), StateSettled},
		{time.Date(2026, 1, 15, 9, 1, 0, 0, loc), StateIdle},
	}
	for _, st := range steps {
		if got := h.svc.Tick(ctx, st.at); got.State != st.want {
			t.Fatalf("tick %s: state=%s want %s (err=%s)", st.at.Format(time.TimeOnly), got.State, st.want, got.Err)
		}
	}

	hist := h.history(t)
	if len(hist) != 1 {
		t.Fatalf("history len=%d, want 1", len(hist))
	}
	if hist[0].Trigger != "schedule:2026-01-15T09:00" {
		t.Fatalf("trigger=%q", hist[0].Trigger)
	}
	if !hist[0].Outcome.OK() || hist[0].FormatPrice() != "£1399.00" {
		t.Fatalf("observation=%+v", hist[0])
	}
	if got := h.lastFired(t); got != "2026-01-15T09:00" {
		t.Fatalf("LastFired=%q", got)
	}

	msgs := h.note.all()
	if len(msgs) != 1 {
		t.Fatalf("notifications=%d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Title != "Price Alert" || m.Body != "The Flaxby price is now £1399.00" || m.Priority != transport.PriorityHigh {
		t.Fatalf("message=%+v", m)
	}
}

func TestTickFetchTimeoutRecordsFailure(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Europe/London")
	h := newHarness(t, loc)
	h.src.err = &pricesource.FetchError{Kind: pricesource.KindTimeout, Err: context.DeadlineExceeded}

	res := h.svc.Tick(context.Background(), time.Date(2026, 1, 15, 9, 0, 5, 0, loc))
	if res.State != StateFired {
		t.Fatalf("state=%s", res.State)
	}
	hist := h.history(t)
	if len(hist) != 1 || hist[0].Outcome != model.OutcomeTimeout || hist[0].Price.Valid {
		t.Fatalf("history=%+v", hist)
	}
	if got := h.lastFired(t); got != "2026-01-15T09:00" {
		t.Fatalf("LastFired=%q", got)
	}
	msgs := h.note.all()
	if len(msgs) != 1 || msgs[0].Title != "Price Check Failed" || !strings.Contains(msgs[0].Body, "timeout") {
		t.Fatalf("messages=%+v", msgs)
	}
}

func TestDisabledScheduleStillAllowsManualCheck(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Europe/London")
	h := newHarness(t, loc)
	ctx := context.Background()

	off := false
	if _, err := h.svc.UpdateSchedule(ctx, ScheduleUpdate{Enabled: &off}); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if res := h.svc.Tick(ctx, time.Date(2026, 1, 15, 9, 0, 5, 0, loc)); res.State != StateIdle {
		t.Fatalf("state=%s", res.State)
	}
	if n := len(h.history(t)); n != 0 {
		t.Fatalf("history len=%d", n)
	}

	obs, err := h.svc.CheckNow(ctx)
	if err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if obs.Trigger != model.TriggerManual {
		t.Fatalf("trigger=%q", obs.Trigger)
	}
	if n := len(h.history(t)); n != 1 {
		t.Fatalf("history len=%d", n)
	}
	if got := h.lastFired(t); got != "" {
		t.Fatalf("manual check moved LastFired to %q", got)
	}
}

func TestConcurrentTicksFetchOnce(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Europe/London")
	h := newHarness(t, loc)
	h.src.entered = make(chan struct{}, 1)
	h.src.release = make(chan struct{})
	ctx := context.Background()
	at := time.Date(2026, 1, 15, 9, 0, 5, 0, loc)

	first := make(chan TickResult, 1)
	go func() { first <- h.svc.Tick(ctx, at) }()
	<-h.src.entered

	if res := h.svc.Tick(ctx, at.Add(10*time.Second)); res.State != StateBusy {
		t.Fatalf("second tick state=%s, want busy", res.State)
	}
	close(h.src.release)
	if res := <-first; res.State != StateFired {
		t.Fatalf("first tick state=%s", res.State)
	}
	if res := h.svc.Tick(ctx, at.Add(20*time.Second)); res.State != StateSettled {
		t.Fatalf("third tick state=%s", res.State)
	}
	if n := h.src.calls.Load(); n != 1 {
		t.Fatalf("fetches=%d, want 1", n)
	}
}

func TestStoreFailureRetriesNextTick(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Europe/London")
	h := newHarness(t, loc)
	h.store.failAppends.Store(1)
	ctx := context.Background()

	res := h.svc.Tick(ctx, time.Date(2026, 1, 15, 9, 0, 5, 0, loc))
	if res.State != StateStoreFailed {
		t.Fatalf("state=%s", res.State)
	}
	if got := h.lastFired(t); got != "" {
		t.Fatalf("LastFired advanced to %q after failed append", got)
	}
	if msgs := h.note.all(); len(msgs) != 1 || msgs[0].Title != "Price Check Not Saved" {
		t.Fatalf("messages=%+v", msgs)
	}

	res = h.svc.Tick(ctx, time.Date(2026, 1, 15, 9, 0, 15, 0, loc))
	if res.State != StateFired {
		t.Fatalf("retry state=%s", res.State)
	}
	if got := h.lastFired(t); got != "2026-01-15T09:00" {
		t.Fatalf("LastFired=%q", got)
	}
	if n := len(h.history(t)); n != 1 {
		t.Fatalf("history len=%d", n)
	}
	if n := h.src.calls.Load(); n != 2 {
		t.Fatalf("fetches=%d, want 2", n)
	}
}

func TestMarkFiredFailureServesWindowOnce(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Europe/London")
	h := newHarness(t, loc)
	ctx := context.Background()
	// Seed before breaking the marker so the schedule record exists.
	if _, err := h.svc.UpdateSchedule(ctx, ScheduleUpdate{}); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	h.store.failMarks.Store(true)

	res := h.svc.Tick(ctx, time.Date(2026, 1, 15, 9, 0, 5, 0, loc))
	if res.State != StateFired || res.Err == "" {
		t.Fatalf("first tick=%+v, want fired with marker error", res)
	}
	for _, sec := range []int{15, 25, 35} {
		res := h.svc.Tick(ctx, time.Date(2026, 1, 15, 9, 0, sec, 0, loc))
		if res.State != StateSettled {
			t.Fatalf("tick :%02d state=%s, want settled", sec, res.State)
		}
	}
	if n := h.store.appends.Load(); n != 1 {
		t.Fatalf("appends=%d, want 1", n)
	}
	if n := h.src.calls.Load(); n != 1 {
		t.Fatalf("fetches=%d, want 1", n)
	}

	h.store.failMarks.Store(false)
	if res := h.svc.Tick(ctx, time.Date(2026, 1, 15, 9, 0, 45, 0, loc)); res.State != StateSettled || res.Err != "" {
		t.Fatalf("recovery tick=%+v", res)
	}
	if got := h.lastFired(t); got != "2026-01-15T09:00" {
		t.Fatalf("LastFired=%q", got)
	}
}

func TestEveryCheckAndResendIsDelivered(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.UTC)
	ctx := context.Background()

	rec := &recAdapter{}
	ns := notifier.New(notifier.Config{
		Enabled:     true,
		Workers:     1,
		QueueSize:   8,
		RatePerSec:  100,
		RetryMax:    1,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
	}, []transport.Adapter{rec}, logx.Nop(), nil)
	ns.Start(ctx)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ns.Stop(sctx)
	})
	h.svc.notify = ns

	if _, err := h.svc.CheckNow(ctx); err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if _, err := h.svc.ResendLatest(ctx); err != nil {
		t.Fatalf("ResendLatest: %v", err)
	}
	if _, err := h.svc.CheckNow(ctx); err != nil {
		t.Fatalf("CheckNow: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("delivered=%d, want 3", rec.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduleReadDoesNotSeed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.UTC)
	ctx := context.Background()

	v, err := h.svc.Schedule(ctx)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if v.Trigger.Time != "09:00" || !v.Enabled {
		t.Fatalf("view=%+v", v)
	}
	if _, ok, err := h.store.GetSchedule(ctx); err != nil || ok {
		t.Fatalf("read stored a schedule: ok=%v err=%v", ok, err)
	}

	trig := model.Trigger{Kind: model.TriggerDaily, Time: "07:30"}
	if _, err := h.svc.UpdateSchedule(ctx, ScheduleUpdate{Trigger: &trig}); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	h.svc.Tick(ctx, time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC))
	sc, _, _ := h.store.GetSchedule(ctx)
	if sc.Trigger.Time != "07:30" {
		t.Fatalf("tick replaced the update: %+v", sc.Trigger)
	}
}

func TestTriggerTimezoneIndependentOfHost(t *testing.T) {
	t.Parallel()
	h := newHarness(t, mustLoc(t, "America/New_York"))
	ctx := context.Background()
	trig := model.Trigger{Kind: model.TriggerDaily, Time: "09:00", Timezone: "Asia/Tokyo"}
	if _, err := h.svc.UpdateSchedule(ctx, ScheduleUpdate{Trigger: &trig}); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}

	if res := h.svc.Tick(ctx, time.Date(2026, 1, 15, 9, 0, 5, 0, time.UTC)); res.State != StateIdle {
		t.Fatalf("09:00 UTC state=%s", res.State)
	}
	res := h.svc.Tick(ctx, time.Date(2026, 1, 15, 0, 0, 5, 0, time.UTC))
	if res.State != StateFired || res.Window != "2026-01-15T09:00" {
		t.Fatalf("09:00 JST result=%+v", res)
	}
}

func TestFallBackRepeatedMinuteServedOnce(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Europe/London")
	h := newHarness(t, loc)
	ctx := context.Background()
	trig := model.Trigger{Kind: model.TriggerDaily, Time: "01:30", Timezone: "Europe/London"}
	if _, err := h.svc.UpdateSchedule(ctx, ScheduleUpdate{Trigger: &trig}); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}

	// 01:30 BST and 01:30 GMT on the last Sunday of October 2026.
	if res := h.svc.Tick(ctx, time.Date(2026, 10, 25, 0, 30, 5, 0, time.UTC)); res.State != StateFired {
		t.Fatalf("first 01:30 state=%s", res.State)
	}
	if res := h.svc.Tick(ctx, time.Date(2026, 10, 25, 1, 30, 5, 0, time.UTC)); res.State == StateFired {
		t.Fatalf("repeated 01:30 fired again (window %s)", res.Window)
	}
	if n := len(h.history(t)); n != 1 {
		t.Fatalf("history len=%d", n)
	}
}

func TestUpdateSchedulePreservesLastFired(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Europe/London")
	h := newHarness(t, loc)
	ctx := context.Background()

	h.svc.Tick(ctx, time.Date(2026, 1, 15, 9, 0, 5, 0, loc))
	trig := model.Trigger{Kind: "Weekly", Time: "18:30", Weekday: "fri"}
	v, err := h.svc.UpdateSchedule(ctx, ScheduleUpdate{Trigger: &trig})
	if err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if v.LastFired != "2026-01-15T09:00" || v.Trigger.Kind != model.TriggerWeekly {
		t.Fatalf("view=%+v", v)
	}

	bad := model.Trigger{Kind: model.TriggerDaily, Time: "25:00"}
	if _, err := h.svc.UpdateSchedule(ctx, ScheduleUpdate{Trigger: &bad}); !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("err=%v, want ErrInvalidTrigger", err)
	}
	sc, _, _ := h.store.GetSchedule(ctx)
	if sc.Trigger.Kind != model.TriggerWeekly {
		t.Fatalf("invalid update was stored: %+v", sc.Trigger)
	}
}

func TestResendLatest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.UTC)
	ctx := context.Background()

	if _, err := h.svc.ResendLatest(ctx); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("err=%v, want ErrNoPrice", err)
	}
	if _, err := h.svc.CheckNow(ctx); err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	h.src.err = &pricesource.FetchError{Kind: pricesource.KindElementNotFound}
	if _, err := h.svc.CheckNow(ctx); err != nil {
		t.Fatalf("CheckNow: %v", err)
	}

	obs, err := h.svc.ResendLatest(ctx)
	if err != nil {
		t.Fatalf("ResendLatest: %v", err)
	}
	if !obs.Outcome.OK() {
		t.Fatalf("resent a failed observation: %+v", obs)
	}
	msgs := h.note.all()
	if last := msgs[len(msgs)-1]; last.Body != "The Flaxby price is now £1399.00" {
		t.Fatalf("last message=%+v", last)
	}
}

func TestCompile(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		trig    model.Trigger
		wantErr bool
	}{
		{name: "daily", trig: model.Trigger{Kind: model.TriggerDaily, Time: "09:00"}},
		{name: "weekly", trig: model.Trigger{Kind: model.TriggerWeekly, Time: "07:15", Weekday: "Monday"}},
		{name: "cron", trig: model.Trigger{Kind: model.TriggerCron, Cron: "0 9 * * 1-5"}},
		{name: "bad time", trig: model.Trigger{Kind: model.TriggerDaily, Time: "9am"}, wantErr: true},
		{name: "bad weekday", trig: model.Trigger{Kind: model.TriggerWeekly, Time: "09:00", Weekday: "funday"}, wantErr: true},
		{name: "bad cron", trig: model.Trigger{Kind: model.TriggerCron, Cron: "61 * * * *"}, wantErr: true},
		{name: "every", trig: model.Trigger{Kind: model.TriggerCron, Cron: "@every 1h"}, wantErr: true},
		{name: "bad timezone", trig: model.Trigger{Kind: model.TriggerDaily, Time: "09:00", Timezone: "Mars/Olympus"}, wantErr: true},
		{name: "unknown kind", trig: model.Trigger{Kind: "hourly"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.trig, time.UTC)
			if tt.wantErr != (err != nil) {
				t.Fatalf("err=%v, wantErr=%v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTrigger) {
				t.Fatalf("err=%v does not wrap ErrInvalidTrigger", err)
			}
		})
	}
}

func TestCompiledWindowWeekly(t *testing.T) {
	t.Parallel()
	c, err := Compile(model.Trigger{Kind: model.TriggerWeekly, Time: "18:30", Weekday: "fri"}, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	// 2026-01-16 is a Friday.
	if id, due := c.Window(time.Date(2026, 1, 16, 18, 30, 40, 0, time.UTC)); !due || id != "2026-01-16T18:30" {
		t.Fatalf("friday: id=%s due=%v", id, due)
	}
	if _, due := c.Window(time.Date(2026, 1, 15, 18, 30, 0, 0, time.UTC)); due {
		t.Fatal("thursday should not be due")
	}
	next := c.Next(time.Date(2026, 1, 16, 18, 30, 0, 0, time.UTC))
	if !next.Equal(time.Date(2026, 1, 23, 18, 30, 0, 0, time.UTC)) {
		t.Fatalf("next=%s", next)
	}
}

func TestRunStateExclusive(t *testing.T) {
	t.Parallel()
	var rs RunState
	if !rs.TryAcquire() {
		t.Fatal("first acquire failed")
	}
	if rs.TryAcquire() {
		t.Fatal("second acquire succeeded")
	}
	rs.Release()
	if !rs.TryAcquire() {
		t.Fatal("acquire after release failed")
	}
}
