package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/bus"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/config"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/generation"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/history"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/memory"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/session"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/synthesis"
	"github.com/cexll/agentsdk-go/pkg/model"
)

// scriptedModel streams fixed deltas. A non-nil gate holds the stream until
// it is closed.
type scriptedModel struct {
	deltas []string
	delay  time.Duration
	err    error
	gate   chan struct{}

	mu   sync.Mutex
	reqs []model.Request
}

func (m *scriptedModel) Complete(context.Context, model.Request) (*model.Response, error) {
	return nil, errors.New("not used")
}

func (m *scriptedModel) CompleteStream(ctx context.Context, req model.Request, cb model.StreamHandler) error {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, d := range m.deltas {
		if m.delay > 0 {
			select {
			case <-time.After(m.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := cb(model.StreamResult{Delta: d}); err != nil {
			return err
		}
	}
	if m.err != nil {
		return m.err
	}
	return cb(model.StreamResult{Final: true})
}

func (m *scriptedModel) lastRequest() model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[len(m.reqs)-1]
}

func providerFor(m model.Model) model.Provider {
	return model.ProviderFunc(func(context.Context) (model.Model, error) { return m, nil })
}

// echoBackend returns the request text as audio unless fn overrides it.
type echoBackend struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req synthesis.Request) (*synthesis.Audio, error)
}

func (b *echoBackend) Name() string { return "echo" }

func (b *echoBackend) Synthesize(ctx context.Context, req synthesis.Request) (*synthesis.Audio, error) {
	b.calls.Add(1)
	if b.fn != nil {
		return b.fn(ctx, req)
	}
	return &synthesis.Audio{Data: []byte(req.Text), Format: "wav"}, nil
}

type fakeLLM struct {
	mu       sync.Mutex
	extracts []memory.ExtractionInput
	result   memory.ExtractionResult
}

func (f *fakeLLM) Extract(_ context.Context, in memory.ExtractionInput) (*memory.ExtractionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extracts = append(f.extracts, in)
	out := f.result
	return &out, nil
}

func (f *fakeLLM) Summarize(context.Context, string) (string, error) {
	return "之前聊了一些日常。", nil
}

func (f *fakeLLM) extractCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.extracts)
}

type failingRetriever struct{}

func (failingRetriever) Retrieve(context.Context, string, string, int) ([]memory.Record, error) {
	return nil, errors.New("vector store down")
}

type fixture struct {
	store     *history.Store
	engine    *memory.Engine
	llm       *fakeLLM
	backend   *echoBackend
	scheduler *synthesis.Scheduler
	registry  *session.Registry
	pipeline  *Pipeline
}

type fixtureOptions struct {
	retriever Retriever
	synth     synthesis.Options
}


func newFixture(t *testing.T, m model.Model, backend *echoBackend, fo fixtureOptions) *fixture {
	t.Helper()
	store, err := history.NewStore(filepath.Join(t.TempDir(), "history.db"), history.Options{})
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	engine, err := memory.NewEngine("", memory.NewHashEmbedder(64))
	if err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}

	llm := &fakeLLM{}
	consolidator := memory.NewConsolidator(store, engine, llm, memory.ConsolidatorOptions{
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	})

	if backend == nil {
		backend = &echoBackend{}
	}
	synthOpts := fo.synth
	if synthOpts.Timeout == 0 {
		synthOpts = synthesis.Options{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Timeout: time.Second}
	}
	scheduler, err := synthesis.NewScheduler([]synthesis.Backend{backend}, synthOpts)
	if err != nil {
		t.Fatalf("NewScheduler error: %v", err)
	}

	retriever := fo.retriever
	if retriever == nil {
		retriever = engine
	}
	registry := session.NewRegistry()
	generator := generation.NewGenerator(providerFor(m), generation.Options{})
	p := NewPipeline(registry, store, retriever, consolidator, generator, scheduler, PipelineOptions{})

	t.Cleanup(func() {
		p.Wait()
		_ = scheduler.Close()
		_ = store.Close()
	})
	return &fixture{
		store:     store,
		engine:    engine,
		llm:       llm,
		backend:   backend,
		scheduler: scheduler,
		registry:  registry,
		pipeline:  p,
	}
}

func drain(t *testing.T, events <-chan bus.Event) []bus.Event {
	t.Helper()
	var out []bus.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("reply did not finish; got %+v", out)
		}
	}
}

// reply runs one request to completion and returns its events.
func (f *fixture) reply(t *testing.T, ctx context.Context, userID, text string) []bus.Event {
	t.Helper()
	events, err := f.pipeline.Handle(ctx, userID, text)
	if err != nil {
		t.Fatalf("Handle(%q, %q) error: %v", userID, text, err)
	}
	return drain(t, events)
}

func (f *fixture) messages(t *testing.T, userID string) []history.Message {
	t.Helper()
	msgs, err := f.store.History(context.Background(), userID, 0, -1)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	return msgs
}

func wantEnd(t *testing.T, events []bus.Event) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	if ev := last(events); ev.Type != bus.EventEnd {
		t.Fatalf("terminal event = %+v, want end", ev)
	}
}

func TestPipeline_SingleUtteranceReply(t *testing.T) {
	m := &scriptedModel{deltas: []string{"你好呀！"}}
	f := newFixture(t, m, nil, fixtureOptions{})

	got := f.reply(t, context.Background(), "alice", "你好")
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}
	u := got[0]
	if u.Type != bus.EventUtterance || u.Ordinal != 0 || u.Text != "你好呀！" {
		t.Errorf("utterance = %+v", u)
	}
	if string(u.Audio) != "你好呀！" || u.Format != "wav" || u.Error != "" {
		t.Errorf("utterance audio = %q (%s) error %q", u.Audio, u.Format, u.Error)
	}
	wantEnd(t, got)
	if got[1].InteractionID != u.InteractionID {
		t.Errorf("end interaction %q, utterance %q", got[1].InteractionID, u.InteractionID)
	}
	if got[1].Degraded {
		t.Error("end marked degraded")
	}

	f.pipeline.Wait()
	msgs := f.messages(t, "alice")
	if len(msgs) != 2 {
		t.Fatalf("history has %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != history.RoleUser || msgs[0].Content != "你好" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Role != history.RoleAgent || msgs[1].Content != "你好呀！" {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
	if n := f.llm.extractCount(); n != 1 {
		t.Errorf("extractions = %d, want 1", n)
	}

	s, ok := f.registry.Get("alice")
	if !ok {
		t.Fatal("session missing")
	}
	if s.Busy() || s.State() != session.StateIdle {
		t.Errorf("session busy=%v state=%v, want idle", s.Busy(), s.State())
	}
}

func TestPipeline_SynthesisTimeoutMarksUtterance(t *testing.T) {
	m := &scriptedModel{deltas: []string{"第一句话在这里。", "第二句话在这里。", "第三句话在这里。"}}
	backend := &echoBackend{fn: func(ctx context.Context, req synthesis.Request) (*synthesis.Audio, error) {
		if strings.HasPrefix(req.Text, "第二") {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &synthesis.Audio{Data: []byte(req.Text), Format: "wav"}, nil
	}}
	f := newFixture(t, m, backend, fixtureOptions{synth: synthesis.Options{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		Timeout:     30 * time.Millisecond,
	}})

	got := f.reply(t, context.Background(), "alice", "讲三句话")
	if len(got) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(got), got)
	}
	for i := 0; i < 3; i++ {
		if got[i].Ordinal != i {
			t.Errorf("event %d ordinal = %d", i, got[i].Ordinal)
		}
	}
	if len(got[0].Audio) == 0 || len(got[2].Audio) == 0 {
		t.Error("healthy utterances lost their audio")
	}
	if len(got[1].Audio) != 0 || got[1].Error != bus.CodeSynthesisFailed || got[1].Text != "第二句话在这里。" {
		t.Errorf("timed out utterance = %+v", got[1])
	}
	wantEnd(t, got)

	// Two failing retries on top of the first attempt, plus the other two.
	if n := backend.calls.Load(); n != 5 {
		t.Errorf("backend calls = %d, want 5", n)
	}
}

func TestPipeline_SessionBusy(t *testing.T) {
	m := &scriptedModel{deltas: []string{"好的，我在听。"}, gate: make(chan struct{})}
	f := newFixture(t, m, nil, fixtureOptions{})
	ctx := context.Background()

	first, err := f.pipeline.Handle(ctx, "alice", "第一条")
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if _, err := f.pipeline.Handle(ctx, "alice", "第二条"); !errors.Is(err, session.ErrSessionBusy) {
		t.Fatalf("second Handle error = %v, want ErrSessionBusy", err)
	}

	// Other users are unaffected.
	other, err := f.pipeline.Handle(ctx, "bob", "你好")
	if err != nil {
		t.Fatalf("Handle bob error: %v", err)
	}

	close(m.gate)
	wantEnd(t, drain(t, first))
	wantEnd(t, drain(t, other))

	// The busy flag is cleared before the terminal event is sent.
	wantEnd(t, f.reply(t, ctx, "alice", "第三条"))
}

func TestPipeline_SessionBusyAfterEviction(t *testing.T) {
	m := &scriptedModel{deltas: []string{"好的，我在听。"}, gate: make(chan struct{})}
	f := newFixture(t, m, nil, fixtureOptions{})
	ctx := context.Background()

	first, err := f.pipeline.Handle(ctx, "alice", "第一条")
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if n := f.registry.EvictIdle(0); n != 0 {
		t.Fatalf("EvictIdle dropped %d running session(s)", n)
	}
	if _, err := f.pipeline.Handle(ctx, "alice", "第二条"); !errors.Is(err, session.ErrSessionBusy) {
		t.Fatalf("second Handle error = %v, want ErrSessionBusy", err)
	}

	close(m.gate)
	wantEnd(t, drain(t, first))
}

func TestPipeline_OrderedDeliveryDespiteOutOfOrderSynthesis(t *testing.T) {
	m := &scriptedModel{deltas: []string{"慢慢说第一句。", "快快说第二句。", "快快说第三句。"}}
	backend := &echoBackend{fn: func(ctx context.Context, req synthesis.Request) (*synthesis.Audio, error) {
		if strings.HasPrefix(req.Text, "慢") {
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &synthesis.Audio{Data: []byte(req.Text), Format: "wav"}, nil
	}}
	f := newFixture(t, m, backend, fixtureOptions{})
	// A second worker lets later utterances finish first.
	sched, err := synthesis.NewScheduler([]synthesis.Backend{backend, backend}, synthesis.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewScheduler error: %v", err)
	}
	t.Cleanup(func() { _ = sched.Close() })
	f.pipeline.scheduler = sched

	got := f.reply(t, context.Background(), "alice", "说三句")
	if len(got) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(got), got)
	}
	for i, want := range []string{"慢慢说第一句。", "快快说第二句。"} {
		if got[i].Text != want || string(got[i].Audio) != want {
			t.Errorf("event %d = %q with audio %q, want %q", i, got[i].Text, got[i].Audio, want)
		}
	}
	if got[2].Ordinal != 2 {
		t.Errorf("third ordinal = %d, want 2", got[2].Ordinal)
	}
	wantEnd(t, got)
}

func TestPipeline_CancelStopsSynthesisButConsolidates(t *testing.T) {
	deltas := make([]string, 10)
	for i := range deltas {
		deltas[i] = "这是很长的一句话。"
	}
	m := &scriptedModel{deltas: deltas, delay: 30 * time.Millisecond}
	f := newFixture(t, m, nil, fixtureOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := f.pipeline.Handle(ctx, "alice", "讲个长故事")
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != bus.EventUtterance {
			t.Fatalf("first event = %+v, want utterance", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no utterance")
	}
	cancel()

	rest := drain(t, events)
	if len(rest) == 0 {
		t.Fatal("no terminal event after cancel")
	}
	if final := last(rest); final.Type != bus.EventError || final.Error != bus.CodeCancelled {
		t.Errorf("terminal event = %+v, want cancelled error", final)
	}

	f.pipeline.Wait()
	if n := f.backend.calls.Load(); n >= int32(len(deltas)) {
		t.Errorf("backend calls = %d, want fewer than %d", n, len(deltas))
	}

	msgs := f.messages(t, "alice")
	if len(msgs) != 2 {
		t.Fatalf("history has %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "讲个长故事" || !strings.HasPrefix(msgs[1].Content, "这是很长的一句话。") {
		t.Errorf("history = %+v", msgs)
	}
	if n := f.llm.extractCount(); n != 1 {
		t.Errorf("extractions = %d, want 1", n)
	}
}

func TestPipeline_RetrievalDegraded(t *testing.T) {
	m := &scriptedModel{deltas: []string{"我还记得你哦。"}}
	f := newFixture(t, m, nil, fixtureOptions{retriever: failingRetriever{}})

	got := f.reply(t, context.Background(), "alice", "还记得我吗")
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}
	if got[0].Text != "我还记得你哦。" {
		t.Errorf("utterance = %q", got[0].Text)
	}
	wantEnd(t, got)
	if !got[1].Degraded {
		t.Error("end event not marked degraded")
	}
}

func TestPipeline_MemoriesAreScopedToUser(t *testing.T) {
	m := &scriptedModel{deltas: []string{"当然记得啦。"}}
	f := newFixture(t, m, nil, fixtureOptions{})
	ctx := context.Background()

	if _, err := f.engine.Write(ctx, "alice", memory.Record{Content: "用户喜欢唱歌"}); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	f.reply(t, ctx, "alice", "你记得我喜欢什么吗")
	req := m.lastRequest()
	if !strings.Contains(req.System, "用户喜欢唱歌") {
		t.Error("alice's prompt is missing her memory")
	}
	if req.SessionID != "alice" {
		t.Errorf("SessionID = %q, want alice", req.SessionID)
	}

	f.reply(t, ctx, "bob", "你记得我喜欢什么吗")
	if strings.Contains(m.lastRequest().System, "用户喜欢唱歌") {
		t.Error("bob's prompt contains alice's memory")
	}
}

func TestPipeline_HistoryFeedsNextPrompt(t *testing.T) {
	m := &scriptedModel{deltas: []string{"我记住啦。"}}
	f := newFixture(t, m, nil, fixtureOptions{})
	ctx := context.Background()

	f.reply(t, ctx, "alice", "我叫小明")
	f.reply(t, ctx, "alice", "我叫什么")

	system := m.lastRequest().System
	for _, want := range []string{"我叫小明", "我记住啦。"} {
		if !strings.Contains(system, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestPipeline_GenerationFailure(t *testing.T) {
	m := &scriptedModel{deltas: []string{"今天天气真不错。"}, err: errors.New("upstream reset")}
	f := newFixture(t, m, nil, fixtureOptions{})

	got := f.reply(t, context.Background(), "alice", "天气怎么样")
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}
	if got[0].Text != "今天天气真不错。" {
		t.Errorf("utterance = %q", got[0].Text)
	}
	if got[1].Type != bus.EventError || got[1].Error != bus.CodeGenerationFailed {
		t.Errorf("terminal event = %+v, want generation failure", got[1])
	}

	if s, _ := f.registry.Get("alice"); s.Busy() {
		t.Error("session still busy after failure")
	}
}

func TestPipeline_RejectsEmptyInput(t *testing.T) {
	f := newFixture(t, &scriptedModel{}, nil, fixtureOptions{})

	if _, err := f.pipeline.Handle(context.Background(), "  ", "你好"); !errors.Is(err, history.ErrEmptyUser) {
		t.Errorf("blank user error = %v, want ErrEmptyUser", err)
	}
	if _, err := f.pipeline.Handle(context.Background(), "alice", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank message error = %v, want ErrEmptyMessage", err)
	}
	if n := f.registry.Len(); n != 0 {
		t.Errorf("registry has %d sessions, want 0", n)
	}
}

func jsonEqual(t *testing.T, want string, got []byte) {
	t.Helper()
	var w, g any
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("bad expected json: %v", err)
	}
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(w, g) {
		t.Errorf("json = %s, want %s", got, want)
	}
}

func TestEvent_JSON(t *testing.T) {
	data, err := json.Marshal(bus.Event{
		Type:          bus.EventUtterance,
		InteractionID: "i-1",
		Ordinal:       2,
		Text:          "你好",
		Audio:         []byte{1, 2, 3},
		Format:        "wav",
	})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	jsonEqual(t, `{"type":"utterance","interaction_id":"i-1","ordinal":2,"text":"你好","audio":"AQID","format":"wav"}`, data)

	end, err := json.Marshal(bus.Event{Type: bus.EventEnd})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	jsonEqual(t, `{"type":"end","ordinal":0}`, end)
}

func last(events []bus.Event) bus.Event {
	return events[len(events)-1]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := config.DefaultConfig()
	cfg.Agent.Workspace = filepath.Join(home, "workspace")
	cfg.Agent.DBPath = filepath.Join(home, "history.db")
	cfg.Memory.Dir = filepath.Join(home, "memory")
	cfg.Context.Cache.Backend = config.CacheBackendRistretto
	cfg.Channels.WebSocket.Enabled = false
	return cfg
}

func TestGateway_NewAndRun(t *testing.T) {
	cfg := testConfig(t)
	knowledge := filepath.Join(t.TempDir(), "knowledge.jsonl")
	if err := os.WriteFile(knowledge, []byte(`{"content":"洛天依的生日是7月12日"}`+"\n"), 0644); err != nil {
		t.Fatalf("write knowledge: %v", err)
	}
	cfg.Memory.KnowledgePath = knowledge

	m := &scriptedModel{deltas: []string{"我是洛天依哦。"}}
	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(cfg, Options{
		Provider:   providerFor(m),
		LLM:        &fakeLLM{},
		Embedder:   memory.NewHashEmbedder(64),
		Backends:   []synthesis.Backend{&echoBackend{}},
		SignalChan: sigCh,
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	events, err := g.Handle(context.Background(), "alice", "你是谁")
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	got := drain(t, events)
	if got[0].Text != "我是洛天依哦。" {
		t.Errorf("utterance = %q", got[0].Text)
	}
	if !strings.Contains(m.lastRequest().System, "7月12日") {
		t.Error("prompt is missing seeded knowledge")
	}

	if n := g.Registry().Len(); n != 1 {
		t.Errorf("registry has %d sessions, want 1", n)
	}
	st := g.Status()
	if len(st.Sessions) != 1 || st.Sessions[0].UserID != "alice" {
		t.Errorf("status sessions = %+v", st.Sessions)
	}
	if st.Synthesis.Workers != 1 {
		t.Errorf("synthesis workers = %d, want 1", st.Synthesis.Workers)
	}
	n, err := g.Store().Count(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Count error: %v", err)
	}
	if n != 2 {
		t.Errorf("stored messages = %d, want 2", n)
	}

	states := g.Cron().States()
	if len(states) != 2 || states[0].Name != memoryRetryJob || states[1].Name != sessionEvictJob {
		t.Errorf("cron jobs = %+v, want %s and %s", states, memoryRetryJob, sessionEvictJob)
	}

	sigCh <- syscall.SIGTERM
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after signal")
	}
}

func TestGateway_BadCacheBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Context.Cache.Backend = "memcached"
	if _, err := NewWithOptions(cfg, Options{Provider: providerFor(&scriptedModel{}), LLM: &fakeLLM{}}); err == nil {
		t.Error("unknown cache backend should fail")
	}

	cfg.Context.Cache.Backend = config.CacheBackendRedis
	cfg.Context.Cache.RedisAddr = ""
	if _, err := NewWithOptions(cfg, Options{Provider: providerFor(&scriptedModel{}), LLM: &fakeLLM{}}); err == nil {
		t.Error("redis without an address should fail")
	}
}

func TestDeliveryTimeout(t *testing.T) {
	got := deliveryTimeout(synthesis.Options{MaxAttempts: 3, Timeout: 10 * time.Second, MaxBackoff: 2 * time.Second})
	if got != 66*time.Second {
		t.Errorf("deliveryTimeout = %v, want 66s", got)
	}
}
