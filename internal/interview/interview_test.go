package interview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spigell/hh-screener/internal/ai"
	"github.com/spigell/hh-screener/internal/callog"
	"github.com/spigell/hh-screener/internal/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubGenerator struct {
	mu           sync.Mutex
	err          error
	calls        int
	instructions []string
	histories    [][]ai.Message
	// during runs at the start of every Generate call.
	during func()
}

func (g *stubGenerator) Generate(_ context.Context, instructions string, history []ai.Message) (string, error) {
	if g.during != nil {
		g.during()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.instructions = append(g.instructions, instructions)
	g.histories = append(g.histories, append([]ai.Message(nil), history...))
	if g.err != nil {
		return "", g.err
	}
	return fmt.Sprintf("Question %d?", g.calls+1), nil
}

type stubSynthesizer struct {
	mu    sync.Mutex
	err   error
	texts map[string]string
}

func (s *stubSynthesizer) Synthesize(_ context.Context, text, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if s.texts == nil {
		s.texts = map[string]string{}
	}
	s.texts[name] = text
	return name + ".wav", nil
}

type memorySink struct {
	mu      sync.Mutex
	writes  int
	records map[string]callog.Record
}

func (m *memorySink) Write(_ context.Context, rec callog.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = map[string]callog.Record{}
	}
	m.writes++
	m.records[rec.CallID] = rec
	return nil
}

func (m *memorySink) List(context.Context) ([]callog.Summary, error) { return nil, nil }

func (m *memorySink) Get(_ context.Context, callID string) (*callog.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[callID]
	if !ok {
		return nil, callog.ErrNotFound
	}
	return &rec, nil
}

type fixture struct {
	registry *session.MemoryRegistry
	gen      *stubGenerator
	synth    *stubSynthesizer
	sink     *memorySink
	orch     *Orchestrator
}

func newFixture(t *testing.T, callID string) *fixture {
	t.Helper()
	f := &fixture{
		registry: session.NewMemoryRegistry(),
		gen:      &stubGenerator{},
		synth:    &stubSynthesizer{},
		sink:     &memorySink{},
	}
	f.orch = New(f.registry, f.gen, zap.NewNop(), WithSynthesizer(f.synth), WithSink(f.sink))

	if callID != "" {
		s := session.New("Backend Engineer JD", "5 yrs Python resume")
		s.CallID = callID
		if err := f.registry.Create(context.Background(), callID, s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	return f
}

func (f *fixture) transcript(t *testing.T, callID string) session.Transcript {
	t.Helper()
	s, err := f.registry.Get(context.Background(), callID)
	if err != nil || s == nil {
		t.Fatalf("get %s: %v", callID, err)
	}
	return s.Transcript
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "CA1")

	first := f.orch.Open(ctx, "CA1")
	second := f.orch.Open(ctx, "CA1")

	if first.Greeting != Greeting || first.Question != FirstQuestion {
		t.Fatalf("unexpected opening: %+v", first)
	}
	if second.Text() != first.Text() {
		t.Fatalf("replayed opening differs")
	}
	if first.GreetingAudio != "greeting_CA1.wav" || first.QuestionAudio != "q1_CA1.wav" {
		t.Fatalf("unexpected audio refs: %+v", first)
	}

	tr := f.transcript(t, "CA1")
	if tr.Len() != 1 || tr[0].Role != session.RoleInterviewer {
		t.Fatalf("expected a single interviewer turn, got %+v", tr)
	}
	if f.sink.writes != 1 {
		t.Fatalf("expected one log write for the opening, got %d", f.sink.writes)
	}
}

func TestAdvanceTranscriptGrowthAndEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "CA1")
	f.orch.Open(ctx, "CA1")

	utterances := []string{
		"I have 5 years building APIs",
		"Mostly Python and Go",
		"I led a billing migration",
		"I profiled and fixed a memory leak",
		"I want to grow into a staff role",
	}

	for i, u := range utterances {
		n := i + 1
		reply := f.orch.Advance(ctx, "CA1", u)

		tr := f.transcript(t, "CA1")
		if tr.Len() != 2*n+1 {
			t.Fatalf("after %d utterances expected length %d, got %d", n, 2*n+1, tr.Len())
		}
		for j, turn := range tr {
			want := session.RoleInterviewer
			if j%2 == 1 {
				want = session.RoleCandidate
			}
			if turn.Role != want {
				t.Fatalf("turn %d: expected %s, got %s", j, want, turn.Role)
			}
		}

		wantEnd := tr.Len() >= MaxTranscriptLength
		if reply.ShouldEnd != wantEnd {
			t.Fatalf("after %d utterances expected ShouldEnd=%v", n, wantEnd)
		}
		if reply.Exchange != tr.ExchangeCount() {
			t.Fatalf("unexpected exchange: %d", reply.Exchange)
		}

		if wantEnd {
			if reply.Closing != Closing || !strings.HasSuffix(reply.Speech(), Closing) {
				t.Fatalf("expected closing sentence, got %+v", reply)
			}
			if reply.AudioRef != "closing_CA1.wav" {
				t.Fatalf("unexpected closing audio: %q", reply.AudioRef)
			}
			if f.synth.texts["closing_CA1"] != reply.Speech() {
				t.Fatalf("closing audio must render the full speech")
			}
		} else {
			if reply.Closing != "" {
				t.Fatalf("unexpected closing before the end")
			}
			if want := fmt.Sprintf("response_CA1_%d.wav", n); reply.AudioRef != want {
				t.Fatalf("expected audio %s, got %s", want, reply.AudioRef)
			}
		}
	}

	if f.sink.writes != 1+len(utterances) {
		t.Fatalf("expected a log write per turn, got %d", f.sink.writes)
	}
	rec, _ := f.sink.Get(ctx, "CA1")
	if rec.Status != session.StatusInProgress || rec.Transcript.Len() != 11 {
		t.Fatalf("unexpected in-progress record: %+v", rec)
	}

	last := f.gen.instructions[len(f.gen.instructions)-1]
	if !strings.Contains(last, "Current question number: 6") || !strings.Contains(last, wrapUpInstruction) {
		t.Fatalf("expected wrap-up instruction on question 6:\n%s", last)
	}
	if strings.Contains(f.gen.instructions[0], wrapUpInstruction) {
		t.Fatalf("wrap-up instruction must not appear on question 2")
	}
	if !strings.Contains(f.gen.instructions[0], "Backend Engineer JD") {
		t.Fatalf("instructions must carry the job description")
	}

	history := f.gen.histories[0]
	if len(history) != 2 || history[0].Speaker != ai.SpeakerInterviewer || history[1].Text != utterances[0] {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestAdvanceApologizesOnGenerationFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "CA1")
	f.gen.err = errors.New("backend down")

	core, observed := observer.New(zapcore.WarnLevel)
	f.orch.logger = zap.New(core)

	f.orch.Open(ctx, "CA1")
	reply := f.orch.Advance(ctx, "CA1", "")

	if reply.Text != Apology {
		t.Fatalf("expected apology, got %q", reply.Text)
	}
	tr := f.transcript(t, "CA1")
	if tr.Len() != 3 || tr[1].Content != "" || tr[2].Content != Apology {
		t.Fatalf("turn must still complete, got %+v", tr)
	}
	if observed.FilterMessage("generation failed, apologizing").Len() != 1 {
		t.Fatalf("expected generation failure to be logged")
	}
}

func TestAdvanceWithoutAudio(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "CA1")
	f.synth.err = errors.New("tts down")

	opening := f.orch.Open(ctx, "CA1")
	if opening.GreetingAudio != "" || opening.QuestionAudio != "" {
		t.Fatalf("expected no audio refs, got %+v", opening)
	}
	if reply := f.orch.Advance(ctx, "CA1", "hello"); reply.AudioRef != "" || reply.Text == "" {
		t.Fatalf("expected text reply without audio, got %+v", reply)
	}

	plain := New(f.registry, f.gen, nil)
	if reply := plain.Advance(ctx, "CA1", "again"); reply.AudioRef != "" {
		t.Fatalf("expected no audio without a synthesizer")
	}
}

func TestAdvanceUnknownCallUsesTransientSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	reply := f.orch.Advance(ctx, "CA404", "hello?")

	if reply.Text == "" || reply.ShouldEnd || reply.Exchange != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if f.registry.Len() != 0 {
		t.Fatalf("unknown call must not be inserted")
	}
	if f.sink.writes != 0 {
		t.Fatalf("unknown call must not be logged, got %d writes", f.sink.writes)
	}
	if !strings.Contains(f.gen.instructions[0], notProvided) {
		t.Fatalf("expected empty context to be rendered as %q", notProvided)
	}
}

func TestAdvanceAfterFinalizeIsNotStored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "CA1")
	f.orch.Open(ctx, "CA1")

	if err := f.registry.Update(ctx, "CA1", func(s *session.Session) error {
		s.Finalized = true
		return nil
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	writes := f.sink.writes

	reply := f.orch.Advance(ctx, "CA1", "late answer")
	if reply.Text == "" {
		t.Fatalf("expected a reply even for a finished call")
	}
	if f.transcript(t, "CA1").Len() != 1 {
		t.Fatalf("late turn must not be stored")
	}
	if f.sink.writes != writes {
		t.Fatalf("late turn must not be logged")
	}
	if f.gen.calls != 1 {
		t.Fatalf("expected a single generation, got %d", f.gen.calls)
	}
}

func TestAdvanceAfterFinalizeGeneratesOutsideLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "CA1")
	f.orch.Open(ctx, "CA1")

	if err := f.registry.Update(ctx, "CA1", func(s *session.Session) error {
		s.Finalized = true
		return nil
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	lockFree := make(chan bool, 1)
	f.gen.during = func() {
		done := make(chan struct{})
		go func() {
			_ = f.registry.Update(ctx, "CA1", func(*session.Session) error { return nil })
			close(done)
		}()
		select {
		case <-done:
			lockFree <- true
		case <-time.After(time.Second):
			lockFree <- false
		}
	}

	f.orch.Advance(ctx, "CA1", "late answer")

	if !<-lockFree {
		t.Fatal("generation for a finished call must not hold the session lock")
	}
	if !strings.Contains(f.gen.instructions[0], "Backend Engineer JD") {
		t.Fatalf("late reply should still use the call context, got %q", f.gen.instructions[0])
	}
}

func TestTurnRecordsUseRegistryKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	if err := f.registry.Create(ctx, "CA7", session.New("jd", "cv")); err != nil {
		t.Fatalf("create: %v", err)
	}

	f.orch.Open(ctx, "CA7")
	f.orch.Advance(ctx, "CA7", "hello")

	if _, err := f.sink.Get(ctx, "CA7"); err != nil {
		t.Fatalf("expected turn record under the registry key: %v", err)
	}
	if _, err := f.sink.Get(ctx, ""); err == nil {
		t.Fatal("no record may be written without a call id")
	}
	s, _ := f.registry.Get(ctx, "CA7")
	if s.CallID != "CA7" {
		t.Fatalf("expected call id to follow the key, got %q", s.CallID)
	}
}

func TestAdvanceSerializesPerCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "CA1")
	f.orch.Open(ctx, "CA1")

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.orch.Advance(ctx, "CA1", fmt.Sprintf("answer %d", i))
		}(i)
	}
	wg.Wait()

	tr := f.transcript(t, "CA1")
	if tr.Len() != 2*workers+1 {
		t.Fatalf("expected %d turns, got %d", 2*workers+1, tr.Len())
	}
	for j, turn := range tr {
		if (j%2 == 0) != (turn.Role == session.RoleInterviewer) {
			t.Fatalf("turns interleaved at %d: %+v", j, tr)
		}
	}
}

func TestInstructions(t *testing.T) {
	out := Instructions("", "", 6)
	if strings.Contains(out, "{{") {
		t.Fatalf("unrendered placeholder in:\n%s", out)
	}
	if !strings.Contains(out, wrapUpInstruction) {
		t.Fatalf("expected wrap-up instruction")
	}
	if strings.Contains(Instructions("jd", "cv", 5), wrapUpInstruction) {
		t.Fatalf("question 5 must not wrap up")
	}
}
