package probe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

// stampWriter records every write with the time it happened.
type stampWriter struct {
	mu    sync.Mutex
	lines []string
	at    []time.Time
}

func (w *stampWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, string(p))
	w.at = append(w.at, time.Now())
	return len(p), nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) add(e string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) Ready() error            { return n.add("ready") }
func (n *recordingNotifier) Watchdog() error         { return n.add("watchdog") }
func (n *recordingNotifier) Status(msg string) error { return n.add("status:" + msg) }
func (n *recordingNotifier) Stopping() error         { return n.add("stopping") }

func (n *recordingNotifier) count(e string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, got := range n.events {
		if got == e {
			c++
		}
	}
	return c
}

type sourceFunc func(ctx context.Context) (*Reading, error)

func (f sourceFunc) Sample(ctx context.Context) (*Reading, error) { return f(ctx) }

func constantSampler(t *testing.T) *Sampler {
	t.Helper()
	return newTestSampler(t, &fakeRunner{outputs: map[string]string{
		"sensors":              "Core 0:      +45.0°C\nCore 1:      +46.5°C\n",
		"smartctl -A /dev/sda": smartLine("33"),
		"smartctl -A /dev/sdb": smartLine("31"),
	}}, []string{"/dev/sda", "/dev/sdb"})
}

func TestDriverThreeCycles(t *testing.T) {
	out := &stampWriter{}
	interval := 50 * time.Millisecond
	d := &Driver{
		Sampler:  constantSampler(t),
		Out:      out,
		Interval: interval,
		Count:    3,
	}

	start := time.Now()
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	elapsed := time.Since(start)

	if len(out.lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(out.lines), out.lines)
	}
	want := `{"Core 0":45.0,"Core 1":46.5,"/dev/sda":33,"/dev/sdb":31}` + "\n"
	for i, line := range out.lines {
		if line != want {
			t.Errorf("line %d: got %q, want %q", i, line, want)
		}
	}
	for i := 1; i < len(out.at); i++ {
		if gap := out.at[i].Sub(out.at[i-1]); gap < interval {
			t.Errorf("gap %d: %s is shorter than the interval %s", i, gap, interval)
		}
	}
	// no wait after the last cycle
	if elapsed >= 3*interval {
		t.Errorf("run took %s, expected about %s", elapsed, 2*interval)
	}
}

func TestDriverLinesDecode(t *testing.T) {
	var buf bytes.Buffer
	s := constantSampler(t)
	d := &Driver{Sampler: s, Out: &buf, Interval: time.Millisecond, Count: 2}
	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	want, err := s.Sample(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	sc := bufio.NewScanner(&buf)
	n := 0
	for sc.Scan() {
		n++
		var got map[string]float64
		if err := json.Unmarshal(sc.Bytes(), &got); err != nil {
			t.Fatalf("line %d is not JSON: %v", n, err)
		}
		for k, v := range want.Map() {
			if got[k] != v {
				t.Errorf("line %d: %s = %v, want %v", n, k, got[k], v)
			}
		}
		if len(got) != want.Len() {
			t.Errorf("line %d: %d keys, want %d", n, len(got), want.Len())
		}
	}
	if n != 2 {
		t.Errorf("expected 2 lines, got %d", n)
	}
}

func TestDriverFailFast(t *testing.T) {
	calls := 0
	src := sourceFunc(func(ctx context.Context) (*Reading, error) {
		calls++
		if calls == 2 {
			return nil, &SampleError{Kind: ErrFieldAbsent, Tool: "smartctl", Device: "/dev/sdb"}
		}
		r := NewReading()
		r.SetInt("/dev/sda", 30)
		return r, nil
	})
	out := &stampWriter{}
	notify := &recordingNotifier{}
	core, logs := observer.New(zapcore.InfoLevel)

	d := &Driver{Sampler: src, Out: out, Interval: time.Millisecond, Notifier: notify, Logger: zap.New(core)}
	err := d.Run(context.Background())
	if !errors.Is(err, ErrFieldAbsent) {
		t.Fatalf("expected ErrFieldAbsent, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected the loop to stop after the failing cycle, got %d calls", calls)
	}
	if len(out.lines) != 1 {
		t.Errorf("expected only the first line, got %q", out.lines)
	}
	if notify.count("ready") != 1 || notify.count("stopping") != 1 {
		t.Errorf("notifications: %v", notify.events)
	}
	if notify.count("status:"+err.Error()) != 1 {
		t.Errorf("expected a status with the error, got %v", notify.events)
	}
	if logs.FilterMessage("sampling failed").Len() != 1 {
		t.Errorf("expected the failure to be logged")
	}
}

func TestDriverCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := &stampWriter{}
	notify := &recordingNotifier{}
	d := &Driver{
		Sampler:  constantSampler(t),
		Out:      out,
		Interval: time.Hour,
		Notifier: notify,
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for notify.count("ready") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("cancellation should not be an error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(out.lines) != 1 {
		t.Errorf("expected one line before cancel, got %d", len(out.lines))
	}
	if notify.count("stopping") != 1 {
		t.Errorf("expected stopping notification, got %v", notify.events)
	}
}

func TestDriverCancelDuringSample(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := sourceFunc(func(ctx context.Context) (*Reading, error) {
		cancel()
		<-ctx.Done()
		return nil, &SampleError{Kind: ErrToolFailed, Tool: "sensors", Err: ctx.Err()}
	})
	d := &Driver{Sampler: src, Out: &stampWriter{}, Interval: time.Second}
	if err := d.Run(ctx); err != nil {
		t.Errorf("interrupted cycle should end cleanly, got %v", err)
	}
}

func TestDriverWatchdog(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	notify := &recordingNotifier{}
	d := &Driver{
		Sampler:          constantSampler(t),
		Out:              &stampWriter{},
		Interval:         time.Hour,
		Notifier:         notify,
		WatchdogInterval: 10 * time.Millisecond,
	}
	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}
	// one ping after the cycle plus several while waiting
	if n := notify.count("watchdog"); n < 3 {
		t.Errorf("expected watchdog pings while waiting, got %d", n)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestDriverWriteError(t *testing.T) {
	d := &Driver{Sampler: constantSampler(t), Out: failingWriter{}, Interval: time.Millisecond}
	err := d.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Errorf("expected write error, got %v", err)
	}
}

func TestDriverInvalid(t *testing.T) {
	tests := []*Driver{
		{Out: &stampWriter{}, Interval: time.Second},
		{Sampler: sourceFunc(nil), Interval: time.Second},
		{Sampler: sourceFunc(nil), Out: &stampWriter{}},
	}
	for i, d := range tests {
		if err := d.Run(context.Background()); err == nil {
			t.Errorf("case %d: expected an error", i)
		}
	}
}
