package readmodel

import (
	"classroom_sync_backend/internal/util"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func sumJoin(values []any) (int, error) {
	total := 0
	for _, v := range values {
		total += v.(int)
	}
	return total, nil
}

func randomState(r *rand.Rand, i int) Resource[any] {
	switch r.Intn(3) {
	case 0:
		return Loading[any]()
	case 1:
		return Success[any](r.Intn(10))
	default:
		return Failure[any](fmt.Sprintf("source %d failed", i))
	}
}

func TestPropagate_RuleOrder(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for iter := 0; iter < 2000; iter++ {
		n := 1 + r.Intn(4)
		latest := make([]Resource[any], n)
		for i := range latest {
			latest[i] = randomState(r, i)
		}

		got := Propagate(latest, sumJoin)

		anyLoading := false
		firstErr := ""
		for _, s := range latest {
			if s.IsLoading() {
				anyLoading = true
			}
			if s.IsError() && firstErr == "" {
				firstErr = s.Message()
			}
		}
		switch {
		case anyLoading:
			if !got.IsLoading() {
				t.Fatalf("iter %d: expected loading, got %s", iter, got.State())
			}
		case firstErr != "":
			if !got.IsError() || got.Message() != firstErr {
				t.Fatalf("iter %d: expected first error %q, got %s %q", iter, firstErr, got.State(), got.Message())
			}
		default:
			if !got.IsSuccess() {
				t.Fatalf("iter %d: expected success, got %s", iter, got.State())
			}
		}
	}
}

func TestCombine_NeverSucceedsOnStaleInputs(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		ctx, cancel := context.WithCancel(context.Background())
		n := 2 + r.Intn(3)
		sources := make([]chan Resource[any], n)
		readers := make([]<-chan Resource[any], n)
		for i := range sources {
			sources[i] = make(chan Resource[any])
			readers[i] = sources[i]
		}
		out := Combine(ctx, sumJoin, readers...)

		model := make([]Resource[any], n)
		emitted, lastLoading := false, false

		for step := 0; step < 60; step++ {
			i := r.Intn(n)
			next := randomState(r, i)
			sources[i] <- next
			model[i] = next

			want := Propagate(model, sumJoin)
			if want.IsLoading() && emitted && lastLoading {
				continue
			}

			select {
			case got := <-out:
				if got.State() != want.State() || got.Message() != want.Message() {
					t.Fatalf("round %d step %d: got %s %q, want %s %q", round, step, got.State(), got.Message(), want.State(), want.Message())
				}
				if got.IsSuccess() {
					for j, s := range model {
						if !s.IsSuccess() {
							t.Fatalf("round %d step %d: success emitted while source %d is %s", round, step, j, s.State())
						}
					}
					v, _ := got.Value()
					w, _ := want.Value()
					if v != w {
						t.Fatalf("round %d step %d: joined %d, want %d", round, step, v, w)
					}
				}
			case <-time.After(time.Second):
				t.Fatalf("round %d step %d: no emission", round, step)
			}
			emitted = true
			lastLoading = want.IsLoading()
		}

		cancel()
		for range out {
		}
	}
}

func TestCombine_CollapsesConsecutiveLoading(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := make(chan Resource[any])
	b := make(chan Resource[any])
	out := Combine(ctx, sumJoin, a, b)

	a <- Loading[any]()
	if got := <-out; !got.IsLoading() {
		t.Fatalf("expected loading first, got %s", got.State())
	}
	// 仍然有来源在加载，不应再次发出 Loading
	a <- Success[any](1)
	b <- Success[any](2)
	got := <-out
	if v, ok := got.Value(); !ok || v != 3 {
		t.Fatalf("expected success 3, got %s %v", got.State(), v)
	}
}

func TestCombine_UnresolvedSourceIsInconsistentJoin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := make(chan Resource[any])
	b := make(chan Resource[any])
	out := Combine(ctx, sumJoin, a, b)

	a <- Success[any](1)
	if got := <-out; !got.IsLoading() {
		t.Fatalf("expected loading while b unresolved, got %s", got.State())
	}
	close(b)
	got := <-out
	if !got.IsError() || !errors.Is(got.Err(), util.ErrInconsistentJoin) {
		t.Fatalf("expected inconsistent join error, got %s %v", got.State(), got.Err())
	}
	close(a)
	if _, ok := <-out; ok {
		t.Fatalf("expected output to close after all sources closed")
	}
}

func TestCombine2_TypedJoin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	names := make(chan Resource[[]string], 1)
	counts := make(chan Resource[int], 1)
	out := Combine2(ctx, names, counts, func(n []string, c int) (string, error) {
		return fmt.Sprintf("%d/%d", len(n), c), nil
	})

	names <- Success([]string{"a", "b"})
	counts <- Success(5)

	got := Settle(ctx, out, time.Second)
	if v, ok := got.Value(); !ok || v != "2/5" {
		t.Fatalf("expected 2/5, got %s %q", got.State(), v)
	}
}

func TestMap_PassesThroughNonSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan Resource[int])
	out := Map(ctx, in, func(v int) (string, error) {
		if v < 0 {
			return "", errors.New("negative")
		}
		return fmt.Sprint(v * 2), nil
	})

	in <- Loading[int]()
	if got := <-out; !got.IsLoading() {
		t.Fatalf("expected loading")
	}
	in <- Failure[int]("boom")
	if got := <-out; got.Message() != "boom" {
		t.Fatalf("expected boom, got %q", got.Message())
	}
	in <- Success(21)
	if got := <-out; !got.IsSuccess() {
		t.Fatalf("expected success")
	} else if v, _ := got.Value(); v != "42" {
		t.Fatalf("expected 42, got %q", v)
	}
	in <- Success(-1)
	if got := <-out; got.Message() != "negative" {
		t.Fatalf("expected mapping error, got %s", got.State())
	}
}

func TestMatch_Exhaustive(t *testing.T) {
	label := func(r Resource[int]) string {
		return Match(r,
			func() string { return "loading" },
			func(v int) string { return fmt.Sprint("ok ", v) },
			func(err error) string { return "err " + err.Error() },
		)
	}
	if got := label(Loading[int]()); got != "loading" {
		t.Fatalf("got %q", got)
	}
	if got := label(Success(3)); got != "ok 3" {
		t.Fatalf("got %q", got)
	}
	if got := label(Failure[int]("x")); got != "err x" {
		t.Fatalf("got %q", got)
	}
	var zero Resource[int]
	if !zero.IsLoading() {
		t.Fatalf("zero value should be loading")
	}
}

func TestResource_MarshalJSON(t *testing.T) {
	b, err := Success(map[string]int{"n": 1}).MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"state":"success","data":{"n":1}}` {
		t.Fatalf("unexpected json %s", b)
	}
	b, _ = Failure[int]("offline").MarshalJSON()
	if string(b) != `{"state":"error","message":"offline"}` {
		t.Fatalf("unexpected json %s", b)
	}
}

func TestShare_CancelsUpstreamWhenLastSubscriberLeaves(t *testing.T) {
	started := make(chan context.Context, 4)
	src := make(chan Resource[int])

	shared := Share(func(ctx context.Context) <-chan Resource[int] {
		started <- ctx
		out := make(chan Resource[int])
		go func() {
			defer close(out)
			for {
				select {
				case v := <-src:
					select {
					case out <- v:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		return out
	})

	ctx := context.Background()
	ch1, release1 := shared.Subscribe(ctx)
	ch2, release2 := shared.Subscribe(ctx)

	var upstream context.Context
	select {
	case upstream = <-started:
	case <-time.After(time.Second):
		t.Fatalf("upstream not started")
	}
	if len(started) != 0 {
		t.Fatalf("upstream started more than once")
	}

	src <- Success(9)
	for i, ch := range []<-chan Resource[int]{ch1, ch2} {
		select {
		case got := <-ch:
			if v, _ := got.Value(); v != 9 {
				t.Fatalf("subscriber %d: expected 9, got %v", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no value", i)
		}
	}

	release1()
	if upstream.Err() != nil {
		t.Fatalf("upstream cancelled while a subscriber remains")
	}
	release2()
	select {
	case <-upstream.Done():
	case <-time.After(time.Second):
		t.Fatalf("upstream not cancelled after last subscriber left")
	}
	if shared.Active() || shared.Subscribers() != 0 {
		t.Fatalf("expected idle shared stream")
	}

	_, release3 := shared.Subscribe(ctx)
	defer release3()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("expected upstream restart on new subscriber")
	}
}

func TestShare_ReleasesOnContextDone(t *testing.T) {
	shared := Share(func(ctx context.Context) <-chan Resource[int] {
		out := make(chan Resource[int])
		go func() {
			<-ctx.Done()
			close(out)
		}()
		return out
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := shared.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not released")
	}
}

func TestSettle_WaitsForFirstValue(t *testing.T) {
	ctx := context.Background()
	in := make(chan Resource[int], 2)
	in <- Loading[int]()
	in <- Success(3)
	if got := Settle(ctx, in, time.Second); !got.IsSuccess() {
		t.Fatalf("expected success, got %s", got.State())
	}

	idle := make(chan Resource[int])
	if got := Settle(ctx, idle, 10*time.Millisecond); !got.IsLoading() {
		t.Fatalf("expected loading on timeout, got %s", got.State())
	}
}
