package stmt

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func TestFunnel_PreservesEnqueueOrder(t *testing.T) {
	ch := make(chan slog.Record, 128)
	sink := &recordingHandler{level: slog.LevelDebug}
	f := StartFunnel(ch, sink)

	lg := slog.New(NewChanHandler(ch))
	for i := 0; i < 100; i++ {
		lg.Info(fmt.Sprintf("record %d", i))
	}
	close(ch)
	f.Wait()

	msgs := sink.messages()
	if len(msgs) != 100 {
		t.Fatalf("sink received %d records, want 100", len(msgs))
	}
	for i, m := range msgs {
		if want := fmt.Sprintf("record %d", i); m != want {
			t.Fatalf("record %d = %q, want %q (order not preserved)", i, m, want)
		}
	}
}

func TestFunnel_DropsRecordsBelowSinkLevel(t *testing.T) {
	ch := make(chan slog.Record, 8)
	sink := &recordingHandler{level: slog.LevelInfo}
	f := StartFunnel(ch, sink)

	lg := slog.New(NewChanHandler(ch))
	lg.Debug("too quiet")
	lg.Info("loud enough")
	close(ch)
	f.Wait()

	msgs := sink.messages()
	if len(msgs) != 1 || msgs[0] != "loud enough" {
		t.Errorf("sink received %v, want [loud enough]", msgs)
	}
}

func TestFunnel_WaitBlocksUntilDrained(t *testing.T) {
	ch := make(chan slog.Record)
	sink := &recordingHandler{level: slog.LevelDebug}
	f := StartFunnel(ch, sink)

	go func() {
		lg := slog.New(NewChanHandler(ch))
		for i := 0; i < 10; i++ {
			lg.Info("late record")
			time.Sleep(time.Millisecond)
		}
		close(ch)
	}()

	f.Wait()
	if n := len(sink.messages()); n != 10 {
		t.Errorf("sink received %d records after Wait, want 10", n)
	}
}

func TestChanHandler_WithAttrsCarriesContext(t *testing.T) {
	ch := make(chan slog.Record, 2)
	base := NewChanHandler(ch)
	lg := slog.New(base).With("worker", 3)
	lg.Info("hello")
	close(ch)

	rec := <-ch
	found := false
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == "worker" && a.Value.Int64() == 3 {
			found = true
		}
		return true
	})
	if !found {
		t.Error("worker attribute was lost crossing the channel")
	}

	if !base.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("ChanHandler.Enabled must always report true; filtering belongs to the sink")
	}
}
