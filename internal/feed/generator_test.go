package feed

import (
	"testing"
	"time"

	"github.com/orchview/orchview/internal/model"
)

func TestGeneratorDeterministicForSeed(t *testing.T) {
	a := NewGenerator(42)
	b := NewGenerator(42)
	now := time.Date(2026, 8, 26, 9, 30, 0, 0, time.UTC)

	for i := 0; i < 60; i++ {
		ea := a.Next(now)
		eb := b.Next(now)
		if ea.Type != eb.Type || ea.Topic != eb.Topic {
			t.Fatalf("event %d diverged: %v vs %v", i, ea, eb)
		}
		da := ea.Data.(map[string]any)
		db := eb.Data.(map[string]any)
		if len(da) != len(db) {
			t.Fatalf("event %d payload diverged: %v vs %v", i, da, db)
		}
		for k, v := range da {
			if db[k] != v {
				t.Fatalf("event %d key %s diverged: %v vs %v", i, k, v, db[k])
			}
		}
	}
}

func TestGeneratorSeedsDiffer(t *testing.T) {
	a := NewGenerator(1)
	b := NewGenerator(2)
	now := time.Now()

	diverged := false
	for i := 0; i < 30 && !diverged; i++ {
		ea, eb := a.Next(now), b.Next(now)
		if ea.Type != eb.Type {
			diverged = true
			break
		}
		da, db := ea.Data.(map[string]any), eb.Data.(map[string]any)
		for k, v := range da {
			if db[k] != v {
				diverged = true
				break
			}
		}
	}
	if !diverged {
		t.Fatal("different seeds produced identical streams")
	}
}

func TestGeneratorEmitsKnownTopics(t *testing.T) {
	g := NewGenerator(7)
	now := time.Now()
	seen := map[string]bool{}

	for i := 0; i < 200; i++ {
		e := g.Next(now)
		if !model.KnownTopic(e.Topic) {
			t.Fatalf("event %d has unknown topic %q", i, e.Topic)
		}
		if e.Type == "" {
			t.Fatalf("event %d has empty type", i)
		}
		if e.Timestamp == "" {
			t.Fatalf("event %d has empty timestamp", i)
		}
		seen[e.Topic] = true
	}

	for _, topic := range []string{model.TopicInstances, model.TopicTasks, model.TopicLogs, model.TopicWorktrees} {
		if !seen[topic] {
			t.Fatalf("cycle never produced topic %s in 200 events", topic)
		}
	}
}

func TestGeneratorTaskProgressStaysBounded(t *testing.T) {
	g := NewGenerator(11)
	now := time.Now()

	for i := 0; i < 500; i++ {
		e := g.Next(now)
		if e.Type != model.EventTaskUpdated {
			continue
		}
		data := e.Data.(map[string]any)
		progress := data["progress"].(float64)
		if progress < 0 || progress > 1 {
			t.Fatalf("progress out of range: %v", progress)
		}
		state := data["state"].(string)
		if !model.ParseTaskState(state).IsAvailable() {
			t.Fatalf("task event carries unknown state %q", state)
		}
	}
}

func TestHello(t *testing.T) {
	e := Hello(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	if e.Type != model.EventSessionHello {
		t.Fatalf("unexpected hello type %q", e.Type)
	}
	if e.Topic != "" {
		t.Fatalf("hello must not carry a topic, got %q", e.Topic)
	}
	if e.Timestamp != "2026-08-26T12:00:00Z" {
		t.Fatalf("unexpected timestamp %s", e.Timestamp)
	}
}

func TestCentsString(t *testing.T) {
	cases := []struct {
		cents int64
		want  string
	}{
		{0, "0.00"},
		{5, "0.05"},
		{42, "0.42"},
		{125, "1.25"},
		{100000, "1000.00"},
	}
	for _, tc := range cases {
		if got := centsString(tc.cents); got != tc.want {
			t.Fatalf("centsString(%d) = %s, want %s", tc.cents, got, tc.want)
		}
	}
}
