package pipe

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestForwardJSONRecords(t *testing.T) {
	logger, hook := test.NewNullLogger()
	fwd, err := NewLogForwarder(logger.WithField("source", "child"))
	if err != nil {
		t.Fatal(err)
	}
	fwd.W.WriteString(`{"level":"warning","msg":"mount failed"}` + "\n")
	fwd.W.WriteString("plain text line\n")
	fwd.W.Close()

	select {
	case <-fwd.Done:
	case <-time.After(time.Second):
		t.Fatal("forwarder did not finish")
	}

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != logrus.WarnLevel || entries[0].Message != "mount failed" {
		t.Errorf("unexpected entry: %v %q", entries[0].Level, entries[0].Message)
	}
	if entries[1].Level != logrus.InfoLevel || entries[1].Message != "plain text line" {
		t.Errorf("unexpected entry: %v %q", entries[1].Level, entries[1].Message)
	}
}

func TestForwardBadLevel(t *testing.T) {
	logger, hook := test.NewNullLogger()
	fwd, err := NewLogForwarder(logger.WithField("source", "child"))
	if err != nil {
		t.Fatal(err)
	}
	fwd.W.WriteString(`{"level":"loud","msg":"hello"}` + "\n")
	fwd.W.Close()
	<-fwd.Done

	entries := hook.AllEntries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Level != logrus.InfoLevel {
		t.Errorf("expected info fallback, got %v", entries[0].Level)
	}
}
