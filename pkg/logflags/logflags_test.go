package logflags

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMakeLogger_flagFalse(t *testing.T) {
	entry := makeLogger(false, logrus.Fields{"foo": "bar"})
	if entry.Logger.Level != logrus.PanicLevel {
		t.Fatalf("expected PanicLevel when flag is false; got <%v>", entry.Logger.Level)
	}
	if entry.Data["foo"] != "bar" {
		t.Fatalf("expected fields to carry through; got <%v>", entry.Data)
	}
}

func TestMakeLogger_flagTrue(t *testing.T) {
	entry := makeLogger(true, logrus.Fields{"foo": "bar"})
	if entry.Logger.Level != logrus.DebugLevel {
		t.Fatalf("expected DebugLevel when flag is true; got <%v>", entry.Logger.Level)
	}
}

func TestSetup_logstrWithoutLog(t *testing.T) {
	err := Setup(false, "notes")
	if err != errLogstrWithoutLog {
		t.Fatalf("expected errLogstrWithoutLog; got <%v>", err)
	}
}

func TestSetup_defaultComponent(t *testing.T) {
	reducer = false
	if err := Setup(true, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !Reducer() {
		t.Fatalf("expected reducer component to be enabled by default")
	}
}

func TestSetup_explicitComponents(t *testing.T) {
	notes, linkmap, writer = false, false, false
	if err := Setup(true, "notes,linkmap"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !Notes() || !LinkMap() {
		t.Fatalf("expected notes and linkmap components to be enabled")
	}
	if Writer() {
		t.Fatalf("expected writer component to remain disabled")
	}
}
