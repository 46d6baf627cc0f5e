package monitoring

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetLoggerNilMutes(t *testing.T) {
	orig := Logger()
	defer SetLogger(orig)

	SetLogger(nil)
	if Logger() == nil {
		t.Fatal("expected a non-nil logger after SetLogger(nil)")
	}
	Logger().Info("discarded")
}

func TestOrPrefersExplicitLogger(t *testing.T) {
	l := logrus.New()
	if Or(l) != l {
		t.Error("Or should return the explicit logger")
	}
	if Or(nil) != Logger() {
		t.Error("Or(nil) should return the package logger")
	}
}

func TestConfigure(t *testing.T) {
	orig := Logger()
	defer SetLogger(orig)

	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	SetLogger(l)

	if err := Configure("debug", "json"); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if l.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", l.GetLevel())
	}
	l.WithField("location", "Europe").Debug("hello")
	if !bytes.Contains(buf.Bytes(), []byte(`"location":"Europe"`)) {
		t.Errorf("expected JSON output, got %q", buf.String())
	}

	if err := Configure("info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
	if err := Configure("loud", "text"); err == nil {
		t.Error("expected error for unknown level")
	}
}
