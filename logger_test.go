package xdom

import (
	"bytes"
	"flag"
	"testing"

	"tlog.app/go/tlog"
)

var tlogV = flag.String("tlog-v", "", "tlog verbosity topics, db,btree,dom,recovery,journal")

type testingWriter struct {
	t testing.TB
}

func (w testingWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Logf("%s", bytes.TrimSuffix(p, []byte("\n")))

	return len(p), nil
}

// initLogger routes logs into t.Log.
func initLogger(t testing.TB) *tlog.Logger {
	l := tlog.New(tlog.NewConsoleWriter(testingWriter{t: t}, tlog.LstdFlags))
	l.SetVerbosity(*tlogV)

	return l
}
