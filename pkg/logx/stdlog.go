package logx

import (
	"bytes"
	"log"
)

// StdLogger adapts l for APIs that want a *log.Logger, such as
// http.Server.ErrorLog. Each line becomes one event at level.
func (l Logger) StdLogger(level Level) *log.Logger {
	return log.New(stdWriter{l: l, level: level}, "", 0)
}

type stdWriter struct {
	l     Logger
	level Level
}

func (w stdWriter) Write(p []byte) (int, error) {
	msg := string(bytes.TrimRight(p, "\r\n"))
	zl := w.l.zl()
	if e := zl.WithLevel(w.level); e != nil {
		for _, f := range w.l.fields {
			if f != nil {
				f(e)
			}
		}
		e.Msg(msg)
	}
	return len(p), nil
}
