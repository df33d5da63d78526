// Package pipe forwards a child process log stream into the parent logger.
//
// The child writes one JSON log record per line on its log fd. Each line is
// replayed through the parent logrus entry at the recorded level; lines that
// do not parse are emitted verbatim at info level.
package pipe

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// default scanner limit, a single log line should never come close
const maxLineSize = 64 * 1024

// LogForwarder owns the parent side of a child log pipe.
type LogForwarder struct {
	W    *os.File
	Done <-chan struct{}
}

type childRecord struct {
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

// NewLogForwarder creates the pipe and starts replaying the read end onto
// logger. The caller passes W to the child and closes it in the parent once
// the child is running; Done closes when the child end is gone.
func NewLogForwarder(logger *logrus.Entry) (*LogForwarder, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		forward(logger, r)
		close(done)
		r.Close()
	}()
	return &LogForwarder{W: w, Done: done}, nil
}

func forward(logger *logrus.Entry, r io.Reader) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	for s.Scan() {
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec childRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.Msg == "" {
			logger.Info(string(line))
			continue
		}
		level, err := logrus.ParseLevel(rec.Level)
		if err != nil {
			level = logrus.InfoLevel
		}
		logger.Log(level, rec.Msg)
	}
}
