package logging

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/bartossh/Relayer/logger"
)

// Helper helps with writing logs to io.Writers.
// Helper implements logger.Logger interface.
// Writing is done concurrently with out blocking the current thread.
type Helper struct {
	callOnErr   func(error)
	callOnFatal func(error)
	component   string
	writers     []io.Writer
}

// New creates new Helper.
func New(callOnErr, callOnFatal func(error), writers ...io.Writer) Helper {
	return Helper{callOnErr: callOnErr, callOnFatal: callOnFatal, writers: writers}
}

// With returns a copy of the Helper that tags every log with the component name.
func (h Helper) With(component string) Helper {
	h.component = component
	return h
}

// Debug writes debug log.
func (h Helper) Debug(msg string) {
	h.write(h.entry(logger.LevelDebug, msg), false)
}

// Info writes info log.
func (h Helper) Info(msg string) {
	h.write(h.entry(logger.LevelInfo, msg), false)
}

// Warn writes warning log.
func (h Helper) Warn(msg string) {
	h.write(h.entry(logger.LevelWarn, msg), false)
}

// Error writes error log.
func (h Helper) Error(msg string) {
	h.write(h.entry(logger.LevelError, msg), false)
}

// Fatal writes fatal log and calls the fatal callback once written.
func (h Helper) Fatal(msg string) {
	h.write(h.entry(logger.LevelFatal, msg), true)
}

func (h Helper) entry(level, msg string) *logger.Log {
	return &logger.Log{
		ID:        primitive.NewObjectID(),
		CreatedAt: time.Now(),
		Level:     level,
		Component: h.component,
		Msg:       msg,
	}
}

func (h Helper) write(l *logger.Log, fatal bool) {
	go func() {
		raw, err := json.Marshal(l)
		if err != nil {
			h.onErr(err)
			return
		}
		for _, w := range h.writers {
			if _, err := w.Write(raw); err != nil {
				h.onErr(err)
			}
		}
		if fatal && h.callOnFatal != nil {
			h.callOnFatal(errors.New(l.Msg))
		}
	}()
}

func (h Helper) onErr(err error) {
	if h.callOnErr != nil {
		h.callOnErr(err)
	}
}
