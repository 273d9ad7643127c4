package logger

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	ut "kyri56xcaesar/accountd/internal/utils"
)

// MultiLogger writes leveled lines either to stderr only, to a
// single log file, or (split) to one file per level. Verbose mirrors the
// files to stderr. Only stderr-only output is colored.
//
// Every level has its own *log.Logger so concurrent handlers never race on
// prefix or output.
type MultiLogger struct {
	split   bool
	verbose bool

	plain *log.Logger
	info  *log.Logger
	warn  *log.Logger
	err   *log.Logger

	files []*os.File
}

// file names inside the log directory
const (
	logFileName  = "accountd.log"
	infoFileName = "info.log"
	warnFileName = "warn.log"
	errFileName  = "err.log"
)

// New creates the logger. An empty dir logs to stderr only.
func New(dir string, split, verbose bool) (*MultiLogger, error) {
	ml := &MultiLogger{split: split, verbose: verbose}

	var lw, iw, ww, ew io.Writer = os.Stderr, os.Stderr, os.Stderr, os.Stderr
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		var errs []error
		if split {
			lw, errs = ml.open(dir, logFileName, errs)
			iw, errs = ml.open(dir, infoFileName, errs)
			ww, errs = ml.open(dir, warnFileName, errs)
			ew, errs = ml.open(dir, errFileName, errs)
		} else {
			lw, errs = ml.open(dir, logFileName, errs)
			iw, ww, ew = lw, lw, lw
		}
		if err := errors.Join(errs...); err != nil {
			ml.Close()
			return nil, err
		}
	}

	// escapes only go to a terminal, never into log files
	tint := func(c ut.Color) ut.Color {
		if dir != "" || !ut.ColorEnabled() {
			return ""
		}
		return c
	}
	ml.plain = log.New(lw, ut.LevelTag("LOG", tint(ut.Cyan)), log.Ldate|log.Ltime)
	ml.info = log.New(iw, ut.LevelTag("INFO", tint(ut.Green)), log.Ldate|log.Ltime)
	ml.warn = log.New(ww, ut.LevelTag("WARNING", tint(ut.Yellow)), log.Ldate|log.Ltime)
	ml.err = log.New(ew, ut.LevelTag("ERROR", tint(ut.Red)), log.Ldate|log.Ltime|log.Lshortfile)
	return ml, nil
}

// open adds a log file and returns the writer for it, honoring verbose.
func (ml *MultiLogger) open(dir, name string, errs []error) (io.Writer, []error) {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return io.Discard, append(errs, err)
	}
	ml.files = append(ml.files, f)
	if ml.verbose {
		return io.MultiWriter(os.Stderr, f), errs
	}
	return f, errs
}

// Writer is the untagged log stream, for gin's request logger.
func (ml *MultiLogger) Writer() io.Writer {
	if ml == nil {
		return io.Discard
	}
	return ml.plain.Writer()
}

func (ml *MultiLogger) Printf(format string, v ...any) {
	if ml == nil {
		return
	}
	ml.plain.Printf(format, v...)
}

func (ml *MultiLogger) Infof(format string, v ...any) {
	if ml == nil {
		return
	}
	ml.info.Printf(format, v...)
}

func (ml *MultiLogger) Warnf(format string, v ...any) {
	if ml == nil {
		return
	}
	ml.warn.Printf(format, v...)
}

func (ml *MultiLogger) Errf(format string, v ...any) {
	if ml == nil {
		return
	}
	ml.err.Output(2, fmt.Sprintf(format, v...))
}

func (ml *MultiLogger) Close() error {
	if ml == nil {
		return nil
	}
	var errs []error
	for _, f := range ml.files {
		errs = append(errs, f.Close())
	}
	ml.files = nil
	return errors.Join(errs...)
}
