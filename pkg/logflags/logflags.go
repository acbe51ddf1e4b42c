package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var reducer = false
var notes = false
var linkmap = false
var writer = false
var procmaps = false
var richcore = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	logger.Logger.Formatter = &logrus.TextFormatter{
		DisableColors: !isatty.IsTerminal(os.Stderr.Fd()),
		FullTimestamp: true,
	}
	return logger
}

// Reducer returns true if the top-level reducer orchestration should log.
func Reducer() bool {
	return reducer
}

// ReducerLogger returns a configured logger for the reducer orchestrator.
func ReducerLogger() *logrus.Entry {
	return makeLogger(reducer, logrus.Fields{"layer": "reducer"})
}

// Notes returns true if note-walking (PRSTATUS/PRPSINFO/AUXV) should log.
func Notes() bool {
	return notes
}

// NotesLogger returns a logger for the note-walking phase.
func NotesLogger() *logrus.Entry {
	return makeLogger(notes, logrus.Fields{"layer": "reducer", "kind": "notes"})
}

// LinkMap returns true if dynamic-section/link-map reconstruction should log.
func LinkMap() bool {
	return linkmap
}

// LinkMapLogger returns a logger for link-map copy/synthesize phases.
func LinkMapLogger() *logrus.Entry {
	return makeLogger(linkmap, logrus.Fields{"layer": "reducer", "kind": "linkmap"})
}

// Writer returns true if the RawElfWriter should log segment copies and flush.
func Writer() bool {
	return writer
}

// WriterLogger returns a logger for the elfwriter package.
func WriterLogger() *logrus.Entry {
	return makeLogger(writer, logrus.Fields{"layer": "elfwriter"})
}

// ProcMaps returns true if /proc/<pid>/maps parsing should log.
func ProcMaps() bool {
	return procmaps
}

// ProcMapsLogger returns a logger for the procmaps package.
func ProcMapsLogger() *logrus.Entry {
	return makeLogger(procmaps, logrus.Fields{"layer": "procmaps"})
}

// RichCore returns true if the archive extractor should log.
func RichCore() bool {
	return richcore
}

// RichCoreLogger returns a logger for the richcore extractor.
func RichCoreLogger() *logrus.Entry {
	return makeLogger(richcore, logrus.Fields{"layer": "richcore"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component log flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "reducer"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "reducer":
			reducer = true
		case "notes":
			notes = true
		case "linkmap":
			linkmap = true
		case "writer":
			writer = true
		case "procmaps":
			procmaps = true
		case "richcore":
			richcore = true
		}
	}
	return nil
}
