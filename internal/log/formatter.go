// Package log implements the manager's process-wide structured logger: a
// logrus.Logger wrapped behind the Logger interface, with a pattern-driven
// formatter and a stdout/rotating-file/both appender selection.
package log

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type formatter struct {
	pattern string
	time    string
}

// Verbs the pattern may carry. Caller, func, and goroutine are only
// computed when the pattern actually names them, since each costs a
// runtime lookup per log line.
const (
	verbTime      = "%time"
	verbLevel     = "%level"
	verbField     = "%field"
	verbMsg       = "%msg"
	verbCaller    = "%caller"
	verbFunc      = "%func"
	verbGoroutine = "%goroutine"
)

// patternVerbs is checked longest-first so %goroutine is never misread as
// a shorter verb plus trailing text.
var patternVerbs = []string{
	verbGoroutine, verbCaller, verbField, verbLevel, verbTime, verbFunc, verbMsg,
}

// Format renders entry through the configured pattern in a single pass,
// substituting each verb where it appears and passing unrecognized '%'
// runs through untouched.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	b.Grow(len(f.pattern) + len(entry.Message) + 64)

	rest := f.pattern
	for {
		idx := strings.IndexByte(rest, '%')
		if idx < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])
		rest = rest[idx:]

		verb := matchVerb(rest)
		if verb == "" {
			b.WriteByte('%')
			rest = rest[1:]
			continue
		}
		b.WriteString(f.render(verb, entry))
		rest = rest[len(verb):]
	}
	return []byte(b.String()), nil
}

func matchVerb(s string) string {
	for _, v := range patternVerbs {
		if strings.HasPrefix(s, v) {
			return v
		}
	}
	return ""
}

func (f *formatter) render(verb string, entry *logrus.Entry) string {
	switch verb {
	case verbTime:
		return entry.Time.Format(f.time)
	case verbLevel:
		return entry.Level.String()
	case verbField:
		return buildFields(entry)
	case verbMsg:
		return entry.Message
	case verbCaller:
		loc, _ := callerInfo(entry)
		return loc
	case verbFunc:
		_, fn := callerInfo(entry)
		return fn
	case verbGoroutine:
		return goroutineID()
	}
	return verb
}

// fallbackCallDepth is how many frames sit between runtime.Caller here and
// the user's logging call when logrus did not record the caller itself.
const fallbackCallDepth = 8

// callerInfo resolves the entry's call site to ("pkg/file.go:line",
// "function"), preferring the frame logrus recorded and falling back to a
// fixed-depth runtime lookup.
func callerInfo(entry *logrus.Entry) (string, string) {
	if entry.HasCaller() {
		return formatFrame(entry.Caller.File, entry.Caller.Line, entry.Caller.Function)
	}
	pc, file, line, ok := runtime.Caller(fallbackCallDepth)
	if !ok {
		return "unknown", "unknown"
	}
	function := ""
	if fn := runtime.FuncForPC(pc); fn != nil {
		function = fn.Name()
	}
	return formatFrame(file, line, function)
}

// formatFrame reduces a full file path and import-qualified function name
// to "pkg/file.go:line" plus the bare function (or receiver.method) name.
func formatFrame(file string, line int, function string) (string, string) {
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	pkg, fname := "unknown", "unknown"
	if function != "" {
		qualified := function
		if i := strings.LastIndexByte(qualified, '/'); i >= 0 {
			qualified = qualified[i+1:]
		}
		if i := strings.IndexByte(qualified, '.'); i >= 0 {
			pkg, fname = qualified[:i], qualified[i+1:]
		} else {
			fname = qualified
		}
	}
	return fmt.Sprintf("%s/%s:%d", pkg, file, line), fname
}

// goroutineID parses the current goroutine's id out of runtime.Stack's
// "goroutine N [...]" header line; the runtime exposes no direct API.
func goroutineID() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(header, ' '); i > 0 {
		return header[:i]
	}
	return "unknown"
}

// identityKeys are the well-known field keys WithInstanceID/WithServiceID
// attach; buildFields always renders them first so NF identity sits at a
// fixed position in every line regardless of what else a call site tags.
var identityKeys = []string{"instance_id", "service_id"}

func buildFields(entry *logrus.Entry) string {
	if len(entry.Data) == 0 {
		return ""
	}
	fields := make([]string, 0, len(entry.Data))
	for _, key := range identityKeys {
		if val, ok := entry.Data[key]; ok {
			fields = append(fields, key+"="+fmt.Sprint(val))
		}
	}
	rest := make([]string, 0, len(entry.Data))
	for key, val := range entry.Data {
		if key == identityKeys[0] || key == identityKeys[1] {
			continue
		}
		rest = append(rest, key+"="+fmt.Sprint(val))
	}
	sort.Strings(rest)
	return strings.Join(append(fields, rest...), ",")
}
