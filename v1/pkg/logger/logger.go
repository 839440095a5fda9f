package logger

import (
	"flag"
	"fmt"

	"k8s.io/klog/v2"
)

// InitFlags registers the klog flags (-v, --logtostderr, ...) on fs.
func InitFlags(fs *flag.FlagSet) {
	klog.InitFlags(fs)
}

func V(level int) klog.Verbose {
	return klog.V(klog.Level(level))
}

func Error(err error, msg string, keysAndValues ...interface{}) {
	klog.ErrorSDepth(1, err, msg, keysAndValues...)
}

func Flush() {
	klog.Flush()
}

// NamedLogger prefixes every message with a component name such as
// "[archive]" or "[archive/deb]".
type NamedLogger struct {
	name string
}

func WithName(name string) *NamedLogger {
	return &NamedLogger{name: name}
}

// Named returns a child logger whose component is "<parent>/<name>".
func (l *NamedLogger) Named(name string) *NamedLogger {
	if l.name == "" {
		return WithName(name)
	}
	return WithName(l.name + "/" + name)
}

func (l *NamedLogger) prefix(msg string) string {
	return fmt.Sprintf("[%s] %s", l.name, msg)
}

func (l *NamedLogger) Info(msg string, keysAndValues ...interface{}) {
	klog.InfoSDepth(1, l.prefix(msg), keysAndValues...)
}

func (l *NamedLogger) InfoS(msg string, keysAndValues ...interface{}) {
	klog.InfoSDepth(1, l.prefix(msg), keysAndValues...)
}

func (l *NamedLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	klog.ErrorSDepth(1, err, l.prefix(msg), keysAndValues...)
}

func (l *NamedLogger) Warning(msg string, keysAndValues ...interface{}) {
	klog.InfoSDepth(1, l.prefix("WARNING: "+msg), keysAndValues...)
}

// V gates a message on the klog verbosity while keeping the component prefix.
func (l *NamedLogger) V(level int) Verbose {
	return Verbose{v: klog.V(klog.Level(level)), logger: l}
}

// Verbose is the leveled counterpart of NamedLogger.
type Verbose struct {
	v      klog.Verbose
	logger *NamedLogger
}

func (v Verbose) Enabled() bool {
	return v.v.Enabled()
}

func (v Verbose) InfoS(msg string, keysAndValues ...interface{}) {
	if v.v.Enabled() {
		klog.InfoSDepth(1, v.logger.prefix(msg), keysAndValues...)
	}
}

func (v Verbose) Info(msg string, keysAndValues ...interface{}) {
	if v.v.Enabled() {
		klog.InfoSDepth(1, v.logger.prefix(msg), keysAndValues...)
	}
}
