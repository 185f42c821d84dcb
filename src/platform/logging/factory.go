package logging

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/oops"
	"go.elastic.co/ecszerolog"
)

// LoggerFactory hands out named child loggers. Each logger's level can be
// overridden by exact name or by regex pattern; unmatched loggers inherit the
// root level.
type LoggerFactory struct {
	root  zerolog.Logger
	level levelTable
}

type levelTable struct {
	literal map[string]zerolog.Level
	regex   []regexRule
}

type regexRule struct {
	regexp *regexp.Regexp
	level  zerolog.Level
}

type Options struct {
	AppInstanceID string
	AppVersion    string
	RootLevel     string
	LiteralLevels map[string]string
	RegexLevels   map[string]string
	PrettyPrint   bool
}

func NewFactory(options Options) (*LoggerFactory, error) {
	errorBuilder := oops.
		In("loggers factory").
		Tags("constructor")

	rootLevel, err := zerolog.ParseLevel(options.RootLevel)
	if err != nil {
		return nil, errorBuilder.Wrapf(err, "error parsing rootLevel '%s'", options.RootLevel)
	}

	var logContext zerolog.Context
	if options.PrettyPrint {
		logContext = zerolog.New(zerolog.ConsoleWriter{
			Out:           os.Stdout,
			TimeFormat:    time.RFC3339,
			TimeLocation:  time.UTC,
			PartsOrder:    []string{"time", "logger", "level", "message", "fields"},
			FieldsExclude: []string{"app-version", "app-instance", "logger"},
			FormatLevel: func(level any) string {
				return fmt.Sprintf("%-5s", strings.ToUpper(level.(string))) //nolint:errcheck,forcetypeassert // we know level is string
			},
			FormatMessage: func(i any) string {
				return fmt.Sprintf(": %v", i)
			},
			FormatPartValueByName: func(val any, part string) string {
				switch part {
				case "logger":
					return fmt.Sprintf("[%-30s]", val)
				case "fields":
					// zerolog passes nil here; actual fields are printed separately.
					return ""
				default:
					return fmt.Sprint(val)
				}
			},
		}).
			With().
			Timestamp()
	} else {
		logContext = ecszerolog.New(os.Stdout).With()
	}

	factory := &LoggerFactory{
		root: logContext.
			Str("app-instance", options.AppInstanceID).
			Str("app-version", options.AppVersion).
			Logger().
			Level(rootLevel),
		level: levelTable{
			literal: make(map[string]zerolog.Level),
		},
	}

	for literal, lvlStr := range options.LiteralLevels {
		lvl, err := zerolog.ParseLevel(lvlStr)
		if err != nil {
			return nil, errorBuilder.Wrapf(err, "error parsing level '%s' for literal '%s'", lvlStr, literal)
		}
		factory.level.literal[literal] = lvl
	}

	for pattern, lvlStr := range options.RegexLevels {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errorBuilder.Wrapf(err, "error compiling regex pattern '%s'", pattern)
		}
		lvl, err := zerolog.ParseLevel(lvlStr)
		if err != nil {
			return nil, errorBuilder.Wrapf(err, "error parsing level '%s' for regex pattern '%s'", lvlStr, pattern)
		}
		factory.level.regex = append(factory.level.regex, regexRule{regexp: re, level: lvl})
	}

	return factory, nil
}

type LoggerOption func(ctx *zerolog.Context) zerolog.Context

func WithField(key string, value any) LoggerOption {
	return func(c *zerolog.Context) zerolog.Context {
		return c.Interface(key, value)
	}
}

func (lf *LoggerFactory) Child(name string, opts ...LoggerOption) zerolog.Logger {
	level := lf.getLevel(name)
	child := lf.root.With().Str("logger", name)

	for _, opt := range opts {
		child = opt(&child)
	}

	return child.Logger().Level(level)
}

func (lf *LoggerFactory) getLevel(name string) zerolog.Level {
	if lvl, ok := lf.level.literal[name]; ok {
		return lvl
	}

	for _, rule := range lf.level.regex {
		if rule.regexp.MatchString(name) {
			return rule.level
		}
	}

	return lf.root.GetLevel()
}
