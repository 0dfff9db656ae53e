package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func init() {
	// Packages may log before Init runs (library use, tests); give the
	// global Logger a usable zero state instead of a no-op one.
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithJobID creates a child logger with job_id field
func WithJobID(jobID string) zerolog.Logger {
	return Logger.With().Str("job_id", jobID).Logger()
}

// WithFingerprint creates a child logger with fingerprint field
func WithFingerprint(fingerprint string) zerolog.Logger {
	return Logger.With().Str("fingerprint", fingerprint).Logger()
}

// WithHandlerID creates a child logger with handler_id field
func WithHandlerID(handlerID string) zerolog.Logger {
	return Logger.With().Str("handler_id", handlerID).Logger()
}

// WithJob creates a child logger scoped to one job's identity and its
// fingerprint (the Job Cache / Compute Resource dedup key), the pair every
// status-machine event below is keyed on. fingerprint may be empty for a job
// that has not been fingerprinted yet (pending, or local-only execution).
func WithJob(jobID, fingerprint string) zerolog.Logger {
	return Logger.With().Str("job_id", jobID).Str("fingerprint", fingerprint).Logger()
}

// JobTransition logs one step of a Job's status machine (pending -> queued
// -> running -> {finished | error}, plus the remote-only waiting/canceled
// states). Called from every site that moves a Job's status, so the status
// machine's actual path through a run is reconstructable from logs alone
// regardless of which Handler drove the transition.
func JobTransition(jobID, fingerprint, from, to string) {
	WithJob(jobID, fingerprint).Info().Str("from", from).Str("to", to).Msg("job status transition")
}

// JobFailed logs a Job's transition into the error state together with the
// failure it carries, at Warn since (unlike a routine finish) an operator
// scanning logs for trouble wants these to stand out.
func JobFailed(jobID, fingerprint, from string, err error) {
	WithJob(jobID, fingerprint).Warn().Str("from", from).Err(err).Msg("job transitioned to error")
}

// HandlerConnected logs a Job Handler completing the ADD_JOB_HANDLER /
// JOB_HANDLER_REGISTERED handshake with a Compute Resource.
func HandlerConnected(handlerID string) {
	WithHandlerID(handlerID).Info().Msg("job handler connected")
}

// HandlerDisconnected logs a Job Handler leaving a Compute Resource's
// registry, whether by an explicit REMOVE_JOB_HANDLER/JOB_HANDLER_FINISHED
// message or because its keep-alive window lapsed.
func HandlerDisconnected(handlerID, reason string) {
	WithHandlerID(handlerID).Info().Str("reason", reason).Msg("job handler disconnected")
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
