// Package logging provides the structured Logger every component of the
// store logs through, grounded on the teacher's pkg/migrations/logger.go
// pattern: a small interface backed by pterm.DefaultLogger, plus a no-op
// implementation for tests and embedders that want silence.
package logging

import "github.com/pterm/pterm"

// Logger is the structured logging surface used by the pipeline executor,
// the schema-evolution engine, and the reindex batcher.
type Logger interface {
	LogBucketCreated(bucket string, version int)
	LogBucketUpdated(bucket string, fromVersion, toVersion int)
	LogBucketDeleted(bucket string)

	LogPipelineStart(op, bucket string)
	LogPipelineComplete(op, bucket string)
	LogPipelineError(op, bucket string, err error)

	LogReindexStart(bucket string, total int64)
	LogReindexProgress(bucket string, done, total int64)
	LogReindexComplete(bucket string)

	LogCacheShootdown(bucket string)

	Info(msg string, args ...any)
}

type ptermLogger struct {
	logger pterm.Logger
}

type noopLogger struct{}

func NewLogger() Logger {
	return &ptermLogger{logger: pterm.DefaultLogger}
}

func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (l *ptermLogger) LogBucketCreated(bucket string, version int) {
	l.logger.Info("bucket created", l.logger.Args("bucket", bucket, "version", version))
}

func (l *ptermLogger) LogBucketUpdated(bucket string, fromVersion, toVersion int) {
	l.logger.Info("bucket updated", l.logger.Args(
		"bucket", bucket, "from_version", fromVersion, "to_version", toVersion))
}

func (l *ptermLogger) LogBucketDeleted(bucket string) {
	l.logger.Info("bucket deleted", l.logger.Args("bucket", bucket))
}

func (l *ptermLogger) LogPipelineStart(op, bucket string) {
	l.logger.Info("pipeline started", l.logger.Args("operation", op, "bucket", bucket))
}

func (l *ptermLogger) LogPipelineComplete(op, bucket string) {
	l.logger.Info("pipeline completed", l.logger.Args("operation", op, "bucket", bucket))
}

func (l *ptermLogger) LogPipelineError(op, bucket string, err error) {
	l.logger.Error("pipeline failed", l.logger.Args("operation", op, "bucket", bucket, "error", err))
}

func (l *ptermLogger) LogReindexStart(bucket string, total int64) {
	l.logger.Info("reindex started", l.logger.Args("bucket", bucket, "total", total))
}

func (l *ptermLogger) LogReindexProgress(bucket string, done, total int64) {
	l.logger.Info("reindex progress", l.logger.Args("bucket", bucket, "done", done, "total", total))
}

func (l *ptermLogger) LogReindexComplete(bucket string) {
	l.logger.Info("reindex complete", l.logger.Args("bucket", bucket))
}

func (l *ptermLogger) LogCacheShootdown(bucket string) {
	l.logger.Info("descriptor cache shootdown", l.logger.Args("bucket", bucket))
}

func (l *ptermLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, l.logger.Args(args))
}

func (l *noopLogger) LogBucketCreated(bucket string, version int)                {}
func (l *noopLogger) LogBucketUpdated(bucket string, fromVersion, toVersion int)  {}
func (l *noopLogger) LogBucketDeleted(bucket string)                             {}
func (l *noopLogger) LogPipelineStart(op, bucket string)                         {}
func (l *noopLogger) LogPipelineComplete(op, bucket string)                      {}
func (l *noopLogger) LogPipelineError(op, bucket string, err error)              {}
func (l *noopLogger) LogReindexStart(bucket string, total int64)                 {}
func (l *noopLogger) LogReindexProgress(bucket string, done, total int64)        {}
func (l *noopLogger) LogReindexComplete(bucket string)                          {}
func (l *noopLogger) LogCacheShootdown(bucket string)                           {}
func (l *noopLogger) Info(msg string, args ...any)                              {}
