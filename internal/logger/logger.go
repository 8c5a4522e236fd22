// Package logger 提供全局 slog 输出：彩色控制台 + 按天切分的日志文件
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

const (
	LevelFatal slog.Level = 12

	dayLayout        = "2006-01-02"
	defaultRetention = 30
	defaultQueueSize = 1024
)

var levelPainters = map[slog.Level]func(string, ...interface{}) string{
	slog.LevelDebug: color.MagentaString,
	slog.LevelInfo:  color.BlueString,
	slog.LevelWarn:  color.YellowString,
	slog.LevelError: color.RedString,
	LevelFatal:      color.HiRedString,
}

func levelName(l slog.Level) string {
	if l == LevelFatal {
		return "FATAL"
	}
	return l.String()
}

// Options 日志配置
type Options struct {
	Dir           string
	Debug         bool
	RetentionDays int
	QueueSize     int
	// Console 控制台输出，默认 os.Stdout
	Console io.Writer
}

// dailyFile 所有派生 handler 共享的写出端，仅由 worker 协程访问文件
type dailyFile struct {
	dir       string
	retention time.Duration
	console   io.Writer

	day  string
	file *os.File
	out  io.Writer

	lines     chan []byte
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newDailyFile(opts Options) *dailyFile {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = defaultRetention
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Console == nil {
		opts.Console = os.Stdout
	}
	d := &dailyFile{
		dir:       opts.Dir,
		retention: time.Duration(opts.RetentionDays) * 24 * time.Hour,
		console:   opts.Console,
		out:       opts.Console,
		lines:     make(chan []byte, opts.QueueSize),
	}
	if err := d.open(time.Now()); err != nil {
		_, _ = fmt.Fprintf(d.console, "logger: %v, fallback to console only\n", err)
	}
	d.prune(time.Now())
	d.wg.Add(1)
	go d.loop()
	return d
}

// prune 删除超过保留期的日志文件
func (d *dailyFile) prune(now time.Time) {
	files, _ := filepath.Glob(filepath.Join(d.dir, "*.log"))
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil || now.Sub(fi.ModTime()) <= d.retention {
			continue
		}
		_ = os.Remove(f)
	}
}

// open 打开 now 所在日期的文件；日期未变化时什么都不做
func (d *dailyFile) open(now time.Time) error {
	day := now.Format(dayLayout)
	if day == d.day && d.file != nil {
		return nil
	}
	if d.file != nil {
		_ = d.file.Close()
		d.file = nil
		d.out = d.console
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(d.dir, day+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	d.file = f
	d.day = day
	d.out = io.MultiWriter(d.console, f)
	return nil
}

func (d *dailyFile) loop() {
	defer d.wg.Done()
	for line := range d.lines {
		now := time.Now()
		before := d.day
		if err := d.open(now); err == nil && before != d.day {
			d.prune(now)
		}
		_, _ = d.out.Write(line)
	}
}

func (d *dailyFile) close() error {
	d.closeOnce.Do(func() { close(d.lines) })
	d.wg.Wait()
	if d.file == nil {
		return nil
	}
	_ = d.file.Sync()
	err := d.file.Close()
	d.file = nil
	return err
}

// AsyncHandler 把记录格式化后交给后台协程写出
type AsyncHandler struct {
	out    *dailyFile
	attrs  []slog.Attr
	group  string
	minLvl slog.Level
}

func NewAsyncHandler(opts Options) *AsyncHandler {
	lvl := slog.LevelInfo
	if opts.Debug {
		lvl = slog.LevelDebug
	}
	return &AsyncHandler{out: newDailyFile(opts), minLvl: lvl}
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLvl
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	name := levelName(r.Level)
	if paint, ok := levelPainters[r.Level]; ok {
		name = paint(name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05")),
		name,
		color.CyanString(r.Message),
	)
	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	prefix := ""
	if h.group != "" {
		prefix = h.group + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, prefix, a)
		return true
	})
	b.WriteByte('\n')

	h.out.lines <- []byte(b.String())
	return nil
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	b.WriteString(color.CyanString(" %s%s=%v", prefix, a.Key, a.Value))
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		merged = append(merged, a)
	}
	cp := *h
	cp.attrs = merged
	return &cp
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	cp := *h
	if h.group != "" {
		cp.group = h.group + "." + name
	} else {
		cp.group = name
	}
	return &cp
}

// Close 刷新队列中剩余的日志并关闭文件，可重复调用
func (h *AsyncHandler) Close() error {
	return h.out.close()
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(_ context.Context) error {
	return lc.handler.Close()
}

// Init 安装全局 slog handler，返回值需在进程退出前调用以刷新日志
func Init(opts Options) *ShutdownCallback {
	handler := NewAsyncHandler(opts)
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized", "dir", opts.Dir)
	return &ShutdownCallback{handler: handler}
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

// Fatal 只记录日志，进程是否退出由调用方决定
func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
