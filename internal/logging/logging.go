// Package logging 提供全域的 logrus logger 與元件級別的 Entry
//
// 每個套件以 package-level 變數取得自己的 logger：
//
//	var log = logging.For("registry")
//
// Setup 直接修改共用的 *logrus.Logger，因此在 Setup 之前建立的 Entry
// 也會套用之後設定的等級與格式。
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config 日誌設定
type Config struct {
	Level   string `mapstructure:"level"`  // debug, info, warn, error
	Format  string `mapstructure:"format"` // text 或 json
	Service string `mapstructure:"service"`
}

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return l
}

// Setup 套用日誌設定
func Setup(cfg Config) error {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	base.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}

	if cfg.Service != "" {
		base.AddHook(serviceHook(cfg.Service))
	}
	return nil
}

// For 回傳帶有 component 欄位的 Entry
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// Logger 回傳底層 logger（供 echo 等需要 io.Writer 的元件使用）
func Logger() *logrus.Logger {
	return base
}

// SetOutput 變更輸出目的地，測試用
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// serviceHook 為每筆日誌加上 service 欄位
type serviceHook string

func (h serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h serviceHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["service"]; !ok {
		e.Data["service"] = string(h)
	}
	return nil
}
