package server

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log 由 InitLogger 设置，进程退出时由 SyncLogger 刷新；组件通过构造函数注入日志
var Log = zap.NewNop().Sugar()

// LogConfig 日志配置
type LogConfig struct {
	File       string `mapstructure:"file"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Stdout     bool   `mapstructure:"stdout"`
}

// level 运行期可调，配置热更新时修改
var level = zap.NewAtomicLevelAt(zapcore.DebugLevel)

// InitLogger 初始化 zap 日志到本地文件（支持滚动）
func InitLogger(cfg LogConfig) (*zap.SugaredLogger, error) {
	if err := SetLogLevel(cfg.Level); err != nil {
		return nil, err
	}

	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB, // MB
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays, // days
		Compress:   cfg.Compress,
	}

	ws := zapcore.AddSync(lj)
	if cfg.Stdout {
		ws = zapcore.NewMultiWriteSyncer(ws, zapcore.Lock(os.Stderr))
	}
	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewConsoleEncoder(encCfg)
	core := zapcore.NewCore(encoder, ws, level)

	logger := zap.New(core, zap.AddCaller())
	Log = logger.Sugar()
	return Log, nil
}

// SetLogLevel 修改全局日志级别；空字符串保持不变
func SetLogLevel(s string) error {
	if s == "" {
		return nil
	}
	return level.UnmarshalText([]byte(s))
}

// SyncLogger 清理和同步缓冲
func SyncLogger() {
	if Log != nil {
		_ = Log.Sync()
	}
}
