package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

var logFile *os.File

const defaultLogPath = "/var/go-dsf.log"

// SetupLogger 日志写入logPath，文件无法打开时输出到stderr
func SetupLogger(logPath string, level string) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if parsed, err := logrus.ParseLevel(level); err != nil {
		logrus.Warnf("unknown log level %s, use info", level)
	} else {
		logrus.SetLevel(parsed)
	}
	if logPath == "" {
		return
	}
	// 打开文件
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logrus.Warnf("open log file %s fail, err = %v", logPath, err)
		return
	}
	logFile = file
	logrus.SetOutput(logFile)
}

func CloseLogger() {
	if logFile != nil {
		logrus.SetOutput(os.Stderr)
		_ = logFile.Close()
		logFile = nil
	}
}
