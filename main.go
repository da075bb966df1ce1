package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fansqz/go-dsf/backend/dap_backend"
	e "github.com/fansqz/go-dsf/error"
	"github.com/fansqz/go-dsf/preference"
	"github.com/fansqz/go-dsf/service"
	"github.com/fansqz/go-dsf/viewmodel"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// 定义版本号
const Version = "1.0.1"

func main() {
	showVersion := flag.Bool("version", false, "Show the version number")
	adapter := flag.String("adapter", "", "Debug adapter address, host:port")
	port := flag.String("port", "8889", "TCP port to listen on")
	prefsPath := flag.String("prefs", "", "Preference yaml file")
	logPath := flag.String("log", defaultLogPath, "Log file")
	level := flag.String("level", "info", "Log level")
	sessionName := flag.String("session", "debug", "Session name")
	flag.Parse()

	// 检查是否需要显示版本信息
	if *showVersion {
		fmt.Printf("Version: %s\n", Version)
		return
	}
	if *adapter == "" {
		fmt.Println("adapter cannot be empty")
		os.Exit(2)
	}

	//启动日志
	SetupLogger(*logPath, *level)
	defer CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, *adapter, ":"+*port, *prefsPath, *sessionName); err != nil {
		logrus.Errorf("go-dsf exit, err = %v", err)
		fmt.Println(err)
		os.Exit(1)
	}
}

// run 连接adapter，启动会话以及视图模型服务，直到adapter断开或者ctx结束
func run(ctx context.Context, adapterAddr string, listenAddr string, prefsPath string, sessionName string) error {
	prefs := preference.NewStore()
	if prefsPath != "" {
		var err error
		if prefs, err = preference.Load(prefsPath); err != nil {
			return fmt.Errorf("load preferences fail: %w", err)
		}
	}

	conn, err := net.DialTimeout("tcp", adapterAddr, dap_backend.DefaultRequestTimeout)
	if err != nil {
		return fmt.Errorf("connect adapter %s fail: %w", adapterAddr, err)
	}
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("listen %s fail: %w", listenAddr, err)
	}

	session := service.NewSession(sessionName)
	backend := dap_backend.NewDAPBackend(session, conn)
	cache := service.NewCachingQueryService(backend)
	monitor := service.NewSteppingTimeoutMonitor(session.Bus(), prefs.SteppingTimeout())
	session.RegisterService(cache)
	session.RegisterService(backend)
	session.RegisterService(monitor)
	// 缓存必须最先收到事件
	session.Bus().AddListener(cache.HandleEvent)
	session.Bus().AddListener(monitor.HandleEvent)
	provider := viewmodel.NewProvider(session, prefs)
	server := NewServer(provider, backend)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer terminate(session, server)
		return backend.Run(groupCtx)
	})
	group.Go(func() error {
		return prefs.Watch(groupCtx)
	})
	group.Go(func() error {
		return server.Serve(groupCtx, listener)
	})
	// 任何一个协程结束都会结束整个服务
	group.Go(func() error {
		<-backend.Client().Done()
		return backend.Client().Err()
	})

	if err = session.Start(); err != nil {
		_ = backend.Close()
		_ = group.Wait()
		return err
	}
	initCtx, cancel := context.WithTimeout(groupCtx, dap_backend.DefaultRequestTimeout)
	err = backend.Initialize(initCtx)
	cancel()
	if err != nil {
		_ = backend.Close()
	}

	err = group.Wait()
	provider.Dispose()
	return ignoreShutdown(err)
}

// terminate 通知消费者并关闭会话
func terminate(session *service.Session, server *Server) {
	server.Terminate()
	if err := session.Shutdown(); err != nil {
		logrus.Warnf("shutdown session fail, err = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.AwaitTermination(ctx); err != nil {
		logrus.Warnf("await session termination fail, err = %v", err)
	}
}

// ignoreShutdown adapter正常断开不是错误
func ignoreShutdown(err error) error {
	if errors.Is(err, e.ErrSessionShutdown) {
		return nil
	}
	return err
}
