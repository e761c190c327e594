package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/madadgaar/chatsync/api"
	"github.com/madadgaar/chatsync/engine"
	"github.com/madadgaar/chatsync/export"
	"github.com/madadgaar/chatsync/session"
	"github.com/madadgaar/chatsync/transport"
)

const (
	kafkaTopic        = "madadgaar-chat-events"
	mirrorRecordBytes = 4096

	// bootstrap credential env keys, loaded from .env if present
	envToken    = "MADADGAAR_TOKEN"
	envAdminID  = "MADADGAAR_ADMIN_ID"
	envAdminTag = "MADADGAAR_ADMIN_NAME"
)

var (
	flagAddr         = flag.String("addr", "127.0.0.1:8600", "local status/metrics address, ip:port")
	flagAPIBase      = flag.String("api-base", "http://127.0.0.1:9000/api", "backend REST base URL")
	flagWsURL        = flag.String("ws-url", "ws://127.0.0.1:9000/ws", "backend websocket URL")
	flagSessionFile  = flag.String("session-file", "chatsync-session.db", "bbolt file holding the auth envelope")
	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers for the event mirror, empty disables it")
	flagPollInterval = flag.Duration("poll-interval", engine.DefaultPollInterval, "conversation list poll interval")
	flagConversation = flag.String("conversation", "", "conversation to select at startup")

	flagPidFile        = flag.String("pid-file", "chatsync.pid", "pid file")
	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		glog.Infof(".env not loaded: %v", err)
	}

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	glog.Info("chatsync is starting")

	sessions, err := session.Open(*flagSessionFile)
	if err != nil {
		return errorf("session store: %v", err)
	}
	defer sessions.Close()

	env, err := loadSession(sessions)
	if err != nil {
		return errorf("no usable session: %v (set %s or log in again)", err, envToken)
	}
	glog.Infof("authenticated as %s (%s), session valid until %s",
		env.User.Name, env.User.ID, env.Expiry.Format(time.RFC3339))

	var mirror engine.Mirror
	if *flagKafkaBrokers != "" {
		m := export.New(strings.Split(*flagKafkaBrokers, ","), kafkaTopic, mirrorRecordBytes)
		defer m.Close()
		mirror = m
		glog.Infof("event mirror enabled, topic: %s", kafkaTopic)
	}

	adapter := transport.New(*flagWsURL, env.Token)

	eng := engine.New(engine.Config{
		API:          api.New(*flagAPIBase, env.Token),
		Transport:    adapter,
		Self:         env.User,
		Mirror:       mirror,
		PollInterval: *flagPollInterval,
	})

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.HandleFunc("/status", statusHandler(eng))

	httpServer := &http.Server{Addr: *flagAddr, Handler: mux}
	go func() {
		glog.Infof("status server is listening %s", *flagAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Errorf("status server: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transportDone := make(chan struct{})
	go func() {
		adapter.Run(ctx)
		close(transportDone)
	}()

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Run(ctx)
	}()

	if *flagConversation != "" {
		if err := eng.Select(ctx, *flagConversation); err != nil {
			glog.Errorf("select %s: %v", *flagConversation, err)
		}
	}

	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to toggle profiler; `CTRL+c` or `kill %d` to stop", pid, pid, pid)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler
	var code int

loop:
	for {
		select {
		case err := <-engineDone:
			if err != nil && err != context.Canceled {
				if err == api.ErrUnauthorized {
					glog.Error("session rejected by backend, invalidating")
					_ = sessions.Invalidate()
				}
				code = 1
			}
			break loop
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				dumpGoroutines(pprofDir)
			case syscall.SIGUSR2:
				if prof == nil {
					prof = StartProfiler(pprofDir)
				} else {
					prof.Stop()
					prof = nil
				}
			case syscall.SIGTERM, syscall.SIGINT:
				glog.Infof("received signal `%s`, stopping", sig)
				break loop
			}
		}
	}

	if prof != nil {
		prof.Stop()
	}
	cancel()
	<-transportDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	signal.Stop(sigCh)
	glog.Info("chatsync exited")
	return code
}

// loadSession returns the stored envelope, falling back to bootstrap
// credentials from the environment when none is stored yet.
func loadSession(sessions *session.Store) (*session.Envelope, error) {
	env, err := sessions.Load()
	if err == nil {
		return env, nil
	}

	token := os.Getenv(envToken)
	if token == "" {
		return nil, err
	}
	user := session.User{
		ID:   os.Getenv(envAdminID),
		Name: os.Getenv(envAdminTag),
		Role: "admin",
	}
	if user.ID == "" {
		user.ID = "admin"
	}
	glog.Infof("bootstrapping session from environment for %s", user.ID)
	return sessions.Save(user, token)
}

func statusHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := struct {
			Connected          bool     `json:"connected"`
			ActiveConversation string   `json:"activeConversation"`
			Conversations      int      `json:"conversations"`
			Messages           int      `json:"messages"`
			TypingUsers        []string `json:"typingUsers,omitempty"`
		}{
			Connected:          eng.Connected(),
			ActiveConversation: eng.ActiveConversation(),
			Conversations:      len(eng.Conversations()),
			Messages:           len(eng.Messages()),
			TypingUsers:        eng.TypingUsers(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagAPIBase == "" {
		return errorf("--api-base is required")
	}
	if *flagWsURL == "" {
		return errorf("--ws-url is required")
	}
	if !strings.HasPrefix(*flagWsURL, "ws://") && !strings.HasPrefix(*flagWsURL, "wss://") {
		return errorf("--ws-url: expect ws:// or wss:// scheme")
	}
	if *flagSessionFile == "" {
		return errorf("--session-file is required")
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}
	if *flagPollInterval < time.Second {
		return errorf("--poll-interval: expect at least 1s")
	}
	return 0
}

func validateAddr(s string) error {
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", host)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", host)
	}
	return nil
}

func errorf(format string, args ...interface{}) int {
	glog.Errorf(format, args...)
	return 1
}

func savePid(name string, pid int) error {
	if content, err := os.ReadFile(name); err == nil {
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(strings.TrimSpace(string(content)))
			if err != nil {
				return fmt.Errorf("pid file holds garbage: %v", err)
			}
			if proc, err := os.FindProcess(oldPid); err == nil {
				defer proc.Release()
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("pid file: exists with pid %d, the process is running", oldPid)
				}
				glog.Infof("pid file exists with pid %d, but it is not running", oldPid)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: read error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	return nil
}
