package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	zkem "github.com/slyphon/zk-eventmachine"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// A small demonstration app: connects to a ZooKeeper ensemble through the async adapter,
// logs session transitions as they happen, and periodically touches a node under BasePath,
// reading it back and dumping it to stdout. Everything runs off futures and subscriptions;
// the main goroutine only ever waits on the shutdown signal.

func (a *app) run(sigChan chan os.Signal, lcfg zap.Config) {

	err := a.configure(lcfg)
	if err != nil {
		os.Exit(-1)
	}

	client, err := zkem.NewClient(a.cc, a.opts...)
	if err != nil {
		a.lg.Errorf("application failed to create zkem client: %v", err)
		os.Exit(-1)
	}

	// Session subscriptions are one-shot; follow the session by re-registering from inside
	// each callback.
	var onConnected func(zkem.StateNotification)
	onConnected = func(n zkem.StateNotification) {
		a.lg.Infow("session connected", "server", n.Server, "sessionID", client.SessionID())
		client.OnConnected(onConnected)
	}
	client.OnConnected(onConnected)

	var onLost func(error)
	onLost = func(err error) {
		a.lg.Warnw("session lost", "err", err)
		client.OnConnectionLost(onLost)
	}
	client.OnConnectionLost(onLost)

	client.Connect().OnFailure(func(err error) {
		a.lg.Errorw("connect failed", "err", err)
	})

	touchTrigger := time.After(a.nextTouchPeriod())
	for {
		select {
		case <-sigChan:
			a.lg.Info("application received shutdown signal")
			closedChan := make(chan struct{})
			client.OnClose(func(zkem.Closed) { close(closedChan) })
			client.Close()
			<-closedChan
			a.lg.Sync()
			return

		case <-touchTrigger:
			a.touch(client)
			touchTrigger = time.After(a.nextTouchPeriod())
		}
	}
}

// touch writes a fresh payload to the demo node, creating it on first use, and reads it
// back. All follow-up happens on the client's loop via observers.
func (a *app) touch(client *zkem.Client) {

	payload := []byte(fmt.Sprintf("touched:%s", uuid.New().String()))

	settle := func(err error) {
		if err != nil {
			a.lg.Infow("touch failed", "path", a.basePath, "err", err)
			return
		}
		client.Get(a.basePath).OnSuccess(func(r zkem.GetResponse) {
			a.lg.Infow("touch read back", "path", a.basePath, "version", r.Stat.Version)
			fmt.Println(string(r.Data))
		})
	}

	client.Exists(a.basePath).OnSuccess(func(r zkem.ExistsResponse) {
		if r.Exists {
			f := client.Set(a.basePath, payload, -1)
			f.OnSuccess(func(zkem.SetResponse) { settle(nil) })
			f.OnFailure(settle)
			return
		}
		f := client.Create(a.basePath, payload, 0, zkem.WorldACL(zkem.PermAll))
		f.OnSuccess(func(zkem.CreateResponse) { settle(nil) })
		f.OnFailure(settle)
	})
}

// appCfg is the recipient of the JSON configuration.
type appCfg struct {
	// ZooKeeper ensemble endpoints as required and documented in the zkem package...
	Servers []string
	// Session timeout to negotiate, e.g. "10s".
	SessionTimeout string
	// Node the app periodically touches.
	BasePath string
	// Configure the period with which we touch the node (jittered).
	TouchPeriod string
	// Set up metrics export.
	Metrics struct {
		// e.g. localhost:9000
		Endpoint string
		// e.g. /metrics
		Path string
	}
}

type app struct {
	// touch production control; a period which is jittered.
	touchPeriod time.Duration
	basePath    string
	// Prepared client configuration.
	cc zkem.ClientConfig
	// Prepared options.
	opts []zkem.ClientOption
	// Configuration file.
	cfgFile string
	// logging configuration.
	lg          *zap.SugaredLogger
	debug       bool
	zapFile     string
	zapEncoding string
}

func (a *app) nextTouchPeriod() time.Duration {
	jittered := int(a.touchPeriod)/2 + rand.Intn(int(a.touchPeriod))
	return time.Duration(jittered)
}

// configure processes configuration file to build ClientConfig and the subset of options we
// support in the example app.
func (a *app) configure(lcfg zap.Config) error {

	if a.debug {
		lcfg.Level.SetLevel(zapcore.DebugLevel)
	}

	if a.zapEncoding != "" {
		lcfg.Encoding = a.zapEncoding
	}

	if a.zapFile != "" {
		lcfg.OutputPaths = []string{a.zapFile}
	}

	lcfg.DisableStacktrace = true
	lg, err := lcfg.Build()
	if err != nil {
		fmt.Println("Failed to start app with logger configuration failure", err)
	}
	a.lg = lg.Sugar()

	//
	// Next, let's load configuration file.
	fstream, err := os.ReadFile(a.cfgFile)
	if err != nil {
		a.lg.Errorf("Failed to load configuration file [%v]", err)
		return err
	}

	var ac appCfg
	err = json.Unmarshal(fstream, &ac)
	if err != nil {
		a.lg.Errorf("Failed to unmarshal configuration file [%v]", err)
		return err
	}

	a.cc = zkem.NewClientConfig()
	a.cc.Servers = ac.Servers

	a.opts = []zkem.ClientOption{
		zkem.WithLogger(lg)}

	if ac.SessionTimeout != "" {
		a.cc.SessionTimeout, err = time.ParseDuration(ac.SessionTimeout)
		if err != nil {
			a.lg.Errorf("Failed to parse SessionTimeout [%v]", err)
			return err
		}
	}

	a.basePath = ac.BasePath
	if a.basePath == "" {
		a.basePath = "/zkem-demo"
	}

	if ac.TouchPeriod != "" {
		a.touchPeriod, err = time.ParseDuration(ac.TouchPeriod)
		if err != nil {
			a.lg.Errorf("Failed to parse TouchPeriod [%v]", err)
			return err
		}
	} else {
		a.touchPeriod = time.Second * 30 // jittered default
	}

	if ac.Metrics.Endpoint != "" {

		metricsReg := prometheus.NewRegistry()
		handler := promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{})

		handlerMux := http.NewServeMux()
		handlerMux.Handle(ac.Metrics.Path, handler)
		metricServer := &http.Server{
			Addr:    ac.Metrics.Endpoint,
			Handler: handlerMux,
		}

		go func() {
			err := metricServer.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				a.lg.Errorf("Failed to serve metrics for application, cfg: '%+v' [%+v]", ac.Metrics, err)
			}
		}()

		a.opts = append(a.opts, zkem.WithMetrics(metricsReg, true))
	}

	return err
}

func main() {

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGABRT)

	var a app

	flag.BoolVar(&a.debug, "debug", false, "enable debug")
	flag.StringVar(&a.cfgFile, "config", "app.json", "specify a configuration filename")
	flag.StringVar(&a.zapEncoding, "zapEncoding", "console", "specify application zap log encoding")
	flag.StringVar(&a.zapFile, "zapFile", "", "specify application zap log file (log to stderr if not set)")
	flag.Parse()

	a.run(sigChan, zkem.DefaultZapLoggerConfig())
}
