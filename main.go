package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/alexcesaro/log"
	"github.com/alexcesaro/log/golog"
	flags "github.com/jessevdk/go-flags"
	"golang.org/x/time/rate"

	"github.com/duplexrpc/duplexrpc/duplex"
	"github.com/duplexrpc/duplexrpc/duplex/ws"
	"github.com/duplexrpc/duplexrpc/duplex/ws/gobwas"
	"github.com/duplexrpc/duplexrpc/duplex/ws/gorilla"
	"github.com/duplexrpc/duplexrpc/internal/fakesocket"
)

// Version of the binary, assigned during build.
var Version string = "dev"

var rpcTimeout = time.Second * 10

// Options contains the flag options
type Options struct {
	Verbose []bool `short:"v" long:"verbose" description:"Show verbose logging."`
	Version bool   `long:"version" description:"Print version and exit."`

	Serve struct {
		Bind      string  `long:"bind" description:"Address and port to listen on." default:"0.0.0.0:8080"`
		Websocket string  `long:"websocket" description:"WebSocket implementation. (gorilla|gobwas)" default:"gorilla"`
		RateLimit float64 `long:"ratelimit" description:"Inbound messages per second allowed per peer, 0 to disable." default:"0"`
		Debug     bool    `long:"debug" description:"Trace every frame sent and received."`
	} `command:"serve" description:"Serve bidirectional RPC over WebSocket."`

	Call struct {
		Args struct {
			Endpoint string `positional-arg-name:"endpoint" required:"yes" description:"WebSocket endpoint URL, or memory:// for an in-process loopback."`
			Method   string `positional-arg-name:"method" required:"yes" description:"Route name to invoke."`
			Params   string `positional-arg-name:"params" description:"JSON-encoded call parameters."`
		} `positional-args:"yes"`
		Websocket string `long:"websocket" description:"WebSocket implementation. (gorilla|gobwas)" default:"gorilla"`
		Debug     bool   `long:"debug" description:"Trace every frame sent and received."`
	} `command:"call" description:"Invoke a remote procedure and print its result."`

	Ping struct {
		Args struct {
			Endpoint string `positional-arg-name:"endpoint" required:"yes" description:"WebSocket endpoint URL."`
		} `positional-args:"yes"`
		Websocket string `long:"websocket" description:"WebSocket implementation. (gorilla|gobwas)" default:"gorilla"`
	} `command:"ping" description:"Probe an endpoint with the built-in ping route."`
}

const callUsage = `Examples:
* Call the built-in ping route on a local server:
  $ duplexrpc call ws://localhost:8080/ ping '"hi"'

* Call a route without leaving the process:
  $ duplexrpc call memory:// echo '{"a": 1}'
`

func dialerFor(impl string) (duplex.Dialer, error) {
	switch impl {
	case "gorilla":
		return gorilla.Dial, nil
	case "gobwas":
		return gobwas.Dial, nil
	}
	return nil, fmt.Errorf("unknown websocket implementation: %q", impl)
}

func upgraderFor(impl string) (ws.Upgrader, error) {
	switch impl {
	case "gorilla":
		return &gorilla.Upgrader{}, nil
	case "gobwas":
		return &gobwas.Upgrader{}, nil
	}
	return nil, fmt.Errorf("unknown websocket implementation: %q", impl)
}

// registerDemoRoutes adds the routes a served peer exposes beyond the
// built-ins.
func registerDemoRoutes(sess *duplex.Session) {
	sess.Handle("echo", func(params json.RawMessage) (interface{}, error) {
		return params, nil
	})
	sess.Handle("time", func(params json.RawMessage) (interface{}, error) {
		return time.Now().UTC().Format(time.RFC3339Nano), nil
	})
	sess.HandleAsync("delay", func(params json.RawMessage, reply *duplex.Reply) {
		var millis int64
		if err := json.Unmarshal(params, &millis); err != nil {
			reply.Reject(fmt.Sprintf("invalid delay: %s", err))
			return
		}
		time.AfterFunc(time.Duration(millis)*time.Millisecond, func() {
			reply.Resolve(millis)
		})
	})
}

// connect dials an endpoint and returns a connected session. The
// memory:// scheme wires the session to an in-process peer serving the
// demo routes.
func connect(endpoint string, impl string, debug bool) (*duplex.Session, error) {
	if endpoint == "memory://" {
		a, b := fakesocket.Pipe()
		server := duplex.New(duplex.Config{Dialer: b.Dialer(), EvenIDs: true})
		registerDemoRoutes(server)
		if err := server.Connect(); err != nil {
			return nil, err
		}
		sess := duplex.New(duplex.Config{Dialer: a.Dialer(), Debug: debug})
		if err := sess.Connect(); err != nil {
			return nil, err
		}
		return sess, nil
	}

	dial, err := dialerFor(impl)
	if err != nil {
		return nil, err
	}
	sess := duplex.New(duplex.Config{
		Endpoint: endpoint,
		Dialer:   dial,
		Debug:    debug,
	})
	opened := sess.Once(duplex.EventConnect)
	failed := sess.Once(duplex.EventError)
	if err := sess.Connect(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	select {
	case <-opened.Done():
		return sess, nil
	case <-failed.Done():
		sess.Close()
		return nil, ErrExplain{
			errors.New("connection failed"),
			"Could not reach the endpoint. Make sure a server is listening there.",
		}
	case <-ctx.Done():
		sess.Close()
		return nil, ctx.Err()
	}
}

func subcommand(cmd string, options Options) error {
	switch cmd {
	case "serve":
		up, err := upgraderFor(options.Serve.Websocket)
		if err != nil {
			return err
		}
		opts := []ws.Option{ws.WithSessionSetup(registerDemoRoutes)}
		if options.Serve.RateLimit > 0 {
			burst := int(options.Serve.RateLimit * 2)
			if burst < 1 {
				burst = 1
			}
			opts = append(opts, ws.WithRateLimit(rate.Limit(options.Serve.RateLimit), burst))
		}
		if options.Serve.Debug {
			opts = append(opts, ws.WithDebug())
		}
		handler := ws.Handler(up, opts...)
		logger.Infof("Starting server (version %s), listening on: ws://%s", Version, options.Serve.Bind)
		return http.ListenAndServe(options.Serve.Bind, handler)

	case "call":
		sess, err := connect(options.Call.Args.Endpoint, options.Call.Websocket, options.Call.Debug)
		if err != nil {
			return err
		}
		defer sess.Close()

		var params interface{}
		if raw := options.Call.Args.Params; raw != "" {
			if !json.Valid([]byte(raw)) {
				return fmt.Errorf("params is not valid JSON: %q", raw)
			}
			params = json.RawMessage(raw)
		}

		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		var result json.RawMessage
		if err := sess.CallContext(ctx, &result, options.Call.Args.Method, params); err != nil {
			return err
		}
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		fmt.Println(string(result))
		return nil

	case "ping":
		sess, err := connect(options.Ping.Args.Endpoint, options.Ping.Websocket, false)
		if err != nil {
			return err
		}
		defer sess.Close()

		probe := func() error {
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()
			var echoed string
			start := time.Now()
			if err := sess.CallContext(ctx, &echoed, "ping", "hi"); err != nil {
				return err
			}
			if echoed != "hi" {
				return fmt.Errorf("ping returned unexpected payload: %q", echoed)
			}
			fmt.Printf("pong: %s\n", time.Since(start))
			return nil
		}
		if err := probe(); err != nil {
			return err
		}

		// Keep probing until interrupted.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := probe(); err != nil {
					return err
				}
			case <-sigCh:
				logger.Info("Shutting down...")
				return nil
			}
		}
	}

	return nil
}

var logLevels = []log.Level{
	log.Warning,
	log.Info,
	log.Debug,
}

func main() {
	options := Options{}
	parser := flags.NewParser(&options, flags.Default)
	p, err := parser.Parse()
	if err != nil {
		if p == nil {
			fmt.Println(err)
		}
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp && parser.Active != nil {
			// Print additional usage help when run with --help
			switch parser.Active.Name {
			case "call":
				exit(0, callUsage)
			}
		}
		return
	}

	if options.Version {
		fmt.Println(Version)
		os.Exit(0)
	}

	// Figure out the log level
	numVerbose := len(options.Verbose)
	if numVerbose > len(logLevels) {
		numVerbose = len(logLevels) - 1
	}

	logLevel := logLevels[numVerbose]
	logWriter := os.Stderr

	SetLogger(golog.New(logWriter, logLevel))
	if logLevel == log.Debug {
		// Enable logging from subpackages
		duplex.SetLogger(logWriter)
		ws.SetLogger(logWriter)
	}

	if parser.Active == nil {
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}
	cmd := parser.Active.Name
	err = subcommand(cmd, options)
	if err == nil {
		return
	}

	switch err.(type) {
	case net.Error:
		err = ErrExplain{err, `Disconnected from the peer unexpectedly. Could be a connectivity issue or the server is down. Try again?`}
	case *duplex.CallError:
		err = ErrExplain{err, `The peer rejected the call. Check the method name and parameters.`}
	case duplex.SocketStateError:
		err = ErrExplain{err, `The connection is not open. Is the server reachable?`}
	case ErrExplain:
		// All good.
	}

	exit(2, "%s failed: %s\n", cmd, err)
}

func exit(code int, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(code)
}

// ErrExplain annotates an error with an explanation.
type ErrExplain struct {
	Cause       error
	Explanation string
}

func (err ErrExplain) Error() string {
	return fmt.Sprintf("%s\n -> %s", err.Cause, err.Explanation)
}
