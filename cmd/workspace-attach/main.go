// Command workspace-attach connects the local terminal to a workspace
// server's shared shell.
package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		server string
		since  int64
		debug  bool
	)

	flagSet := pflag.NewFlagSet("workspace-attach", pflag.ContinueOnError)
	flagSet.StringVarP(&server, "server", "s", "ws://localhost:9000/ws", "workspace server WebSocket URL")
	flagSet.Int64Var(&since, "since", -1, "only replay output after this stream offset")
	flagSet.BoolVar(&debug, "debug", false, "log connection details to stderr")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	target, err := attachURL(server, since)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid server URL: %v\n", err)
		return 2
	}

	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to %s: %v\n", target, err)
		return 1
	}
	log.Debug().Str("url", target).Msg("Attached")

	a := newAttachment(conn, os.Stdout, os.Stderr)
	defer a.close()

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "set terminal raw mode: %v\n", err)
			return 1
		}
		defer term.Restore(stdinFd, oldState)

		if cols, rows, err := term.GetSize(stdinFd); err == nil {
			if err := a.resize(rows, cols); err != nil {
				log.Debug().Err(err).Msg("Initial resize failed")
			}
		}
		stopResize := watchResize(func() {
			if cols, rows, err := term.GetSize(stdinFd); err == nil {
				a.resize(rows, cols)
			}
		})
		defer stopResize()
	}

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGTERM)
	go func() {
		<-signalChannel
		a.close()
	}()

	go func() {
		if err := a.pumpInput(os.Stdin); err != nil {
			log.Debug().Err(err).Msg("Input closed")
		}
	}()

	code, err := a.receive()
	if err != nil {
		fmt.Fprintf(os.Stderr, "\r\n%v (offset %d)\r\n", err, a.offset)
		return 1
	}
	return code
}

// attachURL adds the since offset to the server URL when set.
func attachURL(server string, since int64) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if since >= 0 {
		q := u.Query()
		q.Set("since", strconv.FormatInt(since, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
