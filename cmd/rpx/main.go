// Command rpx is a minimal demo process built on the node package: it
// serves or dials a TCP listener and exercises the eval/newlist/len
// requests from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"

	"github.com/myelnet/rpx/exchange"
	"github.com/myelnet/rpx/node"
	"github.com/peterbourgon/ff/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: rpx <serve|dial> [flags]")
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "dial":
		err = runDial(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		log.Error().Err(err).Msg("rpx: exiting with error")
		os.Exit(1)
	}
}

func setupLogging(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var (
		addr    = fs.String("addr", ":4242", "TCP address to listen on")
		verbose = fs.Bool("v", false, "enable debug logging")
	)
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("RPX")); err != nil {
		return err
	}
	setupLogging(*verbose)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		return fmt.Errorf("rpx: listen on %s: %w", *addr, err)
	}
	defer ln.Close()
	log.Info().Str("addr", *addr).Msg("rpx: serving")

	nd := node.New()
	nd.SetNotify(func(n node.Notify) {
		log.Info().Interface("notify", n).Msg("rpx: event")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go func() {
		<-ctx.Done()
		ln.Close()
		nd.Manager().CloseAll()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("rpx: accept: %w", err)
			}
		}
		sess := nd.Manager().Accept(ctx, c)
		log.Info().Str("session", string(sess)).Str("remote", c.RemoteAddr().String()).Msg("rpx: accepted connection")
	}
}

type tcpDialer struct{ addr string }

func (d tcpDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", d.addr)
}

func runDial(args []string) error {
	fs := flag.NewFlagSet("dial", flag.ExitOnError)
	var (
		addr    = fs.String("addr", "localhost:4242", "TCP address to dial")
		expr    = fs.String("eval", "6*7", "expression to evaluate once connected")
		verbose = fs.Bool("v", false, "enable debug logging")
	)
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("RPX")); err != nil {
		return err
	}
	setupLogging(*verbose)

	nd := node.New()
	nd.SetNotify(func(n node.Notify) {
		log.Info().Interface("notify", n).Msg("rpx: event")
	})

	ctx := context.Background()
	sess, err := nd.Manager().Dial(ctx, tcpDialer{addr: *addr}, exchange.DefaultDialOptions)
	if err != nil {
		return fmt.Errorf("rpx: dial %s: %w", *addr, err)
	}
	log.Info().Str("session", string(sess)).Msg("rpx: connected")

	c, ok := nd.Manager().Connection(sess)
	if !ok {
		return fmt.Errorf("rpx: session %s vanished immediately after connecting", sess)
	}

	result, err := c.SendRequest(ctx, node.CodeEval, *expr)
	if err != nil {
		return fmt.Errorf("rpx: eval %q: %w", *expr, err)
	}
	fmt.Printf("%s = %v\n", *expr, result)

	listRef, err := c.SendRequest(ctx, node.CodeNewList, nil)
	if err != nil {
		return fmt.Errorf("rpx: newlist: %w", err)
	}
	n, err := c.SendRequest(ctx, node.CodeLen, listRef)
	if err != nil {
		return fmt.Errorf("rpx: len: %w", err)
	}
	fmt.Printf("len(new list) = %v\n", n)

	return c.Close()
}
