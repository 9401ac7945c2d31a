// Command datalayer-call issues one Echo call through the bridge and
// prints the reply.
//
// Usage:
//
//	datalayer-call [-config node.yaml] [-node id] [-method Echo|Reverse] value
//
// With -local the call runs against an Echo service hosted in-process on
// a loopback network, which needs no other node.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"datalayer-rpc/client"
	"datalayer-rpc/config"
	"datalayer-rpc/internal/echo"
	"datalayer-rpc/internal/node"
	"datalayer-rpc/service"
	"datalayer-rpc/transport"

	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	configFile = flag.String("config", "", "YAML config `file`")
	target     = flag.String("node", "", "call this node `id` instead of resolving one")
	method     = flag.String("method", "Echo", "Echo or Reverse")
	local      = flag.Bool("local", false, "serve the call in-process over a loopback network")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: datalayer-call [flags] value\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	out, err := run(flag.Arg(0))
	if err != nil {
		if st, ok := status.FromError(err); ok {
			fmt.Fprintf(os.Stderr, "datalayer-call: %s: %s\n", st.Code(), st.Message())
		} else {
			fmt.Fprintln(os.Stderr, "datalayer-call:", err)
		}
		os.Exit(1)
	}
	fmt.Println(out)
}

func run(value string) (string, error) {
	cfg, err := config.FromFile(*configFile)
	if err != nil {
		return "", err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return "", err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.SendTimeout)
	defer cancel()

	var ch *client.Channel
	if *local {
		d := node.NewDispatcher(cfg, logger)
		echo.RegisterEchoServer(d, &echo.Server{})
		svc := service.New(d, service.WithPathPrefix(cfg.PathPrefix), service.WithLogger(logger))
		svc.OnCreate()
		defer svc.OnDestroy()

		network := transport.NewLoopback(cfg.SendTimeout, logger)
		network.Attach("local", svc.Handler())
		ch = node.NewChannel(cfg, network.Client(cfg.Node.ID), client.PinnedNode("local"), logger)
	} else {
		reg, closeReg, err := node.OpenRegistry(cfg, logger)
		if err != nil {
			return "", err
		}
		defer closeReg()

		mc := node.NewTCPClient(cfg, reg, logger)
		defer mc.Close()
		ch = node.NewChannel(cfg, mc, node.Resolver(cfg, reg, echo.Capability, *target), logger)
	}

	stub := echo.NewEchoClient(ch)
	in := wrapperspb.String(value)
	var out *wrapperspb.StringValue
	switch strings.ToLower(*method) {
	case "echo":
		out, err = stub.Echo(ctx, in)
	case "reverse":
		out, err = stub.Reverse(ctx, in)
	default:
		return "", errors.New("unknown method " + *method)
	}
	if err != nil {
		return "", err
	}
	return out.GetValue(), nil
}
