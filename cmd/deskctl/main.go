// Command deskctl calls desk agent tools from the shell and follows desk
// notifications.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tradedesk/internal/model"
	"tradedesk/pkg/stream"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: deskctl [-url URL] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  call TOOL [JSON]   Call an agent tool, e.g. call get_orders '{\"open_only\":true}'\n")
	fmt.Fprintf(os.Stderr, "  watch              Print desk notifications until interrupted\n\n")
	flag.PrintDefaults()
}

func main() {
	url := flag.String("url", "http://localhost:8080/mcp/sse", "Agent event stream URL")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := stream.NewClient(stream.DefaultConfig(*url))
	if err != nil {
		fatal(err)
	}
	defer client.Close()

	switch args[0] {
	case "call":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		var params json.RawMessage
		if len(args) > 2 {
			params = json.RawMessage(args[2])
			if !json.Valid(params) {
				fatal(fmt.Errorf("%w: arguments are not valid JSON", model.ErrValidation))
			}
		}
		os.Exit(call(ctx, client, args[1], params))

	case "watch":
		client.OnNotification = func(n stream.Notification) {
			fmt.Printf("%s %s\n", n.Method, n.Params)
		}
		client.OnStateChange = func(_, to stream.State) {
			fmt.Fprintf(os.Stderr, "[deskctl] %s\n", to)
		}
		if err := client.Connect(ctx); err != nil {
			fatal(err)
		}
		<-ctx.Done()

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		os.Exit(2)
	}
}

// call runs one tool and prints its result. The exit code is 1 when the
// tool reports an error.
func call(ctx context.Context, client *stream.Client, tool string, params json.RawMessage) int {
	var in interface{}
	if params != nil {
		in = params
	}
	res, err := client.Call(ctx, tool, in)
	if err != nil {
		fatal(err)
	}
	fmt.Println(res.Text())
	if err := res.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "[deskctl] %s failed (%s)\n", tool, model.ErrorKind(err))
		return 1
	}
	return 0
}

func fatal(err error) {
	code := 1
	if errors.Is(err, model.ErrValidation) {
		code = 2
	}
	fmt.Fprintf(os.Stderr, "deskctl: %v\n", err)
	os.Exit(code)
}
