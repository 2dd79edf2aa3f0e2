// Command smeb is a single-process live WebM/Matroska HTTP relay: one
// chunked-POST publisher per named path, fanned out to any number of
// chunked-GET viewers, no transcoding (spec.md §1).
package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/pflag"

	"github.com/arkanis/smeb/internal/relay"
)

var log = logging.Logger("smeb")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	flags := pflag.NewFlagSet("smeb", pflag.ContinueOnError)
	addr := flags.String("addr", "0.0.0.0:8080", "address to bind (host:port)")
	idleTimeout := flags.Int("idle-timeout", 60, "seconds a stream may go without a publisher before it is garbage collected")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn, error")

	if err := flags.Parse(argv); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	// Positional `bind-addr port` compatibility with the original CLI
	// (spec.md §6: "program bind-addr port"), used only when --addr was
	// left at its default and two positional args were given.
	if rest := flags.Args(); len(rest) == 2 && !flags.Changed("addr") {
		*addr = rest[0] + ":" + rest[1]
	}

	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "smeb: bad --log-level %q: %v\n", *logLevel, err)
		return 1
	}

	srv := relay.New(relay.Config{Addr: *addr, IdleTimeoutSec: *idleTimeout})
	if err := srv.Run(); err != nil {
		log.Error(err)
		return 1
	}
	return 0
}
