// Command transmux converts MPEG-TS and packed ADTS segments into
// fragmented MP4 and serves live SRT ingest as fMP4 over HTTP and
// websockets. push feeds a file to an SRT listener for testing.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "transmux:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stderr)
		return errors.New("no command given")
	}

	var err error
	switch args[0] {
	case "convert":
		err = runConvert(args[1:], stdout, stderr)
	case "timing":
		err = runTiming(args[1:], stdout, stderr)
	case "serve":
		err = runServe(args[1:], stderr)
	case "push":
		err = runPush(args[1:], stderr)
	case "version":
		fmt.Fprintln(stdout, version)
	case "help", "-h", "--help":
		usage(stdout)
	default:
		usage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}

func usage(w io.Writer) {
	fmt.Fprint(w, `usage: transmux <command> [flags]

commands:
  convert   transmux segment files into fragmented MP4
  timing    print the decode time and duration of every fragment
  serve     accept SRT publishers and serve them as fMP4
  push      publish a transport stream file to an SRT listener in real time
  version   print the version
`)
}
