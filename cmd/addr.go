package cmd

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

const defaultServeAddr = "127.0.0.1:3400"

// parseServeAddr resolves the listen address for `quern serve` from the
// command line. The address may be given positionally (quern serve :8080)
// or via -addr / --addr.
func parseServeAddr() (string, error) {
	var args []string
	if len(os.Args) > 2 {
		args = os.Args[2:]
	}
	return serveAddr(args)
}

// serveAddr does the actual parsing on an explicit argument slice. A bare
// leading argument is shorthand for -addr; an explicit flag after it still
// wins.
func serveAddr(args []string) (string, error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	addr := fs.String("addr", defaultServeAddr, "listen address (host:port)")

	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		*addr = args[0]
		args = args[1:]
	}

	if err := fs.Parse(args); err != nil {
		return "", fmt.Errorf("parsing serve flags: %w", err)
	}

	if err := validateAddr(*addr); err != nil {
		return "", fmt.Errorf("bad listen address %q: %w", *addr, err)
	}
	return *addr, nil
}

// validateAddr checks that addr is something net.Listen will accept:
// host:port with an optional host and a numeric port.
func validateAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("want host:port form: %w", err)
	}
	if err := checkHost(host); err != nil {
		return err
	}
	return checkPort(port)
}

// checkHost accepts an empty host (all interfaces), an IP literal, or a
// hostname without whitespace. Whether the name resolves is left for bind
// time.
func checkHost(host string) error {
	if host == "" || net.ParseIP(host) != nil {
		return nil
	}
	if strings.ContainsAny(host, " \t\r\n") {
		return fmt.Errorf("host %q contains whitespace", host)
	}
	return nil
}

func checkPort(port string) error {
	if port == "" {
		return errors.New("port is required")
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port %q is not a number", port)
	}
	if n < 0 || n > 65535 {
		return fmt.Errorf("port %d out of range 0-65535 (0 picks a free port)", n)
	}
	return nil
}
