package logging

import (
	"fmt"
	"net"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	cyan  = "\033[36m"
	green = "\033[32m"
	dim   = "\033[2m"
)

var logoLines = [5]string{
	` _            _    _           _     `,
	`| |_ __ _ ___| | _| |__  _   _| |__  `,
	`| __/ _` + "`" + ` / __| |/ / '_ \| | | | '_ \ `,
	`| || (_| \__ \   <| | | | |_| | |_) |`,
	` \__\__,_|___/_|\_\_| |_|\__,_|_.__/ `,
}

// PrintBanner prints the server's ASCII art logo, version, and listen
// address to stderr. Colors are used only when stderr is a TTY.
func PrintBanner(mode, ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	for _, line := range logoLines {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, line, reset)
		} else {
			fmt.Fprintln(os.Stderr, line)
		}
	}
	if color {
		fmt.Fprintf(os.Stderr, "\n  %smode%s %s   %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, mode, dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  mode %s   version %s   addr %s\n\n", mode, ver, addr)
	}
}

// PrintAccessURL prints the server's HTTP access URL to stderr.
func PrintAccessURL(addr string) {
	url := addrToURL(addr)
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "  %s%s➜%s  %s%s%s\n\n", bold, green, reset, bold, url, reset)
	} else {
		fmt.Fprintf(os.Stderr, "  ➜  %s\n\n", url)
	}
}

// AccessURL returns the HTTP URL clients use to reach a listen address.
func AccessURL(addr string) string {
	return addrToURL(addr)
}

func addrToURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return "http://localhost" + addr
	}
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%s", host, port)
}
