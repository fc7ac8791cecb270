// Command server is the executable entry point, replacing main.cpp's
// CFEnv/CFConfigure/OS::Initialize bring-up sequence with flag parsing
// and a runtime.Runtime construction, and its `while (!isStop) { Sleep }`
// loop with signal.NotifyContext.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/wangscript007/cxxframework-go/httpsession"
	"github.com/wangscript007/cxxframework-go/runtime"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listenAddr       = flag.String("listen-addr", "0.0.0.0", "address to bind the HTTP listener to")
		listenPort       = flag.Uint("listen-port", 8081, "port to bind the HTTP listener to")
		shortTaskThreads = flag.Uint("short-task-threads", 0, "short-task worker threads (0 = auto: min(NumCPU, 2))")
		blockingThreads  = flag.Uint("blocking-threads", 0, "blocking worker threads (0 = auto: 1)")
		personalityUser  = flag.String("user", "", "drop privileges to this user after binding (optional)")
		personalityGroup = flag.String("group", "", "drop privileges to this group after binding (optional)")
		name             = flag.String("name", "cxxframework-go", "server identity name, rendered in the Server: header")
		version          = flag.String("version", "dev", "server identity version, rendered in the Server: header")
		maxSessions      = flag.Uint("max-sessions", 0, "maximum concurrently live HTTP sessions before admission control engages (0 = unlimited)")
	)
	flag.Parse()

	addr, err := parseIPv4(*listenAddr)
	if err != nil {
		return fmt.Errorf("parsing -listen-addr: %w", err)
	}

	router := httpsession.NewRouter()
	router.Handle("/healthz", func(req *httpsession.Request, resp *httpsession.Response) error {
		resp.SetBody([]byte("ok"))
		return nil
	})

	rt, err := runtime.New(
		runtime.WithListenAddr(addr, uint16(*listenPort)),
		runtime.WithShortTaskThreads(uint32(*shortTaskThreads)),
		runtime.WithBlockingThreads(uint32(*blockingThreads)),
		runtime.WithPersonality(*personalityUser, *personalityGroup),
		runtime.WithHTTPMapping(router.Routes()...),
		runtime.WithIdentity(runtime.Identity{Name: *name, Version: *version}),
		runtime.WithLogger(runtime.NewDefaultLogger(os.Stderr, runtime.LevelInfo)),
		runtime.WithMaxSessions(uint32(*maxSessions)),
	)
	if err != nil {
		return fmt.Errorf("constructing runtime: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// parseIPv4 resolves host (a dotted-quad or hostname) to its first IPv4
// address, mirroring SocketUtils::GetIPAddr(0)'s "first configured
// interface" default.
func parseIPv4(host string) (addr [4]byte, err error) {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return addr, err
		}
		for _, candidate := range ips {
			if v4 := candidate.To4(); v4 != nil {
				ip = v4
				break
			}
		}
		if ip == nil {
			return addr, fmt.Errorf("no IPv4 address found for %q", host)
		}
	}
	v4 := ip.To4()
	if v4 == nil {
		return addr, fmt.Errorf("%q is not an IPv4 address", host)
	}
	copy(addr[:], v4)
	return addr, nil
}
