package systemd

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	logx "minekeeper/pkg/logx"
)

func listen(t *testing.T) *net.UnixConn {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram not available: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", sock)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func TestNotifierSendsStates(t *testing.T) {
	conn := listen(t)
	n := NewNotifier(true, logx.Nop())

	if !n.Ready() {
		t.Fatalf("Ready not sent")
	}
	if got := read(t, conn); got != "READY=1" {
		t.Fatalf("got %q", got)
	}
	n.Status("%d mines armed", 3)
	if got := read(t, conn); got != "STATUS=3 mines armed" {
		t.Fatalf("got %q", got)
	}
	n.Reloading()
	if got := read(t, conn); !strings.HasPrefix(got, "RELOADING=1\nMONOTONIC_USEC=") {
		t.Fatalf("got %q", got)
	}
	n.Stopping()
	if got := read(t, conn); got != "STOPPING=1" {
		t.Fatalf("got %q", got)
	}
}

func TestDisabledNotifierIsSilent(t *testing.T) {
	listen(t)
	var nilN *Notifier
	if nilN.Ready() || NewNotifier(false, logx.Nop()).Ready() {
		t.Fatalf("disabled notifier sent")
	}
	if err := NewNotifier(false, logx.Nop()).Watchdog(context.Background()); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}

func TestWatchdogPings(t *testing.T) {
	conn := listen(t)
	t.Setenv("WATCHDOG_USEC", strconv.Itoa(int((40 * time.Millisecond).Microseconds())))
	t.Setenv("WATCHDOG_PID", strconv.Itoa(os.Getpid()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewNotifier(true, logx.Nop()).Watchdog(ctx) }()

	if got := read(t, conn); got != "WATCHDOG=1" {
		t.Fatalf("got %q", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}

func TestWatchdogDisabledReturns(t *testing.T) {
	listen(t)
	t.Setenv("WATCHDOG_USEC", "")
	if err := NewNotifier(true, logx.Nop()).Watchdog(context.Background()); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}
