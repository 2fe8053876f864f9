package bus

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func testPaths(t *testing.T) Paths {
	t.Helper()
	// unix socket paths are length limited, keep them short
	dir, err := os.MkdirTemp("", "fv")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return Paths{Dir: dir}
}

func TestPidFile(t *testing.T) {
	p := testPaths(t)

	t.Run("create and remove PID file", func(t *testing.T) {
		if err := p.CreatePidFile(); err != nil {
			t.Fatalf("CreatePidFile failed: %v", err)
		}

		pidData, err := os.ReadFile(p.Pid())
		if err != nil {
			t.Fatalf("failed to read PID file: %v", err)
		}
		if want := strconv.Itoa(os.Getpid()); string(pidData) != want {
			t.Errorf("PID file contains %q, expected %q", pidData, want)
		}

		if err := p.RemovePidFile(); err != nil {
			t.Fatalf("RemovePidFile failed: %v", err)
		}
		if _, err := os.Stat(p.Pid()); !os.IsNotExist(err) {
			t.Error("PID file should not exist after removal")
		}
	})

	t.Run("no PID file", func(t *testing.T) {
		if err := p.CheckExistingDaemon(); err != nil {
			t.Errorf("CheckExistingDaemon should not error without a PID file: %v", err)
		}
	})

	t.Run("running process", func(t *testing.T) {
		if err := p.CreatePidFile(); err != nil {
			t.Fatalf("CreatePidFile failed: %v", err)
		}
		defer p.RemovePidFile()

		if err := p.CheckExistingDaemon(); err == nil {
			t.Error("CheckExistingDaemon should fail while the process is running")
		}
	})

	stale := []struct {
		name    string
		content string
	}{
		{"stale PID", "99999999"},
		{"invalid PID", "invalid"},
	}
	for _, tt := range stale {
		t.Run(tt.name, func(t *testing.T) {
			if err := os.WriteFile(p.Pid(), []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			if err := p.CheckExistingDaemon(); err != nil {
				t.Errorf("CheckExistingDaemon should succeed: %v", err)
			}
			if _, err := os.Stat(p.Pid()); !os.IsNotExist(err) {
				t.Error("stale PID file should be removed")
			}
		})
	}
}

func TestIsProcessAlive(t *testing.T) {
	if !isProcessAlive(os.Getpid()) {
		t.Error("current process should be alive")
	}
	if isProcessAlive(99999999) {
		t.Error("non-existent process should not be alive")
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		cmd     byte
		args    []string
		wantErr bool
	}{
		{"s\n", 's', nil, false},
		{"r v1\n", 'r', []string{"v1"}, false},
		{"r v1 t1\n", 'r', []string{"v1", "t1"}, false},
		{"  \n", 0, nil, true},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.line), func(t *testing.T) {
			cmd, args, err := ParseCommand(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if cmd != tt.cmd || fmt.Sprint(args) != fmt.Sprint(tt.args) {
				t.Errorf("got %c %v, want %c %v", cmd, args, tt.cmd, tt.args)
			}
		})
	}
}

func TestSendCommand(t *testing.T) {
	p := testPaths(t)

	t.Run("dial without listener", func(t *testing.T) {
		if _, err := p.SendCommand(CmdStatus); err == nil {
			t.Error("SendCommand should fail when no listener exists")
		}
	})

	ln, err := p.Listen()
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	// echoes the parsed command back
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				line, err := bufio.NewReader(c).ReadString('\n')
				if err != nil {
					return
				}
				cmd, args, err := ParseCommand(line)
				if err != nil {
					fmt.Fprint(c, "ERR empty\n")
					return
				}
				fmt.Fprintf(c, "OK cmd=%c args=%s\n", cmd, strings.Join(args, ","))
			}(conn)
		}
	}()

	tests := []struct {
		cmd      byte
		args     []string
		expected string
	}{
		{CmdStatus, nil, "OK cmd=s args=\n"},
		{CmdStart, []string{"v1"}, "OK cmd=r args=v1\n"},
		{CmdStart, []string{"v1", "t1"}, "OK cmd=r args=v1,t1\n"},
		{CmdQuit, nil, "OK cmd=q args=\n"},
	}
	for _, tt := range tests {
		got, err := p.SendCommand(tt.cmd, tt.args...)
		if err != nil {
			t.Errorf("command %c: %v", tt.cmd, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("command %c: got %q, expected %q", tt.cmd, got, tt.expected)
		}
	}
}

func TestDefaultPaths(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/tmp/fv-cache")
	p, err := DefaultPaths()
	if err != nil {
		t.Fatalf("DefaultPaths failed: %v", err)
	}
	if p.Dir != filepath.Join("/tmp/fv-cache", "fieldvoice") {
		t.Errorf("dir = %q", p.Dir)
	}
	if filepath.Base(p.Sock()) != SockName || filepath.Base(p.Pid()) != PidName {
		t.Errorf("sock=%q pid=%q", p.Sock(), p.Pid())
	}
}
