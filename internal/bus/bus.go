package bus

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const SockName = "control.sock"
const PidName = "fieldvoice.pid"
const ProtoVer = "0.1"

// Commands understood by the daemon. Start takes the visit session id and an
// optional transcription session id as arguments.
const (
	CmdStart      byte = 'r'
	CmdPause      byte = 'p'
	CmdResume     byte = 'u'
	CmdEnd        byte = 'e'
	CmdCancel     byte = 'c'
	CmdStatus     byte = 's'
	CmdBackground byte = 'b'
	CmdForeground byte = 'f'
	CmdVersion    byte = 'v'
	CmdQuit       byte = 'q'
)

// replies can take as long as the backend handshake or end confirmation
const replyTimeout = 45 * time.Second

// Paths locates the control socket and pid file.
type Paths struct {
	Dir string
}

// DefaultPaths is ~/.cache/fieldvoice
func DefaultPaths() (Paths, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return Paths{}, err
	}
	return Paths{Dir: filepath.Join(dir, "fieldvoice")}, nil
}

func (p Paths) Sock() string {
	return filepath.Join(p.Dir, SockName)
}

func (p Paths) Pid() string {
	return filepath.Join(p.Dir, PidName)
}

func (p Paths) Listen() (net.Listener, error) {
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return nil, err
	}
	_ = os.Remove(p.Sock()) // stale socket from last run
	return net.Listen("unix", p.Sock())
}

func (p Paths) Dial() (net.Conn, error) {
	return net.Dial("unix", p.Sock())
}

// SendCommand writes one command line and returns the single line reply.
func (p Paths) SendCommand(cmd byte, args ...string) (string, error) {
	c, err := p.Dial()
	if err != nil {
		return "", err
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(replyTimeout))

	line := string(cmd)
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	if _, err := c.Write([]byte(line + "\n")); err != nil {
		return "", err
	}

	return bufio.NewReader(c).ReadString('\n')
}

// SendCommand talks to the daemon at the default location.
func SendCommand(cmd byte, args ...string) (string, error) {
	p, err := DefaultPaths()
	if err != nil {
		return "", err
	}
	return p.SendCommand(cmd, args...)
}

// ParseCommand splits a command line into its command byte and arguments.
func ParseCommand(line string) (byte, []string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, nil, fmt.Errorf("empty command")
	}
	return line[0], strings.Fields(line[1:]), nil
}

func (p Paths) CheckExistingDaemon() error {
	pidData, err := os.ReadFile(p.Pid())
	if os.IsNotExist(err) {
		return nil // no existing daemon
	}
	if err != nil {
		return err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		_ = os.Remove(p.Pid()) // invalid pid file, assume stale
		return nil
	}

	if !isProcessAlive(pid) {
		_ = os.Remove(p.Pid())
		return nil
	}

	return fmt.Errorf("daemon already running with PID %d", pid)
}

func (p Paths) CreatePidFile() error {
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(p.Pid(), []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func (p Paths) RemovePidFile() error {
	return os.Remove(p.Pid())
}

func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks existence without delivering anything
	return proc.Signal(syscall.Signal(0)) == nil
}
