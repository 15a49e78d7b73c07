package executortest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// ShellConfig describes the fake remote shell.
type ShellConfig struct {
	User string // defaults to "user"
	Home string // defaults to "/home/<user>"
	// SudoPassword is accepted by "sudo -i"; empty accepts anything.
	SudoPassword string
	// Silent makes the shell swallow every command without answering, like a
	// program that never prints the expected prompt.
	Silent bool
}

// Commands understood by the interpreter: cd, pwd, echo (with $?), whoami, true,
// false, exit, sudo -i (prompts "[sudo] password for <user>:"), sha256sum <file>,
// sleep (stop answering) and drop (simulate a lost connection). Everything else
// prints "command not found" with status 127.
type interp struct {
	cfg    ShellConfig
	files  *Files
	user   string
	cwd    string
	lastRC int

	awaitPassword bool
	hung          bool
	dropped       bool
}

func newInterp(cfg ShellConfig, files *Files) *interp {
	if cfg.User == "" {
		cfg.User = "user"
	}
	if cfg.Home == "" {
		cfg.Home = "/home/" + cfg.User
	}
	return &interp{cfg: cfg, files: files, user: cfg.User, cwd: cfg.Home, hung: cfg.Silent}
}

func (s *interp) exec(line string) string {
	line = strings.TrimSpace(line)
	if s.awaitPassword {
		s.awaitPassword = false
		if s.cfg.SudoPassword == "" || line == s.cfg.SudoPassword {
			s.user = "root"
			s.cwd = "/root"
			s.lastRC = 0
			return ""
		}
		s.lastRC = 1
		return "Sorry, try again.\n"
	}
	if s.hung || line == "" {
		return ""
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "cd":
		s.cwd = s.cfg.Home
		if len(fields) > 1 {
			s.cwd = fields[1]
		}
		s.lastRC = 0
		return ""
	case "pwd":
		s.lastRC = 0
		return s.cwd + "\n"
	case "echo":
		rc := strconv.Itoa(s.lastRC)
		args := strings.ReplaceAll(strings.Join(fields[1:], " "), "$?", rc)
		s.lastRC = 0
		return strings.Trim(args, `"'`) + "\n"
	case "whoami":
		s.lastRC = 0
		return s.user + "\n"
	case "true":
		s.lastRC = 0
		return ""
	case "false":
		s.lastRC = 1
		return ""
	case "sudo":
		if len(fields) > 1 && fields[1] == "-i" {
			s.awaitPassword = true
			return fmt.Sprintf("[sudo] password for %s: ", s.user)
		}
		s.lastRC = 1
		return "sudo: unsupported\n"
	case "sha256sum":
		if len(fields) < 2 || s.files == nil {
			s.lastRC = 1
			return ""
		}
		path := strings.Trim(fields[1], `'"`)
		b, ok := s.files.Get(path)
		if !ok {
			s.lastRC = 1
			return fmt.Sprintf("sha256sum: %s: No such file or directory\n", path)
		}
		sum := sha256.Sum256(b)
		s.lastRC = 0
		return hex.EncodeToString(sum[:]) + "  " + path + "\n"
	case "sleep":
		s.hung = true
		return ""
	case "exit", "drop":
		s.dropped = true
		return ""
	default:
		s.lastRC = 127
		return fields[0] + ": command not found\n"
	}
}

// Shell is a fake executor.Shell driven by the interpreter. Input is processed one
// line at a time as it is written.
type Shell struct {
	mu     sync.Mutex
	cond   *sync.Cond
	sh     *interp
	pend   []byte
	out    bytes.Buffer
	closed bool
	inputs []string
}

func NewShell(cfg ShellConfig, files *Files) *Shell {
	s := &Shell{sh: newInterp(cfg, files)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Shell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.pend = append(s.pend, p...)
	for {
		i := bytes.IndexByte(s.pend, '\n')
		if i < 0 {
			break
		}
		line := string(s.pend[:i])
		s.pend = s.pend[i+1:]
		s.inputs = append(s.inputs, line)
		s.out.WriteString(s.sh.exec(line))
		if s.sh.dropped {
			s.closed = true
			break
		}
	}
	s.cond.Broadcast()
	return len(p), nil
}

func (s *Shell) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.out.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.out.Len() == 0 {
		return 0, io.EOF
	}
	return s.out.Read(p)
}

func (s *Shell) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

// Inputs returns every line written to the shell.
func (s *Shell) Inputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inputs...)
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }
