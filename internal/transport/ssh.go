package transport

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/runsync/runsync/internal/logging"
)

// SSH copies trees over an SFTP session. Host keys are always verified
// against known_hosts.
type SSH struct {
	logger         *logging.Logger
	knownHostsFile string
}

// NewSSH creates the scp/sftp binding.
func NewSSH(opts Options) *SSH {
	opts = opts.withDefaults()
	return &SSH{logger: opts.Logger, knownHostsFile: opts.KnownHostsFile}
}

// Method implements Transport.
func (s *SSH) Method() string { return MethodSCP }

// Push implements Transport.
func (s *SSH) Push(ctx context.Context, localPath string, remote Endpoint, remotePath string) error {
	err := s.withClient(ctx, remote, func(c *sftp.Client) error {
		return pushTree(ctx, c, localPath, remotePath)
	})
	return wrap(MethodSCP, "push", localPath, err)
}

// Pull implements Transport.
func (s *SSH) Pull(ctx context.Context, remote Endpoint, remotePath, localPath string) error {
	err := s.withClient(ctx, remote, func(c *sftp.Client) error {
		return pullTree(ctx, c, remotePath, localPath)
	})
	return wrap(MethodSCP, "pull", remotePath, err)
}

func (s *SSH) withClient(ctx context.Context, ep Endpoint, fn func(*sftp.Client) error) error {
	cfg, closeAgent, err := s.clientConfig(ep)
	if err != nil {
		return err
	}
	defer closeAgent()

	port := ep.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(ep.Address, strconv.Itoa(port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	// Cancellation closes the connection, which unblocks any pending I/O.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp session with %s: %w", addr, err)
	}
	defer sc.Close()

	s.logger.Debug().Str("host", ep.Name).Str("addr", addr).Msg("sftp session opened")
	return fn(sc)
}

func (s *SSH) clientConfig(ep Endpoint) (*ssh.ClientConfig, func(), error) {
	noop := func() {}

	khFile := s.knownHostsFile
	if khFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, noop, fmt.Errorf("locate known_hosts: %w", err)
		}
		khFile = filepath.Join(home, ".ssh", "known_hosts")
	}
	hostKeys, err := knownhosts.New(khFile)
	if err != nil {
		return nil, noop, fmt.Errorf("load known_hosts: %w", err)
	}

	var methods []ssh.AuthMethod
	closeAgent := noop
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closeAgent = func() { conn.Close() }
		}
	}
	if ep.IdentityFile != "" {
		key, err := os.ReadFile(ep.IdentityFile)
		if err != nil {
			closeAgent()
			return nil, noop, fmt.Errorf("read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			closeAgent()
			return nil, noop, fmt.Errorf("parse identity file: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if len(methods) == 0 {
		return nil, noop, fmt.Errorf("no ssh credentials: set SSH_AUTH_SOCK or identity_file")
	}

	user := ep.Username
	if user == "" {
		user = os.Getenv("USER")
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeys,
	}, closeAgent, nil
}

func pushTree(ctx context.Context, c *sftp.Client, localRoot, remoteRoot string) error {
	info, err := os.Stat(localRoot)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if err := c.MkdirAll(path.Dir(remoteRoot)); err != nil {
			return err
		}
		return pushFile(ctx, c, localRoot, remoteRoot)
	}

	return filepath.WalkDir(localRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localRoot, p)
		if err != nil {
			return err
		}
		target := path.Join(remoteRoot, filepath.ToSlash(rel))
		if d.IsDir() {
			return c.MkdirAll(target)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return pushFile(ctx, c, p, target)
	})
}

func pushFile(ctx context.Context, c *sftp.Client, local, remote string) error {
	in, err := os.Open(local)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := c.Create(remote)
	if err != nil {
		return fmt.Errorf("create %s: %w", remote, err)
	}
	if _, err := out.ReadFrom(&ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", remote, err)
	}
	return out.Close()
}

func pullTree(ctx context.Context, c *sftp.Client, remoteRoot, localRoot string) error {
	walker := c.Walk(remoteRoot)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(remoteRoot, walker.Path())
		if err != nil {
			return err
		}
		target := filepath.Join(localRoot, rel)
		if walker.Stat().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if !walker.Stat().Mode().IsRegular() {
			continue
		}
		if err := pullFile(ctx, c, walker.Path(), target); err != nil {
			return err
		}
	}
	return nil
}

func pullFile(ctx context.Context, c *sftp.Client, remote, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return err
	}
	in, err := c.Open(remote)
	if err != nil {
		return fmt.Errorf("open %s: %w", remote, err)
	}
	defer in.Close()

	out, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return fmt.Errorf("read %s: %w", remote, err)
	}
	return out.Close()
}
