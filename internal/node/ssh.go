package node

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ignite/coldsend-control/internal/config"
)

// sshRunner is the production runner: one persistent SSH connection per node,
// re-established on demand.
type sshRunner struct {
	cfg config.NodeConfig

	mu     sync.Mutex
	client *ssh.Client
}

func newSSHRunner(cfg config.NodeConfig) *sshRunner {
	return &sshRunner{cfg: cfg}
}

// ensure returns a live SSH client, reconnecting if the cached one is dead.
func (r *sshRunner) ensure() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		// Quick liveness check
		_, _, err := r.client.SendRequest("keepalive@openssh.com", true, nil)
		if err == nil {
			return r.client, nil
		}
		r.client.Close()
		r.client = nil
	}

	keyBytes, err := os.ReadFile(r.cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read SSH key %s: %w", r.cfg.SSHKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse SSH key: %w", err)
	}

	conf := &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.SSHPort)
	client, err := ssh.Dial("tcp", addr, conf)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", addr, err)
	}
	r.client = client
	return client, nil
}

func (r *sshRunner) session() (*ssh.Session, error) {
	client, err := r.ensure()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		// Connection may have broken; reset and retry once
		r.mu.Lock()
		if r.client != nil {
			r.client.Close()
			r.client = nil
		}
		r.mu.Unlock()
		client, err = r.ensure()
		if err != nil {
			return nil, fmt.Errorf("SSH reconnect: %w", err)
		}
		session, err = client.NewSession()
		if err != nil {
			return nil, fmt.Errorf("SSH session: %w", err)
		}
	}
	return session, nil
}

func (r *sshRunner) run(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	session, err := r.session()
	if err != nil {
		return "", err
	}
	defer session.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		session.Close()
		return "", fmt.Errorf("command timed out: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return string(res.out), fmt.Errorf("command failed: %v (output: %s)", res.err, string(res.out))
		}
		return string(res.out), nil
	}
}

func (r *sshRunner) push(ctx context.Context, data []byte, remotePath string) error {
	session, err := r.session()
	if err != nil {
		return err
	}
	defer session.Close()

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	// Write via stdin to a temp file, then move atomically
	tmpPath := remotePath + ".tmp"
	cmd := fmt.Sprintf("sudo tee %s > /dev/null && sudo mv %s %s", tmpPath, tmpPath, remotePath)
	session.Stdin = bytes.NewReader(data)

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Close()
		return fmt.Errorf("push timed out: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("push %s: %w", remotePath, err)
		}
		return nil
	}
}

func (r *sshRunner) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		err := r.client.Close()
		r.client = nil
		return err
	}
	return nil
}
