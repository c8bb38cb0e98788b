package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHInfoConfig describes how to reach a network-attached card's embedded
// Linux host for identity reads when the control channel does not expose
// them (older firmware).
type SSHInfoConfig struct {
	Host      string
	User      string
	Password  string
	KeyPath   string
	Port      int
	SysfsRoot string
}

// CardInfo is the identity block read from the card.
type CardInfo struct {
	Serial          string
	PartNumber      string
	FirmwareVersion string
}

// SSHInfoReader reads card identity attributes from the sysfs tree of a
// network-attached card over SSH.
type SSHInfoReader struct {
	mu     sync.Mutex
	cfg    SSHInfoConfig
	client *ssh.Client
}

// NewSSHInfoReader validates configuration and prepares a reader.
func NewSSHInfoReader(cfg SSHInfoConfig) (*SSHInfoReader, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = "/sys/class/rfhost/card0"
	}
	return &SSHInfoReader{cfg: cfg}, nil
}

// ReadInfo fetches the identity attributes in one session.
func (r *SSHInfoReader) ReadInfo(ctx context.Context) (CardInfo, error) {
	serial, err := r.readAttr(ctx, "serial")
	if err != nil {
		return CardInfo{}, err
	}
	part, err := r.readAttr(ctx, "part_number")
	if err != nil {
		return CardInfo{}, err
	}
	fw, err := r.readAttr(ctx, "fw_version")
	if err != nil {
		return CardInfo{}, err
	}
	return CardInfo{Serial: serial, PartNumber: part, FirmwareVersion: fw}, nil
}

func (r *SSHInfoReader) readAttr(ctx context.Context, attr string) (string, error) {
	client, err := r.dial(ctx)
	if err != nil {
		return "", err
	}
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	target := path.Join(r.cfg.SysfsRoot, attr)
	if err := session.Run(fmt.Sprintf("cat %q", target)); err != nil {
		return "", fmt.Errorf("read %s: %w", target, err)
	}
	return strings.TrimSpace(out.String()), nil
}

func (r *SSHInfoReader) dial(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	auth := make([]ssh.AuthMethod, 0, 2)
	if r.cfg.KeyPath != "" {
		key, err := os.ReadFile(r.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if r.cfg.Password != "" {
		auth = append(auth, ssh.Password(r.cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh credentials configured")
	}

	cfg := &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	addr := net.JoinHostPort(r.cfg.Host, fmt.Sprintf("%d", r.cfg.Port))

	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ssh.Dial("tcp", addr, cfg)
		ch <- result{c, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("ssh dial %s: %w", addr, res.err)
		}
		r.client = res.client
		return r.client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the cached SSH connection.
func (r *SSHInfoReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
