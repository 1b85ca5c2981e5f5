package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/froyoctl/pkg/plugins"
)

// Host variables specific to this plugin.
const (
	VarJumpHost             = "froyo_ssh_jump"
	VarPrivateKeyPassphrase = "froyo_ssh_private_key_passphrase"
	VarHostKeyChecking      = "froyo_host_key_checking"
)

// Options are the controller-wide defaults for every ssh session.
type Options struct {
	// User is the remote user when the host sets none.
	User string

	// PrivateKeyFile is the key used when the host sets none. When empty the
	// usual ~/.ssh/id_* files are tried.
	PrivateKeyFile string

	// KnownHostsFile is checked when HostKeyChecking is on.
	KnownHostsFile string

	// HostKeyChecking rejects hosts whose key is not in KnownHostsFile.
	HostKeyChecking bool

	// ConnectTimeout bounds dialing and the handshake.
	ConnectTimeout time.Duration
}

// DefaultOptions returns strict host key checking against
// ~/.ssh/known_hosts and a 10s connect timeout.
func DefaultOptions() Options {
	home, _ := os.UserHomeDir()
	return Options{
		User:            os.Getenv("USER"),
		KnownHostsFile:  filepath.Join(home, ".ssh", "known_hosts"),
		HostKeyChecking: true,
		ConnectTimeout:  10 * time.Second,
	}
}

// Config holds what is needed to reach one host.
type Config struct {
	Host                 string
	Port                 int
	User                 string
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string
	KnownHostsPath       string
	HostKeyChecking      bool
	ConnectTimeout       time.Duration

	// Jump is an optional bastion, "[user@]host[:port]".
	Jump *Config
}

// configFor merges a target with the plugin defaults.
func configFor(target plugins.Target, opts Options) (*Config, error) {
	c := &Config{
		Host:            target.Address,
		Port:            target.Port,
		User:            target.User,
		Password:        target.Password,
		PrivateKeyPath:  target.PrivateKeyFile,
		KnownHostsPath:  opts.KnownHostsFile,
		HostKeyChecking: opts.HostKeyChecking,
		ConnectTimeout:  opts.ConnectTimeout,
	}
	if c.Port == 0 {
		c.Port = 22
	}
	if c.User == "" {
		c.User = opts.User
	}
	if c.PrivateKeyPath == "" {
		c.PrivateKeyPath = opts.PrivateKeyFile
	}
	if target.Timeout > 0 {
		c.ConnectTimeout = target.Timeout
	}
	if s, ok := target.Vars[VarPrivateKeyPassphrase].(string); ok {
		c.PrivateKeyPassphrase = s
	}
	if v, ok := target.Vars[VarHostKeyChecking]; ok {
		if b, ok := boolValue(v); ok {
			c.HostKeyChecking = b
		}
	}
	if jump, ok := target.Vars[VarJumpHost].(string); ok && jump != "" {
		j, err := parseJump(jump, c)
		if err != nil {
			return nil, err
		}
		c.Jump = j
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func boolValue(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	default:
		return false, false
	}
}

// parseJump reads "[user@]host[:port]". Credentials and host key settings
// are inherited from the target.
func parseJump(spec string, target *Config) (*Config, error) {
	j := *target
	j.Jump = nil
	j.Port = 22

	if at := strings.LastIndex(spec, "@"); at >= 0 {
		j.User = spec[:at]
		spec = spec[at+1:]
	}
	host, port, err := net.SplitHostPort(spec)
	if err != nil {
		host = spec
	} else {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid jump host port %q", port)
		}
		j.Port = p
	}
	j.Host = host
	return &j, nil
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	if c.Jump != nil {
		if err := c.Jump.Validate(); err != nil {
			return fmt.Errorf("jump host: %w", err)
		}
	}
	return nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// defaultKeys are tried when no private key is configured.
var defaultKeys = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// BuildSSHClientConfig creates an ssh.ClientConfig. Key authentication is
// offered before password authentication when both are available.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	keyPath := c.PrivateKeyPath
	if keyPath == "" && c.Password == "" {
		home, _ := os.UserHomeDir()
		for _, name := range defaultKeys {
			candidate := filepath.Join(home, ".ssh", name)
			if _, err := os.Stat(candidate); err == nil {
				keyPath = candidate
				break
			}
		}
	}
	if keyPath != "" {
		signer, err := loadSigner(keyPath, c.PrivateKeyPassphrase)
		if err != nil {
			return nil, err
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		password := c.Password
		authMethods = append(authMethods, ssh.Password(password))
		// Many servers only prompt through keyboard-interactive.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			},
		))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no private key or password available for %s@%s", c.User, c.Host)
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.HostKeyChecking {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if c.KnownHostsPath == "" {
		return nil, fmt.Errorf("host key checking requires a known_hosts file")
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(plugins.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}
