package vault

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/openfroyo/froyoctl/pkg/errs"
)

// Envelope header fields.
const (
	HeaderPrefix        = "$FROYO_VAULT"
	AnsibleHeaderPrefix = "$ANSIBLE_VAULT"

	Version11 = "1.1"
	Version12 = "1.2"

	CipherAES256 = "AES256"

	// DefaultID is used for envelopes without a vault id.
	DefaultID = "default"
)

// lineWidth is the body wrap column used when formatting envelopes.
const lineWidth = 80

// Envelope is a parsed vault text.
type Envelope struct {
	Version string
	Cipher  string

	// ID is the vault id from a 1.2 header, empty for 1.1.
	ID string

	// Body is the hex payload with line breaks removed.
	Body []byte
}

// SecretID returns the keyring entry that opens the envelope.
func (e *Envelope) SecretID() string {
	if e.ID == "" {
		return DefaultID
	}
	return e.ID
}

// IsEncrypted reports whether data starts with a vault header.
func IsEncrypted(data []byte) bool {
	data = bytes.TrimLeft(data, " \t\r\n")
	return bytes.HasPrefix(data, []byte(HeaderPrefix+";")) ||
		bytes.HasPrefix(data, []byte(AnsibleHeaderPrefix+";"))
}

// ParseEnvelope splits vault text into header fields and body.
func ParseEnvelope(data []byte) (*Envelope, error) {
	text := strings.TrimSpace(string(data))
	header, body, _ := strings.Cut(text, "\n")
	header = strings.TrimSpace(header)

	parts := strings.Split(header, ";")
	if len(parts) < 3 {
		return nil, errs.New(errs.CodeVaultIntegrity, "invalid vault header")
	}
	if parts[0] != HeaderPrefix && parts[0] != AnsibleHeaderPrefix {
		return nil, errs.Newf(errs.CodeVaultIntegrity, "unknown vault header %q", parts[0])
	}

	env := &Envelope{Version: parts[1], Cipher: parts[2]}
	switch env.Version {
	case Version11:
	case Version12:
		if len(parts) < 4 || parts[3] == "" {
			return nil, errs.New(errs.CodeVaultIntegrity, "vault format 1.2 requires a vault id")
		}
		env.ID = parts[3]
	default:
		return nil, errs.Newf(errs.CodeVaultIntegrity, "unsupported vault format version %q", env.Version)
	}
	if env.Cipher != CipherAES256 {
		return nil, errs.Newf(errs.CodeVaultIntegrity, "unsupported cipher %q", env.Cipher)
	}

	env.Body = []byte(strings.Join(strings.Fields(body), ""))
	if len(env.Body) == 0 {
		return nil, errs.New(errs.CodeVaultIntegrity, "vault body is empty")
	}
	return env, nil
}

// Format renders the envelope with its body wrapped at 80 columns.
func (e *Envelope) Format() []byte {
	var buf bytes.Buffer
	buf.WriteString(HeaderPrefix)
	buf.WriteByte(';')
	if e.ID != "" {
		fmt.Fprintf(&buf, "%s;%s;%s", Version12, e.Cipher, e.ID)
	} else {
		fmt.Fprintf(&buf, "%s;%s", Version11, e.Cipher)
	}
	buf.WriteByte('\n')
	for i := 0; i < len(e.Body); i += lineWidth {
		end := i + lineWidth
		if end > len(e.Body) {
			end = len(e.Body)
		}
		buf.Write(e.Body[i:end])
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
