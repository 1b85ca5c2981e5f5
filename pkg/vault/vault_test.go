package vault

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoctl/pkg/errs"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		plaintext  string
		vaultID    string
		wantHeader string
	}{
		{"default id", "hello vault", "", "$FROYO_VAULT;1.1;AES256"},
		{"explicit default", "hello vault", DefaultID, "$FROYO_VAULT;1.1;AES256"},
		{"named id", "db_password: s3cret\n", "prod", "$FROYO_VAULT;1.2;AES256;prod"},
		{"empty plaintext", "", "", "$FROYO_VAULT;1.1;AES256"},
		{"block sized", strings.Repeat("x", 32), "", "$FROYO_VAULT;1.1;AES256"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Encrypt([]byte(tt.plaintext), []byte("secret"), tt.vaultID)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if !strings.HasPrefix(string(env), tt.wantHeader+"\n") {
				t.Errorf("Expected header %q, got %q", tt.wantHeader, strings.SplitN(string(env), "\n", 2)[0])
			}
			if !IsEncrypted(env) {
				t.Error("Expected IsEncrypted to report true")
			}
			for _, line := range strings.Split(strings.TrimSpace(string(env)), "\n")[1:] {
				if len(line) > lineWidth {
					t.Errorf("Expected body lines of at most %d columns, got %d", lineWidth, len(line))
				}
			}

			plain, err := Decrypt(env, []byte("secret"))
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if string(plain) != tt.plaintext {
				t.Errorf("Expected %q, got %q", tt.plaintext, plain)
			}
		})
	}
}

func TestEncryptUsesFreshSalt(t *testing.T) {
	a, _ := Encrypt([]byte("same"), []byte("secret"), "")
	b, _ := Encrypt([]byte("same"), []byte("secret"), "")
	if bytes.Equal(a, b) {
		t.Error("Expected two encryptions of the same plaintext to differ")
	}
}

func TestDecryptWrongSecret(t *testing.T) {
	env, err := Encrypt([]byte("payload"), []byte("right"), "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for _, secret := range []string{"wrong", "righ", "right ", "RIGHT"} {
		plain, err := Decrypt(env, []byte(secret))
		if !errs.HasCode(err, errs.CodeVaultIntegrity) {
			t.Errorf("Expected VaultIntegrityError for %q, got: %v", secret, err)
		}
		if plain != nil {
			t.Errorf("Expected no plaintext for %q, got %q", secret, plain)
		}
	}
}

func TestDecryptTamperedBody(t *testing.T) {
	env, err := Encrypt([]byte("payload"), []byte("secret"), "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	parsed, err := ParseEnvelope(env)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// Flip a hex digit in the ciphertext, which is the last field.
	body := bytes.Clone(parsed.Body)
	last := len(body) - 1
	if body[last] == '0' {
		body[last] = '1'
	} else {
		body[last] = '0'
	}
	tampered := (&Envelope{Cipher: CipherAES256, Body: body}).Format()

	if _, err := Decrypt(tampered, []byte("secret")); !errs.HasCode(err, errs.CodeVaultIntegrity) {
		t.Errorf("Expected VaultIntegrityError, got: %v", err)
	}
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantID  string
		wantErr bool
	}{
		{name: "froyo 1.1", input: "$FROYO_VAULT;1.1;AES256\n6162\n6364", wantID: ""},
		{name: "froyo 1.2", input: "$FROYO_VAULT;1.2;AES256;prod\n6162", wantID: "prod"},
		{name: "ansible header", input: "$ANSIBLE_VAULT;1.1;AES256\n6162", wantID: ""},
		{name: "leading whitespace", input: "\n  $FROYO_VAULT;1.1;AES256\n6162\n", wantID: ""},
		{name: "missing id", input: "$FROYO_VAULT;1.2;AES256\n6162", wantErr: true},
		{name: "bad cipher", input: "$FROYO_VAULT;1.1;ROT13\n6162", wantErr: true},
		{name: "bad version", input: "$FROYO_VAULT;2.0;AES256\n6162", wantErr: true},
		{name: "no header", input: "6162", wantErr: true},
		{name: "unknown header", input: "$OTHER;1.1;AES256\n6162", wantErr: true},
		{name: "empty body", input: "$FROYO_VAULT;1.1;AES256\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.input))
			if tt.wantErr {
				if !errs.HasCode(err, errs.CodeVaultIntegrity) {
					t.Errorf("Expected VaultIntegrityError, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if env.ID != tt.wantID {
				t.Errorf("Expected id %q, got %q", tt.wantID, env.ID)
			}
		})
	}

	env, _ := ParseEnvelope([]byte("$FROYO_VAULT;1.1;AES256\n6162\n6364\n"))
	if string(env.Body) != "61626364" {
		t.Errorf("Expected line breaks removed from body, got %q", env.Body)
	}
	if env.SecretID() != DefaultID {
		t.Errorf("Expected secret id %q, got %q", DefaultID, env.SecretID())
	}
}

func TestIsEncrypted(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"$FROYO_VAULT;1.1;AES256\n00", true},
		{"$ANSIBLE_VAULT;1.1;AES256\n00", true},
		{"  $FROYO_VAULT;1.2;AES256;x\n00", true},
		{"$FROYO_VAULT", false},
		{"plain text", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsEncrypted([]byte(tt.input)); got != tt.want {
			t.Errorf("Expected IsEncrypted(%q) = %v, got %v", tt.input, tt.want, got)
		}
	}
}

func TestPadding(t *testing.T) {
	for n := 0; n <= 33; n++ {
		data := bytes.Repeat([]byte{'a'}, n)
		padded := pad(data, 16)
		if len(padded)%16 != 0 || len(padded) <= n {
			t.Fatalf("Expected padded length multiple of 16 above %d, got %d", n, len(padded))
		}
		out, err := unpad(padded, 16)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if !bytes.Equal(out, data) {
			t.Errorf("Expected %q, got %q", data, out)
		}
	}

	bad := append(bytes.Repeat([]byte{'a'}, 15), 0)
	if _, err := unpad(bad, 16); err == nil {
		t.Error("Expected error for zero padding byte")
	}
	good := append(bytes.Repeat([]byte{'a'}, 14), 2, 2)
	if _, err := unpad(good, 16); err != nil {
		t.Errorf("Expected valid padding of 2, got: %v", err)
	}
	bad = append(bytes.Repeat([]byte{'a'}, 13), 2, 3, 3)
	if _, err := unpad(bad, 16); err == nil {
		t.Error("Expected error for inconsistent padding")
	}
}

// countingSource counts secret fetches.
type countingSource struct {
	secret []byte
	calls  atomic.Int32
}

func (s *countingSource) Secret(_ context.Context) ([]byte, error) {
	s.calls.Add(1)
	return bytes.Clone(s.secret), nil
}

func (s *countingSource) Describe() string {
	return "counting"
}

func TestVaultDecrypt(t *testing.T) {
	ctx := context.Background()
	kr := NewKeyring()
	kr.Add("", NewPasswordSource([]byte("default-secret")))
	kr.Add("prod", NewPasswordSource([]byte("prod-secret")))
	v := New(kr)

	defEnv, _ := Encrypt([]byte("one"), []byte("default-secret"), "")
	prodEnv, _ := Encrypt([]byte("two"), []byte("prod-secret"), "prod")
	otherEnv, _ := Encrypt([]byte("three"), []byte("x"), "staging")
	wrongEnv, _ := Encrypt([]byte("four"), []byte("not-the-prod-secret"), "prod")

	plain, err := v.Decrypt(ctx, string(defEnv))
	if err != nil || string(plain) != "one" {
		t.Errorf("Expected one, got %q (%v)", plain, err)
	}
	plain, err = v.Decrypt(ctx, string(prodEnv))
	if err != nil || string(plain) != "two" {
		t.Errorf("Expected two, got %q (%v)", plain, err)
	}

	if _, err := v.Decrypt(ctx, string(otherEnv)); !errs.HasCode(err, errs.CodeVaultSecretUnavailable) {
		t.Errorf("Expected VaultSecretUnavailable for unknown id, got: %v", err)
	}
	if _, err := v.Decrypt(ctx, string(wrongEnv)); !errs.HasCode(err, errs.CodeVaultIntegrity) {
		t.Errorf("Expected VaultIntegrityError for wrong secret, got: %v", err)
	}
	if v.Cache().Len() != 2 {
		t.Errorf("Expected failures not to be cached, got %d entries", v.Cache().Len())
	}
}

func TestVaultDecryptReturnsCallerOwnedBuffer(t *testing.T) {
	kr := NewKeyring()
	kr.Add(DefaultID, NewPasswordSource([]byte("s")))
	v := New(kr)
	env, _ := Encrypt([]byte("value"), []byte("s"), "")

	first, err := v.Decrypt(context.Background(), string(env))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	clear(first)

	second, err := v.Decrypt(context.Background(), string(env))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(second) != "value" {
		t.Errorf("Expected cached value to survive caller wiping, got %q", second)
	}
}

func TestVaultConcurrentDecryptFetchesSecretOnce(t *testing.T) {
	src := &countingSource{secret: []byte("shared")}
	kr := NewKeyring()
	kr.Add(DefaultID, src)
	v := New(kr)
	env, _ := Encrypt([]byte("payload"), []byte("shared"), "")

	var wg sync.WaitGroup
	start := make(chan struct{})
	errCh := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			plain, err := v.Decrypt(context.Background(), string(env))
			if err != nil {
				errCh <- err
				return
			}
			if string(plain) != "payload" {
				errCh <- errs.Newf(errs.CodeVaultIntegrity, "unexpected plaintext %q", plain)
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("Expected no error, got: %v", err)
	}
	if got := src.calls.Load(); got != 1 {
		t.Errorf("Expected exactly 1 secret fetch, got %d", got)
	}

	v.Invalidate(DefaultID)
	if _, err := v.Decrypt(context.Background(), string(env)); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := src.calls.Load(); got != 2 {
		t.Errorf("Expected a new fetch after invalidation, got %d fetches", got)
	}
}

func TestVaultEncrypt(t *testing.T) {
	kr := NewKeyring()
	kr.Add("prod", NewPasswordSource([]byte("p")))
	v := New(kr)

	env, err := v.Encrypt(context.Background(), []byte("x"), "prod")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	plain, err := v.Decrypt(context.Background(), string(env))
	if err != nil || string(plain) != "x" {
		t.Errorf("Expected x, got %q (%v)", plain, err)
	}

	if _, err := v.Encrypt(context.Background(), []byte("x"), ""); !errs.HasCode(err, errs.CodeVaultSecretUnavailable) {
		t.Errorf("Expected VaultSecretUnavailable without a default secret, got: %v", err)
	}
}

func TestCacheInvalidateOnlyTouchesID(t *testing.T) {
	c := NewCache()
	mk := func(s string) func() ([]byte, error) {
		return func() ([]byte, error) { return []byte(s), nil }
	}
	_, _, _ = c.Get("a", []byte("e1"), mk("1"))
	_, _, _ = c.Get("a", []byte("e2"), mk("2"))
	_, _, _ = c.Get("b", []byte("e1"), mk("3"))

	if n := c.Invalidate("a"); n != 2 {
		t.Errorf("Expected 2 entries invalidated, got %d", n)
	}
	plain, hit, _ := c.Get("b", []byte("e1"), mk("unused"))
	if !hit || string(plain) != "3" {
		t.Errorf("Expected cached entry for b, got %q hit=%v", plain, hit)
	}
	c.Purge()
	if c.Len() != 0 {
		t.Errorf("Expected empty cache after purge, got %d", c.Len())
	}
}

func TestCacheOwnsDecryptedBuffer(t *testing.T) {
	c := NewCache()
	buf := []byte("s3cret")

	plain, hit, err := c.Get("a", []byte("e1"), func() ([]byte, error) { return buf, nil })
	if err != nil || hit {
		t.Fatalf("Expected a fresh decryption, got hit=%v err=%v", hit, err)
	}
	if string(plain) != "s3cret" {
		t.Errorf("Expected s3cret, got %q", plain)
	}
	clear(plain)

	again, hit, _ := c.Get("a", []byte("e1"), func() ([]byte, error) { return nil, errs.New(errs.CodeVaultIntegrity, "unused") })
	if !hit || string(again) != "s3cret" {
		t.Errorf("Expected the cached copy to survive the caller wiping its own, got %q hit=%v", again, hit)
	}

	c.Purge()
	if !bytes.Equal(buf, make([]byte, len(buf))) {
		t.Errorf("Expected the decrypted buffer to be wiped on purge, got %q", buf)
	}
}

func TestCacheWipesFailedDecryption(t *testing.T) {
	c := NewCache()
	buf := []byte("partial")

	_, _, err := c.Get("a", []byte("e1"), func() ([]byte, error) {
		return buf, errs.New(errs.CodeVaultIntegrity, "HMAC verification failed")
	})
	if !errs.HasCode(err, errs.CodeVaultIntegrity) {
		t.Errorf("Expected VaultIntegrityError, got %v", err)
	}
	if !bytes.Equal(buf, make([]byte, len(buf))) {
		t.Errorf("Expected the buffer of a failed decryption to be wiped, got %q", buf)
	}
	if c.Len() != 0 {
		t.Errorf("Expected failed decryption not cached, got %d entries", c.Len())
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "pass")
	if err := os.WriteFile(path, []byte("hunter2\n\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	secret, err := NewFileSource(path).Secret(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(secret) != "hunter2" {
		t.Errorf("Expected trailing newlines trimmed, got %q", secret)
	}

	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte("\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileSource(empty).Secret(context.Background()); !errs.HasCode(err, errs.CodeVaultSecretUnavailable) {
		t.Errorf("Expected VaultSecretUnavailable for empty file, got: %v", err)
	}

	if _, err := NewFileSource(filepath.Join(dir, "missing")).Secret(context.Background()); !errs.HasCode(err, errs.CodeVaultSecretUnavailable) {
		t.Errorf("Expected VaultSecretUnavailable for missing file, got: %v", err)
	}
}

func TestParseIDSpec(t *testing.T) {
	tests := []struct {
		spec     string
		wantID   string
		wantKind string
		wantErr  bool
	}{
		{spec: "/tmp/pass", wantID: DefaultID, wantKind: "file:/tmp/pass"},
		{spec: "prod@/tmp/pass", wantID: "prod", wantKind: "file:/tmp/pass"},
		{spec: "dev@prompt", wantID: "dev", wantKind: "prompt"},
		{spec: "prompt", wantID: DefaultID, wantKind: "prompt"},
		{spec: "@/tmp/pass", wantErr: true},
		{spec: "prod@", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			id, src, err := ParseIDSpec(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if id != tt.wantID {
				t.Errorf("Expected id %q, got %q", tt.wantID, id)
			}
			if src.Describe() != tt.wantKind {
				t.Errorf("Expected source %q, got %q", tt.wantKind, src.Describe())
			}
		})
	}
}

func TestWatcherInvalidatesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pass")
	if err := os.WriteFile(path, []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}

	kr := NewKeyring()
	kr.Add("prod", NewFileSource(path))
	kr.Add(DefaultID, NewPasswordSource([]byte("d")))
	v := New(kr)

	prodEnv, _ := Encrypt([]byte("p"), []byte("old"), "prod")
	defEnv, _ := Encrypt([]byte("d"), []byte("d"), "")
	if _, err := v.Decrypt(context.Background(), string(prodEnv)); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := v.Decrypt(context.Background(), string(defEnv)); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	w, err := NewWatcher(v, zerolog.Nop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer w.watcher.Close()

	w.handle(fsnotify.Event{Name: filepath.Join(dir, "unrelated"), Op: fsnotify.Write})
	if v.Cache().Len() != 2 {
		t.Errorf("Expected unrelated file to keep the cache, got %d entries", v.Cache().Len())
	}

	w.handle(fsnotify.Event{Name: path, Op: fsnotify.Write})
	if v.Cache().Len() != 1 {
		t.Errorf("Expected prod entry invalidated, got %d entries", v.Cache().Len())
	}
}
