package hostkey

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"keyjawn/internal/remote"

	"golang.org/x/crypto/ssh"
)

func newTestKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("Failed to wrap key: %v", err)
	}
	return key
}

func TestVerifyAndPinTrustOnFirstUse(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryBackend())
	endpoint := Endpoint("10.0.0.5", 22)

	if endpoint != "10.0.0.5:22" {
		t.Fatalf("Expected endpoint 10.0.0.5:22, got %s", endpoint)
	}

	ok, err := store.VerifyAndPin(ctx, endpoint, "AA:BB")
	if err != nil || !ok {
		t.Fatalf("Expected first use to pin, got ok=%v err=%v", ok, err)
	}

	ok, _ = store.VerifyAndPin(ctx, endpoint, "AA:BB")
	if !ok {
		t.Error("Expected matching fingerprint to verify")
	}

	ok, _ = store.VerifyAndPin(ctx, endpoint, "CC:DD")
	if ok {
		t.Error("Expected different fingerprint to be rejected")
	}

	pinned, found, _ := store.Fingerprint(ctx, endpoint)
	if !found || pinned != "AA:BB" {
		t.Errorf("Expected pin AA:BB to survive the mismatch, got %q (found=%v)", pinned, found)
	}
}

func TestVerifyAndPinPortsAreDistinct(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)

	if ok, _ := store.VerifyAndPin(ctx, Endpoint("pi.local", 22), "AA"); !ok {
		t.Fatal("Expected first pin on port 22")
	}
	if ok, _ := store.VerifyAndPin(ctx, Endpoint("pi.local", 2222), "BB"); !ok {
		t.Error("Expected port 2222 to be a separate identity")
	}
	if got := Endpoint("::1", 22); got != "[::1]:22" {
		t.Errorf("Expected bracketed IPv6 endpoint, got %s", got)
	}
}

func TestForgetAllowsRepin(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryBackend())
	endpoint := "10.0.0.5:22"

	_, _ = store.VerifyAndPin(ctx, endpoint, "AA:BB")
	if err := store.Forget(ctx, endpoint); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if _, found, _ := store.Fingerprint(ctx, endpoint); found {
		t.Fatal("Expected pin to be gone after Forget")
	}
	if ok, _ := store.VerifyAndPin(ctx, endpoint, "CC:DD"); !ok {
		t.Error("Expected rotated key to pin after Forget")
	}
}

func TestConcurrentFirstPinHasOneWinner(t *testing.T) {
	backends := map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   NewFileBackend(filepath.Join(t.TempDir(), "known_hosts.yaml")),
	}

	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := NewStore(backend)
			endpoint := "10.0.0.5:22"

			var wins atomic.Int32
			var winner atomic.Value
			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func(fp string) {
					defer wg.Done()
					ok, err := store.VerifyAndPin(ctx, endpoint, fp)
					if err != nil {
						t.Errorf("VerifyAndPin failed: %v", err)
						return
					}
					if ok {
						wins.Add(1)
						winner.Store(fp)
					}
				}(fmt.Sprintf("fp-%d", i))
			}
			wg.Wait()

			if wins.Load() != 1 {
				t.Fatalf("Expected exactly one winner, got %d", wins.Load())
			}
			pinned, _, _ := store.Fingerprint(ctx, endpoint)
			if pinned != winner.Load().(string) {
				t.Errorf("Expected stored pin %q to be the winner %q", pinned, winner.Load())
			}
		})
	}
}

func TestEndpointLocksAreReleased(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			endpoint := Endpoint(fmt.Sprintf("10.0.0.%d", i%10), 22)
			_, _ = store.VerifyAndPin(ctx, endpoint, "AA")
			if i%5 == 0 {
				_ = store.Forget(ctx, endpoint)
			}
		}(i)
	}
	wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	if n := len(store.locks); n != 0 {
		t.Errorf("expected no endpoint locks after all calls returned, have %d", n)
	}
}

func TestFileBackendPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "known_hosts.yaml")

	first := NewStore(NewFileBackend(path))
	if ok, err := first.VerifyAndPin(ctx, "10.0.0.5:22", "SHA256:abc"); err != nil || !ok {
		t.Fatalf("Expected pin, got ok=%v err=%v", ok, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Expected host key file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected permissions 0600, got %v", info.Mode().Perm())
	}

	second := NewStore(NewFileBackend(path))
	pinned, found, err := second.Fingerprint(ctx, "10.0.0.5:22")
	if err != nil || !found || pinned != "SHA256:abc" {
		t.Errorf("Expected pin to be read back, got %q found=%v err=%v", pinned, found, err)
	}
	if ok, _ := second.VerifyAndPin(ctx, "10.0.0.5:22", "SHA256:xyz"); ok {
		t.Error("Expected mismatch against persisted pin")
	}
}

func TestFileBackendRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts.yaml")
	if err := os.WriteFile(path, []byte("fingerprints: [not, a, map"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := NewStore(NewFileBackend(path)).VerifyAndPin(context.Background(), "h:22", "x")
	if err == nil {
		t.Fatal("Expected error for corrupt host key file")
	}
}

func TestParsePinned(t *testing.T) {
	key := newTestKey(t)
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
	want := ssh.FingerprintSHA256(key)

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "authorized key line", input: line, want: want},
		{name: "keyscan output", input: "10.0.0.5 " + line, want: want},
		{name: "fingerprint", input: "  " + want + "\n", want: want},
		{name: "garbage", input: "not a key", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePinned(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePinned failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParsePinned() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHostKeyCallback(t *testing.T) {
	ctx := context.Background()
	host := remote.HostConfig{Hostname: "10.0.0.5", Port: 22, Username: "pi"}
	first, rotated := newTestKey(t), newTestKey(t)

	t.Run("pins then rejects rotated key", func(t *testing.T) {
		store := NewStore(nil)
		cb := HostKeyCallback(ctx, host, store)

		if err := cb("10.0.0.5:22", nil, first); err != nil {
			t.Fatalf("Expected first key to be accepted: %v", err)
		}
		err := cb("10.0.0.5:22", nil, rotated)
		if !remote.IsKind(err, remote.KindHostKeyMismatch) {
			t.Fatalf("Expected host key mismatch, got %v", err)
		}
		if !strings.Contains(err.Error(), "machine-in-the-middle") || !strings.Contains(err.Error(), "10.0.0.5:22") {
			t.Errorf("Expected mismatch message to name endpoint and warn, got %q", err.Error())
		}
		pinned, _, _ := store.Fingerprint(ctx, "10.0.0.5:22")
		if pinned != Fingerprint(first) {
			t.Error("Expected original pin to be kept")
		}
	})

	t.Run("configured key must match", func(t *testing.T) {
		pinnedHost := host
		pinnedHost.PinnedHostKey = string(ssh.MarshalAuthorizedKey(first))
		store := NewStore(nil)
		cb := HostKeyCallback(ctx, pinnedHost, store)

		if err := cb("", nil, rotated); !remote.IsKind(err, remote.KindHostKeyMismatch) {
			t.Fatalf("Expected mismatch against configured key, got %v", err)
		}
		if _, found, _ := store.Fingerprint(ctx, "10.0.0.5:22"); found {
			t.Error("Expected nothing pinned after configured key mismatch")
		}
		if err := cb("", nil, first); err != nil {
			t.Errorf("Expected configured key to be accepted: %v", err)
		}
	})

	t.Run("no store accepts", func(t *testing.T) {
		if err := HostKeyCallback(ctx, host, nil)("", nil, first); err != nil {
			t.Errorf("Expected acceptance without a store: %v", err)
		}
	})
}
