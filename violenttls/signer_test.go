// Copyright 2017 The NanoProxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package violenttls

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testAuthority(t *testing.T) *Authority {
	t.Helper()
	a := &Authority{
		Storage: &Storage{Root: t.TempDir()},
		Logger:  zap.NewNop(),
	}
	require.NoError(t, a.Init())
	return a
}

// signSync bridges the asynchronous Sign contract for tests.
func signSync(t *testing.T, a *Authority, host string) (certPEM, keyPEM []byte) {
	t.Helper()
	done := make(chan struct{})
	a.Sign(host, func(c, k []byte) {
		certPEM, keyPEM = c, k
		close(done)
	})
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatalf("Sign(%q) never delivered", host)
	}
	return certPEM, keyPEM
}

func TestInitIsIdempotent(t *testing.T) {
	a := testAuthority(t)
	before := a.CACertificate().SerialNumber
	require.NoError(t, a.Init())
	assert.Equal(t, before, a.CACertificate().SerialNumber)
}

func TestInitReloadsPersistedCA(t *testing.T) {
	root := t.TempDir()
	a := &Authority{Storage: &Storage{Root: root}, Logger: zap.NewNop()}
	require.NoError(t, a.Init())
	serial := a.CACertificate().SerialNumber

	b := &Authority{Storage: &Storage{Root: root}, Logger: zap.NewNop()}
	require.NoError(t, b.Init())
	assert.Equal(t, serial, b.CACertificate().SerialNumber,
		"a CA with plenty of validity left must load as-is")
}

func TestInitRotatesExpiringCA(t *testing.T) {
	root := t.TempDir()
	a := &Authority{Storage: &Storage{Root: root}, Logger: zap.NewNop()}
	require.NoError(t, a.Init())
	serial := a.CACertificate().SerialNumber

	// Eighteen years on, the CA has under three years left.
	b := &Authority{
		Storage: &Storage{Root: root},
		Logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().Add(18 * 365 * 24 * time.Hour) },
	}
	require.NoError(t, b.Init())
	assert.NotEqual(t, serial, b.CACertificate().SerialNumber,
		"a CA within three years of expiry must be regenerated")
}

func TestSignDeliversUsablePair(t *testing.T) {
	a := testAuthority(t)
	certPEM, keyPEM := signSync(t, a, "a.example.com")

	m, err := loadMaterial(certPEM, nil, keyPEM)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.example.com", "*.example.com"}, m.cert.DNSNames)
}

func TestSignIsAsynchronous(t *testing.T) {
	a := testAuthority(t)
	// Warm the cache so the second call takes the ready fast path, the
	// one that would be tempting to answer synchronously.
	signSync(t, a, "a.example.com")

	var mu sync.Mutex
	mu.Lock()
	done := make(chan struct{})
	a.Sign("a.example.com", func(_, _ []byte) {
		// Deadlocks here if the callback ran inside Sign's frame.
		mu.Lock()
		mu.Unlock()
		close(done)
	})
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("callback never ran")
	}
}

func TestConcurrentSignsCoalesce(t *testing.T) {
	a := testAuthority(t)

	const n = 16
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		a.Sign("foo.example.com", func(cert, _ []byte) {
			results <- string(cert)
		})
	}

	first := <-results
	for i := 1; i < n; i++ {
		select {
		case got := <-results:
			assert.Equal(t, first, got, "all callers must observe identical material")
		case <-time.After(30 * time.Second):
			t.Fatal("a caller was never notified")
		}
	}

	// Siblings under the same wildcard reuse the entry.
	cert, _ := signSync(t, a, "bar.example.com")
	assert.Equal(t, first, string(cert))
}

func TestWaitersDrainInOrder(t *testing.T) {
	a := testAuthority(t)
	key := CacheKey("queued.example.net")

	// Park a pending entry so every Sign call queues instead of filling.
	entry := &certEntry{}
	a.mu.Lock()
	a.cache[key] = entry
	a.mu.Unlock()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	const n = 8
	for i := 0; i < n; i++ {
		i := i
		a.Sign("queued.example.net", func(_, _ []byte) {
			mu.Lock()
			order = append(order, i)
			if len(order) == n {
				close(done)
			}
			mu.Unlock()
		})
	}

	go a.fill(key, "queued.example.net", entry)
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("waiters never drained")
	}

	for i := 0; i < n; i++ {
		assert.Equal(t, i, order[i], "waiters must fire in enqueue order")
	}
}

func TestSignReloadsFreshCertFromDisk(t *testing.T) {
	root := t.TempDir()
	a := &Authority{Storage: &Storage{Root: root}, Logger: zap.NewNop()}
	require.NoError(t, a.Init())
	certPEM, _ := signSync(t, a, "a.example.com")

	b := &Authority{Storage: &Storage{Root: root}, Logger: zap.NewNop()}
	require.NoError(t, b.Init())
	reloaded, _ := signSync(t, b, "a.example.com")
	assert.Equal(t, string(certPEM), string(reloaded),
		"a leaf with two months or more of validity left must load as-is")
}

func TestSignRotatesExpiringCertOnDisk(t *testing.T) {
	root := t.TempDir()
	a := &Authority{Storage: &Storage{Root: root}, Logger: zap.NewNop()}
	require.NoError(t, a.Init())
	certPEM, _ := signSync(t, a, "a.example.com")

	// Twenty-three months on, the leaf has about a month left.
	b := &Authority{
		Storage: &Storage{Root: root},
		Logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().Add(23 * 30 * 24 * time.Hour) },
	}
	require.NoError(t, b.Init())
	rotated, _ := signSync(t, b, "a.example.com")
	assert.NotEqual(t, string(certPEM), string(rotated),
		"a leaf within two months of expiry must be re-signed")
}
