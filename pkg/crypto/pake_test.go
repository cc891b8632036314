package crypto

import (
	"errors"
	"net"
	"testing"
	"time"
)

// runAuth runs Authenticate on both ends of a pipe and returns both results.
func runAuth(t *testing.T, dialerSecret, accepterSecret uint64) (dKey, aKey [KeySize]byte, dErr, aErr error) {
	t.Helper()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	deadline := time.Now().Add(5 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		aKey, aErr = Authenticate(c2, accepterSecret, false, deadline)
	}()
	dKey, dErr = Authenticate(c1, dialerSecret, true, deadline)
	<-done
	return
}

func TestAuthenticateMatchingSecrets(t *testing.T) {
	t.Parallel()
	dKey, aKey, dErr, aErr := runAuth(t, 0x42, 0x42)
	if dErr != nil {
		t.Fatalf("dialer: %v", dErr)
	}
	if aErr != nil {
		t.Fatalf("accepter: %v", aErr)
	}
	if dKey != aKey {
		t.Error("peers derived different session keys")
	}
	var zero [KeySize]byte
	if dKey == zero {
		t.Error("derived key is all zero")
	}
}

func TestAuthenticateWrongSecret(t *testing.T) {
	t.Parallel()
	_, _, dErr, aErr := runAuth(t, 0x42, 0x43)
	// At least the side whose read completes sees the mismatch; the other
	// may instead observe its peer hanging up. Neither may succeed.
	if dErr == nil || aErr == nil {
		t.Fatalf("mismatched secrets authenticated: dialer=%v accepter=%v", dErr, aErr)
	}
	if !errors.Is(dErr, ErrWrongSecret) && !errors.Is(aErr, ErrWrongSecret) {
		t.Errorf("neither side reported ErrWrongSecret: dialer=%v accepter=%v", dErr, aErr)
	}
}

func TestAuthenticateSessionKeysDifferPerRun(t *testing.T) {
	t.Parallel()
	k1, _, err1, _ := runAuth(t, 7, 7)
	k2, _, err2, _ := runAuth(t, 7, 7)
	if err1 != nil || err2 != nil {
		t.Fatalf("authentication failed: %v / %v", err1, err2)
	}
	// The PAKE uses fresh ephemerals, so the same secret never yields the
	// same session key twice.
	if k1 == k2 {
		t.Error("two runs derived an identical session key")
	}
}

func TestAuthenticateGarbagePeer(t *testing.T) {
	t.Parallel()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	go func() {
		// Valid frame header, nonsense PAKE payload.
		c2.Write([]byte{0x00, 0x04, 1, 2, 3, 4})
		c2.Close()
	}()

	_, err := Authenticate(c1, 1, false, time.Now().Add(2*time.Second))
	if err == nil {
		t.Fatal("garbage handshake accepted")
	}
}
