package limits

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestPerIPBurstExhaustion(t *testing.T) {
	l := NewConnRateLimiter(ConnRateLimiterConfig{
		IPBurst: 3, IPRate: 0.001,
		GlobalBurst: 100, GlobalRate: 100,
		Logger: zerolog.Nop(),
	})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("attempt %d within burst should pass", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("attempt beyond burst should be rejected")
	}
	// Other IPs are unaffected.
	if !l.Allow("10.0.0.2") {
		t.Fatal("different IP should pass")
	}
}

func TestGlobalBurstExhaustion(t *testing.T) {
	l := NewConnRateLimiter(ConnRateLimiterConfig{
		IPBurst: 100, IPRate: 100,
		GlobalBurst: 2, GlobalRate: 0.001,
		Logger: zerolog.Nop(),
	})
	defer l.Stop()

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.2") {
		t.Fatal("first two attempts should pass")
	}
	if l.Allow("10.0.0.3") {
		t.Fatal("third attempt should hit the global limit")
	}
}
