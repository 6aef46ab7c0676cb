package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// setupMiniredis starts a miniredis instance and returns a connected Client.
func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	client := NewClient(ClientConfig{OpTimeout: time.Second})

	ctx := context.Background()
	if err := client.Connect(ctx, "redis://"+mr.Addr(), ""); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func TestConnectInvalidURL(t *testing.T) {
	client := NewClient(ClientConfig{})
	err := client.Connect(context.Background(), "not-a-valid-url", "")
	if !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("Connect() error = %v, want ErrInvalidURL", err)
	}
}

func TestGetIntMissingKey(t *testing.T) {
	_, client := setupMiniredis(t)

	v, ok, err := client.GetInt(context.Background(), CreditsKey(1))
	if err != nil {
		t.Fatalf("GetInt: %v", err)
	}
	if ok {
		t.Errorf("GetInt on missing key reported present (value %d)", v)
	}
}

func TestSetIntAndGetInt(t *testing.T) {
	mr, client := setupMiniredis(t)
	ctx := context.Background()

	if err := client.SetInt(ctx, CreditsKey(5), 17); err != nil {
		t.Fatalf("SetInt: %v", err)
	}

	v, ok, err := client.GetInt(ctx, CreditsKey(5))
	if err != nil {
		t.Fatalf("GetInt: %v", err)
	}
	if !ok || v != 17 {
		t.Errorf("GetInt = (%d, %v), want (17, true)", v, ok)
	}
	if got, _ := mr.Get("credits:5"); got != "17" {
		t.Errorf("raw value = %q, want %q", got, "17")
	}
}

func TestSetIntNXKeepsExistingValue(t *testing.T) {
	mr, client := setupMiniredis(t)
	ctx := context.Background()
	key := CreditsKey(6)

	ok, err := client.SetIntNX(ctx, key, 10)
	if err != nil {
		t.Fatalf("SetIntNX: %v", err)
	}
	if !ok {
		t.Error("SetIntNX on a missing key reported not written")
	}

	ok, err = client.SetIntNX(ctx, key, 99)
	if err != nil {
		t.Fatalf("SetIntNX: %v", err)
	}
	if ok {
		t.Error("SetIntNX overwrote an existing key")
	}
	if got, _ := mr.Get(key); got != "10" {
		t.Errorf("raw value = %q, want %q", got, "10")
	}
}

func TestDel(t *testing.T) {
	mr, client := setupMiniredis(t)
	ctx := context.Background()
	key := CreditsKey(3)
	mr.Set(key, "4")

	if err := client.Del(ctx, key); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if mr.Exists(key) {
		t.Error("key still present after Del")
	}
	if err := client.Del(ctx, key); err != nil {
		t.Errorf("Del on a missing key: %v", err)
	}
}

func TestDeductStates(t *testing.T) {
	mr, client := setupMiniredis(t)
	ctx := context.Background()
	key := CreditsKey(9)

	status, _, err := client.Deduct(ctx, key, 1)
	if err != nil {
		t.Fatalf("Deduct on missing key: %v", err)
	}
	if status != DeductMissing {
		t.Errorf("status = %v, want %v", status, DeductMissing)
	}
	if mr.Exists(key) {
		t.Error("Deduct must not create a missing key")
	}

	mr.Set(key, "2")

	status, balance, err := client.Deduct(ctx, key, 2)
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if status != DeductGranted || balance != 0 {
		t.Errorf("Deduct = (%v, %d), want (%v, 0)", status, balance, DeductGranted)
	}

	status, balance, err = client.Deduct(ctx, key, 1)
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if status != DeductInsufficient || balance != 0 {
		t.Errorf("Deduct = (%v, %d), want (%v, 0)", status, balance, DeductInsufficient)
	}
	if got, _ := mr.Get(key); got != "0" {
		t.Errorf("balance after denied deduct = %q, want %q", got, "0")
	}
}

func TestDeductConcurrentNeverOverdraws(t *testing.T) {
	mr, client := setupMiniredis(t)
	ctx := context.Background()
	key := CreditsKey(3)
	mr.Set(key, "10")

	var granted atomic.Int64
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _, err := client.Deduct(ctx, key, 1)
			if err != nil {
				t.Errorf("Deduct: %v", err)
				return
			}
			if status == DeductGranted {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 10 {
		t.Errorf("granted = %d, want 10", granted.Load())
	}
	if got, _ := mr.Get(key); got != "0" {
		t.Errorf("final balance = %q, want %q", got, "0")
	}
}

func TestCreditExistingKey(t *testing.T) {
	mr, client := setupMiniredis(t)
	key := CreditsKey(4)
	mr.Set(key, "3")

	balance, ok, err := client.Credit(context.Background(), key, 5, -1)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if !ok || balance != 8 {
		t.Errorf("Credit = (%d, %v), want (8, true)", balance, ok)
	}
}

func TestCreditMissingKey(t *testing.T) {
	mr, client := setupMiniredis(t)
	ctx := context.Background()
	key := CreditsKey(6)

	_, ok, err := client.Credit(ctx, key, 5, -1)
	if err != nil {
		t.Fatalf("Credit without seed: %v", err)
	}
	if ok {
		t.Error("Credit without seed should report missing")
	}
	if mr.Exists(key) {
		t.Error("Credit without seed must not create the key")
	}

	balance, ok, err := client.Credit(ctx, key, 5, 25)
	if err != nil {
		t.Fatalf("Credit with seed: %v", err)
	}
	if !ok || balance != 25 {
		t.Errorf("Credit with seed = (%d, %v), want (25, true)", balance, ok)
	}
}

func TestIncrAndExpire(t *testing.T) {
	mr, client := setupMiniredis(t)
	ctx := context.Background()
	key := RateKey("id-1", 100)

	for want := int64(1); want <= 3; want++ {
		n, err := client.Incr(ctx, key)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if n != want {
			t.Errorf("Incr = %d, want %d", n, want)
		}
	}

	if err := client.Expire(ctx, key, 2*time.Minute); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if ttl := mr.TTL(key); ttl != 2*time.Minute {
		t.Errorf("TTL = %v, want 2m", ttl)
	}

	mr.FastForward(3 * time.Minute)
	if mr.Exists(key) {
		t.Error("key should have expired")
	}
}

func TestBackendErrorsSurface(t *testing.T) {
	mr, client := setupMiniredis(t)
	ctx := context.Background()
	mr.SetError("LOADING server is loading")

	if _, _, err := client.Deduct(ctx, CreditsKey(1), 1); err == nil {
		t.Error("Deduct should fail while the backend errors")
	}
	if _, _, err := client.GetInt(ctx, CreditsKey(1)); err == nil {
		t.Error("GetInt should fail while the backend errors")
	}
	if _, err := client.SetIntNX(ctx, CreditsKey(1), 1); err == nil {
		t.Error("SetIntNX should fail while the backend errors")
	}
	if err := client.Del(ctx, CreditsKey(1)); err == nil {
		t.Error("Del should fail while the backend errors")
	}
	if err := client.Ping(ctx); err == nil {
		t.Error("Ping should fail while the backend errors")
	}
}
