package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/pkg/schema"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreakers(threshold int, cooldown time.Duration) (*CircuitBreakerRegistry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1})
	r.now = clock.Now
	return r, clock
}

func TestHostKey(t *testing.T) {
	assert.Equal(t, "api.example.com", HostKey("https://API.example.com/v1/items?x=1"))
	assert.Equal(t, "127.0.0.1:8080", HostKey("http://127.0.0.1:8080/health"))
	assert.Equal(t, "not a url", HostKey("not a url"))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cbr, _ := newTestBreakers(3, 10*time.Second)
	require.NoError(t, cbr.AllowRequest("h"))

	cbr.RecordFailure("h")
	cbr.RecordFailure("h")
	assert.Equal(t, CircuitClosed, cbr.GetState("h"))
	assert.Equal(t, CircuitOpen, cbr.RecordFailure("h"))

	err := cbr.AllowRequest("h")
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCircuitOpen, fe.Code)
	assert.Equal(t, "h", fe.Details["host"])

	// Other hosts are unaffected.
	assert.NoError(t, cbr.AllowRequest("other"))
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cbr, _ := newTestBreakers(2, time.Second)
	cbr.RecordFailure("h")
	cbr.RecordSuccess("h")
	assert.Equal(t, CircuitClosed, cbr.RecordFailure("h"))
	assert.Equal(t, 1, cbr.GetStats("h")["consecutive_failures"])
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cbr, clock := newTestBreakers(1, 5*time.Second)
	cbr.RecordFailure("h")
	require.Error(t, cbr.AllowRequest("h"))

	clock.Advance(5 * time.Second)
	require.NoError(t, cbr.AllowRequest("h"), "first probe allowed")
	require.Error(t, cbr.AllowRequest("h"), "second probe rejected")

	// Failed probe reopens.
	assert.Equal(t, CircuitOpen, cbr.RecordFailure("h"))
	require.Error(t, cbr.AllowRequest("h"))

	clock.Advance(5 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cbr.GetState("h"))
	require.NoError(t, cbr.AllowRequest("h"))
	cbr.RecordSuccess("h")
	assert.Equal(t, CircuitClosed, cbr.GetState("h"))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
